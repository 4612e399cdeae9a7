// Copyright 2024 The VeridianOS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sched is the scheduler of §4.7: per-CPU ready queues organized
// by class (RT-FIFO, RT-RR, Fair, Idle), the dispatch decision procedure,
// load balancing, and CPU hotplug. It operates on kernel.Thread and leaves
// context-switch mechanism to platform.Platform.
package sched

import (
	"sync"

	"github.com/google/btree"

	"github.com/doublegate/veridianos/pkg/sentry/kernel"
)

// TimeSliceTicks is the Fair class's default time slice (§4.7: "10 ms = 1
// tick").
const TimeSliceTicks = 1

// LoadBalanceInterval is the balance period in ticks (§4.7 "periodically
// (every N ticks)"). Nothing in this package runs Rebalance on this period:
// Tick does not call it, and Set.Rebalance runs only when called.
const LoadBalanceInterval = 100

// LoadImbalanceThreshold is the hysteresis a CPU requires before pulling
// fair-class work from a peer (§4.7 "exceeds ... >= 30%").
const LoadImbalanceThreshold = 0.30

// vruntimeItem orders Fair-class threads by (vruntime, tid) for a total
// order in the btree, matching mm's interval-set use of the same library
// for a different ordered-set need.
type vruntimeItem struct {
	vruntime uint64
	tid      kernel.TID
	thread   *kernel.Thread
}

func (a vruntimeItem) Less(than btree.Item) bool {
	b := than.(vruntimeItem)
	if a.vruntime != b.vruntime {
		return a.vruntime < b.vruntime
	}
	return a.tid < b.tid
}

// rtItem orders an RT class's ready queue by (priority, seq): lower
// Priority runs first (§4.6 "lower is higher priority within RT classes"),
// and threads at equal priority are ordered by arrival, giving FIFO
// behavior within a priority level as §4.7 requires.
type rtItem struct {
	priority int
	seq      uint64
	thread   *kernel.Thread
}

func (a rtItem) Less(than btree.Item) bool {
	b := than.(rtItem)
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.seq < b.seq
}

// rtQueue is a priority-ordered ready queue for an RT class: the
// highest-priority (lowest Priority value) thread is always served first,
// with ties broken by arrival order.
type rtQueue struct {
	tree *btree.BTree
	next uint64
}

func newRTQueue() *rtQueue { return &rtQueue{tree: btree.New(32)} }

func (q *rtQueue) push(t *kernel.Thread) {
	q.tree.ReplaceOrInsert(rtItem{priority: t.Priority, seq: q.next, thread: t})
	q.next++
}

func (q *rtQueue) pop() *kernel.Thread {
	min := q.tree.DeleteMin()
	if min == nil {
		return nil
	}
	return min.(rtItem).thread
}

func (q *rtQueue) peekPriority() (int, bool) {
	min := q.tree.Min()
	if min == nil {
		return 0, false
	}
	return min.(rtItem).priority, true
}

func (q *rtQueue) len() int { return q.tree.Len() }

// CPU is one virtual CPU's scheduling state: its per-class ready queues,
// its currently running thread, and its deferred-reclaim ring. One CPU
// runs one goroutine loop; "pinning" a thread to it is simulated
// bookkeeping, not an OS-level affinity call, per the documented HAL
// simulation strategy.
type CPU struct {
	mu sync.Mutex

	ID int

	rtFifo *rtQueue
	rtRR   *rtQueue
	fair   *btree.BTree
	idle   *kernel.Thread

	running *kernel.Thread
	tick    uint64

	Cleanup *kernel.CleanupRing

	online bool
}

// NewCPU constructs a CPU in the offline state; call Online to bring it up.
func NewCPU(id int) *CPU {
	return &CPU{
		ID:      id,
		rtFifo:  newRTQueue(),
		rtRR:    newRTQueue(),
		fair:    btree.New(32),
		Cleanup: kernel.NewCleanupRing(0),
	}
}

// Online initializes per-CPU structures and marks the CPU joined to the
// scheduling mask (§4.7 "online(cpu)").
func (c *CPU) Online() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.online = true
}

// Offline marks the CPU withdrawn from scheduling; the caller is
// responsible for having migrated its non-affined threads away first
// (§4.7 "offline(cpu) migrates ... then halts after a drain barrier").
func (c *CPU) Offline() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.online = false
}

// IsOnline reports whether the CPU is currently in service.
func (c *CPU) IsOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Enqueue places t on the appropriate ready queue for its class. It does
// not change t's state; callers that need t in Ready transition it
// themselves.
func (c *CPU) Enqueue(t *kernel.Thread) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enqueueLocked(t)
}

func (c *CPU) enqueueLocked(t *kernel.Thread) {
	switch t.Class {
	case kernel.ClassRTFifo:
		c.rtFifo.push(t)
	case kernel.ClassRTRR:
		c.rtRR.push(t)
	case kernel.ClassFair:
		c.fair.ReplaceOrInsert(vruntimeItem{vruntime: t.VRuntime, tid: t.TID, thread: t})
	case kernel.ClassIdle:
		c.idle = t
	}
}

// Dispatch selects and removes the next thread to run, per §4.7's decision
// procedure: highest-priority ready RT thread (FIFO before RR at equal
// priority), else the Fair thread with the smallest VRuntime, else the idle
// thread. VRuntime is compared as stored on the thread; no priority (nice)
// weighting is applied.
func (c *CPU) Dispatch() *kernel.Thread {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dispatchLocked()
}

func (c *CPU) dispatchLocked() *kernel.Thread {
	fifoPrio, hasFifo := c.rtFifo.peekPriority()
	rrPrio, hasRR := c.rtRR.peekPriority()

	switch {
	case hasFifo && (!hasRR || fifoPrio <= rrPrio):
		return c.rtFifo.pop()
	case hasRR:
		return c.rtRR.pop()
	}

	if min := c.fair.Min(); min != nil {
		item := min.(vruntimeItem)
		c.fair.Delete(item)
		return item.thread
	}
	return c.idle
}

// Tick advances the CPU's local tick counter, drains its deferred-reclaim
// ring, and reports whether the currently running thread's time slice has
// expired (Fair class only; RT-FIFO never preempts on tick, RT-RR uses a
// fixed quantum checked the same way as Fair here for simplicity since
// both are "one tick" per §4.7's defaults).
func (c *CPU) Tick() (sliceExpired bool) {
	c.mu.Lock()
	c.tick++
	tick := c.tick
	running := c.running
	c.mu.Unlock()

	c.Cleanup.Drain(tick)

	if running == nil {
		return false
	}
	return running.Class == kernel.ClassFair || running.Class == kernel.ClassRTRR
}

// CurrentTick returns the CPU's local tick counter, the clock
// CleanupRing.Defer entries queued against this CPU are measured from.
func (c *CPU) CurrentTick() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tick
}

// SetRunning records t as the thread currently executing on c, used by
// Dispatch's caller (the gate/boot loop) after performing the actual
// context switch via platform.Platform.
func (c *CPU) SetRunning(t *kernel.Thread) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = t
	if t != nil {
		t.LastCPU = c.ID
	}
}

// Running returns the thread currently executing on c, or nil.
func (c *CPU) Running() *kernel.Thread {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Load reports the number of Ready threads queued on c, the metric load
// balancing compares across CPUs (§4.7).
func (c *CPU) Load() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rtFifo.len() + c.rtRR.len() + c.fair.Len()
}
