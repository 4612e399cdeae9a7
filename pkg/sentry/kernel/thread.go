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

// Package kernel is the process/thread model (§4.6): PCB/TCB data, the
// thread state machine, exit semantics, and deferred reclaim. Scheduling
// policy lives in pkg/sentry/kernel/sched; synchronization primitives in
// pkg/sentry/kernel/ksync; both operate on the types defined here.
package kernel

import (
	"fmt"
	"sync"

	"github.com/doublegate/veridianos/pkg/hostarch"
	"github.com/doublegate/veridianos/pkg/sentry/arch"
)

// ThreadState is a node in the thread state machine of §4.6.
type ThreadState int

const (
	Created ThreadState = iota
	Ready
	Running
	Blocked
	Sleeping
	Exiting
	Reaped
)

func (s ThreadState) String() string {
	switch s {
	case Created:
		return "Created"
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Blocked:
		return "Blocked"
	case Sleeping:
		return "Sleeping"
	case Exiting:
		return "Exiting"
	case Reaped:
		return "Reaped"
	default:
		return "Unknown"
	}
}

// WakeReason records why a thread left Blocked or Sleeping, surfaced back
// to the thread as its wait's outcome.
type WakeReason int

const (
	WakeNone WakeReason = iota
	WakeSignaled
	WakeTimeout
	WakeInterrupted
)

// SchedClass is the scheduling class a thread runs under (§4.7).
type SchedClass int

const (
	ClassRTFifo SchedClass = iota
	ClassRTRR
	ClassFair
	ClassIdle
)

// TID is a thread identifier, unique within the kernel for the thread's
// lifetime.
type TID uint64

// Thread is the TCB of §3/§4.6.
type Thread struct {
	mu sync.Mutex

	TID     TID
	Process *Process

	state ThreadState

	Context arch.Context

	UserStack   hostarch.VirtRange
	KernelStack hostarch.VirtRange
	TLS         hostarch.VirtAddr

	Affinity CPUMask

	Class    SchedClass
	Priority int // lower is higher priority within RT classes; nice value within Fair

	VRuntime uint64 // fair-class virtual runtime, nanoseconds

	LastCPU int // -1 if never run

	// WaitLink is non-nil while the thread sits on exactly one WaitQueue.
	WaitLink *waitNode

	ExitCode int
}

// CPUMask is a bitmask of permitted CPUs, sized for up to 64 CPUs per §4.7
// wording ("affinity mask"); larger topologies are out of this core's scope.
type CPUMask uint64

func (m CPUMask) Has(cpu int) bool { return m&(1<<uint(cpu)) != 0 }

// AllCPUs is the default affinity: every CPU permitted.
const AllCPUs CPUMask = ^CPUMask(0)

// NewThread constructs a thread in state Created, owned by proc.
func NewThread(tid TID, proc *Process, entry hostarch.VirtAddr, userStack, kernelStack hostarch.VirtRange, class SchedClass, priority int) *Thread {
	t := &Thread{
		TID:         tid,
		Process:     proc,
		state:       Created,
		UserStack:   userStack,
		KernelStack: kernelStack,
		Affinity:    AllCPUs,
		Class:       class,
		Priority:    priority,
		LastCPU:     -1,
	}
	t.Context = arch.Context{ISA: proc.ISA, PC: uint64(entry), SP: uint64(userStack.End)}
	return t
}

// State returns the thread's current state under lock.
func (t *Thread) State() ThreadState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// transitionError reports an illegal state-machine edge.
type transitionError struct {
	from, to ThreadState
}

func (e *transitionError) Error() string {
	return fmt.Sprintf("kernel: illegal thread transition %s -> %s", e.from, e.to)
}

var legalEdges = map[ThreadState]map[ThreadState]bool{
	Created:  {Ready: true},
	Ready:    {Running: true},
	Running:  {Ready: true, Blocked: true, Sleeping: true, Exiting: true},
	Blocked:  {Ready: true},
	Sleeping: {Ready: true},
	Exiting:  {Reaped: true},
}

// transition moves the thread from its current state to to, per the state
// machine of §4.6, or returns a transitionError if the edge is illegal.
func (t *Thread) transition(to ThreadState, reason WakeReason) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !legalEdges[t.state][to] {
		return &transitionError{from: t.state, to: to}
	}
	t.state = to
	_ = reason // not stored here; WaitQueue.WakeOne delivers it on the waiter's channel
	return nil
}

// Transition is the exported form of transition, used by sched and gate to
// drive the thread's state machine.
func (t *Thread) Transition(to ThreadState, reason WakeReason) error {
	return t.transition(to, reason)
}
