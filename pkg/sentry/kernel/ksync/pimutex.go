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

package ksync

import (
	"sync"

	"github.com/doublegate/veridianos/pkg/kerr"
	"github.com/doublegate/veridianos/pkg/sentry/kernel"
)

// PiMutex is a mutex implementing classical priority inheritance: while
// held, the owner's effective priority is boosted to the maximum of its
// waiters' priorities, and restored on release. This resolves the open
// question of whether priority-inheritance or priority-ceiling protocol
// governs PiMutex in favor of priority inheritance, since it requires no
// static ceiling to be configured per lock and degrades gracefully as
// waiters come and go.
type PiMutex struct {
	mu    sync.Mutex
	owner *kernel.Thread

	basePriority   int
	boosted        bool
	savedPriority  int
	waiterPriority []int // priorities of parked threads in arrival order; Unlock drops the oldest
	queue          kernel.WaitQueue
}

// Lock acquires the mutex, boosting the current owner's priority if self's
// priority is numerically lower (higher priority) than the owner's
// effective priority.
func (m *PiMutex) Lock(self *kernel.Thread) error {
	m.mu.Lock()
	if m.owner == nil {
		m.owner = self
		m.basePriority = self.Priority
		m.mu.Unlock()
		return nil
	}
	m.waiterPriority = append(m.waiterPriority, self.Priority)
	if self.Priority < m.effectivePriorityLocked() {
		m.boostLocked(self.Priority)
	}
	ch, err := m.queue.Enqueue(self)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	<-ch
	m.mu.Lock()
	m.owner = self
	m.basePriority = self.Priority
	m.boosted = false
	m.mu.Unlock()
	return nil
}

func (m *PiMutex) effectivePriorityLocked() int {
	if m.boosted {
		return m.owner.Priority
	}
	return m.basePriority
}

func (m *PiMutex) boostLocked(priority int) {
	if !m.boosted {
		m.savedPriority = m.owner.Priority
		m.boosted = true
	}
	m.owner.Priority = priority
}

// Unlock releases the mutex, restoring the owner's original priority, and
// wakes the longest-waiting waiter, which takes ownership. Waiters are woken
// in plain FIFO order; their priorities do not affect who is woken. The new
// owner starts unboosted: the priorities of threads still parked are not
// applied to it.
func (m *PiMutex) Unlock() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner == nil {
		return kerr.ErrWrongState
	}
	if m.boosted {
		m.owner.Priority = m.savedPriority
		m.boosted = false
	}
	if len(m.waiterPriority) > 0 {
		m.waiterPriority = m.waiterPriority[1:]
	}
	m.owner = nil
	if m.queue.Len() > 0 {
		m.queue.WakeOne(kernel.WakeSignaled)
	}
	return nil
}
