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

import "github.com/doublegate/veridianos/pkg/sentry/kernel"

// CondVar is a condition variable parked on a kernel.WaitQueue, used with
// an external Mutex exactly like a POSIX condvar (§3/§4.6).
type CondVar struct {
	queue kernel.WaitQueue
}

// Wait atomically releases m and blocks self on the condition, re-acquiring
// m before returning (the caller must hold m on entry and will hold it
// again on return, mirroring pthread_cond_wait).
func (c *CondVar) Wait(self *kernel.Thread, m *Mutex) error {
	ch, err := c.queue.Enqueue(self)
	if err != nil {
		return err
	}
	if err := m.Unlock(); err != nil {
		return err
	}
	<-ch
	return m.Lock(self)
}

// Signal wakes at most one waiter.
func (c *CondVar) Signal() bool { return c.queue.WakeOne(kernel.WakeSignaled) }

// Broadcast wakes every waiter.
func (c *CondVar) Broadcast() int { return c.queue.WakeAll(kernel.WakeSignaled) }
