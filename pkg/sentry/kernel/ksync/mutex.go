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

// Package ksync is the synchronization primitive layer of §4.6: Mutex,
// PiMutex, Semaphore, CondVar, RwLock, Barrier and the futex table. Every
// primitive here parks blocked threads on a kernel.WaitQueue rather than a
// raw Go channel or sync primitive, so the FIFO wakeup ordering guarantee
// of §5 is enforced in exactly one place.
package ksync

import (
	"sync"

	"github.com/doublegate/veridianos/pkg/kerr"
	"github.com/doublegate/veridianos/pkg/sentry/kernel"
)

// Mutex is a FIFO, non-reentrant lock whose blocked waiters park on a
// kernel.WaitQueue (§3/§4.6).
type Mutex struct {
	mu     sync.Mutex
	locked bool
	queue  kernel.WaitQueue
}

// Lock acquires m, blocking the calling thread on m's wait queue if it is
// already held.
func (m *Mutex) Lock(self *kernel.Thread) error {
	m.mu.Lock()
	if !m.locked {
		m.locked = true
		m.mu.Unlock()
		return nil
	}
	ch, err := m.queue.Enqueue(self)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	<-ch // Unlock left locked set and handed ownership to this waiter
	return nil
}

// Unlock releases m, waking the next FIFO waiter (if any) directly into
// ownership (a direct hand-off avoids the thundering-herd re-race the
// naive "wake then re-contend" approach would create).
func (m *Mutex) Unlock() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.locked {
		return kerr.ErrWrongState
	}
	if m.queue.Len() == 0 {
		m.locked = false
		return nil
	}
	m.queue.WakeOne(kernel.WakeSignaled) // locked stays true: ownership transfers to the woken waiter
	return nil
}

// Semaphore is a counting semaphore with FIFO wakeup (§3/§4.6).
type Semaphore struct {
	mu    sync.Mutex
	count int
	queue kernel.WaitQueue
}

// NewSemaphore constructs a semaphore with the given initial count.
func NewSemaphore(initial int) *Semaphore { return &Semaphore{count: initial} }

// Acquire decrements the count, blocking self if it would go negative.
func (s *Semaphore) Acquire(self *kernel.Thread) error {
	s.mu.Lock()
	if s.count > 0 {
		s.count--
		s.mu.Unlock()
		return nil
	}
	ch, err := s.queue.Enqueue(self)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	<-ch
	return nil
}

// Release increments the count, waking one waiter directly into ownership
// of the released unit if any are parked.
func (s *Semaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.Len() > 0 {
		s.queue.WakeOne(kernel.WakeSignaled)
		return
	}
	s.count++
}

// RwLock is a FIFO reader/writer lock: readers may run concurrently, a
// writer runs exclusively, and both block via the same wait queue so
// arrival order is preserved (§5 ordering guarantee).
type RwLock struct {
	mu      sync.Mutex
	readers int
	writer  bool
	queue   kernel.WaitQueue
}

// RLock acquires a shared hold, blocking while a writer holds or is next in
// FIFO order.
func (l *RwLock) RLock(self *kernel.Thread) error {
	l.mu.Lock()
	if !l.writer && l.queue.Len() == 0 {
		l.readers++
		l.mu.Unlock()
		return nil
	}
	ch, err := l.queue.Enqueue(self)
	l.mu.Unlock()
	if err != nil {
		return err
	}
	<-ch
	l.mu.Lock()
	l.readers++
	l.mu.Unlock()
	return nil
}

// RUnlock releases a shared hold.
func (l *RwLock) RUnlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.readers--
	if l.readers == 0 && l.queue.Len() > 0 {
		l.queue.WakeOne(kernel.WakeSignaled)
	}
}

// Lock acquires an exclusive hold.
func (l *RwLock) Lock(self *kernel.Thread) error {
	l.mu.Lock()
	if !l.writer && l.readers == 0 && l.queue.Len() == 0 {
		l.writer = true
		l.mu.Unlock()
		return nil
	}
	ch, err := l.queue.Enqueue(self)
	l.mu.Unlock()
	if err != nil {
		return err
	}
	<-ch
	l.mu.Lock()
	l.writer = true
	l.mu.Unlock()
	return nil
}

// Unlock releases an exclusive hold, waking the next FIFO waiter.
func (l *RwLock) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writer = false
	if l.queue.Len() > 0 {
		l.queue.WakeOne(kernel.WakeSignaled)
	}
}

// Barrier releases all n parties together once the last one arrives
// (§3/§4.6).
type Barrier struct {
	mu      sync.Mutex
	n       int
	arrived int
	queue   kernel.WaitQueue
}

// NewBarrier constructs a barrier for n parties.
func NewBarrier(n int) *Barrier { return &Barrier{n: n} }

// Wait blocks self until all n parties have called Wait.
func (b *Barrier) Wait(self *kernel.Thread) error {
	b.mu.Lock()
	b.arrived++
	if b.arrived == b.n {
		b.arrived = 0
		b.queue.WakeAll(kernel.WakeSignaled)
		b.mu.Unlock()
		return nil
	}
	ch, err := b.queue.Enqueue(self)
	b.mu.Unlock()
	if err != nil {
		return err
	}
	<-ch
	return nil
}
