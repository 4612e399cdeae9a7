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

	"github.com/doublegate/veridianos/pkg/hostarch"
	"github.com/doublegate/veridianos/pkg/sentry/kernel"
)

// FutexKey identifies a futex word by the address space it lives in and
// its virtual address, so two processes' identically-valued addresses
// never alias (§3/§4.6: "futex-compatible when desired", keyed by
// (AddrSpaceID, Addr)).
type FutexKey struct {
	AddrSpaceID uint64
	Addr        hostarch.VirtAddr
}

type futexEntry struct {
	queue  kernel.WaitQueue
	bitset []uint32 // parallel to queue arrival order; the bitset each waiter armed
}

// Table is the kernel-wide futex table: user-space addresses mapped to
// wait queues, supporting FUTEX_WAIT/FUTEX_WAKE with an optional bitset
// match.
type Table struct {
	mu      sync.Mutex
	entries map[FutexKey]*futexEntry
}

// NewTable constructs an empty futex table.
func NewTable() *Table { return &Table{entries: make(map[FutexKey]*futexEntry)} }

// Wait parks self on key's queue, arming bitset (all bits set selects
// "wake on anything", matching the default FUTEX_BITSET_MATCH_ANY).
func (t *Table) Wait(self *kernel.Thread, key FutexKey, bitset uint32) error {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		e = &futexEntry{}
		t.entries[key] = e
	}
	t.mu.Unlock()

	ch, err := e.queue.Enqueue(self)
	if err != nil {
		return err
	}
	t.mu.Lock()
	e.bitset = append(e.bitset, bitset)
	t.mu.Unlock()

	<-ch
	return nil
}

// Wake wakes up to n waiters on key, in FIFO arrival order, and returns the
// number actually woken (§4.6 "bitset-match wake"). It stops at the first
// queued waiter whose armed bitset does not intersect bitset: that waiter
// stays parked with its bitset armed, and waiters behind it are not woken
// by this call.
func (t *Table) Wake(key FutexKey, n int, bitset uint32) int {
	t.mu.Lock()
	e, ok := t.entries[key]
	t.mu.Unlock()
	if !ok {
		return 0
	}

	woken := 0
	for woken < n {
		t.mu.Lock()
		if len(e.bitset) == 0 || e.bitset[0]&bitset == 0 {
			t.mu.Unlock()
			break
		}
		e.bitset = e.bitset[1:]
		t.mu.Unlock()
		if !e.queue.WakeOne(kernel.WakeSignaled) {
			break
		}
		woken++
	}
	return woken
}
