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

package kernel

import (
	"sync"

	"github.com/doublegate/veridianos/pkg/log"
)

// ReclaimGraceTicks is the minimum number of scheduler ticks a deferred-free
// entry must wait before its Free callback runs (§4.6: "reclaimed after a
// grace period (>= 100 scheduler ticks)").
const ReclaimGraceTicks = 100

// DefaultCleanupRingCapacity bounds a per-CPU CleanupRing; exceeding it
// indicates cleanup is falling behind production and is treated as a fatal
// condition rather than growing unbounded (§4.6 gives no overflow policy,
// so this repo picks the conservative one: panic, loudly, rather than leak
// or silently drop a pending free).
const DefaultCleanupRingCapacity = 256

type cleanupEntry struct {
	queuedAtTick uint64
	free         func()
}

// CleanupRing is the per-CPU deferred-reclaim queue of §4.6: structures
// that may still be referenced by a currently-running CPU are appended
// here instead of freed immediately, and reclaimed once ReclaimGraceTicks
// have elapsed.
type CleanupRing struct {
	mu       sync.Mutex
	capacity int
	entries  []cleanupEntry
}

// NewCleanupRing constructs a ring with the given capacity (0 selects
// DefaultCleanupRingCapacity).
func NewCleanupRing(capacity int) *CleanupRing {
	if capacity <= 0 {
		capacity = DefaultCleanupRingCapacity
	}
	return &CleanupRing{capacity: capacity}
}

// Defer appends free to the ring, to run no earlier than currentTick +
// ReclaimGraceTicks.
func (r *CleanupRing) Defer(currentTick uint64, free func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) >= r.capacity {
		log.Panic(log.Fields{"capacity": r.capacity}, "kernel: CleanupRing capacity exceeded, reclaim is falling behind")
	}
	r.entries = append(r.entries, cleanupEntry{queuedAtTick: currentTick, free: free})
}

// Drain runs and removes every entry whose grace period has elapsed as of
// currentTick, returning the number reclaimed. It is called once per tick
// by the owning CPU's scheduler loop.
func (r *CleanupRing) Drain(currentTick uint64) int {
	r.mu.Lock()
	var ready []cleanupEntry
	remaining := r.entries[:0]
	for _, e := range r.entries {
		if currentTick-e.queuedAtTick >= ReclaimGraceTicks {
			ready = append(ready, e)
		} else {
			remaining = append(remaining, e)
		}
	}
	r.entries = remaining
	r.mu.Unlock()

	for _, e := range ready {
		e.free()
	}
	return len(ready)
}

// Pending returns the number of entries still awaiting their grace period.
func (r *CleanupRing) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
