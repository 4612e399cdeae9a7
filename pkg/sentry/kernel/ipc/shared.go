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

package ipc

import (
	"sync"

	"github.com/doublegate/veridianos/pkg/hostarch"
)

// SharedRegion is a list of physical frames shared, without copying,
// across multiple address spaces (§3 "SharedRegion"). Lifetime is the
// longest of its mappers: Unmap only removes a mapper's record, Frames
// stays alive while MapperCount() > 0.
type SharedRegion struct {
	mu      sync.Mutex
	Frames  []hostarch.PhysAddr
	mappers map[uint64]hostarch.VirtAddr // VAS id -> mapped base address
}

// NewSharedRegion constructs a region over the given frames, with no
// mappers yet.
func NewSharedRegion(frames []hostarch.PhysAddr) *SharedRegion {
	return &SharedRegion{Frames: frames, mappers: make(map[uint64]hostarch.VirtAddr)}
}

// Map records vasID as a mapper of the region at base (the actual page
// table installation is pkg/sentry/mm's job; SharedRegion only tracks
// lifetime and mapping bookkeeping per §3).
func (r *SharedRegion) Map(vasID uint64, base hostarch.VirtAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mappers[vasID] = base
}

// Unmap removes vasID's mapping record.
func (r *SharedRegion) Unmap(vasID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mappers, vasID)
}

// MapperCount returns the number of VASes currently mapping the region,
// the region's liveness condition ("lifetime = longest mapper").
func (r *SharedRegion) MapperCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.mappers)
}
