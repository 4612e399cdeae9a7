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

// Package mm is the virtual memory manager of §4.3: per-process address
// spaces, their mapping descriptors, page-fault backing policies and TLB
// shootdown. Page tables themselves are not walked bit-by-bit (there is no
// real MMU underneath this simulation, §0 of SPEC_FULL.md); instead each
// AddressSpace tracks its mappings precisely enough to answer translate
// and fault queries, and the root "page table frame" is an opaque token
// handed to platform.Platform.SwitchAddressSpace.
package mm

import (
	"github.com/google/btree"

	"github.com/doublegate/veridianos/pkg/hostarch"
	"github.com/doublegate/veridianos/pkg/sentry/cap"
	"github.com/doublegate/veridianos/pkg/sentry/pgalloc"
)

// Protection is a bitmask of access permissions, independent of
// cap.Rights (a vma's protection is a property of the mapping; the
// capability argument to map is checked once, at map time, against the
// requested protection).
type Protection uint8

const (
	ProtRead Protection = 1 << iota
	ProtWrite
	ProtExec
)

// Subset reports whether p is a subset of other.
func (p Protection) Subset(other Protection) bool { return p&^other == 0 }

// BackingPolicy selects how a vma's pages are populated and how writes to
// them are handled (§3 "backing policy", §4.3 "demand zero, copy-on-write,
// shared-region fetch").
type BackingPolicy int

const (
	// DemandZero populates pages with zeroed frames on first touch.
	DemandZero BackingPolicy = iota
	// COW shares frames with a source vma until the first write, which
	// triggers a private copy.
	COW
	// Shared maps frames directly out of an ipc.SharedRegion; writes are
	// visible to every other mapper (no copy ever occurs).
	Shared
)

// vma is a mapping descriptor (§3 "AddressSpace ... sorted set of mapping
// descriptors (virtual range, protection, backing policy, owning
// capability)"), ordered in the btree by its range's start address.
type vma struct {
	Range    hostarch.VirtRange
	Prot     Protection
	Policy   BackingPolicy
	CapTok   cap.Token
	SharedID uint64 // valid iff Policy == Shared; identifies the backing SharedRegion

	// frames maps a page-aligned offset from Range.Start to the frame
	// currently backing it. A missing entry means the page has not been
	// faulted in yet (demand paging).
	frames map[uint64]pgalloc.Frame

	// cowSource, if non-nil, is the vma this one was cloned from under
	// COW; a write fault copies from cowSource's frame instead of
	// zero-filling.
	cowSource *vma
}

func (v *vma) Less(than btree.Item) bool {
	return v.Range.Start < than.(*vma).Range.Start
}

// pageOffset returns the page-aligned offset of va within v.Range.
func pageOffset(v *vma, va hostarch.VirtAddr) uint64 {
	return uint64(va.PageDown()) - uint64(v.Range.Start)
}
