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

package mm

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/doublegate/veridianos/pkg/hostarch"
	"github.com/doublegate/veridianos/pkg/kerr"
	"github.com/doublegate/veridianos/pkg/sentry/cap"
	"github.com/doublegate/veridianos/pkg/sentry/pgalloc"
	"github.com/doublegate/veridianos/pkg/sentry/platform"
)

// FaultReason describes why handle_page_fault was invoked (§4.3
// "handle_page_fault(vas, va, reason)").
type FaultReason int

const (
	FaultRead FaultReason = iota
	FaultWrite
	FaultExec
)

// FaultOutcome is the result of resolving a page fault (§4.3 "Failure").
type FaultOutcome int

const (
	Resolved FaultOutcome = iota
	SendSignal
	Fatal
)

var nextVASID uint64 // atomic

// AddressSpace is one process's VAS (§3): a root page-table token plus a
// btree-ordered, non-overlapping set of vmas.
type AddressSpace struct {
	mu   sync.Mutex
	id   uint64
	vmas *btree.BTree

	plat   platform.Platform
	frames *pgalloc.Allocator
	node   int

	root uint64 // opaque page-table-root token handed to platform.SwitchAddressSpace
}

// New constructs an empty AddressSpace bound to plat for mechanism and
// frames for backing-page allocation.
func New(plat platform.Platform, frames *pgalloc.Allocator, node int) *AddressSpace {
	return &AddressSpace{
		id:     atomic.AddUint64(&nextVASID, 1),
		vmas:   btree.New(32),
		plat:   plat,
		frames: frames,
		node:   node,
	}
}

// ID returns the VAS's unique identifier, used to key SharedRegion mapper
// records and TLB-shootdown bookkeeping.
func (as *AddressSpace) ID() uint64 { return as.id }

// Activate installs this VAS as the currently active one on the calling
// CPU (§4.1 "switch_address_space").
func (as *AddressSpace) Activate() {
	as.mu.Lock()
	root := as.root
	as.mu.Unlock()
	as.plat.SwitchAddressSpace(root)
}

// overlapsLocked reports whether rng overlaps any existing vma. Callers
// must hold as.mu.
func (as *AddressSpace) overlapsLocked(rng hostarch.VirtRange) bool {
	found := false
	as.vmas.Ascend(func(i btree.Item) bool {
		v := i.(*vma)
		if v.Range.Start >= rng.End {
			return false
		}
		if v.Range.Overlaps(rng) {
			found = true
			return false
		}
		return true
	})
	return found
}

// Map installs a new mapping over rng (§4.3 "map"). It fails on overlap
// with any existing mapping; cap-rights/flags compatibility is the
// caller's (the gate's) responsibility to have already checked via
// tok.Rights() before calling Map.
func (as *AddressSpace) Map(rng hostarch.VirtRange, prot Protection, policy BackingPolicy, tok cap.Token) error {
	if !rng.Start.PageAligned() || !rng.End.PageAligned() || rng.Start >= rng.End {
		return kerr.ErrInvalidArgument
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.overlapsLocked(rng) {
		return kerr.ErrOverlap
	}
	as.vmas.ReplaceOrInsert(&vma{
		Range:  rng,
		Prot:   prot,
		Policy: policy,
		CapTok: tok,
		frames: make(map[uint64]pgalloc.Frame),
	})
	return nil
}

// findLocked returns the vma containing va, or nil. Callers must hold
// as.mu.
func (as *AddressSpace) findLocked(va hostarch.VirtAddr) *vma {
	var found *vma
	as.vmas.Ascend(func(i btree.Item) bool {
		v := i.(*vma)
		if v.Range.Start > va {
			return false
		}
		if v.Range.Contains(va) {
			found = v
			return false
		}
		return true
	})
	return found
}

// Unmap removes every mapping overlapping rng (§4.3 "unmap"). It is
// idempotent: unmapped pages are a no-op, never an error.
func (as *AddressSpace) Unmap(rng hostarch.VirtRange) {
	as.mu.Lock()
	defer as.mu.Unlock()

	var toRemove []*vma
	as.vmas.Ascend(func(i btree.Item) bool {
		if v := i.(*vma); v.Range.Overlaps(rng) {
			toRemove = append(toRemove, v)
		}
		return true
	})
	for _, v := range toRemove {
		as.vmas.Delete(v)
		if v.Policy != Shared {
			for _, frame := range v.frames {
				as.frames.FreeFrame(-1, frame)
			}
		}
	}
}

// Protect changes the protection of every mapping overlapping rng (§4.3
// "protect"). The mappings covering rng must be contiguous with no gap; a
// gap returns ErrUnmapped.
func (as *AddressSpace) Protect(rng hostarch.VirtRange, newProt Protection) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	var touched []*vma
	var covered hostarch.VirtAddr
	first := true
	as.vmas.Ascend(func(i btree.Item) bool {
		v := i.(*vma)
		if v.Range.End <= rng.Start {
			return true
		}
		if v.Range.Start >= rng.End {
			return false
		}
		if first && v.Range.Start > rng.Start {
			return false
		}
		if !first && v.Range.Start != covered {
			return false
		}
		touched = append(touched, v)
		covered = v.Range.End
		first = false
		return true
	})
	if len(touched) == 0 || covered < rng.End {
		return kerr.ErrUnmapped
	}
	for _, v := range touched {
		v.Prot = newProt
	}
	return nil
}

// Translate resolves va to its backing physical address, if currently
// mapped (§4.3 "translate"). It does not fault the page in: an unfaulted
// demand-paged address returns ErrUnmapped even though it lies within a
// vma, matching the distinction between "has a mapping" and "has a
// translation" that handle_page_fault exists to bridge.
func (as *AddressSpace) Translate(va hostarch.VirtAddr) (hostarch.PhysAddr, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	v := as.findLocked(va)
	if v == nil {
		return 0, kerr.ErrUnmapped
	}
	frame, ok := v.frames[pageOffset(v, va)]
	if !ok {
		return 0, kerr.ErrUnmapped
	}
	return hostarch.PhysAddr(frame.Number * hostarch.PageSize), nil
}

// HandlePageFault dispatches va's fault to its vma's backing policy (§4.3
// "handle_page_fault"): DemandZero allocates and zeroes a fresh frame; COW
// copies from the source vma's frame on a write fault, else shares it
// read-only; Shared faults are resolved by the caller's shared-region
// fetch (mm has no SharedRegion reference of its own, to avoid an import
// cycle with pkg/sentry/kernel/ipc, so Shared vmas must already have their
// frame populated by MapShared before any access, and a fault against one
// here is always Fatal).
func (as *AddressSpace) HandlePageFault(va hostarch.VirtAddr, reason FaultReason) FaultOutcome {
	as.mu.Lock()
	defer as.mu.Unlock()

	v := as.findLocked(va)
	if v == nil {
		return SendSignal
	}
	if reason == FaultWrite && v.Prot&ProtWrite == 0 {
		return SendSignal
	}
	if reason == FaultExec && v.Prot&ProtExec == 0 {
		return SendSignal
	}

	off := pageOffset(v, va)
	if _, ok := v.frames[off]; ok {
		if v.Policy == COW && reason == FaultWrite {
			return as.resolveCOWWriteLocked(v, off)
		}
		return Resolved
	}

	switch v.Policy {
	case DemandZero:
		frame, err := as.frames.AllocFrame(-1, pgalloc.ZoneHintAny, as.node)
		if err != nil {
			return Fatal
		}
		v.frames[off] = frame
		return Resolved
	case COW:
		if v.cowSource == nil {
			return Fatal
		}
		srcFrame, ok := v.cowSource.frames[off]
		if !ok {
			return Fatal
		}
		if reason == FaultWrite {
			return as.copyFrameLocked(v, off, srcFrame)
		}
		v.frames[off] = srcFrame
		return Resolved
	default:
		return Fatal
	}
}

// resolveCOWWriteLocked handles a write fault against a page this vma
// already has mapped read-only from its COW source: allocate a private
// copy and redirect this vma's translation to it, leaving the source
// (and any other COW sibling) unaffected.
func (as *AddressSpace) resolveCOWWriteLocked(v *vma, off uint64) FaultOutcome {
	srcFrame := v.frames[off]
	return as.copyFrameLocked(v, off, srcFrame)
}

func (as *AddressSpace) copyFrameLocked(v *vma, off uint64, srcFrame pgalloc.Frame) FaultOutcome {
	newFrame, err := as.frames.AllocFrame(-1, pgalloc.ZoneHintAny, as.node)
	if err != nil {
		return Fatal
	}
	_ = srcFrame // byte-level copy is the HAL's job once real memory backs frames; tracked here as bookkeeping only
	v.frames[off] = newFrame
	return Resolved
}

// Fork clones every vma into a new AddressSpace, converting private
// writable mappings to COW siblings of the parent's vmas so neither copy
// pays for a physical copy until either side writes (§4.6 "a new VAS
// (possibly forked from parent page tables with COW)").
func (as *AddressSpace) Fork() *AddressSpace {
	as.mu.Lock()
	defer as.mu.Unlock()

	child := New(as.plat, as.frames, as.node)
	as.vmas.Ascend(func(i btree.Item) bool {
		parent := i.(*vma)
		childVMA := &vma{
			Range:    parent.Range,
			Prot:     parent.Prot,
			Policy:   parent.Policy,
			CapTok:   parent.CapTok,
			SharedID: parent.SharedID,
			frames:   make(map[uint64]pgalloc.Frame),
		}
		if parent.Policy == DemandZero && len(parent.frames) > 0 {
			// orig freezes the pre-fork frame set as a shared, read-only
			// source both the parent's and the child's vma now fault
			// against; both keep the pre-fork translations until a write
			// fault gives one of them a private copy, and neither copy ever
			// mutates orig.frames.
			orig := &vma{Range: parent.Range, frames: parent.frames}
			childVMA.Policy = COW
			childVMA.cowSource = orig
			childVMA.frames = make(map[uint64]pgalloc.Frame)

			parent.Policy = COW
			parent.cowSource = orig
			parent.frames = make(map[uint64]pgalloc.Frame)
			for off, f := range orig.frames {
				childVMA.frames[off] = f
				parent.frames[off] = f
			}
		} else {
			for off, f := range parent.frames {
				childVMA.frames[off] = f
			}
		}
		child.vmas.ReplaceOrInsert(childVMA)
		return true
	})
	return child
}
