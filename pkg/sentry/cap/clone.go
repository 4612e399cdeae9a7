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

package cap

import "github.com/mohae/deepcopy"

// ClonePolicy selects how a process's capability space is propagated to a
// child on fork/exec (§4.5: "fork clones the space under a policy; exec
// filters it under a policy").
type ClonePolicy int

const (
	// CopyAll duplicates every live entry verbatim (fork's default).
	CopyAll ClonePolicy = iota
	// PreserveExecMask keeps only entries whose rights intersect a mask
	// (exec's default: survive only capabilities explicitly marked
	// exec-inheritable via the mask, e.g. Read|Execute for the binary's
	// own segments).
	PreserveExecMask
	// Drop removes every entry in a supplied index set, keeping the rest.
	Drop
)

// CloneSpace produces a new Space from src under policy. mask is consulted
// only for PreserveExecMask (rights to keep); dropSet only for Drop (the
// set of indices to exclude).
func CloneSpace(src *Space, policy ClonePolicy, mask Rights, dropSet map[uint32]struct{}) *Space {
	src.mu.RLock()
	defer src.mu.RUnlock()

	dst := NewSpace()
	for l1i := 0; l1i < l1Size; l1i++ {
		page := src.l1[l1i]
		if page == nil {
			continue
		}
		for l2i := 0; l2i < l2Size; l2i++ {
			idx := uint32(l1i*l2Size + l2i)
			e := &page.entries[l2i]
			if !e.live {
				continue
			}
			switch policy {
			case PreserveExecMask:
				if e.rights&mask == 0 {
					continue
				}
			case Drop:
				if _, excluded := dropSet[idx]; excluded {
					continue
				}
			}
			dst.ensurePage(idx)
			cloned := *e
			cloned.children = deepcopy.Copy(e.children).([]uint32)
			*dst.entryAt(idx) = cloned
			if idx >= dst.next {
				dst.next = idx + 1
			}
		}
	}
	return dst
}

// FilterSpace is CloneSpace specialized for exec's in-place narrowing: it
// replaces src's own contents rather than allocating a new Space, matching
// §4.5's "exec filters the existing space" wording (as opposed to fork's
// "clones into a new space").
func FilterSpace(src *Space, policy ClonePolicy, mask Rights, dropSet map[uint32]struct{}) {
	src.mu.Lock()
	defer src.mu.Unlock()

	for l1i := 0; l1i < l1Size; l1i++ {
		page := src.l1[l1i]
		if page == nil {
			continue
		}
		for l2i := 0; l2i < l2Size; l2i++ {
			idx := uint32(l1i*l2Size + l2i)
			e := &page.entries[l2i]
			if !e.live {
				continue
			}
			keep := true
			switch policy {
			case PreserveExecMask:
				keep = e.rights&mask != 0
			case Drop:
				_, excluded := dropSet[idx]
				keep = !excluded
			}
			if !keep {
				e.revokedUpTo = e.generation
				e.live = false
				e.children = nil
				e.objectRef = ObjectRef{}
				src.free = append(src.free, idx)
			}
		}
	}
}
