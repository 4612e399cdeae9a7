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

import (
	"sync"

	"github.com/doublegate/veridianos/pkg/kerr"
	"github.com/doublegate/veridianos/pkg/log"
)

// ObjectRef identifies the kernel object a capability names.
type ObjectRef struct {
	Kind ObjectKind
	ID   uint64
}

// Entry is a capability-table entry (§3). Parent is an arena index (this
// space's own index space) rather than a pointer, per §9's "express [the
// derivation forest] via arena + integer index, not back-pointers".
type Entry struct {
	generation  uint16
	revokedUpTo uint16
	live        bool
	objectRef   ObjectRef
	rights      Rights
	parent      int32 // -1 if root (no DerivedFrom)
	children    []uint32
}

// Rights returns the entry's current rights.
func (e *Entry) Rights() Rights { return e.rights }

// ObjectRef returns the entry's object reference.
func (e *Entry) ObjectRef() ObjectRef { return e.objectRef }

// l2page is a lazily-allocated page of 4096 entries, the Space's L2 table
// granularity (§3: "L2 of 4096 entries").
type l2page struct {
	entries [l2Size]Entry
}

// Space is a capability space: the two-level table of §3/§4.5, guarded by
// a reader-writer lock (§5: "Capability spaces use per-space
// reader-writer locks (lookup is reader)").
type Space struct {
	mu sync.RWMutex

	l1 [l1Size]*l2page

	free []uint32 // free-list of reusable indices (revoked, not yet reused)
	next uint32    // next never-used index, bumped when free is empty

	cache directMappedCache
}

const cacheSize = 64

// directMappedCache is a per-space, fixed-size, direct-mapped table keyed
// by index%cacheSize. Lookup and Validate neither fill nor consult it; the
// only operation on it is the invalidation done on create and revoke.
type directMappedCache struct {
	mu   sync.Mutex
	slot [cacheSize]cacheLine
}

type cacheLine struct {
	valid bool
	token Token
	entry *Entry
}

// NewSpace constructs an empty capability space.
func NewSpace() *Space { return &Space{} }

// LiveCount returns the number of currently live (non-revoked) entries,
// used by tests and diagnostics that need to observe a space's occupancy
// without walking tokens they do not hold.
func (s *Space) LiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for l1i := 0; l1i < l1Size; l1i++ {
		page := s.l1[l1i]
		if page == nil {
			continue
		}
		for l2i := 0; l2i < l2Size; l2i++ {
			if page.entries[l2i].live {
				n++
			}
		}
	}
	return n
}

func (s *Space) entryAt(index uint32) *Entry {
	l1i := index / l2Size
	l2i := index % l2Size
	if l1i >= l1Size {
		return nil
	}
	page := s.l1[l1i]
	if page == nil {
		return nil
	}
	return &page.entries[l2i]
}

func (s *Space) ensurePage(index uint32) *l2page {
	l1i := index / l2Size
	if s.l1[l1i] == nil {
		s.l1[l1i] = &l2page{}
	}
	return s.l1[l1i]
}

func (s *Space) allocIndex() (uint32, error) {
	if n := len(s.free); n > 0 {
		idx := s.free[n-1]
		s.free = s.free[:n-1]
		return idx, nil
	}
	if uint64(s.next) >= Capacity {
		return 0, kerr.ErrQuotaExceeded
	}
	idx := s.next
	s.next++
	return idx, nil
}

// CreateCapability installs a fresh capability naming obj with rights, and
// returns its token (§4.5).
func (s *Space) CreateCapability(obj ObjectRef, rights Rights) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.allocIndex()
	if err != nil {
		return 0, err
	}
	s.ensurePage(idx)
	e := s.entryAt(idx)
	gen := e.generation + 1 // 0 is reserved for "never used"; bump past any prior tombstone
	*e = Entry{generation: gen, live: true, objectRef: obj, rights: rights, parent: -1}
	s.invalidateCache(idx)
	return NewToken(gen, idx, rights), nil
}

// Lookup returns the entry a token names, or ErrInvalidToken /
// ErrGenerationMismatch if it no longer matches (§4.5).
func (s *Space) Lookup(t Token) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupLocked(t)
}

func (s *Space) lookupLocked(t Token) (*Entry, error) {
	idx := t.Index()
	e := s.entryAt(idx)
	if e == nil || !e.live {
		if e != nil && t.Generation() <= e.revokedUpTo && t.Generation() != 0 {
			return nil, kerr.ErrRevoked
		}
		return nil, kerr.ErrInvalidToken
	}
	if e.generation != t.Generation() {
		if t.Generation() <= e.revokedUpTo && t.Generation() != 0 {
			return nil, kerr.ErrRevoked
		}
		return nil, kerr.ErrGenerationMismatch
	}
	return e, nil
}

// Validate checks that t names a live, non-revoked entry holding every bit
// of required (§4.5).
func (s *Space) Validate(t Token, required Rights) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, err := s.lookupLocked(t)
	if err != nil {
		return err
	}
	if !e.rights.Has(required) {
		return kerr.ErrInsufficientRights
	}
	return nil
}

// Derive creates a restricted child of parent (§4.5): requires Grant on the
// parent and restrictedRights ⊆ parent's rights (§8 monotonicity).
func (s *Space) Derive(parent Token, restrictedRights Rights) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pe, err := s.lookupLocked(parent)
	if err != nil {
		return 0, err
	}
	if !pe.rights.Has(Grant) {
		return 0, kerr.ErrNoGrantRight
	}
	if !restrictedRights.Subset(pe.rights) {
		return 0, kerr.ErrInsufficientRights
	}

	childIdx, err := s.allocIndex()
	if err != nil {
		return 0, err
	}
	s.ensurePage(childIdx)
	ce := s.entryAt(childIdx)
	gen := ce.generation + 1
	*ce = Entry{generation: gen, live: true, objectRef: pe.objectRef, rights: restrictedRights, parent: int32(parent.Index())}

	parentIdx := parent.Index()
	if pEntry := s.entryAt(parentIdx); pEntry != nil {
		pEntry.children = append(pEntry.children, childIdx)
	}
	s.invalidateCache(childIdx)
	return NewToken(gen, childIdx, restrictedRights), nil
}

// Revoke invalidates t and cascades to every capability derived from it
// (§4.5). It returns ErrGenerationMismatch, not an error that would cascade
// revocation onto an unrelated capability, if t's slot has already been
// reused for a new capability (§8 boundary behavior).
func (s *Space) Revoke(t Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := t.Index()
	e := s.entryAt(idx)
	if e == nil || !e.live || e.generation != t.Generation() {
		return kerr.ErrGenerationMismatch
	}
	s.cascadeRevoke(idx)
	log.Debugf("cap: revoked token index=%d generation=%d", idx, t.Generation())
	return nil
}

// cascadeRevoke walks the derivation forest rooted at idx, bumping every
// descendant's generation and tombstoning it, freeing the slot for reuse.
func (s *Space) cascadeRevoke(idx uint32) {
	e := s.entryAt(idx)
	if e == nil || !e.live {
		return
	}
	children := e.children
	e.revokedUpTo = e.generation
	e.live = false
	e.children = nil
	e.objectRef = ObjectRef{}
	s.free = append(s.free, idx)
	s.invalidateCache(idx)
	for _, c := range children {
		s.cascadeRevoke(c)
	}
}

func (s *Space) invalidateCache(idx uint32) {
	s.cache.mu.Lock()
	defer s.cache.mu.Unlock()
	line := &s.cache.slot[idx%cacheSize]
	if line.valid && line.token.Index() == idx {
		line.valid = false
	}
}
