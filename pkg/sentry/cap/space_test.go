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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/doublegate/veridianos/pkg/kerr"
)

func TestCreateAndValidate(t *testing.T) {
	s := NewSpace()
	tok, err := s.CreateCapability(ObjectRef{Kind: ObjectEndpoint, ID: 1}, Read|Write|Grant)
	require.NoError(t, err)
	require.NoError(t, s.Validate(tok, Read))
	require.NoError(t, s.Validate(tok, Read|Write))
	require.ErrorIs(t, s.Validate(tok, Execute), kerr.ErrInsufficientRights)
}

// TestDeriveThenRevokeCascades is §8 scenario 3: deriving a grandchild then
// revoking the root must invalidate both child and grandchild.
func TestDeriveThenRevokeCascades(t *testing.T) {
	s := NewSpace()
	root, err := s.CreateCapability(ObjectRef{Kind: ObjectMemoryRegion, ID: 7}, Read|Write|Grant)
	require.NoError(t, err)

	child, err := s.Derive(root, Read|Grant)
	require.NoError(t, err)

	grandchild, err := s.Derive(child, Read)
	require.NoError(t, err)

	require.NoError(t, s.Validate(grandchild, Read))

	require.NoError(t, s.Revoke(root))

	require.ErrorIs(t, s.Validate(root, Read), kerr.ErrRevoked)
	require.ErrorIs(t, s.Validate(child, Read), kerr.ErrRevoked)
	require.ErrorIs(t, s.Validate(grandchild, Read), kerr.ErrRevoked)
}

func TestDeriveRejectsRightsEscalation(t *testing.T) {
	s := NewSpace()
	root, err := s.CreateCapability(ObjectRef{Kind: ObjectEndpoint, ID: 1}, Read|Grant)
	require.NoError(t, err)

	_, err = s.Derive(root, Read|Write)
	require.ErrorIs(t, err, kerr.ErrInsufficientRights)
}

func TestDeriveRequiresGrantRight(t *testing.T) {
	s := NewSpace()
	root, err := s.CreateCapability(ObjectRef{Kind: ObjectEndpoint, ID: 1}, Read|Write)
	require.NoError(t, err)

	_, err = s.Derive(root, Read)
	require.ErrorIs(t, err, kerr.ErrNoGrantRight)
}

// TestRevokeOnReusedSlotReturnsGenerationMismatch is the §8 boundary case:
// once a slot has been revoked and reused for an unrelated capability, a
// stale revoke call on the original token must not cascade onto the new
// occupant.
func TestRevokeOnReusedSlotReturnsGenerationMismatch(t *testing.T) {
	s := NewSpace()
	first, err := s.CreateCapability(ObjectRef{Kind: ObjectEndpoint, ID: 1}, Read|Grant)
	require.NoError(t, err)
	require.NoError(t, s.Revoke(first))

	second, err := s.CreateCapability(ObjectRef{Kind: ObjectEndpoint, ID: 2}, Read|Write)
	require.NoError(t, err)
	require.Equal(t, first.Index(), second.Index(), "slot must be reused from the free list")

	err = s.Revoke(first)
	require.ErrorIs(t, err, kerr.ErrGenerationMismatch)

	require.NoError(t, s.Validate(second, Read), "the new occupant must survive the stale revoke")
}

func TestValidateOnNeverIssuedTokenIsInvalid(t *testing.T) {
	s := NewSpace()
	bogus := NewToken(1, 42, Read)
	require.ErrorIs(t, s.Validate(bogus, Read), kerr.ErrInvalidToken)
}

func TestCloneSpaceCopyAll(t *testing.T) {
	s := NewSpace()
	tok, err := s.CreateCapability(ObjectRef{Kind: ObjectProcess, ID: 3}, Read|Write)
	require.NoError(t, err)

	clone := CloneSpace(s, CopyAll, 0, nil)
	require.NoError(t, clone.Validate(tok, Read|Write))

	require.NoError(t, s.Revoke(tok))
	require.NoError(t, clone.Validate(tok, Read|Write), "clone must be independent of the source space")
}

func TestCloneSpacePreserveExecMask(t *testing.T) {
	s := NewSpace()
	execCap, err := s.CreateCapability(ObjectRef{Kind: ObjectMemoryRegion, ID: 1}, Read|Execute)
	require.NoError(t, err)
	dataCap, err := s.CreateCapability(ObjectRef{Kind: ObjectMemoryRegion, ID: 2}, Read|Write)
	require.NoError(t, err)

	clone := CloneSpace(s, PreserveExecMask, Read|Execute, nil)
	require.NoError(t, clone.Validate(execCap, Read|Execute))
	require.ErrorIs(t, clone.Validate(dataCap, Read), kerr.ErrInvalidToken)
}

func TestFilterSpaceDrop(t *testing.T) {
	s := NewSpace()
	keep, err := s.CreateCapability(ObjectRef{Kind: ObjectEndpoint, ID: 1}, Read)
	require.NoError(t, err)
	drop, err := s.CreateCapability(ObjectRef{Kind: ObjectEndpoint, ID: 2}, Read)
	require.NoError(t, err)

	FilterSpace(s, Drop, 0, map[uint32]struct{}{drop.Index(): {}})

	require.NoError(t, s.Validate(keep, Read))
	require.ErrorIs(t, s.Validate(drop, Read), kerr.ErrInvalidToken)
}
