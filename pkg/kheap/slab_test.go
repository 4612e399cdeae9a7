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

package kheap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/doublegate/veridianos/pkg/sentry/pgalloc"
)

func newTestHeap(t *testing.T) *Allocator {
	t.Helper()
	zone := pgalloc.NewZone(pgalloc.PolicyNormal, 0, 64)
	node := pgalloc.NewNode(0, []*pgalloc.Zone{zone}, nil)
	frames := pgalloc.NewAllocator([]*pgalloc.Node{node}, 1)
	return New(frames, 0)
}

func TestAllocReturnsZeroedBuffer(t *testing.T) {
	h := newTestHeap(t)
	b, err := h.Alloc(48)
	require.NoError(t, err)
	require.Len(t, b, 48)
	for _, c := range b {
		require.Zero(t, c)
	}
}

func TestAllocGrowsOneSlabAtATime(t *testing.T) {
	h := newTestHeap(t)
	require.Equal(t, 0, h.SlabCount(32))
	_, err := h.Alloc(32)
	require.NoError(t, err)
	require.Equal(t, 1, h.SlabCount(32))

	objsPerSlab := 4096 / 32
	for i := 1; i < objsPerSlab; i++ {
		_, err := h.Alloc(32)
		require.NoError(t, err)
	}
	require.Equal(t, 1, h.SlabCount(32), "should still fit in one slab")

	_, err = h.Alloc(32)
	require.NoError(t, err)
	require.Equal(t, 2, h.SlabCount(32), "exceeding one slab's objects grows a second")
}

func TestFreeReturnsObjectToBucket(t *testing.T) {
	h := newTestHeap(t)
	a, err := h.Alloc(16)
	require.NoError(t, err)
	h.Free(a)
	b := h.buckets[16]
	require.Len(t, b.free, 256) // one slab's worth, all back on the free list
}

func TestOversizeRequestFails(t *testing.T) {
	h := newTestHeap(t)
	_, err := h.Alloc(8192)
	require.Error(t, err)
}
