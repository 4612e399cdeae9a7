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

package pgalloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/doublegate/veridianos/pkg/hostarch"
	"github.com/doublegate/veridianos/pkg/kerr"
)

func newTestAllocator(frames uint64) *Allocator {
	zone := NewZone(PolicyNormal, 0, frames)
	node := NewNode(0, []*Zone{zone}, nil)
	return NewAllocator([]*Node{node}, 4)
}

// TestFrameRoundTrip is seed scenario 1 of spec §8: reserve/allocate 128
// frames, free them, re-allocate 128 frames, and check the free-count
// invariant holds across the round trip.
func TestFrameRoundTrip(t *testing.T) {
	a := newTestAllocator(4096)
	total := a.TotalFree()

	var frames []Frame
	for i := 0; i < 128; i++ {
		f, err := a.AllocFrame(-1, ZoneHintNormal, 0)
		require.NoError(t, err)
		frames = append(frames, f)
	}
	require.Equal(t, total-128, a.TotalFree())

	seen := map[uint64]bool{}
	for _, f := range frames {
		require.False(t, seen[f.Number], "frame %d allocated twice", f.Number)
		seen[f.Number] = true
		a.FreeFrame(-1, f)
	}
	require.Equal(t, total, a.TotalFree())

	var frames2 []Frame
	for i := 0; i < 128; i++ {
		f, err := a.AllocFrame(-1, ZoneHintNormal, 0)
		require.NoError(t, err)
		frames2 = append(frames2, f)
	}
	require.Equal(t, total-128, a.TotalFree())
}

// TestLastFrameThenOOM is the §8 boundary case: allocating the last free
// frame succeeds, the next allocation returns OutOfMemory.
func TestLastFrameThenOOM(t *testing.T) {
	a := newTestAllocator(4)
	for i := 0; i < 4; i++ {
		_, err := a.AllocFrame(-1, ZoneHintAny, 0)
		require.NoError(t, err)
	}
	_, err := a.AllocFrame(-1, ZoneHintAny, 0)
	require.ErrorIs(t, err, kerr.ErrOutOfMemory)
}

func TestAllocContiguousPowerOfTwo(t *testing.T) {
	a := newTestAllocator(4096)
	r, err := a.AllocContiguous(5, ZoneHintAny, 0) // 32 frames
	require.NoError(t, err)
	require.Equal(t, uint64(32), r.NumFrames())
	require.Equal(t, uint64(0), r.Start%32, "buddy allocation must be naturally aligned")
}

func TestPerCPUCacheServesWithoutTouchingZone(t *testing.T) {
	a := newTestAllocator(256)
	f, err := a.AllocFrame(0, ZoneHintAny, 0)
	require.NoError(t, err)
	before := a.TotalFree()
	a.FreeFrame(0, f) // goes to CPU 0's cache, not back to the zone
	require.Equal(t, before, a.TotalFree(), "cached frame must still count as in-use to the zone")

	got, err := a.AllocFrame(0, ZoneHintAny, 0)
	require.NoError(t, err)
	require.Equal(t, f.Number, got.Number, "cache is LIFO and should return the just-freed frame")
}

func TestReserveExcludesRangeFromAllocation(t *testing.T) {
	zone := NewZone(PolicyNormal, 0, 16)
	node := NewNode(0, []*Zone{zone}, nil)
	a := NewAllocator([]*Node{node}, 1)
	a.Reserve(zone, hostarch.FrameRange{Start: 0, End: 8})
	require.Equal(t, uint64(8), a.TotalFree())
}
