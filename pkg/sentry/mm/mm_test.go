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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/doublegate/veridianos/pkg/hostarch"
	"github.com/doublegate/veridianos/pkg/kerr"
	"github.com/doublegate/veridianos/pkg/sentry/arch"
	"github.com/doublegate/veridianos/pkg/sentry/pgalloc"
	"github.com/doublegate/veridianos/pkg/sentry/platform"
)

func newTestAllocator(frames uint64) *pgalloc.Allocator {
	zone := pgalloc.NewZone(pgalloc.PolicyNormal, 0, frames)
	node := pgalloc.NewNode(0, []*pgalloc.Zone{zone}, nil)
	return pgalloc.NewAllocator([]*pgalloc.Node{node}, 4)
}

func newTestAS(t *testing.T) *AddressSpace {
	t.Helper()
	return New(platform.New(arch.AMD64), newTestAllocator(4096), 0)
}

func pageRange(start, pages uint64) hostarch.VirtRange {
	return hostarch.VirtRange{
		Start: hostarch.VirtAddr(start),
		End:   hostarch.VirtAddr(start + pages*hostarch.PageSize),
	}
}

func TestMapRejectsOverlap(t *testing.T) {
	as := newTestAS(t)
	rng := pageRange(0x1000, 4)
	require.NoError(t, as.Map(rng, ProtRead|ProtWrite, DemandZero, 0))
	require.ErrorIs(t, as.Map(pageRange(0x2000, 2), ProtRead, DemandZero, 0), kerr.ErrOverlap)
}

func TestMapRejectsUnalignedRange(t *testing.T) {
	as := newTestAS(t)
	rng := hostarch.VirtRange{Start: 0x1001, End: 0x2000}
	require.ErrorIs(t, as.Map(rng, ProtRead, DemandZero, 0), kerr.ErrInvalidArgument)
}

func TestDemandZeroFaultThenTranslate(t *testing.T) {
	as := newTestAS(t)
	rng := pageRange(0x10000, 1)
	require.NoError(t, as.Map(rng, ProtRead|ProtWrite, DemandZero, 0))

	_, err := as.Translate(rng.Start)
	require.ErrorIs(t, err, kerr.ErrUnmapped, "unfaulted demand-zero page has no translation yet")

	require.Equal(t, Resolved, as.HandlePageFault(rng.Start, FaultWrite))
	phys, err := as.Translate(rng.Start)
	require.NoError(t, err)
	require.True(t, phys.PageAligned())
}

func TestFaultOutsideProtectionSendsSignal(t *testing.T) {
	as := newTestAS(t)
	rng := pageRange(0x20000, 1)
	require.NoError(t, as.Map(rng, ProtRead, DemandZero, 0))
	require.Equal(t, SendSignal, as.HandlePageFault(rng.Start, FaultWrite))
}

func TestFaultOutsideAnyMappingSendsSignal(t *testing.T) {
	as := newTestAS(t)
	require.Equal(t, SendSignal, as.HandlePageFault(0xdeadb000, FaultRead))
}

func TestUnmapIsIdempotent(t *testing.T) {
	as := newTestAS(t)
	rng := pageRange(0x30000, 2)
	require.NoError(t, as.Map(rng, ProtRead|ProtWrite, DemandZero, 0))
	require.Equal(t, Resolved, as.HandlePageFault(rng.Start, FaultRead))
	as.Unmap(rng)
	as.Unmap(rng) // no-op, must not panic or error
	_, err := as.Translate(rng.Start)
	require.ErrorIs(t, err, kerr.ErrUnmapped)
}

func TestProtectRequiresContiguousCoverage(t *testing.T) {
	as := newTestAS(t)
	require.NoError(t, as.Map(pageRange(0x40000, 1), ProtRead, DemandZero, 0))
	require.NoError(t, as.Map(pageRange(0x42000, 1), ProtRead, DemandZero, 0)) // leaves a gap at 0x41000
	rng := hostarch.VirtRange{Start: 0x40000, End: 0x43000}
	require.ErrorIs(t, as.Protect(rng, ProtRead|ProtWrite), kerr.ErrUnmapped)
}

func TestProtectAppliesAcrossContiguousVmas(t *testing.T) {
	as := newTestAS(t)
	require.NoError(t, as.Map(pageRange(0x50000, 1), ProtRead, DemandZero, 0))
	require.NoError(t, as.Map(pageRange(0x51000, 1), ProtRead, DemandZero, 0))
	rng := hostarch.VirtRange{Start: 0x50000, End: 0x52000}
	require.NoError(t, as.Protect(rng, ProtRead|ProtWrite))
	require.Equal(t, SendSignal, as.HandlePageFault(hostarch.VirtAddr(0x50000), FaultExec))
	require.Equal(t, Resolved, as.HandlePageFault(hostarch.VirtAddr(0x50000), FaultWrite))
}

func TestSharedFaultIsAlwaysFatal(t *testing.T) {
	as := newTestAS(t)
	rng := pageRange(0x60000, 1)
	require.NoError(t, as.Map(rng, ProtRead|ProtWrite, Shared, 0))
	require.Equal(t, Fatal, as.HandlePageFault(rng.Start, FaultRead))
}

func TestForkConvertsDemandZeroToCOW(t *testing.T) {
	as := newTestAS(t)
	rng := pageRange(0x70000, 1)
	require.NoError(t, as.Map(rng, ProtRead|ProtWrite, DemandZero, 0))
	require.Equal(t, Resolved, as.HandlePageFault(rng.Start, FaultWrite))
	parentPhys, err := as.Translate(rng.Start)
	require.NoError(t, err)

	child := as.Fork()
	childPhys, err := child.Translate(rng.Start)
	require.NoError(t, err, "fork must preserve the already-faulted translation")
	require.Equal(t, parentPhys, childPhys, "parent and child share the frozen frame until either writes")

	require.Equal(t, Resolved, child.HandlePageFault(rng.Start, FaultWrite))
	childPhysAfter, err := child.Translate(rng.Start)
	require.NoError(t, err)
	require.NotEqual(t, childPhys, childPhysAfter, "child's write fault must take a private copy")

	parentPhysAfter, err := as.Translate(rng.Start)
	require.NoError(t, err)
	require.Equal(t, parentPhys, parentPhysAfter, "parent's mapping must be unaffected by the child's write")
}

func TestForkSharesNonDemandZeroFramesDirectly(t *testing.T) {
	as := newTestAS(t)
	rng := pageRange(0x80000, 1)
	require.NoError(t, as.Map(rng, ProtRead|ProtWrite, Shared, 0))

	child := as.Fork()
	_, err := child.Translate(rng.Start)
	require.ErrorIs(t, err, kerr.ErrUnmapped, "shared vma with no prior frame populated has nothing to share")
}
