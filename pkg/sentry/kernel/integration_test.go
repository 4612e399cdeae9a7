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

// Package kernel_test lives outside the kernel package (rather than using
// the internal test package like the other *_test.go files here) because it
// pulls in sched, which itself imports kernel; an internal test file doing
// the same would form an import cycle.
package kernel_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/doublegate/veridianos/pkg/hostarch"
	"github.com/doublegate/veridianos/pkg/kerr"
	"github.com/doublegate/veridianos/pkg/sentry/arch"
	"github.com/doublegate/veridianos/pkg/sentry/cap"
	"github.com/doublegate/veridianos/pkg/sentry/kernel"
	"github.com/doublegate/veridianos/pkg/sentry/kernel/ipc"
	"github.com/doublegate/veridianos/pkg/sentry/kernel/sched"
	"github.com/doublegate/veridianos/pkg/sentry/mm"
	"github.com/doublegate/veridianos/pkg/sentry/pgalloc"
	"github.com/doublegate/veridianos/pkg/sentry/platform"
)

// newIntegrationAllocator builds a small single-zone, single-node allocator
// sized for these end-to-end scenarios, independent of any production
// manifest.
func newIntegrationAllocator(t *testing.T, nFrames uint64) *pgalloc.Allocator {
	t.Helper()
	zone := pgalloc.NewZone(pgalloc.PolicyNormal, 0, nFrames)
	node := pgalloc.NewNode(0, []*pgalloc.Zone{zone}, nil)
	return pgalloc.NewAllocator([]*pgalloc.Node{node}, 4)
}

// TestSeedScenarios exercises the seed end-to-end scenarios in table form,
// one per subtest, across the frame allocator, VMM, capability system, IPC
// and scheduler.
func TestSeedScenarios(t *testing.T) {
	t.Run("frame round-trip", func(t *testing.T) {
		a := newIntegrationAllocator(t, 1024)
		before := a.TotalFree()

		frames := make([]pgalloc.Frame, 0, 128)
		seen := make(map[uint64]bool, 128)
		for i := 0; i < 128; i++ {
			f, err := a.AllocFrame(-1, pgalloc.ZoneHintAny, 0)
			require.NoError(t, err)
			require.False(t, seen[f.Number], "frame %d allocated twice", f.Number)
			seen[f.Number] = true
			frames = append(frames, f)
		}
		for _, f := range frames {
			a.FreeFrame(-1, f)
		}
		require.Equal(t, before, a.TotalFree())

		seen = make(map[uint64]bool, 128)
		for i := 0; i < 128; i++ {
			f, err := a.AllocFrame(-1, pgalloc.ZoneHintAny, 0)
			require.NoError(t, err)
			require.False(t, seen[f.Number], "frame %d re-allocated twice in second pass", f.Number)
			seen[f.Number] = true
			a.FreeFrame(-1, f)
		}
		require.Equal(t, before, a.TotalFree())
	})

	t.Run("map-unmap", func(t *testing.T) {
		plat := platform.New(arch.AMD64)
		as := mm.New(plat, newIntegrationAllocator(t, 64), 0)

		va := hostarch.VirtAddr(0x4000_0000)
		rng := hostarch.VirtRange{Start: va, End: va.Add(hostarch.PageSize)}
		require.NoError(t, as.Map(rng, mm.ProtRead|mm.ProtWrite, mm.DemandZero, 0))

		_, err := as.Translate(va)
		require.NoError(t, err)

		as.Unmap(rng)
		_, err = as.Translate(va)
		require.True(t, errors.Is(err, kerr.ErrUnmapped), "got %v, want ErrUnmapped", err)
	})

	t.Run("capability derive+revoke", func(t *testing.T) {
		s := cap.NewSpace()
		parent, err := s.CreateCapability(cap.ObjectRef{Kind: cap.ObjectEndpoint, ID: 1}, cap.Read|cap.Write|cap.Grant)
		require.NoError(t, err)

		child, err := s.Derive(parent, cap.Read)
		require.NoError(t, err)
		require.NoError(t, s.Validate(child, cap.Read))

		require.NoError(t, s.Revoke(parent))
		err = s.Validate(child, cap.Read)
		require.True(t, errors.Is(err, kerr.ErrRevoked), "got %v, want ErrRevoked", err)
	})

	t.Run("ipc fast path", func(t *testing.T) {
		ep := ipc.NewEndpoint()
		done := make(chan ipc.Message, 1)
		errc := make(chan error, 1)
		go func() {
			msg, err := ep.Receive()
			if err != nil {
				errc <- err
				return
			}
			done <- msg
		}()

		var payload ipc.Message
		copy(payload.Payload[:], []byte{0xDE, 0xAD, 0xBE, 0xEF})
		require.NoError(t, ep.Call(payload))

		select {
		case err := <-errc:
			t.Fatalf("receive: %v", err)
		case got := <-done:
			require.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, got.Payload[:4])
		case <-time.After(time.Second):
			t.Fatal("receive did not complete")
		}
	})

	t.Run("priority scheduling", func(t *testing.T) {
		p := kernel.NewProcess(arch.AMD64, nil)
		cpu := sched.NewCPU(0)
		cpu.Online()

		x := p.NewThread(0, 0x1000, 0x1000, 0x2000, 0x1000, kernel.ClassRTFifo, 10)
		y := p.NewThread(0, 0x1000, 0x1000, 0x2000, 0x1000, kernel.ClassFair, 0)
		require.NoError(t, x.Transition(kernel.Ready, kernel.WakeNone))
		require.NoError(t, y.Transition(kernel.Ready, kernel.WakeNone))
		cpu.Enqueue(x)
		cpu.Enqueue(y)

		require.Equal(t, x, cpu.Dispatch(), "RT-FIFO thread must preempt the fair-class thread")
		require.Equal(t, y, cpu.Dispatch())
	})

	t.Run("tlb shootdown", func(t *testing.T) {
		plat := platform.New(arch.AMD64)
		mm.RegisterShootdownHandler(plat, 0)
		mm.RegisterShootdownHandler(plat, 1)

		as := mm.New(plat, newIntegrationAllocator(t, 64), 0)
		va := hostarch.VirtAddr(0x5000_0000)
		rng := hostarch.VirtRange{Start: va, End: va.Add(hostarch.PageSize)}
		require.NoError(t, as.Map(rng, mm.ProtRead|mm.ProtWrite, mm.DemandZero, 0))
		_, err := as.Translate(va)
		require.NoError(t, err)

		as.Unmap(rng)
		done := make(chan struct{})
		go func() {
			as.TLBShootdown(mm.TlbFlushBatch{Addrs: []hostarch.VirtAddr{va}}, platform.CPUSet(0).Add(0).Add(1))
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("shootdown did not complete")
		}

		_, err = as.Translate(va)
		require.True(t, errors.Is(err, kerr.ErrUnmapped), "got %v, want ErrUnmapped", err)
	})
}
