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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/google/subcommands"

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

// selftestCmd runs the seed end-to-end scenarios of spec §8 directly
// against freshly constructed subsystems, independent of any manifest.
type selftestCmd struct{}

func (*selftestCmd) Name() string     { return "selftest" }
func (*selftestCmd) Synopsis() string { return "run the core's seed end-to-end scenarios" }
func (*selftestCmd) Usage() string    { return "selftest:\n  run every seed scenario and report pass/fail\n" }
func (*selftestCmd) SetFlags(*flag.FlagSet) {}

type scenario struct {
	name string
	run  func() error
}

func (*selftestCmd) Execute(context.Context, *flag.FlagSet, ...interface{}) subcommands.ExitStatus {
	scenarios := []scenario{
		{"frame round-trip", scenarioFrameRoundTrip},
		{"map-unmap", scenarioMapUnmap},
		{"capability derive+revoke", scenarioCapDeriveRevoke},
		{"ipc fast path", scenarioIPCFastPath},
		{"priority scheduling", scenarioPriorityScheduling},
		{"tlb shootdown", scenarioTLBShootdown},
	}

	failed := 0
	for _, s := range scenarios {
		if err := s.run(); err != nil {
			fmt.Printf("FAIL %s: %v\n", s.name, err)
			failed++
			continue
		}
		fmt.Printf("PASS %s\n", s.name)
	}
	if failed > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func newTestAllocator(nFrames uint64) *pgalloc.Allocator {
	zone := pgalloc.NewZone(pgalloc.PolicyNormal, 0, nFrames)
	node := pgalloc.NewNode(0, []*pgalloc.Zone{zone}, nil)
	return pgalloc.NewAllocator([]*pgalloc.Node{node}, 4)
}

// scenarioFrameRoundTrip implements seed scenario 1.
func scenarioFrameRoundTrip() error {
	a := newTestAllocator(1024)
	before := a.TotalFree()

	frames := make([]pgalloc.Frame, 0, 128)
	seen := make(map[uint64]bool, 128)
	for i := 0; i < 128; i++ {
		f, err := a.AllocFrame(-1, pgalloc.ZoneHintAny, 0)
		if err != nil {
			return fmt.Errorf("alloc %d: %w", i, err)
		}
		if seen[f.Number] {
			return fmt.Errorf("frame %d allocated twice", f.Number)
		}
		seen[f.Number] = true
		frames = append(frames, f)
	}
	for _, f := range frames {
		a.FreeFrame(-1, f)
	}

	seen = make(map[uint64]bool, 128)
	for i := 0; i < 128; i++ {
		f, err := a.AllocFrame(-1, pgalloc.ZoneHintAny, 0)
		if err != nil {
			return fmt.Errorf("realloc %d: %w", i, err)
		}
		if seen[f.Number] {
			return fmt.Errorf("frame %d re-allocated twice in second pass", f.Number)
		}
		seen[f.Number] = true
		a.FreeFrame(-1, f)
	}
	if got := a.TotalFree(); got != before {
		return fmt.Errorf("total free %d after round trip, want %d", got, before)
	}
	return nil
}

// scenarioMapUnmap implements seed scenario 2.
func scenarioMapUnmap() error {
	plat := platform.New(arch.AMD64)
	as := mm.New(plat, newTestAllocator(64), 0)

	va := hostarch.VirtAddr(0x4000_0000)
	rng := hostarch.VirtRange{Start: va, End: va.Add(hostarch.PageSize)}
	if err := as.Map(rng, mm.ProtRead|mm.ProtWrite, mm.DemandZero, 0); err != nil {
		return fmt.Errorf("map: %w", err)
	}
	if _, err := as.Translate(va); err != nil {
		return fmt.Errorf("translate before fault-in should still resolve through page fault handling: %w", err)
	}
	as.Unmap(rng)
	if _, err := as.Translate(va); !errors.Is(err, kerr.ErrUnmapped) {
		return fmt.Errorf("translate after unmap = %v, want ErrUnmapped", err)
	}
	return nil
}

// scenarioCapDeriveRevoke implements seed scenario 3.
func scenarioCapDeriveRevoke() error {
	s := cap.NewSpace()
	parent, err := s.CreateCapability(cap.ObjectRef{Kind: cap.ObjectEndpoint, ID: 1}, cap.Read|cap.Write|cap.Grant)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	child, err := s.Derive(parent, cap.Read)
	if err != nil {
		return fmt.Errorf("derive: %w", err)
	}
	if err := s.Revoke(parent); err != nil {
		return fmt.Errorf("revoke parent: %w", err)
	}
	if err := s.Validate(child, cap.Read); !errors.Is(err, kerr.ErrRevoked) {
		return fmt.Errorf("validate derived after parent revoke = %v, want Revoked", err)
	}
	return nil
}

// scenarioIPCFastPath implements seed scenario 4.
func scenarioIPCFastPath() error {
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
	start := time.Now()
	if err := ep.Call(payload); err != nil {
		return fmt.Errorf("call: %w", err)
	}
	elapsed := time.Since(start)

	select {
	case err := <-errc:
		return fmt.Errorf("receive: %w", err)
	case got := <-done:
		if got.Payload[0] != 0xDE || got.Payload[1] != 0xAD || got.Payload[2] != 0xBE || got.Payload[3] != 0xEF {
			return fmt.Errorf("payload mismatch: %v", got.Payload[:4])
		}
	case <-time.After(time.Second):
		return fmt.Errorf("receive did not complete")
	}
	_ = elapsed // the sub-microsecond target is an informational goal under a simulated rendezvous, not asserted here
	return nil
}

// scenarioPriorityScheduling implements seed scenario 5.
func scenarioPriorityScheduling() error {
	p := kernel.NewProcess(arch.AMD64, nil)
	cpu := sched.NewCPU(0)
	cpu.Online()

	x := p.NewThread(0, 0x1000, 0x1000, 0x2000, 0x1000, kernel.ClassRTFifo, 10)
	y := p.NewThread(0, 0x1000, 0x1000, 0x2000, 0x1000, kernel.ClassFair, 0)
	if err := x.Transition(kernel.Ready, kernel.WakeNone); err != nil {
		return err
	}
	if err := y.Transition(kernel.Ready, kernel.WakeNone); err != nil {
		return err
	}
	cpu.Enqueue(x)
	cpu.Enqueue(y)

	first := cpu.Dispatch()
	if first != x {
		return fmt.Errorf("dispatch returned %v, want RT-FIFO thread X", first.TID)
	}
	second := cpu.Dispatch()
	if second != y {
		return fmt.Errorf("dispatch after X returned %v, want Fair thread Y", second.TID)
	}
	return nil
}

// scenarioTLBShootdown implements seed scenario 6.
func scenarioTLBShootdown() error {
	plat := platform.New(arch.AMD64)
	mm.RegisterShootdownHandler(plat, 0)
	mm.RegisterShootdownHandler(plat, 1)

	as := mm.New(plat, newTestAllocator(64), 0)
	va := hostarch.VirtAddr(0x5000_0000)
	rng := hostarch.VirtRange{Start: va, End: va.Add(hostarch.PageSize)}
	if err := as.Map(rng, mm.ProtRead|mm.ProtWrite, mm.DemandZero, 0); err != nil {
		return fmt.Errorf("map: %w", err)
	}
	if _, err := as.Translate(va); err != nil {
		return fmt.Errorf("translate before unmap: %w", err)
	}

	as.Unmap(rng)
	done := make(chan struct{})
	go func() {
		as.TLBShootdown(mm.TlbFlushBatch{Addrs: []hostarch.VirtAddr{va}}, platform.CPUSet(0).Add(0).Add(1))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		return fmt.Errorf("shootdown did not complete")
	}

	if _, err := as.Translate(va); !errors.Is(err, kerr.ErrUnmapped) {
		return fmt.Errorf("translate after shootdown = %v, want ErrUnmapped", err)
	}
	return nil
}
