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

package sched

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/doublegate/veridianos/pkg/sentry/arch"
	"github.com/doublegate/veridianos/pkg/sentry/kernel"
)

func newReadyThread(t *testing.T, p *kernel.Process, class kernel.SchedClass, priority int) *kernel.Thread {
	t.Helper()
	th := p.NewThread(0x1000, 0x7fff0000, 0x1000, 0xffff800000001000, 0x1000, class, priority)
	require.NoError(t, th.Transition(kernel.Ready, kernel.WakeNone))
	return th
}

func TestDispatchPrefersRTFifoOverRRAndFair(t *testing.T) {
	p := kernel.NewProcess(arch.AMD64, nil)
	c := NewCPU(0)

	fair := newReadyThread(t, p, kernel.ClassFair, 0)
	rr := newReadyThread(t, p, kernel.ClassRTRR, 5)
	fifo := newReadyThread(t, p, kernel.ClassRTFifo, 5)

	c.Enqueue(fair)
	c.Enqueue(rr)
	c.Enqueue(fifo)

	require.Equal(t, fifo, c.Dispatch())
	require.Equal(t, rr, c.Dispatch())
	require.Equal(t, fair, c.Dispatch())
}

func TestDispatchOrdersRTFifoByPriorityNotArrival(t *testing.T) {
	p := kernel.NewProcess(arch.AMD64, nil)
	c := NewCPU(0)

	low := newReadyThread(t, p, kernel.ClassRTFifo, 50)
	high := newReadyThread(t, p, kernel.ClassRTFifo, 5)

	c.Enqueue(low)
	c.Enqueue(high)

	require.Equal(t, high, c.Dispatch(), "lower Priority value must run first even though it arrived second")
	require.Equal(t, low, c.Dispatch())
}

func TestDispatchRTRRTiesBreakByArrival(t *testing.T) {
	p := kernel.NewProcess(arch.AMD64, nil)
	c := NewCPU(0)

	first := newReadyThread(t, p, kernel.ClassRTRR, 10)
	second := newReadyThread(t, p, kernel.ClassRTRR, 10)

	c.Enqueue(first)
	c.Enqueue(second)

	require.Equal(t, first, c.Dispatch())
	require.Equal(t, second, c.Dispatch())
}

func TestDispatchFairOrdersBySmallestVRuntime(t *testing.T) {
	p := kernel.NewProcess(arch.AMD64, nil)
	c := NewCPU(0)

	a := newReadyThread(t, p, kernel.ClassFair, 0)
	a.VRuntime = 500
	b := newReadyThread(t, p, kernel.ClassFair, 0)
	b.VRuntime = 100

	c.Enqueue(a)
	c.Enqueue(b)

	require.Equal(t, b, c.Dispatch())
	require.Equal(t, a, c.Dispatch())
}

func TestDispatchFallsBackToIdle(t *testing.T) {
	p := kernel.NewProcess(arch.AMD64, nil)
	c := NewCPU(0)
	idle := newReadyThread(t, p, kernel.ClassIdle, 0)
	c.Enqueue(idle)

	require.Equal(t, idle, c.Dispatch())
	require.Equal(t, idle, c.Dispatch(), "idle is not consumed by dispatch")
}

func TestSetOnlineAllBringsEveryCPUUp(t *testing.T) {
	s := NewSet(4)
	require.NoError(t, s.OnlineAll(context.Background()))
	for _, c := range s.CPUs() {
		require.True(t, c.IsOnline())
	}
}

func TestSelectWakeupCPUPrefersIdleLastCPU(t *testing.T) {
	s := NewSet(2)
	require.NoError(t, s.OnlineAll(context.Background()))

	p := kernel.NewProcess(arch.AMD64, nil)
	th := p.NewThread(0x1000, 0x7fff0000, 0x1000, 0xffff800000001000, 0x1000, kernel.ClassFair, 0)
	th.LastCPU = 1

	target, err := s.SelectWakeupCPU(th)
	require.NoError(t, err)
	require.Equal(t, 1, target.ID)
}

func TestSelectWakeupCPUFallsBackToLeastLoaded(t *testing.T) {
	s := NewSet(2)
	require.NoError(t, s.OnlineAll(context.Background()))

	p := kernel.NewProcess(arch.AMD64, nil)
	busy := newReadyThread(t, p, kernel.ClassFair, 0)
	s.CPU(0).Enqueue(busy)
	s.CPU(0).SetRunning(busy)

	th := p.NewThread(0x1000, 0x7fff0000, 0x1000, 0xffff800000001000, 0x1000, kernel.ClassFair, 0)
	th.LastCPU = 0

	target, err := s.SelectWakeupCPU(th)
	require.NoError(t, err)
	require.Equal(t, 1, target.ID, "CPU 0 is busy (non-idle), so the least-loaded CPU 1 should be picked")
}

func TestRebalanceMigratesFromBusiestPeer(t *testing.T) {
	s := NewSet(2)
	require.NoError(t, s.OnlineAll(context.Background()))

	p := kernel.NewProcess(arch.AMD64, nil)
	for i := 0; i < 5; i++ {
		s.CPU(1).Enqueue(newReadyThread(t, p, kernel.ClassFair, 0))
	}

	migrated := s.Rebalance(s.CPU(0))
	require.True(t, migrated)
	require.Equal(t, 1, s.CPU(0).Load())
	require.Equal(t, 4, s.CPU(1).Load())
}
