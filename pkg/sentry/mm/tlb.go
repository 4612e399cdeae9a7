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

	"github.com/doublegate/veridianos/pkg/atomicbitops"
	"github.com/doublegate/veridianos/pkg/hostarch"
	"github.com/doublegate/veridianos/pkg/sentry/platform"
)

// TlbFlushBatch collapses adjacent or many-per-VAS flushes into one IPI
// round (§4.3 "Batching ... collapses adjacent or many-per-VAS flushes
// into one IPI round"). A nil Addrs with FlushAll true requests a full
// flush rather than N single-entry invalidations.
type TlbFlushBatch struct {
	Addrs    []hostarch.VirtAddr
	FlushAll bool
}

// ipiRegistrar is satisfied by every platform.Platform backend in this
// repo (see RegisterIPIHandler in platform's amd64.go, arm64.go and
// riscv64.go); it is not part
// of the Platform interface itself because it is a wiring detail of the
// simulation (§0 of SPEC_FULL.md), not an architectural contract.
type ipiRegistrar interface {
	RegisterIPIHandler(cpu int, h func(platform.IPIKind, uint64))
}

type shootdownBatch struct {
	batch     TlbFlushBatch
	remaining atomicbitops.Int32
	done      chan struct{}
}

var (
	shootdownMu       sync.Mutex
	shootdownRegistry = make(map[uint64]*shootdownBatch)
	nextShootdownID   atomicbitops.Uint64
)

// RegisterShootdownHandler wires cpu's IPI handler on plat to perform TLB
// shootdown flushes when IPITLBShootdown arrives. Callers invoke it once
// per CPU (the selftest subcommand and the tests do so explicitly). If plat
// does not implement ipiRegistrar (not expected for any backend in this
// repo), it is a silent no-op: shootdowns targeting that CPU will simply
// never complete, surfacing as a hung caller rather than a crash, which is
// the signal a missing Online() wiring step should produce.
func RegisterShootdownHandler(plat platform.Platform, cpu int) {
	reg, ok := plat.(ipiRegistrar)
	if !ok {
		return
	}
	reg.RegisterIPIHandler(cpu, func(kind platform.IPIKind, data uint64) {
		if kind != platform.IPITLBShootdown {
			return
		}
		shootdownMu.Lock()
		b, ok := shootdownRegistry[data]
		shootdownMu.Unlock()
		if !ok {
			return
		}
		if b.batch.FlushAll {
			plat.FlushTLBAll()
		} else {
			for _, va := range b.batch.Addrs {
				plat.FlushTLBEntry(uint64(va))
			}
		}
		if b.remaining.Add(-1) == 0 {
			close(b.done)
		}
	})
}

// TLBShootdown issues batch to every CPU in cpus and waits for each to
// acknowledge completion via the atomic counter scheme of §4.3 ("The
// originator waits on an atomic counter that each target decrements
// after completing its local flush"). An empty cpu set returns
// immediately (§8).
func (as *AddressSpace) TLBShootdown(batch TlbFlushBatch, cpus platform.CPUSet) {
	if cpus.Empty() {
		return
	}
	n := int32(0)
	cpus.ForEach(func(int) { n++ })

	b := &shootdownBatch{batch: batch, done: make(chan struct{})}
	b.remaining.Store(n)

	id := nextShootdownID.Add(1)
	shootdownMu.Lock()
	shootdownRegistry[id] = b
	shootdownMu.Unlock()

	as.plat.SendIPI(cpus, platform.IPITLBShootdown, id)
	<-b.done

	shootdownMu.Lock()
	delete(shootdownRegistry, id)
	shootdownMu.Unlock()
}
