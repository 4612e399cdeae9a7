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

package platform

import (
	"sync"

	"github.com/doublegate/veridianos/pkg/log"
	"github.com/doublegate/veridianos/pkg/sentry/arch"
)

// amd64Platform is the x86_64 HAL backend. It models ring 3 transitions,
// CR3 switches and IPIs entirely in Go bookkeeping (§0 of SPEC_FULL.md);
// there is no real MMU or APIC underneath it.
type amd64Platform struct {
	mu          sync.Mutex
	pagingOn    bool
	activeRoot  uint64
	timerNS     uint64
	ipiHandlers map[int]func(IPIKind, uint64)
}

func newAMD64() Platform {
	return &amd64Platform{ipiHandlers: make(map[int]func(IPIKind, uint64))}
}

func (p *amd64Platform) ISA() arch.ISA { return arch.AMD64 }

func (p *amd64Platform) EnablePaging(root uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pagingOn = true
	p.activeRoot = root
}

func (p *amd64Platform) SwitchAddressSpace(root uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.pagingOn {
		log.Panic(log.Fields{"isa": "amd64"}, "SwitchAddressSpace before EnablePaging")
	}
	p.activeRoot = root
}

func (p *amd64Platform) FlushTLBEntry(va uint64) {
	// invlpg va; no host-visible effect in this simulation.
}

func (p *amd64Platform) FlushTLBAll() {
	// mov cr3, cr3; no host-visible effect in this simulation.
}

func (p *amd64Platform) SaveContext(ctx *arch.Context) {
	ctx.ISA = arch.AMD64
}

func (p *amd64Platform) RestoreContext(ctx *arch.Context) {}

// RegisterIPIHandler lets a caller (mm.RegisterShootdownHandler) install
// the per-CPU callback SendIPI delivers to. It is not part of the Platform interface
// because it is a wiring detail of this simulation, not an architectural
// contract.
func (p *amd64Platform) RegisterIPIHandler(cpu int, h func(IPIKind, uint64)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ipiHandlers[cpu] = h
}

func (p *amd64Platform) SendIPI(cpus CPUSet, kind IPIKind, data uint64) {
	if cpus.Empty() {
		return
	}
	p.mu.Lock()
	handlers := make([]func(IPIKind, uint64), 0, 4)
	cpus.ForEach(func(cpu int) {
		if h, ok := p.ipiHandlers[cpu]; ok {
			handlers = append(handlers, h)
		}
	})
	p.mu.Unlock()
	for _, h := range handlers {
		h(kind, data)
	}
}

func (p *amd64Platform) EnableTimer(intervalNS uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timerNS = intervalNS
}

func (p *amd64Platform) UsermodeEntry(entryVA, userStackVA uint64, userRegs arch.Context) {
	// Atomic ring-3 transition is simulated as a no-op: the goroutine
	// modeling the user thread is already running under kernel
	// scheduling (§0); there is no separate CPU mode to enter.
}

func (p *amd64Platform) MinUserAddress() uint64 { return 0 }
func (p *amd64Platform) MaxUserAddress() uint64 { return 0x0000_7FFF_FFFF_FFFF }
