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

// arm64Platform is the AArch64 HAL backend, modeling EL1<->EL0 transitions,
// TTBR0/TTBR1 switches, the GIC, and the generic timer (§0 of
// SPEC_FULL.md).
type arm64Platform struct {
	mu          sync.Mutex
	pagingOn    bool
	activeRoot  uint64
	timerNS     uint64
	ipiHandlers map[int]func(IPIKind, uint64)
}

func newARM64() Platform {
	return &arm64Platform{ipiHandlers: make(map[int]func(IPIKind, uint64))}
}

func (p *arm64Platform) ISA() arch.ISA { return arch.ARM64 }

func (p *arm64Platform) EnablePaging(root uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pagingOn = true
	p.activeRoot = root // TTBR0_EL1
}

func (p *arm64Platform) SwitchAddressSpace(root uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.pagingOn {
		log.Panic(log.Fields{"isa": "arm64"}, "SwitchAddressSpace before EnablePaging")
	}
	p.activeRoot = root
}

func (p *arm64Platform) FlushTLBEntry(va uint64) {
	// tlbi vae1is, x0; dsb ish; isb -- no host-visible effect here.
}

func (p *arm64Platform) FlushTLBAll() {
	// tlbi vmalle1is; dsb ish; isb -- no host-visible effect here.
}

func (p *arm64Platform) SaveContext(ctx *arch.Context) { ctx.ISA = arch.ARM64 }

func (p *arm64Platform) RestoreContext(ctx *arch.Context) {}

func (p *arm64Platform) RegisterIPIHandler(cpu int, h func(IPIKind, uint64)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ipiHandlers[cpu] = h
}

func (p *arm64Platform) SendIPI(cpus CPUSet, kind IPIKind, data uint64) {
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
		h(kind, data) // modeled as a GIC SGI (software-generated interrupt)
	}
}

func (p *arm64Platform) EnableTimer(intervalNS uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timerNS = intervalNS // CNTP_TVAL_EL0 equivalent
}

func (p *arm64Platform) UsermodeEntry(entryVA, userStackVA uint64, userRegs arch.Context) {
	// eret to EL0 is simulated as a no-op; see amd64Platform.UsermodeEntry.
}

func (p *arm64Platform) MinUserAddress() uint64 { return 0 }
func (p *arm64Platform) MaxUserAddress() uint64 { return 0x0000_7FFF_FFFF_FFFF }
