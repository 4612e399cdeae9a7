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

// riscv64Platform is the RISC-V64 HAL backend, modeling S-mode<->U-mode
// transitions via sret, SATP (SV48) switches, and IPIs via SBI calls (§9
// notes RISC-V's SBI as a platform-specific workaround point).
type riscv64Platform struct {
	mu          sync.Mutex
	pagingOn    bool
	activeRoot  uint64
	timerNS     uint64
	ipiHandlers map[int]func(IPIKind, uint64)
}

func newRISCV64() Platform {
	return &riscv64Platform{ipiHandlers: make(map[int]func(IPIKind, uint64))}
}

func (p *riscv64Platform) ISA() arch.ISA { return arch.RISCV64 }

func (p *riscv64Platform) EnablePaging(root uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pagingOn = true
	p.activeRoot = root // SATP, mode=SV48
}

func (p *riscv64Platform) SwitchAddressSpace(root uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.pagingOn {
		log.Panic(log.Fields{"isa": "riscv64"}, "SwitchAddressSpace before EnablePaging")
	}
	p.activeRoot = root
}

func (p *riscv64Platform) FlushTLBEntry(va uint64) {
	// sfence.vma va, x0 -- no host-visible effect here.
}

func (p *riscv64Platform) FlushTLBAll() {
	// sfence.vma x0, x0 -- no host-visible effect here.
}

func (p *riscv64Platform) SaveContext(ctx *arch.Context) { ctx.ISA = arch.RISCV64 }

func (p *riscv64Platform) RestoreContext(ctx *arch.Context) {}

func (p *riscv64Platform) RegisterIPIHandler(cpu int, h func(IPIKind, uint64)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ipiHandlers[cpu] = h
}

func (p *riscv64Platform) SendIPI(cpus CPUSet, kind IPIKind, data uint64) {
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
		h(kind, data) // modeled as an SBI IPI extension call
	}
}

func (p *riscv64Platform) EnableTimer(intervalNS uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timerNS = intervalNS // SBI TIME extension (sbi_set_timer)
}

func (p *riscv64Platform) UsermodeEntry(entryVA, userStackVA uint64, userRegs arch.Context) {
	// sret to U-mode is simulated as a no-op; see amd64Platform.UsermodeEntry.
}

func (p *riscv64Platform) MinUserAddress() uint64 { return 0 }
func (p *riscv64Platform) MaxUserAddress() uint64 { return 0x0000_3FFF_FFFF_FFFF }
