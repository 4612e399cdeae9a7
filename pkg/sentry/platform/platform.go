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

// Package platform is the Architecture HAL (§4.1): it isolates CPU-specific
// mechanism behind a common interface so every higher layer (pgalloc, mm,
// kernel, sched, ipc, gate) is portable across x86_64, AArch64 and RISC-V64.
//
// Following the teacher's platform abstraction (gVisor picks a Platform
// implementation — ptrace, KVM, systrap — at runtime for a given host), this
// package picks an implementation per target ISA at runtime, by a switch
// over arch.ISA in platform_select.go; only one HAL file exists per
// architecture, and nothing above this package ever
// performs architecture-specific dispatch of its own.
//
// HAL routines never return an architecture-level error: per §4.1 "Failure",
// they either succeed or halt the calling CPU. A Platform implementation
// that detects an unrecoverable condition calls log.Panic itself.
package platform

import (
	"github.com/doublegate/veridianos/pkg/sentry/arch"
)

// IPIKind enumerates the inter-processor interrupt kinds of §4.1.
type IPIKind int

const (
	IPIRescheduleHint IPIKind = iota
	IPITLBShootdown
	IPICPUStop
	IPIWakeupFromIdle
)

// CPUSet is a bitmask of virtual CPU indices, capped at 64 CPUs — matching
// the scheduler's affinity mask representation (§3 Thread "CPU affinity
// mask") so the two can be compared directly.
type CPUSet uint64

// Contains reports whether cpu is a member of the set.
func (s CPUSet) Contains(cpu int) bool { return s&(1<<uint(cpu)) != 0 }

// Add returns s with cpu added.
func (s CPUSet) Add(cpu int) CPUSet { return s | (1 << uint(cpu)) }

// Empty reports whether the set has no members — §8's "Shootdown to an
// empty CPU set returns immediately" boundary case.
func (s CPUSet) Empty() bool { return s == 0 }

// ForEach calls f for every CPU index present in the set.
func (s CPUSet) ForEach(f func(cpu int)) {
	for cpu := 0; cpu < 64; cpu++ {
		if s.Contains(cpu) {
			f(cpu)
		}
	}
}

// Platform is the HAL contract every architecture backend satisfies.
type Platform interface {
	// ISA identifies the target architecture this Platform models.
	ISA() arch.ISA

	// EnablePaging turns on the MMU with root as the top-level page
	// table frame's physical address.
	EnablePaging(root uint64)

	// SwitchAddressSpace installs root as the active page table root,
	// the mechanism mm.AddressSpace.Activate relies on.
	SwitchAddressSpace(root uint64)

	// FlushTLBEntry invalidates the single TLB entry mapping va.
	FlushTLBEntry(va uint64)

	// FlushTLBAll invalidates every TLB entry for the current address
	// space.
	FlushTLBAll()

	// SaveContext records the currently-running thread's context into
	// ctx. The backends in this package set only ctx.ISA; they capture
	// no register, stack pointer, TLS base or FPU values.
	SaveContext(ctx *arch.Context)

	// RestoreContext is the inverse of SaveContext; the backends in this
	// package leave the machine state unchanged.
	RestoreContext(ctx *arch.Context)

	// SendIPI delivers kind to every CPU in cpus. An empty set is a
	// no-op (§8).
	SendIPI(cpus CPUSet, kind IPIKind, data uint64)

	// EnableTimer arms the periodic tick at the given interval
	// (default 10ms / 100Hz per §4.1).
	EnableTimer(intervalNS uint64)

	// UsermodeEntry performs the atomic transition to user mode at
	// entryVA with the given user stack and initial register values,
	// restoring kernel segment selectors before return (§4.1). It never
	// returns to its caller on a real architecture; in this
	// user-space simulation the backends perform no mode change and
	// return immediately.
	UsermodeEntry(entryVA, userStackVA uint64, userRegs arch.Context)

	// MinUserAddress and MaxUserAddress bound the user half of the
	// address space (§4.3).
	MinUserAddress() uint64
	MaxUserAddress() uint64
}

// New returns the Platform implementation for isa. Exactly one of
// newAMD64, newARM64, newRISCV64 backs each case; see platform_select.go.
func New(isa arch.ISA) Platform {
	return newForISA(isa)
}
