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

// Package arch holds the per-architecture saved register context (§4.1
// "save_context/restore_context") and the syscall argument/return-value
// register convention (§6). One Context implementation exists per target
// ISA; which one is in play is chosen by pkg/sentry/platform when a
// Platform is constructed, by a runtime switch over ISA (see
// platform_select.go there).
package arch

// ISA identifies a target instruction set architecture.
type ISA int

const (
	AMD64 ISA = iota
	ARM64
	RISCV64
)

// String implements fmt.Stringer.
func (a ISA) String() string {
	switch a {
	case AMD64:
		return "x86_64"
	case ARM64:
		return "aarch64"
	case RISCV64:
		return "riscv64"
	default:
		return "unknown"
	}
}

// NumSyscallArgs is the number of argument registers the ABI passes (§6:
// "arguments in registers 1-6").
const NumSyscallArgs = 6

// Context is the saved register state of a single thread, as captured by
// HAL.SaveContext and restored by HAL.RestoreContext. Its fields are a
// superset covering every supported ISA; which subset is meaningful
// depends on ISA.
type Context struct {
	ISA ISA

	// GPRs holds the general-purpose register file. Its indexing is
	// architecture-specific (amd64: rax..r15; arm64: x0..x30; riscv64:
	// x1..x31); the syscall slot tables below use this indexing.
	GPRs [32]uint64

	// PC is the saved program counter (rip / pc / pc).
	PC uint64

	// SP is the saved stack pointer (rsp / sp / sp), maintained
	// separately from GPRs because HAL.save_context must preserve it
	// even on architectures where it aliases a GPR slot.
	SP uint64

	// Flags holds the architecture's status/flags register (rflags /
	// pstate / sstatus).
	Flags uint64

	// TLSBase is the thread-local-storage base HAL.save_context must
	// preserve (§4.1).
	TLSBase uint64

	// FPUValid is false until FPU state has actually been saved; the
	// HAL lazily saves FPU state only when a context switch actually
	// crosses an FPU-using thread, per the "FPU state lazy-saved" note
	// in §4.1.
	FPUValid bool
	FPU      [64]byte
}

// SyscallNumber returns the decoded syscall number per the ABI's "syscall
// number in a fixed register" rule (§6). Which GPR slot that is is an
// architecture decision, resolved by the per-ISA accessor.
func (c *Context) SyscallNumber() uint64 { return c.GPRs[syscallNumberSlot[c.ISA]] }

// SyscallArg returns argument i (0-based) per the ABI's 6-argument
// convention.
func (c *Context) SyscallArg(i int) uint64 { return c.GPRs[syscallArgSlot[c.ISA][i]] }

// SetSyscallReturn stores the syscall's signed return value into the return
// register, following "return value in register 0"; negative values are
// errors per §6.
func (c *Context) SetSyscallReturn(v int64) { c.GPRs[syscallReturnSlot[c.ISA]] = uint64(v) }

// register-slot tables per ISA. These are deliberately data, not per-ISA
// code duplication, because the register *convention* differs but the
// mechanism (index into GPRs) does not.
var syscallNumberSlot = [3]int{
	AMD64:   8,  // r8 holds the syscall number under the amd64 convention used here
	ARM64:   8,  // x8
	RISCV64: 17, // a7
}

var syscallReturnSlot = [3]int{
	AMD64:   0, // rax
	ARM64:   0, // x0
	RISCV64: 10, // a0
}

var syscallArgSlot = [3][NumSyscallArgs]int{
	AMD64:   {7, 6, 2, 10, 8, 9}, // rdi, rsi, rdx, r10, r8, r9 (r10 replaces rcx, clobbered by `syscall`)
	ARM64:   {0, 1, 2, 3, 4, 5},  // x0..x5
	RISCV64: {10, 11, 12, 13, 14, 15}, // a0..a5
}

// MmapLayout describes the address-space split handed to a freshly created
// VAS (§4.3 "Address-space layout"): the user-accessible half and the
// reserved kernel half.
type MmapLayout struct {
	UserMin hostVirtAddr
	UserMax hostVirtAddr

	// MinGap/MaxGap bound the region the kernel will carve brk()/mmap()
	// placements from within the user half.
	MinGap hostVirtAddr
	MaxGap hostVirtAddr
}

// hostVirtAddr avoids a pkg/hostarch import cycle at this layer; callers
// convert via hostarch.VirtAddr(...), which is a plain uint64 conversion.
type hostVirtAddr = uint64

// DefaultLayout returns the §4.3 "informative" x86_64-style split, used
// verbatim on arm64 and riscv64 as well since all three targets use an
// analogous half-canonical/translation-mode split and the spec does not
// distinguish them numerically.
func DefaultLayout() MmapLayout {
	return MmapLayout{
		UserMin: 0x0000_0000_0001_0000,
		UserMax: 0x0000_7FFF_FFFF_FFFF,
		MinGap:  0x0000_0000_4000_0000,
		MaxGap:  0x0000_7000_0000_0000,
	}
}
