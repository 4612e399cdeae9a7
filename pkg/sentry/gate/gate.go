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

// Package gate is the syscall gate of §4.9: the one validated entry/exit
// path per CPU. Dispatch implements the six-step contract (decode, copy
// args, validate pointers/capabilities, dispatch, map errors, return) over
// a table of handlers keyed by the stable ABI numbers of §6.
package gate

import (
	"sync"

	"github.com/doublegate/veridianos/pkg/kerr"
	"github.com/doublegate/veridianos/pkg/log"
	"github.com/doublegate/veridianos/pkg/sentry/arch"
	"github.com/doublegate/veridianos/pkg/sentry/kernel"
	"github.com/doublegate/veridianos/pkg/sentry/kernel/ipc"
	"github.com/doublegate/veridianos/pkg/sentry/kernel/ksync"
	"github.com/doublegate/veridianos/pkg/sentry/kernel/sched"
	"github.com/doublegate/veridianos/pkg/sentry/mm"
	"github.com/doublegate/veridianos/pkg/sentry/pgalloc"
	"github.com/doublegate/veridianos/pkg/sentry/platform"
)

// Resources bundles the per-process state the gate manages on the PCB's
// behalf, kept separate from kernel.Process per that package's own doc
// comment ("AddressSpace binding is the caller's responsibility").
type Resources struct {
	AS *mm.AddressSpace

	mu        sync.Mutex
	nextObjID uint64
	Endpoints map[uint64]*ipc.Endpoint
	Channels  map[uint64]*ipc.Channel
	Shared    map[uint64]*ipc.SharedRegion

	brk uint64 // current break, grows upward from a fixed per-process base
}

func newResources(as *mm.AddressSpace) *Resources {
	return &Resources{
		AS:        as,
		Endpoints: make(map[uint64]*ipc.Endpoint),
		Channels:  make(map[uint64]*ipc.Channel),
		Shared:    make(map[uint64]*ipc.SharedRegion),
		brk:       brkBase,
	}
}

func (r *Resources) allocObjID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextObjID++
	return r.nextObjID
}

// Gate is the syscall dispatcher. One Gate instance serves every CPU in
// set; per-CPU isolation is unnecessary here since every handler already
// synchronizes through the objects it touches (§5 "shared-resource
// policy").
type Gate struct {
	mu    sync.Mutex
	procs map[kernel.PID]*Resources

	set    *sched.Set
	plat   platform.Platform
	frames *pgalloc.Allocator
	futex  *ksync.Table

	init *kernel.Process
}

// New constructs a Gate bound to set for wakeup/rebalance decisions, plat
// and frames for VAS construction, with init as the reparenting target for
// orphaned children (§4.6 exit semantics).
func New(set *sched.Set, plat platform.Platform, frames *pgalloc.Allocator, init *kernel.Process) *Gate {
	return &Gate{
		procs:  make(map[kernel.PID]*Resources),
		set:    set,
		plat:   plat,
		frames: frames,
		futex:  ksync.NewTable(),
		init:   init,
	}
}

// RegisterProcess binds a freshly created process to a new address space on
// the given NUMA node, so its syscalls have somewhere to map/unmap/fault
// against. Callers must do this once per process before any of its threads
// reach Dispatch.
func (g *Gate) RegisterProcess(p *kernel.Process, node int) *Resources {
	return g.registerProcessWithAS(p, mm.New(g.plat, g.frames, node))
}

// registerForkedProcess binds child to as, the VAS cloned from its parent's
// (mm.AddressSpace.Fork), rather than a fresh empty one (§4.6 fork
// semantics).
func (g *Gate) registerForkedProcess(p *kernel.Process, as *mm.AddressSpace) *Resources {
	return g.registerProcessWithAS(p, as)
}

func (g *Gate) registerProcessWithAS(p *kernel.Process, as *mm.AddressSpace) *Resources {
	r := newResources(as)
	g.mu.Lock()
	g.procs[p.PID] = r
	g.mu.Unlock()
	return r
}

// resources returns p's registered Resources, or ErrWrongState if
// RegisterProcess was never called for it.
func (g *Gate) resources(p *kernel.Process) (*Resources, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.procs[p.PID]
	if !ok {
		return nil, kerr.ErrWrongState
	}
	return r, nil
}

// Handler implements one syscall number's subsystem dispatch (contract
// steps 2-4). It returns the non-negative success value for
// regs.SetSyscallReturn, or an error the gate maps to an ABI code.
type Handler func(g *Gate, cpu *sched.CPU, p *kernel.Process, t *kernel.Thread, regs *arch.Context) (int64, error)

// Dispatch implements the six-step contract of §4.9 for one trapped
// syscall. It never panics on user-induced conditions (§7): every failure
// path returns a negative ABI code instead.
func Dispatch(g *Gate, cpu *sched.CPU, t *kernel.Thread, regs *arch.Context) int64 {
	num := regs.SyscallNumber()

	h, ok := syscallTable[num]
	if !ok {
		return failSyscall(regs, kerr.ErrUnknownSyscall)
	}

	p := t.Process
	ret, err := h(g, cpu, p, t, regs)
	if err != nil {
		return failSyscall(regs, err)
	}
	regs.SetSyscallReturn(ret)
	return ret
}

func failSyscall(regs *arch.Context, err error) int64 {
	code := int64(kerr.ABICode(err))
	regs.SetSyscallReturn(code)
	return code
}

// notImplemented backs the Filesystem/Time/Identity number ranges (§3.10):
// real ABI numbers that validate their capability argument, then report
// NotImplemented, since those services live in user-space components
// outside this core.
func notImplemented(g *Gate, cpu *sched.CPU, p *kernel.Process, t *kernel.Thread, regs *arch.Context) (int64, error) {
	if tok := cap0(regs); tok != 0 {
		if err := p.CapSpace.Validate(tok, 0); err != nil {
			log.Debugf("gate: notImplemented syscall %d rejected bad capability arg", regs.SyscallNumber())
			return 0, err
		}
	}
	return 0, kerr.ErrNotImplemented
}
