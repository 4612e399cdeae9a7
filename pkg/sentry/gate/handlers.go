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

package gate

import (
	"github.com/doublegate/veridianos/pkg/hostarch"
	"github.com/doublegate/veridianos/pkg/kerr"
	"github.com/doublegate/veridianos/pkg/log"
	"github.com/doublegate/veridianos/pkg/sentry/arch"
	"github.com/doublegate/veridianos/pkg/sentry/cap"
	"github.com/doublegate/veridianos/pkg/sentry/kernel"
	"github.com/doublegate/veridianos/pkg/sentry/kernel/ipc"
	"github.com/doublegate/veridianos/pkg/sentry/kernel/ksync"
	"github.com/doublegate/veridianos/pkg/sentry/kernel/sched"
	"github.com/doublegate/veridianos/pkg/sentry/mm"
	"github.com/doublegate/veridianos/pkg/sentry/pgalloc"
)

// brkBase is the fixed per-process program-break origin (§4.3's layout
// reserves the low part of the user half for the image; brk grows above
// it). A real loader would place this after the binary's segments; the
// core has no loader, so every process starts its heap at the same offset.
const brkBase = 0x0000_0000_0100_0000

func cap0(regs *arch.Context) cap.Token { return cap.Token(regs.SyscallArg(0)) }

// --- IPC (0-7) ---

func sysIPCSend(g *Gate, cpu *sched.CPU, p *kernel.Process, t *kernel.Thread, regs *arch.Context) (int64, error) {
	r, err := g.resources(p)
	if err != nil {
		return 0, err
	}
	tok := cap0(regs)
	if err := p.CapSpace.Validate(tok, cap.Send); err != nil {
		return 0, err
	}
	entry, err := p.CapSpace.Lookup(tok)
	if err != nil {
		return 0, err
	}
	ep := r.endpoint(entry.ObjectRef().ID)
	if ep == nil {
		return 0, kerr.ErrObjectGone
	}
	msg := ipc.Message{SenderPID: uint64(p.PID)}
	if err := ep.Call(msg); err != nil {
		return 0, err
	}
	return 0, nil
}

func sysIPCReceive(g *Gate, cpu *sched.CPU, p *kernel.Process, t *kernel.Thread, regs *arch.Context) (int64, error) {
	r, err := g.resources(p)
	if err != nil {
		return 0, err
	}
	tok := cap0(regs)
	if err := p.CapSpace.Validate(tok, cap.Receive); err != nil {
		return 0, err
	}
	entry, err := p.CapSpace.Lookup(tok)
	if err != nil {
		return 0, err
	}
	ep := r.endpoint(entry.ObjectRef().ID)
	if ep == nil {
		return 0, kerr.ErrObjectGone
	}
	msg, err := ep.Receive()
	if err != nil {
		return 0, err
	}
	if len(msg.Caps) > 0 {
		if err := ipc.DeliverCaps(p.CapSpace, p.CapSpace, msg); err != nil {
			return 0, err
		}
	}
	return int64(msg.SenderPID), nil
}

// sysIPCCall is ipc_send/ipc_receive fused into one round trip, the common
// client pattern (§4.8). This core models a single rendezvous endpoint
// rather than separate call/reply channels, so call and send share the
// same underlying hand-off; reply is the receiver's matching ipc_reply.
func sysIPCCall(g *Gate, cpu *sched.CPU, p *kernel.Process, t *kernel.Thread, regs *arch.Context) (int64, error) {
	return sysIPCSend(g, cpu, p, t, regs)
}

// sysIPCReply acknowledges a prior ipc_call; with no distinct reply channel
// in this core's Endpoint, a reply is a send back through the same
// endpoint token.
func sysIPCReply(g *Gate, cpu *sched.CPU, p *kernel.Process, t *kernel.Thread, regs *arch.Context) (int64, error) {
	return sysIPCSend(g, cpu, p, t, regs)
}

func sysCreateEndpoint(g *Gate, cpu *sched.CPU, p *kernel.Process, t *kernel.Thread, regs *arch.Context) (int64, error) {
	r, err := g.resources(p)
	if err != nil {
		return 0, err
	}
	id := r.allocObjID()
	ep := ipc.NewEndpoint()
	r.mu.Lock()
	r.Endpoints[id] = ep
	r.mu.Unlock()

	tok, err := p.CapSpace.CreateCapability(cap.ObjectRef{Kind: cap.ObjectEndpoint, ID: id}, cap.Send|cap.Receive|cap.Grant)
	if err != nil {
		return 0, err
	}
	return int64(tok), nil
}

// sysBindEndpoint validates that the caller holds a usable reference to an
// endpoint it did not create itself (e.g. received via ipc_receive's
// capability transfer), confirming it is still live before further use.
func sysBindEndpoint(g *Gate, cpu *sched.CPU, p *kernel.Process, t *kernel.Thread, regs *arch.Context) (int64, error) {
	r, err := g.resources(p)
	if err != nil {
		return 0, err
	}
	tok := cap0(regs)
	if err := p.CapSpace.Validate(tok, 0); err != nil {
		return 0, err
	}
	entry, err := p.CapSpace.Lookup(tok)
	if err != nil {
		return 0, err
	}
	if r.endpoint(entry.ObjectRef().ID) == nil {
		return 0, kerr.ErrObjectGone
	}
	return 0, nil
}

func sysShareMemory(g *Gate, cpu *sched.CPU, p *kernel.Process, t *kernel.Thread, regs *arch.Context) (int64, error) {
	r, err := g.resources(p)
	if err != nil {
		return 0, err
	}
	numFrames := regs.SyscallArg(0)
	if numFrames == 0 || numFrames > 4096 {
		return 0, kerr.ErrInvalidArgument
	}
	frames := make([]hostarch.PhysAddr, 0, numFrames)
	for i := uint64(0); i < numFrames; i++ {
		f, err := g.frames.AllocFrame(-1, pgalloc.ZoneHintAny, 0)
		if err != nil {
			return 0, kerr.ErrOutOfMemory
		}
		frames = append(frames, hostarch.PhysAddr(f.Number*hostarch.PageSize))
	}

	id := r.allocObjID()
	region := ipc.NewSharedRegion(frames)
	r.mu.Lock()
	r.Shared[id] = region
	r.mu.Unlock()

	tok, err := p.CapSpace.CreateCapability(cap.ObjectRef{Kind: cap.ObjectMemoryRegion, ID: id}, cap.Read|cap.Write|cap.Map|cap.Grant)
	if err != nil {
		return 0, err
	}
	return int64(tok), nil
}

func sysMapMemory(g *Gate, cpu *sched.CPU, p *kernel.Process, t *kernel.Thread, regs *arch.Context) (int64, error) {
	r, err := g.resources(p)
	if err != nil {
		return 0, err
	}
	tok := cap0(regs)
	if err := p.CapSpace.Validate(tok, cap.Map); err != nil {
		return 0, err
	}
	entry, err := p.CapSpace.Lookup(tok)
	if err != nil {
		return 0, err
	}
	region := r.shared(entry.ObjectRef().ID)
	if region == nil {
		return 0, kerr.ErrObjectGone
	}
	va := hostarch.VirtAddr(regs.SyscallArg(1))
	rng := hostarch.VirtRange{Start: va.PageDown(), End: va.PageDown().Add(uint64(len(region.Frames)) * hostarch.PageSize)}
	if err := r.AS.Map(rng, mm.ProtRead|mm.ProtWrite, mm.Shared, tok); err != nil {
		return 0, err
	}
	region.Map(r.AS.ID(), rng.Start)
	return int64(rng.Start), nil
}

// --- Process (10-18) ---

func sysYield(g *Gate, cpu *sched.CPU, p *kernel.Process, t *kernel.Thread, regs *arch.Context) (int64, error) {
	if err := t.Transition(kernel.Ready, kernel.WakeNone); err != nil {
		return 0, err
	}
	cpu.Enqueue(t)
	return 0, nil
}

// sysExit implements process_exit's documented resource walk (§4.6:
// "endpoints -> threads -> VAS -> PCB"): the process's IPC objects are
// dropped first, then the calling thread is torn down the same way
// thread_exit tears down any other thread, then the PCB is marked zombie.
// Threads other than the caller are left for their own thread_exit/reap;
// this core does not force-terminate siblings on process exit.
func sysExit(g *Gate, cpu *sched.CPU, p *kernel.Process, t *kernel.Thread, regs *arch.Context) (int64, error) {
	code := int64(regs.SyscallArg(0))

	if r, err := g.resources(p); err == nil {
		r.mu.Lock()
		r.Endpoints = make(map[uint64]*ipc.Endpoint)
		r.Channels = make(map[uint64]*ipc.Channel)
		r.Shared = make(map[uint64]*ipc.SharedRegion)
		r.mu.Unlock()

		t.ExitCode = int(code)
		if err := t.Transition(kernel.Exiting, kernel.WakeNone); err != nil {
			return 0, err
		}
		deferThreadReap(cpu, r, t)
	}

	if err := p.Exit(int(code), g.init); err != nil {
		return 0, err
	}
	return 0, nil
}

func sysFork(g *Gate, cpu *sched.CPU, p *kernel.Process, t *kernel.Thread, regs *arch.Context) (int64, error) {
	r, err := g.resources(p)
	if err != nil {
		return 0, err
	}
	child := p.Fork(cap.CopyAll, 0, nil)
	g.registerForkedProcess(child, r.AS.Fork())

	childT := child.NewThread(t.Context.PC, uint64(t.UserStack.End), t.UserStack.Length(), uint64(t.KernelStack.End), t.KernelStack.Length(), t.Class, t.Priority)
	cpu.Enqueue(childT)
	return int64(child.PID), nil
}

func sysExec(g *Gate, cpu *sched.CPU, p *kernel.Process, t *kernel.Thread, regs *arch.Context) (int64, error) {
	mask := cap.Rights(regs.SyscallArg(0))
	p.Exec(cap.PreserveExecMask, mask, nil)
	return 0, nil
}

func sysWait(g *Gate, cpu *sched.CPU, p *kernel.Process, t *kernel.Thread, regs *arch.Context) (int64, error) {
	for _, c := range p.Children {
		if c.State() == kernel.ProcZombie {
			code, err := c.Reap()
			if err != nil {
				continue
			}
			return int64(c.PID)<<32 | int64(uint32(code)), nil
		}
	}
	return 0, kerr.ErrWouldBlock
}

func sysGetpid(g *Gate, cpu *sched.CPU, p *kernel.Process, t *kernel.Thread, regs *arch.Context) (int64, error) {
	return int64(p.PID), nil
}

func sysGetppid(g *Gate, cpu *sched.CPU, p *kernel.Process, t *kernel.Thread, regs *arch.Context) (int64, error) {
	if p.Parent == nil {
		return 0, nil
	}
	return int64(p.Parent.PID), nil
}

func sysSetPriority(g *Gate, cpu *sched.CPU, p *kernel.Process, t *kernel.Thread, regs *arch.Context) (int64, error) {
	t.Priority = int(int64(regs.SyscallArg(0)))
	return 0, nil
}

func sysGetPriority(g *Gate, cpu *sched.CPU, p *kernel.Process, t *kernel.Thread, regs *arch.Context) (int64, error) {
	return int64(t.Priority), nil
}

// --- Memory (20-23) ---

func sysMap(g *Gate, cpu *sched.CPU, p *kernel.Process, t *kernel.Thread, regs *arch.Context) (int64, error) {
	r, err := g.resources(p)
	if err != nil {
		return 0, err
	}
	va := hostarch.VirtAddr(regs.SyscallArg(0))
	length := regs.SyscallArg(1)
	prot := mm.Protection(regs.SyscallArg(2))
	policy := mm.BackingPolicy(regs.SyscallArg(3))
	rng := hostarch.VirtRange{Start: va, End: va.Add(length)}
	if err := r.AS.Map(rng, prot, policy, 0); err != nil {
		return 0, err
	}
	return int64(rng.Start), nil
}

func sysUnmap(g *Gate, cpu *sched.CPU, p *kernel.Process, t *kernel.Thread, regs *arch.Context) (int64, error) {
	r, err := g.resources(p)
	if err != nil {
		return 0, err
	}
	va := hostarch.VirtAddr(regs.SyscallArg(0))
	length := regs.SyscallArg(1)
	r.AS.Unmap(hostarch.VirtRange{Start: va, End: va.Add(length)})
	return 0, nil
}

func sysProtect(g *Gate, cpu *sched.CPU, p *kernel.Process, t *kernel.Thread, regs *arch.Context) (int64, error) {
	r, err := g.resources(p)
	if err != nil {
		return 0, err
	}
	va := hostarch.VirtAddr(regs.SyscallArg(0))
	length := regs.SyscallArg(1)
	prot := mm.Protection(regs.SyscallArg(2))
	rng := hostarch.VirtRange{Start: va, End: va.Add(length)}
	if err := r.AS.Protect(rng, prot); err != nil {
		return 0, err
	}
	return 0, nil
}

func sysBrk(g *Gate, cpu *sched.CPU, p *kernel.Process, t *kernel.Thread, regs *arch.Context) (int64, error) {
	r, err := g.resources(p)
	if err != nil {
		return 0, err
	}
	newBrk := regs.SyscallArg(0)
	if newBrk == 0 {
		return int64(r.currentBrk()), nil
	}
	old := r.currentBrk()
	if newBrk <= old {
		return int64(old), nil
	}
	rng := hostarch.VirtRange{Start: hostarch.VirtAddr(old).PageUp(), End: hostarch.VirtAddr(newBrk).PageUp()}
	if rng.Length() > 0 {
		if err := r.AS.Map(rng, mm.ProtRead|mm.ProtWrite, mm.DemandZero, 0); err != nil {
			return 0, err
		}
	}
	r.setBrk(newBrk)
	return int64(newBrk), nil
}

// --- Capability (30-31) ---

func sysGrant(g *Gate, cpu *sched.CPU, p *kernel.Process, t *kernel.Thread, regs *arch.Context) (int64, error) {
	parent := cap0(regs)
	restricted := cap.Rights(regs.SyscallArg(1))
	tok, err := p.CapSpace.Derive(parent, restricted)
	if err != nil {
		return 0, err
	}
	return int64(tok), nil
}

func sysRevokeCap(g *Gate, cpu *sched.CPU, p *kernel.Process, t *kernel.Thread, regs *arch.Context) (int64, error) {
	tok := cap0(regs)
	if err := p.CapSpace.Revoke(tok); err != nil {
		return 0, err
	}
	return 0, nil
}

// --- Thread (40-46) ---

func sysThreadCreate(g *Gate, cpu *sched.CPU, p *kernel.Process, t *kernel.Thread, regs *arch.Context) (int64, error) {
	entry := regs.SyscallArg(0)
	userStackTop := regs.SyscallArg(1)
	userStackSize := regs.SyscallArg(2)
	priority := int(int64(regs.SyscallArg(3)))
	kernelStackTop := userStackTop
	kernelStackSize := uint64(hostarch.PageSize * 4)
	newT := p.NewThread(entry, userStackTop, userStackSize, kernelStackTop, kernelStackSize, kernel.ClassFair, priority)
	cpu.Enqueue(newT)
	return int64(newT.TID), nil
}

func sysThreadExit(g *Gate, cpu *sched.CPU, p *kernel.Process, t *kernel.Thread, regs *arch.Context) (int64, error) {
	t.ExitCode = int(int64(regs.SyscallArg(0)))
	if err := t.Transition(kernel.Exiting, kernel.WakeNone); err != nil {
		return 0, err
	}
	r, err := g.resources(p)
	if err != nil {
		return 0, err
	}
	deferThreadReap(cpu, r, t)
	return 0, nil
}

// deferThreadReap queues t's stack teardown on cpu's deferred-reclaim ring
// (§4.6: "reclaimed after a grace period"). Once the ring drains the entry,
// t moves to Reaped, which is the only thing that lets a pending
// thread_join on it complete.
func deferThreadReap(cpu *sched.CPU, r *Resources, t *kernel.Thread) {
	userStack, kernelStack := t.UserStack, t.KernelStack
	cpu.Cleanup.Defer(cpu.CurrentTick(), func() {
		r.AS.Unmap(userStack)
		r.AS.Unmap(kernelStack)
		if err := t.Transition(kernel.Reaped, kernel.WakeNone); err != nil {
			log.Warningf("gate: reaping tid %d: %v", t.TID, err)
		}
	})
}

func sysThreadJoin(g *Gate, cpu *sched.CPU, p *kernel.Process, t *kernel.Thread, regs *arch.Context) (int64, error) {
	tid := kernel.TID(regs.SyscallArg(0))
	target := p.Thread(tid)
	if target == nil {
		return 0, kerr.ErrWrongState
	}
	if target.State() != kernel.Reaped {
		return 0, kerr.ErrWouldBlock
	}
	p.RemoveThread(tid)
	return int64(target.ExitCode), nil
}

func sysGettid(g *Gate, cpu *sched.CPU, p *kernel.Process, t *kernel.Thread, regs *arch.Context) (int64, error) {
	return int64(t.TID), nil
}

func sysSetAffinity(g *Gate, cpu *sched.CPU, p *kernel.Process, t *kernel.Thread, regs *arch.Context) (int64, error) {
	t.Affinity = kernel.CPUMask(regs.SyscallArg(0))
	return 0, nil
}

func sysGetAffinity(g *Gate, cpu *sched.CPU, p *kernel.Process, t *kernel.Thread, regs *arch.Context) (int64, error) {
	return int64(t.Affinity), nil
}

func sysThreadClone(g *Gate, cpu *sched.CPU, p *kernel.Process, t *kernel.Thread, regs *arch.Context) (int64, error) {
	entry := regs.SyscallArg(0)
	stackTop := regs.SyscallArg(1)
	stackSize := regs.SyscallArg(2)
	newT := p.NewThread(entry, stackTop, stackSize, stackTop, uint64(hostarch.PageSize*4), t.Class, t.Priority)
	cpu.Enqueue(newT)
	return int64(newT.TID), nil
}

// --- Futex (201-202) ---

func sysFutexWait(g *Gate, cpu *sched.CPU, p *kernel.Process, t *kernel.Thread, regs *arch.Context) (int64, error) {
	r, err := g.resources(p)
	if err != nil {
		return 0, err
	}
	key := ksync.FutexKey{AddrSpaceID: r.AS.ID(), Addr: hostarch.VirtAddr(regs.SyscallArg(0))}
	bitset := uint32(regs.SyscallArg(1))
	if err := g.futex.Wait(t, key, bitset); err != nil {
		return 0, err
	}
	return 0, nil
}

func sysFutexWake(g *Gate, cpu *sched.CPU, p *kernel.Process, t *kernel.Thread, regs *arch.Context) (int64, error) {
	r, err := g.resources(p)
	if err != nil {
		return 0, err
	}
	key := ksync.FutexKey{AddrSpaceID: r.AS.ID(), Addr: hostarch.VirtAddr(regs.SyscallArg(0))}
	n := int(regs.SyscallArg(1))
	bitset := uint32(regs.SyscallArg(2))
	return int64(g.futex.Wake(key, n, bitset)), nil
}

// --- Resources helpers ---

func (r *Resources) endpoint(id uint64) *ipc.Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Endpoints[id]
}

func (r *Resources) shared(id uint64) *ipc.SharedRegion {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Shared[id]
}

func (r *Resources) currentBrk() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.brk
}

func (r *Resources) setBrk(v uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.brk = v
}
