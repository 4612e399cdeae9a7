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

package kernel

import (
	"sync"
	"sync/atomic"

	"github.com/doublegate/veridianos/pkg/hostarch"
	"github.com/doublegate/veridianos/pkg/kerr"
	"github.com/doublegate/veridianos/pkg/sentry/arch"
	"github.com/doublegate/veridianos/pkg/sentry/cap"
)

// ProcessState is a process's coarse lifecycle state (§3).
type ProcessState int

const (
	ProcCreated ProcessState = iota
	ProcRunning
	ProcZombie
	ProcDead
)

// PID is a process identifier. PIDs are monotonically generated and never
// reused while any capability still references the process (§3).
type PID uint64

var nextPID uint64 // atomic, starts issuing from 1

func allocPID() PID { return PID(atomic.AddUint64(&nextPID, 1)) }

// Process is the PCB of §3/§4.6.
type Process struct {
	mu sync.Mutex

	PID    PID
	ISA    arch.ISA
	Parent *Process

	CapSpace *cap.Space

	state ProcessState

	threads map[TID]*Thread
	nextTID uint64

	ExitCode int
	Children []*Process
}

// NewProcess creates a process in state Created, with a fresh, empty
// capability space (§4.6 "process creation pins ... a capability space").
// AddressSpace binding is the caller's responsibility (pkg/sentry/mm),
// since the VAS lifecycle is independent of the PCB's bookkeeping here.
func NewProcess(isa arch.ISA, parent *Process) *Process {
	return &Process{
		PID:      allocPID(),
		ISA:      isa,
		Parent:   parent,
		CapSpace: cap.NewSpace(),
		state:    ProcCreated,
		threads:  make(map[TID]*Thread),
	}
}

// State returns the process's current lifecycle state.
func (p *Process) State() ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetRunning marks the process Running, called once its first thread is
// dispatched.
func (p *Process) SetRunning() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == ProcCreated {
		p.state = ProcRunning
	}
}

// Fork duplicates p's capability space under policy and returns a new child
// process sharing no further state (§4.6: "Fork duplicates state, returning
// from the syscall twice with distinct return values" — the double return is
// the gate's responsibility, not this package's; Fork here only produces the
// child PCB and its cloned resources).
func (p *Process) Fork(policy cap.ClonePolicy, mask cap.Rights, dropSet map[uint32]struct{}) *Process {
	p.mu.Lock()
	defer p.mu.Unlock()

	child := &Process{
		PID:      allocPID(),
		ISA:      p.ISA,
		Parent:   p,
		CapSpace: cap.CloneSpace(p.CapSpace, policy, mask, dropSet),
		state:    ProcCreated,
		threads:  make(map[TID]*Thread),
	}
	p.Children = append(p.Children, child)
	return child
}

// Exec filters p's capability space in place under policy, preserving PID
// (§4.6: "Exec replaces the VAS contents ... while preserving PID and
// optionally filtered capabilities").
func (p *Process) Exec(policy cap.ClonePolicy, mask cap.Rights, dropSet map[uint32]struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cap.FilterSpace(p.CapSpace, policy, mask, dropSet)
}

// NewThread creates and registers a new thread under p, in state Created.
func (p *Process) NewThread(entry, userStackTop, userStackSize, kernelStackTop, kernelStackSize uint64, class SchedClass, priority int) *Thread {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextTID++
	tid := TID(p.nextTID)
	userStack := hostarch.VirtRange{Start: hostarch.VirtAddr(userStackTop - userStackSize), End: hostarch.VirtAddr(userStackTop)}
	kernelStack := hostarch.VirtRange{Start: hostarch.VirtAddr(kernelStackTop - kernelStackSize), End: hostarch.VirtAddr(kernelStackTop)}
	t := NewThread(tid, p, hostarch.VirtAddr(entry), userStack, kernelStack, class, priority)
	p.threads[tid] = t
	return t
}

// Thread returns the thread with the given TID, or nil.
func (p *Process) Thread(tid TID) *Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.threads[tid]
}

// Threads returns a snapshot slice of every live thread.
func (p *Process) Threads() []*Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Thread, 0, len(p.threads))
	for _, t := range p.threads {
		out = append(out, t)
	}
	return out
}

// RemoveThread drops tid from the bookkeeping set, called once it has been
// reaped.
func (p *Process) RemoveThread(tid TID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.threads, tid)
}

// ThreadCount returns the number of threads still registered under p.
func (p *Process) ThreadCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.threads)
}

// Exit begins process teardown (§4.6 exit semantics): resources are freed
// by the caller in order {endpoints -> threads -> VAS -> PCB}; Exit itself
// only records the zombie state and exit code, reparenting children to
// init. The actual resource walk lives in the caller (typically the
// syscall gate's process_exit handler), which has the VAS and endpoint
// table Process does not.
func (p *Process) Exit(code int, init *Process) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == ProcZombie || p.state == ProcDead {
		return kerr.ErrWrongState
	}
	p.state = ProcZombie
	p.ExitCode = code
	for _, c := range p.Children {
		c.mu.Lock()
		c.Parent = init
		c.mu.Unlock()
		if init != nil {
			init.mu.Lock()
			init.Children = append(init.Children, c)
			init.mu.Unlock()
		}
	}
	p.Children = nil
	return nil
}

// Reap transitions a zombie process to Dead, returning its exit code, the
// terminal step of §4.6's wait() contract.
func (p *Process) Reap() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != ProcZombie {
		return 0, kerr.ErrWrongState
	}
	p.state = ProcDead
	return p.ExitCode, nil
}
