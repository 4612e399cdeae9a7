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

package pgalloc

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/doublegate/veridianos/pkg/hostarch"
	"github.com/doublegate/veridianos/pkg/kerr"
	"github.com/doublegate/veridianos/pkg/log"
)

// ZoneHint restricts AllocFrame/AllocContiguous to zones of one policy
// (ZoneHintAny accepts every zone). If the matching zones are exhausted on
// every reachable node, the allocation fails with ErrOutOfMemory; it does
// not fall through to zones of the other policy.
type ZoneHint int

const (
	ZoneHintAny ZoneHint = iota
	ZoneHintDMA
	ZoneHintNormal
)

// Allocator is the system-wide frame allocator (§4.2): one instance owns
// every NUMA node's zones and every CPU's PerCPUCache.
type Allocator struct {
	mu    sync.RWMutex
	nodes []*Node

	percpuMu sync.Mutex
	percpu   []*PerCPUCache
}

// NewAllocator constructs an allocator over the given nodes, with nCPUs
// per-CPU caches (one per virtual CPU index, §4.2).
func NewAllocator(nodes []*Node, nCPUs int) *Allocator {
	a := &Allocator{nodes: nodes, percpu: make([]*PerCPUCache, nCPUs)}
	for i := range a.percpu {
		a.percpu[i] = &PerCPUCache{}
	}
	return a
}

func (a *Allocator) node(id int) *Node {
	for _, n := range a.nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

func zoneMatches(z *Zone, hint ZoneHint) bool {
	switch hint {
	case ZoneHintDMA:
		return z.Policy == PolicyDMA
	case ZoneHintNormal:
		return z.Policy == PolicyNormal
	default:
		return true
	}
}

// AllocFrame allocates a single frame, consulting cpu's PerCPUCache first
// (performance path, §4.2), then walking nodes in ascending-distance order
// from nodeHint.
func (a *Allocator) AllocFrame(cpu int, zoneHint ZoneHint, nodeHint int) (Frame, error) {
	a.percpuMu.Lock()
	if cpu >= 0 && cpu < len(a.percpu) {
		if f, ok := a.percpu[cpu].Get(); ok {
			a.percpuMu.Unlock()
			return f, nil
		}
	}
	a.percpuMu.Unlock()

	f, err := a.allocFromZones(1, zoneHint, nodeHint)
	if err != nil {
		return Frame{}, err
	}
	return f[0], nil
}

// AllocContiguous allocates 2^order contiguous frames (§4.2).
func (a *Allocator) AllocContiguous(order int, zoneHint ZoneHint, nodeHint int) (hostarch.FrameRange, error) {
	if order < 0 || order > MaxBuddyOrder {
		return hostarch.FrameRange{}, kerr.ErrInvalidArgument
	}
	n := uint64(1) << uint(order)
	frames, err := a.allocFromZones(n, zoneHint, nodeHint)
	if err != nil {
		return hostarch.FrameRange{}, err
	}
	start := frames[0].Number
	return hostarch.FrameRange{Start: start, End: start + n}, nil
}

// allocFromZones walks the node search order, trying every zone matching
// zoneHint on each node before moving to the next, and returns n
// contiguously-numbered frames from whichever zone satisfied the request.
// Single frames (n==1) don't need to be contiguous with anything, but are
// returned through the same path for a single lock-order discipline.
func (a *Allocator) allocFromZones(n uint64, zoneHint ZoneHint, nodeHint int) ([]Frame, error) {
	a.mu.RLock()
	order := searchOrder(a.nodes, nodeHint)
	a.mu.RUnlock()

	try := func() ([]Frame, error) {
		for _, nodeID := range order {
			node := a.node(nodeID)
			if node == nil {
				continue
			}
			for _, z := range node.Zones {
				if !zoneMatches(z, zoneHint) {
					continue
				}
				base, err := z.AllocFrames(n)
				if err != nil {
					continue
				}
				out := make([]Frame, n)
				for i := uint64(0); i < n; i++ {
					out[i] = Frame{Number: z.Start + base + i, Zone: z, Node: nodeID}
				}
				return out, nil
			}
		}
		return nil, kerr.ErrOutOfMemory
	}

	frames, err := try()
	if err == nil {
		return frames, nil
	}

	// Optional reclaim pass (§4.2): drain per-CPU caches back to their
	// home zones and retry with a bounded backoff before giving up.
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 0
	b.MaxElapsedTime = 2 * time.Millisecond
	reclaimed := false
	retryErr := backoff.Retry(func() error {
		if !reclaimed {
			a.reclaimPerCPUCaches()
			reclaimed = true
		}
		frames, err = try()
		return err
	}, b)
	if retryErr != nil {
		return nil, kerr.ErrOutOfMemory
	}
	return frames, nil
}

// reclaimPerCPUCaches drains every CPU's cache back to its frames' home
// zones, the "optional reclaim pass" of §4.2.
func (a *Allocator) reclaimPerCPUCaches() {
	a.percpuMu.Lock()
	defer a.percpuMu.Unlock()
	for _, c := range a.percpu {
		for _, f := range c.Drain(c.Len()) {
			f.Zone.FreeFrameRun(f.Number-f.Zone.Start, 1)
		}
	}
	log.Debugf("pgalloc: reclaimed per-CPU caches under memory pressure")
}

// FreeFrame returns a single frame to cpu's PerCPUCache if there is room,
// else directly to its home zone.
func (a *Allocator) FreeFrame(cpu int, f Frame) {
	a.percpuMu.Lock()
	if cpu >= 0 && cpu < len(a.percpu) {
		if a.percpu[cpu].Put(f) {
			a.percpuMu.Unlock()
			return
		}
	}
	a.percpuMu.Unlock()
	f.Zone.FreeFrameRun(f.Number-f.Zone.Start, 1)
}

// FreeContiguous returns a contiguous run directly to its home zone;
// contiguous runs never pass through a PerCPUCache.
func (a *Allocator) FreeContiguous(zone *Zone, r hostarch.FrameRange) {
	zone.FreeFrameRun(r.Start-zone.Start, r.NumFrames())
}

// Reserve marks a physical range as permanently allocated during early boot
// (§4.2), e.g. for firmware tables or the kernel image. fr is expressed in
// absolute frame numbers; the caller passes the zone that owns it.
func (a *Allocator) Reserve(zone *Zone, fr hostarch.FrameRange) {
	zone.Reserve(fr.Start-zone.Start, fr.NumFrames())
}

// TotalFree sums free frames across every zone on every node, used by tests
// asserting the frame-partition invariant (§8) holds across an
// allocate/free round trip.
func (a *Allocator) TotalFree() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var total uint64
	for _, n := range a.nodes {
		for _, z := range n.Zones {
			total += z.FreeFrames()
		}
	}
	return total
}

// Nodes exposes the node list for callers (e.g. cmd/veridianosctl inspect)
// that need to report topology.
func (a *Allocator) Nodes() []*Node { return a.nodes }
