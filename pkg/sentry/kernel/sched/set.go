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

package sched

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/doublegate/veridianos/pkg/kerr"
	"github.com/doublegate/veridianos/pkg/log"
	"github.com/doublegate/veridianos/pkg/sentry/kernel"
)

// Set is the whole-machine scheduler: one CPU per configured vCPU, plus
// the cross-CPU operations (wakeup target selection, load balancing,
// hotplug) that need visibility across all of them.
type Set struct {
	cpus []*CPU
}

// NewSet constructs a Set of n offline CPUs, numbered 0..n-1.
func NewSet(n int) *Set {
	s := &Set{cpus: make([]*CPU, n)}
	for i := range s.cpus {
		s.cpus[i] = NewCPU(i)
	}
	return s
}

// CPUs returns the Set's CPUs.
func (s *Set) CPUs() []*CPU { return s.cpus }

// CPU returns the CPU with the given id, or nil if out of range.
func (s *Set) CPU(id int) *CPU {
	if id < 0 || id >= len(s.cpus) {
		return nil
	}
	return s.cpus[id]
}

// OnlineAll brings every CPU in the set online concurrently, fanned out
// with an errgroup as §4.7's boot path does (§3.8: "errgroup.Group fans
// out CPU.online calls at boot").
func (s *Set) OnlineAll(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for _, c := range s.cpus {
		c := c
		g.Go(func() error {
			c.Online()
			return nil
		})
	}
	return g.Wait()
}

// OfflineAll drains and takes every CPU in the set offline concurrently.
func (s *Set) OfflineAll(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for _, c := range s.cpus {
		c := c
		g.Go(func() error {
			c.Offline()
			return nil
		})
	}
	return g.Wait()
}

// SelectWakeupCPU resolves the open question on wakeup CPU selection
// (§9): prefer the thread's last-run CPU if it is idle and permitted by
// affinity, else the least-loaded CPU permitted by affinity, ties broken
// by lowest CPU index. This is picked and fixed as the one deterministic
// policy this repo implements, out of the "either of a documented set"
// the spec allows.
func (s *Set) SelectWakeupCPU(t *kernel.Thread) (*CPU, error) {
	if t.LastCPU >= 0 && t.LastCPU < len(s.cpus) {
		last := s.cpus[t.LastCPU]
		if t.Affinity.Has(last.ID) && last.IsOnline() && last.Running() == nil {
			return last, nil
		}
	}

	var best *CPU
	bestLoad := -1
	for _, c := range s.cpus {
		if !t.Affinity.Has(c.ID) || !c.IsOnline() {
			continue
		}
		load := c.Load()
		if best == nil || load < bestLoad {
			best, bestLoad = c, load
		}
	}
	if best == nil {
		return nil, kerr.ErrInvalidArgument
	}
	return best, nil
}

// Wake transitions t to Ready (or is a no-op if it is not Blocked/Sleeping)
// and enqueues it on the CPU SelectWakeupCPU picks (§4.7 "Wakeups").
func (s *Set) Wake(t *kernel.Thread, reason kernel.WakeReason) error {
	if st := t.State(); st != kernel.Blocked && st != kernel.Sleeping {
		return nil
	}
	target, err := s.SelectWakeupCPU(t)
	if err != nil {
		return err
	}
	if err := t.Transition(kernel.Ready, reason); err != nil {
		return err
	}
	target.Enqueue(t)
	return nil
}

// Rebalance checks c against the most-loaded peer it is allowed to pull
// from and, if the gap exceeds LoadImbalanceThreshold, migrates one
// Ready fair-class thread from the peer to c (§4.7 "Load balancing").
// Migration never touches a Running thread, only Ready ones, satisfying
// §4.7's determinism guarantee that migration may reorder FIFO arrival
// but never priority.
func (s *Set) Rebalance(c *CPU) bool {
	var busiest *CPU
	busiestLoad := c.Load()
	for _, peer := range s.cpus {
		if peer == c || !peer.IsOnline() {
			continue
		}
		if load := peer.Load(); load > busiestLoad {
			busiest, busiestLoad = peer, load
		}
	}
	if busiest == nil {
		return false
	}
	gap := float64(busiestLoad-c.Load()) / float64(busiestLoad)
	if gap < LoadImbalanceThreshold {
		return false
	}

	busiest.mu.Lock()
	min := busiest.fair.Min()
	if min == nil {
		busiest.mu.Unlock()
		return false
	}
	item := min.(vruntimeItem)
	busiest.fair.Delete(item)
	busiest.mu.Unlock()

	if !item.thread.Affinity.Has(c.ID) {
		busiest.Enqueue(item.thread)
		return false
	}
	log.Debugf("sched: migrating tid=%d from cpu=%d to cpu=%d", item.thread.TID, busiest.ID, c.ID)
	c.Enqueue(item.thread)
	return true
}
