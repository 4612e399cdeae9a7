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

package main

import (
	"fmt"

	"github.com/doublegate/veridianos/internal/bootconfig"
	"github.com/doublegate/veridianos/pkg/log"
	"github.com/doublegate/veridianos/pkg/sentry/arch"
	"github.com/doublegate/veridianos/pkg/sentry/cap"
	"github.com/doublegate/veridianos/pkg/sentry/gate"
	"github.com/doublegate/veridianos/pkg/sentry/kernel"
	"github.com/doublegate/veridianos/pkg/sentry/kernel/sched"
	"github.com/doublegate/veridianos/pkg/sentry/pgalloc"
	"github.com/doublegate/veridianos/pkg/sentry/platform"
)

// machine bundles everything booted from a manifest: the scheduler set,
// the syscall gate, the frame allocator and the init process. Every
// subcommand that needs a live kernel builds one of these from a
// bootconfig.Config the same way.
type machine struct {
	cfg   *bootconfig.Config
	plat  platform.Platform
	frame *pgalloc.Allocator
	set   *sched.Set
	gate  *gate.Gate
	init  *kernel.Process
}

func boot(cfg *bootconfig.Config) (*machine, error) {
	zoneOf := func(z bootconfig.Zone) (*pgalloc.Zone, error) {
		var policy pgalloc.Policy
		switch z.Policy {
		case "dma":
			policy = pgalloc.PolicyDMA
		case "normal", "":
			policy = pgalloc.PolicyNormal
		default:
			return nil, fmt.Errorf("boot: unknown zone policy %q", z.Policy)
		}
		return pgalloc.NewZone(policy, z.StartFrame, z.EndFrame), nil
	}

	nodes := make([]*pgalloc.Node, 0, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		zones := make([]*pgalloc.Zone, 0, len(n.Zones))
		for _, zc := range n.Zones {
			z, err := zoneOf(zc)
			if err != nil {
				return nil, err
			}
			zones = append(zones, z)
		}
		dist := make(map[int]int, len(n.Distances))
		for id, d := range n.Distances {
			var key int
			if _, err := fmt.Sscanf(id, "%d", &key); err != nil {
				return nil, fmt.Errorf("boot: bad distance node id %q: %w", id, err)
			}
			dist[key] = d
		}
		nodes = append(nodes, pgalloc.NewNode(n.ID, zones, dist))
	}

	if total, err := pgalloc.ProbeHostMemory(); err == nil {
		log.Infof("boot: host reports %d bytes physical memory available to back the simulated zones", total)
	} else {
		log.Warningf("boot: could not probe host memory: %v", err)
	}

	frame := pgalloc.NewAllocator(nodes, cfg.VCPUCount)
	plat := platform.New(arch.AMD64)
	set := sched.NewSet(cfg.VCPUCount)

	init := kernel.NewProcess(arch.AMD64, nil)
	g := gate.New(set, plat, frame, init)
	g.RegisterProcess(init, 0)

	for _, c := range cfg.InitialCapabilities {
		kind, err := c.ObjectKind()
		if err != nil {
			return nil, err
		}
		rights := bootconfig.ParseRights(c.Rights)
		if _, err := init.CapSpace.CreateCapability(capObjectRef(kind, c.ID), rights); err != nil {
			return nil, fmt.Errorf("boot: installing initial capability %+v: %w", c, err)
		}
	}

	plat.EnableTimer(uint64(cfg.TimerIntervalMS) * 1_000_000)

	log.Infof("boot: %d vCPU(s), %d NUMA node(s), timer %dms", cfg.VCPUCount, len(nodes), cfg.TimerIntervalMS)
	return &machine{cfg: cfg, plat: plat, frame: frame, set: set, gate: g, init: init}, nil
}

func capObjectRef(kind cap.ObjectKind, id uint64) cap.ObjectRef {
	return cap.ObjectRef{Kind: kind, ID: id}
}
