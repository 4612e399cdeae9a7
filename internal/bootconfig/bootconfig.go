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

// Package bootconfig parses the TOML boot manifest that stands in for the
// firmware memory map and boot protocol of §6: all kernel state is rebuilt
// fresh from this file on every boot, nothing is persisted across runs.
package bootconfig

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/doublegate/veridianos/pkg/log"
	"github.com/doublegate/veridianos/pkg/sentry/cap"
)

// Zone describes one physical frame range and the access policy it carries
// (§3 Frame allocator: DMA vs Normal).
type Zone struct {
	Policy     string `toml:"policy"` // "dma" or "normal"
	StartFrame uint64 `toml:"start_frame"`
	EndFrame   uint64 `toml:"end_frame"`
}

// Node describes one NUMA node: its local zones and its distance to every
// other node named by ID.
type Node struct {
	ID        int            `toml:"id"`
	Zones     []Zone         `toml:"zones"`
	Distances map[string]int `toml:"distances"`
}

// Capability describes one capability the init process is handed at boot,
// before any syscall has run (§4.6 "process creation pins a capability
// space"; this is the only way that space starts non-empty).
type Capability struct {
	Kind   string `toml:"kind"` // "endpoint", "memory_region", "process", "thread"
	ID     uint64 `toml:"id"`
	Rights string `toml:"rights"` // e.g. "read,write,grant"
}

// Config is the parsed boot manifest.
type Config struct {
	VCPUCount int `toml:"vcpu_count"`

	// TimerIntervalMS is the periodic tick interval in milliseconds
	// (§4.7 default "10 ms = 1 tick").
	TimerIntervalMS int `toml:"timer_interval_ms"`

	// LoadBalancePeriodTicks and LoadBalanceThreshold are parsed from the
	// manifest but not applied at boot: the scheduler always uses its
	// sched.LoadBalanceInterval/LoadImbalanceThreshold constants.
	LoadBalancePeriodTicks int     `toml:"load_balance_period_ticks"`
	LoadBalanceThreshold   float64 `toml:"load_balance_threshold"`

	Nodes []Node `toml:"nodes"`

	InitialCapabilities []Capability `toml:"initial_capabilities"`
}

// defaultTimerIntervalMS is substituted when the manifest omits the field.
const defaultTimerIntervalMS = 10

// Load parses the TOML manifest at path and fills in documented defaults
// for any field the manifest leaves zero.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("bootconfig: %w", err)
	}
	if cfg.VCPUCount <= 0 {
		cfg.VCPUCount = 1
	}
	if cfg.TimerIntervalMS <= 0 {
		cfg.TimerIntervalMS = defaultTimerIntervalMS
	}
	if len(cfg.Nodes) == 0 {
		cfg.Nodes = []Node{{ID: 0, Zones: []Zone{{Policy: "normal", StartFrame: 0, EndFrame: 65536}}}}
	}
	return &cfg, nil
}

// ParseRights turns a comma-separated rights list from the manifest into a
// cap.Rights bitmask. Unknown tokens are logged and skipped rather than
// rejected outright, since a manifest typo in an optional right shouldn't
// abort boot.
func ParseRights(s string) cap.Rights {
	var r cap.Rights
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if tok := s[start:i]; tok != "" {
				r |= parseOneRight(tok)
			}
			start = i + 1
		}
	}
	return r
}

func parseOneRight(tok string) cap.Rights {
	switch tok {
	case "read":
		return cap.Read
	case "write":
		return cap.Write
	case "execute":
		return cap.Execute
	case "send":
		return cap.Send
	case "receive":
		return cap.Receive
	case "grant":
		return cap.Grant
	case "map":
		return cap.Map
	default:
		log.Warningf("bootconfig: unknown right %q, ignoring", tok)
		return 0
	}
}

// ObjectKind maps a manifest capability's Kind string to cap.ObjectKind.
func (c Capability) ObjectKind() (cap.ObjectKind, error) {
	switch c.Kind {
	case "endpoint":
		return cap.ObjectEndpoint, nil
	case "memory_region":
		return cap.ObjectMemoryRegion, nil
	case "process":
		return cap.ObjectProcess, nil
	case "thread":
		return cap.ObjectThread, nil
	default:
		return 0, fmt.Errorf("bootconfig: unknown capability kind %q", c.Kind)
	}
}
