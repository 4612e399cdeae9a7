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

package mm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/doublegate/veridianos/pkg/hostarch"
	"github.com/doublegate/veridianos/pkg/sentry/arch"
	"github.com/doublegate/veridianos/pkg/sentry/platform"
)

func TestTLBShootdownWaitsForEveryTarget(t *testing.T) {
	plat := platform.New(arch.AMD64)
	for cpu := 0; cpu < 3; cpu++ {
		RegisterShootdownHandler(plat, cpu)
	}

	as := New(plat, newTestAllocator(64), 0)

	done := make(chan struct{})
	go func() {
		as.TLBShootdown(TlbFlushBatch{Addrs: []hostarch.VirtAddr{0x1000}}, platform.CPUSet(0).Add(0).Add(1).Add(2))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("TLBShootdown did not return once every target acknowledged")
	}
}

func TestTLBShootdownEmptySetReturnsImmediately(t *testing.T) {
	plat := platform.New(arch.AMD64)
	as := New(plat, newTestAllocator(64), 0)

	done := make(chan struct{})
	go func() {
		as.TLBShootdown(TlbFlushBatch{FlushAll: true}, platform.CPUSet(0))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("empty CPU set must return immediately")
	}
}
