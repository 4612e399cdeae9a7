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

package platform

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/doublegate/veridianos/pkg/sentry/arch"
)

func TestEmptyCPUSetShootdownReturnsImmediately(t *testing.T) {
	for _, isa := range []arch.ISA{arch.AMD64, arch.ARM64, arch.RISCV64} {
		p := New(isa)
		require.Equal(t, isa, p.ISA())
		done := make(chan struct{}, 1)
		p.SendIPI(CPUSet(0), IPITLBShootdown, 0)
		close(done)
		select {
		case <-done:
		default:
			t.Fatalf("SendIPI to empty set did not return immediately for %s", isa)
		}
	}
}

func TestSendIPIReachesRegisteredHandlers(t *testing.T) {
	p := newAMD64().(*amd64Platform)
	var got []IPIKind
	p.RegisterIPIHandler(0, func(k IPIKind, data uint64) { got = append(got, k) })
	p.RegisterIPIHandler(1, func(k IPIKind, data uint64) { got = append(got, k) })

	set := CPUSet(0).Add(0).Add(1)
	p.SendIPI(set, IPIRescheduleHint, 0)
	require.Len(t, got, 2)
	require.Equal(t, IPIRescheduleHint, got[0])
}

func TestSwitchAddressSpaceBeforeEnablePagingPanics(t *testing.T) {
	p := newARM64()
	require.Panics(t, func() { p.SwitchAddressSpace(0x1000) })
}
