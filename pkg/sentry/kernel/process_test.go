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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/doublegate/veridianos/pkg/sentry/arch"
	"github.com/doublegate/veridianos/pkg/sentry/cap"
)

func TestProcessPIDsAreUniqueAndMonotonic(t *testing.T) {
	a := NewProcess(arch.AMD64, nil)
	b := NewProcess(arch.AMD64, nil)
	require.NotEqual(t, a.PID, b.PID)
	require.Greater(t, uint64(b.PID), uint64(a.PID))
}

func TestProcessForkClonesCapabilitySpace(t *testing.T) {
	parent := NewProcess(arch.AMD64, nil)
	tok, err := parent.CapSpace.CreateCapability(cap.ObjectRef{Kind: cap.ObjectEndpoint, ID: 1}, cap.Read|cap.Write)
	require.NoError(t, err)

	child := parent.Fork(cap.CopyAll, 0, nil)
	require.NoError(t, child.CapSpace.Validate(tok, cap.Read|cap.Write))
	require.Len(t, parent.Children, 1)
	require.Equal(t, parent, child.Parent)
}

func TestProcessExitReparentsChildrenToInit(t *testing.T) {
	root := NewProcess(arch.AMD64, nil)
	init := NewProcess(arch.AMD64, nil)
	child := root.Fork(cap.CopyAll, 0, nil)

	require.NoError(t, root.Exit(0, init))
	require.Equal(t, ProcZombie, root.State())
	require.Equal(t, init, child.Parent)
	require.Contains(t, init.Children, child)
	require.Empty(t, root.Children)
}

func TestProcessReapRequiresZombie(t *testing.T) {
	p := NewProcess(arch.AMD64, nil)
	_, err := p.Reap()
	require.Error(t, err)

	require.NoError(t, p.Exit(7, nil))
	code, err := p.Reap()
	require.NoError(t, err)
	require.Equal(t, 7, code)
	require.Equal(t, ProcDead, p.State())
}

func TestProcessNewThreadRegistersAndCanBeLookedUp(t *testing.T) {
	p := NewProcess(arch.AMD64, nil)
	th := p.NewThread(0x1000, 0x7fff0000, 0x1000, 0xffff800000001000, 0x1000, ClassFair, 0)
	require.Equal(t, th, p.Thread(th.TID))
	require.Equal(t, 1, p.ThreadCount())

	p.RemoveThread(th.TID)
	require.Nil(t, p.Thread(th.TID))
	require.Equal(t, 0, p.ThreadCount())
}
