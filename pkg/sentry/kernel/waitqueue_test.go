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
)

func TestWaitQueueFIFOWakeOrder(t *testing.T) {
	p := NewProcess(arch.AMD64, nil)
	var q WaitQueue

	var threads []*Thread
	var chans []<-chan WakeReason
	for i := 0; i < 3; i++ {
		th := p.NewThread(0x1000, 0x7fff0000, 0x1000, 0xffff800000001000, 0x1000, ClassFair, 0)
		require.NoError(t, th.Transition(Ready, WakeNone))
		require.NoError(t, th.Transition(Running, WakeNone))
		ch, err := q.Enqueue(th)
		require.NoError(t, err)
		threads = append(threads, th)
		chans = append(chans, ch)
	}
	require.Equal(t, 3, q.Len())

	for i, th := range threads {
		require.True(t, q.WakeOne(WakeSignaled))
		reason := <-chans[i]
		require.Equal(t, WakeSignaled, reason)
		require.Equal(t, Ready, th.State())
	}
	require.False(t, q.WakeOne(WakeSignaled))
}

func TestWaitQueueRemove(t *testing.T) {
	p := NewProcess(arch.AMD64, nil)
	var q WaitQueue

	th := p.NewThread(0x1000, 0x7fff0000, 0x1000, 0xffff800000001000, 0x1000, ClassFair, 0)
	require.NoError(t, th.Transition(Ready, WakeNone))
	require.NoError(t, th.Transition(Running, WakeNone))
	_, err := q.Enqueue(th)
	require.NoError(t, err)

	require.True(t, q.Remove(th))
	require.Equal(t, 0, q.Len())
	require.Nil(t, th.WaitLink)
}
