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

package ipc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/doublegate/veridianos/pkg/kerr"
)

func TestEndpointRendezvousReceiverFirst(t *testing.T) {
	e := NewEndpoint()

	delivered := make(chan Message, 1)
	go func() {
		msg, err := e.Receive()
		require.NoError(t, err)
		delivered <- msg
	}()
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 1, e.PendingReceivers())

	var msg Message
	msg.Payload[0] = 0x42
	require.NoError(t, e.Call(msg))

	got := <-delivered
	require.Equal(t, byte(0x42), got.Payload[0])
	require.Equal(t, 0, e.PendingReceivers())
	require.Equal(t, 0, e.PendingSenders())
}

func TestEndpointRendezvousSenderFirst(t *testing.T) {
	e := NewEndpoint()

	var msg Message
	msg.Payload[0] = 0x7
	done := make(chan error, 1)
	go func() { done <- e.Call(msg) }()
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 1, e.PendingSenders())

	got, err := e.Receive()
	require.NoError(t, err)
	require.Equal(t, byte(0x7), got.Payload[0])
	require.NoError(t, <-done)
}

func TestEndpointNeverHasBothQueuesNonEmpty(t *testing.T) {
	e := NewEndpoint()
	done := make(chan error, 1)
	go func() { done <- e.Call(Message{}) }()
	time.Sleep(10 * time.Millisecond)

	senders, receivers := e.PendingSenders(), e.PendingReceivers()
	require.True(t, senders == 0 || receivers == 0)

	_, err := e.Receive()
	require.NoError(t, err)
	require.NoError(t, <-done)
}

func TestEndpointUnrefToZeroFailsPendingSenders(t *testing.T) {
	e := NewEndpoint()
	done := make(chan error, 1)
	go func() { done <- e.Call(Message{}) }()
	time.Sleep(10 * time.Millisecond)

	e.Unref()
	require.ErrorIs(t, <-done, kerr.ErrPeerDead)
}
