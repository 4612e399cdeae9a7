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

	"github.com/stretchr/testify/require"

	"github.com/doublegate/veridianos/pkg/kerr"
)

func TestChannelFIFOOrder(t *testing.T) {
	c := NewChannel(4, 0)
	for i := 0; i < 3; i++ {
		var m Message
		m.Payload[0] = byte(i)
		require.NoError(t, c.Send(m, NonBlock))
	}
	for i := 0; i < 3; i++ {
		m, err := c.Receive(NonBlock)
		require.NoError(t, err)
		require.Equal(t, byte(i), m.Payload[0])
	}
}

func TestChannelNonBlockWouldBlockWhenFull(t *testing.T) {
	c := NewChannel(2, 0)
	require.NoError(t, c.Send(Message{}, NonBlock))
	require.NoError(t, c.Send(Message{}, NonBlock))
	require.ErrorIs(t, c.Send(Message{}, NonBlock), kerr.ErrWouldBlock)
}

func TestChannelNonBlockWouldBlockWhenEmpty(t *testing.T) {
	c := NewChannel(2, 0)
	_, err := c.Receive(NonBlock)
	require.ErrorIs(t, err, kerr.ErrWouldBlock)
}

func TestChannelReceiveBatch(t *testing.T) {
	c := NewChannel(8, 0)
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Send(Message{}, NonBlock))
	}
	batch, err := c.ReceiveBatch(3, NonBlock)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	require.Equal(t, 2, c.Len())
}

func TestChannelRateLimitRejectsBurstExceeded(t *testing.T) {
	c := NewChannel(10, 1) // 1 token/sec, burst = capacity(10)
	for i := 0; i < 10; i++ {
		require.NoError(t, c.Send(Message{}, NonBlock))
	}
	require.ErrorIs(t, c.Send(Message{}, NonBlock), kerr.ErrWouldBlock)
}
