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

	"github.com/doublegate/veridianos/pkg/sentry/cap"
)

func TestDeliverCapsMoveTransfersOwnership(t *testing.T) {
	sender := cap.NewSpace()
	receiver := cap.NewSpace()

	tok, err := sender.CreateCapability(cap.ObjectRef{Kind: cap.ObjectEndpoint, ID: 1}, cap.Read|cap.Write|cap.Grant)
	require.NoError(t, err)

	msg := Message{Caps: []CapTransfer{{Token: tok, Move: true}}}
	require.NoError(t, DeliverCaps(sender, receiver, msg))

	require.Error(t, sender.Validate(tok, cap.Read), "moved capability must be gone from the sender")
}

func TestDeliverCapsCopyLeavesSenderIntact(t *testing.T) {
	sender := cap.NewSpace()
	receiver := cap.NewSpace()

	tok, err := sender.CreateCapability(cap.ObjectRef{Kind: cap.ObjectEndpoint, ID: 1}, cap.Read|cap.Grant)
	require.NoError(t, err)

	msg := Message{Caps: []CapTransfer{{Token: tok, Move: false}}}
	require.NoError(t, DeliverCaps(sender, receiver, msg))

	require.NoError(t, sender.Validate(tok, cap.Read))
}

func TestDeliverCapsPartialFailureRollsBackReceiver(t *testing.T) {
	sender := cap.NewSpace()
	receiver := cap.NewSpace()

	good, err := sender.CreateCapability(cap.ObjectRef{Kind: cap.ObjectEndpoint, ID: 1}, cap.Read|cap.Grant)
	require.NoError(t, err)
	bad, err := sender.CreateCapability(cap.ObjectRef{Kind: cap.ObjectEndpoint, ID: 2}, cap.Read|cap.Grant)
	require.NoError(t, err)
	require.NoError(t, sender.Revoke(bad)) // now invalid, simulating a poisoned reference

	msg := Message{Caps: []CapTransfer{{Token: good, Move: false}, {Token: bad, Move: false}}}
	err = DeliverCaps(sender, receiver, msg)
	require.Error(t, err)
	require.Equal(t, 0, receiver.LiveCount(), "the earlier successful install must be rolled back on later failure")
}
