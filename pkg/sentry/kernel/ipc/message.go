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

// Package ipc is the inter-process communication layer of §4.8:
// synchronous endpoints with a fast rendezvous path, asynchronous bounded
// channels with rate-limited backpressure, and zero-copy shared memory
// regions. Capability-passing moves or copies tokens into the receiver's
// space atomically with message delivery.
package ipc

import "github.com/doublegate/veridianos/pkg/sentry/cap"

// RegisterPayloadSize is the fixed register-resident payload size of
// §4.8's synchronous fast path ("up to a fixed register-resident payload,
// e.g. 64 bytes").
const RegisterPayloadSize = 64

// CapTransfer describes one capability accompanying a Message and whether
// it should be moved (removed from the sender) or copied (left intact)
// into the receiver's space.
type CapTransfer struct {
	Token cap.Token
	Move  bool
}

// Message is one IPC transfer: a fixed-size register payload plus an
// optional list of capabilities to install in the receiver (§3 "Channel:
// ... associated with capabilities controlling send/receive", §4.8
// "Capability passing").
type Message struct {
	Payload [RegisterPayloadSize]byte
	Caps    []CapTransfer

	SenderPID uint64
}
