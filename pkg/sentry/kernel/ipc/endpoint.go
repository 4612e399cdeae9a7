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
	"sync"
	"sync/atomic"

	"github.com/doublegate/veridianos/pkg/kerr"
)

// pendingSend is one sender parked on an Endpoint's sender queue, carrying
// the message it wants delivered and the channel its outcome arrives on.
type pendingSend struct {
	msg    Message
	result chan error
}

// pendingReceive is one receiver parked on an Endpoint's receiver queue,
// carrying the channel the delivered message arrives on.
type pendingReceive struct {
	delivered chan Message
}

// Endpoint is the synchronous IPC object of §3/§4.8. Both queues are
// guarded by a single mutex so the rendezvous invariant ("at most one of
// the two queues is non-empty") is enforced by construction: every
// operation that would append to one queue first checks the other is
// empty.
type Endpoint struct {
	mu        sync.Mutex
	senders   []*pendingSend
	receivers []*pendingReceive
	refs      int32
	dead      bool
}

// NewEndpoint constructs an endpoint with one reference.
func NewEndpoint() *Endpoint { return &Endpoint{refs: 1} }

// Ref increments the endpoint's reference count (§3 "reference count").
func (e *Endpoint) Ref() { atomic.AddInt32(&e.refs, 1) }

// Unref decrements the reference count, marking the endpoint dead once it
// reaches zero.
func (e *Endpoint) Unref() {
	if atomic.AddInt32(&e.refs, -1) == 0 {
		e.mu.Lock()
		e.dead = true
		for _, s := range e.senders {
			s.result <- kerr.ErrPeerDead
		}
		e.senders = nil
		e.receivers = nil
		e.mu.Unlock()
	}
}

// Call is the synchronous fast path's send half (§4.8 "ipc_call"): if a
// receiver is already parked, the message transfers directly and Call
// returns as soon as it is handed over; otherwise Call blocks until a
// receiver takes the message (or the endpoint dies). It does
// not itself wait for a reply value, matching the spec's ipc_call/
// ipc_receive pairing where the "reply" is a second, independent message
// sent back through a reply capability by convention of the caller.
func (e *Endpoint) Call(msg Message) error {
	e.mu.Lock()
	if e.dead {
		e.mu.Unlock()
		return kerr.ErrPeerDead
	}
	if len(e.receivers) > 0 {
		r := e.receivers[0]
		e.receivers = e.receivers[1:]
		e.mu.Unlock()
		r.delivered <- msg
		return nil
	}
	send := &pendingSend{msg: msg, result: make(chan error, 1)}
	e.senders = append(e.senders, send)
	e.mu.Unlock()
	return <-send.result
}

// Receive is the synchronous fast path's receive half (§4.8
// "ipc_receive"): if a sender is already parked, its message is taken
// immediately (direct hand-off); otherwise the caller blocks until one
// arrives.
func (e *Endpoint) Receive() (Message, error) {
	e.mu.Lock()
	if e.dead {
		e.mu.Unlock()
		return Message{}, kerr.ErrPeerDead
	}
	if len(e.senders) > 0 {
		s := e.senders[0]
		e.senders = e.senders[1:]
		e.mu.Unlock()
		s.result <- nil
		return s.msg, nil
	}
	recv := &pendingReceive{delivered: make(chan Message, 1)}
	e.receivers = append(e.receivers, recv)
	e.mu.Unlock()
	msg := <-recv.delivered
	return msg, nil
}

// PendingSenders and PendingReceivers report queue depth, used by tests
// and diagnostics to check the rendezvous invariant holds.
func (e *Endpoint) PendingSenders() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.senders)
}

func (e *Endpoint) PendingReceivers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.receivers)
}
