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

	"golang.org/x/time/rate"

	"github.com/doublegate/veridianos/pkg/kerr"
)

// Mode selects what a denied operation does: block until room/data is
// available, or return WouldBlock immediately (§4.8 "if full, either
// blocks or returns WouldBlock per mode").
type Mode int

const (
	Block Mode = iota
	NonBlock
)

// Channel is the asynchronous bounded IPC object of §3/§4.8: a ring
// buffer of message slots plus a token-bucket rate limiter for
// backpressure.
type Channel struct {
	mu       sync.Mutex
	buf      []Message
	head     int
	tail     int
	count    int
	notEmpty chan struct{}
	notFull  chan struct{}

	limiter *rate.Limiter
}

// NewChannel constructs a channel with the given ring capacity and a rate
// limit of tokensPerSec sends/sec (burst equal to capacity). A zero or
// negative tokensPerSec disables the limiter (unlimited).
func NewChannel(capacity int, tokensPerSec float64) *Channel {
	c := &Channel{
		buf:      make([]Message, capacity),
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
	}
	if tokensPerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(tokensPerSec), capacity)
	}
	return c
}

// Send enqueues msg. Under Block mode it waits for room (ring space and,
// if a limiter is configured, an available token); under NonBlock it
// returns ErrWouldBlock immediately if either is unavailable.
func (c *Channel) Send(msg Message, mode Mode) error {
	for {
		if c.limiter != nil && !c.limiter.Allow() {
			if mode == NonBlock {
				return kerr.ErrWouldBlock
			}
			continue
		}
		c.mu.Lock()
		if c.count < len(c.buf) {
			c.buf[c.tail] = msg
			c.tail = (c.tail + 1) % len(c.buf)
			c.count++
			c.mu.Unlock()
			c.signal(c.notEmpty)
			return nil
		}
		c.mu.Unlock()
		if mode == NonBlock {
			return kerr.ErrWouldBlock
		}
		<-c.notFull
	}
}

// Receive dequeues the oldest message in FIFO order (§4.8 "Receiver
// dequeues in FIFO order"). Under NonBlock it returns ErrWouldBlock if the
// ring is empty.
func (c *Channel) Receive(mode Mode) (Message, error) {
	for {
		c.mu.Lock()
		if c.count > 0 {
			msg := c.buf[c.head]
			c.head = (c.head + 1) % len(c.buf)
			c.count--
			c.mu.Unlock()
			c.signal(c.notFull)
			return msg, nil
		}
		c.mu.Unlock()
		if mode == NonBlock {
			return Message{}, kerr.ErrWouldBlock
		}
		<-c.notEmpty
	}
}

// ReceiveBatch dequeues up to max messages at once (§4.8 "Channels
// optionally support batched receive").
func (c *Channel) ReceiveBatch(max int, mode Mode) ([]Message, error) {
	first, err := c.Receive(mode)
	if err != nil {
		return nil, err
	}
	out := []Message{first}
	for len(out) < max {
		msg, err := c.Receive(NonBlock)
		if err != nil {
			break
		}
		out = append(out, msg)
	}
	return out, nil
}

func (c *Channel) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Len returns the number of messages currently queued.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}
