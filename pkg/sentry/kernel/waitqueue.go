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

import "sync"

// waitNode is one thread's link into a WaitQueue.
type waitNode struct {
	thread *Thread
	next   *waitNode
	ch     chan WakeReason
}

// WaitQueue is the FIFO wait queue the ksync primitives and the futex table
// are built from; ipc.Endpoint keeps its own sender/receiver queues (§3: "Wait
// Queue: FIFO of thread handles; always guarded by the owning object's
// lock"). WaitQueue itself adds its own lock so it is safe to share a single
// queue across callers that do not already hold a suitable mutex.
type WaitQueue struct {
	mu   sync.Mutex
	head *waitNode
	tail *waitNode
	n    int
}

// Len returns the number of threads currently parked on q.
func (q *WaitQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Enqueue parks t at the tail of q and transitions it to Blocked. It
// returns a channel that receives exactly once, with the WakeReason, when
// the thread is woken.
func (q *WaitQueue) Enqueue(t *Thread) (<-chan WakeReason, error) {
	if err := t.transition(Blocked, WakeNone); err != nil {
		return nil, err
	}
	node := &waitNode{thread: t, ch: make(chan WakeReason, 1)}
	q.mu.Lock()
	if q.tail == nil {
		q.head, q.tail = node, node
	} else {
		q.tail.next = node
		q.tail = node
	}
	q.n++
	q.mu.Unlock()
	t.mu.Lock()
	t.WaitLink = node
	t.mu.Unlock()
	return node.ch, nil
}

// WakeOne pops the head of q, transitions it to Ready, and delivers reason
// on its channel. It reports whether a thread was actually woken.
func (q *WaitQueue) WakeOne(reason WakeReason) bool {
	q.mu.Lock()
	node := q.head
	if node == nil {
		q.mu.Unlock()
		return false
	}
	q.head = node.next
	if q.head == nil {
		q.tail = nil
	}
	q.n--
	q.mu.Unlock()

	node.thread.mu.Lock()
	node.thread.WaitLink = nil
	node.thread.mu.Unlock()
	_ = node.thread.transition(Ready, reason)
	node.ch <- reason
	return true
}

// WakeAll wakes every waiter currently parked on q, in FIFO order, with
// reason.
func (q *WaitQueue) WakeAll(reason WakeReason) int {
	n := 0
	for q.WakeOne(reason) {
		n++
	}
	return n
}

// Remove removes t from q without waking it (used by timeout/interrupt
// paths that transition the thread themselves). It reports whether t was
// found.
func (q *WaitQueue) Remove(t *Thread) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	var prev *waitNode
	for n := q.head; n != nil; n = n.next {
		if n.thread == t {
			if prev == nil {
				q.head = n.next
			} else {
				prev.next = n.next
			}
			if n == q.tail {
				q.tail = prev
			}
			q.n--
			t.mu.Lock()
			t.WaitLink = nil
			t.mu.Unlock()
			return true
		}
		prev = n
	}
	return false
}
