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

// Package kheap is the kernel heap (§4.4): slab-style caches for common
// kernel object sizes, backed by the frame allocator, used as the global
// allocator for every heap-dependent kernel structure (capability entries,
// VMAs, TCBs).
package kheap

import (
	"sync"

	"github.com/doublegate/veridianos/pkg/hostarch"
	"github.com/doublegate/veridianos/pkg/kerr"
	"github.com/doublegate/veridianos/pkg/sentry/pgalloc"
)

// bucketSizes are the power-of-two size classes §4.4 specifies (16B-4KiB).
var bucketSizes = []int{16, 32, 64, 128, 256, 512, 1024, 2048, 4096}

// Allocator is a slab allocator over a set of fixed-size object caches, one
// per bucket in bucketSizes, each carving objects out of frames obtained
// from a pgalloc.Allocator.
type Allocator struct {
	frames *pgalloc.Allocator
	node   int

	mu      sync.Mutex
	buckets map[int]*bucket
}

type bucket struct {
	objSize int
	free    [][]byte // each slice is one free object, backed by a slab's frame
	slabs   []pgalloc.Frame
}

// New constructs a kernel heap over frames, pulling from NUMA node node for
// every slab frame it needs.
func New(frames *pgalloc.Allocator, node int) *Allocator {
	a := &Allocator{frames: frames, node: node, buckets: make(map[int]*bucket, len(bucketSizes))}
	for _, sz := range bucketSizes {
		a.buckets[sz] = &bucket{objSize: sz}
	}
	return a
}

func bucketFor(size int) (int, error) {
	for _, sz := range bucketSizes {
		if size <= sz {
			return sz, nil
		}
	}
	return 0, kerr.ErrInvalidArgument
}

// Alloc returns a zeroed buffer of at least size bytes, carved from the
// matching size-class slab (§4.4). Target latency for the common case (a
// slab with a ready free object) is O(1): pop the free list.
func (a *Allocator) Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, kerr.ErrInvalidArgument
	}
	sz, err := bucketFor(size)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.buckets[sz]
	if len(b.free) == 0 {
		if err := a.growLocked(b); err != nil {
			return nil, err
		}
	}
	obj := b.free[len(b.free)-1]
	b.free = b.free[:len(b.free)-1]
	for i := range obj {
		obj[i] = 0
	}
	return obj[:size], nil
}

// growLocked carves one new frame into objSize-byte objects and appends
// them to the bucket's free list. Callers hold a.mu.
func (a *Allocator) growLocked(b *bucket) error {
	f, err := a.frames.AllocFrame(-1, pgalloc.ZoneHintAny, a.node)
	if err != nil {
		return err
	}
	b.slabs = append(b.slabs, f)
	backing := make([]byte, hostarch.PageSize)
	n := hostarch.PageSize / b.objSize
	for i := 0; i < n; i++ {
		b.free = append(b.free, backing[i*b.objSize:(i+1)*b.objSize:(i+1)*b.objSize])
	}
	return nil
}

// Free returns obj (a slice previously returned by Alloc, or a re-sliced
// prefix of one) to its size class's free list. Free is a no-op on a nil or
// empty slice.
func (a *Allocator) Free(obj []byte) {
	if len(obj) == 0 {
		return
	}
	sz, err := bucketFor(cap(obj))
	if err != nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.buckets[sz]
	b.free = append(b.free, obj[:cap(obj)])
}

// SlabCount reports how many frames back a given size class, for
// diagnostics and tests.
func (a *Allocator) SlabCount(size int) int {
	sz, err := bucketFor(size)
	if err != nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buckets[sz].slabs)
}
