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

// Package atomicbitops provides named atomic integer types, following the
// teacher's pkg/atomicbitops convention (github.com/maxnasonov/gvisor), so
// that struct fields document their atomicity at the type level rather than
// by comment.
package atomicbitops

import "sync/atomic"

// Int32 is an int32 that is always accessed atomically.
type Int32 struct {
	v atomic.Int32
}

// FromInt32 returns an Int32 initialized to v.
func FromInt32(v int32) Int32 {
	var i Int32
	i.v.Store(v)
	return i
}

// Load returns the current value.
func (i *Int32) Load() int32 { return i.v.Load() }

// Store sets the value.
func (i *Int32) Store(v int32) { i.v.Store(v) }

// Add adds delta and returns the new value.
func (i *Int32) Add(delta int32) int32 { return i.v.Add(delta) }

// CompareAndSwap does what it says.
func (i *Int32) CompareAndSwap(old, new int32) bool { return i.v.CompareAndSwap(old, new) }

// Uint64 is a uint64 that is always accessed atomically.
type Uint64 struct {
	v atomic.Uint64
}

// FromUint64 returns a Uint64 initialized to v.
func FromUint64(v uint64) Uint64 {
	var u Uint64
	u.v.Store(v)
	return u
}

// Load returns the current value.
func (u *Uint64) Load() uint64 { return u.v.Load() }

// Store sets the value.
func (u *Uint64) Store(v uint64) { u.v.Store(v) }

// Add adds delta and returns the new value.
func (u *Uint64) Add(delta uint64) uint64 { return u.v.Add(delta) }

// CompareAndSwap does what it says.
func (u *Uint64) CompareAndSwap(old, new uint64) bool { return u.v.CompareAndSwap(old, new) }

// Bool is a bool that is always accessed atomically.
type Bool struct {
	v atomic.Bool
}

// FromBool returns a Bool initialized to v.
func FromBool(v bool) Bool {
	var b Bool
	b.v.Store(v)
	return b
}

// Load returns the current value.
func (b *Bool) Load() bool { return b.v.Load() }

// Store sets the value.
func (b *Bool) Store(v bool) { b.v.Store(v) }

// CompareAndSwap does what it says.
func (b *Bool) CompareAndSwap(old, new bool) bool { return b.v.CompareAndSwap(old, new) }
