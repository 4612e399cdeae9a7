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

// Package cap is the capability system (§4.5): a two-level per-process
// table mapping 64-bit tokens to capability entries, with rights,
// cascading revocation, and fork/exec cloning policies.
package cap

import "strings"

// Rights is a bitmask of the flags in §3/§4.5. It fits the token's 12-bit
// rights field.
type Rights uint16

const (
	Read Rights = 1 << iota
	Write
	Execute
	Grant
	Derive
	Manage
	Send    // IPC-specific
	Receive // IPC-specific
	Map     // memory-specific
	Unmap   // memory-specific
)

const RightsMask Rights = (1 << 12) - 1

// Subset reports whether r is a subset of other, the check §4.5's derive
// enforces ("restricted_rights ⊆ parent_rights") and §8's capability
// monotonicity property requires transitively.
func (r Rights) Subset(other Rights) bool { return r&^other == 0 }

// Difference returns r with the bits in remove cleared, supporting
// delegation of a strict subset (§4.5).
func (r Rights) Difference(remove Rights) Rights { return r &^ remove }

// Has reports whether r contains every bit of required.
func (r Rights) Has(required Rights) bool { return required.Subset(r) }

var rightNames = []struct {
	bit  Rights
	name string
}{
	{Read, "READ"}, {Write, "WRITE"}, {Execute, "EXECUTE"}, {Grant, "GRANT"},
	{Derive, "DERIVE"}, {Manage, "MANAGE"}, {Send, "SEND"}, {Receive, "RECEIVE"},
	{Map, "MAP"}, {Unmap, "UNMAP"},
}

// String implements fmt.Stringer, used by diagnostic logging around
// revocation and derivation.
func (r Rights) String() string {
	var names []string
	for _, rn := range rightNames {
		if r&rn.bit != 0 {
			names = append(names, rn.name)
		}
	}
	if len(names) == 0 {
		return "NONE"
	}
	return strings.Join(names, "|")
}
