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

// Package pgalloc is the frame allocator (§4.2): it owns all physical RAM
// not reserved by firmware and hands out/reclaims 4 KiB frames and
// contiguous frame runs.
//
// Lock order: Allocator.mu (node/zone topology, rarely taken) -> Zone.mu
// (per-zone bitmap+buddy state). PerCPUCache has no lock of its own; every
// access to any CPU's cache goes through the single Allocator.percpuMu, so
// the caches are not lockless.
package pgalloc
