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

package pgalloc

import "sort"

// Node is a NUMA node: an identifier, the zones local to it, and a distance
// table to every other node (§3).
type Node struct {
	ID       int
	Zones    []*Zone
	distance map[int]int
}

// NewNode constructs a node with the given zones and distance table. A node
// is always distance 0 from itself.
func NewNode(id int, zones []*Zone, distance map[int]int) *Node {
	d := make(map[int]int, len(distance)+1)
	for k, v := range distance {
		d[k] = v
	}
	d[id] = 0
	return &Node{ID: id, Zones: zones, distance: d}
}

// Distance returns the distance metric to another node, per §3 "NUMA Node:
// identifier plus the zones local to that node... falls back by ascending
// distance".
func (n *Node) Distance(other int) int {
	if other == n.ID {
		return 0
	}
	if d, ok := n.distance[other]; ok {
		return d
	}
	return 1 << 30 // unreachable/unknown: always sorts last
}

// searchOrder returns node IDs to probe for an allocation starting at
// preferred, in ascending-distance order, breaking ties by ID for
// determinism.
func searchOrder(nodes []*Node, preferred int) []int {
	type cand struct {
		id, dist int
	}
	var self *Node
	for _, n := range nodes {
		if n.ID == preferred {
			self = n
			break
		}
	}
	cands := make([]cand, 0, len(nodes))
	for _, n := range nodes {
		dist := 0
		if self != nil {
			dist = self.Distance(n.ID)
		} else if n.ID != preferred {
			dist = 1
		}
		cands = append(cands, cand{n.ID, dist})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].dist != cands[j].dist {
			return cands[i].dist < cands[j].dist
		}
		return cands[i].id < cands[j].id
	})
	order := make([]int, len(cands))
	for i, c := range cands {
		order[i] = c.id
	}
	return order
}
