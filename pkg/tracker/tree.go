// Copyright 2024 The Fil Profiler Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracker

import (
	"github.com/ra2003/filprofiler/pkg/frame"
)

// TreeNode is one node of the attribution tree: one distinct call-path
// prefix. CurrentBytes counts every live allocation whose path passes
// through this node, so a node answers "how much memory is this call site
// responsible for, including everything it calls". PeakBytes never goes
// down within a session.
type TreeNode struct {
	Frame        frame.Frame
	CurrentBytes uint64
	PeakBytes    uint64

	children map[frame.Frame]*TreeNode
	// Children are rendered in first-insertion order so repeated dumps of
	// the same program are comparable.
	order []frame.Frame
}

func newTreeNode(f frame.Frame) *TreeNode {
	return &TreeNode{Frame: f}
}

func (n *TreeNode) child(f frame.Frame) *TreeNode {
	if c, ok := n.children[f]; ok {
		return c
	}
	c := newTreeNode(f)
	if n.children == nil {
		n.children = make(map[frame.Frame]*TreeNode)
	}
	n.children[f] = c
	n.order = append(n.order, f)
	return c
}

// Children returns the node's children in first-insertion order.
func (n *TreeNode) Children() []*TreeNode {
	out := make([]*TreeNode, 0, len(n.order))
	for _, f := range n.order {
		out = append(out, n.children[f])
	}
	return out
}

// add walks the path from this node, creating nodes as needed, and adds
// size to CurrentBytes of every node on the path, raising peaks along the
// way. The path's first frame must be this node's own frame.
func (n *TreeNode) add(path []frame.Frame, size uint64) {
	node := n
	node.CurrentBytes += size
	if node.CurrentBytes > node.PeakBytes {
		node.PeakBytes = node.CurrentBytes
	}
	for _, f := range path[1:] {
		node = node.child(f)
		node.CurrentBytes += size
		if node.CurrentBytes > node.PeakBytes {
			node.PeakBytes = node.CurrentBytes
		}
	}
}

// remove walks the path and subtracts size from every node on it. Peaks
// are left alone. Counters saturate at zero in case a free is observed
// for bytes recorded before the path existed.
func (n *TreeNode) remove(path []frame.Frame, size uint64) {
	node := n
	node.CurrentBytes = saturatingSub(node.CurrentBytes, size)
	for _, f := range path[1:] {
		c, ok := node.children[f]
		if !ok {
			return
		}
		node = c
		node.CurrentBytes = saturatingSub(node.CurrentBytes, size)
	}
}

// Lookup returns the node at the given path, or nil. The path includes
// the root frame.
func (n *TreeNode) Lookup(path []frame.Frame) *TreeNode {
	if len(path) == 0 || path[0] != n.Frame {
		return nil
	}
	node := n
	for _, f := range path[1:] {
		c, ok := node.children[f]
		if !ok {
			return nil
		}
		node = c
	}
	return node
}

// CloneCounts returns a deep copy of the tree's structure and byte
// counters. Frame strings are copied out of interned storage, so the
// frozen view stays valid after the session's arena is released.
func (n *TreeNode) CloneCounts() *TreeNode {
	out := &TreeNode{
		Frame:        n.Frame.Clone(),
		CurrentBytes: n.CurrentBytes,
		PeakBytes:    n.PeakBytes,
	}
	if len(n.order) > 0 {
		out.children = make(map[frame.Frame]*TreeNode, len(n.order))
		out.order = make([]frame.Frame, 0, len(n.order))
		for _, f := range n.order {
			c := n.children[f].CloneCounts()
			out.children[c.Frame] = c
			out.order = append(out.order, c.Frame)
		}
	}
	return out
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
