// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package searchtree reconstructs the logical search tree of a
// backtracking CSP solver from its raw trace and verifies its backjump
// metadata.
//
// # Lifecycle
//
// A Tree moves through three states, each reached by one full pass:
//
//	Build        raw trace  -> StateBuilt     (one node per Try Assign)
//	SizeSubtrees StateBuilt -> StateSized     (failed_subtree_size)
//	Verify       StateSized -> StateVerified  (backjump relation)
//
// Metric extractors refuse trees that are not StateVerified. Nothing
// mutates a tree after verification.
//
// # Storage
//
// Nodes live in a single arena slice indexed by NodeID. Children are owned
// ID lists, the parent link is a plain index used only for upward walks.
// Nodes are appended in pre-order, so every node's ID is greater than its
// parent's. Bottom-up passes iterate IDs in descending order instead of
// recursing.
package searchtree

import (
	"strconv"
	"strings"

	"github.com/AleutianAI/csptrace/services/trace/traceerr"
)

// NodeID indexes a node in its Tree's arena.
type NodeID int32

const (
	// NoNode is the parent of the root.
	NoNode NodeID = -1

	// RootID is the virtual root, the top of the Solve span.
	RootID NodeID = 0
)

// Node is one variable-assignment decision.
//
// Fields are exported for read access. Callers outside this package must
// treat them as read-only.
type Node struct {
	// Success is the Try Assign outcome. The virtual root always succeeds.
	Success bool

	// Reason is the Try Assign reason, upgraded to ReasonSolved when a
	// nested Search Step reports a solution.
	Reason Reason

	// Word is the assigned value. Empty when the trace omits it.
	Word string

	// Parent is NoNode for the root.
	Parent NodeID

	// Children are owned, in trace order.
	Children []NodeID

	// Depth is 0 for the root.
	Depth int

	// FailedSubtreeSize counts failing nodes in this subtree, this node
	// included. Valid from StateSized on.
	FailedSubtreeSize int

	// ConstraintsChecked and PairsPruned are this node's own AC-3 work,
	// excluding descendants.
	ConstraintsChecked int
	PairsPruned        int

	// JumpHeight is the number of ancestor levels unwound once
	// backtracking completes at this node. 0 means unset.
	JumpHeight int

	// VarOfChildren is the CSP variable this node's children assign.
	// Valid only when HasVarOfChildren is true.
	VarOfChildren    int
	HasVarOfChildren bool

	countersSet bool
}

// HasJumpHeight reports whether JumpHeight is set.
func (n *Node) HasJumpHeight() bool {
	return n.JumpHeight > 0
}

// IsLeaf reports whether the node has no children.
func (n *Node) IsLeaf() bool {
	return len(n.Children) == 0
}

// State is a Tree's position in its lifecycle.
type State uint8

const (
	// StateBuilt means the Builder finished.
	StateBuilt State = iota + 1

	// StateSized means failed subtree sizes are valid.
	StateSized

	// StateVerified means the backjump relation is valid.
	StateVerified
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateBuilt:
		return "built"
	case StateSized:
		return "sized"
	case StateVerified:
		return "verified"
	default:
		return "unknown"
	}
}

// Tree is an arena-backed search tree.
//
// Thread Safety: Not safe for concurrent mutation. Safe for concurrent
// reads once verified.
type Tree struct {
	nodes    []Node
	state    State
	trackAC3 bool

	// jumpTarget[i] is the ancestor node i's backjump lands on, or NoNode.
	jumpTarget []NodeID

	failing   int
	solutions int
}

func newTree(trackAC3 bool, capacity int) *Tree {
	t := &Tree{
		nodes:    make([]Node, 0, capacity),
		trackAC3: trackAC3,
	}
	t.nodes = append(t.nodes, Node{
		Success: true,
		Reason:  ReasonRecursive,
		Parent:  NoNode,
	})
	return t
}

// addChild appends a node under parent and returns its ID.
func (t *Tree) addChild(parent NodeID, n Node) NodeID {
	id := NodeID(len(t.nodes))
	n.Parent = parent
	n.Depth = t.nodes[parent].Depth + 1
	t.nodes = append(t.nodes, n)
	t.nodes[parent].Children = append(t.nodes[parent].Children, id)
	return id
}

// =============================================================================
// Accessors
// =============================================================================

// Len returns the number of nodes, root included.
func (t *Tree) Len() int { return len(t.nodes) }

// Node returns the node with the given ID. The pointer aliases the arena.
func (t *Tree) Node(id NodeID) *Node { return &t.nodes[id] }

// Root returns the virtual root.
func (t *Tree) Root() *Node { return &t.nodes[RootID] }

// State returns the lifecycle state.
func (t *Tree) State() State { return t.state }

// TrackAC3 reports whether the trace recorded AC-3 spans. When false, all
// AC-3 counters are zero by absence, not by measurement.
func (t *Tree) TrackAC3() bool { return t.trackAC3 }

// FailingCount returns the number of failing nodes. Valid from StateSized.
func (t *Tree) FailingCount() int { return t.failing }

// SolutionCount returns the number of childless ReasonSolved nodes.
// Valid from StateSized.
func (t *Tree) SolutionCount() int { return t.solutions }

// Ancestor walks h parents up from id.
//
// Outputs:
//
//	NodeID - The h-th ancestor.
//	bool   - False if the walk passes above the root.
func (t *Tree) Ancestor(id NodeID, h int) (NodeID, bool) {
	cur := id
	for i := 0; i < h; i++ {
		cur = t.nodes[cur].Parent
		if cur == NoNode {
			return NoNode, false
		}
	}
	return cur, true
}

// JumpTarget returns the node that id's backjump lands on.
//
// Outputs:
//
//	NodeID - The ancestor reached by walking up JumpHeight levels.
//	bool   - False if id has no jump height or the tree is not verified.
func (t *Tree) JumpTarget(id NodeID) (NodeID, bool) {
	if t.state != StateVerified || t.jumpTarget == nil {
		return NoNode, false
	}
	target := t.jumpTarget[id]
	return target, target != NoNode
}

// Path renders id as "search:" followed by child indices from the root,
// for example "search:0/2/1". The root renders as "search:".
func (t *Tree) Path(id NodeID) string {
	var idx []int
	for cur := id; cur != RootID && cur != NoNode; cur = t.nodes[cur].Parent {
		parent := t.nodes[cur].Parent
		for i, c := range t.nodes[parent].Children {
			if c == cur {
				idx = append(idx, i)
				break
			}
		}
	}
	var b strings.Builder
	b.WriteString("search:")
	for i := len(idx) - 1; i >= 0; i-- {
		b.WriteString(strconv.Itoa(idx[i]))
		if i > 0 {
			b.WriteByte('/')
		}
	}
	return b.String()
}

// Walk visits nodes in pre-order. Returning false skips a node's subtree.
func (t *Tree) Walk(fn func(id NodeID, n *Node) bool) {
	t.walk(RootID, fn)
}

func (t *Tree) walk(id NodeID, fn func(NodeID, *Node) bool) {
	if !fn(id, &t.nodes[id]) {
		return
	}
	for _, c := range t.nodes[id].Children {
		t.walk(c, fn)
	}
}

// RequireVerified returns a MetricPrecondition error unless the tree is
// verified. op names the caller for the message.
func (t *Tree) RequireVerified(op string) error {
	if t == nil {
		return traceerr.MetricPrecondition(op, "nil tree")
	}
	if t.state != StateVerified {
		return traceerr.MetricPrecondition(op, "tree is %s, want %s", t.state, StateVerified)
	}
	return nil
}

// =============================================================================
// Subtree Sizing
// =============================================================================

// SizeSubtrees computes FailedSubtreeSize for every node.
//
// Description:
//
//	failed_subtree_size(n) = (1 if n failed) + sum over children. Runs in
//	one pass over IDs in descending order, which visits every child before
//	its parent. Also counts failing nodes and solutions.
//
// Outputs:
//
//	error - MetricPrecondition if the tree is not in StateBuilt.
func (t *Tree) SizeSubtrees() error {
	if t.state != StateBuilt {
		return traceerr.MetricPrecondition("SizeSubtrees", "tree is %s, want %s", t.state, StateBuilt)
	}

	for i := range t.nodes {
		t.nodes[i].FailedSubtreeSize = 0
	}
	t.failing, t.solutions = 0, 0

	for id := len(t.nodes) - 1; id >= 0; id-- {
		n := &t.nodes[id]
		if !n.Success {
			n.FailedSubtreeSize++
			t.failing++
		}
		if n.Reason == ReasonSolved && n.IsLeaf() {
			t.solutions++
		}
		if n.Parent != NoNode {
			t.nodes[n.Parent].FailedSubtreeSize += n.FailedSubtreeSize
		}
	}

	t.state = StateSized
	return nil
}
