// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rawtrace decodes the nested span trace emitted by the CSP solver's
// tracer.
//
// A trace is a tree of spans. Each span has a type tag, an optional name,
// a duration in microseconds, a tag-dependent result object, and ordered
// children:
//
//	{"type": "CSP", "name": "", "duration_us": 1200,
//	 "result": {"track_ac3": true},
//	 "children": [{"type": "Initialize", ...}, {"type": "Solve", ...}]}
//
// Results are kept as raw JSON on the Node and decoded on demand into the
// typed result structs in results.go, because each consumer reads a
// different subset of tags.
//
// Nodes are immutable once decoded. Nothing in this module writes them.
package rawtrace

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/AleutianAI/csptrace/services/trace/traceerr"
)

// =============================================================================
// Tags
// =============================================================================

// Tag is the span type emitted by the tracer.
type Tag string

const (
	// TagCSP is the root span of a solver run.
	TagCSP Tag = "CSP"

	// TagTotal is the legacy name of the root span.
	TagTotal Tag = "Total"

	// TagInitialize covers CSP construction. Its result carries static
	// metadata about variables and constraints.
	TagInitialize Tag = "Initialize"

	// TagSolve covers the whole search.
	TagSolve Tag = "Solve"

	// TagSearchStep is an attempt to assign some value to one variable. Its
	// Try Assign children are sibling decisions under a common parent.
	TagSearchStep Tag = "Search Step"

	// TagTryAssign is an attempt to assign one specific value. It is one
	// node of the logical search tree.
	TagTryAssign Tag = "Try Assign"

	// TagAC3 is one run of arc consistency.
	TagAC3 Tag = "AC3"

	// TagAC3Prune is one constraint revision inside an AC3 run.
	TagAC3Prune Tag = "AC3 Prune"

	// TagUndoAC3 is the rollback of an AC3 run's pruning.
	TagUndoAC3 Tag = "Undo AC3"
)

// IsRoot reports whether t names a trace root.
func (t Tag) IsRoot() bool {
	return t == TagCSP || t == TagTotal
}

// StrategyBacktracking is the only Search Step strategy the analyzer
// understands.
const StrategyBacktracking = "Backtracking"

// =============================================================================
// Node
// =============================================================================

// Node is one decoded trace span.
type Node struct {
	// Type is the span tag.
	Type Tag `json:"type"`

	// Name is tag-dependent: the strategy for Search Step, the constraint
	// id for AC3 Prune, empty otherwise.
	Name string `json:"name,omitempty"`

	// DurationUS is the span's wall time in microseconds.
	DurationUS int64 `json:"duration_us"`

	// Result is the tag-dependent result object, undecoded.
	Result json.RawMessage `json:"result,omitempty"`

	// Children are nested spans in emission order.
	Children []*Node `json:"children,omitempty"`
}

// HasResult reports whether the span carries a non-null result.
func (n *Node) HasResult() bool {
	trimmed := bytes.TrimSpace(n.Result)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// Child returns the i-th child or nil when out of range.
func (n *Node) Child(i int) *Node {
	if i < 0 || i >= len(n.Children) {
		return nil
	}
	return n.Children[i]
}

// CountNodes returns the number of spans in the subtree rooted at n.
func (n *Node) CountNodes() int {
	count := 0
	Walk(n, func(*Node, int) bool {
		count++
		return true
	})
	return count
}

// Walk visits n and its descendants in pre-order.
//
// fn receives each node and its depth below n. Returning false skips that
// node's children.
func Walk(n *Node, fn func(node *Node, depth int) bool) {
	if n == nil {
		return
	}
	walk(n, 0, fn)
}

func walk(n *Node, depth int, fn func(*Node, int) bool) {
	if !fn(n, depth) {
		return
	}
	for _, c := range n.Children {
		if c != nil {
			walk(c, depth+1, fn)
		}
	}
}

// Validate rejects a trace holding a null span anywhere below root.
//
// Outputs:
//
//	error - KindStructural naming the parent path and the null child's
//	        index, nil for a nil root or a trace without null spans.
func Validate(root *Node) error {
	if root == nil {
		return nil
	}
	return validate(root, Path{{Tag: root.Type}})
}

func validate(n *Node, path Path) error {
	for i, c := range n.Children {
		if c == nil {
			return traceerr.Structural(path.String(), "null span at child %d", i)
		}
		if err := validate(c, path.Push(c.Type, i)); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Paths
// =============================================================================

// Path is a location in the raw trace, built as the trace is walked and
// only rendered when an error needs it.
type Path []PathSegment

// PathSegment is one step of a Path.
type PathSegment struct {
	Tag   Tag
	Index int
}

// Push returns p extended by one segment. The receiver is not modified.
func (p Path) Push(tag Tag, index int) Path {
	next := make(Path, len(p), len(p)+1)
	copy(next, p)
	return append(next, PathSegment{Tag: tag, Index: index})
}

// String renders the path as "CSP/Solve[1]/Search Step[0]".
func (p Path) String() string {
	var b strings.Builder
	for i, seg := range p {
		if i > 0 {
			b.WriteByte('/')
		}
		b.WriteString(string(seg.Tag))
		if i > 0 {
			b.WriteByte('[')
			b.WriteString(strconv.Itoa(seg.Index))
			b.WriteByte(']')
		}
	}
	return b.String()
}
