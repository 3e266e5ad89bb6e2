// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package metrics

import (
	"github.com/AleutianAI/csptrace/services/trace/searchtree"
	"github.com/AleutianAI/csptrace/services/trace/traceerr"
)

// DeadEnd is one maximal failing subtree: a failing node whose parent
// succeeded, together with everything beneath it.
type DeadEnd struct {
	// Root is the failing node at the top of the subtree.
	Root searchtree.NodeID `json:"-" yaml:"-"`

	// Path is Root rendered as a search path.
	Path string `json:"path" yaml:"path"`

	// Depth of Root.
	Depth int `json:"depth" yaml:"depth"`

	// Size is Root's failed subtree size.
	Size int `json:"size" yaml:"size"`

	// ConstraintsChecked sums AC-3 constraint checks over the subtree.
	ConstraintsChecked int `json:"constraints_checked" yaml:"constraints_checked"`

	// PairsPruned sums AC-3 pruned pairs over the subtree.
	PairsPruned int `json:"pairs_pruned" yaml:"pairs_pruned"`

	// HasDuplicate is true if any node in the subtree failed as a
	// duplicate.
	HasDuplicate bool `json:"has_duplicate" yaml:"has_duplicate"`
}

// DeadEnds returns every maximal failing subtree in pre-order.
//
// Description:
//
//	A subtree is entered once, at its topmost failing node, and never
//	descended into again. Since every failing node has exactly one such
//	topmost ancestor, the subtrees partition the failing nodes and their
//	sizes sum to the tree's failing count.
//
// Outputs:
//
//	[]DeadEnd - One entry per maximal failing subtree.
//	error     - MetricPrecondition if the tree is not verified.
func DeadEnds(t *searchtree.Tree) ([]DeadEnd, error) {
	if err := t.RequireVerified("DeadEnds"); err != nil {
		return nil, err
	}

	var out []DeadEnd
	var stack []searchtree.NodeID
	t.Walk(func(id searchtree.NodeID, n *searchtree.Node) bool {
		if n.Success {
			return true
		}

		de := DeadEnd{
			Root:  id,
			Path:  t.Path(id),
			Depth: n.Depth,
			Size:  n.FailedSubtreeSize,
		}
		stack = append(stack[:0], id)
		for len(stack) > 0 {
			cur := t.Node(stack[len(stack)-1])
			stack = stack[:len(stack)-1]
			de.ConstraintsChecked += cur.ConstraintsChecked
			de.PairsPruned += cur.PairsPruned
			if cur.Reason == searchtree.ReasonDuplicate {
				de.HasDuplicate = true
			}
			stack = append(stack, cur.Children...)
		}
		out = append(out, de)
		return false
	})

	total := 0
	for _, de := range out {
		total += de.Size
	}
	if total != t.FailingCount() {
		return nil, traceerr.Consistency("search:", "dead-end sizes sum to %d, tree has %d failing nodes", total, t.FailingCount())
	}
	return out, nil
}

// DESS returns the dead-end subtree sizes.
func DESS(deadEnds []DeadEnd) []int {
	out := make([]int, len(deadEnds))
	for i, de := range deadEnds {
		out[i] = de.Size
	}
	return out
}

// CCDE returns the constraints checked per dead end.
func CCDE(deadEnds []DeadEnd) []int {
	out := make([]int, len(deadEnds))
	for i, de := range deadEnds {
		out[i] = de.ConstraintsChecked
	}
	return out
}

// PPDE returns the pairs pruned per dead end.
func PPDE(deadEnds []DeadEnd) []int {
	out := make([]int, len(deadEnds))
	for i, de := range deadEnds {
		out[i] = de.PairsPruned
	}
	return out
}

// Metric names used in Flag.
const (
	MetricCCDE = "ccde"
	MetricPPDE = "ppde"
)

// Flag marks a dead end whose AC-3 work sums to zero although none of its
// decisions was a duplicate. Such a subtree did search work the tracer
// never recorded, so it needs manual inspection.
type Flag struct {
	Metric string `json:"metric" yaml:"metric"`
	Path   string `json:"path" yaml:"path"`
	Size   int    `json:"size" yaml:"size"`
}

// FlagZeroWork returns a Flag for each zero CCDE or PPDE sum on a dead end
// without a duplicate.
//
// When the trace did not record AC-3 spans every sum is zero by absence,
// so nothing is flagged.
func FlagZeroWork(deadEnds []DeadEnd, trackAC3 bool) []Flag {
	if !trackAC3 {
		return nil
	}
	var flags []Flag
	for _, de := range deadEnds {
		if de.HasDuplicate {
			continue
		}
		if de.ConstraintsChecked == 0 {
			flags = append(flags, Flag{Metric: MetricCCDE, Path: de.Path, Size: de.Size})
		}
		if de.PairsPruned == 0 {
			flags = append(flags, Flag{Metric: MetricPPDE, Path: de.Path, Size: de.Size})
		}
	}
	return flags
}
