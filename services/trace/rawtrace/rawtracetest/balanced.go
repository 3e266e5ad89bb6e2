// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rawtracetest

import (
	"fmt"

	"github.com/AleutianAI/csptrace/services/trace/rawtrace"
)

// Balanced builds a trace whose search tree is complete with uniform
// branching factor b and the given depth.
//
// Description:
//
//	The first child at every level lies on the single solution path. Every
//	other node fails: inner nodes with reason "recursive" and a one-level
//	backjump, leaves with reason "ac3". Each non-root node runs one AC3
//	pass, so every dead end carries non-zero work.
//
// Inputs:
//
//	b     - Branching factor, at least 1.
//	depth - Depth of the leaves, at least 1.
//
// Outputs:
//
//	*rawtrace.Node - Trace root.
func Balanced(b, depth int) *rawtrace.Node {
	children := make([]*rawtrace.Node, b)
	for i := range children {
		children[i] = balancedNode(b, 1, depth, i == 0, fmt.Sprintf("w%d", i))
	}
	return Trace(true, StepVar(true, 0, 0, children...))
}

// BalancedSize returns the number of search nodes in Balanced(b, depth),
// counting the root.
func BalancedSize(b, depth int) int {
	total, level := 0, 1
	for d := 0; d <= depth; d++ {
		total += level
		level *= b
	}
	return total
}

func balancedNode(b, k, depth int, onPath bool, word string) *rawtrace.Node {
	if k == depth {
		if onPath {
			return Assign(true, "recursive", word, AC3(true, Prune(0, 4, map[int]int{0: 1})), Solved())
		}
		return Assign(false, "ac3", word, AC3(false, Prune(0, 4, map[int]int{0: 1, 1: 2}), Undo()))
	}

	children := make([]*rawtrace.Node, b)
	for i := range children {
		children[i] = balancedNode(b, k+1, depth, onPath && i == 0, fmt.Sprintf("%s.%d", word, i))
	}
	ac3 := AC3(true, Prune(1, 4, map[int]int{1: 1}))
	if onPath {
		return Assign(true, "recursive", word, ac3, StepVar(true, 0, k, children...))
	}
	return Assign(false, "recursive", word, ac3, StepVar(false, 1, k, children...))
}
