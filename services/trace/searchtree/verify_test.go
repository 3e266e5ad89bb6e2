// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package searchtree

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/csptrace/services/trace/rawtrace"
	rt "github.com/AleutianAI/csptrace/services/trace/rawtrace/rawtracetest"
	"github.com/AleutianAI/csptrace/services/trace/traceerr"
)

// chainedTrace has a three-deep failing branch whose innermost decision
// jumps two levels, over A, back to the root.
//
//	0 root
//	1   A  fail, no jump height, passed over by B
//	2     B  fail, jump height 2
//	3       C  fail ac3, default jump height 1
//	4   D  solved
func chainedTrace() *rawtrace.Node {
	return rt.Trace(true,
		rt.Step(true, 0,
			rt.Assign(false, "recursive", "A",
				rt.AC3(true, rt.Prune(0, 4, map[int]int{0: 1})),
				rt.Step(false, 0,
					rt.Assign(false, "recursive", "B",
						rt.AC3(true, rt.Prune(1, 4, map[int]int{1: 2})),
						rt.Step(false, 2,
							rt.Assign(false, "ac3", "C", rt.AC3(false, rt.Undo())),
						),
					),
				),
			),
			rt.Assign(true, "recursive", "D", rt.Solved()),
		),
	)
}

// TestVerify_TwoLevel verifies a one-level jump lands on the root.
func TestVerify_TwoLevel(t *testing.T) {
	tree := verified(t, rt.Trace(true,
		rt.Step(true, 0,
			rt.Assign(false, "ac3", "A"),
			rt.Assign(true, "recursive", "B", rt.Solved()),
		),
	))

	assert.Equal(t, StateVerified, tree.State())
	target, ok := tree.JumpTarget(1)
	require.True(t, ok)
	assert.Equal(t, RootID, target)

	_, ok = tree.JumpTarget(2)
	assert.False(t, ok)
	require.NoError(t, tree.RequireVerified("test"))
}

// TestVerify_Chained verifies a chain of jumps and the claimed
// intermediate.
func TestVerify_Chained(t *testing.T) {
	tree := verified(t, chainedTrace())

	target, ok := tree.JumpTarget(3)
	require.True(t, ok)
	assert.Equal(t, NodeID(2), target)

	target, ok = tree.JumpTarget(2)
	require.True(t, ok)
	assert.Equal(t, RootID, target)

	_, ok = tree.JumpTarget(1)
	assert.False(t, ok, "A is an intermediate, not a jump source")
}

// TestVerify_Balanced verifies every dead end in a complete tree jumps to
// its parent.
func TestVerify_Balanced(t *testing.T) {
	tree := verified(t, rt.Balanced(3, 4))

	tree.Walk(func(id NodeID, n *Node) bool {
		target, ok := tree.JumpTarget(id)
		if n.Success {
			assert.False(t, ok, "node %s", tree.Path(id))
			return true
		}
		require.True(t, ok, "node %s", tree.Path(id))
		assert.Equal(t, n.Parent, target)
		return true
	})
}

// TestVerify_Violations verifies inconsistent backjump metadata is fatal.
func TestVerify_Violations(t *testing.T) {
	tests := []struct {
		name  string
		trace *rawtrace.Node
		want  string
	}{
		{
			name: "success with jump height",
			trace: rt.Trace(true,
				rt.Step(true, 0,
					rt.Assign(true, "recursive", "A",
						rt.Step(true, 1, rt.Assign(true, "recursive", "B", rt.Solved())),
					),
				),
			),
			want: "successful decision has jump_height",
		},
		{
			name: "unclaimed failing decision",
			trace: rt.Trace(true,
				rt.Step(true, 0,
					rt.Assign(false, "recursive", "A",
						rt.Step(false, 0, rt.Assign(false, "ac3", "B")),
					),
				),
			),
			want: "no backjump passes over it",
		},
		{
			name: "jump above root",
			trace: rt.Trace(true,
				rt.Step(true, 0,
					rt.Assign(false, "recursive", "A",
						rt.Step(false, 2, rt.Assign(false, "ac3", "B")),
					),
				),
			),
			want: "passes above the root",
		},
		{
			name: "intermediate with own jump height",
			trace: rt.Trace(true,
				rt.Step(true, 0,
					rt.Assign(false, "recursive", "A",
						rt.Step(false, 1,
							rt.Assign(false, "recursive", "B",
								rt.Step(false, 2, rt.Assign(false, "ac3", "C")),
							),
						),
					),
				),
			),
			want: "which has its own jump_height",
		},
		{
			name: "intermediate claimed twice",
			trace: rt.Trace(true,
				rt.Step(true, 0,
					rt.Assign(false, "recursive", "A",
						rt.Step(false, 0,
							rt.Assign(false, "recursive", "B1",
								rt.Step(false, 2, rt.Assign(false, "ac3", "x")),
							),
							rt.Assign(false, "recursive", "B2",
								rt.Step(false, 2, rt.Assign(false, "ac3", "y")),
							),
						),
					),
				),
			),
			want: "already passed over",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree := build(t, tt.trace)
			require.NoError(t, tree.SizeSubtrees())

			err := Verify(context.Background(), tree)
			require.Error(t, err)
			assert.True(t, errors.Is(err, traceerr.ErrConsistencyViolation), "got %v", err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Contains(t, err.Error(), "search:")
			assert.Equal(t, StateSized, tree.State())
		})
	}
}

// TestVerify_Preconditions verifies Verify only runs on sized trees.
func TestVerify_Preconditions(t *testing.T) {
	ctx := context.Background()

	err := Verify(ctx, nil)
	assert.True(t, errors.Is(err, traceerr.ErrMetricPrecondition))

	tree := build(t, chainedTrace())
	err = Verify(ctx, tree)
	assert.True(t, errors.Is(err, traceerr.ErrMetricPrecondition))

	require.NoError(t, tree.SizeSubtrees())
	require.NoError(t, Verify(ctx, tree))
	assert.Equal(t, StateVerified, tree.State())
}

// TestVerify_Idempotent verifies a second Verify accepts a verified tree
// and leaves the backjump relation untouched.
func TestVerify_Idempotent(t *testing.T) {
	ctx := context.Background()

	for name, root := range map[string]*rawtrace.Node{
		"balanced": rt.Balanced(3, 4),
		"chained":  chainedTrace(),
	} {
		t.Run(name, func(t *testing.T) {
			tree := verified(t, root)
			before := append([]NodeID(nil), tree.jumpTarget...)

			require.NoError(t, Verify(ctx, tree))
			require.NoError(t, Verify(ctx, tree))
			assert.Equal(t, StateVerified, tree.State())
			assert.Equal(t, before, tree.jumpTarget)
		})
	}
}

// TestVerify_ReverifyDetectsTampering verifies a verified tree whose jump
// heights changed afterwards fails re-verification without being rewritten.
func TestVerify_ReverifyDetectsTampering(t *testing.T) {
	tree := verified(t, chainedTrace())
	before := append([]NodeID(nil), tree.jumpTarget...)

	tree.nodes[3].JumpHeight = 2

	err := Verify(context.Background(), tree)
	require.Error(t, err)
	assert.True(t, errors.Is(err, traceerr.ErrConsistencyViolation))
	assert.Equal(t, before, tree.jumpTarget)
}
