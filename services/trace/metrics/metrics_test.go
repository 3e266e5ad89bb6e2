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
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/csptrace/services/trace/rawtrace"
	rt "github.com/AleutianAI/csptrace/services/trace/rawtrace/rawtracetest"
	"github.com/AleutianAI/csptrace/services/trace/searchtree"
	"github.com/AleutianAI/csptrace/services/trace/traceerr"
)

func verifiedTree(t *testing.T, root *rawtrace.Node) *searchtree.Tree {
	t.Helper()
	ctx := context.Background()
	tree, err := searchtree.Build(ctx, root, searchtree.BuildOptions{})
	require.NoError(t, err)
	require.NoError(t, tree.SizeSubtrees())
	require.NoError(t, searchtree.Verify(ctx, tree))
	return tree
}

func twoLevelTrace() *rawtrace.Node {
	return rt.Trace(true,
		rt.Step(true, 0,
			rt.Assign(false, "ac3", "A", rt.AC3(false, rt.Prune(0, 4, map[int]int{0: 2}), rt.Undo())),
			rt.Assign(true, "recursive", "B", rt.Solved()),
		),
	)
}

// TestExtract_TwoLevel verifies histograms and dead ends on the smallest
// interesting search.
func TestExtract_TwoLevel(t *testing.T) {
	tree := verifiedTree(t, twoLevelTrace())

	s, err := Extract(context.Background(), tree, DefaultEBFOptions())
	require.NoError(t, err)

	assert.Equal(t, map[ReasonKey]int{
		{Success: false, Reason: searchtree.ReasonAC3Fail}: 1,
		{Success: true, Reason: searchtree.ReasonSolved}:   1,
	}, s.Reasons)
	assert.Equal(t, []int{1}, s.DESS)
	assert.Equal(t, []int{2}, s.CCDE)
	assert.Equal(t, []int{2}, s.PPDE)
	assert.Empty(t, s.Flagged)
	assert.Equal(t, map[int]int{1: 1}, s.JumpHeights)
	assert.Equal(t, Backjumps{Count: 1, MaxHeight: 1}, s.Backjumps)
	assert.Equal(t, 3, s.Nodes)
	assert.Equal(t, 1, s.Failing)
	assert.Equal(t, 1, s.Solutions)
	assert.Equal(t, "search:0", s.DeadEnds[0].Path)
}

// TestExtract_Balanced verifies both branching estimates recover the true
// branching factor of a complete tree.
func TestExtract_Balanced(t *testing.T) {
	tree := verifiedTree(t, rt.Balanced(3, 4))

	s, err := Extract(context.Background(), tree, DefaultEBFOptions())
	require.NoError(t, err)

	assert.Equal(t, []int{1, 3, 9, 27, 81}, s.Depths.WithLeaves)
	assert.Equal(t, []int{1, 3, 9, 27, 0}, s.Depths.WithoutLeaves)
	assert.Equal(t, []int{1, 4, 13, 40, 121}, s.Depths.CumWithLeaves)
	assert.Equal(t, []int{1, 4, 13, 40, 40}, s.Depths.CumWithoutLeaves)

	require.Len(t, s.Branching, 4)
	last := s.Branching[3]
	assert.Equal(t, 4, last.Depth)
	assert.InDelta(t, 3.0, last.EBF, 1e-3)
	require.NotNil(t, last.ABF)
	assert.InDelta(t, 3.0, *last.ABF, 1e-3)

	sum := 0
	for _, n := range s.DESS {
		sum += n
	}
	assert.Equal(t, s.Failing, sum)
	// Two failing siblings at each of the four levels of the solution path.
	assert.Len(t, s.DESS, 8)
	assert.Empty(t, s.Flagged)
}

// TestDeadEnds_Exclusive verifies nested failures are counted once, by
// their topmost failing ancestor.
func TestDeadEnds_Exclusive(t *testing.T) {
	tree := verifiedTree(t, rt.Trace(true,
		rt.Step(true, 0,
			rt.Assign(false, "recursive", "A",
				rt.AC3(true, rt.Prune(0, 4, map[int]int{0: 1})),
				rt.Step(false, 1,
					rt.Assign(false, "ac3", "B", rt.AC3(false, rt.Prune(1, 4, map[int]int{1: 2}))),
					rt.Assign(false, "duplicate", "C"),
				),
			),
			rt.Assign(true, "recursive", "D", rt.Solved()),
		),
	))

	deadEnds, err := DeadEnds(tree)
	require.NoError(t, err)
	require.Len(t, deadEnds, 1)

	de := deadEnds[0]
	assert.Equal(t, 3, de.Size)
	assert.Equal(t, 2, de.ConstraintsChecked)
	assert.Equal(t, 3, de.PairsPruned)
	assert.True(t, de.HasDuplicate)
	assert.Equal(t, 1, de.Depth)
}

// TestFlagZeroWork verifies zero-work dead ends are flagged unless they
// contain a duplicate or AC-3 was not tracked.
func TestFlagZeroWork(t *testing.T) {
	search := rt.Step(true, 0,
		rt.Assign(false, "ac3", "A"),
		rt.Assign(false, "duplicate", "B"),
		rt.Assign(false, "ac3", "C", rt.AC3(false, rt.Undo())),
		rt.Assign(true, "recursive", "D", rt.Solved()),
	)

	tracked := verifiedTree(t, rt.Trace(true, search))
	s, err := Extract(context.Background(), tracked, DefaultEBFOptions())
	require.NoError(t, err)

	assert.Equal(t, []Flag{
		{Metric: MetricCCDE, Path: "search:0", Size: 1},
		{Metric: MetricPPDE, Path: "search:0", Size: 1},
		{Metric: MetricPPDE, Path: "search:2", Size: 1},
	}, s.Flagged)

	untracked := verifiedTree(t, rt.Trace(false, search))
	s, err = Extract(context.Background(), untracked, DefaultEBFOptions())
	require.NoError(t, err)
	assert.Empty(t, s.Flagged)
	assert.Equal(t, []int{0, 0, 1}, s.CCDE)
}

// TestExtractors_RequireVerified verifies every extractor refuses an
// unverified tree.
func TestExtractors_RequireVerified(t *testing.T) {
	tree, err := searchtree.Build(context.Background(), twoLevelTrace(), searchtree.BuildOptions{})
	require.NoError(t, err)
	require.NoError(t, tree.SizeSubtrees())

	calls := map[string]func() error{
		"ReasonHistogram":     func() error { _, err := ReasonHistogram(tree); return err },
		"JumpHeightHistogram": func() error { _, err := JumpHeightHistogram(tree); return err },
		"BackjumpSummary":     func() error { _, err := BackjumpSummary(tree); return err },
		"DeadEnds":            func() error { _, err := DeadEnds(tree); return err },
		"Depths":              func() error { _, err := Depths(tree); return err },
		"Extract":             func() error { _, err := Extract(context.Background(), tree, DefaultEBFOptions()); return err },
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			err := call()
			require.Error(t, err)
			assert.True(t, errors.Is(err, traceerr.ErrMetricPrecondition))
		})
	}
}

func TestEBF(t *testing.T) {
	opts := DefaultEBFOptions()

	tests := []struct {
		name string
		n    float64
		d    int
		want float64
	}{
		{"binary depth 3", 15, 3, 2},
		{"ternary depth 4", 121, 4, 3},
		{"path shaped", 4, 3, 1},
		{"smaller than path", 2, 3, 1},
		{"depth one", 7, 1, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EBF(tt.n, tt.d, opts)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-6)
		})
	}

	_, err := EBF(10, 0, opts)
	assert.True(t, errors.Is(err, traceerr.ErrMetricPrecondition))

	_, err = EBF(10, 2, EBFOptions{})
	assert.True(t, errors.Is(err, traceerr.ErrMetricPrecondition))

	// Deep, wide trees must not overflow.
	got, err := EBF(1e300, 400, opts)
	require.NoError(t, err)
	assert.Greater(t, got, 1.0)
}

func TestABF(t *testing.T) {
	dist := DepthDistribution{
		WithLeaves:       []int{1, 2},
		WithoutLeaves:    []int{1, 0},
		CumWithLeaves:    []int{1, 3},
		CumWithoutLeaves: []int{1, 1},
	}

	got, ok := ABF(dist, 1)
	require.True(t, ok)
	assert.InDelta(t, 2.0, got, 1e-12)

	got, ok = ABF(dist, 0)
	require.True(t, ok)
	assert.Equal(t, 0.0, got)

	_, ok = ABF(dist, 2)
	assert.False(t, ok)

	empty := DepthDistribution{WithLeaves: []int{1}, WithoutLeaves: []int{0}, CumWithLeaves: []int{1}, CumWithoutLeaves: []int{0}}
	_, ok = ABF(empty, 0)
	assert.False(t, ok)
}

func TestReasonKey_JSON(t *testing.T) {
	hist := map[ReasonKey]int{
		{Success: false, Reason: searchtree.ReasonDuplicate}: 4,
		{Success: true, Reason: searchtree.ReasonRecursive}:  2,
	}
	data, err := json.Marshal(hist)
	require.NoError(t, err)
	assert.JSONEq(t, `{"false/duplicate": 4, "true/recursive": 2}`, string(data))

	var decoded map[ReasonKey]int
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, hist, decoded)

	var k ReasonKey
	assert.Error(t, k.UnmarshalText([]byte("ac3")))
	assert.Error(t, k.UnmarshalText([]byte("maybe/ac3")))
	assert.Error(t, k.UnmarshalText([]byte("true/timeout")))
}
