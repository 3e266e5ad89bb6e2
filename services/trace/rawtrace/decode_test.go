// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rawtrace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/csptrace/services/trace/traceerr"
)

const sampleTrace = `{
  "type": "CSP", "name": "", "duration_us": 1750000,
  "result": {"track_ac3": true},
  "children": [
    {"type": "Initialize", "name": "", "duration_us": 250000,
     "result": {"var_lens": {"0": 3, "1": 4}, "constr_lens": {"0": 4},
                "constr_dependent_vars": {"0": [0, 1]}},
     "children": []},
    {"type": "Solve", "name": "", "duration_us": 1500000, "result": null,
     "children": [
       {"type": "Search Step", "name": "Backtracking", "duration_us": 900,
        "result": {"success": true, "variable": {"id": 0}},
        "children": [
          {"type": "Try Assign", "name": "", "duration_us": 400,
           "result": {"success": false, "reason": "ac3", "word": "cat"},
           "children": [
             {"type": "AC3", "name": "", "duration_us": 300,
              "result": {"success": false},
              "children": [
                {"type": "AC3 Prune", "name": "0", "duration_us": 100,
                 "result": {"vars_pruned": {"0": 2, "1": 5}, "constr_len": 4},
                 "children": []},
                {"type": "Undo AC3", "name": "", "duration_us": 5, "result": null, "children": []}
              ]}
           ]}
        ]}
     ]}
  ]
}`

// TestDecode_SampleTrace verifies a realistic trace decodes with all fields.
func TestDecode_SampleTrace(t *testing.T) {
	root, err := Decode(strings.NewReader(sampleTrace))
	require.NoError(t, err)

	assert.Equal(t, TagCSP, root.Type)
	assert.Equal(t, int64(1750000), root.DurationUS)
	assert.Equal(t, 8, root.CountNodes())

	init, solve, err := Sections(root)
	require.NoError(t, err)
	assert.Equal(t, TagInitialize, init.Type)
	assert.False(t, solve.HasResult(), "null result counts as absent")

	step := solve.Child(0)
	require.NotNil(t, step)
	assert.Equal(t, StrategyBacktracking, step.Name)

	var sr SearchStepResult
	require.NoError(t, step.DecodeResult(&sr))
	require.NotNil(t, sr.Success)
	assert.True(t, *sr.Success)
	assert.Nil(t, sr.JumpHeight)
	require.NotNil(t, sr.Variable)
	assert.Equal(t, 0, *sr.Variable.ID)

	prune := step.Child(0).Child(0).Child(0)
	var pr AC3PruneResult
	require.NoError(t, prune.DecodeResult(&pr))
	assert.Equal(t, 7, pr.PairsPruned())
	assert.Equal(t, 4, *pr.ConstrLen)

	var none AC3Result
	assert.ErrorIs(t, step.Child(0).Child(0).Child(1).DecodeResult(&none), ErrNoResult)
}

// TestDecode_Errors verifies malformed input is rejected.
func TestDecode_Errors(t *testing.T) {
	_, err := Decode(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrEmptyTrace)

	_, err = Decode(strings.NewReader(`{"type":"CSP"} {"type":"CSP"}`))
	assert.ErrorIs(t, err, ErrTrailingData)

	_, err = Decode(strings.NewReader(`{"type":"CSP","children":[`))
	assert.Error(t, err)

	_, err = DecodeBytes([]byte(`{"type": 5}`))
	assert.Error(t, err)
}

// TestDecode_NullSpan verifies a null entry in a children array is a
// structural violation naming its parent.
func TestDecode_NullSpan(t *testing.T) {
	_, err := DecodeBytes([]byte(`{"type":"CSP","result":{"track_ac3":true},"children":[
		{"type":"Initialize","result":{}},
		{"type":"Solve","children":[null]}]}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, traceerr.ErrStructuralViolation)
	assert.Contains(t, err.Error(), "CSP/Solve[1]")
	assert.Contains(t, err.Error(), "null span at child 0")

	root := &Node{Type: TagCSP, Children: []*Node{{Type: TagInitialize}, {Type: TagSolve, Children: []*Node{nil}}}}
	_, _, err = Sections(root)
	assert.ErrorIs(t, err, traceerr.ErrStructuralViolation)
	assert.NotPanics(t, func() { assert.Equal(t, 3, root.CountNodes()) })
	assert.NoError(t, Validate(nil))
}

// TestReadFile verifies decoding from disk.
func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleTrace), 0o644))

	root, err := ReadFile(path)
	require.NoError(t, err)
	track, err := TrackAC3(root)
	require.NoError(t, err)
	assert.True(t, track)

	init, err := Initialize(root)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"0": 3, "1": 4}, init.VarLens)
	assert.Equal(t, []int{0, 1}, init.ConstrDependentVars["0"])

	_, err = ReadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

// TestSections_ShapeViolations verifies each required root position.
func TestSections_ShapeViolations(t *testing.T) {
	tests := []struct {
		name string
		root *Node
		path string
	}{
		{
			name: "wrong root tag",
			root: &Node{Type: TagSolve},
			path: "Solve",
		},
		{
			name: "too few children",
			root: &Node{Type: TagTotal, Children: []*Node{{Type: TagInitialize}}},
			path: "Total",
		},
		{
			name: "initialize missing",
			root: &Node{Type: TagCSP, Children: []*Node{{Type: TagSolve}, {Type: TagSolve}}},
			path: "CSP/Solve[0]",
		},
		{
			name: "solve missing",
			root: &Node{Type: TagCSP, Children: []*Node{{Type: TagInitialize}, {Type: TagAC3}}},
			path: "CSP/AC3[1]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Sections(tt.root)
			require.ErrorIs(t, err, traceerr.ErrStructuralViolation)
			var te *traceerr.Error
			require.ErrorAs(t, err, &te)
			assert.Equal(t, tt.path, te.Path)
		})
	}
}

// TestTrackAC3_Missing verifies the flag is required.
func TestTrackAC3_Missing(t *testing.T) {
	_, err := TrackAC3(&Node{Type: TagCSP, Result: []byte(`{}`)})
	assert.ErrorIs(t, err, traceerr.ErrStructuralViolation)

	_, err = TrackAC3(&Node{Type: TagCSP})
	assert.ErrorIs(t, err, traceerr.ErrStructuralViolation)
	assert.ErrorIs(t, err, ErrNoResult)
}

// TestPath_String verifies rendering and that Push does not alias.
func TestPath_String(t *testing.T) {
	base := Path{{Tag: TagCSP}}.Push(TagSolve, 1)
	a := base.Push(TagSearchStep, 0)
	b := base.Push(TagTryAssign, 3)

	assert.Equal(t, "CSP/Solve[1]/Search Step[0]", a.String())
	assert.Equal(t, "CSP/Solve[1]/Try Assign[3]", b.String())
	assert.Equal(t, "", Path(nil).String())
}

// TestWalk_SkipChildren verifies returning false prunes the walk.
func TestWalk_SkipChildren(t *testing.T) {
	root, err := DecodeBytes([]byte(sampleTrace))
	require.NoError(t, err)

	var tags []Tag
	Walk(root, func(n *Node, depth int) bool {
		tags = append(tags, n.Type)
		return n.Type != TagSolve
	})
	assert.Equal(t, []Tag{TagCSP, TagInitialize, TagSolve}, tags)
}
