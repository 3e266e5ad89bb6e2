// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rawtracetest builds synthetic solver traces for tests.
//
// The helpers mirror the span shapes the solver's tracer emits, so a test
// can describe a search in a few lines:
//
//	trace := rawtracetest.Trace(true,
//	    rawtracetest.Step(true, 0,
//	        rawtracetest.Assign(false, "ac3", "A"),
//	        rawtracetest.Assign(true, "recursive", "B", rawtracetest.Solved()),
//	    ),
//	)
//
// All helpers panic on marshal failure, which only happens on programmer
// error.
package rawtracetest

import (
	"encoding/json"
	"strconv"

	"github.com/AleutianAI/csptrace/services/trace/rawtrace"
)

// Result marshals v into a raw result object.
func Result(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// Span creates a span with an arbitrary tag and result.
func Span(tag rawtrace.Tag, name string, result any, children ...*rawtrace.Node) *rawtrace.Node {
	n := &rawtrace.Node{Type: tag, Name: name, DurationUS: 10, Children: children}
	if result != nil {
		n.Result = Result(result)
	}
	return n
}

// Trace wraps search spans in a CSP root with a default Initialize span.
func Trace(trackAC3 bool, search ...*rawtrace.Node) *rawtrace.Node {
	return Root(trackAC3, Initialize(DefaultInit()), Solve(search...))
}

// Root creates the CSP root span.
func Root(trackAC3 bool, init, solve *rawtrace.Node) *rawtrace.Node {
	return Span(rawtrace.TagCSP, "", map[string]any{"track_ac3": trackAC3}, init, solve)
}

// DefaultInit returns metadata for a three-variable, two-constraint CSP.
func DefaultInit() rawtrace.InitializeResult {
	return rawtrace.InitializeResult{
		VarLens:     map[string]int{"0": 3, "1": 4, "2": 5},
		ConstrLens:  map[string]int{"0": 4, "1": 4},
		DomainSizes: map[string]int{"0": 10, "1": 20, "2": 30},
		ConstrDependentVars: map[string][]int{
			"0": {0, 1},
			"1": {1, 2},
		},
	}
}

// Initialize creates the Initialize span.
func Initialize(res rawtrace.InitializeResult) *rawtrace.Node {
	n := Span(rawtrace.TagInitialize, "", res)
	n.DurationUS = 250000
	return n
}

// Solve creates the Solve span.
func Solve(children ...*rawtrace.Node) *rawtrace.Node {
	n := Span(rawtrace.TagSolve, "", nil, children...)
	n.DurationUS = 1500000
	return n
}

// Assign creates a Try Assign span.
func Assign(success bool, reason, word string, children ...*rawtrace.Node) *rawtrace.Node {
	return Span(rawtrace.TagTryAssign, "", map[string]any{
		"success": success,
		"reason":  reason,
		"word":    word,
	}, children...)
}

// Step creates a Backtracking Search Step. A jumpHeight of 0 omits the
// field.
func Step(success bool, jumpHeight int, children ...*rawtrace.Node) *rawtrace.Node {
	res := map[string]any{"success": success}
	if jumpHeight != 0 {
		res["jump_height"] = jumpHeight
	}
	return Span(rawtrace.TagSearchStep, rawtrace.StrategyBacktracking, res, children...)
}

// StepVar is Step with a decision variable.
func StepVar(success bool, jumpHeight, variable int, children ...*rawtrace.Node) *rawtrace.Node {
	n := Step(success, jumpHeight, children...)
	res := map[string]any{"success": success, "variable": map[string]any{"id": variable}}
	if jumpHeight != 0 {
		res["jump_height"] = jumpHeight
	}
	n.Result = Result(res)
	return n
}

// Solved creates a successful Search Step reporting a solution.
func Solved() *rawtrace.Node {
	return Span(rawtrace.TagSearchStep, rawtrace.StrategyBacktracking, map[string]any{
		"success": true,
		"reason":  "solved",
	})
}

// Strategy creates a Search Step with an arbitrary strategy name.
func Strategy(name string, success bool) *rawtrace.Node {
	return Span(rawtrace.TagSearchStep, name, map[string]any{"success": success})
}

// AC3 creates an AC3 span around prune and undo spans.
func AC3(success bool, children ...*rawtrace.Node) *rawtrace.Node {
	return Span(rawtrace.TagAC3, "", map[string]any{"success": success}, children...)
}

// Prune creates an AC3 Prune span for constraint with per-variable pruned
// pair counts.
func Prune(constraint, constrLen int, varsPruned map[int]int) *rawtrace.Node {
	vars := make(map[string]int, len(varsPruned))
	for v, n := range varsPruned {
		vars[strconv.Itoa(v)] = n
	}
	return Span(rawtrace.TagAC3Prune, strconv.Itoa(constraint), map[string]any{
		"vars_pruned": vars,
		"constr_len":  constrLen,
	})
}

// Undo creates an Undo AC3 span.
func Undo() *rawtrace.Node {
	return Span(rawtrace.TagUndoAC3, "", nil)
}

// Marshal encodes a trace as JSON.
func Marshal(root *rawtrace.Node) []byte {
	data, err := json.Marshal(root)
	if err != nil {
		panic(err)
	}
	return data
}
