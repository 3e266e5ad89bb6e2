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
	"encoding/json"
	"fmt"
)

// Result structs use pointer fields so that a missing field can be told
// apart from its zero value. Required-field checks happen in the consumer,
// which knows the trace position and can report it.

// RootResult is the result of the CSP root span.
type RootResult struct {
	TrackAC3 *bool `json:"track_ac3"`
}

// InitializeResult is the result of the Initialize span.
//
// Map keys are decimal variable or constraint ids.
type InitializeResult struct {
	VarLens             map[string]int   `json:"var_lens"`
	ConstrLens          map[string]int   `json:"constr_lens"`
	DomainSizes         map[string]int   `json:"domain_sizes,omitempty"`
	ConstrDependentVars map[string][]int `json:"constr_dependent_vars"`
}

// TryAssignResult is the result of a Try Assign span.
type TryAssignResult struct {
	Success *bool   `json:"success"`
	Reason  *string `json:"reason"`
	Word    *string `json:"word"`
}

// SearchStepResult is the result of a Search Step span.
type SearchStepResult struct {
	Success    *bool        `json:"success"`
	Reason     *string      `json:"reason,omitempty"`
	JumpHeight *int         `json:"jump_height,omitempty"`
	Variable   *VariableRef `json:"variable,omitempty"`
}

// VariableRef names the CSP variable a Search Step assigns.
type VariableRef struct {
	ID *int `json:"id"`
}

// AC3Result is the result of an AC3 span.
type AC3Result struct {
	Success *bool `json:"success"`
}

// AC3PruneResult is the result of an AC3 Prune span.
//
// VarsPruned maps a decimal variable id to the number of value pairs
// removed from that variable's domain. Variables with nothing pruned may
// be absent.
type AC3PruneResult struct {
	VarsPruned map[string]int `json:"vars_pruned"`
	ConstrLen  *int           `json:"constr_len,omitempty"`
}

// PairsPruned returns the total pruned-pair count across variables.
func (r *AC3PruneResult) PairsPruned() int {
	total := 0
	for _, n := range r.VarsPruned {
		total += n
	}
	return total
}

// DecodeResult decodes the node's result into v.
//
// Description:
//
//	Returns ErrNoResult when the span has no result or a null result so
//	callers can report a missing-field violation with their own context.
//
// Inputs:
//
//	v - Pointer to one of the result structs in this file.
//
// Outputs:
//
//	error - ErrNoResult, or a wrapped JSON error.
func (n *Node) DecodeResult(v any) error {
	if !n.HasResult() {
		return ErrNoResult
	}
	if err := json.Unmarshal(n.Result, v); err != nil {
		return fmt.Errorf("decode %s result: %w", n.Type, err)
	}
	return nil
}
