// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cspinfo summarizes the static problem metadata recorded in a
// trace's Initialize span and the coarse runtime split between setup and
// search.
package cspinfo

import (
	"slices"

	"gonum.org/v1/gonum/stat"

	"github.com/AleutianAI/csptrace/services/trace/rawtrace"
	"github.com/AleutianAI/csptrace/services/trace/traceerr"
)

// Stats summarizes a set of integer values.
type Stats struct {
	Count  int     `json:"count" yaml:"count"`
	Min    int     `json:"min" yaml:"min"`
	Max    int     `json:"max" yaml:"max"`
	Mean   float64 `json:"mean" yaml:"mean"`
	Median float64 `json:"median" yaml:"median"`
}

// Summarize computes Stats over values. An empty input yields zero Stats.
// An even count takes the median as the mean of the two middle values.
func Summarize(values []int) Stats {
	if len(values) == 0 {
		return Stats{}
	}
	sorted := make([]float64, len(values))
	for i, v := range values {
		sorted[i] = float64(v)
	}
	slices.Sort(sorted)

	n := len(sorted)
	median := stat.Quantile(0.5, stat.Empirical, sorted, nil)
	if n%2 == 0 {
		median = (median + sorted[n/2]) / 2
	}
	return Stats{
		Count:  n,
		Min:    int(sorted[0]),
		Max:    int(sorted[n-1]),
		Mean:   stat.Mean(sorted, nil),
		Median: median,
	}
}

// Runtime splits wall time between initialization and search, in seconds.
type Runtime struct {
	Init   float64 `json:"init_s" yaml:"init_s"`
	Search float64 `json:"search_s" yaml:"search_s"`
	Total  float64 `json:"total_s" yaml:"total_s"`
}

// Info is the CSP metadata section of a report.
type Info struct {
	Variables Stats `json:"variables" yaml:"variables"`

	// ConstraintLengths maps a constraint length to how many constraints
	// have it.
	ConstraintLengths map[int]int `json:"constraint_lengths" yaml:"constraint_lengths"`

	// Domains is nil when the trace has no domain_sizes.
	Domains *Stats `json:"domains,omitempty" yaml:"domains,omitempty"`

	// MaxDependentVars is the largest number of variables one constraint
	// touches.
	MaxDependentVars int `json:"max_dependent_vars" yaml:"max_dependent_vars"`

	Runtime Runtime `json:"runtime" yaml:"runtime"`
}

// Analyze reads the Initialize metadata and section durations of a trace.
//
// Outputs:
//
//	*Info - The summary.
//	error - KindStructural if the root shape is wrong or var_lens or
//	        constr_lens is missing.
func Analyze(root *rawtrace.Node) (*Info, error) {
	init, solve, err := rawtrace.Sections(root)
	if err != nil {
		return nil, err
	}
	res, err := rawtrace.Initialize(root)
	if err != nil {
		return nil, err
	}
	path := rawtrace.Path{{Tag: root.Type}}.Push(rawtrace.TagInitialize, 0).String()
	if res.VarLens == nil {
		return nil, traceerr.Structural(path, "initialize result missing %q", "var_lens")
	}
	if res.ConstrLens == nil {
		return nil, traceerr.Structural(path, "initialize result missing %q", "constr_lens")
	}

	info := &Info{
		Variables:         Summarize(mapValues(res.VarLens)),
		ConstraintLengths: make(map[int]int),
	}
	for _, n := range res.ConstrLens {
		info.ConstraintLengths[n]++
	}
	if res.DomainSizes != nil {
		domains := Summarize(mapValues(res.DomainSizes))
		info.Domains = &domains
	}
	for _, vars := range res.ConstrDependentVars {
		info.MaxDependentVars = max(info.MaxDependentVars, len(vars))
	}

	info.Runtime.Init = float64(init.DurationUS) * 1e-6
	info.Runtime.Search = float64(solve.DurationUS) * 1e-6
	info.Runtime.Total = info.Runtime.Init + info.Runtime.Search
	return info, nil
}

func mapValues(m map[string]int) []int {
	out := make([]int, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
