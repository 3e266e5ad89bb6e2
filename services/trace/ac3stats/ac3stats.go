// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ac3stats measures arc-consistency work recorded in a raw trace.
//
// It reads AC3 and AC3 Prune spans directly, independent of the search
// tree, so it can describe propagation cost per constraint and per
// variable rather than per decision.
package ac3stats

import (
	"context"
	"log/slog"
	"math"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/AleutianAI/csptrace/services/trace/rawtrace"
	"github.com/AleutianAI/csptrace/services/trace/telemetry"
	"github.com/AleutianAI/csptrace/services/trace/traceerr"
)

var tracer = otel.Tracer("csptrace.ac3stats")

// =============================================================================
// Types
// =============================================================================

// Outcome aggregates AC3 calls with one result.
type Outcome struct {
	Calls int `json:"calls" yaml:"calls"`

	// Durations are per-call durations in microseconds, in trace order.
	Durations []int64 `json:"-" yaml:"-"`

	MeanDurationUS float64 `json:"mean_duration_us" yaml:"mean_duration_us"`
}

func (o *Outcome) add(d int64) {
	o.Calls++
	o.Durations = append(o.Durations, d)
}

func (o *Outcome) finish() {
	if o.Calls == 0 {
		return
	}
	var sum int64
	for _, d := range o.Durations {
		sum += d
	}
	o.MeanDurationUS = float64(sum) / float64(o.Calls)
}

// Calls summarizes every AC3 run in a trace.
type Calls struct {
	Success Outcome `json:"success" yaml:"success"`
	Fail    Outcome `json:"fail" yaml:"fail"`

	Total int `json:"total" yaml:"total"`

	// SuccessRate is Success.Calls / Total, 0 when there were no calls.
	SuccessRate float64 `json:"success_rate" yaml:"success_rate"`
}

// ConstraintPrunes aggregates AC3 Prune spans for one constraint.
type ConstraintPrunes struct {
	// PairsPruned maps a total pruned-pair count to the durations, in
	// microseconds, of the prunes that removed that many pairs.
	PairsPruned map[int][]int64 `json:"pairs_pruned" yaml:"pairs_pruned"`

	// VarsPruned maps how many variables one prune touched to how often
	// that happened.
	VarsPruned map[int]int `json:"vars_pruned" yaml:"vars_pruned"`
}

// Fit is a weighted least-squares line y = Slope*x + Intercept.
type Fit struct {
	Slope       float64 `json:"slope" yaml:"slope"`
	Intercept   float64 `json:"intercept" yaml:"intercept"`
	SlopeSE     float64 `json:"slope_se" yaml:"slope_se"`
	InterceptSE float64 `json:"intercept_se" yaml:"intercept_se"`
	RSquared    float64 `json:"r_squared" yaml:"r_squared"`

	// TStat and PValue test the slope against zero.
	TStat  float64 `json:"t_stat" yaml:"t_stat"`
	PValue float64 `json:"p_value" yaml:"p_value"`
	DOF    int     `json:"dof" yaml:"dof"`
}

// Report is the AC-3 section of an analysis report.
type Report struct {
	Calls Calls `json:"calls" yaml:"calls"`

	// Constraints is keyed by constraint id.
	Constraints map[int]*ConstraintPrunes `json:"constraints" yaml:"constraints"`

	// Variables maps a variable id to a frequency map of pruned-pair
	// counts, one entry per prune of a constraint the variable depends on.
	Variables map[int]map[int]int `json:"variables" yaml:"variables"`

	// PruneDurationByVars maps how many variables a prune touched to the
	// mean prune duration in microseconds, restricted to ConstrLenFilter.
	PruneDurationByVars map[int]float64 `json:"prune_duration_by_vars" yaml:"prune_duration_by_vars"`

	// ConstrLenFilter is the constraint length PruneDurationByVars was
	// restricted to, 0 for all.
	ConstrLenFilter int `json:"constr_len_filter" yaml:"constr_len_filter"`

	// PruneDurationFit regresses PruneDurationByVars on the variable
	// count, weighted by sample size. Nil with fewer than three points.
	PruneDurationFit *Fit `json:"prune_duration_fit,omitempty" yaml:"prune_duration_fit,omitempty"`
}

// Options configures Analyze.
type Options struct {
	// ConstrLenFilter restricts the duration-by-vars breakdown to prunes
	// of constraints with this length. 0 disables the filter.
	ConstrLenFilter int
}

// =============================================================================
// Analysis
// =============================================================================

// Analyze collects AC-3 statistics from a raw trace.
//
// Description:
//
//	Returns (nil, nil) with a Warn log when the trace did not record AC-3
//	spans. Otherwise walks the trace once for AC3 outcomes and once for
//	AC3 Prune spans.
//
// Inputs:
//
//	ctx  - Context for tracing and logging.
//	root - Trace root.
//	opts - Options.
//
// Outputs:
//
//	*Report - The statistics, or nil when AC-3 was not tracked.
//	error   - KindStructural for malformed spans or a prune whose
//	          constraint is unknown to constr_dependent_vars.
func Analyze(ctx context.Context, root *rawtrace.Node, opts Options) (*Report, error) {
	ctx, span := tracer.Start(ctx, "ac3stats.Analyze")
	defer span.End()

	tracked, err := rawtrace.TrackAC3(root)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	logger := telemetry.LoggerWithTrace(ctx, slog.Default())
	if !tracked {
		logger.Warn("AC-3 not tracked in trace, skipping AC-3 statistics")
		span.SetAttributes(attribute.Bool("skipped", true))
		return nil, nil
	}

	init, err := rawtrace.Initialize(root)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	rep := &Report{
		Constraints:         make(map[int]*ConstraintPrunes),
		Variables:           make(map[int]map[int]int),
		PruneDurationByVars: make(map[int]float64),
		ConstrLenFilter:     opts.ConstrLenFilter,
	}
	if err := rep.collectCalls(root); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if err := rep.collectPrunes(root, init.ConstrDependentVars); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("ac3_calls", rep.Calls.Total),
		attribute.Int("constraints", len(rep.Constraints)),
	)
	logger.Debug("AC-3 statistics collected",
		slog.Int("calls", rep.Calls.Total),
		slog.Float64("success_rate", rep.Calls.SuccessRate),
	)
	return rep, nil
}

// collectCalls records every AC3 span without descending into it.
func (r *Report) collectCalls(root *rawtrace.Node) error {
	var err error
	walkPaths(root, func(n *rawtrace.Node, path rawtrace.Path) bool {
		if err != nil {
			return false
		}
		if n.Type != rawtrace.TagAC3 {
			return true
		}
		var res rawtrace.AC3Result
		if decErr := n.DecodeResult(&res); decErr != nil {
			err = traceerr.StructuralCause(path.String(), decErr, "AC3 result")
			return false
		}
		if res.Success == nil {
			err = traceerr.Structural(path.String(), "AC3 result missing %q", "success")
			return false
		}
		if *res.Success {
			r.Calls.Success.add(n.DurationUS)
		} else {
			r.Calls.Fail.add(n.DurationUS)
		}
		return false
	})
	if err != nil {
		return err
	}

	r.Calls.Success.finish()
	r.Calls.Fail.finish()
	r.Calls.Total = r.Calls.Success.Calls + r.Calls.Fail.Calls
	if r.Calls.Total > 0 {
		r.Calls.SuccessRate = float64(r.Calls.Success.Calls) / float64(r.Calls.Total)
	}
	return nil
}

// collectPrunes aggregates every AC3 Prune span per constraint and per
// dependent variable.
func (r *Report) collectPrunes(root *rawtrace.Node, dependents map[string][]int) error {
	byVars := make(map[int][]int64)

	var err error
	walkPaths(root, func(n *rawtrace.Node, path rawtrace.Path) bool {
		if err != nil {
			return false
		}
		if n.Type != rawtrace.TagAC3Prune {
			return true
		}
		where := path.String()

		id, convErr := strconv.Atoi(n.Name)
		if convErr != nil {
			err = traceerr.StructuralCause(where, convErr, "AC3 prune name %q is not a constraint id", n.Name)
			return false
		}
		var res rawtrace.AC3PruneResult
		if decErr := n.DecodeResult(&res); decErr != nil {
			err = traceerr.StructuralCause(where, decErr, "AC3 prune result")
			return false
		}
		if res.VarsPruned == nil {
			err = traceerr.Structural(where, "AC3 prune result missing %q", "vars_pruned")
			return false
		}
		vars, ok := dependents[n.Name]
		if !ok {
			err = traceerr.Structural(where, "constraint %s not in constr_dependent_vars", n.Name)
			return false
		}

		c := r.Constraints[id]
		if c == nil {
			c = &ConstraintPrunes{PairsPruned: make(map[int][]int64), VarsPruned: make(map[int]int)}
			r.Constraints[id] = c
		}
		pairs := res.PairsPruned()
		c.PairsPruned[pairs] = append(c.PairsPruned[pairs], n.DurationUS)
		c.VarsPruned[len(res.VarsPruned)]++

		for _, v := range vars {
			freq := r.Variables[v]
			if freq == nil {
				freq = make(map[int]int)
				r.Variables[v] = freq
			}
			freq[res.VarsPruned[strconv.Itoa(v)]]++
		}

		if r.ConstrLenFilter == 0 || (res.ConstrLen != nil && *res.ConstrLen == r.ConstrLenFilter) {
			byVars[len(res.VarsPruned)] = append(byVars[len(res.VarsPruned)], n.DurationUS)
		}
		return true
	})
	if err != nil {
		return err
	}

	var xs, ys, ws []float64
	for k, durations := range byVars {
		var sum int64
		for _, d := range durations {
			sum += d
		}
		mean := float64(sum) / float64(len(durations))
		r.PruneDurationByVars[k] = mean
		xs = append(xs, float64(k))
		ys = append(ys, mean)
		ws = append(ws, float64(len(durations)))
	}
	r.PruneDurationFit = WeightedFit(xs, ys, ws)
	return nil
}

// walkPaths is rawtrace.Walk with the raw path of each node.
func walkPaths(root *rawtrace.Node, fn func(*rawtrace.Node, rawtrace.Path) bool) {
	var visit func(n *rawtrace.Node, path rawtrace.Path)
	visit = func(n *rawtrace.Node, path rawtrace.Path) {
		if !fn(n, path) {
			return
		}
		for i, c := range n.Children {
			if c != nil {
				visit(c, path.Push(c.Type, i))
			}
		}
	}
	visit(root, rawtrace.Path{{Tag: root.Type}})
}

// =============================================================================
// Regression
// =============================================================================

// WeightedFit fits y = a*x + b by weighted least squares.
//
// Description:
//
//	Each row of the design matrix and each y is scaled by its weight
//	before solving, so the fit minimizes sum((w * (y - a*x - b))^2). The
//	standard errors come from the inverse of the scaled normal matrix,
//	without a residual variance factor. The p-value is the two-sided
//	Student's t tail of Slope/SlopeSE with n-2 degrees of freedom. R² is
//	weighted by w, not w squared, and is 1 when the weighted y have no
//	spread.
//
//	Returns nil when there are fewer than three points, the lengths
//	differ, the total weight is not positive, or all x are equal.
//
// Outputs:
//
//	*Fit - The line with its standard errors and slope significance.
func WeightedFit(xs, ys, ws []float64) *Fit {
	n := len(xs)
	if n < 3 || len(ys) != n || len(ws) != n {
		return nil
	}
	if floats.Sum(ws) <= 0 {
		return nil
	}

	sq := make([]float64, n)
	floats.MulTo(sq, ws, ws)
	mx := stat.Mean(xs, sq)
	var sxx, sx2 float64
	for i, x := range xs {
		sxx += sq[i] * (x - mx) * (x - mx)
		sx2 += sq[i] * x * x
	}
	if sxx == 0 {
		return nil
	}

	intercept, slope := stat.LinearRegression(xs, ys, sq, false)
	fit := &Fit{
		Slope:       slope,
		Intercept:   intercept,
		SlopeSE:     1 / math.Sqrt(sxx),
		InterceptSE: math.Sqrt(sx2 / floats.Sum(sq) / sxx),
		DOF:         n - 2,
		RSquared:    1,
	}
	fit.TStat = fit.Slope / fit.SlopeSE
	t := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(fit.DOF)}
	fit.PValue = 2 * t.Survival(math.Abs(fit.TStat))

	if r2 := stat.RSquared(xs, ys, ws, intercept, slope); !math.IsNaN(r2) && !math.IsInf(r2, 0) {
		fit.RSquared = r2
	}
	return fit
}
