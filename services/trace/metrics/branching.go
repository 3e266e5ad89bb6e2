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

// =============================================================================
// Depth Distribution
// =============================================================================

// DepthDistribution counts nodes per depth. Index d is depth d; the root
// is at depth 0.
type DepthDistribution struct {
	// WithLeaves counts every node.
	WithLeaves []int `json:"with_leaves" yaml:"with_leaves"`

	// WithoutLeaves counts nodes with at least one child.
	WithoutLeaves []int `json:"without_leaves" yaml:"without_leaves"`

	// CumWithLeaves[d] is the tree size through depth d.
	CumWithLeaves []int `json:"cum_with_leaves" yaml:"cum_with_leaves"`

	// CumWithoutLeaves[d] is the number of inner nodes through depth d.
	CumWithoutLeaves []int `json:"cum_without_leaves" yaml:"cum_without_leaves"`
}

// MaxDepth returns the deepest populated depth.
func (d DepthDistribution) MaxDepth() int {
	return len(d.WithLeaves) - 1
}

// Depths computes the depth distribution of a verified tree.
func Depths(t *searchtree.Tree) (DepthDistribution, error) {
	if err := t.RequireVerified("Depths"); err != nil {
		return DepthDistribution{}, err
	}

	var dist DepthDistribution
	t.Walk(func(_ searchtree.NodeID, n *searchtree.Node) bool {
		for len(dist.WithLeaves) <= n.Depth {
			dist.WithLeaves = append(dist.WithLeaves, 0)
			dist.WithoutLeaves = append(dist.WithoutLeaves, 0)
		}
		dist.WithLeaves[n.Depth]++
		if !n.IsLeaf() {
			dist.WithoutLeaves[n.Depth]++
		}
		return true
	})

	dist.CumWithLeaves = cumulative(dist.WithLeaves)
	dist.CumWithoutLeaves = cumulative(dist.WithoutLeaves)
	return dist, nil
}

func cumulative(counts []int) []int {
	out := make([]int, len(counts))
	sum := 0
	for i, c := range counts {
		sum += c
		out[i] = sum
	}
	return out
}

// =============================================================================
// Branching Factors
// =============================================================================

// EBFOptions controls the bisection in EBF.
type EBFOptions struct {
	// Tolerance is the absolute width at which bisection stops.
	Tolerance float64

	// MaxIterations caps the number of halvings.
	MaxIterations int
}

// DefaultEBFOptions returns a tolerance of 1e-9 and 200 iterations.
func DefaultEBFOptions() EBFOptions {
	return EBFOptions{Tolerance: 1e-9, MaxIterations: 200}
}

// ABF returns the average branching factor through depth d.
//
// ABF(d) = (CumWithLeaves[d] - 1) / CumWithoutLeaves[d]. The second
// result is false when d is out of range or there are no inner nodes
// through d.
func ABF(dist DepthDistribution, d int) (float64, bool) {
	if d < 0 || d >= len(dist.CumWithLeaves) {
		return 0, false
	}
	inner := dist.CumWithoutLeaves[d]
	if inner == 0 {
		return 0, false
	}
	return float64(dist.CumWithLeaves[d]-1) / float64(inner), true
}

// EBF returns the effective branching factor of a tree with n nodes
// through depth d.
//
// Description:
//
//	Finds b in (1, n] with 1 + b + b^2 + ... + b^d = n by bisection. The
//	left side grows monotonically in b, so the root is unique. When
//	n <= d+1 even a path has that many nodes, and the result is 1.
//
// Inputs:
//
//	n    - Node count, usually cumulative size divided by solutions.
//	d    - Depth, at least 1.
//	opts - Bisection tolerance and iteration cap.
//
// Outputs:
//
//	float64 - The branching factor.
//	error   - MetricPrecondition if d < 1 or opts are unusable.
func EBF(n float64, d int, opts EBFOptions) (float64, error) {
	if d < 1 {
		return 0, traceerr.MetricPrecondition("EBF", "depth %d, want at least 1", d)
	}
	if opts.Tolerance <= 0 || opts.MaxIterations <= 0 {
		return 0, traceerr.MetricPrecondition("EBF", "tolerance %g and max iterations %d must be positive", opts.Tolerance, opts.MaxIterations)
	}
	if n <= float64(d+1) {
		return 1, nil
	}

	lo, hi := 1.0, n
	for i := 0; i < opts.MaxIterations && hi-lo >= opts.Tolerance; i++ {
		mid := lo + (hi-lo)/2
		if geometricSum(mid, d, n) < n {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo + (hi-lo)/2, nil
}

// geometricSum evaluates 1 + b + ... + b^d by Horner's rule. It stops
// early once the sum exceeds limit, so large b and d never overflow.
func geometricSum(b float64, d int, limit float64) float64 {
	sum := 1.0
	for i := 0; i < d; i++ {
		sum = sum*b + 1
		if sum > limit {
			return sum
		}
	}
	return sum
}

// BranchingFactor holds both estimates at one depth.
type BranchingFactor struct {
	Depth int     `json:"depth" yaml:"depth"`
	EBF   float64 `json:"ebf" yaml:"ebf"`

	// ABF is nil when no inner node exists through Depth.
	ABF *float64 `json:"abf,omitempty" yaml:"abf,omitempty"`
}

// BranchingFactors computes EBF and ABF for every depth from 1 to the
// maximum depth.
//
// EBF uses the cumulative size divided by the number of solutions, or by
// 1 when there are none.
func BranchingFactors(dist DepthDistribution, solutions int, opts EBFOptions) ([]BranchingFactor, error) {
	div := float64(solutions)
	if solutions < 1 {
		div = 1
	}

	var out []BranchingFactor
	for d := 1; d <= dist.MaxDepth(); d++ {
		ebf, err := EBF(float64(dist.CumWithLeaves[d])/div, d, opts)
		if err != nil {
			return nil, err
		}
		bf := BranchingFactor{Depth: d, EBF: ebf}
		if abf, ok := ABF(dist, d); ok {
			bf.ABF = &abf
		}
		out = append(out, bf)
	}
	return out, nil
}
