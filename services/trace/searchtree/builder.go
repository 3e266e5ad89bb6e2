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
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/csptrace/services/trace/rawtrace"
	"github.com/AleutianAI/csptrace/services/trace/telemetry"
	"github.com/AleutianAI/csptrace/services/trace/traceerr"
)

var builderTracer = otel.Tracer("csptrace.searchtree.builder")

var (
	buildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "csptrace_searchtree_build_duration_seconds",
		Help:    "Search tree build duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10), // 0.1ms to ~26s
	})

	buildNodes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "csptrace_searchtree_nodes",
		Help:    "Search tree nodes per built trace",
		Buckets: prometheus.ExponentialBuckets(1, 10, 8),
	})
)

// BuildOptions tunes the Builder.
type BuildOptions struct {
	// StrictJumpHeights rejects a failing Search Step without
	// jump_height. When false the node is left unset and must later be
	// claimed as a backjump intermediate by Verify.
	StrictJumpHeights bool
}

// builder holds the walk state for one Build call.
type builder struct {
	opts BuildOptions
	tree *Tree
	path rawtrace.Path
}

// Build reconstructs the logical search tree from a raw trace.
//
// Description:
//
//	Walks the Solve span once, keeping a current logical node that starts
//	at the virtual root:
//
//	  Try Assign   creates a child of current and becomes current for its
//	               own children.
//	  AC3          attaches constraint and pruned-pair counts to current.
//	  Search Step  must use the Backtracking strategy. Sets current's
//	               jump height and child variable, and marks it Solved on
//	               a "solved" result.
//	  other        recurses without changing current.
//
//	A childless failing Try Assign with reason ac3 or duplicate defaults
//	to a jump height of 1, and a duplicate gets zero AC-3 counters.
//
// Inputs:
//
//	ctx  - Context for tracing.
//	root - Trace root (CSP or Total span).
//	opts - Builder options.
//
// Outputs:
//
//	*Tree - The tree in StateBuilt. Never partial.
//	error - *traceerr.Error of KindStructural or KindUnsupportedStrategy.
//
// Thread Safety: Safe for concurrent use on different traces.
func Build(ctx context.Context, root *rawtrace.Node, opts BuildOptions) (*Tree, error) {
	start := time.Now()
	ctx, span := builderTracer.Start(ctx, "searchtree.Build",
		trace.WithAttributes(attribute.Bool("strict_jump_heights", opts.StrictJumpHeights)),
	)
	defer span.End()

	_, solve, err := rawtrace.Sections(root)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	trackAC3, err := rawtrace.TrackAC3(root)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	b := &builder{
		opts: opts,
		tree: newTree(trackAC3, 64),
		path: rawtrace.Path{{Tag: root.Type}, {Tag: rawtrace.TagSolve, Index: 1}},
	}
	for i, child := range solve.Children {
		if err := b.visit(child, i, RootID); err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
	}
	b.tree.state = StateBuilt

	elapsed := time.Since(start)
	buildDuration.Observe(elapsed.Seconds())
	buildNodes.Observe(float64(b.tree.Len()))
	span.SetAttributes(
		attribute.Int("nodes", b.tree.Len()),
		attribute.Bool("track_ac3", trackAC3),
	)
	telemetry.LoggerWithTrace(ctx, slog.Default()).Debug("search tree built",
		slog.Int("nodes", b.tree.Len()),
		slog.Duration("elapsed", elapsed),
	)
	return b.tree, nil
}

// visit dispatches one raw span under the current logical node.
func (b *builder) visit(raw *rawtrace.Node, index int, current NodeID) error {
	if raw == nil {
		return traceerr.Structural(b.where(), "null span at child %d", index)
	}
	b.path = append(b.path, rawtrace.PathSegment{Tag: raw.Type, Index: index})
	defer func() { b.path = b.path[:len(b.path)-1] }()

	switch raw.Type {
	case rawtrace.TagTryAssign:
		return b.tryAssign(raw, current)
	case rawtrace.TagAC3:
		return b.ac3(raw, current)
	case rawtrace.TagSearchStep:
		return b.searchStep(raw, current)
	default:
		return b.children(raw, current)
	}
}

func (b *builder) children(raw *rawtrace.Node, current NodeID) error {
	for i, child := range raw.Children {
		if err := b.visit(child, i, current); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) tryAssign(raw *rawtrace.Node, current NodeID) error {
	if b.tree.nodes[current].Reason == ReasonDuplicate {
		return b.structural("duplicate decision has a nested decision")
	}

	var res rawtrace.TryAssignResult
	if err := raw.DecodeResult(&res); err != nil {
		return traceerr.StructuralCause(b.where(), err, "try assign result")
	}
	if res.Success == nil {
		return b.structural("try assign result missing %q", "success")
	}
	if res.Reason == nil {
		return b.structural("try assign result missing %q", "reason")
	}
	reason, err := ParseReason(*res.Reason)
	if err != nil || reason == ReasonSolved {
		return b.structural("try assign reason %q, want recursive, ac3 or duplicate", *res.Reason)
	}
	if *res.Success && reason != ReasonRecursive {
		return b.structural("successful try assign with reason %q", reason)
	}

	n := Node{Success: *res.Success, Reason: reason}
	if res.Word != nil {
		n.Word = *res.Word
	}
	id := b.tree.addChild(current, n)

	if err := b.children(raw, id); err != nil {
		return err
	}

	node := &b.tree.nodes[id]
	if node.IsLeaf() && !node.Success && !node.HasJumpHeight() &&
		(node.Reason == ReasonAC3Fail || node.Reason == ReasonDuplicate) {
		node.JumpHeight = 1
	}
	if node.Reason == ReasonDuplicate {
		node.ConstraintsChecked = 0
		node.PairsPruned = 0
		node.countersSet = true
	}
	return nil
}

func (b *builder) ac3(raw *rawtrace.Node, current NodeID) error {
	node := &b.tree.nodes[current]
	if node.Reason == ReasonDuplicate {
		return b.structural("AC3 beneath a duplicate decision")
	}
	if node.countersSet {
		return b.structural("second AC3 run on one decision")
	}

	constraints, pairs := 0, 0
	for i, child := range raw.Children {
		if child == nil {
			return b.structural("null span at child %d", i)
		}
		switch child.Type {
		case rawtrace.TagUndoAC3:
			constraints++
		case rawtrace.TagAC3Prune:
			constraints++
			var res rawtrace.AC3PruneResult
			if err := child.DecodeResult(&res); err != nil {
				return traceerr.StructuralCause(b.whereChild(child.Type, i), err, "AC3 prune result")
			}
			if res.VarsPruned == nil {
				return traceerr.Structural(b.whereChild(child.Type, i), "AC3 prune result missing %q", "vars_pruned")
			}
			for v, n := range res.VarsPruned {
				if n < 0 {
					return traceerr.Structural(b.whereChild(child.Type, i), "negative pruned pairs %d for variable %s", n, v)
				}
				pairs += n
			}
		default:
			return traceerr.Structural(b.whereChild(child.Type, i), "unexpected %q inside AC3", child.Type)
		}
	}

	node.ConstraintsChecked = constraints
	node.PairsPruned = pairs
	node.countersSet = true
	return nil
}

func (b *builder) searchStep(raw *rawtrace.Node, current NodeID) error {
	if raw.Name == "" {
		return b.structural("search step has no strategy name")
	}
	if raw.Name != rawtrace.StrategyBacktracking {
		return traceerr.UnsupportedStrategy(b.where(), raw.Name)
	}

	var res rawtrace.SearchStepResult
	if err := raw.DecodeResult(&res); err != nil {
		return traceerr.StructuralCause(b.where(), err, "search step result")
	}
	if res.Success == nil {
		return b.structural("search step result missing %q", "success")
	}
	if res.Reason != nil && *res.Reason != ReasonSolved.String() {
		return b.structural("search step reason %q, want %q", *res.Reason, ReasonSolved)
	}

	node := &b.tree.nodes[current]
	if current != RootID {
		if *res.Success && res.Reason != nil {
			if !node.Success {
				return b.structural("solved search step under failing decision")
			}
			node.Reason = ReasonSolved
		}
		switch {
		case res.JumpHeight != nil:
			if *res.JumpHeight < 1 {
				return b.structural("jump_height %d, want at least 1", *res.JumpHeight)
			}
			if node.HasJumpHeight() {
				return b.structural("jump_height set twice on one decision")
			}
			node.JumpHeight = *res.JumpHeight
		case !*res.Success && b.opts.StrictJumpHeights:
			return b.structural("failing search step missing %q", "jump_height")
		}
	}

	if res.Variable != nil {
		if res.Variable.ID == nil {
			return b.structural("search step variable missing %q", "id")
		}
		node.VarOfChildren = *res.Variable.ID
		node.HasVarOfChildren = true
	}

	return b.children(raw, current)
}

// where renders the current raw path.
func (b *builder) where() string {
	return b.path.String()
}

// whereChild renders the path of the index-th child of the current span.
func (b *builder) whereChild(tag rawtrace.Tag, index int) string {
	return b.path.Push(tag, index).String()
}

func (b *builder) structural(format string, args ...any) error {
	return traceerr.Structural(b.where(), format, args...)
}
