// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metrics computes search statistics over a verified search tree.
//
// Every extractor is a read-only traversal and refuses trees that have not
// been sized and verified. Aggregates over failing subtrees are exclusive:
// each failing node belongs to exactly one dead end.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/csptrace/services/trace/searchtree"
	"github.com/AleutianAI/csptrace/services/trace/telemetry"
)

var tracer = otel.Tracer("csptrace.metrics")

var (
	extractDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "csptrace_metrics_extract_duration_seconds",
		Help:    "Metric extraction duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	})

	flaggedSubtrees = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "csptrace_flagged_subtrees_total",
		Help: "Dead ends with zero recorded AC-3 work and no duplicate",
	}, []string{"metric"})
)

// Summary holds every search-tree metric for one trace.
type Summary struct {
	Nodes     int `json:"nodes" yaml:"nodes"`
	Failing   int `json:"failing" yaml:"failing"`
	Solutions int `json:"solutions" yaml:"solutions"`

	Reasons     map[ReasonKey]int `json:"reasons" yaml:"reasons"`
	JumpHeights map[int]int       `json:"jump_heights" yaml:"jump_heights"`
	Backjumps   Backjumps         `json:"backjumps" yaml:"backjumps"`

	DeadEnds []DeadEnd `json:"dead_ends" yaml:"dead_ends"`
	DESS     []int     `json:"dess" yaml:"dess"`
	CCDE     []int     `json:"ccde" yaml:"ccde"`
	PPDE     []int     `json:"ppde" yaml:"ppde"`
	Flagged  []Flag    `json:"flagged,omitempty" yaml:"flagged,omitempty"`

	Depths    DepthDistribution `json:"depths" yaml:"depths"`
	Branching []BranchingFactor `json:"branching" yaml:"branching"`
}

// Extract runs every extractor over a verified tree.
//
// Description:
//
//	Computes histograms, dead-end aggregates with zero-work flags, the
//	depth distribution, and EBF/ABF per depth. Flags are logged at Warn
//	and counted, they do not fail extraction.
//
// Inputs:
//
//	ctx  - Context for tracing and logging.
//	t    - Tree in StateVerified.
//	opts - EBF bisection options.
//
// Outputs:
//
//	*Summary - All metrics.
//	error    - MetricPrecondition if t is not verified or opts are
//	           unusable, ConsistencyViolation if dead-end accounting does
//	           not add up.
//
// Thread Safety: Safe for concurrent use on a verified tree.
func Extract(ctx context.Context, t *searchtree.Tree, opts EBFOptions) (*Summary, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "metrics.Extract")
	defer span.End()

	s, err := extract(t, opts)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	logger := telemetry.LoggerWithTrace(ctx, slog.Default())
	for _, f := range s.Flagged {
		flaggedSubtrees.WithLabelValues(f.Metric).Inc()
		logger.Warn("dead end has no recorded AC-3 work",
			slog.String("metric", f.Metric),
			slog.String("path", f.Path),
			slog.Int("size", f.Size),
		)
	}

	extractDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Int("dead_ends", len(s.DeadEnds)),
		attribute.Int("flagged", len(s.Flagged)),
		attribute.Int("max_depth", s.Depths.MaxDepth()),
	)
	return s, nil
}

func extract(t *searchtree.Tree, opts EBFOptions) (*Summary, error) {
	reasons, err := ReasonHistogram(t)
	if err != nil {
		return nil, err
	}
	jumps, err := JumpHeightHistogram(t)
	if err != nil {
		return nil, err
	}
	backjumps, err := BackjumpSummary(t)
	if err != nil {
		return nil, err
	}
	deadEnds, err := DeadEnds(t)
	if err != nil {
		return nil, err
	}
	depths, err := Depths(t)
	if err != nil {
		return nil, err
	}
	branching, err := BranchingFactors(depths, t.SolutionCount(), opts)
	if err != nil {
		return nil, err
	}

	return &Summary{
		Nodes:       t.Len(),
		Failing:     t.FailingCount(),
		Solutions:   t.SolutionCount(),
		Reasons:     reasons,
		JumpHeights: jumps,
		Backjumps:   backjumps,
		DeadEnds:    deadEnds,
		DESS:        DESS(deadEnds),
		CCDE:        CCDE(deadEnds),
		PPDE:        PPDE(deadEnds),
		Flagged:     FlagZeroWork(deadEnds, t.TrackAC3()),
		Depths:      depths,
		Branching:   branching,
	}, nil
}
