// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package analysis runs the full trace pipeline and produces reports.
//
// # Pipeline
//
//  1. Decode the raw trace
//  2. Build the search tree and size failing subtrees
//  3. Verify jump heights against the tree
//  4. Extract search metrics, AC-3 statistics, and CSP metadata
//  5. Cache the encoded report and export it to every sink
//
// Every domain error is stamped with the trace file name before it is
// returned.
//
// # Thread Safety
//
// Analyzer is safe for concurrent use.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/csptrace/services/trace/ac3stats"
	"github.com/AleutianAI/csptrace/services/trace/cache"
	"github.com/AleutianAI/csptrace/services/trace/config"
	"github.com/AleutianAI/csptrace/services/trace/cspinfo"
	"github.com/AleutianAI/csptrace/services/trace/metrics"
	"github.com/AleutianAI/csptrace/services/trace/rawtrace"
	"github.com/AleutianAI/csptrace/services/trace/searchtree"
	"github.com/AleutianAI/csptrace/services/trace/telemetry"
	"github.com/AleutianAI/csptrace/services/trace/traceerr"
)

var tracer = otel.Tracer("csptrace.analysis")

// Outcome labels for csptrace_analyses_total.
const (
	OutcomeOK      = "ok"
	OutcomeFlagged = "flagged"
	OutcomeCached  = "cached"
	OutcomeError   = "error"
)

var (
	analysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "csptrace_analysis_duration_seconds",
		Help:    "End-to-end trace analysis duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	analysesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "csptrace_analyses_total",
		Help: "Trace analyses by outcome",
	}, []string{"outcome"})
)

// Options tunes the pipeline.
type Options struct {
	// StrictJumpHeights rejects failing Search Steps without jump_height
	// while building.
	StrictJumpHeights bool

	// EBF controls the branching factor bisection.
	EBF metrics.EBFOptions

	// Concurrency bounds AnalyzeBatch. Values below 1 mean 1.
	Concurrency int

	// PruneConstrLen filters the AC-3 duration breakdown.
	PruneConstrLen int

	// MaxTraceBytes rejects larger traces. 0 disables the limit.
	MaxTraceBytes int64
}

// DefaultOptions mirrors config.Default().Analysis.
func DefaultOptions() Options {
	return OptionsFromConfig(config.Default().Analysis)
}

// OptionsFromConfig converts the analysis section of the configuration.
func OptionsFromConfig(cfg config.AnalysisConfig) Options {
	return Options{
		StrictJumpHeights: cfg.StrictJumpHeights,
		EBF: metrics.EBFOptions{
			Tolerance:     cfg.EBFTolerance,
			MaxIterations: cfg.EBFMaxIterations,
		},
		Concurrency:    cfg.Concurrency,
		PruneConstrLen: cfg.PruneConstrLen,
		MaxTraceBytes:  cfg.MaxTraceBytes,
	}
}

// Fingerprint encodes every option that changes a report. It is part of
// the cache key.
func (o Options) Fingerprint() string {
	return fmt.Sprintf("v1;strict=%t;ebf_tol=%g;ebf_iter=%d;prune_len=%d",
		o.StrictJumpHeights, o.EBF.Tolerance, o.EBF.MaxIterations, o.PruneConstrLen)
}

// Analyzer runs the pipeline with an optional cache and sinks.
type Analyzer struct {
	opts   Options
	cache  *cache.Cache
	sinks  []Sink
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithCache serves repeated traces from c and stores fresh reports in it.
func WithCache(c *cache.Cache) Option {
	return func(a *Analyzer) { a.cache = c }
}

// WithSinks exports every report to each sink.
func WithSinks(sinks ...Sink) Option {
	return func(a *Analyzer) { a.sinks = append(a.sinks, sinks...) }
}

// WithLogger sets the base logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) { a.logger = l }
}

// NewAnalyzer creates an Analyzer. The Analyzer does not own the cache or
// the sinks; the caller closes them.
func NewAnalyzer(opts Options, options ...Option) *Analyzer {
	a := &Analyzer{
		opts:   opts,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range options {
		o(a)
	}
	return a
}

// Options returns the pipeline options.
func (a *Analyzer) Options() Options { return a.opts }

// AnalyzeFile reads and analyzes the trace at path.
//
// Outputs:
//
//	*Report - The report. Non-nil when err is nil or wraps ErrSink.
//	error   - A file-scoped *traceerr.Error, ErrTraceTooLarge, a read or
//	          decode error, or ErrSink joined with each sink failure.
func (a *Analyzer) AnalyzeFile(ctx context.Context, path string) (*Report, error) {
	data, err := a.readTrace(path)
	if err != nil {
		analysesTotal.WithLabelValues(OutcomeError).Inc()
		return nil, err
	}
	return a.AnalyzeBytes(ctx, path, data)
}

// AnalyzeBytes analyzes a trace held in memory.
//
// Description:
//
//	Looks the trace up in the cache first. On a miss, runs the pipeline,
//	stores the encoded report, and exports it. Cache write failures are
//	logged and do not fail the analysis. Reports served from the cache
//	are exported too, so every returned report reaches the sinks.
//
// Inputs:
//
//	ctx  - Context for cancellation and tracing.
//	name - File name stamped on the report and on errors.
//	data - Raw trace JSON.
//
// Outputs:
//
//	*Report - The report. Non-nil when err is nil or wraps ErrSink.
//	error   - See AnalyzeFile.
func (a *Analyzer) AnalyzeBytes(ctx context.Context, name string, data []byte) (*Report, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "analysis.Analyze")
	defer span.End()
	span.SetAttributes(
		attribute.String("file", name),
		attribute.Int("trace_bytes", len(data)),
	)
	logger := telemetry.LoggerWithTrace(ctx, a.logger).With(slog.String("file", name))

	if a.opts.MaxTraceBytes > 0 && int64(len(data)) > a.opts.MaxTraceBytes {
		err := fmt.Errorf("%s: %w: %d bytes, limit %d", name, ErrTraceTooLarge, len(data), a.opts.MaxTraceBytes)
		analysesTotal.WithLabelValues(OutcomeError).Inc()
		telemetry.RecordError(span, err)
		return nil, err
	}

	key := cache.Key(data, a.opts.Fingerprint())
	report, outcome := a.lookup(ctx, logger, key, name)
	if report == nil {
		var err error
		report, err = a.run(ctx, name, data)
		if err != nil {
			err = traceerr.WithFile(err, name)
			analysesTotal.WithLabelValues(OutcomeError).Inc()
			telemetry.RecordError(span, err)
			logger.Error("trace analysis failed", slog.String("error", err.Error()))
			return nil, err
		}
		report.Key = key
		a.store(ctx, logger, report)
		outcome = OutcomeOK
	}
	if report.Flagged() && outcome == OutcomeOK {
		outcome = OutcomeFlagged
	}

	analysesTotal.WithLabelValues(outcome).Inc()
	analysisDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.String("outcome", outcome),
		attribute.String("run_id", report.RunID),
	)
	logger.Info("trace analyzed",
		slog.String("outcome", outcome),
		slog.Int("nodes", report.Metrics.Nodes),
		slog.Int("failing", report.Metrics.Failing),
		slog.Int("solutions", report.Metrics.Solutions),
		slog.Duration("elapsed", time.Since(start)),
	)

	if err := a.export(ctx, report); err != nil {
		telemetry.RecordError(span, err)
		logger.Warn("report export failed", slog.String("error", err.Error()))
		return report, err
	}
	return report, nil
}

// Verify builds, sizes, and verifies a trace without extracting metrics.
//
// Outputs:
//
//	*searchtree.Tree - The verified tree.
//	error            - A file-scoped error on any violation.
func (a *Analyzer) Verify(ctx context.Context, path string) (*searchtree.Tree, error) {
	ctx, span := tracer.Start(ctx, "analysis.Verify")
	defer span.End()
	span.SetAttributes(attribute.String("file", path))

	data, err := a.readTrace(path)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	root, err := rawtrace.DecodeBytes(data)
	if err != nil {
		err = traceerr.WithFile(err, path)
		telemetry.RecordError(span, err)
		return nil, err
	}
	tree, err := a.verifiedTree(ctx, root)
	if err != nil {
		err = traceerr.WithFile(err, path)
		telemetry.RecordError(span, err)
		return nil, err
	}
	return tree, nil
}

func (a *Analyzer) readTrace(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat trace: %w", err)
	}
	if a.opts.MaxTraceBytes > 0 && info.Size() > a.opts.MaxTraceBytes {
		return nil, fmt.Errorf("%s: %w: %d bytes, limit %d", path, ErrTraceTooLarge, info.Size(), a.opts.MaxTraceBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}
	return data, nil
}

func (a *Analyzer) verifiedTree(ctx context.Context, root *rawtrace.Node) (*searchtree.Tree, error) {
	tree, err := searchtree.Build(ctx, root, searchtree.BuildOptions{
		StrictJumpHeights: a.opts.StrictJumpHeights,
	})
	if err != nil {
		return nil, err
	}
	if err := tree.SizeSubtrees(); err != nil {
		return nil, err
	}
	if err := searchtree.Verify(ctx, tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func (a *Analyzer) run(ctx context.Context, name string, data []byte) (*Report, error) {
	root, err := rawtrace.DecodeBytes(data)
	if err != nil {
		return nil, err
	}
	tree, err := a.verifiedTree(ctx, root)
	if err != nil {
		return nil, err
	}
	summary, err := metrics.Extract(ctx, tree, a.opts.EBF)
	if err != nil {
		return nil, err
	}
	ac3, err := ac3stats.Analyze(ctx, root, ac3stats.Options{ConstrLenFilter: a.opts.PruneConstrLen})
	if err != nil {
		return nil, err
	}
	info, err := cspinfo.Analyze(root)
	if err != nil {
		return nil, err
	}

	return &Report{
		RunID:      uuid.NewString(),
		File:       name,
		AnalyzedAt: a.now().UTC(),
		TrackAC3:   tree.TrackAC3(),
		Metrics:    summary,
		AC3:        ac3,
		CSP:        info,
	}, nil
}

// lookup returns a cached report renamed to name, or nil on a miss.
func (a *Analyzer) lookup(ctx context.Context, logger *slog.Logger, key, name string) (*Report, string) {
	if a.cache == nil {
		return nil, ""
	}
	data, err := a.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			logger.Warn("report cache read failed", slog.String("error", err.Error()))
		}
		return nil, ""
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		logger.Warn("discarding undecodable cached report", slog.String("key", key), slog.String("error", err.Error()))
		return nil, ""
	}
	r.File = name
	r.Cached = true
	return &r, OutcomeCached
}

func (a *Analyzer) store(ctx context.Context, logger *slog.Logger, r *Report) {
	if a.cache == nil {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		logger.Warn("report encoding failed", slog.String("error", err.Error()))
		return
	}
	if err := a.cache.Put(ctx, r.Key, data); err != nil {
		logger.Warn("report cache write failed", slog.String("error", err.Error()))
	}
}

func (a *Analyzer) export(ctx context.Context, r *Report) error {
	var errs []error
	for _, s := range a.sinks {
		if err := s.Write(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrSink, errors.Join(errs...))
}
