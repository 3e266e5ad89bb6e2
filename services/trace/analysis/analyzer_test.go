// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analysis

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/csptrace/pkg/logging"
	"github.com/AleutianAI/csptrace/services/trace/cache"
	"github.com/AleutianAI/csptrace/services/trace/config"
	"github.com/AleutianAI/csptrace/services/trace/rawtrace"
	rt "github.com/AleutianAI/csptrace/services/trace/rawtrace/rawtracetest"
	"github.com/AleutianAI/csptrace/services/trace/traceerr"
)

type recordingSink struct {
	mu      sync.Mutex
	reports []*Report
	err     error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Write(_ context.Context, r *Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return s.err
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

func twoLevel() *rawtrace.Node {
	return rt.Trace(true,
		rt.Step(true, 0,
			rt.Assign(false, "ac3", "A", rt.AC3(false, rt.Prune(0, 4, map[int]int{0: 2}), rt.Undo())),
			rt.Assign(true, "recursive", "B", rt.Solved()),
		),
	)
}

func writeTrace(t *testing.T, dir, name string, root *rawtrace.Node) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, rt.Marshal(root), 0o600))
	return path
}

func openCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.Open(config.CacheConfig{Enabled: true, InMemory: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// TestAnalyzeBytes verifies a full report for a small trace.
func TestAnalyzeBytes(t *testing.T) {
	sink := &recordingSink{}
	a := NewAnalyzer(DefaultOptions(), WithSinks(sink))

	r, err := a.AnalyzeBytes(context.Background(), "two.json", rt.Marshal(twoLevel()))
	require.NoError(t, err)

	assert.NotEmpty(t, r.RunID)
	assert.Equal(t, "two.json", r.File)
	assert.Len(t, r.Key, 64)
	assert.False(t, r.Cached)
	assert.True(t, r.TrackAC3)
	assert.False(t, r.Flagged())
	assert.Equal(t, 3, r.Metrics.Nodes)
	assert.Equal(t, []int{1}, r.Metrics.DESS)
	require.NotNil(t, r.AC3)
	assert.Equal(t, 1, r.AC3.Calls.Fail.Calls)
	require.NotNil(t, r.CSP)
	assert.Equal(t, 1, sink.count())
}

// TestAnalyzeBytes_FileScopedErrors verifies domain errors carry the file
// name and keep their kind.
func TestAnalyzeBytes_FileScopedErrors(t *testing.T) {
	a := NewAnalyzer(DefaultOptions())

	bad := rt.Trace(true, rt.Assign(false, "ac3", "A", rt.AC3(true), rt.AC3(false)))
	_, err := a.AnalyzeBytes(context.Background(), "bad.json", rt.Marshal(bad))
	require.Error(t, err)

	var te *traceerr.Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "bad.json", te.File)
	assert.True(t, errors.Is(err, traceerr.ErrStructuralViolation))

	_, err = a.AnalyzeBytes(context.Background(), "junk.json", []byte("{not json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "junk.json")
	_, isDomain := traceerr.KindOf(err)
	assert.False(t, isDomain)
}

// TestAnalyzeBytes_NullSpan verifies a null span fails the file instead
// of the process.
func TestAnalyzeBytes_NullSpan(t *testing.T) {
	a := NewAnalyzer(DefaultOptions())
	data := []byte(`{"type":"CSP","result":{"track_ac3":true},"children":[
		{"type":"Initialize","result":{}},
		{"type":"Solve","children":[null]}]}`)

	var err error
	require.NotPanics(t, func() {
		_, err = a.AnalyzeBytes(context.Background(), "null.json", data)
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, traceerr.ErrStructuralViolation))

	var te *traceerr.Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "null.json", te.File)
}

// TestAnalyzeBytes_SizeLimit verifies oversized traces are rejected
// before decoding.
func TestAnalyzeBytes_SizeLimit(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxTraceBytes = 16
	a := NewAnalyzer(opts)

	_, err := a.AnalyzeBytes(context.Background(), "big.json", rt.Marshal(twoLevel()))
	assert.True(t, errors.Is(err, ErrTraceTooLarge))
}

// TestAnalyzeBytes_Cache verifies the second analysis of identical bytes
// is served from the cache, and changed options miss.
func TestAnalyzeBytes_Cache(t *testing.T) {
	c := openCache(t)
	ctx := context.Background()
	data := rt.Marshal(twoLevel())

	a := NewAnalyzer(DefaultOptions(), WithCache(c))
	first, err := a.AnalyzeBytes(ctx, "a.json", data)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := a.AnalyzeBytes(ctx, "b.json", data)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, "b.json", second.File)
	assert.Equal(t, first.RunID, second.RunID)
	assert.Equal(t, first.Metrics.Reasons, second.Metrics.Reasons)
	assert.Equal(t, first.Metrics.Branching, second.Metrics.Branching)

	strict := DefaultOptions()
	strict.StrictJumpHeights = true
	third, err := NewAnalyzer(strict, WithCache(c)).AnalyzeBytes(ctx, "a.json", data)
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.NotEqual(t, first.Key, third.Key)
}

// TestAnalyzeBytes_SinkFailure verifies sink errors are joined and the
// report is still returned.
func TestAnalyzeBytes_SinkFailure(t *testing.T) {
	good := &recordingSink{}
	bad := &recordingSink{err: errors.New("bucket gone")}
	a := NewAnalyzer(DefaultOptions(), WithSinks(bad, good))

	r, err := a.AnalyzeBytes(context.Background(), "two.json", rt.Marshal(twoLevel()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSink))
	assert.Contains(t, err.Error(), "bucket gone")
	require.NotNil(t, r)
	assert.Equal(t, 1, good.count())
}

// TestAnalyzeBatch verifies per-file results in input order, with one
// failing file not affecting the others.
func TestAnalyzeBatch(t *testing.T) {
	dir := t.TempDir()
	ok1 := writeTrace(t, dir, "a.json", twoLevel())
	bad := writeTrace(t, dir, "b.json", rt.Trace(true, rt.Strategy("RandomRestart", true)))
	ok2 := writeTrace(t, dir, "c.json", rt.Balanced(2, 3))
	missing := filepath.Join(dir, "missing.json")

	opts := DefaultOptions()
	opts.Concurrency = 2
	results := NewAnalyzer(opts).AnalyzeBatch(context.Background(), []string{ok1, bad, ok2, missing})

	require.Len(t, results, 4)
	assert.Equal(t, ok1, results[0].File)
	assert.NoError(t, results[0].Err)
	assert.True(t, errors.Is(results[1].Err, traceerr.ErrUnsupportedStrategy))
	assert.Nil(t, results[1].Report)
	require.NoError(t, results[2].Err)
	assert.Equal(t, 15, results[2].Report.Metrics.Nodes)
	assert.Error(t, results[3].Err)
}

// TestAnalyzeBatch_Cancelled verifies files are not analyzed after
// cancellation.
func TestAnalyzeBatch_Cancelled(t *testing.T) {
	dir := t.TempDir()
	path := writeTrace(t, dir, "a.json", twoLevel())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := NewAnalyzer(DefaultOptions()).AnalyzeBatch(ctx, []string{path})
	require.Len(t, results, 1)
	assert.True(t, errors.Is(results[0].Err, context.Canceled))
}

// TestVerify verifies the verify-only path returns a verified tree.
func TestVerify(t *testing.T) {
	dir := t.TempDir()
	path := writeTrace(t, dir, "a.json", rt.Balanced(2, 2))

	tree, err := NewAnalyzer(DefaultOptions()).Verify(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 7, tree.Len())
}

func TestFindTraces(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o750))
	b := writeTrace(t, dir, "b.json", twoLevel())
	a := writeTrace(t, filepath.Join(dir, "sub"), "a.json", twoLevel())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	paths, err := FindTraces(dir, "*.json")
	require.NoError(t, err)
	assert.Equal(t, []string{b, a}, paths)

	_, err = FindTraces(dir, "[")
	assert.Error(t, err)
}

func TestOptions_Fingerprint(t *testing.T) {
	a := DefaultOptions()
	b := DefaultOptions()
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	b.Concurrency = 64
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	b.PruneConstrLen = 4
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

// TestAnalyzeBytes_FlaggedLogged verifies a zero-work dead end is reported
// as a flagged outcome through the structured logger.
func TestAnalyzeBytes_FlaggedLogged(t *testing.T) {
	exporter := logging.NewBufferedExporter()
	logger := logging.New(logging.Config{Level: logging.LevelInfo, Quiet: true, Exporter: exporter})
	defer logger.Close()

	trace := rt.Trace(true,
		rt.Step(true, 0,
			rt.Assign(false, "ac3", "A"),
			rt.Assign(true, "recursive", "B", rt.Solved()),
		),
	)
	a := NewAnalyzer(DefaultOptions(), WithLogger(logger.Slog()))
	r, err := a.AnalyzeBytes(context.Background(), "flagged.json", rt.Marshal(trace))
	require.NoError(t, err)
	require.True(t, r.Flagged())

	var found bool
	for _, e := range exporter.Entries() {
		if e.Message == "trace analyzed" {
			found = true
			assert.Equal(t, OutcomeFlagged, e.Attrs["outcome"])
			assert.Equal(t, "flagged.json", e.Attrs["file"])
		}
	}
	assert.True(t, found, "completion entry not exported")
}
