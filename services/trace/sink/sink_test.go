// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/csptrace/services/trace/analysis"
	"github.com/AleutianAI/csptrace/services/trace/config"
	rt "github.com/AleutianAI/csptrace/services/trace/rawtrace/rawtracetest"
)

func sampleReport(t *testing.T) *analysis.Report {
	t.Helper()
	trace := rt.Trace(true,
		rt.Step(true, 0,
			rt.Assign(false, "ac3", "A", rt.AC3(false, rt.Prune(0, 4, map[int]int{0: 2}))),
			rt.Assign(true, "recursive", "B", rt.Solved()),
		),
	)
	r, err := analysis.NewAnalyzer(analysis.DefaultOptions()).
		AnalyzeBytes(context.Background(), "runs/sudoku-17.json", rt.Marshal(trace))
	require.NoError(t, err)
	return r
}

func TestReportName(t *testing.T) {
	r := &analysis.Report{File: "/tmp/runs/sudoku.json", RunID: "0123456789abcdef"}
	assert.Equal(t, "sudoku.0123456789ab.json", reportName(r, "json"))

	r = &analysis.Report{File: "", RunID: "abc"}
	assert.Equal(t, "trace.abc.yaml", reportName(r, "yaml"))
}

// TestFileSink_JSON verifies the written file decodes back to the report.
func TestFileSink_JSON(t *testing.T) {
	s, err := NewFileSink(filepath.Join(t.TempDir(), "reports"), FormatJSON)
	require.NoError(t, err)
	r := sampleReport(t)

	require.NoError(t, s.Write(context.Background(), r))

	data, err := os.ReadFile(s.Path(r))
	require.NoError(t, err)
	var got analysis.Report
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, r.RunID, got.RunID)
	assert.Equal(t, r.Metrics.Reasons, got.Metrics.Reasons)
	assert.Equal(t, r.Metrics.DESS, got.Metrics.DESS)

	entries, err := os.ReadDir(filepath.Dir(s.Path(r)))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

// TestFileSink_YAML verifies reason keys are rendered as text in YAML.
func TestFileSink_YAML(t *testing.T) {
	s, err := NewFileSink(t.TempDir(), FormatYAML)
	require.NoError(t, err)
	r := sampleReport(t)

	require.NoError(t, s.Write(context.Background(), r))
	assert.True(t, strings.HasSuffix(s.Path(r), ".yaml"))

	data, err := os.ReadFile(s.Path(r))
	require.NoError(t, err)
	assert.Contains(t, string(data), "false/ac3: 1")

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(data, &doc))
	assert.Equal(t, r.RunID, doc["run_id"])
}

func TestNewFileSink_UnknownFormat(t *testing.T) {
	_, err := NewFileSink(t.TempDir(), "xml")
	assert.True(t, errors.Is(err, ErrUnknownFormat))
}

// TestInfluxSink verifies the point reaches the write endpoint in line
// protocol with the expected tags and fields.
func TestInfluxSink(t *testing.T) {
	var (
		mu    sync.Mutex
		body  string
		query string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/api/v2/write" {
			http.NotFound(w, req)
			return
		}
		data, _ := io.ReadAll(req.Body)
		mu.Lock()
		body, query = string(data), req.URL.RawQuery
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewInfluxSink(config.InfluxSinkConfig{
		URL:    srv.URL,
		Token:  "token",
		Org:    "lab",
		Bucket: "solver",
	})
	defer s.Close()

	r := sampleReport(t)
	require.NoError(t, s.Write(context.Background(), r))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, query, "org=lab")
	assert.Contains(t, query, "bucket=solver")
	assert.True(t, strings.HasPrefix(body, "csp_search,"))
	assert.Contains(t, body, "trace=sudoku-17.json")
	assert.Contains(t, body, "nodes=3i")
	assert.Contains(t, body, "solutions=1i")
	assert.Contains(t, body, "ac3_calls=1i")
}

// TestInfluxSink_ServerError verifies write failures are returned.
func TestInfluxSink_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"code":"unauthorized","message":"bad token"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := NewInfluxSink(config.InfluxSinkConfig{URL: srv.URL, Org: "o", Bucket: "b"})
	defer s.Close()

	assert.Error(t, s.Write(context.Background(), sampleReport(t)))
}

func TestPoint_Untracked(t *testing.T) {
	r := sampleReport(t)
	r.AC3 = nil
	p := Point("m", r)

	names := map[string]bool{}
	for _, f := range p.FieldList() {
		names[f.Key] = true
	}
	assert.True(t, names["ebf"])
	assert.True(t, names["total_s"])
	assert.False(t, names["ac3_calls"])
	assert.Equal(t, "m", p.Name())
}

// TestNewGCSSink_MissingKey verifies a missing service account key is
// reported before any client is created.
func TestNewGCSSink_MissingKey(t *testing.T) {
	_, err := NewGCSSink(context.Background(), config.GCSSinkConfig{
		Bucket:          "b",
		CredentialsFile: "/nonexistent/key.json",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service account key not found")
	assert.Contains(t, err.Error(), "/nonexistent/key.json")
}

func TestGCSSink_ObjectName(t *testing.T) {
	s := &GCSSink{bucket: "b", prefix: "csptrace/"}
	r := &analysis.Report{File: "x/run.json", RunID: "0123456789abcdef"}
	assert.Equal(t, "csptrace/run.0123456789ab.json", s.ObjectName(r))
}

// TestFromConfig verifies only enabled sinks are built.
func TestFromConfig(t *testing.T) {
	cfg := config.Default().Sinks
	sinks, err := FromConfig(context.Background(), cfg)
	require.NoError(t, err)
	assert.Empty(t, sinks)

	cfg.File.Enabled = true
	cfg.File.Dir = t.TempDir()
	cfg.Influx.Enabled = true
	cfg.Influx.URL = "http://localhost:1"
	sinks, err = FromConfig(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, sinks, 2)
	assert.Equal(t, "file", sinks[0].Name())
	assert.Equal(t, "influx", sinks[1].Name())
	assert.NoError(t, CloseAll(sinks))

	cfg.GCS.Enabled = true
	cfg.GCS.CredentialsFile = "/nonexistent/key.json"
	_, err = FromConfig(context.Background(), cfg)
	assert.Error(t, err)
}
