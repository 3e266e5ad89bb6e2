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
	"fmt"
	"path/filepath"
	"strconv"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/AleutianAI/csptrace/services/trace/analysis"
	"github.com/AleutianAI/csptrace/services/trace/config"
)

// InfluxSink writes one point of headline search metrics per report.
//
// Thread Safety: Safe for concurrent use.
type InfluxSink struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPIBlocking
	measurement string
}

// NewInfluxSink creates a blocking writer for cfg's org and bucket. No
// connection is made until the first write.
func NewInfluxSink(cfg config.InfluxSinkConfig) *InfluxSink {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	measurement := cfg.Measurement
	if measurement == "" {
		measurement = "csp_search"
	}
	return &InfluxSink{
		client:      client,
		writeAPI:    client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		measurement: measurement,
	}
}

// Name implements analysis.Sink.
func (s *InfluxSink) Name() string { return "influx" }

// Write implements analysis.Sink.
func (s *InfluxSink) Write(ctx context.Context, r *analysis.Report) error {
	if err := s.writeAPI.WritePoint(ctx, Point(s.measurement, r)); err != nil {
		return fmt.Errorf("write influx point: %w", err)
	}
	return nil
}

// Close implements analysis.Sink.
func (s *InfluxSink) Close() error {
	s.client.Close()
	return nil
}

// Point converts a report to an InfluxDB point stamped at AnalyzedAt.
//
// Tags identify the trace; fields carry the counts, dead-end totals, and
// the branching factors at the deepest level.
func Point(measurement string, r *analysis.Report) *write.Point {
	m := r.Metrics
	p := influxdb2.NewPointWithMeasurement(measurement).
		AddTag("trace", filepath.Base(r.File)).
		AddTag("run_id", r.RunID).
		AddTag("track_ac3", strconv.FormatBool(r.TrackAC3)).
		AddField("nodes", m.Nodes).
		AddField("failing", m.Failing).
		AddField("solutions", m.Solutions).
		AddField("dead_ends", len(m.DeadEnds)).
		AddField("flagged", len(m.Flagged)).
		AddField("backjumps", m.Backjumps.Count).
		AddField("max_jump_height", m.Backjumps.MaxHeight).
		AddField("max_depth", m.Depths.MaxDepth()).
		SetTime(r.AnalyzedAt)

	if n := len(m.Branching); n > 0 {
		last := m.Branching[n-1]
		p.AddField("ebf", last.EBF)
		if last.ABF != nil {
			p.AddField("abf", *last.ABF)
		}
	}
	if r.CSP != nil {
		p.AddField("init_s", r.CSP.Runtime.Init)
		p.AddField("search_s", r.CSP.Runtime.Search)
		p.AddField("total_s", r.CSP.Runtime.Total)
	}
	if r.AC3 != nil {
		p.AddField("ac3_calls", r.AC3.Calls.Total)
		p.AddField("ac3_success_rate", r.AC3.Calls.SuccessRate)
	}
	return p
}
