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
	"time"

	"github.com/AleutianAI/csptrace/services/trace/ac3stats"
	"github.com/AleutianAI/csptrace/services/trace/cspinfo"
	"github.com/AleutianAI/csptrace/services/trace/metrics"
)

// Report is the complete analysis of one trace.
type Report struct {
	// RunID identifies the analysis run that produced the report.
	RunID string `json:"run_id" yaml:"run_id"`

	// File is the trace file name, or the name given to AnalyzeBytes.
	File string `json:"file" yaml:"file"`

	// Key is the cache key of the trace and options.
	Key string `json:"key" yaml:"key"`

	AnalyzedAt time.Time `json:"analyzed_at" yaml:"analyzed_at"`

	// Cached is true when the report was served from the cache.
	Cached bool `json:"cached" yaml:"cached"`

	TrackAC3 bool `json:"track_ac3" yaml:"track_ac3"`

	Metrics *metrics.Summary `json:"metrics" yaml:"metrics"`

	// AC3 is nil when the solver did not track AC-3.
	AC3 *ac3stats.Report `json:"ac3,omitempty" yaml:"ac3,omitempty"`

	CSP *cspinfo.Info `json:"csp" yaml:"csp"`
}

// Flagged reports whether any dead end needs manual inspection.
func (r *Report) Flagged() bool {
	return r != nil && r.Metrics != nil && len(r.Metrics.Flagged) > 0
}

// Sink exports finished reports.
//
// Implementations live in the sink package. Write must be safe for
// concurrent use, since batch analysis exports from several goroutines.
type Sink interface {
	// Name identifies the sink in logs and errors.
	Name() string

	// Write exports one report.
	Write(ctx context.Context, r *Report) error

	// Close flushes and releases resources.
	Close() error
}
