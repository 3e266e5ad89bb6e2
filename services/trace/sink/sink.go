// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sink exports analysis reports to files, Cloud Storage, and
// InfluxDB.
//
// Each sink implements analysis.Sink. FromConfig builds the enabled set.
package sink

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/csptrace/services/trace/analysis"
	"github.com/AleutianAI/csptrace/services/trace/config"
)

// FromConfig creates every enabled sink.
//
// Description:
//
//	On error, sinks created so far are closed before returning.
//
// Outputs:
//
//	[]analysis.Sink - Enabled sinks in file, gcs, influx order.
//	error           - The first construction error.
func FromConfig(ctx context.Context, cfg config.SinksConfig) ([]analysis.Sink, error) {
	var sinks []analysis.Sink

	if cfg.File.Enabled {
		s, err := NewFileSink(cfg.File.Dir, cfg.File.Format)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}

	if cfg.GCS.Enabled {
		s, err := NewGCSSink(ctx, cfg.GCS)
		if err != nil {
			_ = CloseAll(sinks)
			return nil, err
		}
		sinks = append(sinks, s)
	}

	if cfg.Influx.Enabled {
		sinks = append(sinks, NewInfluxSink(cfg.Influx))
	}

	return sinks, nil
}

// CloseAll closes every sink and joins their errors.
func CloseAll(sinks []analysis.Sink) error {
	var errs []error
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s sink: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// reportName derives an object or file name for a report:
// "<trace base name>.<first 12 chars of run id>.<ext>".
func reportName(r *analysis.Report, ext string) string {
	base := filepath.Base(r.File)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "trace"
	}
	id := r.RunID
	if len(id) > 12 {
		id = id[:12]
	}
	return base + "." + id + "." + ext
}
