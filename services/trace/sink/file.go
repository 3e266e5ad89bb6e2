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
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/csptrace/services/trace/analysis"
)

// Report encodings.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// ErrUnknownFormat is returned for encodings other than json and yaml.
var ErrUnknownFormat = errors.New("unknown report format")

// Encode renders a report as indented JSON or YAML.
func Encode(r *analysis.Report, format string) ([]byte, error) {
	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode report as json: %w", err)
		}
		return append(data, '\n'), nil
	case FormatYAML:
		data, err := yaml.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("encode report as yaml: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// FileSink writes one report file per analysis into a directory.
//
// Thread Safety: Safe for concurrent use. Each write goes to its own
// temporary file and is renamed into place.
type FileSink struct {
	dir    string
	format string
}

// NewFileSink creates dir if needed and returns a sink writing format.
func NewFileSink(dir, format string) (*FileSink, error) {
	if format != FormatJSON && format != FormatYAML {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create report directory: %w", err)
	}
	return &FileSink{dir: dir, format: format}, nil
}

// Name implements analysis.Sink.
func (s *FileSink) Name() string { return "file" }

// Path returns where r is written.
func (s *FileSink) Path(r *analysis.Report) string {
	return filepath.Join(s.dir, reportName(r, s.format))
}

// Write implements analysis.Sink.
func (s *FileSink) Write(_ context.Context, r *analysis.Report) error {
	data, err := Encode(r, s.format)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".report-*")
	if err != nil {
		return fmt.Errorf("create temp report: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close report: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path(r)); err != nil {
		return fmt.Errorf("move report into place: %w", err)
	}
	return nil
}

// Close implements analysis.Sink.
func (s *FileSink) Close() error { return nil }
