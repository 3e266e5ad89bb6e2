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
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// Result is the outcome for one file of a batch.
type Result struct {
	File   string
	Report *Report

	// Err is file-scoped. Report is still set when Err wraps ErrSink.
	Err error
}

// AnalyzeBatch analyzes files concurrently.
//
// Description:
//
//	Runs at most Options.Concurrency analyses at once. A failing file
//	never stops its siblings; each Result carries its own error. Files
//	not yet started when ctx is cancelled get ctx's error.
//
// Inputs:
//
//	ctx   - Context for cancellation and tracing.
//	paths - Trace files.
//
// Outputs:
//
//	[]Result - One result per path, in input order.
func (a *Analyzer) AnalyzeBatch(ctx context.Context, paths []string) []Result {
	ctx, span := tracer.Start(ctx, "analysis.AnalyzeBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("files", len(paths)))

	results := make([]Result, len(paths))

	limit := a.opts.Concurrency
	if limit < 1 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)

	for i, path := range paths {
		g.Go(func() error {
			results[i].File = path
			if err := ctx.Err(); err != nil {
				results[i].Err = fmt.Errorf("%s: %w", path, err)
				return nil
			}
			results[i].Report, results[i].Err = a.AnalyzeFile(ctx, path)
			return nil
		})
	}
	// Workers record failures in results and never return an error.
	g.Wait()

	failed := 0
	for _, r := range results {
		if r.Report == nil {
			failed++
		}
	}
	span.SetAttributes(attribute.Int("failed", failed))
	return results
}

// FindTraces lists regular files under dir whose base name matches
// pattern, in lexical order.
func FindTraces(dir, pattern string) ([]string, error) {
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("trace pattern %q: %w", pattern, err)
	}

	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if ok, _ := filepath.Match(pattern, d.Name()); ok {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	slices.Sort(paths)
	return paths, nil
}
