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
	"os"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/AleutianAI/csptrace/services/trace/analysis"
	"github.com/AleutianAI/csptrace/services/trace/config"
)

// GCSSink uploads JSON reports to a Cloud Storage bucket.
//
// Thread Safety: Safe for concurrent use.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSSink creates a storage client.
//
// Description:
//
//	Uses the service account key at cfg.CredentialsFile when set, and
//	application default credentials otherwise.
//
// Outputs:
//
//	*GCSSink - The sink. Call Close when done.
//	error    - Missing key file or client creation failure.
func NewGCSSink(ctx context.Context, cfg config.GCSSinkConfig, opts ...option.ClientOption) (*GCSSink, error) {
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err != nil {
			return nil, fmt.Errorf("service account key not found at path %s: %w", cfg.CredentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS storage client: %w", err)
	}
	return &GCSSink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Name implements analysis.Sink.
func (s *GCSSink) Name() string { return "gcs" }

// ObjectName returns the object path r is uploaded to.
func (s *GCSSink) ObjectName(r *analysis.Report) string {
	return path.Join(s.prefix, reportName(r, FormatJSON))
}

// Write implements analysis.Sink.
func (s *GCSSink) Write(ctx context.Context, r *analysis.Report) error {
	data, err := Encode(r, FormatJSON)
	if err != nil {
		return err
	}

	name := s.ObjectName(r)
	w := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/json"
	w.CacheControl = "no-cache, no-store, must-revalidate"
	w.Metadata = map[string]string{
		"run_id": r.RunID,
		"trace":  r.File,
	}

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("upload gs://%s/%s: %w", s.bucket, name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finish upload gs://%s/%s: %w", s.bucket, name, err)
	}
	return nil
}

// Close implements analysis.Sink.
func (s *GCSSink) Close() error {
	return s.client.Close()
}
