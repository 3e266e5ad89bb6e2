// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config provides configuration loading for the trace analyzer.
//
// Configuration is a single YAML file. Every section has defaults, so a
// missing file or a partial file is valid. After loading, CSPTRACE_*
// environment variables override sink credentials and the server address,
// and the result is validated with struct tags.
//
// Thread Safety:
//
//	Config values are plain data. Load and Validate are safe for
//	concurrent use.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/csptrace/services/trace/telemetry"
)

// Config is the root configuration.
type Config struct {
	Analysis  AnalysisConfig   `yaml:"analysis"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Cache     CacheConfig      `yaml:"cache"`
	Sinks     SinksConfig      `yaml:"sinks"`
	Server    ServerConfig     `yaml:"server"`
	Watch     WatchConfig      `yaml:"watch"`
}

// AnalysisConfig tunes the analysis pipeline.
type AnalysisConfig struct {
	// StrictJumpHeights rejects failing Search Steps without jump_height
	// at build time instead of deferring to backjump verification.
	StrictJumpHeights bool `yaml:"strict_jump_heights"`

	// EBFTolerance is the absolute bisection tolerance for EBF.
	EBFTolerance float64 `yaml:"ebf_tolerance" validate:"gt=0,lt=1"`

	// EBFMaxIterations caps EBF bisection steps.
	EBFMaxIterations int `yaml:"ebf_max_iterations" validate:"gte=1,lte=10000"`

	// Concurrency bounds parallel file analysis in batch mode.
	Concurrency int `yaml:"concurrency" validate:"gte=1,lte=256"`

	// PruneConstrLen restricts the AC-3 prune duration breakdown to
	// constraints of this length. 0 disables the filter.
	PruneConstrLen int `yaml:"prune_constr_len" validate:"gte=0"`

	// MaxTraceBytes rejects larger trace files before decoding.
	MaxTraceBytes int64 `yaml:"max_trace_bytes" validate:"gte=1024"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=auto text json"`

	// Dir enables per-day JSON log files. Empty disables them.
	Dir string `yaml:"dir"`

	Quiet bool `yaml:"quiet"`
}

// CacheConfig configures the report cache.
type CacheConfig struct {
	Enabled bool `yaml:"enabled"`

	// Dir holds the Badger files. Ignored when InMemory is true.
	Dir string `yaml:"dir" validate:"required_if=Enabled true InMemory false"`

	InMemory bool `yaml:"in_memory"`

	// TTL expires cached reports. 0 keeps them forever.
	TTL time.Duration `yaml:"ttl" validate:"gte=0"`

	// GCInterval runs Badger value-log GC. 0 disables it.
	GCInterval time.Duration `yaml:"gc_interval" validate:"gte=0"`
}

// SinksConfig enables report exporters.
type SinksConfig struct {
	File   FileSinkConfig   `yaml:"file"`
	GCS    GCSSinkConfig    `yaml:"gcs"`
	Influx InfluxSinkConfig `yaml:"influx"`
}

// FileSinkConfig writes one report file per trace.
type FileSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir" validate:"required_if=Enabled true"`
	Format  string `yaml:"format" validate:"oneof=json yaml"`
}

// GCSSinkConfig uploads reports to a Cloud Storage bucket.
type GCSSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket" validate:"required_if=Enabled true"`
	Prefix  string `yaml:"prefix"`

	// CredentialsFile is a service account JSON key. Empty uses
	// application default credentials.
	CredentialsFile string `yaml:"credentials_file"`
}

// InfluxSinkConfig writes headline metrics as InfluxDB points.
type InfluxSinkConfig struct {
	Enabled     bool   `yaml:"enabled"`
	URL         string `yaml:"url" validate:"required_if=Enabled true,omitempty,url"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org" validate:"required_if=Enabled true"`
	Bucket      string `yaml:"bucket" validate:"required_if=Enabled true"`
	Measurement string `yaml:"measurement"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`

	// RateLimit is the sustained request rate per second.
	RateLimit float64 `yaml:"rate_limit" validate:"gt=0"`

	// Burst is the token bucket size.
	Burst int `yaml:"burst" validate:"gte=1"`

	// MaxBodyBytes caps uploaded trace size.
	MaxBodyBytes int64 `yaml:"max_body_bytes" validate:"gte=1024"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// WatchConfig configures directory watching.
type WatchConfig struct {
	// Debounce coalesces bursts of writes to one file.
	Debounce time.Duration `yaml:"debounce" validate:"gt=0"`

	// Pattern is a filepath.Match pattern for trace file names.
	Pattern string `yaml:"pattern" validate:"required"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Analysis: AnalysisConfig{
			EBFTolerance:     1e-9,
			EBFMaxIterations: 200,
			Concurrency:      4,
			MaxTraceBytes:    512 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
		Telemetry: telemetry.DefaultConfig(),
		Cache: CacheConfig{
			Dir:        "~/.csptrace/cache",
			TTL:        7 * 24 * time.Hour,
			GCInterval: 10 * time.Minute,
		},
		Sinks: SinksConfig{
			File:   FileSinkConfig{Dir: "reports", Format: "json"},
			GCS:    GCSSinkConfig{Prefix: "csptrace/"},
			Influx: InfluxSinkConfig{Measurement: "csp_search"},
		},
		Server: ServerConfig{
			Addr:            "localhost:8089",
			RateLimit:       10,
			Burst:           20,
			MaxBodyBytes:    64 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		Watch: WatchConfig{
			Debounce: 500 * time.Millisecond,
			Pattern:  "*.json",
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every struct tag constraint.
//
// Outputs:
//
//	error - Wraps ErrInvalidConfig and lists each failing field.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}
