// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/csptrace/pkg/logging"
	"github.com/AleutianAI/csptrace/services/trace/analysis"
	"github.com/AleutianAI/csptrace/services/trace/cache"
	"github.com/AleutianAI/csptrace/services/trace/config"
	"github.com/AleutianAI/csptrace/services/trace/display"
	"github.com/AleutianAI/csptrace/services/trace/sink"
	"github.com/AleutianAI/csptrace/services/trace/telemetry"
)

// app holds the process-wide state built by the root command.
type app struct {
	stdout io.Writer
	stderr io.Writer

	// Root flags.
	configPath string
	envFile    string
	logLevel   string
	quiet      bool
	noColor    bool

	cfg      config.Config
	logger   *logging.Logger
	printer  *display.Printer
	shutdown func(context.Context) error

	cache *cache.Cache
	sinks []analysis.Sink
}

// setup loads the environment and configuration, then starts logging and
// telemetry. It runs before every command except version.
func (a *app) setup(ctx context.Context) error {
	if err := loadEnv(a.envFile); err != nil {
		return err
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.quiet {
		cfg.Logging.Quiet = true
	}
	cfg.Telemetry.ServiceVersion = version
	a.cfg = cfg

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}
	a.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "csptrace",
		Format:  logging.Format(cfg.Logging.Format),
		Quiet:   cfg.Logging.Quiet,
	})
	slog.SetDefault(a.logger.Slog())

	a.printer = display.NewPrinter(a.stdout, !a.noColor && isTerminal(a.stdout))

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.shutdown = shutdown
	return nil
}

// loadEnv loads KEY=VALUE pairs from path. A missing default .env is not
// an error; a missing explicit file is.
func loadEnv(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	err := godotenv.Load(path)
	if err == nil || (!explicit && errors.Is(err, fs.ErrNotExist)) {
		return nil
	}
	return fmt.Errorf("load env file %s: %w", path, err)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// analyzer builds an Analyzer from the loaded configuration. When export
// is true the configured cache and sinks are opened and attached.
func (a *app) analyzer(ctx context.Context, opts analysis.Options, export bool) (*analysis.Analyzer, error) {
	options := []analysis.Option{analysis.WithLogger(a.logger.Slog())}
	if !export {
		return analysis.NewAnalyzer(opts, options...), nil
	}

	if a.cfg.Cache.Enabled && a.cache == nil {
		c, err := cache.Open(a.cfg.Cache, a.logger.Slog())
		if err != nil {
			return nil, err
		}
		a.cache = c
	}
	if a.cache != nil {
		options = append(options, analysis.WithCache(a.cache))
	}

	if a.sinks == nil {
		sinks, err := sink.FromConfig(ctx, a.cfg.Sinks)
		if err != nil {
			return nil, err
		}
		a.sinks = sinks
	}
	options = append(options, analysis.WithSinks(a.sinks...))
	return analysis.NewAnalyzer(opts, options...), nil
}

// close releases everything setup and analyzer opened. Safe to call when
// setup never ran.
func (a *app) close() {
	if err := sink.CloseAll(a.sinks); err != nil && a.logger != nil {
		a.logger.Warn("closing sinks", slog.String("error", err.Error()))
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil && a.logger != nil {
			a.logger.Warn("closing report cache", slog.String("error", err.Error()))
		}
	}
	if a.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdown(ctx); err != nil && a.logger != nil {
			a.logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}
	if a.logger != nil {
		_ = a.logger.Close()
	}
}

// printResult prints one analysis outcome and reports whether it failed
// and whether it was flagged.
func (a *app) printResult(r *analysis.Report, err error) (failed, flagged bool) {
	if r == nil {
		a.printer.Error(err)
		return true, false
	}
	a.printer.Report(r)
	if err != nil {
		// Sink failures leave a valid report.
		a.printer.Error(err)
	}
	return false, r.Flagged()
}

// outcome folds per-file results into the command error.
func outcome(failed, flagged bool) error {
	switch {
	case failed:
		return errAnalysisFailed
	case flagged:
		return errFlagged
	default:
		return nil
	}
}
