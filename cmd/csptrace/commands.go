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
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/csptrace/services/trace/analysis"
	"github.com/AleutianAI/csptrace/services/trace/config"
	"github.com/AleutianAI/csptrace/services/trace/server"
	"github.com/AleutianAI/csptrace/services/trace/watch"
)

// analysisFlags are shared by every command that runs the pipeline.
type analysisFlags struct {
	strict      bool
	concurrency int
	noExport    bool
}

func (f *analysisFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.strict, "strict", false, "reject failing search steps without a jump height")
	cmd.Flags().BoolVar(&f.noExport, "no-export", false, "skip the report cache and sinks")
}

// options applies flag overrides to the configured analysis options.
func (f *analysisFlags) options(cmd *cobra.Command, cfg config.AnalysisConfig) analysis.Options {
	opts := analysis.OptionsFromConfig(cfg)
	if f.strict {
		opts.StrictJumpHeights = true
	}
	if cmd.Flags().Changed("concurrency") && f.concurrency > 0 {
		opts.Concurrency = f.concurrency
	}
	return opts
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "csptrace",
		Short: "Analyze search traces from a backjumping CSP solver",
		Long: `csptrace rebuilds the logical search tree from a solver trace, checks
every recorded backjump against it, and reports search statistics:
reason and jump-height histograms, dead-end sizes and AC-3 work,
depth distribution, and effective and average branching factors.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.setup(cmd.Context())
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (default "+config.DefaultPath+")")
	pf.StringVar(&a.envFile, "env-file", "", "load environment variables from this file (default .env if present)")
	pf.StringVar(&a.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	pf.BoolVarP(&a.quiet, "quiet", "q", false, "suppress log output on stderr")
	pf.BoolVar(&a.noColor, "no-color", false, "disable styled output")

	root.AddCommand(
		newAnalyzeCmd(a),
		newVerifyCmd(a),
		newBatchCmd(a),
		newWatchCmd(a),
		newServeCmd(a),
		newConfigCmd(a),
		newVersionCmd(a),
	)
	return root
}

func newAnalyzeCmd(a *app) *cobra.Command {
	var flags analysisFlags
	cmd := &cobra.Command{
		Use:   "analyze <trace.json>...",
		Short: "Analyze trace files and print a summary of each",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			analyzer, err := a.analyzer(cmd.Context(), flags.options(cmd, a.cfg.Analysis), !flags.noExport)
			if err != nil {
				return err
			}

			var failed, flagged bool
			for _, path := range args {
				f, fl := a.printResult(analyzer.AnalyzeFile(cmd.Context(), path))
				failed = failed || f
				flagged = flagged || fl
			}
			return outcome(failed, flagged)
		},
	}
	flags.register(cmd)
	return cmd
}

func newVerifyCmd(a *app) *cobra.Command {
	var flags analysisFlags
	cmd := &cobra.Command{
		Use:   "verify <trace.json>...",
		Short: "Rebuild and verify the search tree without extracting metrics",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			analyzer, err := a.analyzer(cmd.Context(), flags.options(cmd, a.cfg.Analysis), false)
			if err != nil {
				return err
			}

			failed := false
			for _, path := range args {
				tree, err := analyzer.Verify(cmd.Context(), path)
				if err != nil {
					a.printer.Error(err)
					failed = true
					continue
				}
				a.printer.OK("%s: %d nodes, %d failing, %d solutions",
					path, tree.Len(), tree.FailingCount(), tree.SolutionCount())
			}
			return outcome(failed, false)
		},
	}
	cmd.Flags().BoolVar(&flags.strict, "strict", false, "reject failing search steps without a jump height")
	return cmd
}

func newBatchCmd(a *app) *cobra.Command {
	var (
		flags   analysisFlags
		pattern string
	)
	cmd := &cobra.Command{
		Use:   "batch <dir>",
		Short: "Analyze every trace under a directory concurrently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if pattern == "" {
				pattern = a.cfg.Watch.Pattern
			}
			paths, err := analysis.FindTraces(args[0], pattern)
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return fmt.Errorf("no traces matching %q under %s", pattern, args[0])
			}

			analyzer, err := a.analyzer(cmd.Context(), flags.options(cmd, a.cfg.Analysis), !flags.noExport)
			if err != nil {
				return err
			}

			failed, flagged := a.printBatch(analyzer.AnalyzeBatch(cmd.Context(), paths))
			a.printer.OK("%d traces analyzed", len(paths))
			return outcome(failed, flagged)
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVarP(&flags.concurrency, "concurrency", "j", 0, "override analysis.concurrency")
	cmd.Flags().StringVar(&pattern, "pattern", "", "trace file name pattern (default watch.pattern)")
	return cmd
}

func (a *app) printBatch(results []analysis.Result) (failed, flagged bool) {
	for _, res := range results {
		f, fl := a.printResult(res.Report, res.Err)
		failed = failed || f
		flagged = flagged || fl
	}
	return failed, flagged
}

func newWatchCmd(a *app) *cobra.Command {
	var (
		flags    analysisFlags
		debounce time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Re-analyze traces as they are written under a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			analyzer, err := a.analyzer(cmd.Context(), flags.options(cmd, a.cfg.Analysis), !flags.noExport)
			if err != nil {
				return err
			}
			if debounce <= 0 {
				debounce = a.cfg.Watch.Debounce
			}

			w, err := watch.New(args[0], func(ctx context.Context, paths []string) {
				a.printBatch(analyzer.AnalyzeBatch(ctx, paths))
			}, watch.Options{
				Debounce: debounce,
				Pattern:  a.cfg.Watch.Pattern,
				Logger:   a.logger.Slog(),
			})
			if err != nil {
				return err
			}

			dir, _ := filepath.Abs(args[0])
			a.logger.Info("watching for traces",
				slog.String("dir", dir),
				slog.String("pattern", a.cfg.Watch.Pattern),
				slog.Duration("debounce", debounce))
			return w.Run(cmd.Context())
		},
	}
	flags.register(cmd)
	cmd.Flags().DurationVar(&debounce, "debounce", 0, "override watch.debounce")
	return cmd
}

func newServeCmd(a *app) *cobra.Command {
	var (
		flags analysisFlags
		addr  string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve trace analysis over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			if a.cfg.Logging.Level == "debug" {
				gin.SetMode(gin.DebugMode)
			} else {
				gin.SetMode(gin.ReleaseMode)
			}

			analyzer, err := a.analyzer(cmd.Context(), flags.options(cmd, a.cfg.Analysis), !flags.noExport)
			if err != nil {
				return err
			}

			opts := []server.Option{
				server.WithVersion(version),
				server.WithLogger(a.logger.Slog()),
			}
			if a.cache != nil {
				opts = append(opts, server.WithCache(a.cache))
			}
			s, err := server.New(a.cfg.Server, analyzer, opts...)
			if err != nil {
				return err
			}
			return s.Run(cmd.Context())
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&addr, "addr", "", "override server.addr")
	return cmd
}

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := config.DefaultPath
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			a.printer.OK("wrote %s", path)
			return nil
		},
	})
	return cmd
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(a.stdout, "csptrace %s\n", version)
		},
	}
}
