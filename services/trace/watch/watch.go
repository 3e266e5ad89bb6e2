// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch re-analyzes trace files as a solver writes them.
//
// A Watcher follows a directory tree with fsnotify. Create and write
// events for files matching a pattern are collected, and once the
// directory has been quiet for the debounce window the distinct paths are
// handed to the handler in one batch. Solvers that flush a trace in many
// writes therefore trigger one analysis.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrNotDirectory is returned when the watch root is not a directory.
var ErrNotDirectory = errors.New("watch root is not a directory")

// Handler receives debounced batches of changed trace paths, in the order
// each path was first seen. It runs on the watcher goroutine, so events
// arriving meanwhile are buffered until it returns.
type Handler func(ctx context.Context, paths []string)

// Options configures a Watcher.
type Options struct {
	// Debounce is the quiet period before a batch is delivered.
	// Default: 500ms.
	Debounce time.Duration

	// Pattern is a filepath.Match pattern on base names. Default: "*.json".
	Pattern string

	// Logger receives watcher errors. Default: slog.Default().
	Logger *slog.Logger
}

// Watcher delivers debounced trace changes under a root directory.
//
// Thread Safety: Run must be called once. The handler is called from a
// single goroutine.
type Watcher struct {
	root     string
	handler  Handler
	debounce time.Duration
	pattern  string
	logger   *slog.Logger
	fsw      *fsnotify.Watcher
}

// New creates a watcher for root.
//
// Outputs:
//
//	*Watcher - Ready to Run.
//	error    - ErrNotDirectory, a bad pattern, or an fsnotify error.
func New(root string, handler Handler, opts Options) (*Watcher, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("watch root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, root)
	}

	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	if opts.Pattern == "" {
		opts.Pattern = "*.json"
	}
	if _, err := filepath.Match(opts.Pattern, ""); err != nil {
		return nil, fmt.Errorf("watch pattern %q: %w", opts.Pattern, err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		root:     root,
		handler:  handler,
		debounce: opts.Debounce,
		pattern:  opts.Pattern,
		logger:   opts.Logger,
		fsw:      fsw,
	}
	if err := w.addRecursive(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Run delivers batches until ctx is cancelled. Pending changes are
// flushed before it returns.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	var (
		pending []string
		seen    = make(map[string]bool)
		timer   *time.Timer
		timerC  <-chan time.Time
	)

	flush := func(ctx context.Context) {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
		if len(pending) == 0 {
			return
		}
		batch := pending
		pending = nil
		clear(seen)
		w.handler(ctx, batch)
	}

	for {
		select {
		case <-ctx.Done():
			// The handler still needs a live context to finish the batch.
			flush(context.WithoutCancel(ctx))
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				flush(ctx)
				return nil
			}
			path, ok := w.accept(event)
			if !ok {
				continue
			}
			if !seen[path] {
				seen[path] = true
				pending = append(pending, path)
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				flush(ctx)
				return nil
			}
			w.logger.Warn("file watcher error", slog.String("error", err.Error()))

		case <-timerC:
			timer, timerC = nil, nil
			flush(ctx)
		}
	}
}

// accept filters an event down to a trace path. New directories are
// added to the watch as a side effect.
func (w *Watcher) accept(event fsnotify.Event) (string, bool) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return "", false
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		return "", false
	}
	if info.IsDir() {
		if event.Has(fsnotify.Create) {
			if err := w.addRecursive(event.Name); err != nil {
				w.logger.Warn("cannot watch new directory",
					slog.String("dir", event.Name),
					slog.String("error", err.Error()))
			}
		}
		return "", false
	}
	if !info.Mode().IsRegular() {
		return "", false
	}
	if ok, _ := filepath.Match(w.pattern, filepath.Base(event.Name)); !ok {
		return "", false
	}
	return event.Name, true
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("walk %s: %w", path, err)
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && d.Name()[0] == '.' {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}
