// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command csptrace analyzes search traces written by a backjumping CSP
// solver.
//
// Usage:
//
//	csptrace analyze run.json
//	csptrace verify run.json
//	csptrace batch ./traces
//	csptrace watch ./traces
//	csptrace serve --addr :8089
//
// Exit status is 0 on success, 1 when any trace or the configuration
// fails, and 3 when analysis completed but a dead end was flagged for
// manual inspection.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	exitOK      = 0
	exitFailure = 1
	exitFlagged = 3
)

var (
	// errAnalysisFailed means at least one trace failed. Each failure has
	// already been printed.
	errAnalysisFailed = errors.New("one or more traces failed analysis")

	// errFlagged means analysis succeeded but a dead end did no AC-3 work.
	errFlagged = errors.New("one or more dead ends flagged for inspection")
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command line and maps the outcome to an exit code.
func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{stdout: stdout, stderr: stderr}
	defer a.close()

	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "csptrace:", err)
	}
	return exitCode(err)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errFlagged):
		return exitFlagged
	default:
		return exitFailure
	}
}
