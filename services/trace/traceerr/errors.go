// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package traceerr defines the fatal error taxonomy shared by every stage
// of trace analysis.
//
// Every violation is reported as an *Error carrying a Kind. Each Kind has a
// sentinel so callers can classify failures with errors.Is:
//
//	if errors.Is(err, traceerr.ErrUnsupportedStrategy) {
//	    // reject the trace, the solver used a strategy we cannot analyze
//	}
//
// None of these errors are retryable. A violation aborts analysis of the
// trace file it was found in.
package traceerr

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Sentinel Errors
// =============================================================================

var (
	// ErrStructuralViolation indicates a required tag or field is missing
	// or malformed at a fixed position in the trace.
	ErrStructuralViolation = errors.New("structural violation")

	// ErrUnsupportedStrategy indicates a Search Step names a decision
	// strategy other than Backtracking.
	ErrUnsupportedStrategy = errors.New("unsupported strategy")

	// ErrConsistencyViolation indicates the backjump relation is
	// overlapping or out of range.
	ErrConsistencyViolation = errors.New("consistency violation")

	// ErrMetricPrecondition indicates a metric was requested from a tree
	// that has not been sized and verified.
	ErrMetricPrecondition = errors.New("metric precondition")
)

// =============================================================================
// Kind
// =============================================================================

// Kind classifies an analysis failure.
type Kind int

const (
	// KindStructural maps to ErrStructuralViolation.
	KindStructural Kind = iota + 1

	// KindUnsupportedStrategy maps to ErrUnsupportedStrategy.
	KindUnsupportedStrategy

	// KindConsistency maps to ErrConsistencyViolation.
	KindConsistency

	// KindMetricPrecondition maps to ErrMetricPrecondition.
	KindMetricPrecondition
)

// Sentinel returns the sentinel error for the kind.
func (k Kind) Sentinel() error {
	switch k {
	case KindStructural:
		return ErrStructuralViolation
	case KindUnsupportedStrategy:
		return ErrUnsupportedStrategy
	case KindConsistency:
		return ErrConsistencyViolation
	case KindMetricPrecondition:
		return ErrMetricPrecondition
	default:
		return nil
	}
}

// Code returns a stable upper-snake identifier for API responses.
func (k Kind) Code() string {
	switch k {
	case KindStructural:
		return "STRUCTURAL_VIOLATION"
	case KindUnsupportedStrategy:
		return "UNSUPPORTED_STRATEGY"
	case KindConsistency:
		return "CONSISTENCY_VIOLATION"
	case KindMetricPrecondition:
		return "METRIC_PRECONDITION"
	default:
		return "UNKNOWN"
	}
}

// String returns the sentinel message for the kind.
func (k Kind) String() string {
	if s := k.Sentinel(); s != nil {
		return s.Error()
	}
	return "unknown"
}

// =============================================================================
// Error
// =============================================================================

// Error is a fatal, file-scoped analysis failure.
//
// Fields:
//
//	Kind - Classification, see Kind.
//	File - Trace file name, stamped by the analysis pipeline.
//	Path - Location of the offending node, either a raw trace path such as
//	       "Solve/Search Step[0]/Try Assign[2]" or a search tree path such
//	       as "search:0/2/1".
//	Msg  - What was wrong.
//	Err  - Optional underlying cause (for example a JSON decode error).
type Error struct {
	Kind Kind
	File string
	Path string
	Msg  string
	Err  error
}

// Error implements the error interface.
//
// Format: "<kind>: <file>: at <path>: <msg>: <cause>", omitting empty parts.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.File != "" {
		b.WriteString(": ")
		b.WriteString(e.File)
	}
	if e.Path != "" {
		b.WriteString(": at ")
		b.WriteString(e.Path)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind's sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Kind.Sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// =============================================================================
// Constructors
// =============================================================================

// Structural creates a KindStructural error at path.
func Structural(path string, format string, args ...any) *Error {
	return &Error{Kind: KindStructural, Path: path, Msg: fmt.Sprintf(format, args...)}
}

// StructuralCause creates a KindStructural error wrapping cause.
func StructuralCause(path string, cause error, format string, args ...any) *Error {
	return &Error{Kind: KindStructural, Path: path, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// UnsupportedStrategy creates a KindUnsupportedStrategy error naming the
// rejected strategy.
func UnsupportedStrategy(path, strategy string) *Error {
	return &Error{Kind: KindUnsupportedStrategy, Path: path, Msg: fmt.Sprintf("strategy %q is not supported", strategy)}
}

// Consistency creates a KindConsistency error at path.
func Consistency(path string, format string, args ...any) *Error {
	return &Error{Kind: KindConsistency, Path: path, Msg: fmt.Sprintf(format, args...)}
}

// MetricPrecondition creates a KindMetricPrecondition error for op.
func MetricPrecondition(op string, format string, args ...any) *Error {
	return &Error{Kind: KindMetricPrecondition, Msg: op + ": " + fmt.Sprintf(format, args...)}
}

// =============================================================================
// Helpers
// =============================================================================

// WithFile stamps file on err if it is an *Error without a file.
//
// Description:
//
//	Returns a copy so that shared error values are never mutated. Errors
//	that are not *Error are wrapped with the file name for context.
//
// Inputs:
//
//	err  - Any error, may be nil.
//	file - Trace file name.
//
// Outputs:
//
//	error - nil if err is nil, otherwise the file-scoped error.
func WithFile(err error, file string) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		if te.File != "" {
			return err
		}
		cp := *te
		cp.File = file
		return &cp
	}
	return fmt.Errorf("%s: %w", file, err)
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return 0, false
}
