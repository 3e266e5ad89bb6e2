// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/csptrace/services/trace/traceerr"
)

// RecordError records err on span and marks the span as failed.
//
// Description:
//
//	Analysis errors are also tagged with their kind code and, when
//	known, the trace file and the path inside the trace, so failed spans
//	can be grouped by violation without parsing messages.
//
// Inputs:
//
//	span  - The span. May be nil.
//	err   - The error. May be nil, in which case nothing happens.
//	attrs - Extra attributes for the error event.
//
// Thread Safety: Safe for concurrent use.
func RecordError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if span == nil || err == nil {
		return
	}
	var te *traceerr.Error
	if errors.As(err, &te) {
		span.SetAttributes(attribute.String("error.kind", te.Kind.Code()))
		if te.File != "" {
			attrs = append(attrs, attribute.String("trace.file", te.File))
		}
		if te.Path != "" {
			attrs = append(attrs, attribute.String("trace.path", te.Path))
		}
	}
	var opts []trace.EventOption
	if len(attrs) > 0 {
		opts = append(opts, trace.WithAttributes(attrs...))
	}
	span.RecordError(err, opts...)
	span.SetStatus(codes.Error, err.Error())
}

// TraceID returns the active trace id in ctx, or "" if there is none.
func TraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// LoggerWithTrace returns a logger with trace context injected.
//
// Description:
//
//	Adds trace_id and span_id from the active span in ctx so that log
//	lines can be joined with traces. Returns logger unchanged when there
//	is no valid span.
//
// Inputs:
//
//	ctx    - Context, may be nil or carry no span.
//	logger - Base logger. nil means slog.Default().
//
// Outputs:
//
//	*slog.Logger - The enriched logger.
//
// Thread Safety: Safe for concurrent use.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if ctx == nil {
		return logger
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
