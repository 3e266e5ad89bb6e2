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
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the OTel instruments for the HTTP surface.
//
// Description:
//
//	Pipeline-internal instruments (stage durations, node counts) are
//	registered with promauto next to the code they measure. These are
//	the request-level instruments owned by the server.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// HTTPRequestsTotal counts requests by route and status.
	HTTPRequestsTotal metric.Int64Counter

	// HTTPRequestDuration records request latency in seconds.
	HTTPRequestDuration metric.Float64Histogram

	// TraceBytes records uploaded trace sizes in bytes.
	TraceBytes metric.Int64Histogram

	// RateLimited counts requests rejected by the limiter.
	RateLimited metric.Int64Counter
}

// NewMetrics registers the instruments on meter.
//
// Inputs:
//
//	meter - The OTel meter, typically otel.Meter("csptrace.server").
//
// Outputs:
//
//	*Metrics - Initialized instruments.
//	error - Non-nil if registration fails.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"csptrace_http_requests_total",
		metric.WithDescription("Total HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_requests_total: %w", err)
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"csptrace_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_request_duration: %w", err)
	}

	m.TraceBytes, err = meter.Int64Histogram(
		"csptrace_http_trace_bytes",
		metric.WithDescription("Size of uploaded traces"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(1<<10, 1<<14, 1<<18, 1<<22, 1<<26),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_trace_bytes: %w", err)
	}

	m.RateLimited, err = meter.Int64Counter(
		"csptrace_http_rate_limited_total",
		metric.WithDescription("Requests rejected by the rate limiter"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_rate_limited_total: %w", err)
	}

	return m, nil
}

// RecordRequest records one completed request.
func (m *Metrics) RecordRequest(ctx context.Context, route string, status int, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("route", route),
		attribute.Int("status", status),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("route", route)))
}
