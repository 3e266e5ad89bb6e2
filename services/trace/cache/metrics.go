// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("csptrace.cache")
	meter  = otel.Meter("csptrace.cache")
)

var (
	cacheHits       metric.Int64Counter
	cacheMisses     metric.Int64Counter
	cachePuts       metric.Int64Counter
	cacheGetLatency metric.Float64Histogram
	cacheValueBytes metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics registers the instruments on first use. Safe to call
// multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		cacheHits, err = meter.Int64Counter(
			"csptrace_cache_hits_total",
			metric.WithDescription("Report cache hits"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheMisses, err = meter.Int64Counter(
			"csptrace_cache_misses_total",
			metric.WithDescription("Report cache misses"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cachePuts, err = meter.Int64Counter(
			"csptrace_cache_puts_total",
			metric.WithDescription("Reports written to the cache"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheGetLatency, err = meter.Float64Histogram(
			"csptrace_cache_get_duration_seconds",
			metric.WithDescription("Duration of report cache lookups"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheValueBytes, err = meter.Int64Histogram(
			"csptrace_cache_value_bytes",
			metric.WithDescription("Size of cached reports"),
			metric.WithUnit("By"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordGet(ctx context.Context, duration time.Duration, hit bool) {
	if err := initMetrics(); err != nil {
		return
	}
	if hit {
		cacheHits.Add(ctx, 1)
	} else {
		cacheMisses.Add(ctx, 1)
	}
	cacheGetLatency.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.Bool("hit", hit)),
	)
}

func recordPut(ctx context.Context, size int) {
	if err := initMetrics(); err != nil {
		return
	}
	cachePuts.Add(ctx, 1)
	cacheValueBytes.Record(ctx, int64(size))
}

func startSpan(ctx context.Context, operation, key string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "ReportCache."+operation,
		trace.WithAttributes(
			attribute.String("cache.operation", operation),
			attribute.String("cache.key", key),
		),
	)
}
