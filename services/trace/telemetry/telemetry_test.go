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
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric/noop"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/AleutianAI/csptrace/services/trace/traceerr"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "")
	t.Setenv("OTEL_METRICS_EXPORTER", "")
	cfg := DefaultConfig()

	if cfg.ServiceName != "csptrace" {
		t.Errorf("ServiceName = %q, want %q", cfg.ServiceName, "csptrace")
	}
	if cfg.TraceExporter != "none" {
		t.Errorf("TraceExporter = %q, want %q", cfg.TraceExporter, "none")
	}
	if cfg.MetricExporter != "prometheus" {
		t.Errorf("MetricExporter = %q, want %q", cfg.MetricExporter, "prometheus")
	}
}

func TestDefaultConfig_EnvOverride(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "stdout")
	t.Setenv("CSPTRACE_ENV", "ci")
	cfg := DefaultConfig()

	if cfg.TraceExporter != "stdout" {
		t.Errorf("TraceExporter = %q, want stdout", cfg.TraceExporter)
	}
	if cfg.Environment != "ci" {
		t.Errorf("Environment = %q, want ci", cfg.Environment)
	}
}

func TestInit_NilContext(t *testing.T) {
	_, err := Init(nil, DefaultConfig())
	if !errors.Is(err, ErrNilContext) {
		t.Errorf("Init(nil) error = %v, want %v", err, ErrNilContext)
	}
}

func TestInit_NoneExporters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "none"
	cfg.MetricExporter = "none"

	shutdown, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInit_StdoutExporters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "stdout"
	cfg.MetricExporter = "stdout"

	shutdown, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "zipkin"

	_, err := Init(context.Background(), cfg)
	if !errors.Is(err, ErrUnknownExporter) {
		t.Errorf("Init() error = %v, want %v", err, ErrUnknownExporter)
	}

	cfg.TraceExporter = "none"
	cfg.MetricExporter = "otlp"
	_, err = Init(context.Background(), cfg)
	if !errors.Is(err, ErrUnknownExporter) {
		t.Errorf("Init() error = %v, want %v", err, ErrUnknownExporter)
	}
}

// TestInit_PrometheusTwice verifies a second Init does not collide with
// the first exporter's registration, and the handler serves the newest
// OTel instruments next to the default registry.
func TestInit_PrometheusTwice(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "none"
	cfg.MetricExporter = "prometheus"

	for i := 0; i < 2; i++ {
		shutdown, err := Init(context.Background(), cfg)
		if err != nil {
			t.Fatalf("Init() #%d error = %v", i+1, err)
		}
		defer shutdown(context.Background())
	}

	counter, err := otel.Meter("test").Int64Counter("csptrace_test_events")
	if err != nil {
		t.Fatalf("Int64Counter() error = %v", err)
	}
	counter.Add(context.Background(), 3)

	w := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "csptrace_test_events_total") {
		t.Errorf("OTel counter missing from scrape:\n%s", body)
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Errorf("default registry missing from scrape")
	}
}

func TestDefaultConfig_SampleRatio(t *testing.T) {
	if got := DefaultConfig().SampleRatio; got != 1 {
		t.Errorf("SampleRatio = %v, want 1", got)
	}
}

func TestMetricsHandler_NeverNil(t *testing.T) {
	if MetricsHandler() == nil {
		t.Error("MetricsHandler() returned nil")
	}
}

func TestLoggerWithTrace_NoSpan(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	logger := LoggerWithTrace(context.Background(), base)
	logger.Info("hello")

	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("unexpected trace_id without span: %s", buf.String())
	}
	if LoggerWithTrace(context.Background(), nil) == nil {
		t.Error("nil logger should fall back to slog.Default()")
	}
}

func TestLoggerWithTrace_WithSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	var buf bytes.Buffer
	logger := LoggerWithTrace(ctx, slog.New(slog.NewTextHandler(&buf, nil)))
	logger.Info("hello")

	out := buf.String()
	if !strings.Contains(out, "trace_id="+span.SpanContext().TraceID().String()) {
		t.Errorf("missing trace_id: %s", out)
	}
	if TraceID(ctx) != span.SpanContext().TraceID().String() {
		t.Errorf("TraceID() = %q", TraceID(ctx))
	}
}

func TestRecordError_MarksSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	_, span := tp.Tracer("test").Start(context.Background(), "op")
	RecordError(span, errors.New("boom"))
	RecordError(span, nil)
	RecordError(nil, errors.New("ignored"))
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	if ended[0].Status().Description != "boom" {
		t.Errorf("status = %+v", ended[0].Status())
	}
	if len(ended[0].Events()) != 1 {
		t.Errorf("expected 1 error event, got %d", len(ended[0].Events()))
	}
}

// TestRecordError_TraceError verifies analysis errors carry their kind
// and location as attributes.
func TestRecordError_TraceError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	_, span := tp.Tracer("test").Start(context.Background(), "op")
	err := traceerr.WithFile(traceerr.Structural("search:0/1", "second AC3 run on one decision"), "run.json")
	RecordError(span, err)
	span.End()

	got := recorder.Ended()[0]
	var kind string
	for _, kv := range got.Attributes() {
		if kv.Key == "error.kind" {
			kind = kv.Value.AsString()
		}
	}
	if kind != "STRUCTURAL_VIOLATION" {
		t.Errorf("error.kind = %q", kind)
	}
	event := map[string]string{}
	for _, kv := range got.Events()[0].Attributes {
		event[string(kv.Key)] = kv.Value.Emit()
	}
	if event["trace.file"] != "run.json" || event["trace.path"] != "search:0/1" {
		t.Errorf("event attributes = %v", event)
	}
}

func TestNewMetrics(t *testing.T) {
	m, err := NewMetrics(noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	m.RecordRequest(context.Background(), "/v1/analyze", 200, 0.01)

	var nilMetrics *Metrics
	nilMetrics.RecordRequest(context.Background(), "/v1/analyze", 200, 0.01)
}
