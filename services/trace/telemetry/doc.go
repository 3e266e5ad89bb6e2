// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry provides OpenTelemetry-based observability for csptrace.
//
// Init configures the global TracerProvider and MeterProvider from Config.
// Analysis stages call otel.Tracer directly and log through LoggerWithTrace
// so that log lines carry the trace_id and span_id of the stage that wrote
// them.
//
// # Usage
//
//	shutdown, err := telemetry.Init(ctx, telemetry.DefaultConfig())
//	if err != nil {
//	    return fmt.Errorf("init telemetry: %w", err)
//	}
//	defer shutdown(context.Background())
//
// # Environment Variables
//
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint (default: localhost:4317)
//   - OTEL_TRACES_EXPORTER: otlp, stdout, or none (default: none)
//   - OTEL_METRICS_EXPORTER: prometheus, stdout, or none (default: prometheus)
//   - CSPTRACE_ENV: environment name (default: development)
//
// The CLI defaults traces to none so that a one-shot analyze does not try
// to reach a collector. The server enables whatever the config names.
//
// # Thread Safety
//
// All exported functions are safe for concurrent use after Init returns.
package telemetry
