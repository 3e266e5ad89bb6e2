// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes trace analysis over HTTP.
//
// Endpoints:
//
//	POST /v1/analyze          - Analyze the raw trace in the request body
//	GET  /v1/reports          - List cached report keys
//	GET  /v1/reports/:key     - Fetch a cached report
//	GET  /health              - Health check
//	GET  /metrics             - Prometheus scrape
//
// Every /v1 request passes through request-id, tracing, metrics, and
// token-bucket rate-limit middleware.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/csptrace/services/trace/analysis"
	"github.com/AleutianAI/csptrace/services/trace/cache"
	"github.com/AleutianAI/csptrace/services/trace/config"
	"github.com/AleutianAI/csptrace/services/trace/telemetry"
)

const serviceName = "csptrace"

// Server is the HTTP front end of an Analyzer.
//
// Thread Safety: Safe for concurrent use once created.
type Server struct {
	cfg      config.ServerConfig
	analyzer *analysis.Analyzer
	cache    *cache.Cache
	version  string
	logger   *slog.Logger
	limiter  *rate.Limiter
	metrics  *telemetry.Metrics
	validate *validator.Validate
	router   *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithCache enables GET /v1/reports. The server does not close c.
func WithCache(c *cache.Cache) Option {
	return func(s *Server) { s.cache = c }
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithLogger sets the request logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New builds the router.
//
// Inputs:
//
//	cfg      - Server configuration. RateLimit and Burst size the limiter.
//	analyzer - Runs the analyses.
//	opts     - Optional cache, version, logger.
//
// Outputs:
//
//	*Server - Ready to serve.
//	error   - Non-nil if the HTTP instruments cannot be registered.
func New(cfg config.ServerConfig, analyzer *analysis.Analyzer, opts ...Option) (*Server, error) {
	m, err := telemetry.NewMetrics(otel.Meter("csptrace.server"))
	if err != nil {
		return nil, fmt.Errorf("create server metrics: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		analyzer: analyzer,
		version:  "dev",
		logger:   slog.Default(),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		metrics:  m,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, o := range opts {
		o(s)
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	v1 := r.Group("/v1")
	v1.Use(
		requestID(),
		otelgin.Middleware(serviceName),
		s.recordMetrics(),
		s.rateLimit(),
	)
	{
		v1.POST("/analyze", s.handleAnalyze)
		v1.GET("/reports", s.handleListReports)
		v1.GET("/reports/:key", s.handleGetReport)
	}
	return r
}

// Run serves on cfg.Addr until ctx is cancelled, then shuts down
// gracefully within cfg.ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", slog.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info("HTTP server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
