// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/csptrace/services/trace/analysis"
	"github.com/AleutianAI/csptrace/services/trace/cache"
	"github.com/AleutianAI/csptrace/services/trace/telemetry"
	"github.com/AleutianAI/csptrace/services/trace/traceerr"
)

// HeaderExport is set to "failed" when the report was produced but a
// sink rejected it.
const HeaderExport = "X-Report-Export"

func (s *Server) requestLogger(c *gin.Context, handler string) *slog.Logger {
	return telemetry.LoggerWithTrace(c.Request.Context(), s.logger).With(
		slog.String("request_id", c.GetString(ctxKeyRequestID)),
		slog.String("handler", handler),
	)
}

// handleAnalyze handles POST /v1/analyze.
//
// Description:
//
//	Reads the raw trace from the body and runs the full pipeline.
//
// Query Parameters:
//
//	name: Trace label (optional, default "upload.json")
//
// Response:
//
//	200 OK: analysis.Report
//	400 Bad Request: Invalid query, empty body, or undecodable JSON
//	413 Request Entity Too Large: Body over max_body_bytes
//	422 Unprocessable Entity: Domain violation, code is the violation kind
func (s *Server) handleAnalyze(c *gin.Context) {
	logger := s.requestLogger(c, "handleAnalyze")

	var q AnalyzeQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: CodeInvalidRequest})
		return
	}
	if err := s.validate.Struct(&q); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: CodeInvalidRequest})
		return
	}
	if q.Name == "" {
		q.Name = "upload.json"
	}

	body := http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes)
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{
				Error: err.Error(),
				Code:  CodeTraceTooLarge,
				File:  q.Name,
			})
			return
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: CodeInvalidRequest})
		return
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "empty request body", Code: CodeInvalidRequest})
		return
	}
	s.metrics.TraceBytes.Record(c.Request.Context(), int64(len(data)))

	report, err := s.analyzer.AnalyzeBytes(c.Request.Context(), q.Name, data)
	switch {
	case err == nil:
	case errors.Is(err, analysis.ErrSink) && report != nil:
		logger.Warn("report produced but export failed", slog.String("error", err.Error()))
		c.Header(HeaderExport, "failed")
	default:
		s.writeAnalysisError(c, logger, q.Name, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

func (s *Server) writeAnalysisError(c *gin.Context, logger *slog.Logger, name string, err error) {
	var te *traceerr.Error
	switch {
	case errors.As(err, &te):
		logger.Info("trace rejected", slog.String("kind", te.Kind.String()), slog.String("error", err.Error()))
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error: te.Error(),
			Code:  te.Kind.Code(),
			File:  te.File,
			Path:  te.Path,
		})
	case errors.Is(err, analysis.ErrTraceTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: err.Error(), Code: CodeTraceTooLarge, File: name})
	default:
		logger.Info("trace not decodable", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: CodeInvalidTrace, File: name})
	}
}

// handleGetReport handles GET /v1/reports/:key.
//
// Response:
//
//	200 OK: analysis.Report as stored
//	400 Bad Request: Malformed key
//	404 Not Found: No report under key
//	503 Service Unavailable: Cache disabled
func (s *Server) handleGetReport(c *gin.Context) {
	if s.cache == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "report cache is disabled", Code: CodeCacheDisabled})
		return
	}

	key := c.Param("key")
	data, err := s.cache.Get(c.Request.Context(), key)
	switch {
	case err == nil:
		c.Data(http.StatusOK, "application/json; charset=utf-8", data)
	case errors.Is(err, cache.ErrInvalidKey):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: CodeInvalidKey})
	case errors.Is(err, cache.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no report for key " + key, Code: CodeNotFound})
	default:
		s.requestLogger(c, "handleGetReport").Error("cache read failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "cache read failed", Code: CodeInternal})
	}
}

// handleListReports handles GET /v1/reports.
func (s *Server) handleListReports(c *gin.Context) {
	if s.cache == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "report cache is disabled", Code: CodeCacheDisabled})
		return
	}
	keys, err := s.cache.Keys(c.Request.Context())
	if err != nil {
		s.requestLogger(c, "handleListReports").Error("cache list failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "cache list failed", Code: CodeInternal})
		return
	}
	if keys == nil {
		keys = []string{}
	}
	c.JSON(http.StatusOK, KeysResponse{Keys: keys})
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(c *gin.Context) {
	resp := HealthResponse{Status: "healthy", Version: s.version, Cache: "disabled"}
	if s.cache != nil {
		resp.Cache = "enabled"
	}
	c.JSON(http.StatusOK, resp)
}
