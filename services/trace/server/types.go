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

// Error codes returned in ErrorResponse.Code. Domain violations use the
// traceerr kind codes.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeInvalidTrace   = "INVALID_TRACE"
	CodeTraceTooLarge  = "TRACE_TOO_LARGE"
	CodeInvalidKey     = "INVALID_KEY"
	CodeNotFound       = "NOT_FOUND"
	CodeCacheDisabled  = "CACHE_DISABLED"
	CodeRateLimited    = "RATE_LIMITED"
	CodeInternal       = "INTERNAL_ERROR"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable machine-readable code.
	Code string `json:"code"`

	// File is the trace name for file-scoped analysis errors.
	File string `json:"file,omitempty"`

	// Path locates a domain violation inside the trace.
	Path string `json:"path,omitempty"`
}

// AnalyzeQuery holds the query parameters of POST /v1/analyze.
type AnalyzeQuery struct {
	// Name labels the trace in the report and in errors.
	Name string `form:"name" validate:"omitempty,max=255,excludesall=/\\"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	// Status is "healthy" or "degraded".
	Status string `json:"status"`

	Version string `json:"version"`

	// Cache is "enabled" or "disabled".
	Cache string `json:"cache"`
}

// KeysResponse is the body of GET /v1/reports.
type KeysResponse struct {
	Keys []string `json:"keys"`
}
