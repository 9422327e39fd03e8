// Copyright (C) 2025 Problemgate Authors (maintainers@problemgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware renders handler errors as negotiated problem
// bodies. It is the HTTP-layer collaborator of the negotiation engine:
// it extracts client signals from request headers, hands canonical
// problems to the Manager, and writes the chosen wire format back.
package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/problemgate/problemgate/pkg/problem"
	"github.com/problemgate/problemgate/services/negotiator"
)

// Request headers consumed by the renderer.
const (
	HeaderClientID       = "X-Client-ID"
	HeaderAPIVersion     = "X-API-Version"
	HeaderFormatOverride = "X-Response-Format"
)

// HeaderDeprecation carries the legacy-format deprecation signal.
const HeaderDeprecation = "Deprecation"

// contextKey stores the problem a handler attached to the request.
const contextKey = "problemgate.problem"

// defaultMaxDetailLength caps detail text leaking into responses.
const defaultMaxDetailLength = 500

// Options configures the renderer.
type Options struct {
	// MaxDetailLength truncates detail strings longer than this many
	// bytes. Zero selects the default; negative disables truncation.
	MaxDetailLength int

	// Logger receives render failures and recovered panics. Nil
	// disables logging.
	Logger *slog.Logger
}

// Option mutates Options.
type Option func(*Options)

// WithMaxDetailLength overrides the detail truncation cap.
func WithMaxDetailLength(n int) Option {
	return func(o *Options) { o.MaxDetailLength = n }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// AbortWithProblem attaches a canonical problem to the request and
// aborts the handler chain. The ProblemRenderer middleware renders it
// in the client's negotiated format.
func AbortWithProblem(c *gin.Context, d *problem.Details) {
	c.Set(contextKey, d)
	c.Abort()
}

// ProblemRenderer returns middleware that renders error responses
// through the negotiation engine.
//
// Description:
//
//	Three error paths funnel into a negotiated body: problems attached
//	via AbortWithProblem, gin errors collected on the context, and
//	panics, which are recovered and rendered as internal-server-error
//	problems carrying a correlation error id. Successful responses
//	pass through untouched. When the chosen format is the policy's
//	legacy format and a deprecation signal applies, the Deprecation
//	header is set alongside the body.
//
// Example:
//
//	router := gin.New()
//	router.Use(middleware.ProblemRenderer(manager, middleware.WithLogger(logger)))
func ProblemRenderer(m *negotiator.Manager, opts ...Option) gin.HandlerFunc {
	options := Options{MaxDetailLength: defaultMaxDetailLength}
	for _, opt := range opts {
		opt(&options)
	}
	if options.MaxDetailLength == 0 {
		options.MaxDetailLength = defaultMaxDetailLength
	}

	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				errorID := uuid.NewString()
				if options.Logger != nil {
					options.Logger.Error("recovered panic in handler",
						"error_id", errorID,
						"panic", r,
						"path", c.Request.URL.Path,
					)
				}
				render(c, m, options, problem.NewInternal(errorID))
			}
		}()

		c.Next()

		if d, ok := attachedProblem(c); ok {
			render(c, m, options, d)
			return
		}

		if len(c.Errors) > 0 && !c.Writer.Written() {
			render(c, m, options, problemFromGinError(c))
		}
	}
}

// attachedProblem returns the problem a handler stored on the context.
func attachedProblem(c *gin.Context) (*problem.Details, bool) {
	v, exists := c.Get(contextKey)
	if !exists {
		return nil, false
	}
	d, ok := v.(*problem.Details)
	return d, ok && d != nil
}

// problemFromGinError maps the last collected gin error to a canonical
// problem, using the status a handler already set when available.
func problemFromGinError(c *gin.Context) *problem.Details {
	status := c.Writer.Status()
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}

	detail := c.Errors.Last().Error()
	d, err := problem.New("", http.StatusText(status), status, detail)
	if err != nil {
		// Blank detail from an empty error string; fall back to a
		// generic internal problem rather than failing the render.
		return problem.NewInternal("")
	}
	return d
}

// render negotiates the format and writes the body.
func render(c *gin.Context, m *negotiator.Manager, options Options, d *problem.Details) {
	d = truncateDetail(d, options.MaxDetailLength)

	desc := negotiator.Descriptor{
		UserAgent:  c.Request.UserAgent(),
		Accept:     c.GetHeader("Accept"),
		ClientID:   c.GetHeader(HeaderClientID),
		APIVersion: c.GetHeader(HeaderAPIVersion),
	}
	override := negotiator.Format(strings.TrimSpace(c.GetHeader(HeaderFormatOverride)))

	payload, contentType, format := m.Render(d, desc, override)

	if format == m.Policy().LegacyFormat {
		if signal, ok := m.DeprecationHeader(); ok {
			c.Header(HeaderDeprecation, signal)
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		// Conversion output is always JSON-serializable; this guards
		// custom formats returning exotic payloads.
		if options.Logger != nil {
			options.Logger.Error("failed to serialize problem payload", "error", err)
		}
		c.Data(d.Status(), negotiator.MediaTypeJSON, []byte(`{"status":500,"message":"An error occurred"}`))
		c.Abort()
		return
	}

	c.Data(d.Status(), contentType, body)
	c.Abort()
}

// truncateDetail caps the detail string, keeping the problem intact
// when the cap is disabled or the detail already fits.
func truncateDetail(d *problem.Details, maxLen int) *problem.Details {
	if maxLen <= 0 || len(d.Detail()) <= maxLen {
		return d
	}
	truncated, err := d.WithDetail(d.Detail()[:maxLen] + "...")
	if err != nil {
		return d
	}
	return truncated
}
