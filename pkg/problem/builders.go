// Copyright (C) 2025 Problemgate Authors (maintainers@problemgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package problem

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Well-known problem type URIs under the HTTP errors namespace.
const (
	TypeBadRequest          = "https://httpwg.org/specs/rfc7807#bad-request"
	TypeUnauthorized        = "https://httpwg.org/specs/rfc7807#unauthorized"
	TypeForbidden           = "https://httpwg.org/specs/rfc7807#forbidden"
	TypeNotFound            = "https://httpwg.org/specs/rfc7807#not-found"
	TypeConflict            = "https://httpwg.org/specs/rfc7807#conflict"
	TypeUnprocessable       = "https://httpwg.org/specs/rfc7807#unprocessable-entity"
	TypeTooManyRequests     = "https://httpwg.org/specs/rfc7807#too-many-requests"
	TypeInternalServerError = "https://httpwg.org/specs/rfc7807#internal-server-error"
	TypeServiceUnavailable  = "https://httpwg.org/specs/rfc7807#service-unavailable"

	// TypeValidation is the URN namespace for input validation failures.
	TypeValidation = "urn:error:validation"
)

// FieldError describes a single field-level validation failure.
type FieldError struct {
	// Field is a JSON-pointer style path to the failing field ("/email").
	Field string `json:"field"`

	// Message is the human-readable reason the field was rejected.
	Message string `json:"message"`

	// Type is a machine-readable error code ("value_error.email").
	Type string `json:"type,omitempty"`
}

// PointerFromPath converts a location path to an RFC 6901 JSON Pointer.
//
// Description:
//
//	Segments are joined with "/" after escaping per RFC 6901 ("~" to "~0",
//	"/" to "~1"). An empty path yields "".
//
// Example:
//
//	PointerFromPath("items", "0", "name")  // "/items/0/name"
func PointerFromPath(segments ...string) string {
	if len(segments) == 0 {
		return ""
	}
	escaped := make([]string, len(segments))
	for i, seg := range segments {
		seg = strings.ReplaceAll(seg, "~", "~0")
		seg = strings.ReplaceAll(seg, "/", "~1")
		escaped[i] = seg
	}
	return "/" + strings.Join(escaped, "/")
}

// NewValidation builds a 422 validation problem carrying the individual
// field errors as "errors" and "error_count" extension members.
func NewValidation(detail string, errs []FieldError, opts ...Option) (*Details, error) {
	opts = append([]Option{
		WithExtension("errors", errs),
		WithExtension("error_count", len(errs)),
	}, opts...)
	return New(TypeValidation, "Validation Failed", http.StatusUnprocessableEntity, detail, opts...)
}

// NewNotFound builds a 404 problem for a missing resource.
func NewNotFound(resource, instance string) *Details {
	opts := []Option{}
	if instance != "" {
		opts = append(opts, WithInstance(instance))
	}
	return MustNew(TypeNotFound, "Not Found", http.StatusNotFound,
		fmt.Sprintf("The requested %s was not found", resource), opts...)
}

// NewConflict builds a 409 problem for a state conflict.
func NewConflict(detail, instance string) (*Details, error) {
	opts := []Option{}
	if instance != "" {
		opts = append(opts, WithInstance(instance))
	}
	return New(TypeConflict, "Conflict", http.StatusConflict, detail, opts...)
}

// NewRateLimit builds a 429 problem with a "retry_after" extension in
// whole seconds.
func NewRateLimit(retryAfter time.Duration) *Details {
	secs := int(retryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	return MustNew(TypeTooManyRequests, "Too Many Requests", http.StatusTooManyRequests,
		"Rate limit exceeded, retry later",
		WithExtension("retry_after", secs))
}

// NewInternal builds a 500 problem. The error ID extension lets operators
// correlate the response with server-side logs without exposing internals.
func NewInternal(errorID string) *Details {
	opts := []Option{}
	if errorID != "" {
		opts = append(opts, WithExtension("error_id", errorID))
	}
	return MustNew(TypeInternalServerError, "Internal Server Error", http.StatusInternalServerError,
		"An unexpected error occurred", opts...)
}
