// Copyright (C) 2025 Problemgate Authors (maintainers@problemgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package negotiator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/problemgate/problemgate/pkg/problem"
)

// ConvertFunc renders a canonical problem into one wire format. Convert
// functions must be pure and total: missing optional canonical fields
// are omitted from the payload, never an error.
type ConvertFunc func(d *problem.Details) any

// ErrDuplicateFormat indicates a Register call for an existing tag.
var ErrDuplicateFormat = errors.New("negotiator: format already registered")

type conversion struct {
	fn          ConvertFunc
	contentType string
}

// Converter is the open table of wire-format renderings.
//
// Description:
//
//	New formats extend the system by registering a pure function under a
//	fresh tag; the negotiation table never changes. The four built-in
//	formats are pre-registered by NewConverter.
//
// Thread Safety: Safe for concurrent use. Registration is expected at
// startup but is locked for safety.
type Converter struct {
	mu      sync.RWMutex
	formats map[Format]conversion
}

// NewConverter creates a converter with the built-in formats registered.
func NewConverter() *Converter {
	c := &Converter{formats: make(map[Format]conversion)}
	// Built-ins cannot collide on a fresh map.
	_ = c.Register(FormatStandard, MediaTypeProblem, convertStandard)
	_ = c.Register(FormatLegacyFlat, MediaTypeJSON, convertLegacyFlat)
	_ = c.Register(FormatSimpleStatus, MediaTypeJSON, convertSimpleStatus)
	_ = c.Register(FormatLinkedResource, MediaTypeHAL, convertLinkedResource)
	return c
}

// Register adds a format under a new tag.
func (c *Converter) Register(tag Format, contentType string, fn ConvertFunc) error {
	if tag == "" || fn == nil || contentType == "" {
		return fmt.Errorf("negotiator: register format %q: tag, content type and function are required", tag)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.formats[tag]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateFormat, tag)
	}
	c.formats[tag] = conversion{fn: fn, contentType: contentType}
	return nil
}

// Known reports whether a tag has a registered rendering.
func (c *Converter) Known(tag Format) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.formats[tag]
	return ok
}

// ContentType returns the content type emitted for a format. Unknown
// tags fall back to the standard problem media type.
func (c *Converter) ContentType(tag Format) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if conv, ok := c.formats[tag]; ok {
		return conv.contentType
	}
	return MediaTypeProblem
}

// Convert renders d in the target format.
//
// Description:
//
//	Total on the request path: an unregistered target falls back to the
//	standard rendering rather than erroring, because conversion runs
//	while an error response is already being produced.
//
// Outputs:
//
//	any - The wire payload, ready for JSON serialization.
//	string - The Content-Type to send with it.
func (c *Converter) Convert(d *problem.Details, target Format) (any, string) {
	c.mu.RLock()
	conv, ok := c.formats[target]
	c.mu.RUnlock()

	if !ok {
		return convertStandard(d), MediaTypeProblem
	}
	return conv.fn(d), conv.contentType
}

// legacyFlatPayload is the wire shape legacy clients were built against.
type legacyFlatPayload struct {
	Detail     string `json:"detail"`
	StatusCode int    `json:"status_code"`
	ErrorType  string `json:"error_type,omitempty"`
}

// simpleStatusPayload is the minimal status/message shape.
type simpleStatusPayload struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func convertStandard(d *problem.Details) any {
	// Details marshals itself in RFC 7807 member order.
	return d
}

func convertLegacyFlat(d *problem.Details) any {
	detail := d.Detail()
	if title := d.Title(); title != "" {
		detail = title + ": " + detail
	}
	errorType := d.Type()
	if errorType == problem.TypeBlank {
		errorType = ""
	}
	return legacyFlatPayload{
		Detail:     detail,
		StatusCode: d.Status(),
		ErrorType:  errorType,
	}
}

func convertSimpleStatus(d *problem.Details) any {
	return simpleStatusPayload{
		Status:  d.Status(),
		Message: d.Detail(),
	}
}

// halLink is a single HAL link object.
type halLink struct {
	Href string `json:"href"`
}

func convertLinkedResource(d *problem.Details) any {
	self := d.Instance()
	if self == "" {
		self = "/"
	}
	links := map[string]halLink{
		"self": {Href: self},
		"help": {Href: d.Type()},
	}

	// The standard members plus _links; rebuilding through the problem
	// package keeps extension order intact.
	opts := []problem.Option{}
	if d.Instance() != "" {
		opts = append(opts, problem.WithInstance(d.Instance()))
	}
	for _, ext := range d.Extensions() {
		opts = append(opts, problem.WithExtension(ext.Key, ext.Value))
	}
	opts = append(opts, problem.WithExtension("_links", links))

	linked, err := problem.New(d.Type(), d.Title(), d.Status(), d.Detail(), opts...)
	if err != nil {
		// d already satisfied the invariants; rebuilding cannot fail.
		return d
	}
	return linked
}

// Defaults recovered when a legacy payload is missing fields.
const (
	reverseDefaultTitle  = "API Error"
	reverseDefaultDetail = "An error occurred"
	reverseDefaultStatus = 500
)

// ReverseLegacyFlat recovers a canonical problem from a legacy flat
// payload so legacy-originated bodies can be ingested uniformly.
//
// Description:
//
//	Status and the combined detail string round-trip losslessly. The
//	original title is NOT recoverable: convertLegacyFlat folds it into
//	the detail string, and this function does not attempt to split it
//	back apart (a detail may itself contain ": "). This is the
//	documented lossy boundary of the legacy format. The problem type is
//	taken from error_type when present, else defaulted.
//
// Inputs:
//
//	payload - Decoded legacy body. Missing or mistyped fields fall back
//	          to generic defaults; the function never fails on shape.
//
// Outputs:
//
//	*problem.Details - The recovered problem.
//	error - Non-nil only if the recovered values violate canonical
//	        invariants (e.g. status_code out of range).
func ReverseLegacyFlat(payload map[string]any) (*problem.Details, error) {
	typ := problem.TypeBlank
	if v, ok := payload["error_type"].(string); ok && v != "" {
		typ = v
	}

	status := reverseDefaultStatus
	switch v := payload["status_code"].(type) {
	case float64:
		status = int(v)
	case int:
		status = v
	}

	detail := reverseDefaultDetail
	if v, ok := payload["detail"].(string); ok && v != "" {
		detail = v
	}

	return problem.New(typ, reverseDefaultTitle, status, detail)
}
