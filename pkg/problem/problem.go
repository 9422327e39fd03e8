// Copyright (C) 2025 Problemgate Authors (maintainers@problemgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package problem defines the canonical, wire-format-independent error
// description used throughout problemgate.
//
// A Details value follows the RFC 7807 vocabulary (type, title, status,
// detail, instance, extension members) but carries no commitment to any
// particular wire rendering. The negotiator converts a Details into the
// format a given client should receive.
//
// Details values are validated at construction and treated as immutable
// afterwards; accessors return copies of any mutable internals.
package problem

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// TypeBlank is the default problem type URI, used when the producer has
// nothing more specific to say (mirrors the RFC 7807 "about:blank" idiom).
const TypeBlank = "about:blank"

var (
	// ErrStatusRange indicates a status code outside 100-599.
	ErrStatusRange = errors.New("problem: status must be in range 100-599")

	// ErrBlankTitle indicates an empty or whitespace-only title.
	ErrBlankTitle = errors.New("problem: title must not be blank")

	// ErrBlankDetail indicates an empty or whitespace-only detail.
	ErrBlankDetail = errors.New("problem: detail must not be blank")

	// ErrBlankExtensionKey indicates an extension with an empty key.
	ErrBlankExtensionKey = errors.New("problem: extension key must not be blank")
)

// Extension is a single extension member of a problem. Extensions keep
// their insertion order so the serialized body is stable across renders.
type Extension struct {
	Key   string
	Value any
}

// Details is a canonical problem description.
//
// Description:
//
//	Holds the validated fields of an RFC 7807 problem. Built once by the
//	error-production pathway and handed to the negotiator for rendering.
//	The zero value is not usable; construct with New or MustNew.
//
// Thread Safety: Immutable after construction; safe for concurrent use.
type Details struct {
	typ        string
	title      string
	status     int
	detail     string
	instance   string
	extensions []Extension
}

// Option customizes a Details during construction.
type Option func(*Details)

// WithInstance sets the optional instance URI identifying the specific
// occurrence of the problem.
func WithInstance(uri string) Option {
	return func(d *Details) { d.instance = uri }
}

// WithExtension appends an extension member. Order of WithExtension
// options is the order members appear on the wire. A later extension
// with the same key replaces the earlier one in place.
func WithExtension(key string, value any) Option {
	return func(d *Details) {
		for i := range d.extensions {
			if d.extensions[i].Key == key {
				d.extensions[i].Value = value
				return
			}
		}
		d.extensions = append(d.extensions, Extension{Key: key, Value: value})
	}
}

// New builds a validated Details.
//
// Description:
//
//	Validates the canonical invariants: status within 100-599 and title
//	and detail non-empty after trimming. The type URI defaults to
//	TypeBlank when empty. Extension keys must be non-blank.
//
// Inputs:
//
//	typ - Problem type URI. Empty defaults to TypeBlank.
//	title - Short human-readable summary. Must not be blank.
//	status - HTTP status code, 100-599.
//	detail - Occurrence-specific explanation. Must not be blank.
//	opts - Optional instance URI and extension members.
//
// Outputs:
//
//	*Details - The validated problem.
//	error - Non-nil if any invariant is violated.
func New(typ, title string, status int, detail string, opts ...Option) (*Details, error) {
	if status < 100 || status > 599 {
		return nil, fmt.Errorf("%w: got %d", ErrStatusRange, status)
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrBlankTitle
	}
	detail = strings.TrimSpace(detail)
	if detail == "" {
		return nil, ErrBlankDetail
	}
	if typ == "" {
		typ = TypeBlank
	}

	d := &Details{
		typ:    typ,
		title:  title,
		status: status,
		detail: detail,
	}
	for _, opt := range opts {
		opt(d)
	}
	for _, ext := range d.extensions {
		if strings.TrimSpace(ext.Key) == "" {
			return nil, ErrBlankExtensionKey
		}
	}
	return d, nil
}

// MustNew is like New but panics on invalid input. Intended for
// package-level well-known problems and tests with known-good values.
func MustNew(typ, title string, status int, detail string, opts ...Option) *Details {
	d, err := New(typ, title, status, detail, opts...)
	if err != nil {
		panic(err)
	}
	return d
}

// Type returns the problem type URI.
func (d *Details) Type() string { return d.typ }

// Title returns the short summary of the problem type.
func (d *Details) Title() string { return d.title }

// Status returns the HTTP status code.
func (d *Details) Status() int { return d.status }

// Detail returns the occurrence-specific explanation.
func (d *Details) Detail() string { return d.detail }

// Instance returns the occurrence URI, or "" when unset.
func (d *Details) Instance() string { return d.instance }

// Extensions returns a copy of the extension members in insertion order.
func (d *Details) Extensions() []Extension {
	if len(d.extensions) == 0 {
		return nil
	}
	out := make([]Extension, len(d.extensions))
	copy(out, d.extensions)
	return out
}

// Extension returns the value of the named extension member.
func (d *Details) Extension(key string) (any, bool) {
	for _, ext := range d.extensions {
		if ext.Key == key {
			return ext.Value, true
		}
	}
	return nil, false
}

// WithDetail returns a copy of d with a different detail string. Used by
// sanitizing layers that cap detail length; the original is not modified.
func (d *Details) WithDetail(detail string) (*Details, error) {
	detail = strings.TrimSpace(detail)
	if detail == "" {
		return nil, ErrBlankDetail
	}
	cp := *d
	cp.detail = detail
	cp.extensions = d.Extensions()
	return &cp, nil
}

// MarshalJSON renders the problem in RFC 7807 member order: type, title,
// status, detail, instance (when set), then extensions in insertion order.
func (d *Details) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	writeMember := func(key string, value any) error {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return err
		}
		v, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("problem: marshal extension %q: %w", key, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
		return nil
	}

	if err := writeMember("type", d.typ); err != nil {
		return nil, err
	}
	if err := writeMember("title", d.title); err != nil {
		return nil, err
	}
	if err := writeMember("status", d.status); err != nil {
		return nil, err
	}
	if err := writeMember("detail", d.detail); err != nil {
		return nil, err
	}
	if d.instance != "" {
		if err := writeMember("instance", d.instance); err != nil {
			return nil, err
		}
	}
	for _, ext := range d.extensions {
		if err := writeMember(ext.Key, ext.Value); err != nil {
			return nil, err
		}
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}
