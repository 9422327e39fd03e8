// Copyright (C) 2025 Problemgate Authors (maintainers@problemgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package negotiator implements the problem-response negotiation engine:
// given a client's request signals and the operator-configured rollout
// policy, it decides which wire format an error body should be rendered
// in, converts a canonical problem into that format, and tracks adoption
// statistics and deprecation signaling.
//
// Request-path operations (Classify, Decide, Convert) are synchronous,
// CPU-only, and never fail: ambiguous input degrades to the Unknown tier
// or a fail-closed legacy format. Configuration errors, in contrast, are
// fatal at load time.
package negotiator

import (
	"fmt"
	"strings"
	"time"
)

// Format tags the wire rendering of an error body. The set is open:
// new formats are registered on a Converter without touching the
// negotiation table.
type Format string

// Built-in formats.
const (
	// FormatStandard is the RFC 7807 problem+json rendering.
	FormatStandard Format = "standard"

	// FormatLegacyFlat is the flat {"detail", "status_code"} rendering
	// older clients were built against.
	FormatLegacyFlat Format = "legacy_flat"

	// FormatSimpleStatus is the minimal {"status", "message"} rendering.
	FormatSimpleStatus Format = "simple_status"

	// FormatLinkedResource is the HAL rendering with a _links member.
	FormatLinkedResource Format = "linked_resource"
)

// ParseFormat converts a config string to a built-in Format.
//
// Only built-in tags are accepted here; custom formats are registered
// programmatically and referenced through Policy literals, not config
// files. Unknown tags are a fatal configuration error, never defaulted.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatStandard:
		return FormatStandard, nil
	case FormatLegacyFlat:
		return FormatLegacyFlat, nil
	case FormatSimpleStatus:
		return FormatSimpleStatus, nil
	case FormatLinkedResource:
		return FormatLinkedResource, nil
	default:
		return "", fmt.Errorf("negotiator: unknown format %q", s)
	}
}

// Media types produced by the built-in formats.
const (
	MediaTypeProblem = "application/problem+json"
	MediaTypeJSON    = "application/json"
	MediaTypeHAL     = "application/hal+json"
)

// Tier is the coarse client-capability classification used to pick a
// response format.
type Tier uint8

// Client tiers, ordered from least to most capable.
const (
	// TierUnknown means the client gave no usable signal.
	TierUnknown Tier = iota

	// TierLegacy marks clients known to break on structured problems.
	TierLegacy

	// TierCompatible marks clients that accept either format.
	TierCompatible

	// TierModern marks clients that natively consume problem+json.
	TierModern
)

// tierCount is the size of tier-indexed arrays. Keep in sync with the
// constants above.
const tierCount = 4

// String returns the tier name as used in decision reasons ("hybrid-Modern").
func (t Tier) String() string {
	switch t {
	case TierLegacy:
		return "Legacy"
	case TierCompatible:
		return "Compatible"
	case TierModern:
		return "Modern"
	default:
		return "Unknown"
	}
}

// ParseTier converts an admin-supplied string to a Tier.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "legacy":
		return TierLegacy, nil
	case "compatible":
		return TierCompatible, nil
	case "modern":
		return TierModern, nil
	case "unknown":
		return TierUnknown, nil
	default:
		return TierUnknown, fmt.Errorf("negotiator: unknown client tier %q", s)
	}
}

// Descriptor carries the per-request client signals. It is ephemeral:
// built from request headers, consumed by Classify, never persisted.
type Descriptor struct {
	// UserAgent is the raw User-Agent header, "" when absent.
	UserAgent string

	// Accept is the raw Accept header, "" when absent.
	Accept string

	// ClientID is an explicit client identifier supplied out of band
	// (e.g. an X-Client-ID header), "" when absent.
	ClientID string

	// APIVersion is the client-declared API version, "" when absent.
	APIVersion string
}

// Decision records a single negotiation outcome for the statistics
// ring buffer.
type Decision struct {
	Tier      Tier      `json:"tier"`
	Format    Format    `json:"format"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}
