// Copyright (C) 2025 Problemgate Authors (maintainers@problemgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package negotiator

import (
	"log/slog"
	"strings"

	"golang.org/x/mod/semver"
)

// Accept-header media types that mark a client as natively consuming
// structured problems.
var modernAcceptMarkers = []string{
	MediaTypeProblem,
	"application/vnd.api+json",
	"application/ld+json",
}

// signature is a built-in User-Agent heuristic. Tokens are matched as
// case-insensitive substrings. When maxVersion is set the signature only
// applies to clients at or below that version; newer releases of the
// same product fall through to the version-threshold step.
type signature struct {
	token      string
	tier       Tier
	maxVersion string
}

// builtinSignatures is the default heuristic table, seeded from the
// clients observed breaking (or not) on problem+json in production.
var builtinSignatures = []signature{
	// Mobile apps that predate structured-problem support.
	{token: "com.example.app", tier: TierLegacy, maxVersion: "1.0.0"},
	{token: "com.mobile.app", tier: TierLegacy, maxVersion: "2.0.0"},

	// Old API client libraries.
	{token: "axios/0", tier: TierLegacy},
	{token: "node-fetch/1", tier: TierLegacy},
	{token: "urllib3", tier: TierLegacy, maxVersion: "1.25.0"},

	// Old browser clients.
	{token: "msie", tier: TierLegacy},
	{token: "old-client", tier: TierLegacy},

	// Current client libraries.
	{token: "httpx", tier: TierModern},
	{token: "fetch", tier: TierModern},
	{token: "axios", tier: TierCompatible},
	{token: "requests", tier: TierCompatible},
	{token: "curl", tier: TierCompatible},
	{token: "restclient", tier: TierCompatible},
}

// defaultModernThreshold is the User-Agent version at or above which a
// client is assumed to handle structured problems.
const defaultModernThreshold = "2.0.0"

// Classifier turns per-request client signals into a coarse tier.
//
// Description:
//
//	Runs a fixed pipeline, first match wins: explicit Accept-header
//	marker, registry pattern, built-in heuristic signature, semantic
//	version threshold, Unknown. Classification never fails; every
//	ambiguous input degrades to TierUnknown.
//
// Thread Safety: Safe for concurrent use.
type Classifier struct {
	registry        *Registry
	signatures      []signature
	modernThreshold string
	logger          *slog.Logger
}

// NewClassifier creates a classifier backed by the given registry.
// A nil registry means no explicit patterns; a nil logger disables the
// (Debug-level) decision logging.
func NewClassifier(registry *Registry, logger *slog.Logger) *Classifier {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Classifier{
		registry:        registry,
		signatures:      builtinSignatures,
		modernThreshold: defaultModernThreshold,
		logger:          logger,
	}
}

// Classify determines the client tier for a descriptor, consulting and
// populating cache when it is non-nil.
//
// Outputs:
//
//	Tier - The detected tier; TierUnknown when no signal matched.
func (c *Classifier) Classify(d Descriptor, cache *tierCache) Tier {
	var key string
	if cache != nil {
		key = cacheKey(d)
		if tier, ok := cache.get(key); ok {
			return tier
		}
	}

	tier := c.classify(d)

	if cache != nil {
		cache.set(key, tier)
	}
	if c.logger != nil {
		c.logger.Debug("classified client",
			"tier", tier.String(),
			"user_agent_present", d.UserAgent != "",
			"client_id_present", d.ClientID != "",
		)
	}
	return tier
}

// classify runs the detection pipeline without cache involvement.
func (c *Classifier) classify(d Descriptor) Tier {
	// Explicit structured-problem support in the Accept header beats
	// every other signal.
	if d.Accept != "" {
		for _, marker := range modernAcceptMarkers {
			if acceptContains(d.Accept, marker) {
				return TierModern
			}
		}
	}

	// One snapshot for the whole pipeline: the client-id and User-Agent
	// lookups both see the registry state as of this call's start.
	entries := c.registry.Snapshot()

	// Explicit client ids hit the registry even without a User-Agent.
	if d.ClientID != "" {
		if tier, ok := lookupEntries(entries, d.ClientID); ok {
			return tier
		}
	}

	// Without a User-Agent the remaining steps have nothing to match.
	if d.UserAgent == "" {
		return TierUnknown
	}

	if tier, ok := lookupEntries(entries, d.UserAgent); ok {
		return tier
	}

	lowered := strings.ToLower(d.UserAgent)
	for _, sig := range c.signatures {
		if !strings.Contains(lowered, sig.token) {
			continue
		}
		if sig.maxVersion != "" && d.APIVersion != "" {
			// A declared version above the signature's ceiling means
			// the client has been upgraded; let later steps decide.
			if cmp, ok := compareVersions(d.APIVersion, sig.maxVersion); ok && cmp > 0 {
				continue
			}
		}
		return sig.tier
	}

	// Version threshold: product/1.2.3 style tokens.
	if v, ok := versionToken(d.UserAgent); ok {
		if cmp, ok := compareVersions(v, c.modernThreshold); ok {
			if cmp >= 0 {
				return TierModern
			}
			return TierLegacy
		}
	}

	return TierUnknown
}

// versionToken extracts the version from the first "product/version"
// segment of a User-Agent. Returns false when no such token exists.
func versionToken(userAgent string) (string, bool) {
	first, _, _ := strings.Cut(userAgent, " ")
	_, version, found := strings.Cut(first, "/")
	if !found || version == "" {
		return "", false
	}
	return version, true
}

// compareVersions compares two loose semantic versions. Returns ok=false
// for malformed inputs; callers fall through rather than erroring, since
// classification must never fail on garbage headers.
func compareVersions(a, b string) (int, bool) {
	va, vb := canonicalVersion(a), canonicalVersion(b)
	if !semver.IsValid(va) || !semver.IsValid(vb) {
		return 0, false
	}
	return semver.Compare(va, vb), true
}

// canonicalVersion normalizes a bare version string ("1.25") to the
// "v"-prefixed form golang.org/x/mod/semver expects.
func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// acceptContains reports whether an Accept header lists the given media
// type as one of its range tokens. Parameters (";q=0.9") are ignored.
// A bare substring check would wrongly let "application/problem+json"
// requests count as "application/json", so tokens are compared whole.
func acceptContains(header, mediaType string) bool {
	for _, part := range strings.Split(header, ",") {
		token, _, _ := strings.Cut(part, ";")
		if strings.EqualFold(strings.TrimSpace(token), mediaType) {
			return true
		}
	}
	return false
}
