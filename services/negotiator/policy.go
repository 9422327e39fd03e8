// Copyright (C) 2025 Problemgate Authors (maintainers@problemgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package negotiator

import (
	"fmt"
	"strings"
	"time"
)

// Mode is the operator-selected rollout strategy. It is a closed set:
// the negotiation table switches exhaustively over it, so adding a mode
// is a compile-time-visible change.
type Mode uint8

// Rollout modes.
const (
	// ModeDisabled turns structured problems off entirely.
	ModeDisabled Mode = iota

	// ModeLegacyOnly serves legacy bodies only (backward compatibility).
	ModeLegacyOnly

	// ModeHybrid picks the format from the detected client tier.
	ModeHybrid

	// ModeOptIn serves legacy unless the client asks for problem+json.
	ModeOptIn

	// ModeOptOut serves problem+json unless the client asks for legacy.
	ModeOptOut

	// ModeEnabled serves structured problems to everyone.
	ModeEnabled
)

// String returns the mode name as used in decision reasons and configs.
func (m Mode) String() string {
	switch m {
	case ModeDisabled:
		return "disabled"
	case ModeLegacyOnly:
		return "legacy-only"
	case ModeHybrid:
		return "hybrid"
	case ModeOptIn:
		return "opt-in"
	case ModeOptOut:
		return "opt-out"
	case ModeEnabled:
		return "enabled"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode converts a config string to a Mode. Both hyphenated and
// underscored spellings are accepted ("opt-in", "opt_in"). An unknown
// value is a fatal configuration error, never silently defaulted.
func ParseMode(s string) (Mode, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "_", "-")
	switch norm {
	case "disabled":
		return ModeDisabled, nil
	case "legacy-only":
		return ModeLegacyOnly, nil
	case "hybrid":
		return ModeHybrid, nil
	case "opt-in":
		return ModeOptIn, nil
	case "opt-out":
		return ModeOptOut, nil
	case "enabled":
		return ModeEnabled, nil
	default:
		return ModeDisabled, fmt.Errorf("negotiator: unknown rollout mode %q", s)
	}
}

// Deprecation controls the legacy-format deprecation signal.
type Deprecation struct {
	// Enabled turns deprecation signaling on.
	Enabled bool

	// Date is when the legacy format is considered deprecated. The
	// signal is emitted only once the current time reaches it. Zero
	// means unset.
	Date time.Time

	// MigrationURL points clients at the migration guide.
	MigrationURL string
}

// CacheConfig controls the client-detection cache.
type CacheConfig struct {
	// Enabled turns tier caching on.
	Enabled bool

	// TTL is how long a cached tier stays valid.
	TTL time.Duration

	// MaxEntries bounds the cache before LRU eviction.
	MaxEntries int
}

// Policy is the operator-configured rollout policy.
//
// Description:
//
//	Built once at startup from config (or a preset) and replaced only by
//	an atomic whole-object swap via Manager.Swap/Reload. Concurrent
//	readers therefore never observe an inconsistent mix of fields.
//	Treat a Policy handed to a Manager as frozen; never mutate it in
//	place.
type Policy struct {
	// Mode selects the rollout strategy.
	Mode Mode

	// SupportLegacy keeps legacy renderings available at all.
	SupportLegacy bool

	// DetectClients enables tier detection. When false every client is
	// treated as Modern.
	DetectClients bool

	// RespectAcceptHeader lets the Accept header steer opt-in/opt-out
	// decisions.
	RespectAcceptHeader bool

	// LegacyFormat is the rendering served to legacy clients.
	LegacyFormat Format

	// DefaultFormat is served to Unknown-tier clients under hybrid mode.
	DefaultFormat Format

	// AllowedFormats is the set of formats this deployment may emit.
	// A negotiated format outside the set fails closed to LegacyFormat.
	AllowedFormats map[Format]struct{}

	// Deprecation configures legacy-format deprecation signaling.
	Deprecation Deprecation

	// Cache configures the client-detection cache.
	Cache CacheConfig
}

// Allowed reports whether the policy permits emitting f.
func (p *Policy) Allowed(f Format) bool {
	_, ok := p.AllowedFormats[f]
	return ok
}

// FormatSet builds an AllowedFormats set from the given tags.
func FormatSet(formats ...Format) map[Format]struct{} {
	set := make(map[Format]struct{}, len(formats))
	for _, f := range formats {
		set[f] = struct{}{}
	}
	return set
}

// Validate returns advisory warnings about suspicious but non-fatal
// configurations. It never fails the system; fatal conditions are
// rejected earlier, at parse time.
func (p *Policy) Validate(now time.Time) []string {
	var warnings []string

	if len(p.AllowedFormats) == 0 {
		warnings = append(warnings, "allowed_formats is empty; every decision will fail closed to the legacy format")
	}
	if !p.Allowed(p.DefaultFormat) {
		warnings = append(warnings, fmt.Sprintf("default_format %q is not in allowed_formats", p.DefaultFormat))
	}
	if !p.Allowed(p.LegacyFormat) {
		warnings = append(warnings, fmt.Sprintf("legacy_format %q is not in allowed_formats", p.LegacyFormat))
	}
	if p.Mode == ModeOptIn && !p.Allowed(FormatStandard) {
		warnings = append(warnings, "opt-in mode with no modern format allowed; opt-in requests will be corrected to legacy")
	}
	if (p.Mode == ModeDisabled || p.Mode == ModeLegacyOnly) && p.Deprecation.Enabled &&
		!p.Deprecation.Date.IsZero() && !now.Before(p.Deprecation.Date) {
		warnings = append(warnings, fmt.Sprintf("deprecation date %s has passed but mode is still %s", p.Deprecation.Date.Format(time.RFC3339), p.Mode))
	}
	if p.Deprecation.Enabled && p.Deprecation.MigrationURL == "" {
		warnings = append(warnings, "deprecation signaling is enabled without a migration_url")
	}
	if p.Mode != ModeEnabled && !p.SupportLegacy {
		warnings = append(warnings, fmt.Sprintf("support_legacy=false while mode %s can still serve legacy bodies", p.Mode))
	}
	if p.Cache.Enabled && p.Cache.TTL <= 0 {
		warnings = append(warnings, "detection cache enabled with a non-positive TTL; every lookup will miss")
	}

	return warnings
}

// Default policy knobs shared by the presets.
const (
	defaultCacheTTL        = time.Hour
	defaultCacheMaxEntries = 4096
)

// DevelopmentPolicy returns a preset for local development: hybrid
// rollout with every built-in format available.
func DevelopmentPolicy() *Policy {
	return &Policy{
		Mode:                ModeHybrid,
		SupportLegacy:       true,
		DetectClients:       true,
		RespectAcceptHeader: true,
		LegacyFormat:        FormatLegacyFlat,
		DefaultFormat:       FormatStandard,
		AllowedFormats:      FormatSet(FormatStandard, FormatLegacyFlat, FormatSimpleStatus, FormatLinkedResource),
		Cache:               CacheConfig{Enabled: true, TTL: defaultCacheTTL, MaxEntries: defaultCacheMaxEntries},
	}
}

// StagingPolicy returns a preset for staging: structured problems by
// default with an Accept-header escape hatch.
func StagingPolicy() *Policy {
	p := DevelopmentPolicy()
	p.Mode = ModeOptOut
	return p
}

// ProductionPolicy returns the conservative default preset: hybrid
// rollout with client detection and deprecation signaling six months
// out. The date comes from the wall clock, not a Manager's injectable
// clock — presets are built before any Manager exists — and is pinned
// to UTC midnight so repeated calls within a day build identical
// policies. Validate nags until a migration URL is configured.
func ProductionPolicy() *Policy {
	p := DevelopmentPolicy()
	p.Deprecation = Deprecation{
		Enabled: true,
		Date:    time.Now().UTC().AddDate(0, 6, 0).Truncate(24 * time.Hour),
	}
	return p
}

// LegacyOnlyPolicy returns a preset that keeps legacy bodies everywhere.
func LegacyOnlyPolicy() *Policy {
	return &Policy{
		Mode:                ModeLegacyOnly,
		SupportLegacy:       true,
		DetectClients:       false,
		RespectAcceptHeader: false,
		LegacyFormat:        FormatLegacyFlat,
		DefaultFormat:       FormatLegacyFlat,
		AllowedFormats:      FormatSet(FormatLegacyFlat, FormatSimpleStatus),
		Cache:               CacheConfig{Enabled: false},
	}
}

// ModernOnlyPolicy returns a preset for new APIs with no legacy clients.
func ModernOnlyPolicy() *Policy {
	return &Policy{
		Mode:                ModeEnabled,
		SupportLegacy:       false,
		DetectClients:       false,
		RespectAcceptHeader: true,
		LegacyFormat:        FormatLegacyFlat,
		DefaultFormat:       FormatStandard,
		AllowedFormats:      FormatSet(FormatStandard, FormatLinkedResource, FormatLegacyFlat),
		Cache:               CacheConfig{Enabled: false},
	}
}
