// Copyright (C) 2025 Problemgate Authors (maintainers@problemgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package negotiator

// Decision reasons with fixed spellings; monitoring dashboards key off
// these strings.
const (
	ReasonExplicitOverride = "explicit-override"
	ReasonOptInExplicit    = "opt-in-explicit"
	ReasonOptInDefault     = "opt-in-default"
	ReasonOptOutExplicit   = "opt-out-explicit"
	ReasonOptOutDefault    = "opt-out-default"

	// correctedSuffix is appended when a negotiated format fell outside
	// the allowed set and was forced back to legacy.
	correctedSuffix = "-corrected"
)

// Decide maps (tier, policy, accept header, explicit override) to the
// target format.
//
// Description:
//
//	Pure decision table. An explicit override wins when the policy
//	allows it. Otherwise the rollout mode is switched exhaustively; a
//	result outside policy.AllowedFormats fails closed to the legacy
//	format with "-corrected" appended to the reason. Decide never
//	fails: an error-formatting subsystem must not itself break the
//	request.
//
// Inputs:
//
//	tier - Client tier from Classify.
//	policy - The active rollout policy. Must be non-nil.
//	acceptHeader - Raw Accept header, "" when absent.
//	override - Explicit format request ("" for none).
//
// Outputs:
//
//	Format - The format to render.
//	string - The decision reason for statistics and logs.
func Decide(tier Tier, policy *Policy, acceptHeader string, override Format) (Format, string) {
	if override != "" && policy.Allowed(override) {
		return override, ReasonExplicitOverride
	}

	var (
		format Format
		reason string
	)

	switch policy.Mode {
	case ModeDisabled, ModeLegacyOnly:
		format = policy.LegacyFormat
		reason = policy.Mode.String() + "-forced"

	case ModeEnabled:
		format = FormatStandard
		reason = "enabled-forced"

	case ModeHybrid:
		switch tier {
		case TierModern, TierCompatible:
			format = FormatStandard
		case TierLegacy:
			format = policy.LegacyFormat
		default:
			format = policy.DefaultFormat
		}
		reason = "hybrid-" + tier.String()

	case ModeOptIn:
		format = policy.LegacyFormat
		reason = ReasonOptInDefault
		if policy.RespectAcceptHeader && acceptContains(acceptHeader, MediaTypeProblem) {
			format = FormatStandard
			reason = ReasonOptInExplicit
		}

	case ModeOptOut:
		format = FormatStandard
		reason = ReasonOptOutDefault
		if policy.RespectAcceptHeader && acceptContains(acceptHeader, MediaTypeJSON) {
			format = policy.LegacyFormat
			reason = ReasonOptOutExplicit
		}
	}

	if !policy.Allowed(format) {
		format = policy.LegacyFormat
		reason += correctedSuffix
	}

	return format, reason
}
