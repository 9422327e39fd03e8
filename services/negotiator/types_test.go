// Copyright (C) 2025 Problemgate Authors (maintainers@problemgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package negotiator

import (
	"testing"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input  string
		want   Format
		wantOK bool
	}{
		{"standard", FormatStandard, true},
		{"legacy_flat", FormatLegacyFlat, true},
		{"simple_status", FormatSimpleStatus, true},
		{"linked_resource", FormatLinkedResource, true},
		{"  Standard  ", FormatStandard, true},
		{"LEGACY_FLAT", FormatLegacyFlat, true},
		{"xml", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseFormat(tt.input)
			if tt.wantOK {
				if err != nil {
					t.Fatalf("ParseFormat(%q) returned error: %v", tt.input, err)
				}
				if got != tt.want {
					t.Errorf("ParseFormat(%q) = %q, want %q", tt.input, got, tt.want)
				}
				return
			}
			if err == nil {
				t.Errorf("ParseFormat(%q) should fail", tt.input)
			}
		})
	}
}

func TestTier_String(t *testing.T) {
	tests := []struct {
		tier Tier
		want string
	}{
		{TierUnknown, "Unknown"},
		{TierLegacy, "Legacy"},
		{TierCompatible, "Compatible"},
		{TierModern, "Modern"},
		{Tier(42), "Unknown"},
	}

	for _, tt := range tests {
		if got := tt.tier.String(); got != tt.want {
			t.Errorf("Tier(%d).String() = %q, want %q", tt.tier, got, tt.want)
		}
	}
}

func TestParseTier(t *testing.T) {
	tests := []struct {
		input  string
		want   Tier
		wantOK bool
	}{
		{"legacy", TierLegacy, true},
		{"Compatible", TierCompatible, true},
		{"MODERN", TierModern, true},
		{"unknown", TierUnknown, true},
		{" modern ", TierModern, true},
		{"ancient", TierUnknown, false},
		{"", TierUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseTier(tt.input)
			if tt.wantOK && err != nil {
				t.Fatalf("ParseTier(%q) returned error: %v", tt.input, err)
			}
			if !tt.wantOK && err == nil {
				t.Fatalf("ParseTier(%q) should fail", tt.input)
			}
			if got != tt.want {
				t.Errorf("ParseTier(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		input  string
		want   Mode
		wantOK bool
	}{
		{"disabled", ModeDisabled, true},
		{"legacy-only", ModeLegacyOnly, true},
		{"legacy_only", ModeLegacyOnly, true},
		{"hybrid", ModeHybrid, true},
		{"opt-in", ModeOptIn, true},
		{"opt_in", ModeOptIn, true},
		{"OPT-OUT", ModeOptOut, true},
		{"enabled", ModeEnabled, true},
		{"full", ModeDisabled, false},
		{"", ModeDisabled, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseMode(tt.input)
			if tt.wantOK && err != nil {
				t.Fatalf("ParseMode(%q) returned error: %v", tt.input, err)
			}
			if !tt.wantOK && err == nil {
				t.Fatalf("ParseMode(%q) should fail", tt.input)
			}
			if tt.wantOK && got != tt.want {
				t.Errorf("ParseMode(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestMode_String_RoundTrips(t *testing.T) {
	modes := []Mode{ModeDisabled, ModeLegacyOnly, ModeHybrid, ModeOptIn, ModeOptOut, ModeEnabled}
	for _, mode := range modes {
		parsed, err := ParseMode(mode.String())
		if err != nil {
			t.Errorf("ParseMode(%q) returned error: %v", mode.String(), err)
			continue
		}
		if parsed != mode {
			t.Errorf("ParseMode(%q) = %v, want %v", mode.String(), parsed, mode)
		}
	}
}
