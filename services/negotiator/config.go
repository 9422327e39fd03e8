// Copyright (C) 2025 Problemgate Authors (maintainers@problemgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package negotiator

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Configuration environment variables. Each overrides the corresponding
// file/preset field; invalid values are fatal at load time, never
// silently defaulted.
const (
	EnvMode               = "PROBLEMGATE_MODE"
	EnvSupportLegacy      = "PROBLEMGATE_SUPPORT_LEGACY"
	EnvDetectClients      = "PROBLEMGATE_DETECT_CLIENTS"
	EnvRespectAccept      = "PROBLEMGATE_RESPECT_ACCEPT_HEADER"
	EnvLegacyFormat       = "PROBLEMGATE_LEGACY_FORMAT"
	EnvDefaultFormat      = "PROBLEMGATE_DEFAULT_FORMAT"
	EnvAllowedFormats     = "PROBLEMGATE_ALLOWED_FORMATS"
	EnvDeprecationEnabled = "PROBLEMGATE_DEPRECATION_ENABLED"
	EnvDeprecationDate    = "PROBLEMGATE_DEPRECATION_DATE"
	EnvMigrationURL       = "PROBLEMGATE_MIGRATION_URL"
	EnvCacheEnabled       = "PROBLEMGATE_CACHE_ENABLED"
	EnvCacheTTLSeconds    = "PROBLEMGATE_CACHE_TTL_SECONDS"
	EnvCacheMaxEntries    = "PROBLEMGATE_CACHE_MAX_ENTRIES"
)

// fileConfig mirrors the YAML configuration surface. Pointer fields
// distinguish "absent" (keep the preset default) from an explicit zero
// value. Unknown keys are ignored by the YAML decoder.
type fileConfig struct {
	Mode                string          `yaml:"mode"`
	SupportLegacy       *bool           `yaml:"support_legacy"`
	DetectClients       *bool           `yaml:"detect_clients"`
	RespectAcceptHeader *bool           `yaml:"respect_accept_header"`
	LegacyFormat        string          `yaml:"legacy_format"`
	DefaultFormat       string          `yaml:"default_format"`
	AllowedFormats      []string        `yaml:"allowed_formats"`
	Deprecation         fileDeprecation `yaml:"deprecation"`
	Cache               fileCache       `yaml:"cache"`
}

type fileDeprecation struct {
	Enabled      *bool  `yaml:"enabled"`
	Date         string `yaml:"date"`
	MigrationURL string `yaml:"migration_url" validate:"omitempty,url"`
}

type fileCache struct {
	Enabled    *bool `yaml:"enabled"`
	TTLSeconds *int  `yaml:"ttl_seconds" validate:"omitempty,gte=0"`
	MaxEntries *int  `yaml:"max_entries" validate:"omitempty,gte=0"`
}

var configValidator = validator.New()

// Load builds a policy from the config file at path (optional, "" means
// preset defaults) with environment overrides applied on top.
//
// Description:
//
//	The precedence is preset < file < environment. Any parse failure -
//	unknown mode or format, malformed date, non-numeric TTL - is fatal:
//	Load returns the error and no policy, mirroring the rule that
//	configuration problems must never be silently coerced.
func Load(path string) (*Policy, error) {
	policy := ProductionPolicy()

	if path != "" {
		loaded, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		policy = loaded
	}

	return FromEnv(policy)
}

// LoadFile parses the YAML config at path over the production preset.
func LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("negotiator: read config: %w", err)
	}
	return Parse(data)
}

// Parse builds a policy from raw YAML over the production preset.
func Parse(data []byte) (*Policy, error) {
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("negotiator: parse config: %w", err)
	}
	if err := configValidator.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("negotiator: invalid config: %w", err)
	}

	policy := ProductionPolicy()

	if cfg.Mode != "" {
		mode, err := ParseMode(cfg.Mode)
		if err != nil {
			return nil, err
		}
		policy.Mode = mode
	}
	if cfg.SupportLegacy != nil {
		policy.SupportLegacy = *cfg.SupportLegacy
	}
	if cfg.DetectClients != nil {
		policy.DetectClients = *cfg.DetectClients
	}
	if cfg.RespectAcceptHeader != nil {
		policy.RespectAcceptHeader = *cfg.RespectAcceptHeader
	}
	if cfg.LegacyFormat != "" {
		f, err := ParseFormat(cfg.LegacyFormat)
		if err != nil {
			return nil, err
		}
		policy.LegacyFormat = f
	}
	if cfg.DefaultFormat != "" {
		f, err := ParseFormat(cfg.DefaultFormat)
		if err != nil {
			return nil, err
		}
		policy.DefaultFormat = f
	}
	if cfg.AllowedFormats != nil {
		set := make(map[Format]struct{}, len(cfg.AllowedFormats))
		for _, s := range cfg.AllowedFormats {
			f, err := ParseFormat(s)
			if err != nil {
				return nil, err
			}
			set[f] = struct{}{}
		}
		policy.AllowedFormats = set
	}

	if cfg.Deprecation.Enabled != nil {
		policy.Deprecation.Enabled = *cfg.Deprecation.Enabled
	}
	if cfg.Deprecation.Date != "" {
		date, err := time.Parse(time.RFC3339, cfg.Deprecation.Date)
		if err != nil {
			return nil, fmt.Errorf("negotiator: invalid deprecation date %q: %w", cfg.Deprecation.Date, err)
		}
		policy.Deprecation.Date = date
	}
	if cfg.Deprecation.MigrationURL != "" {
		policy.Deprecation.MigrationURL = cfg.Deprecation.MigrationURL
	}

	if cfg.Cache.Enabled != nil {
		policy.Cache.Enabled = *cfg.Cache.Enabled
	}
	if cfg.Cache.TTLSeconds != nil {
		policy.Cache.TTL = time.Duration(*cfg.Cache.TTLSeconds) * time.Second
	}
	if cfg.Cache.MaxEntries != nil {
		policy.Cache.MaxEntries = *cfg.Cache.MaxEntries
	}

	return policy, nil
}

// FromEnv returns a copy of base with environment overrides applied.
// Invalid values are fatal, matching file parsing.
func FromEnv(base *Policy) (*Policy, error) {
	policy := clonePolicy(base)

	if v, ok := os.LookupEnv(EnvMode); ok {
		mode, err := ParseMode(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvMode, err)
		}
		policy.Mode = mode
	}
	if err := envBool(EnvSupportLegacy, &policy.SupportLegacy); err != nil {
		return nil, err
	}
	if err := envBool(EnvDetectClients, &policy.DetectClients); err != nil {
		return nil, err
	}
	if err := envBool(EnvRespectAccept, &policy.RespectAcceptHeader); err != nil {
		return nil, err
	}
	if v, ok := os.LookupEnv(EnvLegacyFormat); ok {
		f, err := ParseFormat(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvLegacyFormat, err)
		}
		policy.LegacyFormat = f
	}
	if v, ok := os.LookupEnv(EnvDefaultFormat); ok {
		f, err := ParseFormat(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvDefaultFormat, err)
		}
		policy.DefaultFormat = f
	}
	if v, ok := os.LookupEnv(EnvAllowedFormats); ok {
		set := make(map[Format]struct{})
		for _, s := range strings.Split(v, ",") {
			f, err := ParseFormat(s)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", EnvAllowedFormats, err)
			}
			set[f] = struct{}{}
		}
		policy.AllowedFormats = set
	}
	if err := envBool(EnvDeprecationEnabled, &policy.Deprecation.Enabled); err != nil {
		return nil, err
	}
	if v, ok := os.LookupEnv(EnvDeprecationDate); ok {
		date, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid date %q: %w", EnvDeprecationDate, v, err)
		}
		policy.Deprecation.Date = date
	}
	if v, ok := os.LookupEnv(EnvMigrationURL); ok {
		policy.Deprecation.MigrationURL = v
	}
	if err := envBool(EnvCacheEnabled, &policy.Cache.Enabled); err != nil {
		return nil, err
	}
	if v, ok := os.LookupEnv(EnvCacheTTLSeconds); ok {
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 0 {
			return nil, fmt.Errorf("%s: invalid seconds %q", EnvCacheTTLSeconds, v)
		}
		policy.Cache.TTL = time.Duration(secs) * time.Second
	}
	if v, ok := os.LookupEnv(EnvCacheMaxEntries); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%s: invalid count %q", EnvCacheMaxEntries, v)
		}
		policy.Cache.MaxEntries = n
	}

	return policy, nil
}

// envBool parses an optional boolean environment variable into dst.
func envBool(name string, dst *bool) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: invalid boolean %q", name, v)
	}
	*dst = parsed
	return nil
}

// clonePolicy deep-copies a policy so overrides never mutate the shared
// active object.
func clonePolicy(p *Policy) *Policy {
	cp := *p
	cp.AllowedFormats = make(map[Format]struct{}, len(p.AllowedFormats))
	for f := range p.AllowedFormats {
		cp.AllowedFormats[f] = struct{}{}
	}
	return &cp
}
