// Copyright (C) 2025 Problemgate Authors (maintainers@problemgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package negotiator

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/problemgate/problemgate/pkg/problem"
)

// ErrNilPolicy indicates a nil policy passed to Swap.
var ErrNilPolicy = errors.New("negotiator: policy must not be nil")

// Manager owns the active rollout policy and orchestrates classify,
// negotiate, convert and record for each request.
//
// Description:
//
//	The policy lives behind an atomic pointer: request-path readers
//	load it lock-free, and Swap/Reload replace the whole object so no
//	reader ever observes a half-applied configuration. The registry,
//	decision recorder and detection cache are individually safe for
//	concurrent use.
//
// Thread Safety: Safe for concurrent use.
type Manager struct {
	policy atomic.Pointer[Policy]
	cache  atomic.Pointer[tierCache]

	registry   *Registry
	classifier *Classifier
	converter  *Converter
	recorder   *recorder

	logger     *slog.Logger
	now        func() time.Time
	onDecision func(Decision)

	mu sync.Mutex // serializes policy swaps
}

// Option customizes a Manager at construction.
type Option func(*Manager)

// WithLogger sets the structured logger. Decisions log at Debug, admin
// actions at Info. Nil (the default) disables logging.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithClock overrides the time source, used by deprecation signaling
// and decision timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRecentCapacity sets how many recent decisions Statistics keeps.
func WithRecentCapacity(n int) Option {
	return func(m *Manager) { m.recorder = newRecorder(n) }
}

// WithDecisionHook registers a callback invoked for every decision,
// e.g. to export metrics. The hook runs on the request path and must
// not block.
func WithDecisionHook(fn func(Decision)) Option {
	return func(m *Manager) { m.onDecision = fn }
}

// WithModernVersionThreshold overrides the User-Agent version at or
// above which unrecognized clients classify as Modern.
func WithModernVersionThreshold(version string) Option {
	return func(m *Manager) {
		if version != "" {
			m.classifier.modernThreshold = version
		}
	}
}

// New creates a Manager with the given policy. A nil policy selects the
// production preset.
func New(policy *Policy, opts ...Option) *Manager {
	if policy == nil {
		policy = ProductionPolicy()
	}

	m := &Manager{
		registry:  NewRegistry(),
		converter: NewConverter(),
		recorder:  newRecorder(defaultRecentCapacity),
		now:       time.Now,
	}
	m.classifier = NewClassifier(m.registry, nil)

	for _, opt := range opts {
		opt(m)
	}
	m.classifier.logger = m.logger

	m.apply(policy)
	return m
}

// Resolve determines the response format for a request.
//
// Description:
//
//	Classifies the client (unless detection is disabled, in which case
//	every client is Modern), runs the decision table against the
//	current policy, records the decision, and returns the chosen
//	format with its content type. Never fails.
//
// Inputs:
//
//	d - Per-request client signals.
//	override - Explicit format request ("" for none).
//
// Outputs:
//
//	Format - The format error bodies should be rendered in.
//	string - The Content-Type to send.
func (m *Manager) Resolve(d Descriptor, override Format) (Format, string) {
	policy := m.policy.Load()

	tier := TierModern
	if policy.DetectClients {
		tier = m.classifier.Classify(d, m.cache.Load())
	}

	format, reason := Decide(tier, policy, d.Accept, override)

	dec := Decision{
		Tier:      tier,
		Format:    format,
		Reason:    reason,
		Timestamp: m.now(),
	}
	m.recorder.record(dec)
	if m.onDecision != nil {
		m.onDecision(dec)
	}
	if m.logger != nil {
		m.logger.Debug("negotiated error format",
			"tier", tier.String(),
			"format", string(format),
			"reason", reason,
		)
	}

	return format, m.converter.ContentType(format)
}

// ConvertResponse renders a canonical problem in the given format.
func (m *Manager) ConvertResponse(d *problem.Details, format Format) (any, string) {
	return m.converter.Convert(d, format)
}

// Render resolves the format for a request and converts the problem in
// one step.
//
// Outputs:
//
//	any - The wire payload.
//	string - The Content-Type to send.
//	Format - The format that was chosen.
func (m *Manager) Render(d *problem.Details, desc Descriptor, override Format) (any, string, Format) {
	format, _ := m.Resolve(desc, override)
	payload, contentType := m.converter.Convert(d, format)
	return payload, contentType, format
}

// Converter exposes the format table so callers can register custom
// formats at startup.
func (m *Manager) Converter() *Converter {
	return m.converter
}

// DeprecationHeader returns the legacy-format deprecation signal.
//
// Description:
//
//	When deprecation is enabled and the configured date has been
//	reached, returns a header value of the form
//
//	    true; date="2026-01-02T00:00:00Z"; link="https://..."
//
//	for the HTTP layer to attach to legacy-format responses.
//
// Outputs:
//
//	string - The header value, "" when no signal applies.
//	bool - Whether a signal applies.
func (m *Manager) DeprecationHeader() (string, bool) {
	dep := m.policy.Load().Deprecation
	if !dep.Enabled || dep.Date.IsZero() || m.now().Before(dep.Date) {
		return "", false
	}

	value := `true; date="` + dep.Date.UTC().Format(time.RFC3339) + `"`
	if dep.MigrationURL != "" {
		value += `; link="` + dep.MigrationURL + `"`
	}
	return value, true
}

// RegisterClient pins a client-id or User-Agent pattern to a tier,
// overriding the built-in heuristics for matching clients. Cached
// classifications are flushed so the registration takes effect
// immediately, not after the cache TTL.
func (m *Manager) RegisterClient(pattern string, tier Tier) error {
	if err := m.registry.Register(pattern, tier); err != nil {
		return err
	}
	m.flushTierCache()
	if m.logger != nil {
		m.logger.Info("registered client pattern", "pattern", pattern, "tier", tier.String())
	}
	return nil
}

// UnregisterClient removes a pattern. Returns false when not present.
func (m *Manager) UnregisterClient(pattern string) bool {
	removed := m.registry.Unregister(pattern)
	if removed {
		m.flushTierCache()
		if m.logger != nil {
			m.logger.Info("unregistered client pattern", "pattern", pattern)
		}
	}
	return removed
}

// flushTierCache invalidates cached tiers after a registry mutation.
func (m *Manager) flushTierCache() {
	if cache := m.cache.Load(); cache != nil {
		cache.flush()
	}
}

// Clients returns the current registry snapshot.
func (m *Manager) Clients() []RegistryEntry {
	return m.registry.Snapshot()
}

// Statistics returns a snapshot of decision counters, the recent
// decision ring and detection-cache hit rates.
func (m *Manager) Statistics() Stats {
	s := m.recorder.snapshot()
	if cache := m.cache.Load(); cache != nil {
		s.CacheHits = cache.hitCount()
		s.CacheMisses = cache.missCount()
	}
	return s
}

// ResetStatistics zeroes all counters. Explicit admin action only.
func (m *Manager) ResetStatistics() {
	m.recorder.reset()
	if m.logger != nil {
		m.logger.Info("statistics reset")
	}
}

// Policy returns the active policy. Callers must treat it as read-only.
func (m *Manager) Policy() *Policy {
	return m.policy.Load()
}

// ValidateConfig returns advisory warnings for the active policy. It
// never halts the system.
func (m *Manager) ValidateConfig() []string {
	return m.policy.Load().Validate(m.now())
}

// Swap atomically replaces the active policy. The detection cache is
// rebuilt to the new policy's cache settings; prior detections are
// re-derived on demand.
func (m *Manager) Swap(policy *Policy) error {
	if policy == nil {
		return ErrNilPolicy
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.apply(policy)

	if m.logger != nil {
		m.logger.Info("rollout policy swapped", "mode", policy.Mode.String())
		for _, w := range policy.Validate(m.now()) {
			m.logger.Warn("policy validation warning", "warning", w)
		}
	}
	return nil
}

// Reload parses the config source at path into a fresh policy (with
// environment overrides, same as startup) and swaps it in. Parse and
// validation errors are fatal for the reload: the active policy stays
// in place and the error is returned.
func (m *Manager) Reload(path string) error {
	policy, err := Load(path)
	if err != nil {
		return err
	}
	return m.Swap(policy)
}

// apply publishes the policy and its cache. Callers other than New must
// hold m.mu.
func (m *Manager) apply(policy *Policy) {
	if policy.Cache.Enabled {
		m.cache.Store(newTierCache(policy.Cache.TTL, policy.Cache.MaxEntries))
	} else {
		m.cache.Store(nil)
	}
	m.policy.Store(policy)
}
