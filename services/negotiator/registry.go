// Copyright (C) 2025 Problemgate Authors (maintainers@problemgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package negotiator

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrEmptyPattern indicates a register call with a blank pattern.
var ErrEmptyPattern = errors.New("negotiator: registry pattern must not be empty")

// RegistryEntry maps an explicit client-id pattern to a tier.
type RegistryEntry struct {
	// Pattern matches a client id or User-Agent exactly, or as a prefix.
	Pattern string `json:"pattern"`

	// Tier is the classification applied on match.
	Tier Tier `json:"tier"`
}

// Registry is the mutable table of explicit client-id patterns.
//
// Description:
//
//	Read on every request, mutated rarely via admin calls. Reads are
//	lock-free against a copy-on-write snapshot: an in-flight classify
//	uses the entry slice captured at its own call start and never sees
//	a partially-updated view. Writers are serialized by a mutex and
//	publish a fresh slice atomically.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex // serializes writers
	entries atomic.Pointer[[]RegistryEntry]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	empty := make([]RegistryEntry, 0)
	r.entries.Store(&empty)
	return r
}

// Register adds or replaces the tier for a pattern.
//
// Registered patterns take precedence over the built-in heuristics, so
// an operator can pin a misbehaving client to Legacy without a deploy.
func (r *Registry) Register(pattern string, tier Tier) error {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return ErrEmptyPattern
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := *r.entries.Load()
	next := make([]RegistryEntry, 0, len(old)+1)
	replaced := false
	for _, e := range old {
		if e.Pattern == pattern {
			next = append(next, RegistryEntry{Pattern: pattern, Tier: tier})
			replaced = true
			continue
		}
		next = append(next, e)
	}
	if !replaced {
		next = append(next, RegistryEntry{Pattern: pattern, Tier: tier})
	}
	r.entries.Store(&next)
	return nil
}

// Unregister removes a pattern. Returns false when it was not present.
func (r *Registry) Unregister(pattern string) bool {
	pattern = strings.TrimSpace(pattern)

	r.mu.Lock()
	defer r.mu.Unlock()

	old := *r.entries.Load()
	next := make([]RegistryEntry, 0, len(old))
	removed := false
	for _, e := range old {
		if e.Pattern == pattern {
			removed = true
			continue
		}
		next = append(next, e)
	}
	if removed {
		r.entries.Store(&next)
	}
	return removed
}

// Snapshot returns the current entries. The returned slice is immutable;
// callers must not modify it.
func (r *Registry) Snapshot() []RegistryEntry {
	return *r.entries.Load()
}

// Lookup matches subject against the registered patterns on the current
// snapshot.
func (r *Registry) Lookup(subject string) (Tier, bool) {
	return lookupEntries(r.Snapshot(), subject)
}

// lookupEntries matches subject against one captured snapshot, so a
// caller doing several lookups can pin them all to the same registry
// state. A pattern matches on equality or as a prefix of subject; the
// longest matching pattern wins so more specific registrations dominate.
func lookupEntries(entries []RegistryEntry, subject string) (Tier, bool) {
	if subject == "" {
		return TierUnknown, false
	}

	var (
		best    RegistryEntry
		bestLen = -1
	)
	for _, e := range entries {
		if strings.HasPrefix(subject, e.Pattern) && len(e.Pattern) > bestLen {
			best = e
			bestLen = len(e.Pattern)
		}
	}
	if bestLen < 0 {
		return TierUnknown, false
	}
	return best.Tier, true
}

// Len returns the number of registered patterns.
func (r *Registry) Len() int {
	return len(r.Snapshot())
}
