// Copyright (C) 2025 Problemgate Authors (maintainers@problemgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package negotiator

import (
	"sync"
	"sync/atomic"
)

// defaultRecentCapacity bounds the decision ring buffer.
const defaultRecentCapacity = 50

// Stats is a point-in-time snapshot of negotiation activity.
type Stats struct {
	// Total is the number of decisions recorded since start (or the
	// last explicit reset).
	Total uint64 `json:"total"`

	// ByFormat counts decisions per chosen format.
	ByFormat map[Format]uint64 `json:"by_format"`

	// ByTier counts decisions per detected tier.
	ByTier map[string]uint64 `json:"by_tier"`

	// CacheHits and CacheMisses cover the detection cache.
	CacheHits   int64 `json:"cache_hits"`
	CacheMisses int64 `json:"cache_misses"`

	// Recent holds the last decisions, oldest first. Ordering across
	// concurrent requests is best-effort.
	Recent []Decision `json:"recent_decisions"`
}

// recorder folds decisions into monotonic counters and a bounded ring
// buffer of recent decisions.
//
// Description:
//
//	Counters never lose increments under concurrency: the total uses an
//	atomic, the per-format and per-tier maps and the ring buffer share
//	a mutex held only for the few map/slice writes. Ring ordering
//	across concurrent requests is best-effort by design.
//
// Thread Safety: Safe for concurrent use.
type recorder struct {
	total atomic.Uint64

	mu       sync.Mutex
	byFormat map[Format]uint64
	byTier   [tierCount]uint64
	ring     []Decision
	next     int
	count    int
}

// newRecorder creates a recorder keeping the last capacity decisions.
func newRecorder(capacity int) *recorder {
	if capacity <= 0 {
		capacity = defaultRecentCapacity
	}
	return &recorder{
		byFormat: make(map[Format]uint64),
		ring:     make([]Decision, capacity),
	}
}

// record folds one decision into the counters and the ring buffer.
func (r *recorder) record(d Decision) {
	r.total.Add(1)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.byFormat[d.Format]++
	if int(d.Tier) < tierCount {
		r.byTier[d.Tier]++
	}

	r.ring[r.next] = d
	r.next = (r.next + 1) % len(r.ring)
	if r.count < len(r.ring) {
		r.count++
	}
}

// snapshot copies the current statistics. Cache counters are filled in
// by the Manager, which owns the cache.
func (r *recorder) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{
		Total:    r.total.Load(),
		ByFormat: make(map[Format]uint64, len(r.byFormat)),
		ByTier:   make(map[string]uint64, tierCount),
	}
	for f, n := range r.byFormat {
		s.ByFormat[f] = n
	}
	for t := Tier(0); t < tierCount; t++ {
		if r.byTier[t] > 0 {
			s.ByTier[t.String()] = r.byTier[t]
		}
	}

	s.Recent = make([]Decision, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.ring)
	}
	for i := 0; i < r.count; i++ {
		s.Recent = append(s.Recent, r.ring[(start+i)%len(r.ring)])
	}
	return s
}

// reset zeroes every counter and drops the recent decisions. Counters
// otherwise never reset; this backs the explicit admin action only.
func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.total.Store(0)
	r.byFormat = make(map[Format]uint64)
	r.byTier = [tierCount]uint64{}
	r.ring = make([]Decision, len(r.ring))
	r.next, r.count = 0, 0
}
