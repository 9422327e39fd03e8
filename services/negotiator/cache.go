// Copyright (C) 2025 Problemgate Authors (maintainers@problemgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package negotiator

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"
)

// tierCache caches classification results with TTL expiration and LRU
// eviction. Expired entries are removed lazily on read; no background
// sweep runs, keeping the request path free of goroutines.
//
// Thread Safety: Safe for concurrent use.
type tierCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List
	ttl     time.Duration
	maxSize int

	hits   atomic.Int64
	misses atomic.Int64
}

type tierCacheEntry struct {
	key       string
	tier      Tier
	expiresAt time.Time
}

// newTierCache creates a cache bounded by maxSize with per-entry TTL.
func newTierCache(ttl time.Duration, maxSize int) *tierCache {
	if maxSize <= 0 {
		maxSize = defaultCacheMaxEntries
	}
	return &tierCache{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// get returns the cached tier for key when present and unexpired.
func (c *tierCache) get(key string) (Tier, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, exists := c.entries[key]
	if !exists {
		c.misses.Add(1)
		return TierUnknown, false
	}

	entry := elem.Value.(*tierCacheEntry)
	if time.Now().After(entry.expiresAt) {
		// Expired - remove lazily
		c.removeElement(elem)
		c.misses.Add(1)
		return TierUnknown, false
	}

	c.lru.MoveToFront(elem)
	c.hits.Add(1)
	return entry.tier, true
}

// set stores a tier, evicting the least recently used entry at capacity.
func (c *tierCache) set(key string, tier Tier) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.entries[key]; exists {
		entry := elem.Value.(*tierCacheEntry)
		entry.tier = tier
		entry.expiresAt = time.Now().Add(c.ttl)
		c.lru.MoveToFront(elem)
		return
	}

	for c.lru.Len() >= c.maxSize {
		c.evictOldest()
	}

	elem := c.lru.PushFront(&tierCacheEntry{
		key:       key,
		tier:      tier,
		expiresAt: time.Now().Add(c.ttl),
	})
	c.entries[key] = elem
}

// flush drops every entry while keeping the hit/miss counters. Called
// when a registry change invalidates prior classifications.
func (c *tierCache) flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
}

// size returns the current entry count.
func (c *tierCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// hitCount and missCount expose the lookup counters for statistics.
func (c *tierCache) hitCount() int64  { return c.hits.Load() }
func (c *tierCache) missCount() int64 { return c.misses.Load() }

// evictOldest removes the least recently used entry.
// Must be called with the lock held.
func (c *tierCache) evictOldest() {
	if elem := c.lru.Back(); elem != nil {
		c.removeElement(elem)
	}
}

// removeElement removes an element from both map and list.
// Must be called with the lock held.
func (c *tierCache) removeElement(elem *list.Element) {
	entry := elem.Value.(*tierCacheEntry)
	delete(c.entries, entry.key)
	c.lru.Remove(elem)
}

// cacheKey hashes the detection-relevant request signals into a stable
// cache key. Client id participates so two clients sharing a User-Agent
// but registered to different tiers never collide.
func cacheKey(d Descriptor) string {
	h := sha256.New()
	h.Write([]byte(d.UserAgent))
	h.Write([]byte("|"))
	h.Write([]byte(d.Accept))
	h.Write([]byte("|"))
	h.Write([]byte(d.ClientID))
	return hex.EncodeToString(h.Sum(nil))
}
