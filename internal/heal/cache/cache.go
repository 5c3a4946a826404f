// Copyright 2026 The Healgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package cache implements the decision cache: a bounded, TTL-expiring
// map from a request fingerprint to a previously accepted heal. The cache
// is the engine's core cost control: at most one provider evaluation per
// unique fingerprint per TTL window.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/healgate/healgate/internal/heal/types"
)

// Default bounds applied when the configuration leaves them unset.
const (
	DefaultMaxSize       = 1000
	DefaultTTL           = 6 * time.Hour
	DefaultMinConfidence = 0.8
)

// Config carries the cache bounds.
type Config struct {
	Enabled              bool
	MaxSize              int
	TTL                  time.Duration
	MinConfidenceToCache float64
}

// Entry is one cached heal decision.
type Entry struct {
	Fingerprint   string    `json:"fingerprint"`
	HealedLocator string    `json:"healed_locator"`
	Confidence    float64   `json:"confidence"`
	Reasoning     string    `json:"reasoning,omitempty"`
	StoredAt      time.Time `json:"stored_at"`
}

// Metrics is a point-in-time copy of cache counters.
type Metrics struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
}

// DecisionCache is an LRU map with TTL expiry on lookup. LRU was chosen
// over insertion-order eviction because repeated failures of the same
// locator keep its fingerprint hot while one-off fingerprints age out.
type DecisionCache struct {
	mu  sync.Mutex
	cfg Config

	entries map[string]*list.Element
	lru     *list.List // front = most recently used

	hits      int64
	misses    int64
	evictions int64

	nowFunc func() time.Time
}

// Fingerprint derives the cache key from the request identity: page URL,
// original locator, action type, and the caller's intent hint.
func Fingerprint(pageURL string, original types.Locator, actionType, intentHint string) string {
	h := sha256.New()
	for _, part := range []string{pageURL, original.String(), actionType, intentHint} {
		h.Write([]byte(part))
		h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// New creates a DecisionCache, substituting defaults for unset bounds.
func New(cfg Config) *DecisionCache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MinConfidenceToCache <= 0 {
		cfg.MinConfidenceToCache = DefaultMinConfidence
	}
	return &DecisionCache{
		cfg:     cfg,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		nowFunc: time.Now,
	}
}

// Enabled reports whether the cache participates in heal attempts.
func (c *DecisionCache) Enabled() bool {
	return c.cfg.Enabled
}

// Get looks up a fingerprint. Expired entries are removed, counted as an
// eviction, and reported as a miss. A hit refreshes the entry's recency.
func (c *DecisionCache) Get(fingerprint string) (Entry, bool) {
	if !c.cfg.Enabled {
		return Entry{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[fingerprint]
	if !ok {
		c.misses++
		return Entry{}, false
	}

	entry := el.Value.(*Entry)
	if c.nowFunc().Sub(entry.StoredAt) >= c.cfg.TTL {
		c.removeLocked(el)
		c.evictions++
		c.misses++
		return Entry{}, false
	}

	c.lru.MoveToFront(el)
	c.hits++
	return *entry, true
}

// Put stores a heal decision if its confidence clears the configured
// minimum; below the bar it is a correct no-op. Returns whether the
// entry was stored.
func (c *DecisionCache) Put(fingerprint, healedLocator string, confidence float64, reasoning string) bool {
	if !c.cfg.Enabled {
		return false
	}
	if confidence < c.cfg.MinConfidenceToCache {
		return false
	}
	if fingerprint == "" || healedLocator == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	if el, ok := c.entries[fingerprint]; ok {
		entry := el.Value.(*Entry)
		entry.HealedLocator = healedLocator
		entry.Confidence = confidence
		entry.Reasoning = reasoning
		entry.StoredAt = now
		c.lru.MoveToFront(el)
		return true
	}

	el := c.lru.PushFront(&Entry{
		Fingerprint:   fingerprint,
		HealedLocator: healedLocator,
		Confidence:    confidence,
		Reasoning:     reasoning,
		StoredAt:      now,
	})
	c.entries[fingerprint] = el

	for c.lru.Len() > c.cfg.MaxSize {
		c.evictOldestLocked()
	}
	return true
}

// Invalidate removes a fingerprint, reporting whether it was present.
// The engine calls this when a cached locator fails at execution time.
func (c *DecisionCache) Invalidate(fingerprint string) bool {
	if !c.cfg.Enabled {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[fingerprint]
	if !ok {
		return false
	}
	c.removeLocked(el)
	return true
}

// Clear drops every entry. Counters are preserved.
func (c *DecisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
}

// Size returns the number of live entries.
func (c *DecisionCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns a copy of the cache counters.
func (c *DecisionCache) Stats() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Metrics{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      c.lru.Len(),
	}
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (c *DecisionCache) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

// evictOldestLocked removes the least recently used entry.
func (c *DecisionCache) evictOldestLocked() {
	oldest := c.lru.Back()
	if oldest == nil {
		return
	}
	c.removeLocked(oldest)
	c.evictions++
}

func (c *DecisionCache) removeLocked(el *list.Element) {
	entry := el.Value.(*Entry)
	delete(c.entries, entry.Fingerprint)
	c.lru.Remove(el)
}
