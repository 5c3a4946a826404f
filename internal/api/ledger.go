// Copyright 2026 The Healgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"sync"
	"time"

	"github.com/healgate/healgate/internal/heal/types"
)

// pendingSuggestion holds everything needed to settle a suggestion once
// the remote client reports how the healed locator worked out.
type pendingSuggestion struct {
	HealID      string
	Fingerprint string
	Locator     string
	Confidence  float64
	Reasoning   string
	CacheHit    bool
	ExpiresAt   time.Time
}

// suggestionLedger tracks suggestions awaiting an outcome report. Entries
// expire after the configured TTL; expiry is lazy, checked on access the
// same way the decision cache does it.
type suggestionLedger struct {
	mu      sync.Mutex
	entries map[string]pendingSuggestion
	ttl     time.Duration
	nowFunc func() time.Time
}

func newSuggestionLedger(ttl time.Duration) *suggestionLedger {
	return &suggestionLedger{
		entries: make(map[string]pendingSuggestion),
		ttl:     ttl,
		nowFunc: time.Now,
	}
}

// put registers a suggested result under its heal id, sweeping any
// entries that expired in the meantime.
func (l *suggestionLedger) put(result *types.HealResult, fingerprint string) {
	if result == nil || result.ID == "" {
		return
	}
	now := l.nowFunc()

	l.mu.Lock()
	defer l.mu.Unlock()
	for id, entry := range l.entries {
		if now.After(entry.ExpiresAt) {
			delete(l.entries, id)
		}
	}
	l.entries[result.ID] = pendingSuggestion{
		HealID:      result.ID,
		Fingerprint: fingerprint,
		Locator:     result.SuggestedLocator,
		Confidence:  result.Confidence,
		Reasoning:   result.Reasoning,
		CacheHit:    result.CacheHit,
		ExpiresAt:   now.Add(l.ttl),
	}
}

// take removes and returns the entry for the heal id. Expired entries
// are treated as absent.
func (l *suggestionLedger) take(healID string) (pendingSuggestion, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[healID]
	if !ok {
		return pendingSuggestion{}, false
	}
	delete(l.entries, healID)
	if l.nowFunc().After(entry.ExpiresAt) {
		return pendingSuggestion{}, false
	}
	return entry, true
}

// size reports the number of suggestions currently awaiting settlement,
// including any not yet swept.
func (l *suggestionLedger) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
