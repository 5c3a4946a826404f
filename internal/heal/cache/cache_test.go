// Copyright 2026 The Healgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/healgate/healgate/internal/heal/types"
)

func testCache(maxSize int, ttl time.Duration, minConf float64) (*DecisionCache, *fakeClock) {
	c := New(Config{
		Enabled:              true,
		MaxSize:              maxSize,
		TTL:                  ttl,
		MinConfidenceToCache: minConf,
	})
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	c.nowFunc = clock.Now
	return c, clock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestFingerprint_Deterministic(t *testing.T) {
	loc, _ := types.NewLocator(types.StrategyID, "login-btn")

	a := Fingerprint("https://app.test/login", loc, "click", "log in")
	b := Fingerprint("https://app.test/login", loc, "click", "log in")
	if a != b {
		t.Error("identical inputs must produce identical fingerprints")
	}

	c := Fingerprint("https://app.test/login", loc, "click", "different hint")
	if a == c {
		t.Error("different intent hints must change the fingerprint")
	}

	other, _ := types.NewLocator(types.StrategyName, "login-btn")
	d := Fingerprint("https://app.test/login", other, "click", "log in")
	if a == d {
		t.Error("the locator strategy must be part of the fingerprint")
	}
}

func TestCache_PutGet(t *testing.T) {
	c, _ := testCache(10, time.Hour, 0.7)

	stored := c.Put("fp-1", "id=login-btn", 0.9, "matched by text")
	if !stored {
		t.Fatal("Put should store above the confidence minimum")
	}

	entry, ok := c.Get("fp-1")
	if !ok {
		t.Fatal("expected a hit")
	}
	if entry.HealedLocator != "id=login-btn" {
		t.Errorf("HealedLocator = %q", entry.HealedLocator)
	}
	if entry.Confidence != 0.9 {
		t.Errorf("Confidence = %v", entry.Confidence)
	}

	m := c.Stats()
	if m.Hits != 1 || m.Misses != 0 || m.Size != 1 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestCache_PutBelowMinimumIsNoOp(t *testing.T) {
	c, _ := testCache(10, time.Hour, 0.7)

	if c.Put("fp-low", "id=x", 0.69, "") {
		t.Error("Put below the minimum must be a no-op")
	}
	if _, ok := c.Get("fp-low"); ok {
		t.Error("entry below minimum must not be stored")
	}
	if c.Size() != 0 {
		t.Errorf("Size = %d, want 0", c.Size())
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	c, clock := testCache(10, time.Hour, 0.5)

	c.Put("fp-1", "id=a", 0.9, "")

	clock.Advance(59 * time.Minute)
	if _, ok := c.Get("fp-1"); !ok {
		t.Fatal("entry must be present before TTL expiry")
	}

	clock.Advance(2 * time.Minute) // 61m since store
	if _, ok := c.Get("fp-1"); ok {
		t.Fatal("entry must be absent after TTL expiry")
	}

	m := c.Stats()
	if m.Evictions != 1 {
		t.Errorf("TTL expiry must count as an eviction, got %d", m.Evictions)
	}
	if m.Misses != 1 {
		t.Errorf("expired lookup must count as a miss, got %d", m.Misses)
	}
	if m.Size != 0 {
		t.Errorf("expired entry must be removed, size = %d", m.Size)
	}
}

func TestCache_PutRefreshesTTL(t *testing.T) {
	c, clock := testCache(10, time.Hour, 0.5)

	c.Put("fp-1", "id=a", 0.9, "")
	clock.Advance(45 * time.Minute)
	c.Put("fp-1", "id=a", 0.95, "re-evaluated")
	clock.Advance(45 * time.Minute) // 90m since first store, 45m since refresh

	entry, ok := c.Get("fp-1")
	if !ok {
		t.Fatal("refreshed entry must still be live")
	}
	if entry.Confidence != 0.95 {
		t.Errorf("Confidence = %v, want refreshed 0.95", entry.Confidence)
	}
}

func TestCache_CapacityEvictsLRU(t *testing.T) {
	c, _ := testCache(3, time.Hour, 0.5)

	c.Put("fp-a", "id=a", 0.9, "")
	c.Put("fp-b", "id=b", 0.9, "")
	c.Put("fp-c", "id=c", 0.9, "")

	// Touch fp-a so fp-b becomes the least recently used.
	if _, ok := c.Get("fp-a"); !ok {
		t.Fatal("fp-a should be present")
	}

	c.Put("fp-d", "id=d", 0.9, "")

	if c.Size() != 3 {
		t.Fatalf("Size = %d, want 3", c.Size())
	}
	if _, ok := c.Get("fp-b"); ok {
		t.Error("fp-b should have been evicted as least recently used")
	}
	for _, fp := range []string{"fp-a", "fp-c", "fp-d"} {
		if _, ok := c.Get(fp); !ok {
			t.Errorf("%s should have survived the eviction", fp)
		}
	}
	if c.Stats().Evictions != 1 {
		t.Errorf("Evictions = %d, want 1", c.Stats().Evictions)
	}
}

func TestCache_Invalidate(t *testing.T) {
	c, _ := testCache(10, time.Hour, 0.5)

	c.Put("fp-1", "id=a", 0.9, "")

	if !c.Invalidate("fp-1") {
		t.Error("Invalidate should report the entry was present")
	}
	if c.Invalidate("fp-1") {
		t.Error("second Invalidate should report absence")
	}
	if _, ok := c.Get("fp-1"); ok {
		t.Error("invalidated entry must be gone")
	}
}

func TestCache_Disabled(t *testing.T) {
	c := New(Config{Enabled: false, MaxSize: 10, TTL: time.Hour, MinConfidenceToCache: 0.5})

	if c.Put("fp", "id=a", 0.9, "") {
		t.Error("disabled cache must not store")
	}
	if _, ok := c.Get("fp"); ok {
		t.Error("disabled cache must not hit")
	}
	if c.Enabled() {
		t.Error("Enabled() must be false")
	}
}

func TestCache_Defaults(t *testing.T) {
	c := New(Config{Enabled: true})
	if c.cfg.MaxSize != DefaultMaxSize {
		t.Errorf("MaxSize default = %d, want %d", c.cfg.MaxSize, DefaultMaxSize)
	}
	if c.cfg.TTL != DefaultTTL {
		t.Errorf("TTL default = %v, want %v", c.cfg.TTL, DefaultTTL)
	}
	if c.cfg.MinConfidenceToCache != DefaultMinConfidence {
		t.Errorf("MinConfidenceToCache default = %v, want %v", c.cfg.MinConfidenceToCache, DefaultMinConfidence)
	}
}

func TestCache_HitRate(t *testing.T) {
	c, _ := testCache(10, time.Hour, 0.5)

	if c.HitRate() != 0 {
		t.Error("HitRate before any lookup must be 0")
	}

	c.Put("fp-1", "id=a", 0.9, "")
	c.Get("fp-1")    // hit
	c.Get("fp-1")    // hit
	c.Get("fp-miss") // miss

	rate := c.HitRate()
	want := 2.0 / 3.0
	if rate < want-0.01 || rate > want+0.01 {
		t.Errorf("HitRate = %v, want ~%v", rate, want)
	}
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c, _ := testCache(64, time.Hour, 0.5)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				fp := fmt.Sprintf("fp-%d", i%32)
				switch i % 3 {
				case 0:
					c.Put(fp, "id=el", 0.9, "")
				case 1:
					c.Get(fp)
				case 2:
					c.Invalidate(fp)
				}
			}
		}(g)
	}
	wg.Wait()

	if c.Size() > 64 {
		t.Errorf("Size = %d, exceeded capacity under concurrency", c.Size())
	}
	m := c.Stats()
	if m.Hits+m.Misses == 0 {
		t.Error("expected lookups to be counted")
	}
}
