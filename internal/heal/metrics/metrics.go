// Package metrics provides observability counters for the healing engine.
// It tracks attempts, outcomes, provider traffic, and spend so operators can
// judge healing effectiveness before trusting it in larger suites.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks all healing operations. Counters are atomic; the
// per-action breakdown sits behind its own lock.
type Metrics struct {
	attempts        atomic.Int64
	successes       atomic.Int64
	suggestions     atomic.Int64
	refusals        atomic.Int64
	failures        atomic.Int64
	outcomeFailures atomic.Int64
	cacheHits       atomic.Int64
	providerCalls   atomic.Int64
	fallbacks       atomic.Int64
	parseFailures   atomic.Int64
	breakerOpens    atomic.Int64
	costMicroUSD    atomic.Int64

	byActionMu sync.RWMutex
	byAction   map[string]int64

	// Latency tracking (in milliseconds)
	latencyMu      sync.RWMutex
	latencySamples []int64
	maxSamples     int

	startTime time.Time
}

// New creates a new Metrics instance with the specified maximum latency
// samples kept for average/min/max calculations.
func New(maxSamples int) *Metrics {
	if maxSamples <= 0 {
		maxSamples = 1000
	}

	return &Metrics{
		byAction:       make(map[string]int64),
		latencySamples: make([]int64, 0, maxSamples),
		maxSamples:     maxSamples,
		startTime:      time.Now(),
	}
}

// RecordAttempt increments the total heal attempts counter.
func (m *Metrics) RecordAttempt() {
	m.attempts.Add(1)
}

// RecordSuccess increments the successful heals counter and records latency.
func (m *Metrics) RecordSuccess(latencyMs int64) {
	m.successes.Add(1)
	m.recordLatency(latencyMs)
}

// RecordSuggestion increments the suggested heals counter.
func (m *Metrics) RecordSuggestion() {
	m.suggestions.Add(1)
}

// RecordRefusal increments the refused heals counter.
func (m *Metrics) RecordRefusal() {
	m.refusals.Add(1)
}

// RecordFailure increments the failed heals counter.
func (m *Metrics) RecordFailure() {
	m.failures.Add(1)
}

// RecordOutcomeFailure increments the counter for heals where the action
// executed but outcome validation reported the intent unmet.
func (m *Metrics) RecordOutcomeFailure() {
	m.outcomeFailures.Add(1)
}

// RecordCacheHit increments the counter for heals served from the
// decision cache without a provider call.
func (m *Metrics) RecordCacheHit() {
	m.cacheHits.Add(1)
}

// RecordProviderCall increments the counter for individual LLM calls,
// including fallback attempts.
func (m *Metrics) RecordProviderCall() {
	m.providerCalls.Add(1)
}

// RecordFallback increments the counter for fallback provider attempts.
func (m *Metrics) RecordFallback() {
	m.fallbacks.Add(1)
}

// RecordParseFailure increments the counter for provider responses that
// could not be parsed into a decision.
func (m *Metrics) RecordParseFailure() {
	m.parseFailures.Add(1)
}

// RecordBreakerOpen increments the counter for circuit breaker open
// transitions.
func (m *Metrics) RecordBreakerOpen() {
	m.breakerOpens.Add(1)
}

// AddCost accumulates provider spend. Stored in integer micro-USD so the
// counter stays atomic.
func (m *Metrics) AddCost(costUSD float64) {
	if costUSD <= 0 {
		return
	}
	m.costMicroUSD.Add(int64(math.Round(costUSD * 1e6)))
}

// RecordAction increments the counter for a specific action type.
// Common types include: "click", "fill", "select", "hover".
func (m *Metrics) RecordAction(actionType string) {
	m.byActionMu.Lock()
	defer m.byActionMu.Unlock()
	m.byAction[actionType]++
}

// recordLatency adds a latency sample, keeping only the most recent
// maxSamples measurements.
func (m *Metrics) recordLatency(latencyMs int64) {
	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()

	m.latencySamples = append(m.latencySamples, latencyMs)
	if len(m.latencySamples) > m.maxSamples {
		m.latencySamples = m.latencySamples[len(m.latencySamples)-m.maxSamples:]
	}
}

// Snapshot returns a point-in-time copy of all metrics. Safe to call
// concurrently.
func (m *Metrics) Snapshot() *Snapshot {
	m.byActionMu.RLock()
	byActionCopy := make(map[string]int64, len(m.byAction))
	for k, v := range m.byAction {
		byActionCopy[k] = v
	}
	m.byActionMu.RUnlock()

	m.latencyMu.RLock()
	latencyStats := m.calculateLatencyStats()
	m.latencyMu.RUnlock()

	uptime := time.Since(m.startTime)

	return &Snapshot{
		Attempts:        m.attempts.Load(),
		Successes:       m.successes.Load(),
		Suggestions:     m.suggestions.Load(),
		Refusals:        m.refusals.Load(),
		Failures:        m.failures.Load(),
		OutcomeFailures: m.outcomeFailures.Load(),
		CacheHits:       m.cacheHits.Load(),
		ProviderCalls:   m.providerCalls.Load(),
		Fallbacks:       m.fallbacks.Load(),
		ParseFailures:   m.parseFailures.Load(),
		BreakerOpens:    m.breakerOpens.Load(),
		CostUSD:         float64(m.costMicroUSD.Load()) / 1e6,

		ByAction: byActionCopy,

		LatencyStats: latencyStats,

		UptimeSeconds: int64(uptime.Seconds()),
		Timestamp:     time.Now(),
	}
}

// calculateLatencyStats computes statistics from the latency samples.
// Must be called with latencyMu held.
func (m *Metrics) calculateLatencyStats() LatencyStats {
	if len(m.latencySamples) == 0 {
		return LatencyStats{}
	}

	var sum int64
	min := m.latencySamples[0]
	max := m.latencySamples[0]

	for _, sample := range m.latencySamples {
		sum += sample
		if sample < min {
			min = sample
		}
		if sample > max {
			max = sample
		}
	}

	return LatencyStats{
		AverageMs: sum / int64(len(m.latencySamples)),
		MinMs:     min,
		MaxMs:     max,
		Samples:   int64(len(m.latencySamples)),
	}
}

// Reset clears all metrics. This is primarily useful for testing.
func (m *Metrics) Reset() {
	m.attempts.Store(0)
	m.successes.Store(0)
	m.suggestions.Store(0)
	m.refusals.Store(0)
	m.failures.Store(0)
	m.outcomeFailures.Store(0)
	m.cacheHits.Store(0)
	m.providerCalls.Store(0)
	m.fallbacks.Store(0)
	m.parseFailures.Store(0)
	m.breakerOpens.Store(0)
	m.costMicroUSD.Store(0)

	m.byActionMu.Lock()
	m.byAction = make(map[string]int64)
	m.byActionMu.Unlock()

	m.latencyMu.Lock()
	m.latencySamples = make([]int64, 0, m.maxSamples)
	m.latencyMu.Unlock()

	m.startTime = time.Now()
}

// Snapshot represents a point-in-time view of all healing metrics.
// This structure is safe to serialize and expose via API endpoints.
type Snapshot struct {
	Attempts        int64   `json:"attempts"`
	Successes       int64   `json:"successes"`
	Suggestions     int64   `json:"suggestions"`
	Refusals        int64   `json:"refusals"`
	Failures        int64   `json:"failures"`
	OutcomeFailures int64   `json:"outcome_failures"`
	CacheHits       int64   `json:"cache_hits"`
	ProviderCalls   int64   `json:"provider_calls"`
	Fallbacks       int64   `json:"fallbacks"`
	ParseFailures   int64   `json:"parse_failures"`
	BreakerOpens    int64   `json:"breaker_opens"`
	CostUSD         float64 `json:"cost_usd"`

	ByAction map[string]int64 `json:"by_action"`

	LatencyStats LatencyStats `json:"latency_stats"`

	UptimeSeconds int64     `json:"uptime_seconds"`
	Timestamp     time.Time `json:"timestamp"`
}

// LatencyStats contains statistical information about heal latencies.
type LatencyStats struct {
	AverageMs int64 `json:"average_ms"`
	MinMs     int64 `json:"min_ms"`
	MaxMs     int64 `json:"max_ms"`
	Samples   int64 `json:"samples"`
}

// SuccessRate calculates the heal success rate as a percentage (0-100).
// Returns 0 if no attempts have been made.
func (s *Snapshot) SuccessRate() float64 {
	if s.Attempts == 0 {
		return 0.0
	}
	return (float64(s.Successes) / float64(s.Attempts)) * 100.0
}

// Global metrics instance shared across the engine and the HTTP facade.
var globalMetrics *Metrics
var once sync.Once

// Global returns the global Metrics instance, initializing it if necessary.
func Global() *Metrics {
	once.Do(func() {
		globalMetrics = New(1000)
	})
	return globalMetrics
}
