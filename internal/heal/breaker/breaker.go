// Copyright 2026 The Healgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package breaker implements the failure- and cost-driven circuit breaker
// that gates heal attempts. One breaker instance is shared by every test
// thread using the same engine; all state lives behind a single mutex so
// transitions are effectively atomic.
package breaker

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// State is the breaker's position in the CLOSED -> OPEN -> HALF_OPEN cycle.
type State string

const (
	// StateClosed admits all attempts while counting consecutive failures.
	StateClosed State = "CLOSED"

	// StateOpen refuses all attempts until the open duration elapses.
	StateOpen State = "OPEN"

	// StateHalfOpen admits a bounded number of probe attempts.
	StateHalfOpen State = "HALF_OPEN"
)

// Deny reasons reported to callers when an attempt is refused.
const (
	ReasonFailureThreshold = "circuit open: failure threshold exceeded"
	ReasonCostLimit        = "circuit open: daily cost limit reached"
	ReasonHalfOpenBudget   = "circuit half-open: probe budget exhausted"
)

const costResetInterval = 24 * time.Hour

// Config carries the breaker thresholds. Zero values are replaced with
// defaults by New; config.SanitizeHealing normally does this earlier.
type Config struct {
	Enabled                 bool
	FailureThreshold        int
	SuccessThresholdToClose int
	HalfOpenMaxAttempts     int
	OpenDuration            time.Duration
	DailyCostLimitUSD       float64
}

// CircuitBreaker gates healing on two independent signals: consecutive
// failures and accumulated daily provider cost.
type CircuitBreaker struct {
	mu  sync.Mutex
	cfg Config

	state           State
	failureCount    int
	successStreak   int
	halfOpenAdmits  int
	halfOpenWins    int
	openedAt        time.Time
	openedDueToCost bool
	lastFailureAt   time.Time

	dailyCost   float64
	costResetAt time.Time

	// nowFunc is replaceable in tests to drive time-based transitions.
	nowFunc func() time.Time
}

// Snapshot is a point-in-time copy of breaker state for observability.
type Snapshot struct {
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessStreak   int       `json:"success_streak"`
	HalfOpenAdmits  int       `json:"half_open_admits"`
	HalfOpenWins    int       `json:"half_open_wins"`
	DailyCostUSD    float64   `json:"daily_cost_usd"`
	OpenedAt        time.Time `json:"opened_at,omitempty"`
	OpenedDueToCost bool      `json:"opened_due_to_cost"`
	LastFailureAt   time.Time `json:"last_failure_at,omitempty"`
	CostResetAt     time.Time `json:"cost_reset_at"`
}

// New creates a breaker in the CLOSED state.
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThresholdToClose <= 0 {
		cfg.SuccessThresholdToClose = 2
	}
	if cfg.HalfOpenMaxAttempts <= 0 {
		cfg.HalfOpenMaxAttempts = 3
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 5 * time.Minute
	}
	cb := &CircuitBreaker{
		cfg:     cfg,
		state:   StateClosed,
		nowFunc: time.Now,
	}
	cb.costResetAt = cb.nowFunc()
	return cb
}

// Allow reports whether a heal attempt may proceed. When it returns false
// the second value names the reason (failure threshold, cost limit, or an
// exhausted half-open probe budget). In HALF_OPEN, a true return consumes
// one probe slot; RecordRefusal returns the slot for attempts that end in
// a refusal rather than a verdict.
func (cb *CircuitBreaker) Allow() (bool, string) {
	if !cb.cfg.Enabled {
		return true, ""
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.nowFunc()
	cb.maybeResetCostLocked(now)

	if cb.overCostLimitLocked() {
		cb.tripLocked(now, true)
		return false, ReasonCostLimit
	}

	switch cb.state {
	case StateOpen:
		if now.Sub(cb.openedAt) >= cb.cfg.OpenDuration {
			cb.toHalfOpenLocked()
		} else {
			if cb.openedDueToCost {
				return false, ReasonCostLimit
			}
			return false, ReasonFailureThreshold
		}
		fallthrough
	case StateHalfOpen:
		if cb.halfOpenAdmits >= cb.cfg.HalfOpenMaxAttempts {
			return false, ReasonHalfOpenBudget
		}
		cb.halfOpenAdmits++
		return true, ""
	default:
		return true, ""
	}
}

// RecordSuccess feeds a successful heal back into the breaker, adding the
// attempt's provider cost to the daily accumulator. A run of consecutive
// successes resets the failure count; in HALF_OPEN it closes the circuit.
func (cb *CircuitBreaker) RecordSuccess(costUSD float64) {
	if !cb.cfg.Enabled {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.nowFunc()
	cb.maybeResetCostLocked(now)
	cb.dailyCost += costUSD

	switch cb.state {
	case StateHalfOpen:
		cb.halfOpenWins++
		if cb.halfOpenWins >= cb.cfg.SuccessThresholdToClose {
			cb.closeLocked()
			log.Info("healing circuit closed after successful probes")
		}
	case StateClosed:
		cb.successStreak++
		if cb.successStreak >= cb.cfg.SuccessThresholdToClose {
			cb.failureCount = 0
			cb.successStreak = 0
		}
	}

	if cb.overCostLimitLocked() {
		cb.tripLocked(now, true)
	}
}

// RecordFailure feeds a failed heal back into the breaker, adding the
// attempt's provider cost. In CLOSED it counts toward the failure
// threshold; in HALF_OPEN a single failure reopens immediately.
func (cb *CircuitBreaker) RecordFailure(costUSD float64) {
	if !cb.cfg.Enabled {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.nowFunc()
	cb.maybeResetCostLocked(now)
	cb.dailyCost += costUSD
	cb.lastFailureAt = now

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		cb.successStreak = 0
		if cb.failureCount >= cb.cfg.FailureThreshold {
			cb.tripLocked(now, false)
			log.WithField("failures", cb.failureCount).Warn("healing circuit opened on failure threshold")
		}
	case StateHalfOpen:
		cb.tripLocked(now, false)
		log.Warn("healing circuit reopened by half-open probe failure")
	}

	if cb.overCostLimitLocked() {
		cb.tripLocked(now, true)
	}
}

// RecordRefusal notes an attempt that ended in a refusal. Refusals are
// not evidence of malfunction: no counter moves, except that a HALF_OPEN
// probe slot consumed by Allow is handed back so refusals cannot starve
// the probe budget.
func (cb *CircuitBreaker) RecordRefusal() {
	if !cb.cfg.Enabled {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.halfOpenAdmits > 0 {
		cb.halfOpenAdmits--
	}
}

// AddCost records provider spend from an attempt that ended without a
// success or failure verdict (a refusal or a suggestion that still paid
// for an evaluation). Crossing the daily limit trips the circuit the
// same way it does on a recorded verdict.
func (cb *CircuitBreaker) AddCost(costUSD float64) {
	if !cb.cfg.Enabled || costUSD <= 0 {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.nowFunc()
	cb.maybeResetCostLocked(now)
	cb.dailyCost += costUSD

	if cb.overCostLimitLocked() {
		cb.tripLocked(now, true)
	}
}

// DailyCost returns the accumulated provider spend for the current
// 24-hour window.
func (cb *CircuitBreaker) DailyCost() float64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeResetCostLocked(cb.nowFunc())
	return cb.dailyCost
}

// State returns the current breaker state, applying any lazy time-based
// transition first.
func (cb *CircuitBreaker) State() State {
	if !cb.cfg.Enabled {
		return StateClosed
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.nowFunc()
	cb.maybeResetCostLocked(now)
	if cb.state == StateOpen && now.Sub(cb.openedAt) >= cb.cfg.OpenDuration {
		cb.toHalfOpenLocked()
	}
	return cb.state
}

// Stats returns a copy of all breaker counters.
func (cb *CircuitBreaker) Stats() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Snapshot{
		State:           cb.state,
		FailureCount:    cb.failureCount,
		SuccessStreak:   cb.successStreak,
		HalfOpenAdmits:  cb.halfOpenAdmits,
		HalfOpenWins:    cb.halfOpenWins,
		DailyCostUSD:    cb.dailyCost,
		OpenedAt:        cb.openedAt,
		OpenedDueToCost: cb.openedDueToCost,
		LastFailureAt:   cb.lastFailureAt,
		CostResetAt:     cb.costResetAt,
	}
}

// Reconfigure swaps the breaker limits without resetting state or the
// daily cost ledger. Zero values take the same defaults New applies.
// The new limits act from the next Allow or Record call on; a tightened
// cost limit below today's spend trips the circuit on that call.
func (cb *CircuitBreaker) Reconfigure(cfg Config) {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThresholdToClose <= 0 {
		cfg.SuccessThresholdToClose = 2
	}
	if cfg.HalfOpenMaxAttempts <= 0 {
		cfg.HalfOpenMaxAttempts = 3
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 5 * time.Minute
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.cfg = cfg
}

// tripLocked forces the breaker OPEN. Cost trips keep a failure-opened
// breaker marked as failure-opened; the flag records the original cause.
func (cb *CircuitBreaker) tripLocked(now time.Time, dueToCost bool) {
	if cb.state == StateOpen {
		return
	}
	cb.state = StateOpen
	cb.openedAt = now
	cb.openedDueToCost = dueToCost
}

func (cb *CircuitBreaker) toHalfOpenLocked() {
	cb.state = StateHalfOpen
	cb.halfOpenAdmits = 0
	cb.halfOpenWins = 0
}

func (cb *CircuitBreaker) closeLocked() {
	cb.state = StateClosed
	cb.failureCount = 0
	cb.successStreak = 0
	cb.halfOpenAdmits = 0
	cb.halfOpenWins = 0
	cb.openedDueToCost = false
}

// maybeResetCostLocked zeroes the daily cost accumulator every 24 hours.
// A breaker that was open purely because of cost moves to HALF_OPEN on
// reset; one that also crossed the failure threshold stays open.
func (cb *CircuitBreaker) maybeResetCostLocked(now time.Time) {
	if now.Sub(cb.costResetAt) < costResetInterval {
		return
	}
	cb.dailyCost = 0
	cb.costResetAt = now
	if cb.state == StateOpen && cb.openedDueToCost && cb.failureCount < cb.cfg.FailureThreshold {
		cb.toHalfOpenLocked()
		cb.openedDueToCost = false
		log.Info("daily cost window reset, healing circuit moved to half-open")
	}
}

func (cb *CircuitBreaker) overCostLimitLocked() bool {
	return cb.cfg.DailyCostLimitUSD > 0 && cb.dailyCost >= cb.cfg.DailyCostLimitUSD
}
