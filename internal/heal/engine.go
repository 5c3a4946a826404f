// Copyright 2026 The Healgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package heal implements the healing decision engine: the orchestration
// state machine that turns a locator failure into a bounded,
// policy-governed decision. The engine composes the circuit breaker, the
// decision cache, the guardrail evaluator, and the evaluation pipeline
// with caller-supplied collaborators for snapshot capture, action
// execution, and outcome validation. One Engine instance is shared by
// every test thread of a run; Heal is safe for concurrent use.
package heal

import (
	"context"
	"time"

	"github.com/healgate/healgate/internal/heal/audit"
	"github.com/healgate/healgate/internal/heal/breaker"
	"github.com/healgate/healgate/internal/heal/cache"
	"github.com/healgate/healgate/internal/heal/guard"
	"github.com/healgate/healgate/internal/heal/metrics"
	"github.com/healgate/healgate/internal/heal/pipeline"
	"github.com/healgate/healgate/internal/heal/types"
)

// SnapshotFunc captures the current page state. It is supplied by the
// browser adapter; the engine calls it at most once per attempt, and only
// on a cache miss.
type SnapshotFunc func(ctx context.Context, failure *types.FailureContext) (*types.UiSnapshot, error)

// ActionFunc executes the healed action against the browser. On the fresh
// path the target carries the resolved element; on the cached path only
// the locator string, which the adapter re-resolves.
type ActionFunc func(ctx context.Context, actionType string, target types.ActionTarget, payload interface{}) error

// OutcomeFunc verifies that an executed action had its intended effect.
// Optional; when unset, outcome validation is skipped.
type OutcomeFunc func(ctx context.Context, octx *types.OutcomeContext) (*types.OutcomeResult, error)

// Evaluator is the engine's view of the evaluation pipeline.
type Evaluator interface {
	Evaluate(ctx context.Context, failure *types.FailureContext, snapshot *types.UiSnapshot, intent *types.IntentContract) (*pipeline.Evaluation, error)
}

// Confirmer is consulted under policy CONFIRM. Confirm blocks until an
// operator verdict arrives or its configured timeout elapses.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
}

// Journal persists heal results for the downstream patching subsystem.
type Journal interface {
	Record(ctx context.Context, result *types.HealResult) error
}

// Archiver stores evidence (screenshot, DOM) for a finished attempt.
// Implementations are best-effort and log their own errors.
type Archiver interface {
	Archive(ctx context.Context, result *types.HealResult, snapshot *types.UiSnapshot)
}

// Config carries the engine-level switches. Collaborator-specific limits
// live in the collaborators' own configs.
type Config struct {
	// Enabled gates all healing. When false every attempt is REFUSED.
	Enabled bool

	// DefaultPolicy applies when the caller supplies no intent. Empty
	// defaults to SUGGEST.
	DefaultPolicy types.Policy
}

// Engine is the healing decision engine.
type Engine struct {
	cfg Config

	guard    *guard.Guardrail
	breaker  *breaker.CircuitBreaker
	cache    *cache.DecisionCache
	pipeline Evaluator

	snapshotFn SnapshotFunc
	actionFn   ActionFunc
	outcomeFn  OutcomeFunc
	confirmer  Confirmer

	metrics  *metrics.Metrics
	audit    *audit.Logger
	journal  Journal
	archiver Archiver
	eventFn  EventFunc

	nowFunc func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithGuardrail sets the guardrail evaluator.
func WithGuardrail(g *guard.Guardrail) Option {
	return func(e *Engine) { e.guard = g }
}

// WithBreaker sets the circuit breaker.
func WithBreaker(b *breaker.CircuitBreaker) Option {
	return func(e *Engine) { e.breaker = b }
}

// WithCache sets the decision cache.
func WithCache(c *cache.DecisionCache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithEvaluator sets the evaluation pipeline.
func WithEvaluator(ev Evaluator) Option {
	return func(e *Engine) { e.pipeline = ev }
}

// WithSnapshotFunc sets the page snapshot collaborator.
func WithSnapshotFunc(fn SnapshotFunc) Option {
	return func(e *Engine) { e.snapshotFn = fn }
}

// WithActionFunc sets the action execution collaborator.
func WithActionFunc(fn ActionFunc) Option {
	return func(e *Engine) { e.actionFn = fn }
}

// WithOutcomeFunc sets the outcome validation collaborator.
func WithOutcomeFunc(fn OutcomeFunc) Option {
	return func(e *Engine) { e.outcomeFn = fn }
}

// WithConfirmer sets the confirmation broker.
func WithConfirmer(c Confirmer) Option {
	return func(e *Engine) { e.confirmer = c }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithAuditLogger sets the audit trail sink.
func WithAuditLogger(l *audit.Logger) Option {
	return func(e *Engine) { e.audit = l }
}

// WithJournal sets the heal journal.
func WithJournal(j Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithArchiver sets the evidence archiver.
func WithArchiver(a Archiver) Option {
	return func(e *Engine) { e.archiver = a }
}

// WithEventFunc sets the lifecycle event sink.
func WithEventFunc(fn EventFunc) Option {
	return func(e *Engine) { e.eventFn = fn }
}

// NewEngine creates an engine. Omitted collaborators get safe defaults:
// an allow-all guardrail, a disabled breaker, a disabled cache, and the
// global metrics and audit singletons. Snapshot, action, and evaluator
// collaborators have no defaults; attempts that need them FAIL with a
// configuration reason.
func NewEngine(cfg Config, opts ...Option) *Engine {
	if cfg.DefaultPolicy == "" {
		cfg.DefaultPolicy = types.PolicySuggest
	}

	e := &Engine{
		cfg:     cfg,
		breaker: breaker.New(breaker.Config{}),
		cache:   cache.New(cache.Config{}),
		metrics: metrics.Global(),
		audit:   audit.Global(),
		nowFunc: time.Now,
	}
	e.guard, _ = guard.New(guard.Config{})

	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BreakerStats exposes the breaker state for the status facade.
func (e *Engine) BreakerStats() breaker.Snapshot {
	return e.breaker.Stats()
}

// CacheStats exposes the cache counters for the status facade.
func (e *Engine) CacheStats() cache.Metrics {
	return e.cache.Stats()
}

// Breaker returns the engine's circuit breaker. The facade's outcome
// endpoint settles deferred verdicts against it.
func (e *Engine) Breaker() *breaker.CircuitBreaker {
	return e.breaker
}

// Cache returns the engine's decision cache.
func (e *Engine) Cache() *cache.DecisionCache {
	return e.cache
}

// Metrics returns the engine's metrics collector.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}
