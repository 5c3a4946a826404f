// Copyright 2026 The Healgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package pipeline turns a locator failure plus a page snapshot into a
// healing Decision by prompting a model provider. Provider errors are
// values here: a failing primary rolls over to the configured fallback
// chain, and only full exhaustion surfaces to the engine.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/healgate/healgate/internal/cost"
	"github.com/healgate/healgate/internal/heal/metrics"
	"github.com/healgate/healgate/internal/heal/types"
	"github.com/healgate/healgate/internal/provider"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultTokenBudget = 4000

	// decisionTokenCap bounds the reply, not the prompt. Decision JSON
	// is small; anything longer is the model rambling.
	decisionTokenCap = 1024
)

// Settings configure one provider call target.
type Settings struct {
	// Provider is the registry name of the backend ("anthropic", "compat").
	Provider string

	// Model is the model identifier passed to the backend.
	Model string

	// Timeout bounds each individual provider call.
	Timeout time.Duration

	// MaxRetries is how many times a failing call is repeated against the
	// same target before the chain moves on. Zero means no retries.
	MaxRetries int

	// Temperature is the sampling temperature for the call.
	Temperature float64

	// MaxTokensPerRequest is the prompt token budget; candidate listings
	// are trimmed to fit it. Zero means no trimming.
	MaxTokensPerRequest int

	// ConfidenceThreshold is this target's minimum usable confidence.
	// The engine folds it into its decision gate.
	ConfidenceThreshold float64

	// RequireReasoning rejects can_heal decisions that carry no
	// reasoning text, treating them as malformed replies.
	RequireReasoning bool
}

// Fallback is a partial Settings override for one fallback target.
// Zero-valued fields inherit from the primary; Temperature is a pointer
// so an explicit zero survives inheritance.
type Fallback struct {
	Provider            string
	Model               string
	Timeout             time.Duration
	MaxRetries          int
	Temperature         *float64
	MaxTokensPerRequest int
	ConfidenceThreshold float64
}

func (f Fallback) resolve(primary Settings) Settings {
	s := Settings{
		Provider:            f.Provider,
		Model:               f.Model,
		Timeout:             f.Timeout,
		MaxRetries:          f.MaxRetries,
		Temperature:         primary.Temperature,
		MaxTokensPerRequest: f.MaxTokensPerRequest,
		ConfidenceThreshold: f.ConfidenceThreshold,
		RequireReasoning:    primary.RequireReasoning,
	}
	if s.Provider == "" {
		s.Provider = primary.Provider
	}
	if s.Model == "" {
		s.Model = primary.Model
	}
	if s.Timeout <= 0 {
		s.Timeout = primary.Timeout
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = primary.MaxRetries
	}
	if f.Temperature != nil {
		s.Temperature = *f.Temperature
	}
	if s.MaxTokensPerRequest <= 0 {
		s.MaxTokensPerRequest = primary.MaxTokensPerRequest
	}
	if s.ConfidenceThreshold <= 0 {
		s.ConfidenceThreshold = primary.ConfidenceThreshold
	}
	return s
}

// Config holds the pipeline's provider chain.
type Config struct {
	// Primary is the first target tried for every evaluation.
	Primary Settings

	// Fallbacks are tried in order after the primary fails.
	Fallbacks []Fallback
}

// Evaluation is the pipeline's answer for one heal attempt: the decision
// plus the provenance and spend the engine reports onward.
type Evaluation struct {
	Decision *types.Decision

	// Provider and Model name the target that produced the decision.
	Provider string
	Model    string

	// ConfidenceThreshold is the answering target's configured minimum.
	ConfidenceThreshold float64

	// CostUSD is the total spend across every call this evaluation made,
	// including calls on targets that ended up failing.
	CostUSD float64

	// InputTokens and OutputTokens are the successful call's usage.
	InputTokens  int
	OutputTokens int
}

// OutcomeEvaluation is the pipeline's answer for one outcome validation.
type OutcomeEvaluation struct {
	Result *types.OutcomeResult

	Provider string
	Model    string
	CostUSD  float64
}

// Pipeline owns the provider chain for one engine instance.
type Pipeline struct {
	registry  *provider.Registry
	targets   []Settings
	estimator *cost.Estimator
	pricing   *cost.Pricing
	metrics   *metrics.Metrics
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithEstimator replaces the token estimator.
func WithEstimator(est *cost.Estimator) Option {
	return func(p *Pipeline) { p.estimator = est }
}

// WithPricing replaces the pricing table.
func WithPricing(pr *cost.Pricing) Option {
	return func(p *Pipeline) { p.pricing = pr }
}

// WithMetrics replaces the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New creates a pipeline over the given provider registry. The primary
// target's timeout and token budget receive defaults when unset.
func New(registry *provider.Registry, cfg Config, opts ...Option) *Pipeline {
	primary := cfg.Primary
	if primary.Timeout <= 0 {
		primary.Timeout = defaultTimeout
	}
	if primary.MaxTokensPerRequest <= 0 {
		primary.MaxTokensPerRequest = defaultTokenBudget
	}

	targets := make([]Settings, 0, 1+len(cfg.Fallbacks))
	targets = append(targets, primary)
	for _, f := range cfg.Fallbacks {
		targets = append(targets, f.resolve(primary))
	}

	p := &Pipeline{
		registry:  registry,
		targets:   targets,
		estimator: cost.NewEstimator(),
		pricing:   cost.DefaultPricing(),
		metrics:   metrics.Global(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Targets returns the resolved provider chain, primary first.
func (p *Pipeline) Targets() []Settings {
	out := make([]Settings, len(p.targets))
	copy(out, p.targets)
	return out
}

// Evaluate asks the provider chain for a healing decision. The chain is
// walked sequentially; the first target that returns a parseable decision
// wins and no further targets are called. The returned error is a
// *FallbackExhaustedError only when every target failed.
func (p *Pipeline) Evaluate(ctx context.Context, failure *types.FailureContext, snapshot *types.UiSnapshot, intent *types.IntentContract) (*Evaluation, error) {
	if failure == nil || snapshot == nil {
		return nil, fmt.Errorf("pipeline: failure context and snapshot are required")
	}

	var (
		causes []error
		names  []string
		spend  float64
	)
	for i, target := range p.targets {
		if i > 0 {
			p.metrics.RecordFallback()
			log.WithFields(log.Fields{
				"provider": target.Provider,
				"model":    target.Model,
				"position": i,
			}).Warn("Healing evaluation falling back to next provider")
		}

		eval, callSpend, err := p.evaluateTarget(ctx, target, failure, snapshot, intent)
		spend += callSpend
		if err != nil {
			causes = append(causes, err)
			names = append(names, targetName(target))
			continue
		}
		eval.CostUSD = spend
		return eval, nil
	}
	return nil, newFallbackExhausted(names, causes, spend)
}

// evaluateTarget runs one target's retry loop. The returned spend covers
// every call that produced a response, including ones whose parse failed.
func (p *Pipeline) evaluateTarget(ctx context.Context, target Settings, failure *types.FailureContext, snapshot *types.UiSnapshot, intent *types.IntentContract) (*Evaluation, float64, error) {
	backend, err := p.registry.Resolve(target.Provider)
	if err != nil {
		return nil, 0, err
	}
	if !backend.Available(ctx) {
		return nil, 0, fmt.Errorf("provider %q is not available", target.Provider)
	}

	userPrompt := buildEvaluationPrompt(failure, snapshot, intent, target.MaxTokensPerRequest, p.estimator)

	var (
		lastErr error
		spend   float64
		made    int
	)
	for attempt := 0; attempt <= target.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		made++
		p.metrics.RecordProviderCall()

		resp, err := backend.Complete(ctx, provider.Request{
			Model:        target.Model,
			SystemPrompt: evaluationSystemPrompt,
			UserPrompt:   userPrompt,
			Temperature:  target.Temperature,
			MaxTokens:    decisionTokenCap,
			Timeout:      target.Timeout,
		})
		if err != nil {
			lastErr = err
			log.WithFields(log.Fields{
				"provider": target.Provider,
				"model":    target.Model,
				"attempt":  made,
			}).WithError(err).Debug("Healing evaluation call failed")
			continue
		}

		callCost, in, out := p.callCost(resp, evaluationSystemPrompt, userPrompt)
		spend += callCost

		decision, perr := parseDecision(resp.Text, backend.Identifier(), resp.Model)
		if perr == nil && target.RequireReasoning && decision.CanHeal && strings.TrimSpace(decision.Reasoning) == "" {
			perr = &ParseError{
				Provider: backend.Identifier(),
				Model:    resp.Model,
				Reason:   "reasoning required but missing",
				Snippet:  snippet(resp.Text),
			}
		}
		if perr != nil {
			p.metrics.RecordParseFailure()
			lastErr = perr
			log.WithFields(log.Fields{
				"provider": target.Provider,
				"model":    resp.Model,
				"attempt":  made,
			}).WithError(perr).Warn("Healing evaluation reply unparseable")
			continue
		}

		return &Evaluation{
			Decision:            decision,
			Provider:            backend.Identifier(),
			Model:               resp.Model,
			ConfidenceThreshold: target.ConfidenceThreshold,
			InputTokens:         in,
			OutputTokens:        out,
		}, spend, nil
	}

	return nil, spend, &ProviderCallError{
		Provider: target.Provider,
		Model:    target.Model,
		Attempts: made,
		Err:      lastErr,
	}
}

// ValidateOutcome asks the primary provider whether an executed action
// achieved its intent. There is no fallback chain here: a wrong "yes"
// from a second-choice model is worse than an unvalidated outcome.
func (p *Pipeline) ValidateOutcome(ctx context.Context, octx *types.OutcomeContext) (*OutcomeEvaluation, error) {
	if octx == nil {
		return nil, fmt.Errorf("pipeline: outcome context is required")
	}

	target := p.targets[0]
	backend, err := p.registry.Resolve(target.Provider)
	if err != nil {
		return nil, fmt.Errorf("outcome validation: %w", err)
	}
	if !backend.Available(ctx) {
		return nil, fmt.Errorf("outcome validation: provider %q is not available", target.Provider)
	}

	userPrompt := buildOutcomePrompt(octx)

	var (
		lastErr error
		spend   float64
		made    int
	)
	for attempt := 0; attempt <= target.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		made++
		p.metrics.RecordProviderCall()

		resp, err := backend.Complete(ctx, provider.Request{
			Model:        target.Model,
			SystemPrompt: outcomeSystemPrompt,
			UserPrompt:   userPrompt,
			Temperature:  target.Temperature,
			MaxTokens:    decisionTokenCap,
			Timeout:      target.Timeout,
		})
		if err != nil {
			lastErr = err
			continue
		}

		callCost, _, _ := p.callCost(resp, outcomeSystemPrompt, userPrompt)
		spend += callCost

		result, perr := parseOutcome(resp.Text, backend.Identifier(), resp.Model)
		if perr != nil {
			p.metrics.RecordParseFailure()
			lastErr = perr
			continue
		}

		return &OutcomeEvaluation{
			Result:   result,
			Provider: backend.Identifier(),
			Model:    resp.Model,
			CostUSD:  spend,
		}, nil
	}

	return nil, &ProviderCallError{
		Provider: target.Provider,
		Model:    target.Model,
		Attempts: made,
		Err:      lastErr,
	}
}

// callCost prices one provider call, estimating token counts when the
// backend did not report usage.
func (p *Pipeline) callCost(resp *provider.Response, systemPrompt, userPrompt string) (float64, int, int) {
	in := resp.InputTokens
	if in <= 0 {
		in = p.estimator.Count(systemPrompt) + p.estimator.Count(userPrompt)
	}
	out := resp.OutputTokens
	if out <= 0 {
		out = p.estimator.Count(resp.Text)
	}
	return p.pricing.Cost(resp.Model, in, out), in, out
}

func targetName(s Settings) string {
	if s.Model == "" {
		return s.Provider
	}
	return s.Provider + "/" + s.Model
}
