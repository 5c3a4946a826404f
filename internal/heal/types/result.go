// Copyright 2026 The Healgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package types

import (
	"time"

	"github.com/google/uuid"
)

// Outcome is the terminal classification of one heal attempt.
type Outcome string

const (
	// OutcomeSuccess means a substitute element was found, the action
	// executed, and (when configured) the outcome validated.
	OutcomeSuccess Outcome = "SUCCESS"

	// OutcomeSuggested means a candidate was identified but not acted on,
	// either by policy or because confirmation was withheld.
	OutcomeSuggested Outcome = "SUGGESTED"

	// OutcomeRefused means healing declined to act: policy off, circuit
	// open, guardrail match, low confidence, or the evaluator itself
	// refused. Refusals are expected and never count as malfunction.
	OutcomeRefused Outcome = "REFUSED"

	// OutcomeFailed means healing tried and could not act: missing
	// collaborator, empty snapshot, exhausted providers, bad element
	// index, or an action-execution error.
	OutcomeFailed Outcome = "FAILED"

	// OutcomeOutcomeFailed means the action executed but verification
	// decided it did not have the intended effect.
	OutcomeOutcomeFailed Outcome = "OUTCOME_FAILED"
)

// Valid reports whether the outcome is one of the five enumerated values.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeSuggested, OutcomeRefused, OutcomeFailed, OutcomeOutcomeFailed:
		return true
	}
	return false
}

// Terminal reports whether the outcome ends the attempt without executing
// the action.
func (o Outcome) Terminal() bool {
	return o != OutcomeSuccess
}

// Decision is the evaluation pipeline's verdict for one attempt.
type Decision struct {
	// CanHeal reports whether the evaluator believes a substitute exists.
	CanHeal bool `json:"can_heal"`

	// Confidence is the evaluator's confidence in [0,1].
	Confidence float64 `json:"confidence"`

	// SelectedIndex references the chosen candidate by snapshot index;
	// nil when the evaluator selected nothing.
	SelectedIndex *int `json:"selected_index,omitempty"`

	// Reasoning is the evaluator's explanation.
	Reasoning string `json:"reasoning,omitempty"`

	// Alternatives are runner-up candidate indices in preference order.
	Alternatives []int `json:"alternatives,omitempty"`

	// Warnings carry evaluator caveats ("element partially obscured").
	Warnings []string `json:"warnings,omitempty"`

	// RefusalReason explains a CanHeal=false verdict.
	RefusalReason string `json:"refusal_reason,omitempty"`
}

// OutcomeContext is the input to outcome validation: what was done and
// the page state around it.
type OutcomeContext struct {
	Action        string      `json:"action"`
	HealedLocator string      `json:"healed_locator"`
	Payload       interface{} `json:"payload,omitempty"`
	Before        *UiSnapshot `json:"-"`
	After         *UiSnapshot `json:"-"`
	Description   string      `json:"description,omitempty"`
}

// OutcomeResult is the verdict of outcome validation.
type OutcomeResult struct {
	// Achieved reports whether the action had its intended effect.
	Achieved bool `json:"achieved"`

	// Confidence is the validator's confidence in [0,1].
	Confidence float64 `json:"confidence"`

	// Observations describe what the validator saw.
	Observations string `json:"observations,omitempty"`
}

// ActionTarget is what the action executor receives. On the fresh path
// Element carries the resolved candidate; on the cached path only the
// locator string is available and the adapter re-resolves it.
type ActionTarget struct {
	// Locator is the string-form locator for the target ("id=login-btn").
	Locator string `json:"locator"`

	// Element is the resolved candidate, when the attempt came from a
	// fresh evaluation rather than the cache.
	Element *ElementSnapshot `json:"element,omitempty"`
}

// HealResult is the sole return value of a heal attempt. It is the unit
// cached, the unit that drives circuit-breaker feedback, and the unit the
// downstream audit and patching subsystems consume.
type HealResult struct {
	// ID uniquely identifies this attempt.
	ID string `json:"id"`

	// Outcome classifies the attempt; it fully determines which optional
	// fields are populated.
	Outcome Outcome `json:"outcome"`

	// HealedLocator is the substitute locator in string form. Set iff
	// Outcome is SUCCESS.
	HealedLocator string `json:"healed_locator,omitempty"`

	// SuggestedLocator is the candidate locator a SUGGESTED attempt would
	// have used. Set iff Outcome is SUGGESTED and a candidate was chosen.
	SuggestedLocator string `json:"suggested_locator,omitempty"`

	// Confidence is the evaluation confidence behind the result.
	Confidence float64 `json:"confidence,omitempty"`

	// Decision is the full pipeline verdict, when an evaluation ran.
	Decision *Decision `json:"decision,omitempty"`

	// FailureReason explains every non-SUCCESS result: why the attempt
	// was refused or failed, or why a SUGGESTED attempt withheld
	// execution.
	FailureReason string `json:"failure_reason,omitempty"`

	// Reasoning is the evaluator's explanation for the chosen candidate.
	Reasoning string `json:"reasoning,omitempty"`

	// OriginalLocator, PageURL, Action and Source carry enough context for
	// the external patching system to later rewrite the source literal.
	OriginalLocator Locator         `json:"original_locator"`
	PageURL         string          `json:"page_url,omitempty"`
	Action          string          `json:"action,omitempty"`
	Source          *SourceLocation `json:"source,omitempty"`

	// Provider and Model name the backend that produced the decision.
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	// CostUSD is the total provider spend for this attempt.
	CostUSD float64 `json:"cost_usd,omitempty"`

	// Duration is wall time from gate to terminal result.
	Duration time.Duration `json:"duration_ns,omitempty"`

	// CacheHit marks results served from the decision cache.
	CacheHit bool `json:"cache_hit,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ResultBuilder provides a fluent interface for constructing HealResults.
// Build enforces the outcome/field invariants so no caller can produce,
// say, a REFUSED result carrying a healed locator.
type ResultBuilder struct {
	result *HealResult
}

// NewResultBuilder starts a HealResult with the given outcome.
func NewResultBuilder(outcome Outcome) *ResultBuilder {
	return &ResultBuilder{
		result: &HealResult{
			Outcome: outcome,
		},
	}
}

// WithHealedLocator sets the substitute locator (string form).
func (b *ResultBuilder) WithHealedLocator(locator string) *ResultBuilder {
	b.result.HealedLocator = locator
	return b
}

// WithConfidence sets the confidence, clamped to [0,1].
func (b *ResultBuilder) WithConfidence(conf float64) *ResultBuilder {
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	b.result.Confidence = conf
	return b
}

// WithDecision attaches the full pipeline verdict.
func (b *ResultBuilder) WithDecision(d *Decision) *ResultBuilder {
	b.result.Decision = d
	return b
}

// WithFailureReason records why the attempt did not succeed.
func (b *ResultBuilder) WithFailureReason(reason string) *ResultBuilder {
	b.result.FailureReason = reason
	return b
}

// WithReasoning records the evaluator's explanation.
func (b *ResultBuilder) WithReasoning(reasoning string) *ResultBuilder {
	b.result.Reasoning = reasoning
	return b
}

// WithFailure copies the original locator, action and source location
// from the failure context.
func (b *ResultBuilder) WithFailure(f *FailureContext) *ResultBuilder {
	if f != nil {
		b.result.OriginalLocator = f.Locator
		b.result.Action = f.Action
		b.result.Source = f.Source
	}
	return b
}

// WithPageURL records the page the attempt ran against.
func (b *ResultBuilder) WithPageURL(url string) *ResultBuilder {
	b.result.PageURL = url
	return b
}

// WithProvider records the backend and model that decided.
func (b *ResultBuilder) WithProvider(provider, model string) *ResultBuilder {
	b.result.Provider = provider
	b.result.Model = model
	return b
}

// WithCost records the provider spend in USD.
func (b *ResultBuilder) WithCost(usd float64) *ResultBuilder {
	b.result.CostUSD = usd
	return b
}

// WithDuration records attempt wall time.
func (b *ResultBuilder) WithDuration(d time.Duration) *ResultBuilder {
	b.result.Duration = d
	return b
}

// FromCache marks the result as served from the decision cache.
func (b *ResultBuilder) FromCache() *ResultBuilder {
	b.result.CacheHit = true
	return b
}

// Build finalizes the result: assigns a fresh id and timestamp and
// enforces that locator fields match the outcome.
func (b *ResultBuilder) Build() *HealResult {
	r := b.result
	r.ID = uuid.NewString()
	r.CreatedAt = time.Now().UTC()
	switch r.Outcome {
	case OutcomeSuccess:
		// HealedLocator stays; a success without one is a caller bug
		// surfaced by tests, not silently repaired here.
	case OutcomeSuggested:
		r.SuggestedLocator = r.HealedLocator
		r.HealedLocator = ""
	default:
		r.HealedLocator = ""
		r.SuggestedLocator = ""
	}
	return r
}
