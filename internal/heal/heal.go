// Copyright 2026 The Healgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package heal

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/healgate/healgate/internal/heal/breaker"
	"github.com/healgate/healgate/internal/heal/cache"
	"github.com/healgate/healgate/internal/heal/guard"
	"github.com/healgate/healgate/internal/heal/pipeline"
	"github.com/healgate/healgate/internal/heal/types"
)

// attempt accumulates one heal attempt's state as it moves through the
// steps. It lives for exactly one Heal call.
type attempt struct {
	failure     *types.FailureContext
	intent      *types.IntentContract
	policy      types.Policy
	action      string
	payload     interface{}
	fingerprint string
	pageURL     string
	snapshot    *types.UiSnapshot
	eval        *pipeline.Evaluation
	cacheHit    bool
	cost        float64
}

// candidate is the locator the attempt would act on, with the confidence
// and reasoning behind it. On the fresh path it is backed by a Decision;
// on the cached path by a cache entry.
type candidate struct {
	locator    string
	confidence float64
	reasoning  string
	decision   *types.Decision
}

// Heal runs one healing attempt. It never returns an error: every
// expected domain condition, including panics in collaborators, becomes
// a HealResult whose Outcome classifies what happened. On any
// non-SUCCESS outcome the caller re-raises its original locator error.
func (e *Engine) Heal(ctx context.Context, failure *types.FailureContext, intent *types.IntentContract) *types.HealResult {
	start := e.nowFunc()
	e.metrics.RecordAttempt()

	if failure == nil {
		result := types.NewResultBuilder(types.OutcomeFailed).
			WithFailureReason("failure context is required").
			Build()
		e.metrics.RecordFailure()
		return result
	}

	a := &attempt{
		failure: failure,
		intent:  intent,
		policy:  e.cfg.DefaultPolicy,
		action:  failure.Action,
		pageURL: failure.PageURL,
	}
	if intent != nil {
		if intent.Policy != "" {
			a.policy = intent.Policy
		}
		a.payload = intent.Payload
	}

	e.metrics.RecordAction(a.action)
	e.emit(Event{
		Type:    EventHealStarted,
		Locator: failure.Locator.String(),
		PageURL: a.pageURL,
	})
	log.WithFields(log.Fields{
		"locator": failure.Locator.String(),
		"action":  a.action,
		"policy":  string(a.policy),
	}).Info("Healing attempt started")

	result := e.run(ctx, a)
	result.Duration = e.nowFunc().Sub(start)

	e.finish(ctx, a, result)
	return result
}

// run walks the attempt through the gates. Each step short-circuits into
// a terminal result.
func (e *Engine) run(ctx context.Context, a *attempt) (result *types.HealResult) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"locator": a.failure.Locator.String(),
				"panic":   r,
			}).Error("Healing attempt panicked")
			result = e.result(a, types.OutcomeFailed).
				WithFailureReason(fmt.Sprintf("internal error: %v", r)).
				Build()
		}
	}()

	// Step 1: global and policy gate.
	if !e.cfg.Enabled {
		return e.result(a, types.OutcomeRefused).
			WithFailureReason("healing disabled").
			Build()
	}
	if a.policy == types.PolicyOff {
		return e.result(a, types.OutcomeRefused).
			WithFailureReason("healing policy is OFF").
			Build()
	}

	// Step 2: circuit-breaker gate. No snapshot, no provider call. A
	// positive answer in HALF_OPEN consumes a probe slot; refusal paths
	// past this point hand it back via RecordRefusal.
	if allowed, reason := e.breaker.Allow(); !allowed {
		log.WithField("reason", reason).Debug("Healing attempt denied by circuit breaker")
		return e.result(a, types.OutcomeRefused).
			WithFailureReason(reason).
			Build()
	}

	// Step 3: cache lookup.
	hint := ""
	if a.intent != nil {
		hint = a.intent.Hint
	}
	a.fingerprint = cache.Fingerprint(a.pageURL, a.failure.Locator, a.action, hint)
	if entry, ok := e.cache.Get(a.fingerprint); ok {
		a.cacheHit = true
		e.metrics.RecordCacheHit()
		log.WithFields(log.Fields{
			"locator": a.failure.Locator.String(),
			"healed":  entry.HealedLocator,
		}).Debug("Heal decision served from cache")
		return e.runCached(ctx, a, entry)
	}
	return e.runFresh(ctx, a)
}

// runFresh is the cache-miss path: snapshot, guardrails, evaluation,
// then the shared policy/execution tail.
func (e *Engine) runFresh(ctx context.Context, a *attempt) *types.HealResult {
	// Step 4: snapshot acquisition.
	if e.snapshotFn == nil {
		return e.fail(a, nil, "snapshot capture not configured")
	}
	snapshot, err := e.snapshotFn(ctx, a.failure)
	if err != nil {
		return e.fail(a, nil, fmt.Sprintf("snapshot capture failed: %v", err))
	}
	if snapshot == nil || len(snapshot.Elements) == 0 {
		return e.fail(a, nil, "no interactive elements in snapshot")
	}
	a.snapshot = snapshot
	if snapshot.URL != "" {
		a.pageURL = snapshot.URL
	}

	// Step 5a: guardrail pre-checks, before any provider spend.
	if blocked, reason := e.guard.CheckURL(a.pageURL); blocked {
		return e.refuse(a, nil, reason)
	}
	if blocked, reason := e.guard.CheckTexts(snapshot.CandidateTexts()); blocked {
		return e.refuse(a, nil, reason)
	}

	// Step 5b: evaluation with fallback.
	if e.pipeline == nil {
		return e.fail(a, nil, "LLM evaluator not configured")
	}
	eval, err := e.pipeline.Evaluate(ctx, a.failure, snapshot, a.intent)
	if err != nil {
		var exhausted *pipeline.FallbackExhaustedError
		if errors.As(err, &exhausted) {
			a.cost += exhausted.CostUSD
		}
		return e.fail(a, nil, fmt.Sprintf("healing evaluation failed: %v", err))
	}
	a.eval = eval
	a.cost += eval.CostUSD
	decision := eval.Decision

	// Step 6: decision interpretation.
	if !decision.CanHeal {
		reason := decision.RefusalReason
		if reason == "" {
			reason = "evaluator declined to heal"
		}
		return e.refuse(a, &candidate{confidence: decision.Confidence, decision: decision}, reason)
	}

	selected := e.selectedElement(decision, snapshot)
	c := &candidate{
		confidence: decision.Confidence,
		reasoning:  decision.Reasoning,
		decision:   decision,
	}
	if selected != nil {
		if loc := selected.PreferredLocator(); !loc.IsZero() {
			c.locator = loc.String()
		}
	}

	if floor := e.minConfidence(a); decision.Confidence < floor {
		return e.refuse(a, c, fmt.Sprintf("confidence %.2f below threshold %.2f", decision.Confidence, floor))
	}

	// Guardrail post-checks: the selected candidate's own text, then the
	// custom rules, both with full decision context.
	if selected != nil {
		if blocked, reason := e.guard.CheckText(selected.DescriptiveText()); blocked {
			return e.refuse(a, c, reason)
		}
	}
	if blocked, reason := e.guard.CheckRules(e.ruleContext(a, c, selected)); blocked {
		return e.refuse(a, c, reason)
	}

	// Step 7: policy gate.
	if verdict := e.policyGate(ctx, a, c); verdict != nil {
		return verdict
	}

	// Step 8: element resolution.
	if selected == nil {
		return e.fail(a, c, "selected element index not found")
	}
	if c.locator == "" {
		return e.fail(a, c, "selected element has no usable locator")
	}

	// Steps 9 to 11.
	return e.execute(ctx, a, c, types.ActionTarget{Locator: c.locator, Element: selected})
}

// runCached is the cache-hit path: the stored locator stands in for a
// fresh decision; snapshot and evaluation are skipped entirely.
func (e *Engine) runCached(ctx context.Context, a *attempt, entry cache.Entry) *types.HealResult {
	c := &candidate{
		locator:    entry.HealedLocator,
		confidence: entry.Confidence,
		reasoning:  entry.Reasoning,
	}

	// Step 6: the entry cleared the write-side bar when stored, but the
	// read-side threshold can be stricter for this step.
	if floor := e.minConfidence(a); c.confidence < floor {
		return e.refuse(a, c, fmt.Sprintf("confidence %.2f below threshold %.2f", c.confidence, floor))
	}
	if blocked, reason := e.guard.CheckRules(e.ruleContext(a, c, nil)); blocked {
		return e.refuse(a, c, reason)
	}

	// Step 7: policy gate.
	if verdict := e.policyGate(ctx, a, c); verdict != nil {
		return verdict
	}

	// Steps 9 to 11; the cached locator string is the action target.
	return e.execute(ctx, a, c, types.ActionTarget{Locator: c.locator})
}

// policyGate applies step 7. A nil return means the attempt may execute;
// otherwise the returned SUGGESTED result is terminal.
func (e *Engine) policyGate(ctx context.Context, a *attempt, c *candidate) *types.HealResult {
	switch a.policy {
	case types.PolicyAutoAll:
		return nil

	case types.PolicyAutoSafe:
		if a.intent != nil && a.intent.Destructive {
			return e.suggest(a, c, "destructive action requires review under AUTO_SAFE")
		}
		return nil

	case types.PolicyConfirm:
		if e.confirmer == nil {
			return e.suggest(a, c, "no confirmation broker configured")
		}
		approved, err := e.confirmer.Confirm(ctx, e.confirmPrompt(a, c))
		if err != nil {
			return e.suggest(a, c, fmt.Sprintf("confirmation unavailable: %v", err))
		}
		if !approved {
			return e.suggest(a, c, "confirmation denied or timed out")
		}
		return nil

	default:
		// SUGGEST, and any policy this build does not recognize, stays
		// hands-off.
		return e.suggest(a, c, "healing policy is SUGGEST")
	}
}

// execute runs steps 9 to 11: action execution, outcome validation, and
// the success bookkeeping.
func (e *Engine) execute(ctx context.Context, a *attempt, c *candidate, target types.ActionTarget) *types.HealResult {
	// Step 9: action execution.
	if e.actionFn == nil {
		return e.fail(a, c, "action executor not configured")
	}
	if err := e.actionFn(ctx, a.action, target, a.payload); err != nil {
		if a.cacheHit {
			e.cache.Invalidate(a.fingerprint)
		}
		return e.fail(a, c, fmt.Sprintf("action execution failed: %v", err))
	}

	// Step 10: outcome validation, when configured. A validator error is
	// not a negative verdict: the action did execute, so the attempt
	// proceeds as an unvalidated success.
	if e.outcomeFn != nil {
		octx := &types.OutcomeContext{
			Action:        a.action,
			HealedLocator: target.Locator,
			Payload:       a.payload,
			Before:        a.snapshot,
		}
		if a.intent != nil {
			octx.Description = a.intent.Description
		}
		verdict, err := e.outcomeFn(ctx, octx)
		switch {
		case err != nil:
			log.WithError(err).Warn("Outcome validation unavailable, accepting executed action")
		case verdict != nil && !verdict.Achieved:
			reason := "outcome validation failed"
			if verdict.Observations != "" {
				reason += ": " + verdict.Observations
			}
			if a.cacheHit {
				e.cache.Invalidate(a.fingerprint)
			}
			return e.outcomeFail(a, c, reason)
		}
	}

	// Step 11: success bookkeeping.
	e.recordBreakerSuccess(a.cost)
	if !a.cacheHit {
		e.cache.Put(a.fingerprint, target.Locator, c.confidence, c.reasoning)
	}

	b := e.result(a, types.OutcomeSuccess).
		WithHealedLocator(target.Locator).
		WithConfidence(c.confidence).
		WithReasoning(c.reasoning)
	if c.decision != nil {
		b.WithDecision(c.decision)
	}
	return b.Build()
}

// result starts a builder preloaded with the attempt's shared fields.
func (e *Engine) result(a *attempt, outcome types.Outcome) *types.ResultBuilder {
	b := types.NewResultBuilder(outcome).
		WithFailure(a.failure).
		WithPageURL(a.pageURL).
		WithCost(a.cost)
	if a.eval != nil {
		b.WithProvider(a.eval.Provider, a.eval.Model)
	}
	if a.cacheHit {
		b.FromCache()
	}
	return b
}

// refuse ends the attempt as REFUSED after breaker admission. The probe
// slot, if any, is handed back; refusal never counts as malfunction, but
// any evaluation spend still lands on the daily cost ledger.
func (e *Engine) refuse(a *attempt, c *candidate, reason string) *types.HealResult {
	e.breaker.RecordRefusal()
	e.breaker.AddCost(a.cost)
	b := e.result(a, types.OutcomeRefused).WithFailureReason(reason)
	if c != nil {
		b.WithConfidence(c.confidence)
		if c.decision != nil {
			b.WithDecision(c.decision).WithReasoning(c.decision.Reasoning)
		}
	}
	return b.Build()
}

// suggest ends the attempt as SUGGESTED: a candidate was identified but
// execution is withheld. Like a refusal, it returns any half-open probe
// slot without moving the breaker's counters; the evaluation spend still
// counts toward the daily limit.
func (e *Engine) suggest(a *attempt, c *candidate, reason string) *types.HealResult {
	e.breaker.RecordRefusal()
	e.breaker.AddCost(a.cost)
	b := e.result(a, types.OutcomeSuggested).
		WithFailureReason(reason).
		WithConfidence(c.confidence).
		WithReasoning(c.reasoning)
	if c.locator != "" {
		b.WithHealedLocator(c.locator)
	}
	if c.decision != nil {
		b.WithDecision(c.decision)
	}
	return b.Build()
}

// fail ends the attempt as FAILED and records it against the breaker.
func (e *Engine) fail(a *attempt, c *candidate, reason string) *types.HealResult {
	e.recordBreakerFailure(a.cost)
	b := e.result(a, types.OutcomeFailed).WithFailureReason(reason)
	if c != nil && c.decision != nil {
		b.WithConfidence(c.confidence).WithDecision(c.decision)
	}
	return b.Build()
}

// outcomeFail ends the attempt as OUTCOME_FAILED: the action executed
// but verification rejected its effect. Counts as a breaker failure.
func (e *Engine) outcomeFail(a *attempt, c *candidate, reason string) *types.HealResult {
	e.recordBreakerFailure(a.cost)
	b := e.result(a, types.OutcomeOutcomeFailed).
		WithFailureReason(reason).
		WithConfidence(c.confidence)
	if c.decision != nil {
		b.WithDecision(c.decision)
	}
	return b.Build()
}

// finish applies the per-outcome bookkeeping every attempt shares:
// metrics, audit, journal, events, artifacts.
func (e *Engine) finish(ctx context.Context, a *attempt, result *types.HealResult) {
	switch result.Outcome {
	case types.OutcomeSuccess:
		e.metrics.RecordSuccess(result.Duration.Milliseconds())
	case types.OutcomeSuggested:
		e.metrics.RecordSuggestion()
	case types.OutcomeRefused:
		e.metrics.RecordRefusal()
	case types.OutcomeOutcomeFailed:
		e.metrics.RecordOutcomeFailure()
	default:
		e.metrics.RecordFailure()
	}
	e.metrics.AddCost(result.CostUSD)

	log.WithFields(log.Fields{
		"heal_id": result.ID,
		"outcome": string(result.Outcome),
		"locator": result.OriginalLocator.String(),
		"healed":  result.HealedLocator,
		"cached":  result.CacheHit,
		"cost":    result.CostUSD,
		"ms":      result.Duration.Milliseconds(),
	}).Info("Healing attempt finished")

	e.audit.LogResult(result, a.fingerprint, nil)
	if e.journal != nil {
		if err := e.journal.Record(ctx, result); err != nil {
			log.WithError(err).Warn("Heal journal write failed")
		}
	}
	e.emit(Event{
		Type:    EventHealCompleted,
		HealID:  result.ID,
		Outcome: result.Outcome,
		Locator: result.OriginalLocator.String(),
		PageURL: result.PageURL,
		Reason:  result.FailureReason,
	})
	if e.archiver != nil {
		e.archiver.Archive(ctx, result, a.snapshot)
	}
}

// minConfidence folds the guardrail minimum, the per-step intent
// threshold, and the answering provider's threshold into one floor.
func (e *Engine) minConfidence(a *attempt) float64 {
	floor := e.guard.MinConfidence()
	if a.intent != nil && a.intent.ConfidenceThreshold > floor {
		floor = a.intent.ConfidenceThreshold
	}
	if a.eval != nil && a.eval.ConfidenceThreshold > floor {
		floor = a.eval.ConfidenceThreshold
	}
	return floor
}

func (e *Engine) selectedElement(decision *types.Decision, snapshot *types.UiSnapshot) *types.ElementSnapshot {
	if decision.SelectedIndex == nil {
		return nil
	}
	el, ok := snapshot.ElementAt(*decision.SelectedIndex)
	if !ok {
		return nil
	}
	return el
}

func (e *Engine) ruleContext(a *attempt, c *candidate, selected *types.ElementSnapshot) guard.RuleContext {
	rc := guard.RuleContext{
		URL:        a.pageURL,
		Action:     a.action,
		Confidence: c.confidence,
	}
	if a.intent != nil {
		rc.Destructive = a.intent.Destructive
	}
	if selected != nil {
		rc.Tag = selected.Tag
		rc.Text = selected.Text
		rc.AriaRole = selected.AriaRole
	}
	return rc
}

func (e *Engine) confirmPrompt(a *attempt, c *candidate) string {
	return fmt.Sprintf("heal %s -> %s (confidence %.2f) for action %q on %s",
		a.failure.Locator.String(), c.locator, c.confidence, a.action, a.pageURL)
}

// recordBreakerFailure feeds the breaker and surfaces an OPEN transition
// to metrics and the event stream.
func (e *Engine) recordBreakerFailure(costUSD float64) {
	before := e.breaker.State()
	e.breaker.RecordFailure(costUSD)
	e.noteBreakerTransition(before)
}

func (e *Engine) recordBreakerSuccess(costUSD float64) {
	before := e.breaker.State()
	e.breaker.RecordSuccess(costUSD)
	e.noteBreakerTransition(before)
}

func (e *Engine) noteBreakerTransition(before breaker.State) {
	after := e.breaker.State()
	if after == breaker.StateOpen && before != breaker.StateOpen {
		e.metrics.RecordBreakerOpen()
		e.emit(Event{Type: EventBreakerOpened})
		log.Warn("Healing circuit breaker opened")
	}
}
