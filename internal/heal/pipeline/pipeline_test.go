package pipeline

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/healgate/healgate/internal/heal/metrics"
	"github.com/healgate/healgate/internal/provider"
	"github.com/healgate/healgate/internal/provider/static"
)

const decisionJSON = `{"can_heal": true, "confidence": 0.9, "selected_index": 0, "reasoning": "same id and text"}`

func newTestPipeline(t *testing.T, cfg Config, backends ...provider.Provider) (*Pipeline, *metrics.Metrics) {
	t.Helper()
	reg := provider.NewRegistry()
	for _, b := range backends {
		if err := reg.Register(b); err != nil {
			t.Fatal(err)
		}
	}
	m := metrics.New(0)
	return New(reg, cfg, WithMetrics(m)), m
}

func TestEvaluate_PrimarySucceeds(t *testing.T) {
	backend := static.New(static.WithResponses(decisionJSON), static.WithUsage(1000, 100))
	p, m := newTestPipeline(t, Config{Primary: Settings{Provider: "static", Model: "static-model"}}, backend)

	eval, err := p.Evaluate(context.Background(), testFailure(), testSnapshot(2), testIntent())
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	if !eval.Decision.CanHeal || eval.Decision.Confidence != 0.9 {
		t.Errorf("Decision = %+v", eval.Decision)
	}
	if eval.Provider != "static" || eval.Model != "static-model" {
		t.Errorf("provenance = %s/%s", eval.Provider, eval.Model)
	}
	if eval.InputTokens != 1000 || eval.OutputTokens != 100 {
		t.Errorf("usage = %d/%d", eval.InputTokens, eval.OutputTokens)
	}
	// Unknown model prices at the default rate: 1000 in + 100 out.
	if math.Abs(eval.CostUSD-0.0012) > 1e-9 {
		t.Errorf("CostUSD = %v, want 0.0012", eval.CostUSD)
	}
	if backend.CallCount() != 1 {
		t.Errorf("CallCount = %d, want 1", backend.CallCount())
	}

	snap := m.Snapshot()
	if snap.ProviderCalls != 1 || snap.Fallbacks != 0 || snap.ParseFailures != 0 {
		t.Errorf("metrics = calls %d fallbacks %d parse %d", snap.ProviderCalls, snap.Fallbacks, snap.ParseFailures)
	}
}

func TestEvaluate_FallbackAfterPrimaryError(t *testing.T) {
	primary := static.New(static.WithIdentifier("primary"), static.WithError(errors.New("boom")))
	fallback := static.New(static.WithIdentifier("backup"), static.WithResponses(decisionJSON))

	cfg := Config{
		Primary:   Settings{Provider: "primary", Model: "m1"},
		Fallbacks: []Fallback{{Provider: "backup", Model: "m2"}},
	}
	p, m := newTestPipeline(t, cfg, primary, fallback)

	eval, err := p.Evaluate(context.Background(), testFailure(), testSnapshot(2), testIntent())
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	if eval.Provider != "backup" {
		t.Errorf("Provider = %q, want backup", eval.Provider)
	}
	if primary.CallCount() != 1 || fallback.CallCount() != 1 {
		t.Errorf("calls = %d/%d, want 1/1", primary.CallCount(), fallback.CallCount())
	}
	if snap := m.Snapshot(); snap.Fallbacks != 1 {
		t.Errorf("Fallbacks = %d, want 1", snap.Fallbacks)
	}
}

func TestEvaluate_AllTargetsFail(t *testing.T) {
	boom := errors.New("boom")
	primary := static.New(static.WithIdentifier("primary"), static.WithError(boom))
	fallback := static.New(static.WithIdentifier("backup"), static.WithError(errors.New("also down")))

	cfg := Config{
		Primary:   Settings{Provider: "primary", Model: "m1"},
		Fallbacks: []Fallback{{Provider: "backup", Model: "m2"}},
	}
	p, _ := newTestPipeline(t, cfg, primary, fallback)

	_, err := p.Evaluate(context.Background(), testFailure(), testSnapshot(2), testIntent())
	if err == nil {
		t.Fatal("Evaluate() should fail when every target fails")
	}

	var exhausted *FallbackExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error type = %T, want *FallbackExhaustedError", err)
	}
	if len(exhausted.Targets) != 2 {
		t.Errorf("Targets = %v", exhausted.Targets)
	}
	if !errors.Is(err, boom) {
		t.Error("aggregate should wrap the primary's cause")
	}

	var callErr *ProviderCallError
	if !errors.As(err, &callErr) {
		t.Error("aggregate should expose per-target call errors")
	}
	if primary.CallCount() != 1 || fallback.CallCount() != 1 {
		t.Errorf("calls = %d/%d, want 1/1", primary.CallCount(), fallback.CallCount())
	}
}

func TestEvaluate_RetriesBeforeFallback(t *testing.T) {
	primary := static.New(static.WithIdentifier("primary"), static.WithError(errors.New("flaky")))

	cfg := Config{Primary: Settings{Provider: "primary", Model: "m", MaxRetries: 2}}
	p, _ := newTestPipeline(t, cfg, primary)

	_, err := p.Evaluate(context.Background(), testFailure(), testSnapshot(1), testIntent())
	if err == nil {
		t.Fatal("Evaluate() should fail")
	}

	if primary.CallCount() != 3 {
		t.Errorf("CallCount = %d, want 3 (initial + 2 retries)", primary.CallCount())
	}

	var callErr *ProviderCallError
	if !errors.As(err, &callErr) {
		t.Fatal("expected a *ProviderCallError cause")
	}
	if callErr.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", callErr.Attempts)
	}
}

func TestEvaluate_ParseFailureRollsOver(t *testing.T) {
	primary := static.New(static.WithIdentifier("primary"), static.WithResponses("I will not answer in JSON."), static.WithUsage(1000, 100))
	fallback := static.New(static.WithIdentifier("backup"), static.WithResponses(decisionJSON), static.WithUsage(1000, 100))

	cfg := Config{
		Primary:   Settings{Provider: "primary", Model: "m1"},
		Fallbacks: []Fallback{{Provider: "backup", Model: "m2"}},
	}
	p, m := newTestPipeline(t, cfg, primary, fallback)

	eval, err := p.Evaluate(context.Background(), testFailure(), testSnapshot(2), testIntent())
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	if eval.Provider != "backup" {
		t.Errorf("Provider = %q, want backup", eval.Provider)
	}
	// Both calls returned responses, so both are paid for.
	if math.Abs(eval.CostUSD-0.0024) > 1e-9 {
		t.Errorf("CostUSD = %v, want 0.0024", eval.CostUSD)
	}
	if snap := m.Snapshot(); snap.ParseFailures != 1 {
		t.Errorf("ParseFailures = %d, want 1", snap.ParseFailures)
	}
}

func TestEvaluate_UnknownPrimaryProvider(t *testing.T) {
	fallback := static.New(static.WithIdentifier("backup"), static.WithResponses(decisionJSON))

	cfg := Config{
		Primary:   Settings{Provider: "missing", Model: "m"},
		Fallbacks: []Fallback{{Provider: "backup"}},
	}
	p, _ := newTestPipeline(t, cfg, fallback)

	eval, err := p.Evaluate(context.Background(), testFailure(), testSnapshot(1), testIntent())
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if eval.Provider != "backup" {
		t.Errorf("Provider = %q, want backup", eval.Provider)
	}
}

func TestEvaluate_UnavailableProviderSkipped(t *testing.T) {
	primary := static.New(static.WithIdentifier("primary"), static.WithUnavailable(), static.WithResponses(decisionJSON))
	fallback := static.New(static.WithIdentifier("backup"), static.WithResponses(decisionJSON))

	cfg := Config{
		Primary:   Settings{Provider: "primary", Model: "m1"},
		Fallbacks: []Fallback{{Provider: "backup", Model: "m2"}},
	}
	p, _ := newTestPipeline(t, cfg, primary, fallback)

	eval, err := p.Evaluate(context.Background(), testFailure(), testSnapshot(1), testIntent())
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if eval.Provider != "backup" {
		t.Errorf("Provider = %q, want backup", eval.Provider)
	}
	if primary.CallCount() != 0 {
		t.Errorf("unavailable provider was called %d times", primary.CallCount())
	}
}

func TestEvaluate_RequireReasoning(t *testing.T) {
	bare := `{"can_heal": true, "confidence": 0.9, "selected_index": 0}`
	backend := static.New(static.WithResponses(bare))

	cfg := Config{Primary: Settings{Provider: "static", Model: "m", RequireReasoning: true}}
	p, m := newTestPipeline(t, cfg, backend)

	_, err := p.Evaluate(context.Background(), testFailure(), testSnapshot(1), testIntent())
	if err == nil {
		t.Fatal("Evaluate() should reject a bare decision when reasoning is required")
	}

	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("cause type = %T, want *ParseError", err)
	}
	if snap := m.Snapshot(); snap.ParseFailures != 1 {
		t.Errorf("ParseFailures = %d, want 1", snap.ParseFailures)
	}
}

func TestEvaluate_RefusalIsNotAnError(t *testing.T) {
	refusal := `{"can_heal": false, "refusal_reason": "no plausible candidate"}`
	backend := static.New(static.WithResponses(refusal))

	p, _ := newTestPipeline(t, Config{Primary: Settings{Provider: "static", Model: "m"}}, backend)

	eval, err := p.Evaluate(context.Background(), testFailure(), testSnapshot(1), testIntent())
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if eval.Decision.CanHeal {
		t.Error("CanHeal = true, want false")
	}
	if backend.CallCount() != 1 {
		t.Errorf("a refusal must not trigger retries, CallCount = %d", backend.CallCount())
	}
}

func TestEvaluate_NilInputs(t *testing.T) {
	p, _ := newTestPipeline(t, Config{Primary: Settings{Provider: "static"}}, static.New())
	if _, err := p.Evaluate(context.Background(), nil, nil, nil); err == nil {
		t.Error("Evaluate() should reject nil inputs")
	}
}

func TestTargets_Inheritance(t *testing.T) {
	temp := 0.7
	cfg := Config{
		Primary: Settings{
			Provider:            "anthropic",
			Model:               "claude-sonnet-4-5",
			Timeout:             45 * time.Second,
			MaxRetries:          2,
			Temperature:         0.2,
			MaxTokensPerRequest: 6000,
			ConfidenceThreshold: 0.75,
			RequireReasoning:    true,
		},
		Fallbacks: []Fallback{
			{Provider: "openai", Model: "gpt-4o-mini"},
			{Provider: "compat", Model: "llama3.1:8b", Temperature: &temp, MaxRetries: 5},
		},
	}
	p := New(provider.NewRegistry(), cfg)

	targets := p.Targets()
	if len(targets) != 3 {
		t.Fatalf("Targets len = %d, want 3", len(targets))
	}

	inherited := targets[1]
	if inherited.Timeout != 45*time.Second || inherited.MaxRetries != 2 || inherited.Temperature != 0.2 {
		t.Errorf("fallback should inherit primary settings: %+v", inherited)
	}
	if inherited.MaxTokensPerRequest != 6000 || inherited.ConfidenceThreshold != 0.75 || !inherited.RequireReasoning {
		t.Errorf("fallback should inherit primary settings: %+v", inherited)
	}

	overridden := targets[2]
	if overridden.Temperature != 0.7 || overridden.MaxRetries != 5 {
		t.Errorf("explicit overrides should win: %+v", overridden)
	}
}

func TestNew_DefaultsPrimary(t *testing.T) {
	p := New(provider.NewRegistry(), Config{Primary: Settings{Provider: "static"}})
	primary := p.Targets()[0]
	if primary.Timeout != defaultTimeout {
		t.Errorf("Timeout = %v, want %v", primary.Timeout, defaultTimeout)
	}
	if primary.MaxTokensPerRequest != defaultTokenBudget {
		t.Errorf("MaxTokensPerRequest = %d, want %d", primary.MaxTokensPerRequest, defaultTokenBudget)
	}
}

func TestValidateOutcome(t *testing.T) {
	verdict := `{"outcome_achieved": true, "confidence": 0.8, "observations": "URL moved to /dashboard"}`
	backend := static.New(static.WithResponses(verdict))

	p, _ := newTestPipeline(t, Config{Primary: Settings{Provider: "static", Model: "m"}}, backend)

	out, err := p.ValidateOutcome(context.Background(), testOutcomeContext())
	if err != nil {
		t.Fatalf("ValidateOutcome() error = %v", err)
	}
	if !out.Result.Achieved || out.Result.Confidence != 0.8 {
		t.Errorf("Result = %+v", out.Result)
	}
	if out.Provider != "static" {
		t.Errorf("Provider = %q", out.Provider)
	}
}

func TestValidateOutcome_UnknownProvider(t *testing.T) {
	p, _ := newTestPipeline(t, Config{Primary: Settings{Provider: "missing", Model: "m"}})

	_, err := p.ValidateOutcome(context.Background(), testOutcomeContext())
	if !errors.Is(err, provider.ErrUnknownProvider) {
		t.Errorf("error = %v, want ErrUnknownProvider", err)
	}
}

func TestValidateOutcome_NoFallback(t *testing.T) {
	primary := static.New(static.WithIdentifier("primary"), static.WithError(errors.New("down")))
	fallback := static.New(static.WithIdentifier("backup"), static.WithResponses(`{"outcome_achieved": true}`))

	cfg := Config{
		Primary:   Settings{Provider: "primary", Model: "m1"},
		Fallbacks: []Fallback{{Provider: "backup", Model: "m2"}},
	}
	p, _ := newTestPipeline(t, cfg, primary, fallback)

	_, err := p.ValidateOutcome(context.Background(), testOutcomeContext())
	if err == nil {
		t.Fatal("ValidateOutcome() should fail without consulting fallbacks")
	}
	if fallback.CallCount() != 0 {
		t.Errorf("fallback was called %d times during outcome validation", fallback.CallCount())
	}
}
