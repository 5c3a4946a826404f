package pipeline

import (
	"fmt"
	"strings"
	"testing"

	"github.com/healgate/healgate/internal/cost"
	"github.com/healgate/healgate/internal/heal/types"
)

func testFailure() *types.FailureContext {
	return &types.FailureContext{
		Locator:          types.Locator{Strategy: types.StrategyID, Value: "old-login"},
		Action:           "click",
		Keyword:          "When",
		StepText:         "I click the login button",
		Feature:          "Checkout",
		Scenario:         "Guest checkout",
		ExceptionType:    "NoSuchElementError",
		ExceptionMessage: "no element matches id=old-login",
	}
}

func testIntent() *types.IntentContract {
	return &types.IntentContract{
		Action:      "click",
		Policy:      types.PolicyAutoSafe,
		Description: "Submit the login form",
		Hint:        "the blue button under the banner",
	}
}

func testOutcomeContext() *types.OutcomeContext {
	return &types.OutcomeContext{
		Action:        "click",
		HealedLocator: "id=login-btn",
		Description:   "Submit the login form",
		Before:        &types.UiSnapshot{URL: "https://shop.example/login"},
		After:         &types.UiSnapshot{URL: "https://shop.example/dashboard"},
	}
}

func testSnapshot(n int) *types.UiSnapshot {
	s := &types.UiSnapshot{
		URL:   "https://shop.example/login",
		Title: "Login | Shop",
	}
	for i := 0; i < n; i++ {
		s.Elements = append(s.Elements, types.ElementSnapshot{
			Index:   i,
			Tag:     "button",
			ID:      fmt.Sprintf("btn-%d", i),
			Text:    fmt.Sprintf("Button number %d with a reasonably long descriptive label", i),
			Visible: true,
			Enabled: true,
		})
	}
	return s
}

func TestBuildEvaluationPrompt_Content(t *testing.T) {
	prompt := buildEvaluationPrompt(testFailure(), testSnapshot(3), testIntent(), 0, nil)

	for _, want := range []string{
		"id=old-login",
		"When I click the login button",
		"Checkout / Guest checkout",
		"NoSuchElementError",
		"Submit the login form",
		"the blue button under the banner",
		"https://shop.example/login",
		"Candidate elements (3):",
		`[0] <button id="btn-0"`,
		`[2] <button id="btn-2"`,
		`"can_heal"`,
		`"selected_index"`,
		`"refusal_reason"`,
		"JSON object only",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestBuildEvaluationPrompt_DestructiveFlag(t *testing.T) {
	intent := testIntent()
	prompt := buildEvaluationPrompt(testFailure(), testSnapshot(1), intent, 0, nil)
	if strings.Contains(prompt, "irreversible") {
		t.Error("non-destructive intent should not mention irreversibility")
	}

	intent.Destructive = true
	prompt = buildEvaluationPrompt(testFailure(), testSnapshot(1), intent, 0, nil)
	if !strings.Contains(prompt, "irreversible") {
		t.Error("destructive intent should be flagged in the prompt")
	}
}

func TestBuildEvaluationPrompt_NilIntent(t *testing.T) {
	prompt := buildEvaluationPrompt(testFailure(), testSnapshot(1), nil, 0, nil)
	if strings.Contains(prompt, "Intent:") {
		t.Error("prompt should skip the intent section when no intent is given")
	}
	if !strings.Contains(prompt, `[0] <button`) {
		t.Error("candidates should still render")
	}
}

func TestBuildEvaluationPrompt_BudgetTrimsCandidates(t *testing.T) {
	est := cost.NewEstimator()
	snapshot := testSnapshot(50)

	prompt := buildEvaluationPrompt(testFailure(), snapshot, testIntent(), 400, est)

	if !strings.Contains(prompt, "list truncated") {
		t.Fatal("trimmed prompt should note the truncation")
	}
	if !strings.Contains(prompt, `[0] <button id="btn-0"`) {
		t.Error("document-order head of the candidate list must survive trimming")
	}
	if strings.Contains(prompt, `[49]`) {
		t.Error("tail candidates should be trimmed first")
	}

	full := buildEvaluationPrompt(testFailure(), snapshot, testIntent(), 0, est)
	if strings.Contains(full, "list truncated") {
		t.Error("zero budget means no trimming")
	}
	if !strings.Contains(full, `[49]`) {
		t.Error("untrimmed prompt should carry every candidate")
	}
}

func TestBuildEvaluationPrompt_TinyBudgetKeepsOneCandidate(t *testing.T) {
	est := cost.NewEstimator()
	prompt := buildEvaluationPrompt(testFailure(), testSnapshot(10), testIntent(), 1, est)

	if !strings.Contains(prompt, `[0] <button`) {
		t.Error("even an absurd budget keeps the first candidate")
	}
	if strings.Contains(prompt, `[1] <button`) {
		t.Error("only the first candidate should survive a one-token budget")
	}
}

func TestFormatCandidate(t *testing.T) {
	e := &types.ElementSnapshot{
		Index:         4,
		Tag:           "INPUT",
		ID:            "email",
		Name:          "email",
		Type:          "text",
		Classes:       []string{"form-control", "lg"},
		Placeholder:   "Email address",
		AriaLabel:     "Email",
		AriaRole:      "textbox",
		ContainerPath: "main > form#signup",
		NearbyLabels:  []string{"Your email"},
		Visible:       true,
		Enabled:       false,
		DataAttributes: map[string]string{
			"data-testid": "email-input",
			"data-qa":     "signup-email",
		},
	}

	line := formatCandidate(e)

	for _, want := range []string{
		`[4] <input`,
		`id="email"`,
		`type="text"`,
		`class="form-control lg"`,
		`data-qa="signup-email"`,
		`data-testid="email-input"`,
		`placeholder="Email address"`,
		`role="textbox"`,
		`labels="Your email"`,
		`path="main > form#signup"`,
		"disabled",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("candidate line missing %q in %q", want, line)
		}
	}
	if strings.Contains(line, "hidden") {
		t.Error("visible element should not be marked hidden")
	}
}

func TestFormatCandidate_TruncatesText(t *testing.T) {
	e := &types.ElementSnapshot{
		Index:   0,
		Tag:     "p",
		Text:    strings.Repeat("long ", 60),
		Visible: true,
		Enabled: true,
	}
	line := formatCandidate(e)
	if !strings.Contains(line, "...") {
		t.Error("overlong text should be truncated with an ellipsis")
	}
	if len(line) > 200 {
		t.Errorf("candidate line length = %d, want bounded", len(line))
	}
}

func TestBuildOutcomePrompt(t *testing.T) {
	octx := &types.OutcomeContext{
		Action:        "click",
		HealedLocator: "id=login-btn",
		Description:   "Submit the login form",
		Before:        &types.UiSnapshot{URL: "https://shop.example/login", Elements: make([]types.ElementSnapshot, 12)},
		After:         &types.UiSnapshot{URL: "https://shop.example/dashboard", Title: "Dashboard"},
	}

	prompt := buildOutcomePrompt(octx)

	for _, want := range []string{
		"- Type: click",
		"- Target: id=login-btn",
		"- Intent: Submit the login form",
		"Page before the action:",
		"https://shop.example/login",
		"- Interactive elements: 12",
		"Page after the action:",
		"https://shop.example/dashboard",
		`"outcome_achieved"`,
		`"observations"`,
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestBuildOutcomePrompt_MissingSnapshots(t *testing.T) {
	prompt := buildOutcomePrompt(&types.OutcomeContext{Action: "click", HealedLocator: "id=x"})
	if strings.Count(prompt, "not captured") != 2 {
		t.Error("missing before/after snapshots should be called out")
	}
}
