package pipeline

import (
	"errors"
	"strings"
	"testing"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		found bool
	}{
		{
			name:  "bare object",
			input: `{"can_heal": true}`,
			want:  `{"can_heal": true}`,
			found: true,
		},
		{
			name:  "markdown fenced",
			input: "Here is my answer:\n```json\n{\"can_heal\": false}\n```\nHope that helps.",
			want:  `{"can_heal": false}`,
			found: true,
		},
		{
			name:  "prose before and after",
			input: `Sure! {"can_heal": true, "confidence": 0.9} Let me know.`,
			want:  `{"can_heal": true, "confidence": 0.9}`,
			found: true,
		},
		{
			name:  "nested objects",
			input: `{"a": {"b": {"c": 1}}, "d": 2} trailing`,
			want:  `{"a": {"b": {"c": 1}}, "d": 2}`,
			found: true,
		},
		{
			name:  "braces inside strings",
			input: `{"reasoning": "selector was .btn{color} style", "can_heal": true}`,
			want:  `{"reasoning": "selector was .btn{color} style", "can_heal": true}`,
			found: true,
		},
		{
			name:  "escaped quotes inside strings",
			input: `{"reasoning": "text said \"}\" literally", "can_heal": true}`,
			want:  `{"reasoning": "text said \"}\" literally", "can_heal": true}`,
			found: true,
		},
		{
			name:  "no object",
			input: "I cannot answer that.",
			found: false,
		},
		{
			name:  "unbalanced",
			input: `{"can_heal": true`,
			found: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := extractJSON(tt.input)
			if found != tt.found {
				t.Fatalf("extractJSON() found = %v, want %v", found, tt.found)
			}
			if found && got != tt.want {
				t.Errorf("extractJSON() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseDecision(t *testing.T) {
	text := `Looking at the candidates, element 0 matches best.
{
  "can_heal": true,
  "confidence": 0.92,
  "selected_index": 0,
  "reasoning": "same id prefix and identical text",
  "alternatives": [3, 7],
  "warnings": ["element recently added"]
}`

	d, err := parseDecision(text, "anthropic", "claude-sonnet-4-5")
	if err != nil {
		t.Fatalf("parseDecision() error = %v", err)
	}
	if !d.CanHeal {
		t.Error("CanHeal = false, want true")
	}
	if d.Confidence != 0.92 {
		t.Errorf("Confidence = %v, want 0.92", d.Confidence)
	}
	if d.SelectedIndex == nil || *d.SelectedIndex != 0 {
		t.Errorf("SelectedIndex = %v, want 0", d.SelectedIndex)
	}
	if d.Reasoning == "" {
		t.Error("Reasoning should be populated")
	}
	if len(d.Alternatives) != 2 || d.Alternatives[0] != 3 {
		t.Errorf("Alternatives = %v", d.Alternatives)
	}
	if len(d.Warnings) != 1 {
		t.Errorf("Warnings = %v", d.Warnings)
	}
}

func TestParseDecision_Refusal(t *testing.T) {
	text := `{"can_heal": false, "refusal_reason": "no candidate resembles a login button"}`

	d, err := parseDecision(text, "openai", "gpt-4o")
	if err != nil {
		t.Fatalf("parseDecision() error = %v", err)
	}
	if d.CanHeal {
		t.Error("CanHeal = true, want false")
	}
	if d.SelectedIndex != nil {
		t.Errorf("SelectedIndex = %v, want nil", *d.SelectedIndex)
	}
	if d.RefusalReason == "" {
		t.Error("RefusalReason should be populated")
	}
}

func TestParseDecision_Defaults(t *testing.T) {
	d, err := parseDecision(`{"can_heal": true}`, "p", "m")
	if err != nil {
		t.Fatalf("parseDecision() error = %v", err)
	}
	if d.Confidence != 0 {
		t.Errorf("Confidence = %v, want 0", d.Confidence)
	}
	if d.SelectedIndex != nil {
		t.Error("SelectedIndex should default to nil")
	}
	if d.Alternatives != nil || d.Warnings != nil {
		t.Error("lists should default to empty")
	}
}

func TestParseDecision_NullIndex(t *testing.T) {
	d, err := parseDecision(`{"can_heal": false, "selected_index": null}`, "p", "m")
	if err != nil {
		t.Fatalf("parseDecision() error = %v", err)
	}
	if d.SelectedIndex != nil {
		t.Error("null selected_index should stay nil")
	}
}

func TestParseDecision_ClampsConfidence(t *testing.T) {
	d, err := parseDecision(`{"can_heal": true, "confidence": 95}`, "p", "m")
	if err != nil {
		t.Fatalf("parseDecision() error = %v", err)
	}
	if d.Confidence != 1 {
		t.Errorf("Confidence = %v, want clamped to 1", d.Confidence)
	}
}

func TestParseDecision_MissingRequiredField(t *testing.T) {
	_, err := parseDecision(`{"confidence": 0.9, "selected_index": 0}`, "gemini", "gemini-2.5-flash")
	if err == nil {
		t.Fatal("parseDecision() should fail without can_heal")
	}

	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("error type = %T, want *ParseError", err)
	}
	if perr.Provider != "gemini" || perr.Model != "gemini-2.5-flash" {
		t.Errorf("ParseError provenance = %s/%s", perr.Provider, perr.Model)
	}
	if !strings.Contains(perr.Reason, "can_heal") {
		t.Errorf("Reason = %q", perr.Reason)
	}
}

func TestParseDecision_NoJSON(t *testing.T) {
	_, err := parseDecision("I refuse to answer in JSON.", "p", "m")

	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("error type = %T, want *ParseError", err)
	}
	if perr.Snippet == "" {
		t.Error("Snippet should carry the offending text")
	}
}

func TestParseOutcome(t *testing.T) {
	text := "```json\n{\"outcome_achieved\": true, \"confidence\": 0.85, \"observations\": \"URL changed to /dashboard\"}\n```"

	r, err := parseOutcome(text, "anthropic", "claude-sonnet-4-5")
	if err != nil {
		t.Fatalf("parseOutcome() error = %v", err)
	}
	if !r.Achieved {
		t.Error("Achieved = false, want true")
	}
	if r.Confidence != 0.85 {
		t.Errorf("Confidence = %v, want 0.85", r.Confidence)
	}
	if r.Observations == "" {
		t.Error("Observations should be populated")
	}
}

func TestParseOutcome_MissingRequiredField(t *testing.T) {
	_, err := parseOutcome(`{"confidence": 0.5}`, "p", "m")
	if err == nil {
		t.Fatal("parseOutcome() should fail without outcome_achieved")
	}

	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("error type = %T, want *ParseError", err)
	}
}

func TestSnippet_Truncates(t *testing.T) {
	long := strings.Repeat("x", 500)
	got := snippet(long)
	if len(got) != 163 {
		t.Errorf("snippet length = %d, want 163", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Error("snippet should end with ellipsis")
	}
}
