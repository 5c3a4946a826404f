// Copyright 2026 The Healgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pipeline

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/healgate/healgate/internal/heal/types"
)

// extractJSON returns the first balanced JSON object embedded in s.
// Evaluators wrap their JSON in prose or markdown fences often enough
// that plain unmarshalling is not an option. Braces inside string
// literals do not count; escaped quotes do not end a string.
func extractJSON(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// parseDecision converts an evaluator reply into a Decision. can_heal is
// required; every other field defaults when absent. providerName and
// model only label the error.
func parseDecision(text, providerName, model string) (*types.Decision, error) {
	raw, ok := extractJSON(text)
	if !ok {
		return nil, &ParseError{
			Provider: providerName,
			Model:    model,
			Reason:   "no JSON object in reply",
			Snippet:  snippet(text),
		}
	}

	canHeal := gjson.Get(raw, "can_heal")
	if !canHeal.Exists() {
		return nil, &ParseError{
			Provider: providerName,
			Model:    model,
			Reason:   "missing required field can_heal",
			Snippet:  snippet(raw),
		}
	}

	d := &types.Decision{
		CanHeal:       canHeal.Bool(),
		Confidence:    clamp01(gjson.Get(raw, "confidence").Float()),
		Reasoning:     gjson.Get(raw, "reasoning").String(),
		RefusalReason: gjson.Get(raw, "refusal_reason").String(),
	}

	if idx := gjson.Get(raw, "selected_index"); idx.Type == gjson.Number {
		i := int(idx.Int())
		d.SelectedIndex = &i
	}
	for _, alt := range gjson.Get(raw, "alternatives").Array() {
		if alt.Type == gjson.Number {
			d.Alternatives = append(d.Alternatives, int(alt.Int()))
		}
	}
	for _, w := range gjson.Get(raw, "warnings").Array() {
		if s := w.String(); s != "" {
			d.Warnings = append(d.Warnings, s)
		}
	}
	return d, nil
}

// parseOutcome converts a verification reply into an OutcomeResult.
// outcome_achieved is required.
func parseOutcome(text, providerName, model string) (*types.OutcomeResult, error) {
	raw, ok := extractJSON(text)
	if !ok {
		return nil, &ParseError{
			Provider: providerName,
			Model:    model,
			Reason:   "no JSON object in reply",
			Snippet:  snippet(text),
		}
	}

	achieved := gjson.Get(raw, "outcome_achieved")
	if !achieved.Exists() {
		return nil, &ParseError{
			Provider: providerName,
			Model:    model,
			Reason:   "missing required field outcome_achieved",
			Snippet:  snippet(raw),
		}
	}

	return &types.OutcomeResult{
		Achieved:     achieved.Bool(),
		Confidence:   clamp01(gjson.Get(raw, "confidence").Float()),
		Observations: gjson.Get(raw, "observations").String(),
	}, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
