// Copyright 2026 The Healgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/healgate/healgate/internal/cost"
	"github.com/healgate/healgate/internal/heal/types"
)

const evaluationSystemPrompt = `You are a locator repair assistant for automated browser tests. A test step failed because its element locator no longer matches anything on the page. You are given the failure details, the step's declared intent, and a numbered list of interactive elements currently on the page. Decide whether one of the listed elements is the element the original locator pointed at. Be conservative: selecting the wrong element is worse than selecting none.`

const outcomeSystemPrompt = `You are a verification assistant for automated browser tests. A test healed a broken locator and executed its action. Compare the page state before and after the action and decide whether the action achieved its intended effect.`

const decisionSchema = `Reply with a JSON object only, no prose and no markdown fences:
{
  "can_heal": true or false,
  "confidence": number between 0.0 and 1.0,
  "selected_index": index of the chosen candidate, or null,
  "reasoning": "why this candidate is the element the test intended",
  "alternatives": [indices of runner-up candidates, best first],
  "warnings": ["caveats about the selection, if any"],
  "refusal_reason": "set only when can_heal is false"
}

Select a candidate only when you are confident it is the element the
original locator pointed at. If no candidate matches, set can_heal to
false and explain in refusal_reason.`

const outcomeSchema = `Reply with a JSON object only, no prose and no markdown fences:
{
  "outcome_achieved": true or false,
  "confidence": number between 0.0 and 1.0,
  "observations": "what changed on the page, in one or two sentences"
}`

// maxCandidateText bounds how much inner text a candidate line carries.
const maxCandidateText = 80

// buildEvaluationPrompt renders the user prompt for a heal evaluation.
// Candidate lines are trimmed to the token budget, keeping earlier
// (document-order) candidates; the heading notes how many survived.
// A budget of zero or less means no trimming.
func buildEvaluationPrompt(failure *types.FailureContext, snapshot *types.UiSnapshot, intent *types.IntentContract, budget int, est *cost.Estimator) string {
	var sb strings.Builder

	sb.WriteString("A step in an automated browser test failed because its locator no longer resolves.\n\n")

	sb.WriteString("Failure:\n")
	fmt.Fprintf(&sb, "- Locator: %s\n", failure.Locator.String())
	fmt.Fprintf(&sb, "- Action: %s\n", failure.Action)
	if failure.StepText != "" {
		fmt.Fprintf(&sb, "- Step: %s %s\n", failure.Keyword, failure.StepText)
	}
	if failure.Feature != "" || failure.Scenario != "" {
		fmt.Fprintf(&sb, "- Scenario: %s / %s\n", failure.Feature, failure.Scenario)
	}
	if failure.ExceptionType != "" || failure.ExceptionMessage != "" {
		fmt.Fprintf(&sb, "- Error: %s: %s\n", failure.ExceptionType, failure.ExceptionMessage)
	}

	if intent != nil {
		sb.WriteString("\nIntent:\n")
		fmt.Fprintf(&sb, "- Action: %s\n", intent.Action)
		if intent.Description != "" {
			fmt.Fprintf(&sb, "- Description: %s\n", intent.Description)
		}
		if intent.Hint != "" {
			fmt.Fprintf(&sb, "- Hint: %s\n", intent.Hint)
		}
		if intent.Destructive {
			sb.WriteString("- Destructive: this action has irreversible effects\n")
		}
	}

	sb.WriteString("\nPage:\n")
	fmt.Fprintf(&sb, "- URL: %s\n", snapshot.URL)
	if snapshot.Title != "" {
		fmt.Fprintf(&sb, "- Title: %s\n", snapshot.Title)
	}

	lines := make([]string, len(snapshot.Elements))
	for i := range snapshot.Elements {
		lines[i] = formatCandidate(&snapshot.Elements[i])
	}
	shown := fitCandidates(sb.String(), lines, budget, est)

	if shown < len(lines) {
		fmt.Fprintf(&sb, "\nCandidate elements (%d of %d shown, list truncated to fit the token budget):\n", shown, len(lines))
	} else {
		fmt.Fprintf(&sb, "\nCandidate elements (%d):\n", len(lines))
	}
	for _, line := range lines[:shown] {
		sb.WriteString(line)
		sb.WriteString("\n")
	}

	sb.WriteString("\n")
	sb.WriteString(decisionSchema)
	return sb.String()
}

// fitCandidates returns how many candidate lines fit the token budget
// alongside the fixed prompt sections. At least one candidate is always
// kept so the evaluator has something to judge.
func fitCandidates(fixed string, lines []string, budget int, est *cost.Estimator) int {
	if budget <= 0 || est == nil {
		return len(lines)
	}
	remaining := budget - est.Count(fixed) - est.Count(decisionSchema)
	shown := 0
	for _, line := range lines {
		remaining -= est.Count(line)
		if remaining < 0 && shown > 0 {
			break
		}
		shown++
	}
	return shown
}

// formatCandidate renders one element as a single prompt line:
//
//	[3] <button id="login-btn" class="btn primary" data-testid="login"> text="Login" role="button" path="main > form#login"
//
// Visibility flags appear only when negative.
func formatCandidate(e *types.ElementSnapshot) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%d] <%s", e.Index, strings.ToLower(e.Tag))
	if e.ID != "" {
		fmt.Fprintf(&sb, " id=%q", e.ID)
	}
	if e.Name != "" {
		fmt.Fprintf(&sb, " name=%q", e.Name)
	}
	if e.Type != "" {
		fmt.Fprintf(&sb, " type=%q", e.Type)
	}
	if len(e.Classes) > 0 {
		fmt.Fprintf(&sb, " class=%q", strings.Join(e.Classes, " "))
	}
	for _, k := range sortedKeys(e.DataAttributes) {
		fmt.Fprintf(&sb, " %s=%q", k, e.DataAttributes[k])
	}
	sb.WriteString(">")
	if t := strings.TrimSpace(e.Text); t != "" {
		fmt.Fprintf(&sb, " text=%q", truncateText(t, maxCandidateText))
	}
	if e.AriaLabel != "" {
		fmt.Fprintf(&sb, " aria-label=%q", e.AriaLabel)
	}
	if e.AriaRole != "" {
		fmt.Fprintf(&sb, " role=%q", e.AriaRole)
	}
	if e.Placeholder != "" {
		fmt.Fprintf(&sb, " placeholder=%q", e.Placeholder)
	}
	if len(e.NearbyLabels) > 0 {
		fmt.Fprintf(&sb, " labels=%q", strings.Join(e.NearbyLabels, "; "))
	}
	if e.ContainerPath != "" {
		fmt.Fprintf(&sb, " path=%q", e.ContainerPath)
	}
	if !e.Visible {
		sb.WriteString(" hidden")
	}
	if !e.Enabled {
		sb.WriteString(" disabled")
	}
	return sb.String()
}

// buildOutcomePrompt renders the user prompt for outcome validation.
func buildOutcomePrompt(octx *types.OutcomeContext) string {
	var sb strings.Builder

	sb.WriteString("An automated browser test healed a broken locator and executed the action below. Decide whether the action achieved its intended effect.\n\n")

	sb.WriteString("Action:\n")
	fmt.Fprintf(&sb, "- Type: %s\n", octx.Action)
	fmt.Fprintf(&sb, "- Target: %s\n", octx.HealedLocator)
	if octx.Payload != nil {
		fmt.Fprintf(&sb, "- Payload: %v\n", octx.Payload)
	}
	if octx.Description != "" {
		fmt.Fprintf(&sb, "- Intent: %s\n", octx.Description)
	}

	writeState := func(label string, s *types.UiSnapshot) {
		fmt.Fprintf(&sb, "\nPage %s the action:\n", label)
		if s == nil {
			sb.WriteString("- not captured\n")
			return
		}
		fmt.Fprintf(&sb, "- URL: %s\n", s.URL)
		if s.Title != "" {
			fmt.Fprintf(&sb, "- Title: %s\n", s.Title)
		}
		fmt.Fprintf(&sb, "- Interactive elements: %d\n", len(s.Elements))
	}
	writeState("before", octx.Before)
	writeState("after", octx.After)

	sb.WriteString("\n")
	sb.WriteString(outcomeSchema)
	return sb.String()
}

func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
