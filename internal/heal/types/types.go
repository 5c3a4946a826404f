// Copyright 2026 The Healgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package types provides shared type definitions for the healing engine.
// This package exists to avoid import cycles between the engine and its
// subpackages; everything here is a plain value object constructed once
// and treated as read-only afterwards.
package types

import (
	"fmt"
	"strings"
)

// Strategy identifies how a locator addresses an element on the page.
type Strategy string

const (
	StrategyID              Strategy = "id"
	StrategyName            Strategy = "name"
	StrategyClass           Strategy = "class"
	StrategyCSS             Strategy = "css"
	StrategyXPath           Strategy = "xpath"
	StrategyLinkText        Strategy = "link-text"
	StrategyPartialLinkText Strategy = "partial-link-text"
	StrategyTag             Strategy = "tag"
)

// knownStrategies is the closed set of locator strategies the engine accepts.
var knownStrategies = map[Strategy]bool{
	StrategyID:              true,
	StrategyName:            true,
	StrategyClass:           true,
	StrategyCSS:             true,
	StrategyXPath:           true,
	StrategyLinkText:        true,
	StrategyPartialLinkText: true,
	StrategyTag:             true,
}

// Valid reports whether the strategy is one of the recognized values.
func (s Strategy) Valid() bool {
	return knownStrategies[s]
}

// Locator is a (strategy, value) pair identifying one UI element.
// It is an immutable value type; equality is structural.
type Locator struct {
	// Strategy selects the lookup mechanism (id, css, xpath, ...).
	Strategy Strategy `json:"strategy"`

	// Value is the strategy-specific selector text.
	Value string `json:"value"`
}

// NewLocator validates and constructs a Locator.
func NewLocator(strategy Strategy, value string) (Locator, error) {
	norm := Strategy(strings.ToLower(strings.TrimSpace(string(strategy))))
	if !norm.Valid() {
		return Locator{}, fmt.Errorf("unknown locator strategy %q", strategy)
	}
	if strings.TrimSpace(value) == "" {
		return Locator{}, fmt.Errorf("locator value must not be empty")
	}
	return Locator{Strategy: norm, Value: value}, nil
}

// String renders the locator in its canonical "strategy=value" form.
// This is the string shape carried by HealResult.HealedLocator.
func (l Locator) String() string {
	return string(l.Strategy) + "=" + l.Value
}

// IsZero reports whether the locator is the uninitialized zero value.
func (l Locator) IsZero() bool {
	return l.Strategy == "" && l.Value == ""
}

// Policy is the per-step caller directive controlling whether and how
// aggressively healing may act.
type Policy string

const (
	// PolicyOff disables healing for the step entirely.
	PolicyOff Policy = "OFF"

	// PolicySuggest evaluates candidates but never executes the action;
	// the result is reported for human review.
	PolicySuggest Policy = "SUGGEST"

	// PolicyAutoSafe executes the healed action automatically unless the
	// intent is flagged destructive, in which case it degrades to a
	// suggestion.
	PolicyAutoSafe Policy = "AUTO_SAFE"

	// PolicyConfirm asks the confirmation broker for an operator verdict
	// before acting; absent a broker or verdict it degrades to a suggestion.
	PolicyConfirm Policy = "CONFIRM"

	// PolicyAutoAll executes the healed action unconditionally.
	PolicyAutoAll Policy = "AUTO_ALL"
)

var knownPolicies = map[Policy]bool{
	PolicyOff:      true,
	PolicySuggest:  true,
	PolicyAutoSafe: true,
	PolicyConfirm:  true,
	PolicyAutoAll:  true,
}

// Valid reports whether the policy is one of the recognized values.
func (p Policy) Valid() bool {
	return knownPolicies[p]
}

// ParsePolicy maps a case-insensitive policy name to its Policy value.
func ParsePolicy(s string) (Policy, error) {
	p := Policy(strings.ToUpper(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown healing policy %q", s)
	}
	return p, nil
}

// SourceLocation points at the source literal that produced the failed
// locator. It is carried through unchanged for the external patching
// system; the engine itself never reads it.
type SourceLocation struct {
	// File is the path of the source file containing the locator literal.
	File string `json:"file"`

	// Line is the 1-based line number of the literal.
	Line int `json:"line"`

	// Code is the source text at that line, if captured.
	Code string `json:"code,omitempty"`
}

// FailureContext is an immutable snapshot of why an element lookup failed.
// It is created once per failed lookup and lives for exactly one engine call.
type FailureContext struct {
	// Locator is the original locator that failed to resolve.
	Locator Locator `json:"locator"`

	// Action is the action that was being attempted (click, type, ...).
	Action string `json:"action"`

	// PageURL is the page the lookup failed on, captured by the caller at
	// failure time. It feeds the cache fingerprint, so the engine can
	// consult the cache without taking a snapshot first.
	PageURL string `json:"page_url,omitempty"`

	// StepText is the human-readable step that triggered the lookup.
	StepText string `json:"step_text,omitempty"`

	// Feature and Scenario name the test grouping the step belongs to.
	Feature  string `json:"feature,omitempty"`
	Scenario string `json:"scenario,omitempty"`

	// Keyword is the step keyword (Given/When/Then or framework equivalent).
	Keyword string `json:"keyword,omitempty"`

	// ExceptionType and ExceptionMessage describe the original lookup error.
	ExceptionType    string `json:"exception_type,omitempty"`
	ExceptionMessage string `json:"exception_message,omitempty"`

	// Source locates the locator literal for the external patching system.
	Source *SourceLocation `json:"source,omitempty"`
}

// FailureOption sets an optional FailureContext field during construction.
type FailureOption func(*FailureContext)

// WithStep records the step text and keyword.
func WithStep(keyword, text string) FailureOption {
	return func(f *FailureContext) {
		f.Keyword = keyword
		f.StepText = text
	}
}

// WithScenario records the feature and scenario names.
func WithScenario(feature, scenario string) FailureOption {
	return func(f *FailureContext) {
		f.Feature = feature
		f.Scenario = scenario
	}
}

// WithException records the original lookup error.
func WithException(excType, message string) FailureOption {
	return func(f *FailureContext) {
		f.ExceptionType = excType
		f.ExceptionMessage = message
	}
}

// WithSource records the source location of the locator literal.
func WithSource(file string, line int, code string) FailureOption {
	return func(f *FailureContext) {
		f.Source = &SourceLocation{File: file, Line: line, Code: code}
	}
}

// WithPageURL records the page the lookup failed on.
func WithPageURL(url string) FailureOption {
	return func(f *FailureContext) {
		f.PageURL = url
	}
}

// NewFailureContext validates and constructs a FailureContext.
// The locator and action are required; everything else is optional.
func NewFailureContext(locator Locator, action string, opts ...FailureOption) (*FailureContext, error) {
	if !locator.Strategy.Valid() {
		return nil, fmt.Errorf("failure context: unknown locator strategy %q", locator.Strategy)
	}
	if strings.TrimSpace(locator.Value) == "" {
		return nil, fmt.Errorf("failure context: locator value must not be empty")
	}
	if strings.TrimSpace(action) == "" {
		return nil, fmt.Errorf("failure context: action must not be empty")
	}
	f := &FailureContext{Locator: locator, Action: action}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// IntentContract is the caller-declared intent for the current step.
// Supplied before each step; read-only to the engine.
type IntentContract struct {
	// Action names the intended interaction (click, type, select, ...).
	Action string `json:"action"`

	// Description is the human explanation of what the step achieves.
	Description string `json:"description,omitempty"`

	// Policy controls whether and how aggressively healing may act.
	Policy Policy `json:"policy"`

	// Destructive marks actions with irreversible effects (submit, delete).
	Destructive bool `json:"destructive,omitempty"`

	// ConfidenceThreshold optionally raises the minimum confidence for this
	// step above the guardrail minimum. Zero means "no extra requirement".
	ConfidenceThreshold float64 `json:"confidence_threshold,omitempty"`

	// Hint is free-form intent context fed into the cache fingerprint and
	// the evaluation prompt ("the blue login button under the banner").
	Hint string `json:"hint,omitempty"`

	// Payload is the action's argument, when it takes one: the text for a
	// type action, the option for a select. Replayed to the executor.
	Payload interface{} `json:"payload,omitempty"`
}

// IntentOption sets an optional IntentContract field during construction.
type IntentOption func(*IntentContract)

// WithDescription records the human-readable intent description.
func WithDescription(desc string) IntentOption {
	return func(i *IntentContract) { i.Description = desc }
}

// WithDestructive marks the intent as destructive.
func WithDestructive() IntentOption {
	return func(i *IntentContract) { i.Destructive = true }
}

// WithConfidenceThreshold sets a per-step confidence floor.
func WithConfidenceThreshold(t float64) IntentOption {
	return func(i *IntentContract) { i.ConfidenceThreshold = t }
}

// WithHint records free-form intent context.
func WithHint(hint string) IntentOption {
	return func(i *IntentContract) { i.Hint = hint }
}

// WithPayload records the action's argument.
func WithPayload(payload interface{}) IntentOption {
	return func(i *IntentContract) { i.Payload = payload }
}

// NewIntentContract validates and constructs an IntentContract.
func NewIntentContract(action string, policy Policy, opts ...IntentOption) (*IntentContract, error) {
	if strings.TrimSpace(action) == "" {
		return nil, fmt.Errorf("intent contract: action must not be empty")
	}
	if !policy.Valid() {
		return nil, fmt.Errorf("intent contract: unknown policy %q", policy)
	}
	i := &IntentContract{Action: action, Policy: policy}
	for _, opt := range opts {
		opt(i)
	}
	if i.ConfidenceThreshold < 0 || i.ConfidenceThreshold > 1 {
		return nil, fmt.Errorf("intent contract: confidence threshold %v outside [0,1]", i.ConfidenceThreshold)
	}
	return i, nil
}
