// Copyright 2026 The Healgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package guard implements the guardrail evaluator: non-negotiable safety
// rules that run independently of provider output. A guardrail match always
// refuses the heal; it is never recorded as a breaker failure.
package guard

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Config holds the guardrail rule set. All fields are optional; an empty
// config allows everything above confidence zero.
type Config struct {
	// ForbiddenURLPatterns are regular expressions matched against the page
	// URL before any provider call. Invalid patterns are load errors.
	ForbiddenURLPatterns []string
	// ForbiddenKeywords are case-insensitive substrings matched against
	// candidate element texts.
	ForbiddenKeywords []string
	// MinConfidence is the floor applied to every accepted decision.
	MinConfidence float64
	// CustomRules are expr expressions evaluated post-decision against a
	// RuleContext. A rule returning true refuses the heal.
	CustomRules []string
}

// RuleContext is the environment visible to custom rules.
type RuleContext struct {
	URL         string
	Action      string
	Destructive bool
	Confidence  float64
	Tag         string
	Text        string
	AriaRole    string
}

type customRule struct {
	source  string
	program *vm.Program
}

// Guardrail evaluates the configured safety rules. It is safe for
// concurrent use; Reload swaps the rule set atomically under the lock.
type Guardrail struct {
	mu            sync.RWMutex
	urlPatterns   []*regexp.Regexp
	keywords      []string
	minConfidence float64
	rules         []customRule
}

// New compiles the configured patterns and rules into a Guardrail.
// Invalid regexes and invalid or non-boolean expr rules are returned as
// errors so misconfiguration is caught at load, not at heal time.
func New(cfg Config) (*Guardrail, error) {
	g := &Guardrail{}
	if err := g.Reload(cfg); err != nil {
		return nil, err
	}
	return g, nil
}

// Reload replaces the active rule set. On error the previous rule set is
// kept, so a bad hot-reload never drops guardrails.
func (g *Guardrail) Reload(cfg Config) error {
	patterns := make([]*regexp.Regexp, 0, len(cfg.ForbiddenURLPatterns))
	for _, p := range cfg.ForbiddenURLPatterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("invalid forbidden URL pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	keywords := make([]string, 0, len(cfg.ForbiddenKeywords))
	for _, k := range cfg.ForbiddenKeywords {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		keywords = append(keywords, strings.ToLower(k))
	}

	rules := make([]customRule, 0, len(cfg.CustomRules))
	for _, src := range cfg.CustomRules {
		if strings.TrimSpace(src) == "" {
			continue
		}
		program, err := expr.Compile(src, expr.Env(RuleContext{}), expr.AsBool())
		if err != nil {
			return fmt.Errorf("invalid guardrail rule %q: %w", src, err)
		}
		rules = append(rules, customRule{source: src, program: program})
	}

	minConfidence := cfg.MinConfidence
	if minConfidence < 0 {
		minConfidence = 0
	}
	if minConfidence > 1 {
		minConfidence = 1
	}

	g.mu.Lock()
	g.urlPatterns = patterns
	g.keywords = keywords
	g.minConfidence = minConfidence
	g.rules = rules
	g.mu.Unlock()
	return nil
}

// MinConfidence returns the configured confidence floor.
func (g *Guardrail) MinConfidence() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.minConfidence
}

// CheckURL matches the page URL against the forbidden URL patterns.
// Returns true and the matched pattern if the URL is blocked.
func (g *Guardrail) CheckURL(pageURL string) (blocked bool, reason string) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, re := range g.urlPatterns {
		if re.MatchString(pageURL) {
			return true, fmt.Sprintf("page URL matches forbidden pattern '%s'", re.String())
		}
	}
	return false, ""
}

// CheckText matches a single candidate text against the forbidden
// keywords. Matching is a case-insensitive substring check.
func (g *Guardrail) CheckText(text string) (blocked bool, reason string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.checkTextLocked(text)
}

// CheckTexts scans every candidate text before any provider call.
// One match blocks the whole attempt.
func (g *Guardrail) CheckTexts(texts []string) (blocked bool, reason string) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, text := range texts {
		if blocked, reason := g.checkTextLocked(text); blocked {
			return true, reason
		}
	}
	return false, ""
}

func (g *Guardrail) checkTextLocked(text string) (bool, string) {
	textLower := strings.ToLower(text)
	for _, keyword := range g.keywords {
		if strings.Contains(textLower, keyword) {
			return true, fmt.Sprintf("element text contains forbidden keyword '%s'", keyword)
		}
	}
	return false, ""
}

// CheckRules evaluates the custom expr rules against the given context.
// A rule that errors at run time blocks the heal rather than silently
// allowing it.
func (g *Guardrail) CheckRules(ctx RuleContext) (blocked bool, reason string) {
	g.mu.RLock()
	rules := g.rules
	g.mu.RUnlock()

	for _, rule := range rules {
		output, err := expr.Run(rule.program, ctx)
		if err != nil {
			return true, fmt.Sprintf("guardrail rule '%s' failed to evaluate: %v", rule.source, err)
		}
		if matched, ok := output.(bool); ok && matched {
			return true, fmt.Sprintf("blocked by guardrail rule '%s'", rule.source)
		}
	}
	return false, ""
}
