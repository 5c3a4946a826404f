// Copyright 2026 The Healgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package guard

import (
	"strings"
	"testing"
)

func TestNew_InvalidURLPattern(t *testing.T) {
	_, err := New(Config{ForbiddenURLPatterns: []string{"[unclosed"}})
	if err == nil {
		t.Fatal("expected an error for an invalid regex")
	}
	if !strings.Contains(err.Error(), "[unclosed") {
		t.Errorf("error should name the bad pattern, got %v", err)
	}
}

func TestNew_InvalidRule(t *testing.T) {
	cases := []struct {
		name string
		rule string
	}{
		{"syntax error", "Confidence >"},
		{"unknown field", "Price > 3"},
		{"non boolean", "Confidence + 1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(Config{CustomRules: []string{tc.rule}}); err == nil {
				t.Errorf("rule %q should fail at load", tc.rule)
			}
		})
	}
}

func TestCheckURL(t *testing.T) {
	g, err := New(Config{ForbiddenURLPatterns: []string{`.*/admin/.*`, `.*\.bank\.com.*`}})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		url     string
		blocked bool
	}{
		{"https://app.test/admin/users", true},
		{"https://portal.bank.com/login", true},
		{"https://app.test/login", false},
		{"", false},
	}
	for _, tc := range cases {
		blocked, reason := g.CheckURL(tc.url)
		if blocked != tc.blocked {
			t.Errorf("CheckURL(%q) = %v, want %v", tc.url, blocked, tc.blocked)
		}
		if blocked && reason == "" {
			t.Errorf("CheckURL(%q) blocked without a reason", tc.url)
		}
	}
}

func TestCheckTexts(t *testing.T) {
	g, err := New(Config{ForbiddenKeywords: []string{"delete", "Purchase"}})
	if err != nil {
		t.Fatal(err)
	}

	if blocked, _ := g.CheckTexts([]string{"Save draft", "Cancel"}); blocked {
		t.Error("benign texts should pass")
	}

	blocked, reason := g.CheckTexts([]string{"Save draft", "DELETE account"})
	if !blocked {
		t.Fatal("keyword match must block regardless of case")
	}
	if !strings.Contains(reason, "delete") {
		t.Errorf("reason should name the keyword, got %q", reason)
	}

	if blocked, _ := g.CheckText("Confirm purchase"); !blocked {
		t.Error("substring match must block")
	}
}

func TestCheckTexts_EmptyConfigAllowsEverything(t *testing.T) {
	g, err := New(Config{})
	if err != nil {
		t.Fatal(err)
	}
	if blocked, _ := g.CheckTexts([]string{"Delete everything", "DROP TABLE"}); blocked {
		t.Error("an empty keyword list must not block")
	}
	if blocked, _ := g.CheckURL("https://evil.test"); blocked {
		t.Error("an empty pattern list must not block")
	}
}

func TestCheckRules(t *testing.T) {
	g, err := New(Config{CustomRules: []string{
		`Destructive && Confidence < 0.99`,
		`Action == "click" && Tag == "a" && URL contains "billing"`,
	}})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name    string
		ctx     RuleContext
		blocked bool
	}{
		{
			"destructive below bar",
			RuleContext{Action: "click", Destructive: true, Confidence: 0.9},
			true,
		},
		{
			"destructive at full confidence",
			RuleContext{Action: "click", Destructive: true, Confidence: 0.99},
			false,
		},
		{
			"billing link",
			RuleContext{URL: "https://app.test/billing/plan", Action: "click", Tag: "a", Confidence: 0.95},
			true,
		},
		{
			"plain button",
			RuleContext{URL: "https://app.test/login", Action: "click", Tag: "button", Confidence: 0.95},
			false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			blocked, reason := g.CheckRules(tc.ctx)
			if blocked != tc.blocked {
				t.Errorf("CheckRules = %v (%s), want %v", blocked, reason, tc.blocked)
			}
		})
	}
}

func TestMinConfidence_Clamped(t *testing.T) {
	g, err := New(Config{MinConfidence: 1.7})
	if err != nil {
		t.Fatal(err)
	}
	if got := g.MinConfidence(); got != 1 {
		t.Errorf("MinConfidence = %v, want clamp to 1", got)
	}

	g2, _ := New(Config{MinConfidence: -0.2})
	if got := g2.MinConfidence(); got != 0 {
		t.Errorf("MinConfidence = %v, want clamp to 0", got)
	}
}

func TestReload_KeepsOldRulesOnError(t *testing.T) {
	g, err := New(Config{ForbiddenKeywords: []string{"delete"}})
	if err != nil {
		t.Fatal(err)
	}

	if err := g.Reload(Config{ForbiddenURLPatterns: []string{"[bad"}}); err == nil {
		t.Fatal("expected reload to fail")
	}
	if blocked, _ := g.CheckText("delete row"); !blocked {
		t.Error("failed reload must keep the previous rule set")
	}

	if err := g.Reload(Config{ForbiddenKeywords: []string{"purchase"}}); err != nil {
		t.Fatal(err)
	}
	if blocked, _ := g.CheckText("delete row"); blocked {
		t.Error("successful reload must replace the rule set")
	}
	if blocked, _ := g.CheckText("purchase now"); !blocked {
		t.Error("new keywords must be active after reload")
	}
}
