// Copyright 2026 The Healgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// ParseError reports an evaluator reply that could not be converted into
// a decision or outcome verdict.
type ParseError struct {
	// Provider and Model name the backend that produced the reply.
	Provider string
	Model    string

	// Reason says what was wrong with the reply.
	Reason string

	// Snippet is a truncated excerpt of the offending text.
	Snippet string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %s/%s reply: %s (snippet: %q)", e.Provider, e.Model, e.Reason, e.Snippet)
}

// ProviderCallError reports that one provider target failed after
// exhausting its retry budget.
type ProviderCallError struct {
	// Provider and Model name the failing target.
	Provider string
	Model    string

	// Attempts is the number of calls actually made.
	Attempts int

	// Err is the last error seen.
	Err error
}

func (e *ProviderCallError) Error() string {
	return fmt.Sprintf("provider %s/%s failed after %d attempt(s): %v", e.Provider, e.Model, e.Attempts, e.Err)
}

func (e *ProviderCallError) Unwrap() error { return e.Err }

// FallbackExhaustedError reports that the primary provider and every
// configured fallback failed. It aggregates the per-target causes.
type FallbackExhaustedError struct {
	// Targets lists the provider/model pairs tried, in order.
	Targets []string

	// CostUSD is the spend incurred before exhaustion. Calls can return
	// responses that fail parsing, so failed attempts still cost money.
	CostUSD float64

	err error
}

func newFallbackExhausted(targets []string, causes []error, costUSD float64) *FallbackExhaustedError {
	return &FallbackExhaustedError{Targets: targets, CostUSD: costUSD, err: errors.Join(causes...)}
}

func (e *FallbackExhaustedError) Error() string {
	return fmt.Sprintf("all providers failed (%s): %v", strings.Join(e.Targets, ", "), e.err)
}

func (e *FallbackExhaustedError) Unwrap() error { return e.err }

// snippet truncates text for inclusion in error messages.
func snippet(s string) string {
	const max = 160
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
