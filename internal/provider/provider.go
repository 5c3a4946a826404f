// Copyright 2026 The Healgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package provider defines the LLM backend abstraction used by the
// evaluation pipeline. Concrete backends live in subpackages and register
// themselves by name; the pipeline resolves them case-insensitively and
// never needs to know which SDK sits behind a name.
package provider

import (
	"context"
	"errors"
	"time"
)

// ErrUnknownProvider is returned by Resolve for names that were never
// registered. Callers branch on it to distinguish configuration errors
// from provider failures.
var ErrUnknownProvider = errors.New("unknown provider")

// Request is a single-shot text completion request.
type Request struct {
	// Model is the backend-specific model identifier.
	Model string

	// SystemPrompt and UserPrompt carry the rendered evaluation prompt.
	SystemPrompt string
	UserPrompt   string

	// Temperature in [0,2]; zero means backend default.
	Temperature float64

	// MaxTokens bounds the response length. Zero means backend default.
	MaxTokens int

	// Timeout bounds the whole call. Zero means rely on ctx alone.
	Timeout time.Duration
}

// Response is the backend's reply.
type Response struct {
	// Text is the raw completion text, before any JSON extraction.
	Text string

	// InputTokens and OutputTokens are the usage counts reported by the
	// backend, or zero when it reports none.
	InputTokens  int
	OutputTokens int

	// Model is the model that actually served the request, when the
	// backend reports it; otherwise the requested model.
	Model string
}

// Provider is a single LLM backend capable of one-shot completions.
type Provider interface {
	// Identifier returns the stable registry name ("openai", "static", ...).
	Identifier() string

	// Available reports whether the backend is currently usable.
	Available(ctx context.Context) bool

	// Complete performs a single text completion.
	Complete(ctx context.Context, req Request) (*Response, error)
}
