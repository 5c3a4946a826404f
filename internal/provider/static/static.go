// Copyright 2026 The Healgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package static implements a deterministic canned-response backend used
// by tests and dry runs. It never performs network I/O.
package static

import (
	"context"
	"sync"

	"github.com/healgate/healgate/internal/provider"
)

// Provider replays configured responses in order. Once the responses are
// exhausted the last one repeats. It records every request it receives so
// tests can assert on call counts and prompt contents.
type Provider struct {
	name        string
	responses   []string
	err         error
	unavailable bool
	usageIn     int
	usageOut    int

	mu       sync.Mutex
	calls    int
	requests []provider.Request
}

// Option configures the static provider.
type Option func(*Provider)

// WithIdentifier overrides the registry name. Useful when a test needs
// several static backends in one registry.
func WithIdentifier(name string) Option {
	return func(p *Provider) {
		p.name = name
	}
}

// WithResponses sets the canned completion texts, returned in order.
func WithResponses(texts ...string) Option {
	return func(p *Provider) {
		p.responses = texts
	}
}

// WithError makes every Complete call fail with err.
func WithError(err error) Option {
	return func(p *Provider) {
		p.err = err
	}
}

// WithUsage sets the token usage reported on every response.
func WithUsage(inputTokens, outputTokens int) Option {
	return func(p *Provider) {
		p.usageIn = inputTokens
		p.usageOut = outputTokens
	}
}

// WithUnavailable makes Available report false.
func WithUnavailable() Option {
	return func(p *Provider) {
		p.unavailable = true
	}
}

// New creates a static provider.
func New(opts ...Option) *Provider {
	p := &Provider{name: "static"}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Identifier() string { return p.name }

func (p *Provider) Available(_ context.Context) bool {
	return !p.unavailable
}

// Complete returns the next canned response, or the configured error.
func (p *Provider) Complete(ctx context.Context, req provider.Request) (*provider.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if p.err != nil {
		return nil, p.err
	}

	text := ""
	if len(p.responses) > 0 {
		if idx >= len(p.responses) {
			idx = len(p.responses) - 1
		}
		text = p.responses[idx]
	}

	model := req.Model
	if model == "" {
		model = "static-model"
	}

	return &provider.Response{
		Text:         text,
		InputTokens:  p.usageIn,
		OutputTokens: p.usageOut,
		Model:        model,
	}, nil
}

// CallCount returns how many times Complete was invoked.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Requests returns a copy of every request received so far.
func (p *Provider) Requests() []provider.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]provider.Request, len(p.requests))
	copy(out, p.requests)
	return out
}
