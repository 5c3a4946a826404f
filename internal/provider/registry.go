// Copyright 2026 The Healgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package provider

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry manages provider registration and lookup. Names are
// case-insensitive: "OpenAI" and "openai" resolve to the same backend.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider under its identifier. A later registration
// with the same name replaces the earlier one.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return fmt.Errorf("cannot register a nil provider")
	}
	name := normalizeName(p.Identifier())
	if name == "" {
		return fmt.Errorf("cannot register a provider with an empty identifier")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
	return nil
}

// Resolve retrieves a provider by name, ignoring case and surrounding
// whitespace. Unknown names return ErrUnknownProvider.
func (r *Registry) Resolve(name string) (Provider, error) {
	key := normalizeName(name)

	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
