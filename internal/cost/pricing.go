// Copyright 2026 The Healgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cost

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	yaml "github.com/goccy/go-yaml"
)

// Rate is the USD price per 1K input and output tokens for one model
// family.
type Rate struct {
	InputPer1K  float64 `yaml:"input_per_1k" json:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k" json:"output_per_1k"`
}

// pricingFile is the YAML shape of an external pricing table.
type pricingFile struct {
	Default Rate            `yaml:"default"`
	Models  map[string]Rate `yaml:"models"`
}

// Pricing maps model name prefixes to rates. Lookup tries an exact match,
// then the longest matching prefix, then the default rate, so versioned
// model names ("gpt-4o-2025-01-01") price like their family.
type Pricing struct {
	mu          sync.RWMutex
	rates       map[string]Rate
	defaultRate Rate
}

// defaultRates are the built-in prices used when no pricing file is
// configured. Values are spot prices and drift; teams that care pin a
// pricing file.
var defaultRates = map[string]Rate{
	"gpt-4o":           {InputPer1K: 0.0025, OutputPer1K: 0.01},
	"gpt-4o-mini":      {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-4.1":          {InputPer1K: 0.002, OutputPer1K: 0.008},
	"gpt-4.1-mini":     {InputPer1K: 0.0004, OutputPer1K: 0.0016},
	"claude-opus-4":    {InputPer1K: 0.015, OutputPer1K: 0.075},
	"claude-sonnet-4":  {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-5-haiku": {InputPer1K: 0.0008, OutputPer1K: 0.004},
	"gemini-2.5-pro":   {InputPer1K: 0.00125, OutputPer1K: 0.01},
	"gemini-2.5-flash": {InputPer1K: 0.0003, OutputPer1K: 0.0025},
	"gemini-2.0-flash": {InputPer1K: 0.0001, OutputPer1K: 0.0004},
}

// DefaultPricing returns a pricing table seeded with the built-in rates.
func DefaultPricing() *Pricing {
	rates := make(map[string]Rate, len(defaultRates))
	for k, v := range defaultRates {
		rates[k] = v
	}
	return &Pricing{
		rates:       rates,
		defaultRate: Rate{InputPer1K: 0.001, OutputPer1K: 0.002},
	}
}

// LoadPricing reads a YAML pricing table from path, merged over the
// built-in defaults.
func LoadPricing(path string) (*Pricing, error) {
	p := DefaultPricing()
	if err := p.Reload(path); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads the pricing file and swaps the table in place. On error
// the previous table is kept.
func (p *Pricing) Reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read pricing file: %w", err)
	}

	var file pricingFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse pricing file: %w", err)
	}

	rates := make(map[string]Rate, len(defaultRates)+len(file.Models))
	for k, v := range defaultRates {
		rates[k] = v
	}
	for model, rate := range file.Models {
		rates[strings.ToLower(strings.TrimSpace(model))] = rate
	}

	p.mu.Lock()
	p.rates = rates
	if file.Default.InputPer1K > 0 || file.Default.OutputPer1K > 0 {
		p.defaultRate = file.Default
	}
	p.mu.Unlock()
	return nil
}

// Rate returns the rate for the given model. Exact match first, then the
// longest matching prefix, then the default rate.
func (p *Pricing) Rate(model string) Rate {
	model = strings.ToLower(strings.TrimSpace(model))

	p.mu.RLock()
	defer p.mu.RUnlock()

	if rate, ok := p.rates[model]; ok {
		return rate
	}

	bestLen := 0
	best := p.defaultRate
	for prefix, rate := range p.rates {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			bestLen = len(prefix)
			best = rate
		}
	}
	return best
}

// Cost converts a token usage pair into USD for the given model.
func (p *Pricing) Cost(model string, inputTokens, outputTokens int) float64 {
	rate := p.Rate(model)
	return rate.InputPer1K*float64(inputTokens)/1000 + rate.OutputPer1K*float64(outputTokens)/1000
}

// Models returns the known model prefixes in sorted order.
func (p *Pricing) Models() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.rates))
	for name := range p.rates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
