// Copyright 2026 The Healgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package cost estimates token usage and converts provider usage into USD.
// Every provider call flows through here so the circuit breaker's daily
// budget sees real spend, not guesses, whenever the backend reports usage.
package cost

import (
	"github.com/tiktoken-go/tokenizer"
)

// Estimator counts tokens in prompt and response text. It prefers the
// cl100k BPE vocabulary and falls back to a word-count approximation when
// the tokenizer is unavailable.
type Estimator struct {
	codec tokenizer.Codec
}

// NewEstimator creates a token estimator.
func NewEstimator() *Estimator {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		// Approximation only; Count degrades gracefully.
		return &Estimator{}
	}
	return &Estimator{codec: codec}
}

// Count returns the estimated token count for the given text.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	if e.codec != nil {
		if n, err := e.codec.Count(text); err == nil {
			return n
		}
	}
	return approximateTokens(text)
}

// approximateTokens uses a word count * 1.3 approximation.
// Most tokenizers produce ~1.3 tokens per word on average.
func approximateTokens(text string) int {
	wordCount := 0
	inWord := false
	for _, r := range text {
		isSpace := r == ' ' || r == '\t' || r == '\n' || r == '\r'
		if isSpace {
			inWord = false
		} else if !inWord {
			wordCount++
			inWord = true
		}
	}
	return int(float64(wordCount) * 1.3)
}
