// Package utils provides tiktoken-based token counting utilities.
package utils

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter counts tokens with a cl100k (GPT-4) codec. Other providers tokenize
// differently; the count is an estimate for them.
type TokenCounter struct {
	codec tokenizer.Codec
}

//nolint:gochecknoglobals // shared codec, loading it is expensive
var (
	defaultCounter     *TokenCounter
	defaultCounterOnce sync.Once
)

// NewTokenCounter creates a new token counter. The model name only selects the codec
// family; every model currently maps to the GPT-4 encoding.
func NewTokenCounter(model string) (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the number of tokens in the given text.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.codec == nil {
		return len(text) / 4
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

func shared() *TokenCounter {
	defaultCounterOnce.Do(func() {
		tc, err := NewTokenCounter("gpt-4")
		if err == nil {
			defaultCounter = tc
		}
	})
	return defaultCounter
}

// CountTokensSimple counts tokens with the shared GPT-4 counter.
func CountTokensSimple(text string) int {
	return shared().CountTokens(text)
}

// TruncateToTokenLimit truncates text to fit within the specified token limit.
// It cuts by characters proportionally, so the result is approximate.
func (tc *TokenCounter) TruncateToTokenLimit(text string, limit int) string {
	currentTokens := tc.CountTokens(text)
	if currentTokens <= limit {
		return text
	}

	ratio := float64(limit) / float64(currentTokens)
	charLimit := int(float64(len(text)) * ratio * 0.9)
	if charLimit >= len(text) {
		return text
	}
	return text[:charLimit] + "..."
}

// TruncateMiddle keeps the head and tail of a long diagnostic within limit tokens.
// Compiler output puts the first error at the top and the summary at the bottom.
func TruncateMiddle(text string, limit int) string {
	tc := shared()
	total := tc.CountTokens(text)
	if total <= limit || limit <= 0 {
		return text
	}

	keep := int(float64(len(text)) * float64(limit) / float64(total) * 0.45)
	if keep <= 0 || 2*keep >= len(text) {
		return text
	}
	omitted := strings.Count(text[keep:len(text)-keep], "\n")
	return fmt.Sprintf("%s\n... [%d lines omitted] ...\n%s", text[:keep], omitted, text[len(text)-keep:])
}
