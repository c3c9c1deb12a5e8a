// Package ratelimit provides rate limiting for LLM clients. Parallel experiments share
// one limiter per provider so a batch cannot exceed the provider's quota.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"hdlforge/pkg/agent/llm"
	"hdlforge/pkg/utils"
)

// Config defines rate limiting configuration for a provider.
type Config struct {
	RequestsPerSecond float64 `json:"requests_per_second"` // Sustained request rate; <= 0 disables request limiting
	Burst             int     `json:"burst"`               // Requests allowed at once
	TokensPerMinute   int     `json:"tokens_per_minute"`   // Token budget; <= 0 disables token limiting
}

// TokenEstimator estimates the number of tokens needed for a request.
type TokenEstimator interface {
	// EstimatePrompt estimates the number of prompt tokens for a request.
	EstimatePrompt(req llm.CompletionRequest) int
}

// DefaultTokenEstimator provides token estimation using TikToken.
type DefaultTokenEstimator struct{}

// NewDefaultTokenEstimator creates a new default token estimator.
func NewDefaultTokenEstimator() TokenEstimator {
	return &DefaultTokenEstimator{}
}

// EstimatePrompt estimates prompt tokens using TikToken-based counting.
func (e *DefaultTokenEstimator) EstimatePrompt(req llm.CompletionRequest) int {
	var prompt strings.Builder
	for i := range req.Messages {
		prompt.WriteString(req.Messages[i].Content)
		prompt.WriteByte('\n')
	}
	return utils.CountTokensSimple(prompt.String())
}

// Limiter gates requests for a single provider.
type Limiter struct {
	requests *rate.Limiter
	tokens   *rate.Limiter
	provider string
}

// NewLimiter creates a limiter from cfg.
func NewLimiter(provider string, cfg Config) *Limiter {
	l := &Limiter{provider: provider}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		l.requests = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	if cfg.TokensPerMinute > 0 {
		l.tokens = rate.NewLimiter(rate.Limit(float64(cfg.TokensPerMinute)/60.0), cfg.TokensPerMinute)
	}
	return l
}

// Wait blocks until a request of the given token size may proceed. It reports how long
// the caller waited.
func (l *Limiter) Wait(ctx context.Context, tokens int) (time.Duration, error) {
	start := time.Now()
	if l.requests != nil {
		if err := l.requests.Wait(ctx); err != nil {
			return time.Since(start), fmt.Errorf("%s request limiter: %w", l.provider, err)
		}
	}
	if l.tokens != nil && tokens > 0 {
		if tokens > l.tokens.Burst() {
			tokens = l.tokens.Burst()
		}
		if err := l.tokens.WaitN(ctx, tokens); err != nil {
			return time.Since(start), fmt.Errorf("%s token limiter: %w", l.provider, err)
		}
	}
	return time.Since(start), nil
}

// ProviderLimiterMap manages one limiter per provider.
type ProviderLimiterMap struct {
	limiters map[string]*Limiter
	configs  map[string]Config
	fallback Config
	mu       sync.Mutex
}

// NewProviderLimiterMap creates a map whose providers use configs, and fallback for others.
func NewProviderLimiterMap(configs map[string]Config, fallback Config) *ProviderLimiterMap {
	return &ProviderLimiterMap{
		limiters: make(map[string]*Limiter),
		configs:  configs,
		fallback: fallback,
	}
}

// GetLimiter returns the limiter for a provider, creating it on first use.
func (m *ProviderLimiterMap) GetLimiter(provider string) *Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.limiters[provider]; ok {
		return l
	}
	cfg, ok := m.configs[provider]
	if !ok {
		cfg = m.fallback
	}
	l := NewLimiter(provider, cfg)
	m.limiters[provider] = l
	return l
}
