// Package agent provides LLM client factory with middleware chain construction.
package agent

import (
	"fmt"

	"hdlforge/pkg/agent/internal/llmimpl/anthropic"
	"hdlforge/pkg/agent/internal/llmimpl/google"
	"hdlforge/pkg/agent/internal/llmimpl/ollama"
	"hdlforge/pkg/agent/internal/llmimpl/openaiofficial"
	"hdlforge/pkg/agent/llm"
	"hdlforge/pkg/agent/middleware/metrics"
	"hdlforge/pkg/agent/middleware/resilience/circuit"
	"hdlforge/pkg/agent/middleware/resilience/ratelimit"
	"hdlforge/pkg/agent/middleware/resilience/retry"
	"hdlforge/pkg/agent/middleware/resilience/timeout"
	"hdlforge/pkg/agent/middleware/validation"
	"hdlforge/pkg/config"
	"hdlforge/pkg/logx"
)

// ProviderClientFunc builds the raw client for a provider. Tests replace it to run the
// middleware chain against a scripted client.
type ProviderClientFunc func(provider, model, apiKey string, cfg config.LLMConfig) (llm.LLMClient, error)

// LLMClientFactory creates LLM clients with properly configured middleware chains.
// Circuit breakers and rate limiters are shared by every client the factory creates,
// so parallel experiments draw from one per-provider quota.
type LLMClientFactory struct {
	config          config.LLMConfig
	metricsRecorder metrics.Recorder
	circuitBreakers *circuit.Registry
	rateLimitMap    *ratelimit.ProviderLimiterMap
	newProvider     ProviderClientFunc
}

// FactoryOption customizes an LLMClientFactory.
type FactoryOption func(*LLMClientFactory)

// WithProviderClient overrides raw client construction.
func WithProviderClient(fn ProviderClientFunc) FactoryOption {
	return func(f *LLMClientFactory) { f.newProvider = fn }
}

// NewLLMClientFactory creates a new LLM client factory with the given configuration.
// A nil recorder disables metrics.
func NewLLMClientFactory(cfg config.LLMConfig, recorder metrics.Recorder, opts ...FactoryOption) *LLMClientFactory {
	if recorder == nil {
		recorder = metrics.Nop()
	}

	limit := ratelimit.Config{
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             max(1, int(cfg.RequestsPerSecond)),
		TokensPerMinute:   cfg.TokensPerMinute,
	}
	// Local models have no provider quota.
	rateLimitConfigs := map[string]ratelimit.Config{
		config.ProviderOllama: {},
	}

	f := &LLMClientFactory{
		config:          cfg,
		metricsRecorder: recorder,
		circuitBreakers: circuit.NewRegistry(circuit.DefaultConfig),
		rateLimitMap:    ratelimit.NewProviderLimiterMap(rateLimitConfigs, limit),
		newProvider:     newProviderClient,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Model returns the configured model name.
func (f *LLMClientFactory) Model() string {
	return f.config.Model
}

// CreateClient creates a client for the configured model with the full middleware chain.
// keyIndex selects among rotated API keys; scope labels the metrics of this client.
func (f *LLMClientFactory) CreateClient(scope metrics.Scope, keyIndex int, logger *logx.Logger) (llm.LLMClient, error) {
	modelName := f.config.Model
	provider := config.ProviderFor(modelName)

	apiKey, err := config.APIKey(provider, keyIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to get API key for provider %s: %w", provider, err)
	}

	rawClient, err := f.newProvider(provider, config.ModelID(modelName), apiKey, f.config)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logx.NewLogger(scope.Actor)
	}

	retryConfig := retry.DefaultConfig
	retryConfig.MaxAttempts = f.config.MaxAttempts
	retryPolicy := retry.NewPolicy(retryConfig, nil)

	// Build the middleware chain in the correct order:
	// Metrics -> CircuitBreaker -> Retry -> EmptyResponse -> RateLimit -> Timeout -> RawClient
	client := llm.Chain(rawClient,
		metrics.Middleware(f.metricsRecorder, nil, scope, logger),
		circuit.Middleware(provider, f.circuitBreakers.Get(provider)),
		retry.Middleware(retryPolicy, logger),
		validation.EmptyResponseMiddleware(logger),
		ratelimit.Middleware(f.rateLimitMap, provider, nil, f.metricsRecorder),
		timeout.Middleware(f.config.RequestTimeout),
	)
	return client, nil
}

func newProviderClient(provider, model, apiKey string, cfg config.LLMConfig) (llm.LLMClient, error) {
	switch provider {
	case config.ProviderAnthropic:
		return anthropic.NewClaudeClientWithModel(apiKey, model), nil
	case config.ProviderGoogle:
		return google.NewGeminiClientWithModel(apiKey, model), nil
	case config.ProviderOllama:
		return ollama.NewOllamaClientWithModel(cfg.OllamaHost, model), nil
	case config.ProviderOpenAI:
		return openaiofficial.NewOfficialClientWithModel(apiKey, model, cfg.BaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}
