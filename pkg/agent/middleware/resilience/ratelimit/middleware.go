package ratelimit

import (
	"context"

	"hdlforge/pkg/agent/llm"
	"hdlforge/pkg/agent/middleware/metrics"
)

// Middleware returns a middleware function that wraps an LLM client with rate limiting.
// It estimates token usage and waits on the provider's limiter before each request.
func Middleware(limiters *ProviderLimiterMap, provider string, estimator TokenEstimator, recorder metrics.Recorder) llm.Middleware {
	if estimator == nil {
		estimator = NewDefaultTokenEstimator()
	}
	if recorder == nil {
		recorder = metrics.Nop()
	}

	return func(next llm.LLMClient) llm.LLMClient {
		limiter := limiters.GetLimiter(provider)
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				model := next.GetModelName()
				tokens := estimator.EstimatePrompt(req) + req.MaxTokens

				waited, err := limiter.Wait(ctx, tokens)
				recorder.ObserveQueueWait(model, waited)
				if err != nil {
					recorder.IncThrottle(model, "rate_limit")
					return llm.CompletionResponse{}, err
				}

				return next.Complete(ctx, req) //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			next.GetModelName,
		)
	}
}
