package retry

import (
	"context"
	"fmt"
	"time"

	"hdlforge/pkg/agent/llm"
	"hdlforge/pkg/agent/llmerrors"
	"hdlforge/pkg/logx"
)

// Middleware returns a middleware function that wraps an LLM client with retry logic.
// Failed requests are retried according to the policy with exponential backoff. Running
// out of attempts on a retryable error yields a service_unavailable error.
func Middleware(policy *Policy, logger *logx.Logger) llm.Middleware {
	if logger == nil {
		logger = logx.NewLogger("retry")
	}
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				var lastErr error

				for attempt := 1; attempt <= policy.Config.MaxAttempts; attempt++ {
					if attempt > 1 {
						delay := policy.CalculateDelay(attempt)
						logger.Warn("⚠️ Retrying %s (attempt %d/%d) in %v: %v",
							next.GetModelName(), attempt, policy.Config.MaxAttempts, delay, lastErr)
						if delay > 0 {
							select {
							case <-ctx.Done():
								return llm.CompletionResponse{}, fmt.Errorf("retry cancelled: %w", ctx.Err())
							case <-time.After(delay):
							}
						}
					}

					resp, err := next.Complete(ctx, req)
					if err == nil {
						return resp, nil
					}
					lastErr = err

					if !policy.ShouldRetry(err) {
						return llm.CompletionResponse{}, err
					}
				}

				return llm.CompletionResponse{}, llmerrors.NewServiceUnavailableError(lastErr, policy.Config.MaxAttempts)
			},
			next.GetModelName,
		)
	}
}
