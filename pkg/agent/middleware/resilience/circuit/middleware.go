package circuit

import (
	"context"
	"errors"

	"hdlforge/pkg/agent/llm"
	"hdlforge/pkg/agent/llmerrors"
)

// Middleware returns a middleware function that wraps an LLM client with circuit breaker logic.
// If the circuit is OPEN, requests are rejected immediately with a service_unavailable error.
// Only exhausted retries count as failures; auth and prompt errors mean the service answered.
func Middleware(provider string, breaker *Breaker) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				if !breaker.Allow() {
					cbErr := &Error{Provider: provider, State: breaker.GetState()}
					return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeServiceUnavailable, cbErr, cbErr.Error())
				}

				resp, err := next.Complete(ctx, req)
				if err == nil || !errors.Is(err, context.Canceled) {
					breaker.Record(err == nil || !llmerrors.Is(err, llmerrors.ErrorTypeServiceUnavailable))
				}

				return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			next.GetModelName,
		)
	}
}
