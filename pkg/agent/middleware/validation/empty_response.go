// Package validation provides response validation middleware for LLM clients.
package validation

import (
	"context"
	"strings"

	"hdlforge/pkg/agent/llm"
	"hdlforge/pkg/agent/llmerrors"
	"hdlforge/pkg/logx"
)

const guidanceMessage = "No response received. Please answer the previous request in full."

// EmptyResponseMiddleware retries a blank completion once with a guidance message appended.
// A second blank reply becomes an empty_response error for the actor to handle.
func EmptyResponseMiddleware(logger *logx.Logger) llm.Middleware {
	if logger == nil {
		logger = logx.NewLogger("empty-response-validator")
	}
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				const maxEmptyAttempts = 2

				for attempt := 1; attempt <= maxEmptyAttempts; attempt++ {
					resp, err := next.Complete(ctx, req)
					if err != nil && !llmerrors.Is(err, llmerrors.ErrorTypeEmptyResponse) {
						//nolint:wrapcheck // Middleware intentionally passes through errors unchanged
						return resp, err
					}
					if err == nil && strings.TrimSpace(resp.Content) != "" {
						return resp, nil
					}

					logger.Warn("⚠️ EMPTY RESPONSE DETECTED (attempt %d/%d) from %s", attempt, maxEmptyAttempts, next.GetModelName())
					if attempt == 1 {
						retried := req
						retried.Messages = append(append([]llm.CompletionMessage(nil), req.Messages...), llm.NewUserMessage(guidanceMessage))
						req = retried
					}
				}

				return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse,
					"received empty response after guidance")
			},
			next.GetModelName,
		)
	}
}
