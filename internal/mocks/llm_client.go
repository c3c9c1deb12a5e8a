package mocks

import (
	"context"
	"strings"
	"sync"

	"hdlforge/pkg/agent/llm"
)

// Reply is one scripted completion: content, or an error.
type Reply struct {
	Content string
	Err     error
}

// MockLLMClient implements llm.LLMClient for testing.
//
//nolint:govet // fieldalignment: mock struct layout optimized for readability
type MockLLMClient struct {
	// CompleteFunc is called when Complete is invoked. Override to customize behavior.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error)

	// CompleteCalls tracks all calls to Complete for verification.
	CompleteCalls []llm.CompletionRequest

	// modelName is the model name returned by GetModelName.
	modelName string

	// mu protects call tracking slices
	mu sync.Mutex
}

// NewMockLLMClient creates a new mock LLM client that answers "Mock response".
func NewMockLLMClient() *MockLLMClient {
	m := &MockLLMClient{
		modelName: "mock-model",
	}
	m.RespondWith("Mock response")
	return m
}

// Complete implements llm.LLMClient.
func (m *MockLLMClient) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	m.mu.Lock()
	req.Messages = append([]llm.CompletionMessage(nil), req.Messages...)
	m.CompleteCalls = append(m.CompleteCalls, req)
	fn := m.CompleteFunc
	m.mu.Unlock()
	return fn(ctx, req)
}

// GetModelName implements llm.LLMClient.
func (m *MockLLMClient) GetModelName() string {
	return m.modelName
}

// --- Configuration methods ---

// SetModelName sets the model name returned by GetModelName.
func (m *MockLLMClient) SetModelName(name string) {
	m.modelName = name
}

// OnComplete sets a custom handler for Complete calls.
func (m *MockLLMClient) OnComplete(fn func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CompleteFunc = fn
}

// OnPrompt answers by inspecting the last user message, which is where the actors
// put the rendered template.
func (m *MockLLMClient) OnPrompt(fn func(prompt string) Reply) {
	m.OnComplete(func(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
		r := fn(LastUserMessage(req))
		if r.Err != nil {
			return llm.CompletionResponse{}, r.Err
		}
		return response(r.Content), nil
	})
}

// --- Error simulation helpers ---

// FailCompleteWith configures Complete to return the specified error.
func (m *MockLLMClient) FailCompleteWith(err error) {
	m.OnComplete(func(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
		return llm.CompletionResponse{}, err
	})
}

// --- Response helpers ---

// RespondWith configures Complete to return the specified content.
func (m *MockLLMClient) RespondWith(content string) {
	m.OnComplete(func(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
		return response(content), nil
	})
}

// RespondWithSequence returns the contents in order, repeating the last one for any additional calls.
func (m *MockLLMClient) RespondWithSequence(contents ...string) {
	replies := make([]Reply, len(contents))
	for i, c := range contents {
		replies[i] = Reply{Content: c}
	}
	m.Script(replies...)
}

// Script returns the replies in order, repeating the last one for any additional calls.
func (m *MockLLMClient) Script(replies ...Reply) {
	var (
		mu   sync.Mutex
		next int
	)
	m.OnComplete(func(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
		mu.Lock()
		r := replies[len(replies)-1]
		if next < len(replies) {
			r = replies[next]
			next++
		}
		mu.Unlock()
		if r.Err != nil {
			return llm.CompletionResponse{}, r.Err
		}
		return response(r.Content), nil
	})
}

func response(content string) llm.CompletionResponse {
	return llm.CompletionResponse{
		Content:    content,
		StopReason: "end_turn",
		Usage:      llm.Usage{InputTokens: 10, OutputTokens: len(strings.Fields(content))},
	}
}

// --- Verification helpers ---

// Reset clears all recorded calls.
func (m *MockLLMClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CompleteCalls = nil
}

// GetCompleteCallCount returns the number of times Complete was called.
func (m *MockLLMClient) GetCompleteCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.CompleteCalls)
}

// Prompts returns the last user message of every call, in call order.
func (m *MockLLMClient) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.CompleteCalls))
	for i := range m.CompleteCalls {
		out[i] = LastUserMessage(m.CompleteCalls[i])
	}
	return out
}

// LastCompleteCall returns the most recent Complete call request, or nil if none.
func (m *MockLLMClient) LastCompleteCall() *llm.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.CompleteCalls) == 0 {
		return nil
	}
	return &m.CompleteCalls[len(m.CompleteCalls)-1]
}

// AssertCompleteCalledWith verifies that Complete was called with messages containing the expected content.
func (m *MockLLMClient) AssertCompleteCalledWith(expectedContentSubstr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, call := range m.CompleteCalls {
		for _, msg := range call.Messages {
			if strings.Contains(msg.Content, expectedContentSubstr) {
				return true
			}
		}
	}
	return false
}

// GetNthCompleteCall returns the nth Complete call (0-indexed), or nil if not enough calls.
func (m *MockLLMClient) GetNthCompleteCall(n int) *llm.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 0 || n >= len(m.CompleteCalls) {
		return nil
	}
	return &m.CompleteCalls[n]
}

// LastUserMessage returns the content of the last user message of req, or "".
func LastUserMessage(req llm.CompletionRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == llm.RoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}
