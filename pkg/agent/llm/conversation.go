package llm

import (
	"context"
	"fmt"
	"slices"
)

// Conversation keeps the running message history of one actor against one client.
// Each Ask appends the prompt and the reply, so later questions see earlier answers.
type Conversation struct {
	client      LLMClient
	system      string
	history     []CompletionMessage
	maxTokens   int
	temperature float32
}

// NewConversation starts an empty conversation with an optional system prompt.
func NewConversation(client LLMClient, system string) *Conversation {
	return &Conversation{
		client:      client,
		system:      system,
		maxTokens:   DefaultMaxTokens,
		temperature: TemperatureDefault,
	}
}

// WithSampling overrides token budget and temperature. Zero values keep the defaults.
func (c *Conversation) WithSampling(maxTokens int, temperature float32) *Conversation {
	if maxTokens > 0 {
		c.maxTokens = maxTokens
	}
	if temperature > 0 {
		c.temperature = temperature
	}
	return c
}

// Add appends a message without calling the model.
func (c *Conversation) Add(msg CompletionMessage) {
	c.history = append(c.history, msg)
}

// Ask sends prompt with the accumulated history and records the reply.
// A failed call leaves the history unchanged.
func (c *Conversation) Ask(ctx context.Context, prompt string) (string, error) {
	return c.AskWith(ctx, prompt, c.temperature)
}

// AskWith is Ask at a specific temperature.
func (c *Conversation) AskWith(ctx context.Context, prompt string, temperature float32) (string, error) {
	messages := make([]CompletionMessage, 0, len(c.history)+2)
	if c.system != "" {
		messages = append(messages, NewSystemMessage(c.system))
	}
	messages = append(messages, c.history...)
	messages = append(messages, NewUserMessage(prompt))

	req := NewCompletionRequest(messages)
	req.MaxTokens = c.maxTokens
	req.Temperature = temperature

	resp, err := c.client.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("completion with %s failed: %w", c.client.GetModelName(), err)
	}

	c.history = append(c.history, NewUserMessage(prompt), NewAssistantMessage(resp.Content))
	return resp.Content, nil
}

// History returns a copy of the recorded messages, excluding the system prompt.
func (c *Conversation) History() []CompletionMessage {
	return slices.Clone(c.history)
}

// Len returns the number of recorded messages.
func (c *Conversation) Len() int {
	return len(c.history)
}
