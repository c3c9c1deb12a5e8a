package anthropic

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hdlforge/pkg/agent/llm"
	"hdlforge/pkg/agent/llmerrors"
)

func TestEnsureAlternation(t *testing.T) {
	tests := []struct {
		name         string
		input        []llm.CompletionMessage
		expectSystem string
		expectMsgLen int
		errContains  string
	}{
		{
			name:        "empty messages",
			input:       []llm.CompletionMessage{},
			errContains: "message list cannot be empty",
		},
		{
			name:        "only system",
			input:       []llm.CompletionMessage{llm.NewSystemMessage("x")},
			errContains: "at least one non-system message",
		},
		{
			name: "system messages extracted",
			input: []llm.CompletionMessage{
				llm.NewSystemMessage("You write Verilog"),
				llm.NewSystemMessage("Be terse"),
				llm.NewUserMessage("AND gate"),
			},
			expectSystem: "You write Verilog\n\nBe terse",
			expectMsgLen: 1,
		},
		{
			name: "alternation maintained",
			input: []llm.CompletionMessage{
				llm.NewUserMessage("AND gate"),
				llm.NewAssistantMessage("module and_gate..."),
				llm.NewUserMessage("fix the port list"),
			},
			expectMsgLen: 3,
		},
		{
			name: "consecutive user messages merged",
			input: []llm.CompletionMessage{
				llm.NewUserMessage("AND gate"),
				llm.NewUserMessage("with active-low reset"),
			},
			expectMsgLen: 1,
		},
		{
			name: "starts with assistant",
			input: []llm.CompletionMessage{
				llm.NewAssistantMessage("hi"),
				llm.NewUserMessage("AND gate"),
			},
			errContains: "first message must be user",
		},
		{
			name: "ends with assistant",
			input: []llm.CompletionMessage{
				llm.NewUserMessage("AND gate"),
				llm.NewAssistantMessage("module x"),
			},
			errContains: "last message must be user",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			system, msgs, err := ensureAlternation(tt.input)
			if tt.errContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectSystem, system)
			assert.Len(t, msgs, tt.expectMsgLen)
		})
	}
}

func TestMergedUserContent(t *testing.T) {
	_, msgs, err := ensureAlternation([]llm.CompletionMessage{
		llm.NewUserMessage("a"), llm.NewUserMessage("b"),
	})
	require.NoError(t, err)
	assert.Equal(t, "a\n\nb", msgs[0].Content)
}

func TestClassifyErrorFallsBackToText(t *testing.T) {
	err := classifyError(errors.New("dial tcp: connection refused"))
	assert.Equal(t, llmerrors.ErrorTypeTransient, err.Type)
}

func TestGetModelName(t *testing.T) {
	c := NewClaudeClientWithModel("sk-test", "claude-3-5-sonnet-latest")
	assert.Equal(t, "claude-3-5-sonnet-latest", c.GetModelName())
}
