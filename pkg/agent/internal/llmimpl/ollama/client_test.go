package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ollama/ollama/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hdlforge/pkg/agent/llm"
	"hdlforge/pkg/agent/llmerrors"
)

func TestNewOllamaClientFallsBackToDefaultHost(t *testing.T) {
	c, ok := NewOllamaClientWithModel("::not a url", "qwen2.5-coder").(*Client)
	require.True(t, ok)
	assert.Equal(t, DefaultHost, c.hostURL)
	assert.Equal(t, "qwen2.5-coder", c.GetModelName())
}

func TestConvertMessagesToOllama(t *testing.T) {
	_, err := convertMessagesToOllama(nil)
	require.Error(t, err)

	msgs, err := convertMessagesToOllama([]llm.CompletionMessage{
		llm.NewSystemMessage("s"), llm.NewUserMessage("u"),
	})
	require.NoError(t, err)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "u", msgs[1].Content)
}

func TestGetStopReason(t *testing.T) {
	tests := []struct {
		resp api.ChatResponse
		want string
	}{
		{api.ChatResponse{Done: false}, "incomplete"},
		{api.ChatResponse{Done: true, DoneReason: "stop"}, "end_turn"},
		{api.ChatResponse{Done: true}, "end_turn"},
		{api.ChatResponse{Done: true, DoneReason: "length"}, "max_tokens"},
		{api.ChatResponse{Done: true, DoneReason: "load"}, "load"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, getStopReason(&tt.resp))
	}
}

func TestClassifyError(t *testing.T) {
	assert.Nil(t, classifyError(nil))
	assert.True(t, llmerrors.Is(classifyError(errors.New("dial tcp: connection refused")), llmerrors.ErrorTypeTransient))
	assert.True(t, llmerrors.Is(classifyError(errors.New(`model "x" not found`)), llmerrors.ErrorTypeBadPrompt))
	assert.ErrorIs(t, classifyError(context.Canceled), context.Canceled)
}

func TestCompleteAgainstFakeServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		var req api.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := api.ChatResponse{
			Model:      req.Model,
			Message:    api.Message{Role: "assistant", Content: "module and_gate(); endmodule"},
			Done:       true,
			DoneReason: "stop",
		}
		resp.PromptEvalCount = 11
		resp.EvalCount = 6
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewOllamaClientWithModel(srv.URL, "qwen2.5-coder")
	resp, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("AND gate")}))
	require.NoError(t, err)
	assert.Equal(t, "module and_gate(); endmodule", resp.Content)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, llm.Usage{InputTokens: 11, OutputTokens: 6}, resp.Usage)
}
