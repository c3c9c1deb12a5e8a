package timeout

import (
	"context"
	"testing"
	"time"

	"hdlforge/pkg/agent/llm"
)

type slowClient struct{ delay time.Duration }

func (c slowClient) Complete(ctx context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
	select {
	case <-time.After(c.delay):
		return llm.CompletionResponse{Content: "done"}, nil
	case <-ctx.Done():
		return llm.CompletionResponse{}, ctx.Err()
	}
}

func (slowClient) GetModelName() string { return "slow" }

func TestMiddlewareTimesOut(t *testing.T) {
	client := Middleware(10 * time.Millisecond)(slowClient{delay: time.Second})
	_, err := client.Complete(context.Background(), llm.CompletionRequest{})
	if err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestMiddlewarePassesFastRequests(t *testing.T) {
	client := Middleware(time.Second)(slowClient{delay: time.Millisecond})
	resp, err := client.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil || resp.Content != "done" {
		t.Fatalf("unexpected result %q, %v", resp.Content, err)
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	base := slowClient{}
	if Middleware(0)(base) != llm.LLMClient(base) {
		t.Error("zero duration must return the client unchanged")
	}
}
