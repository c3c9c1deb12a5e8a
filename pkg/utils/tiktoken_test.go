package utils

import (
	"strings"
	"testing"
)

func TestNewTokenCounter(t *testing.T) {
	for _, model := range []string{"gpt-4o-mini", "claude-3-5-sonnet", "unknown-model"} {
		t.Run(model, func(t *testing.T) {
			counter, err := NewTokenCounter(model)
			if err != nil {
				t.Fatalf("NewTokenCounter(%s) failed: %v", model, err)
			}
			if counter == nil {
				t.Fatalf("NewTokenCounter(%s) returned nil counter", model)
			}
		})
	}
}

func TestCountTokens(t *testing.T) {
	tests := []struct {
		text      string
		minTokens int
		maxTokens int
	}{
		{"", 0, 0},
		{"module and_gate(input a, input b, output y);", 5, 30},
		{strings.Repeat("assign y = a & b;\n", 50), 100, 600},
	}
	for _, tt := range tests {
		got := CountTokensSimple(tt.text)
		if got < tt.minTokens || got > tt.maxTokens {
			t.Errorf("CountTokensSimple(%.20q) = %d, want [%d, %d]", tt.text, got, tt.minTokens, tt.maxTokens)
		}
	}
}

func TestTruncateToTokenLimit(t *testing.T) {
	counter, err := NewTokenCounter("gpt-4")
	if err != nil {
		t.Fatal(err)
	}

	short := "short text"
	if got := counter.TruncateToTokenLimit(short, 100); got != short {
		t.Errorf("short text should be unchanged, got %q", got)
	}

	long := strings.Repeat("word ", 1000)
	got := counter.TruncateToTokenLimit(long, 50)
	if !strings.HasSuffix(got, "...") || len(got) >= len(long) {
		t.Errorf("expected truncated text with ellipsis, got %d chars", len(got))
	}
}

func TestTruncateMiddle(t *testing.T) {
	var b strings.Builder
	b.WriteString("first error: syntax error at line 3\n")
	for i := 0; i < 400; i++ {
		b.WriteString("warning: implicit wire declaration\n")
	}
	b.WriteString("summary: 1 error")
	text := b.String()

	got := TruncateMiddle(text, 100)
	if !strings.HasPrefix(got, "first error") {
		t.Errorf("head must survive truncation: %.40q", got)
	}
	if !strings.HasSuffix(got, "summary: 1 error") {
		t.Errorf("tail must survive truncation")
	}
	if !strings.Contains(got, "lines omitted") {
		t.Errorf("expected omission marker")
	}
	if TruncateMiddle("tiny", 100) != "tiny" {
		t.Errorf("short text should be unchanged")
	}
}
