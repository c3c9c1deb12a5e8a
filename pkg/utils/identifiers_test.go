package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPathSegment(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"ollama model with tag", "ollama/qwen2.5-coder:7b", "ollama_qwen2.5-coder_7b"},
		{"prefixed actor", "and_gate/reviewer", "and_gate_reviewer"},
		{"backslashes and spaces", `path\to my actor`, "path_to_my_actor"},
		{"already clean", "gpt-4o-mini", "gpt-4o-mini"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PathSegment(tt.input))
		})
	}
}
