package templates

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRenderer(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	assert.Equal(t, []StateTemplate{
		ComponentAnalysisTemplate,
		FlipFlopAnalysisTemplate,
		GenerateTemplate,
		ReviewTemplate,
		StructuralTemplate,
		SummaryTemplate,
	}, r.GetAvailableTemplates())
}

func TestRenderGenerate(t *testing.T) {
	r := MustNewRenderer()

	t.Run("first attempt", func(t *testing.T) {
		out, err := r.Render(GenerateTemplate, &TemplateData{
			Requirement:  "Build a 2-input AND gate.",
			ModuleHeader: "module and_gate(input a, input b, output y);",
		})
		require.NoError(t, err)
		assert.Contains(t, out, "# Verilog Generation")
		assert.Contains(t, out, "Build a 2-input AND gate.")
		assert.Contains(t, out, "module and_gate(input a, input b, output y);")
		assert.NotContains(t, out, "Previous Attempt Failed")
		assert.NotContains(t, out, "Reviewer Feedback")
		assert.NotContains(t, out, "Available Dependency")
	})

	t.Run("retry carries error and feedback", func(t *testing.T) {
		out, err := r.Render(GenerateTemplate, &TemplateData{
			Requirement:      "Build a counter.",
			LastError:        "syntax error near line 3",
			ReviewerFeedback: "Line 3: missing semicolon. Suggestion: add ;",
			FlipFlopCode:     "module d_flip_flop(input clk, input d, output reg q); endmodule",
			RetryCount:       2,
		})
		require.NoError(t, err)
		assert.Contains(t, out, "Attempt 2 produced this error")
		assert.Contains(t, out, "syntax error near line 3")
		assert.Contains(t, out, "Suggestion: add ;")
		assert.Contains(t, out, "d_flip_flop")
	})
}

func TestRenderReview(t *testing.T) {
	r := MustNewRenderer()

	tests := []struct {
		name    string
		data    TemplateData
		want    []string
		notWant []string
	}{
		{
			name:    "code requested",
			data:    TemplateData{Attempt: 1, MaxAttempts: 3, ReviewFocus: "compilation errors", DiagnosticClass: "compilation", ExecutionOutput: "err"},
			want:    []string{"Attempt 1 of 3", "Focus on compilation errors", "Diagnostic (compilation)", "fenced block"},
			notWant: []string{"Do not rewrite the code", "timed_out=true"},
		},
		{
			name: "verdict only with timeout",
			data: TemplateData{Attempt: 3, MaxAttempts: 3, DiagnosticClass: "timeout", TimedOut: true, VerdictOnly: true},
			want: []string{"Do not rewrite the code", "timed_out=true", "Use line -1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := r.Render(ReviewTemplate, &tt.data)
			require.NoError(t, err)
			for _, w := range tt.want {
				assert.Contains(t, out, w)
			}
			for _, w := range tt.notWant {
				assert.NotContains(t, out, w)
			}
		})
	}
}

func TestRenderSummaryTrace(t *testing.T) {
	r := MustNewRenderer()
	out, err := r.Render(SummaryTemplate, &TemplateData{
		ModuleName: "adder",
		Outcome:    "success",
		Trace:      []string{"[ERROR] one", "[FIX] two"},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Module: adder")
	assert.Contains(t, out, "- [ERROR] one\n- [FIX] two")
}

func TestRenderUnknownTemplate(t *testing.T) {
	r := MustNewRenderer()
	_, err := r.Render("missing.tpl.md", nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "not found"))
}

func TestRenderNilData(t *testing.T) {
	r := MustNewRenderer()
	out, err := r.Render(FlipFlopAnalysisTemplate, nil)
	require.NoError(t, err)
	assert.Contains(t, out, `"needs_flip_flop"`)
}
