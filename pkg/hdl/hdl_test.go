package hdl

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModuleName(t *testing.T) {
	tests := []struct {
		name string
		code string
		want string
	}{
		{"simple", "module and_gate(input a, input b, output y);", "and_gate"},
		{"first wins", "module top();\nendmodule\nmodule sub();\nendmodule", "top"},
		{"none", "wire x;", UnknownModule},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ModuleName(tt.code))
		})
	}
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "and_gate", SafeName("and_gate"))
	assert.Equal(t, "a__b_c", SafeName("a/.b c"))
	assert.Equal(t, UnknownModule, SafeName(""))
}

func TestStripFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"verilog fence", "```verilog\nmodule a;\nendmodule\n```", "module a;\nendmodule"},
		{"bare fence", "```\nmodule a;\nendmodule\n```\n", "module a;\nendmodule"},
		{"uppercase", "```Verilog\nmodule a;\n```", "module a;"},
		{"no fence", "  module a;\n", "module a;"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripFences(tt.in))
		})
	}
}

func TestLastCodeBlock(t *testing.T) {
	text := "First try:\n```verilog\nmodule a; endmodule\n```\nBetter:\n```verilog\nmodule b; endmodule\n```\nDone."
	assert.Equal(t, "module b; endmodule", LastCodeBlock(text))
	assert.Empty(t, LastCodeBlock("no code here"))
}

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"wrapped", `Sure! {"needs_revision": false} hope it helps`, `{"needs_revision": false}`},
		{"nested", `x {"a": {"b": 1}} y`, `{"a": {"b": 1}}`},
		{"none", "plain text", ""},
		{"reversed braces", "} oops {", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSONObject(tt.in))
		})
	}
}

func TestIsListShaped(t *testing.T) {
	assert.True(t, IsListShaped(`[{"needs_flip_flop": true}]`))
	assert.True(t, IsListShaped("```json\n[1, 2]\n```"))
	assert.False(t, IsListShaped(`{"required_components": ["mux"]}`))
}

func TestModuleHeader(t *testing.T) {
	req := "Please implement:\nmodule top_module (\n  input a,\n  output y\n);\nusing an inverter."
	assert.Equal(t, "module top_module (\n  input a,\n  output y\n);", ModuleHeader(req))
	assert.Empty(t, ModuleHeader("no header"))
}

func TestWithFlipFlop(t *testing.T) {
	code := "module counter(input clk); endmodule\n"
	got := WithFlipFlop(code)
	assert.True(t, HasModule(got, FlipFlopModule))
	assert.True(t, strings.HasPrefix(got, "module counter"))
	assert.Equal(t, got, WithFlipFlop(got), "injection is idempotent")
	assert.Contains(t, FlipFlopSource(), "module d_flip_flop")
}
