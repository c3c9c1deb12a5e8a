// Package hdl holds the Verilog text helpers used by the actors: module names, code
// fences, and the JSON fragments models wrap around their answers.
package hdl

import (
	_ "embed"
	"regexp"
	"strings"
)

// UnknownModule is used when an artifact declares no module.
const UnknownModule = "unknown_module"

// FlipFlopModule is the name of the dependency module injected for sequential designs.
const FlipFlopModule = "d_flip_flop"

//go:embed d_flip_flop.v
var flipFlopSource string

var (
	moduleNameRe   = regexp.MustCompile(`module\s+(\w+)`)
	moduleHeaderRe = regexp.MustCompile(`(?s)module\s+\w+\s*\([^;]*\);`)
	unsafeNameRe   = regexp.MustCompile(`[^A-Za-z0-9_]`)
	fenceRe        = regexp.MustCompile("(?mi)^[ \\t]*```[ \\t]*(?:verilog|systemverilog|json)?[ \\t]*\\r?\\n?|```[ \\t]*$")
	codeBlockRe    = regexp.MustCompile("(?is)```(?:verilog|systemverilog)?\\s*(.*?)\\s*```")
)

// FlipFlopSource returns the Verilog source of the d_flip_flop dependency module.
func FlipFlopSource() string {
	return flipFlopSource
}

// ModuleName returns the first declared module identifier, or UnknownModule.
func ModuleName(code string) string {
	m := moduleNameRe.FindStringSubmatch(code)
	if m == nil {
		return UnknownModule
	}
	return m[1]
}

// SafeName restricts name to [A-Za-z0-9_] so it can be used as a file name.
func SafeName(name string) string {
	safe := unsafeNameRe.ReplaceAllString(name, "_")
	if safe == "" {
		return UnknownModule
	}
	return safe
}

// ModuleHeader returns the first `module name (...);` header in text, or "".
func ModuleHeader(text string) string {
	return moduleHeaderRe.FindString(text)
}

// HasModule reports whether code declares a module with the given name.
func HasModule(code, name string) bool {
	return strings.Contains(code, "module "+name)
}

// StripFences removes markdown code fences and surrounding whitespace.
func StripFences(code string) string {
	return strings.TrimSpace(fenceRe.ReplaceAllString(code, ""))
}

// LastCodeBlock returns the body of the last fenced code block, or "".
func LastCodeBlock(text string) string {
	matches := codeBlockRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return ""
	}
	return strings.TrimSpace(matches[len(matches)-1][1])
}

// ExtractJSONObject returns the span from the first '{' to the last '}', or "".
func ExtractJSONObject(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return ""
	}
	return text[start : end+1]
}

// IsListShaped reports whether a model reply is a bare JSON array.
func IsListShaped(text string) bool {
	trimmed := strings.TrimSpace(StripFences(text))
	return strings.HasPrefix(trimmed, "[")
}

// WithFlipFlop appends the dependency module when code lacks it.
func WithFlipFlop(code string) string {
	if HasModule(code, FlipFlopModule) {
		return code
	}
	return strings.TrimRight(code, "\n") + "\n\n" + flipFlopSource
}
