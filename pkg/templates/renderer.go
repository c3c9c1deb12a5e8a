// Package templates provides template rendering functionality for actor prompts.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"slices"
	"strings"
	"text/template"
)

//go:embed *.tpl.md
var templateFS embed.FS

// TemplateData holds the data for template rendering. Templates use the fields they need.
type TemplateData struct {
	Requirement      string   `json:"requirement"`
	ModuleName       string   `json:"module_name,omitempty"`
	ModuleHeader     string   `json:"module_header,omitempty"`
	Code             string   `json:"code,omitempty"`
	FlipFlopCode     string   `json:"flip_flop_code,omitempty"`
	LastError        string   `json:"last_error,omitempty"`
	ReviewerFeedback string   `json:"reviewer_feedback,omitempty"`
	Retrieved        string   `json:"retrieved,omitempty"`
	ErrorPatterns    string   `json:"error_patterns,omitempty"`
	ExecutionOutput  string   `json:"execution_output,omitempty"`
	DiagnosticClass  string   `json:"diagnostic_class,omitempty"`
	ReviewFocus      string   `json:"review_focus,omitempty"`
	Outcome          string   `json:"outcome,omitempty"`
	Trace            []string `json:"trace,omitempty"`
	RetryCount       int      `json:"retry_count"`
	Attempt          int      `json:"attempt"`
	MaxAttempts      int      `json:"max_attempts"`
	VerdictOnly      bool     `json:"verdict_only"`
	TimedOut         bool     `json:"timed_out"`
}

// StateTemplate names an embedded template.
type StateTemplate string

const (
	// GenerateTemplate asks the generator model for a Verilog module.
	GenerateTemplate StateTemplate = "generate.tpl.md"
	// StructuralTemplate is the reviewer's one-shot interface correction.
	StructuralTemplate StateTemplate = "structural.tpl.md"
	// ReviewTemplate is one auto-fix attempt after a failed execution.
	ReviewTemplate StateTemplate = "review.tpl.md"
	// FlipFlopAnalysisTemplate asks whether the design needs the d_flip_flop module.
	FlipFlopAnalysisTemplate StateTemplate = "analysis_dff.tpl.md"
	// ComponentAnalysisTemplate asks which building blocks the design needs.
	ComponentAnalysisTemplate StateTemplate = "analysis_components.tpl.md"
	// SummaryTemplate asks for a prose summary of a finished run.
	SummaryTemplate StateTemplate = "summary.tpl.md"
)

// Renderer handles template rendering for actor prompts.
type Renderer struct {
	templates map[StateTemplate]*template.Template
}

// NewRenderer parses every embedded template.
func NewRenderer() (*Renderer, error) {
	r := &Renderer{
		templates: make(map[StateTemplate]*template.Template),
	}

	templateNames := []StateTemplate{
		GenerateTemplate,
		StructuralTemplate,
		ReviewTemplate,
		FlipFlopAnalysisTemplate,
		ComponentAnalysisTemplate,
		SummaryTemplate,
	}

	for _, name := range templateNames {
		content, err := templateFS.ReadFile(string(name))
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", name, err)
		}

		tmpl, err := template.New(string(name)).Funcs(template.FuncMap{
			"contains": strings.Contains,
			"add":      func(a, b int) int { return a + b },
		}).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}

		r.templates[name] = tmpl
	}

	return r, nil
}

// MustNewRenderer is NewRenderer for callers that treat a broken embed as a build defect.
func MustNewRenderer() *Renderer {
	r, err := NewRenderer()
	if err != nil {
		panic(err)
	}
	return r
}

// Render renders the specified template with the given data.
func (r *Renderer) Render(templateName StateTemplate, data *TemplateData) (string, error) {
	tmpl, exists := r.templates[templateName]
	if !exists {
		return "", fmt.Errorf("template %s not found", templateName)
	}
	if data == nil {
		data = &TemplateData{}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", templateName, err)
	}

	return strings.TrimSpace(buf.String()) + "\n", nil
}

// GetAvailableTemplates returns the sorted names of all available templates.
func (r *Renderer) GetAvailableTemplates() []StateTemplate {
	templates := make([]StateTemplate, 0, len(r.templates))
	for name := range r.templates {
		templates = append(templates, name)
	}
	slices.Sort(templates)
	return templates
}
