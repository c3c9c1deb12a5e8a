package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"hdlforge/pkg/agent/llm"
	"hdlforge/pkg/dispatch"
	"hdlforge/pkg/hdl"
	"hdlforge/pkg/knowledge"
	"hdlforge/pkg/templates"
)

const analysisMaxTokens = 512

// sequentialWords mark a requirement that certainly needs clocked storage.
var sequentialWords = []string{"clock", "edge", "flip-flop", "register", "state machine"}

// trivialComponents are primitives every model already knows.
var trivialComponents = map[string]bool{"and": true, "or": true, "not": true}

type flipFlopVerdict struct {
	NeedsFlipFlop bool   `json:"needs_flip_flop"`
	Reason        string `json:"reason"`
}

type componentList struct {
	RequiredComponents []string `json:"required_components"`
}

// analyse runs the once-per-run questions and publishes the answers in the router state.
func (g *Generator) analyse(ctx context.Context) {
	g.analysed = true

	g.needsFlipFlop = g.analyseFlipFlop(ctx)
	if g.retriever != nil {
		g.components = g.analyseComponents(ctx)
		g.retrieved = g.retrieve(ctx, g.components)
	}

	g.router.UpdateState(Name, dispatch.StatePatch{
		NeedsFlipFlop: dispatch.Set(g.needsFlipFlop),
		Components:    g.components,
	})
}

func (g *Generator) analyseFlipFlop(ctx context.Context) bool {
	lower := strings.ToLower(g.requirement)
	for _, w := range sequentialWords {
		if strings.Contains(lower, w) {
			g.logger.Info("🧩 Requirement mentions %q, providing %s", w, hdl.FlipFlopModule)
			return true
		}
	}

	var verdict flipFlopVerdict
	if err := g.askStructured(ctx, templates.FlipFlopAnalysisTemplate, "needs_flip_flop", &verdict); err != nil {
		g.logger.Warn("⚠️  Flip-flop analysis failed, assuming none needed: %v", err)
		return false
	}
	g.logger.Info("🧩 Flip-flop analysis: %t (%s)", verdict.NeedsFlipFlop, verdict.Reason)
	return verdict.NeedsFlipFlop
}

func (g *Generator) analyseComponents(ctx context.Context) []string {
	var list componentList
	if err := g.askStructured(ctx, templates.ComponentAnalysisTemplate, "required_components", &list); err != nil {
		g.logger.Warn("⚠️  Component analysis failed, skipping retrieval: %v", err)
		return nil
	}
	out := make([]string, 0, len(list.RequiredComponents))
	for _, c := range list.RequiredComponents {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func (g *Generator) retrieve(ctx context.Context, components []string) string {
	var (
		snippets []knowledge.Snippet
		seen     = make(map[string]bool)
	)
	for _, c := range components {
		if trivialComponents[strings.ToLower(c)] {
			continue
		}
		found, err := g.retriever.Search(ctx, knowledge.Query{Class: knowledge.ClassComponent, Text: c, Limit: g.cfg.TopK})
		if err != nil {
			g.logger.Warn("⚠️  Retrieval for %q failed: %v", c, err)
			continue
		}
		for _, s := range found {
			if !seen[s.Title] {
				seen[s.Title] = true
				snippets = append(snippets, s)
			}
		}
	}
	if len(snippets) > 0 {
		g.logger.Info("📚 Retrieved %d reference snippets", len(snippets))
	}
	return knowledge.Format(snippets)
}

// askStructured asks a one-shot analysis question and decodes the JSON object reply into
// out. A malformed reply is asked once more before giving up.
func (g *Generator) askStructured(ctx context.Context, tmpl templates.StateTemplate, field string, out any) error {
	prompt, err := g.renderer.Render(tmpl, &templates.TemplateData{Requirement: g.requirement})
	if err != nil {
		return fmt.Errorf("render %s: %w", tmpl, err)
	}

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		ask := prompt
		if lastErr != nil {
			ask = fmt.Sprintf("%s\nYour previous reply was rejected (%v). Reply with exactly one JSON object.", prompt, lastErr)
		}
		conv := llm.NewConversation(g.client, analysisSystemPrompt).
			WithSampling(analysisMaxTokens, llm.TemperatureDeterministic)
		reply, err := conv.Ask(ctx, ask)
		if err != nil {
			lastErr = err
			continue
		}
		if err := decodeAnalysis(reply, field, out); err != nil {
			g.logger.Warn("⚠️  %v (attempt %d/2)", err, attempt)
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// decodeAnalysis accepts a single JSON object containing field. Lists are rejected
// rather than reduced to their first element.
func decodeAnalysis(reply, field string, out any) error {
	if hdl.IsListShaped(reply) {
		return &ValidationError{Field: field, Raw: reply, Err: fmt.Errorf("%w: got a list", ErrAnalysisShape)}
	}
	obj := hdl.ExtractJSONObject(reply)
	if obj == "" {
		return &ValidationError{Field: field, Raw: reply, Err: ErrAnalysisShape}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(obj), &fields); err != nil {
		return &ValidationError{Field: field, Raw: reply, Err: fmt.Errorf("%w: %v", ErrAnalysisShape, err)}
	}
	if _, ok := fields[field]; !ok {
		return &ValidationError{Field: field, Raw: reply, Err: errors.New("missing field")}
	}
	if err := json.Unmarshal([]byte(obj), out); err != nil {
		return &ValidationError{Field: field, Raw: reply, Err: err}
	}
	return nil
}
