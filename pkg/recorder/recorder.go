// Package recorder keeps the trace of a workflow run and, once the run ends, writes the
// result record, the run ledger entry and the summary files.
package recorder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"hdlforge/pkg/agent/llm"
	"hdlforge/pkg/dispatch"
	"hdlforge/pkg/hdl"
	"hdlforge/pkg/logx"
	"hdlforge/pkg/persistence"
	"hdlforge/pkg/proto"
	"hdlforge/pkg/templates"
	"hdlforge/pkg/utils"
)

// Name is the recorder's router address.
const Name = dispatch.Recorder

const (
	summaryFile    = "summary.txt"
	llmSummaryFile = "llm_summary.txt"
	traceLimit     = 400
)

// Store is the part of the results database the recorder writes.
type Store interface {
	InsertResult(r *persistence.Result) (bool, error)
	FinishRun(id, outcome, reason string, promptTokens, completionTokens int64) error
}

// Config describes the run being recorded.
type Config struct {
	RunDir     string
	RunID      string
	LLMSummary bool
	// Usage reports the tokens spent so far, for the run ledger. Optional.
	Usage func() (prompt, completion int64)
}

// Outcome is what the recorder concluded from the terminal notification.
type Outcome struct {
	Kind       proto.Kind
	ModuleName string
	Code       string
	Reason     string
	Success    bool
}

// Recorder observes every routed message and finalizes the run on the first terminal
// notification delivered to it.
type Recorder struct {
	store    Store
	router   dispatch.Mediator
	client   llm.LLMClient
	renderer *templates.Renderer
	logger   *logx.Logger
	cfg      Config
	trace    []string
	outcome  *Outcome
}

// New creates a recorder. store, client and renderer may be nil: the matching outputs
// are then skipped.
func New(router dispatch.Mediator, store Store, client llm.LLMClient, renderer *templates.Renderer, cfg Config, logger *logx.Logger) *Recorder {
	if logger == nil {
		logger = logx.NewLogger(Name)
	}
	return &Recorder{
		store:    store,
		router:   router,
		client:   client,
		renderer: renderer,
		logger:   logger,
		cfg:      cfg,
	}
}

// Tap returns the router observer that builds the trace.
func (r *Recorder) Tap() dispatch.Tap {
	return func(msg *proto.Message, _ []string) {
		msg.Accept(&traceVisitor{r: r})
	}
}

// Trace returns the recorded trace lines.
func (r *Recorder) Trace() []string {
	return append([]string(nil), r.trace...)
}

// Outcome returns the recorded outcome, or nil while the run is still going.
func (r *Recorder) Outcome() *Outcome {
	if r.outcome == nil {
		return nil
	}
	o := *r.outcome
	return &o
}

func (r *Recorder) note(line string) {
	r.trace = append(r.trace, line)
	r.logger.Debug("%s", line)
}

// Receive implements dispatch.Actor.
func (r *Recorder) Receive(ctx context.Context, msg *proto.Message) {
	if !msg.Kind().IsTerminal() {
		return
	}
	if r.outcome != nil {
		r.logger.Warn("⚠️  Second terminal notification %s ignored", msg.Kind())
		return
	}

	var (
		out         = &Outcome{Kind: msg.Kind()}
		requirement string
	)
	switch c := msg.Content().(type) {
	case proto.ExecutionSuccess:
		out.Success = true
		out.Code = c.Code
		out.Reason = "Code executed successfully"
		requirement = c.Requirement
	case proto.ExecutionFailed:
		out.Code = c.Code
		out.Reason = c.Reason
	case proto.GenerationFailed:
		out.Code = c.LastCode
		out.Reason = c.Reason
		requirement = c.Requirement
	}
	r.outcome = out

	gen := dispatch.State{}
	if r.router != nil {
		gen = r.router.GetState(dispatch.Generator)
	}
	if requirement == "" {
		requirement = gen.Requirement
	}
	if out.Code == "" {
		out.Code = gen.LastCode
	}
	out.ModuleName = hdl.ModuleName(out.Code)

	r.saveResult(out, requirement, gen.NeedsFlipFlop)
	r.writeSummary(out)
	r.finishRun(out)
	if r.cfg.LLMSummary {
		r.writeLLMSummary(ctx, out, requirement)
	}

	status := "✅"
	if !out.Success {
		status = "❌"
	}
	r.logger.Info("%s Run finished: %s (%s)", status, out.Kind, out.ModuleName)
}

func (r *Recorder) saveResult(out *Outcome, requirement string, needsFlipFlop bool) {
	if r.store == nil {
		return
	}
	code := hdl.StripFences(out.Code)
	kind := designType(code, needsFlipFlop)
	inserted, err := r.store.InsertResult(&persistence.Result{
		ModuleName:      out.ModuleName,
		DesignType:      kind,
		Requirement:     requirement,
		SolutionPattern: code,
		Features:        designFeatures(code),
		Tags:            designTags(code, kind),
		Successful:      out.Success,
	})
	switch {
	case err != nil:
		r.logger.Error("❌ Failed to save result for %s: %v", out.ModuleName, err)
	case inserted:
		r.logger.Info("💾 Result saved for %s", out.ModuleName)
	default:
		r.logger.Info("💾 Result for %s already recorded", out.ModuleName)
	}
}

func (r *Recorder) finishRun(out *Outcome) {
	if r.store == nil || r.cfg.RunID == "" {
		return
	}
	var prompt, completion int64
	if r.cfg.Usage != nil {
		prompt, completion = r.cfg.Usage()
	}
	outcome := persistence.OutcomeFailure
	if out.Success {
		outcome = persistence.OutcomeSuccess
	}
	if err := r.store.FinishRun(r.cfg.RunID, outcome, out.Reason, prompt, completion); err != nil {
		r.logger.Warn("⚠️  Failed to finish run %s: %v", r.cfg.RunID, err)
	}
}

func (r *Recorder) writeSummary(out *Outcome) {
	if r.cfg.RunDir == "" {
		return
	}
	result := "FAILURE"
	if out.Success {
		result = "SUCCESS"
	}

	var b strings.Builder
	b.WriteString("=== Experiment Summary ===\n")
	fmt.Fprintf(&b, "Final Result: %s\n", result)
	fmt.Fprintf(&b, "Final Message: %s\n\n", out.Reason)
	b.WriteString("---- All debug messages & process ----\n")
	for _, line := range r.trace {
		fmt.Fprintf(&b, " - %s\n", line)
	}
	b.WriteString("\n")

	path := filepath.Join(r.cfg.RunDir, summaryFile)
	if err := appendFile(path, b.String()); err != nil {
		r.logger.Error("❌ Failed to write %s: %v", path, err)
		return
	}
	r.logger.Info("💾 Summary written to %s", path)
}

func (r *Recorder) writeLLMSummary(ctx context.Context, out *Outcome, requirement string) {
	if r.client == nil || r.renderer == nil || r.cfg.RunDir == "" {
		return
	}
	result := "failure"
	if out.Success {
		result = "success"
	}
	prompt, err := r.renderer.Render(templates.SummaryTemplate, &templates.TemplateData{
		Requirement: requirement,
		ModuleName:  out.ModuleName,
		Code:        out.Code,
		Outcome:     result,
		Trace:       r.trace,
	})
	if err != nil {
		r.logger.Warn("⚠️  Summary prompt: %v", err)
		return
	}
	summary, err := llm.NewConversation(r.client, "").Ask(ctx, prompt)
	if err != nil {
		r.logger.Warn("⚠️  LLM summary failed: %v", err)
		summary = "Summarization failed."
	}

	path := filepath.Join(r.cfg.RunDir, llmSummaryFile)
	content := "=== Experiment LLM Summary ===\n" + strings.TrimSpace(summary) + "\n\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		r.logger.Error("❌ Failed to write %s: %v", path, err)
	}
}

func appendFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// traceVisitor turns routed messages into trace lines.
type traceVisitor struct {
	proto.IgnoreVisitor
	r *Recorder
}

func short(text string) string {
	return strings.TrimSpace(utils.TruncateMiddle(text, traceLimit))
}

func (v *traceVisitor) VisitDiagnostic(_ *proto.Message, c proto.Diagnostic) {
	label := map[proto.DiagnosticClass]string{
		proto.ClassCompilation: "Compilation Error",
		proto.ClassTestFailure: "Test Failure",
		proto.ClassTimeout:     "Timeout",
	}[c.Class]
	if label == "" {
		label = "Simulation Error"
	}
	v.r.note(fmt.Sprintf("[ERROR] %s: %s", label, short(c.Output)))
}

func (v *traceVisitor) VisitCodeArtifact(m *proto.Message, c proto.CodeArtifact) {
	if m.Flag(proto.KeyIsAutoCorrection) {
		v.r.note(fmt.Sprintf("[FIX] Auto-corrected %s submitted for execution", hdl.ModuleName(c.Code)))
	}
}

func (v *traceVisitor) VisitCodeFeedback(_ *proto.Message, c proto.CodeFeedback) {
	if c.NeedsRevision {
		v.r.note(fmt.Sprintf("[FEEDBACK] Reviewer [%s]: %s", c.ErrorCode, c.Text()))
	}
}

func (v *traceVisitor) VisitExecutionResult(_ *proto.Message, c proto.ExecutionResult) {
	v.r.note("[EXECUTION_RESULT] " + short(c.Output))
}

func (v *traceVisitor) VisitExecutionSuccess(_ *proto.Message, c proto.ExecutionSuccess) {
	v.r.note("[EXECUTION_SUCCESS] Code executed successfully: " + short(c.ExecutionResult))
}

func (v *traceVisitor) VisitExecutionFailed(m *proto.Message, c proto.ExecutionFailed) {
	if m.Sender() != dispatch.Executor {
		return
	}
	v.r.note("[ERROR] Executor gave up: " + c.Reason)
}

func (v *traceVisitor) VisitGenerationFailed(_ *proto.Message, c proto.GenerationFailed) {
	v.r.note("[ERROR] " + c.Reason)
}
