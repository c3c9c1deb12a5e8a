// Package reviewer implements the actor that corrects candidate modules, sends them to
// the executor and runs a bounded auto-fix loop over the executor's diagnostics.
package reviewer

import (
	"context"
	"fmt"
	"strings"

	"hdlforge/pkg/agent"
	"hdlforge/pkg/agent/llm"
	"hdlforge/pkg/dispatch"
	"hdlforge/pkg/hdl"
	"hdlforge/pkg/knowledge"
	"hdlforge/pkg/logx"
	"hdlforge/pkg/proto"
	"hdlforge/pkg/templates"
	"hdlforge/pkg/utils"
)

// Name is the reviewer's router address.
const Name = dispatch.Reviewer

// Reviewer states.
const (
	StateIdle              agent.State = "idle"
	StateInitializing      agent.State = "initializing"
	StateReviewing         agent.State = "reviewing"
	StateExecuting         agent.State = "executing"
	StateProcessingResults agent.State = "processing_results"
	StateComplete          agent.State = "complete"
)

const (
	trigCandidate      agent.Trigger = "candidate"
	trigInitComplete   agent.Trigger = "init_complete"
	trigReviewComplete agent.Trigger = "review_complete"
	trigRetryReview    agent.Trigger = "retry_review"
	trigExecutionDone  agent.Trigger = "execution_complete"
	trigFeedbackSent   agent.Trigger = "feedback_sent"
	trigFinish         agent.Trigger = "finish"
)

const (
	reviewerSystemPrompt = "You are a meticulous Verilog reviewer. You fix defects with minimal changes and never alter a correct interface."
	defaultOutputTokens  = 1500
)

// Config bounds one reviewer.
type Config struct {
	MaxAutoFixAttempts int
	Temperature        float32
	MaxTokens          int
	TopK               int
	// MaxOutputTokens caps the diagnostic text placed in a prompt.
	MaxOutputTokens int
}

// Reviewer is the correction actor. Like every actor it runs on the router's call
// stack and keeps no lock.
type Reviewer struct {
	router    dispatch.Mediator
	client    llm.LLMClient
	renderer  *templates.Renderer
	retriever knowledge.Retriever
	logger    *logx.Logger
	machine   *agent.Machine
	conv      *llm.Conversation
	cfg       Config
	budget    agent.Budget

	requirement       string
	needsFlipFlop     bool
	nextCode          string
	code              string
	diag              proto.Diagnostic
	verdict           *proto.CodeFeedback
	result            *proto.ExecutionResult
	structuralPending bool
	isAutoCorrection  bool
}

// New builds a reviewer. retriever may be nil, which disables error-pattern lookup.
func New(
	router dispatch.Mediator,
	client llm.LLMClient,
	renderer *templates.Renderer,
	retriever knowledge.Retriever,
	cfg Config,
	logger *logx.Logger,
	opts ...agent.MachineOption,
) (*Reviewer, error) {
	if logger == nil {
		logger = logx.NewLogger(Name)
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = defaultOutputTokens
	}

	r := &Reviewer{
		router:    router,
		client:    client,
		renderer:  renderer,
		retriever: retriever,
		logger:    logger,
		cfg:       cfg,
		budget:    agent.Budget{Name: "auto_fix_attempts", Max: cfg.MaxAutoFixAttempts},
	}
	r.conv = r.newConversation()

	machine, err := agent.NewMachine(Name, r.definition(), append([]agent.MachineOption{agent.WithLogger(logger)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("reviewer machine: %w", err)
	}
	machine.OnEnter(StateInitializing, r.onInitializing)
	machine.OnEnter(StateReviewing, r.onReviewing)
	machine.OnEnter(StateExecuting, r.onExecuting)
	machine.OnEnter(StateProcessingResults, r.onProcessingResults)
	machine.OnEnter(StateComplete, func(context.Context) { r.logger.Info("✅ Review process complete") })
	r.machine = machine
	return r, nil
}

func (r *Reviewer) definition() agent.Definition {
	working := []agent.State{StateInitializing, StateReviewing, StateExecuting, StateProcessingResults}
	return agent.Definition{
		Initial: StateIdle,
		States: []agent.State{
			StateIdle, StateInitializing, StateReviewing,
			StateExecuting, StateProcessingResults, StateComplete,
		},
		Final: []agent.State{StateComplete},
		Rules: []agent.Rule{
			{Trigger: trigCandidate, Sources: []agent.State{StateIdle}, Dest: StateInitializing},
			{Trigger: trigInitComplete, Sources: []agent.State{StateInitializing}, Dest: StateReviewing},
			{Trigger: trigReviewComplete, Sources: []agent.State{StateReviewing}, Dest: StateExecuting},
			{Trigger: trigRetryReview, Sources: []agent.State{StateReviewing, StateExecuting, StateProcessingResults}, Dest: StateReviewing},
			{Trigger: trigExecutionDone, Sources: []agent.State{StateExecuting}, Dest: StateProcessingResults},
			{Trigger: trigFeedbackSent, Sources: working, Dest: StateIdle},
			{Trigger: trigFinish, Sources: []agent.State{agent.Any}, Dest: StateComplete},
		},
	}
}

// Machine exposes the FSM for inspection.
func (r *Reviewer) Machine() *agent.Machine { return r.machine }

// State returns the current FSM state name.
func (r *Reviewer) State() string { return r.machine.Current().String() }

// Receive implements dispatch.Actor.
func (r *Reviewer) Receive(ctx context.Context, msg *proto.Message) {
	if r.machine.IsFinal() {
		r.logger.Debug("Review complete, ignoring %s from %s", msg.Kind(), msg.Sender())
		return
	}
	msg.Accept(inbound{ctx: ctx, r: r})
}

// inbound routes one message into the reviewer. Every Visitor method is spelled out,
// so a new content kind does not build until the reviewer handles it.
type inbound struct {
	ctx context.Context
	r   *Reviewer
}

var _ proto.Visitor = inbound{}

func (in inbound) VisitCodeArtifact(_ *proto.Message, c proto.CodeArtifact) {
	in.r.nextCode = c.Code
	if res := in.r.machine.Fire(in.ctx, trigCandidate); res.Status == agent.Unavailable {
		in.r.logger.Warn("⚠️  Candidate ignored in state %s", res.From)
	}
}

func (in inbound) VisitExecutionResult(_ *proto.Message, c proto.ExecutionResult) {
	in.r.result = &c
	in.r.logger.Info("📨 Execution result: passed=%t timed_out=%t", c.Passed(), c.TimedOut)
	in.r.machine.Fire(in.ctx, trigExecutionDone)
}

func (in inbound) VisitDiagnostic(_ *proto.Message, c proto.Diagnostic) {
	in.r.logger.Info("📨 Executor reported %s", c.Class)
	in.r.handleFailure(in.ctx, c)
}

func (in inbound) VisitExecutionFailed(m *proto.Message, c proto.ExecutionFailed) {
	in.r.logger.Error("❌ Executor gave up: %s", c.Reason)
	in.r.send(in.ctx, []string{dispatch.Requester, dispatch.Recorder}, proto.New(c, proto.WithParent(m.ID())))
	in.r.send(in.ctx, []string{dispatch.Generator}, proto.New(proto.Stop{Reason: "executor failed"}))
	in.r.machine.Fire(in.ctx, trigFinish)
}

func (in inbound) VisitGenerationFailed(m *proto.Message, _ proto.GenerationFailed) { in.finish(m) }
func (in inbound) VisitAgentStopped(m *proto.Message, _ proto.AgentStopped)         { in.finish(m) }
func (in inbound) VisitStop(m *proto.Message, _ proto.Stop)                         { in.finish(m) }

func (in inbound) VisitDesignRequest(m *proto.Message, _ proto.DesignRequest)       { in.ignore(m) }
func (in inbound) VisitCodeFeedback(m *proto.Message, _ proto.CodeFeedback)         { in.ignore(m) }
func (in inbound) VisitExecutionSuccess(m *proto.Message, _ proto.ExecutionSuccess) { in.ignore(m) }

func (in inbound) finish(m *proto.Message) {
	in.r.logger.Info("🛑 %s from %s, finishing review", m.Kind(), m.Sender())
	in.r.machine.Fire(in.ctx, trigFinish)
}

func (in inbound) ignore(m *proto.Message) {
	in.r.logger.Debug("Ignoring %s from %s", m.Kind(), m.Sender())
}

func (r *Reviewer) newConversation() *llm.Conversation {
	return llm.NewConversation(r.client, reviewerSystemPrompt).WithSampling(r.cfg.MaxTokens, r.cfg.Temperature)
}

// loadSession refreshes the requirement from the generator's session. Without a
// candidate of its own the reviewer falls back to the generator's last artifact.
func (r *Reviewer) loadSession() {
	gen := r.router.GetState(dispatch.Generator)
	r.requirement = gen.Requirement
	r.needsFlipFlop = gen.NeedsFlipFlop
	if r.code == "" {
		r.code = hdl.StripFences(gen.LastCode)
	}
}

func (r *Reviewer) onInitializing(ctx context.Context) {
	r.code = hdl.StripFences(r.nextCode)
	r.loadSession()
	r.nextCode = ""
	r.diag = proto.Diagnostic{}
	r.verdict = nil
	r.result = nil
	r.isAutoCorrection = false
	r.structuralPending = true
	r.conv = r.newConversation()

	r.logger.Info("🎯 Reviewing candidate %s", hdl.ModuleName(r.code))
	r.machine.Fire(ctx, trigInitComplete)
}

func (r *Reviewer) onReviewing(ctx context.Context) {
	if r.structuralPending {
		r.structuralPass(ctx)
		return
	}
	r.autoFix(ctx)
}

// structuralPass is the single interface correction made before the first execution.
func (r *Reviewer) structuralPass(ctx context.Context) {
	r.structuralPending = false

	data := &templates.TemplateData{
		Requirement:  r.requirement,
		ModuleHeader: hdl.ModuleHeader(r.requirement),
		Code:         r.code,
	}
	if r.needsFlipFlop {
		data.FlipFlopCode = hdl.FlipFlopModule
	}
	reply, err := r.ask(ctx, templates.StructuralTemplate, data)
	switch {
	case err != nil:
		r.logger.Warn("⚠️  Structural review failed, keeping candidate: %v", err)
	case moduleBlock(reply) != "":
		r.code = moduleBlock(reply)
	default:
		r.logger.Warn("⚠️  Structural review returned no module, keeping candidate")
	}
	r.machine.Fire(ctx, trigReviewComplete)
}

// autoFix makes one correction attempt against the last diagnostic. Once the budget is
// spent the model may only judge the code, not rewrite it.
func (r *Reviewer) autoFix(ctx context.Context) {
	attempt := r.machine.Counter(r.budget.Name)
	verdictOnly := attempt >= r.budget.Max

	data := &templates.TemplateData{
		Requirement:     r.requirement,
		Code:            r.code,
		ExecutionOutput: utils.TruncateMiddle(r.diag.Output, r.cfg.MaxOutputTokens),
		DiagnosticClass: string(r.diag.Class),
		ReviewFocus:     focusFor(r.diag.Class),
		ErrorPatterns:   r.errorPatterns(ctx),
		Attempt:         attempt,
		MaxAttempts:     r.budget.Max,
		VerdictOnly:     verdictOnly,
		TimedOut:        r.diag.Class == proto.ClassTimeout,
	}
	r.logger.Info("🔄 Auto-fix attempt %d/%d (%s)", attempt, r.budget.Max, r.diag.Class)

	reply, err := r.ask(ctx, templates.ReviewTemplate, data)
	if err != nil {
		r.retryOrGiveUp(ctx, &proto.CodeFeedback{NeedsRevision: true, ErrorCode: CodeReviewError, Line: -1, Feedback: err.Error()})
		return
	}

	if !verdictOnly {
		if code := moduleBlock(reply); code != "" {
			r.code = code
			r.isAutoCorrection = true
			r.machine.Fire(ctx, trigReviewComplete)
			return
		}
	}

	verdict, ok := parseVerdict(reply)
	if ok && !verdict.NeedsRevision {
		r.logger.Info("📨 Reviewer model sees no defect, re-executing")
		r.isAutoCorrection = true
		r.machine.Fire(ctx, trigReviewComplete)
		return
	}
	if ok || verdictOnly {
		r.retryOrGiveUp(ctx, &verdict)
		return
	}
	r.retryOrGiveUp(ctx, &proto.CodeFeedback{
		NeedsRevision: true,
		ErrorCode:     CodeNoVerilogCode,
		Line:          -1,
		Feedback:      "No Verilog code block in the corrected response.",
	})
}

func (r *Reviewer) retryOrGiveUp(ctx context.Context, verdict *proto.CodeFeedback) {
	r.verdict = verdict
	if err := r.machine.Spend(r.budget); err == nil {
		r.machine.FireOr(ctx, trigRetryReview, StateReviewing)
		return
	}
	r.sendFeedback(ctx)
}

func (r *Reviewer) errorPatterns(ctx context.Context) string {
	if r.retriever == nil || r.diag.Output == "" {
		return ""
	}
	found, err := r.retriever.Search(ctx, knowledge.Query{
		Class: knowledge.ClassErrorPattern,
		Text:  string(r.diag.Class) + " " + r.diag.Output,
		Limit: r.cfg.TopK,
	})
	if err != nil {
		r.logger.Warn("⚠️  Error pattern lookup failed: %v", err)
		return ""
	}
	return knowledge.Format(found)
}

func (r *Reviewer) onExecuting(ctx context.Context) {
	code := r.code
	if r.needsFlipFlop {
		code = hdl.WithFlipFlop(code)
	}
	r.result = nil
	r.logger.Info("📦 Sending %s to executor (auto_correction=%t)", hdl.ModuleName(code), r.isAutoCorrection)
	r.send(ctx, []string{dispatch.Executor}, proto.New(proto.CodeArtifact{Code: code},
		proto.WithFlag(proto.KeyIsAutoCorrection, r.isAutoCorrection),
		proto.WithFlag(proto.KeyStructuralPending, r.structuralPending)))
}

func (r *Reviewer) onProcessingResults(ctx context.Context) {
	res := r.result
	if res == nil {
		r.logger.Warn("⚠️  No execution result to process")
		r.handleFailure(ctx, proto.Diagnostic{Class: proto.ClassOther})
		return
	}
	if res.Passed() {
		r.succeed(ctx, res)
		return
	}

	class := proto.ClassTestFailure
	if res.TimedOut {
		class = proto.ClassTimeout
	}
	r.handleFailure(ctx, proto.Diagnostic{Class: class, Output: res.Output})
}

func (r *Reviewer) succeed(ctx context.Context, res *proto.ExecutionResult) {
	code := res.Code
	if code == "" {
		code = r.code
	}
	r.router.UpdateState(Name, dispatch.StatePatch{LastCode: dispatch.Set(code)})
	r.logger.Info("✅ All checks passed for %s", hdl.ModuleName(code))

	r.send(ctx, []string{dispatch.Requester, dispatch.Recorder}, proto.New(proto.ExecutionSuccess{
		Code:            code,
		ExecutionResult: res.Output,
		Requirement:     r.requirement,
	}))
	r.send(ctx, []string{dispatch.Generator}, proto.New(proto.Stop{Reason: "execution succeeded"}))
	r.machine.Fire(ctx, trigFinish)
}

// handleFailure takes a failed execution from any state. With budget left it loops back
// into reviewing, forcing the state when no rule applies.
func (r *Reviewer) handleFailure(ctx context.Context, diag proto.Diagnostic) {
	r.diag = diag
	r.router.UpdateState(Name, dispatch.StatePatch{LastDiagnostic: dispatch.Set(diag.Output)})
	if r.machine.Current() == StateIdle {
		r.loadSession()
	}

	if err := r.machine.Spend(r.budget); err != nil {
		r.logger.Warn("⚠️  %v", err)
		r.sendFeedback(ctx)
		return
	}
	r.machine.FireOr(ctx, trigRetryReview, StateReviewing)
}

// sendFeedback ends the review of this candidate and hands the problem back to the
// generator. The reviewer re-arms for the next candidate.
func (r *Reviewer) sendFeedback(ctx context.Context) {
	fb := proto.CodeFeedback{NeedsRevision: true, Line: -1}
	if r.verdict != nil {
		fb = *r.verdict
		fb.NeedsRevision = true
	}
	fb.ErrorCode = errorCode(r.verdict, r.diag)
	if fb.Feedback == "" {
		fb.Feedback = r.describeDiagnostic()
	}
	r.verdict = nil

	r.logger.Info("📨 Auto-fix budget spent, sending feedback [%s]", fb.ErrorCode)
	r.machine.Fire(ctx, trigFeedbackSent)
	r.send(ctx, []string{dispatch.Generator}, proto.New(fb))
}

func (r *Reviewer) describeDiagnostic() string {
	out := strings.TrimSpace(utils.TruncateMiddle(r.diag.Output, r.cfg.MaxOutputTokens))
	if out == "" {
		return "The candidate did not pass the testbench."
	}
	return fmt.Sprintf("Execution failed (%s): %s", r.diag.Class, out)
}

func (r *Reviewer) ask(ctx context.Context, tmpl templates.StateTemplate, data *templates.TemplateData) (string, error) {
	prompt, err := r.renderer.Render(tmpl, data)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", tmpl, err)
	}
	reply, err := r.conv.Ask(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("completion: %w", err)
	}
	return reply, nil
}

func (r *Reviewer) send(ctx context.Context, to []string, msg *proto.Message) {
	if err := r.router.Send(ctx, Name, to, msg); err != nil {
		r.logger.Debug("Send %s: %v", msg.Kind(), err)
	}
}
