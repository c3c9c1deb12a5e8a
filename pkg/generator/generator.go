// Package generator implements the actor that turns a design requirement into a Verilog
// module and retries on reviewer feedback until its retry budget runs out.
package generator

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"hdlforge/pkg/agent"
	"hdlforge/pkg/agent/llm"
	"hdlforge/pkg/dispatch"
	"hdlforge/pkg/hdl"
	"hdlforge/pkg/knowledge"
	"hdlforge/pkg/logx"
	"hdlforge/pkg/proto"
	"hdlforge/pkg/templates"
)

// Name is the generator's router address.
const Name = dispatch.Generator

// Generator states.
const (
	StateIdle              agent.State = "idle"
	StateGenerating        agent.State = "generating"
	StateReviewingFeedback agent.State = "reviewing_feedback"
	StateAwaitingExecution agent.State = "awaiting_execution"
	StateFailure           agent.State = "failure"
	StateStopped           agent.State = "stopped"
)

const (
	trigDesignReceived    agent.Trigger = "design_received"
	trigCodeGenerated     agent.Trigger = "code_generated"
	trigReviewFeedback    agent.Trigger = "review_feedback"
	trigProcessFeedback   agent.Trigger = "process_feedback"
	trigMaxRetriesReached agent.Trigger = "max_retries_reached"
	trigStop              agent.Trigger = "stop"
)

const (
	generatorSystemPrompt = "You are an expert Verilog designer. You write complete, synthesizable modules that match the requested interface exactly."
	analysisSystemPrompt  = "You analyse digital design requirements. Answer with a single JSON object and nothing else."
)

// Config bounds one generator.
type Config struct {
	MaxRetries  int
	Temperature float32
	MaxTokens   int
	TopK        int
}

// Generator is the code-writing actor. All methods run on the router's call stack, so
// the actor needs no locking of its own.
type Generator struct {
	router    dispatch.Mediator
	client    llm.LLMClient
	renderer  *templates.Renderer
	retriever knowledge.Retriever
	logger    *logx.Logger
	machine   *agent.Machine
	conv      *llm.Conversation
	cfg       Config
	retries   agent.Budget

	requester     string
	requirement   string
	components    []string
	retrieved     string
	lastCode      string
	lastError     string
	lastFeedback  string
	feedbackTrail []string
	analysed      bool
	needsFlipFlop bool
}

// New builds a generator. retriever may be nil, which disables component retrieval.
func New(
	router dispatch.Mediator,
	client llm.LLMClient,
	renderer *templates.Renderer,
	retriever knowledge.Retriever,
	cfg Config,
	logger *logx.Logger,
	opts ...agent.MachineOption,
) (*Generator, error) {
	if logger == nil {
		logger = logx.NewLogger(Name)
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}

	g := &Generator{
		router:    router,
		client:    client,
		renderer:  renderer,
		retriever: retriever,
		logger:    logger,
		cfg:       cfg,
		retries:   agent.Budget{Name: "retry_count", Max: cfg.MaxRetries},
		requester: dispatch.Requester,
		conv:      llm.NewConversation(client, generatorSystemPrompt).WithSampling(cfg.MaxTokens, cfg.Temperature),
	}

	machine, err := agent.NewMachine(Name, g.definition(), append([]agent.MachineOption{agent.WithLogger(logger)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("generator machine: %w", err)
	}
	machine.OnEnter(StateGenerating, g.onGenerating)
	machine.OnEnter(StateReviewingFeedback, g.onReviewingFeedback)
	machine.OnEnter(StateFailure, g.onFailure)
	machine.OnEnter(StateStopped, g.onStopped)
	g.machine = machine
	return g, nil
}

func (g *Generator) definition() agent.Definition {
	return agent.Definition{
		Initial: StateIdle,
		States: []agent.State{
			StateIdle, StateGenerating, StateReviewingFeedback,
			StateAwaitingExecution, StateFailure, StateStopped,
		},
		Final: []agent.State{StateFailure, StateStopped},
		Rules: []agent.Rule{
			{Trigger: trigDesignReceived, Sources: []agent.State{StateIdle}, Dest: StateGenerating},
			{Trigger: trigCodeGenerated, Sources: []agent.State{StateGenerating}, Dest: StateAwaitingExecution},
			{
				Trigger: trigReviewFeedback,
				Sources: []agent.State{StateGenerating, StateAwaitingExecution},
				Dest:    StateReviewingFeedback,
				Guard:   func() bool { return g.machine.Remaining(g.retries) },
				Before:  func() { g.machine.Inc(g.retries.Name) },
			},
			// Out of retries: the same trigger ends the run.
			{Trigger: trigReviewFeedback, Sources: []agent.State{StateGenerating, StateAwaitingExecution}, Dest: StateFailure},
			{Trigger: trigProcessFeedback, Sources: []agent.State{StateReviewingFeedback}, Dest: StateGenerating},
			{Trigger: trigMaxRetriesReached, Sources: []agent.State{agent.Any}, Dest: StateFailure},
			{Trigger: trigStop, Sources: []agent.State{agent.Any}, Dest: StateStopped},
		},
	}
}

// Machine exposes the FSM for inspection.
func (g *Generator) Machine() *agent.Machine { return g.machine }

// State returns the current FSM state name.
func (g *Generator) State() string { return g.machine.Current().String() }

// Attempts is the number of generation attempts made so far.
func (g *Generator) Attempts() int { return g.machine.Counter(g.retries.Name) + 1 }

// Receive implements dispatch.Actor.
func (g *Generator) Receive(ctx context.Context, msg *proto.Message) {
	msg.Accept(inbound{ctx: ctx, g: g})
}

// inbound routes one message into the generator. It implements every Visitor method
// itself, so a new content kind does not build until the generator handles it.
type inbound struct {
	ctx context.Context
	g   *Generator
}

var _ proto.Visitor = inbound{}

func (in inbound) VisitDesignRequest(m *proto.Message, c proto.DesignRequest) {
	in.g.handleDesignRequest(in.ctx, m, c)
}

func (in inbound) VisitCodeFeedback(_ *proto.Message, c proto.CodeFeedback) {
	in.g.handleFeedback(in.ctx, c)
}

func (in inbound) VisitStop(m *proto.Message, c proto.Stop) {
	in.g.logger.Info("🛑 Stop requested by %s: %s", m.Sender(), c.Reason)
	in.g.machine.Fire(in.ctx, trigStop)
}

// Replies to the best-effort execution are informational.
func (in inbound) VisitExecutionResult(_ *proto.Message, c proto.ExecutionResult) {
	in.g.logger.Info("📨 Best-effort execution finished (passed=%t)", c.Passed())
}

func (in inbound) VisitDiagnostic(_ *proto.Message, c proto.Diagnostic) {
	in.g.logger.Info("📨 Best-effort execution reported %s", c.Class)
}

func (in inbound) VisitExecutionFailed(_ *proto.Message, c proto.ExecutionFailed) {
	in.g.logger.Info("📨 Executor gave up: %s", c.Reason)
}

func (in inbound) VisitCodeArtifact(m *proto.Message, _ proto.CodeArtifact)         { in.ignore(m) }
func (in inbound) VisitExecutionSuccess(m *proto.Message, _ proto.ExecutionSuccess) { in.ignore(m) }
func (in inbound) VisitGenerationFailed(m *proto.Message, _ proto.GenerationFailed) { in.ignore(m) }
func (in inbound) VisitAgentStopped(m *proto.Message, _ proto.AgentStopped)         { in.ignore(m) }

func (in inbound) ignore(m *proto.Message) {
	in.g.logger.Debug("Ignoring %s from %s", m.Kind(), m.Sender())
}

func (g *Generator) handleDesignRequest(ctx context.Context, msg *proto.Message, c proto.DesignRequest) {
	if g.machine.Current() != StateIdle {
		g.logger.Warn("⚠️  Design request ignored in state %s", g.machine.Current())
		return
	}
	g.requirement = c.Requirement
	if msg.Sender() != "" {
		g.requester = msg.Sender()
	}
	g.router.UpdateState(Name, dispatch.StatePatch{Requirement: dispatch.Set(c.Requirement)})
	g.logger.Info("🎯 Design request received (%d chars)", len(c.Requirement))
	g.machine.Fire(ctx, trigDesignReceived)
}

func (g *Generator) handleFeedback(ctx context.Context, fb proto.CodeFeedback) {
	if !fb.NeedsRevision {
		g.logger.Debug("Reviewer reports no revision needed")
		return
	}
	g.lastFeedback = fb.Text()
	g.feedbackTrail = append(g.feedbackTrail, g.lastFeedback)
	g.logger.Info("📨 Reviewer feedback [%s]: %s", fb.ErrorCode, g.lastFeedback)
	g.reportFailure(ctx)
}

// reportFailure routes through reviewing_feedback while retries remain, otherwise into failure.
func (g *Generator) reportFailure(ctx context.Context) {
	g.machine.Fire(ctx, trigReviewFeedback)
}

func (g *Generator) onGenerating(ctx context.Context) {
	if !g.analysed {
		g.analyse(ctx)
	}

	code, err := g.generate(ctx)
	if err != nil {
		g.lastError = err.Error()
		g.logger.Warn("⚠️  Generation attempt %d failed: %v", g.Attempts(), err)
		g.reportFailure(ctx)
		return
	}

	g.lastCode = code
	g.lastError = ""
	g.router.UpdateState(Name, dispatch.StatePatch{
		LastCode:   dispatch.Set(code),
		ModuleName: dispatch.Set(hdl.ModuleName(code)),
	})
	g.logger.Info("✅ Generated %s (attempt %d)", hdl.ModuleName(code), g.Attempts())

	// The transition is queued first so feedback triggered by this send finds
	// the machine in awaiting_execution.
	g.machine.Fire(ctx, trigCodeGenerated)
	g.send(ctx, []string{dispatch.Reviewer}, proto.New(proto.CodeArtifact{Code: code},
		proto.WithMeta(proto.KeyAttempt, strconv.Itoa(g.Attempts()))))
}

func (g *Generator) generate(ctx context.Context) (string, error) {
	data := &templates.TemplateData{
		Requirement:      g.requirement,
		ModuleHeader:     hdl.ModuleHeader(g.requirement),
		Retrieved:        g.retrieved,
		LastError:        g.lastError,
		ReviewerFeedback: g.lastFeedback,
		RetryCount:       g.machine.Counter(g.retries.Name),
	}
	if g.needsFlipFlop {
		data.FlipFlopCode = hdl.FlipFlopSource()
	}

	prompt, err := g.renderer.Render(templates.GenerateTemplate, data)
	if err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	reply, err := g.conv.Ask(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("completion: %w", err)
	}
	code := hdl.LastCodeBlock(reply)
	if code == "" || hdl.ModuleName(code) == hdl.UnknownModule {
		return "", ErrNoArtifact
	}
	return code, nil
}

func (g *Generator) onReviewingFeedback(ctx context.Context) {
	g.logger.Info("🔄 Retry %d/%d", g.machine.Counter(g.retries.Name), g.retries.Max)
	g.machine.Fire(ctx, trigProcessFeedback)
}

func (g *Generator) onFailure(ctx context.Context) {
	g.sendBestEffort(ctx)

	reason := fmt.Sprintf("generation failed after %d attempts", g.Attempts())
	g.logger.Error("❌ %s", reason)
	g.send(ctx, []string{g.requester, dispatch.Recorder, dispatch.Reviewer}, proto.New(proto.GenerationFailed{
		Reason:      reason,
		LastError:   g.lastErrorOrFeedback(),
		LastCode:    g.lastCode,
		Requirement: g.requirement,
		Feedback:    append([]string(nil), g.feedbackTrail...),
		Attempts:    g.Attempts(),
	}))
}

// sendBestEffort hands the most recent artifact straight to the executor so the run
// leaves evidence behind. The outcome is informational only.
func (g *Generator) sendBestEffort(ctx context.Context) {
	if g.lastCode == "" {
		return
	}
	code := g.lastCode
	if g.needsFlipFlop {
		code = hdl.WithFlipFlop(code)
	}
	g.logger.Info("📦 Best-effort execution of the last artifact")
	g.send(ctx, []string{dispatch.Executor}, proto.New(proto.CodeArtifact{Code: code},
		proto.WithFlag(proto.KeyBestEffort, true)))
}

func (g *Generator) lastErrorOrFeedback() string {
	if g.lastError != "" {
		return g.lastError
	}
	return g.lastFeedback
}

func (g *Generator) onStopped(ctx context.Context) {
	g.logger.Info("🛑 Generator stopped")
	g.send(ctx, []string{g.requester}, proto.New(proto.AgentStopped{Reason: "generator stopped"}))
}

func (g *Generator) send(ctx context.Context, to []string, msg *proto.Message) {
	if err := g.router.Send(ctx, Name, to, msg); err != nil {
		var de *dispatch.DeliveryError
		if errors.As(err, &de) {
			g.logger.Warn("⚠️  %s not delivered to %s: %v", msg.Kind(), de.Receiver, de.Err)
			return
		}
		g.logger.Warn("⚠️  Send %s failed: %v", msg.Kind(), err)
	}
}
