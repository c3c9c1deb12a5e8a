// Package workflow wires one coordination instance: a router, the four actors and a
// requester, driven by a single design request until a terminal notification.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"hdlforge/pkg/agent"
	"hdlforge/pkg/agent/llm"
	"hdlforge/pkg/config"
	"hdlforge/pkg/dispatch"
	"hdlforge/pkg/eventlog"
	"hdlforge/pkg/executor"
	"hdlforge/pkg/generator"
	"hdlforge/pkg/hdl"
	"hdlforge/pkg/knowledge"
	"hdlforge/pkg/logx"
	"hdlforge/pkg/proto"
	"hdlforge/pkg/recorder"
	"hdlforge/pkg/reviewer"
	"hdlforge/pkg/state"
	"hdlforge/pkg/templates"
)

// ErrEmptyRequirement is a configuration error: there is nothing to generate.
var ErrEmptyRequirement = errors.New("empty design requirement")

// diagnosticTokens bounds executor output kept in messages and prompts.
const diagnosticTokens = 1500

// Request describes one run of one experiment.
type Request struct {
	Experiment  string
	Requirement string
	RunDir      string
	RunID       string
	// CheckFiles are compiled with every artifact: the testbench and the reference model.
	CheckFiles []string
}

// Deps are the collaborators shared by runs. Retriever and Store may be nil.
type Deps struct {
	Client    llm.LLMClient
	Toolchain executor.Toolchain
	Renderer  *templates.Renderer
	Retriever knowledge.Retriever
	Store     recorder.Store
	// Usage reports tokens spent by this run, for the run ledger.
	Usage func() (prompt, completion int64)
}

// Outcome summarizes a finished run.
type Outcome struct {
	Experiment string
	Kind       proto.Kind
	ModuleName string
	Code       string
	Reason     string
	Trace      []string
	Messages   []*proto.Message
	Attempts   int
	Duration   time.Duration
	Success    bool
}

// requester is the run's external party. It only collects what it is sent.
type requester struct {
	msgs     []*proto.Message
	terminal *proto.Message
}

func (q *requester) Receive(_ context.Context, msg *proto.Message) {
	q.msgs = append(q.msgs, msg)
	if q.terminal == nil && msg.Kind().IsTerminal() {
		q.terminal = msg
	}
}

// Run executes one workflow instance and returns its outcome. Only configuration
// problems are errors; every other failure ends as an unsuccessful Outcome.
func Run(ctx context.Context, cfg *config.Config, req Request, deps Deps) (*Outcome, error) {
	start := time.Now()
	if strings.TrimSpace(req.Requirement) == "" {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, ErrEmptyRequirement)
	}
	if deps.Client == nil || deps.Toolchain == nil {
		return nil, fmt.Errorf("%w: workflow needs a completion client and a toolchain", config.ErrInvalidConfig)
	}
	if deps.Renderer == nil {
		r, err := templates.NewRenderer()
		if err != nil {
			return nil, fmt.Errorf("load templates: %w", err)
		}
		deps.Renderer = r
	}

	name := req.Experiment
	if name == "" {
		name = "run"
	}
	logger := func(actor string) *logx.Logger { return logx.NewLogger(name + "/" + actor) }

	router := dispatch.NewRouter(logger("router"))

	var machineOpts []agent.MachineOption
	if req.RunDir != "" {
		store, err := state.NewStore(filepath.Join(req.RunDir, "state"))
		if err != nil {
			return nil, fmt.Errorf("state store: %w", err)
		}
		machineOpts = append(machineOpts, agent.WithStore(store))

		events, err := eventlog.NewWriter(req.RunDir)
		if err != nil {
			return nil, fmt.Errorf("event log: %w", err)
		}
		defer func() {
			if err := events.Close(); err != nil {
				logger("router").Warn("⚠️  Failed to close event log: %v", err)
			}
		}()
		router.Observe(events.Tap())
	}

	gen, err := generator.New(router, deps.Client, deps.Renderer, deps.Retriever, generator.Config{
		MaxRetries:  cfg.Agents.MaxGenerationRetries,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		TopK:        cfg.Knowledge.TopK,
	}, logger(dispatch.Generator), machineOpts...)
	if err != nil {
		return nil, err
	}
	rev, err := reviewer.New(router, deps.Client, deps.Renderer, deps.Retriever, reviewer.Config{
		MaxAutoFixAttempts: cfg.Agents.MaxAutoFixAttempts,
		Temperature:        llm.TemperatureDeterministic,
		MaxTokens:          cfg.LLM.MaxTokens,
		TopK:               cfg.Knowledge.TopK,
		MaxOutputTokens:    diagnosticTokens,
	}, logger(dispatch.Reviewer), machineOpts...)
	if err != nil {
		return nil, err
	}
	exe := executor.New(router, deps.Toolchain, executor.Config{
		WorkDir:         req.RunDir,
		CheckFiles:      req.CheckFiles,
		PassMarker:      cfg.Executor.PassMarker,
		Timeout:         cfg.Executor.Timeout,
		MaxFailures:     cfg.Executor.MaxFailures,
		MaxOutputTokens: diagnosticTokens,
	}, logger(dispatch.Executor))

	var summaryClient llm.LLMClient
	if cfg.Recorder.LLMSummary {
		summaryClient = deps.Client
	}
	rec := recorder.New(router, deps.Store, summaryClient, deps.Renderer, recorder.Config{
		RunDir:     req.RunDir,
		RunID:      req.RunID,
		LLMSummary: cfg.Recorder.LLMSummary,
		Usage:      deps.Usage,
	}, logger(dispatch.Recorder))
	router.Observe(rec.Tap())

	user := &requester{}
	for actorName, actor := range map[string]dispatch.Actor{
		dispatch.Requester: user,
		dispatch.Generator: gen,
		dispatch.Reviewer:  rev,
		dispatch.Executor:  exe,
		dispatch.Recorder:  rec,
	} {
		if err := router.Register(actorName, actor); err != nil {
			return nil, fmt.Errorf("register %s: %w", actorName, err)
		}
	}

	logger("router").Info("🎯 Starting workflow for %s", name)
	_ = router.Send(ctx, dispatch.Requester, []string{dispatch.Generator},
		proto.New(proto.DesignRequest{Requirement: req.Requirement}))

	if user.terminal == nil {
		// Every path should end in a terminal notification. This one keeps the
		// exactly-one guarantee when an actor broke off anyway.
		reason := "workflow ended without a terminal notification"
		if err := ctx.Err(); err != nil {
			reason = fmt.Sprintf("workflow interrupted: %v", err)
		}
		logger("router").Warn("⚠️  %s (generator=%s reviewer=%s)", reason, gen.State(), rev.State())
		_ = router.Send(ctx, dispatch.Generator, []string{dispatch.Requester, dispatch.Recorder},
			proto.New(proto.GenerationFailed{
				Reason:      reason,
				LastCode:    router.GetState(dispatch.Generator).LastCode,
				Requirement: req.Requirement,
				Attempts:    gen.Attempts(),
			}))
	}

	out := outcome(name, user, rec, gen)
	out.Duration = time.Since(start)
	status := "✅"
	if !out.Success {
		status = "❌"
	}
	logger("router").Info("%s Workflow finished: %s in %s", status, out.Kind, out.Duration.Round(time.Millisecond))
	return out, nil
}

func outcome(name string, user *requester, rec *recorder.Recorder, gen *generator.Generator) *Outcome {
	out := &Outcome{
		Experiment: name,
		Messages:   user.msgs,
		Trace:      rec.Trace(),
		Attempts:   gen.Attempts(),
	}
	if user.terminal == nil {
		return out
	}
	out.Kind = user.terminal.Kind()
	switch c := user.terminal.Content().(type) {
	case proto.ExecutionSuccess:
		out.Success = true
		out.Code = c.Code
		out.Reason = "all checks passed"
	case proto.ExecutionFailed:
		out.Code = c.Code
		out.Reason = c.Reason
	case proto.GenerationFailed:
		out.Code = c.LastCode
		out.Reason = c.Reason
	}
	out.ModuleName = hdl.ModuleName(out.Code)
	return out
}
