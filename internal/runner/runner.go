// Package runner drives workflows over a directory of benchmark experiments.
//
// Each experiment gets its own run directory, completion client and toolchain. The
// results database, knowledge service and usage recorder are shared. Runs execute on
// a bounded worker pool; a stop request ends scheduling while started runs finish.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"hdlforge/pkg/agent/llm"
	"hdlforge/pkg/agent/middleware/metrics"
	"hdlforge/pkg/config"
	"hdlforge/pkg/executor"
	"hdlforge/pkg/knowledge"
	"hdlforge/pkg/logx"
	"hdlforge/pkg/persistence"
	"hdlforge/pkg/recorder"
	"hdlforge/pkg/templates"
	"hdlforge/pkg/workflow"
)

// workflowActor labels the metrics of the client shared by a run's actors.
const workflowActor = "workflow"

// ClientFunc builds the completion client for one run.
type ClientFunc func(scope metrics.Scope, keyIndex int) (llm.LLMClient, error)

// ToolchainFunc builds the toolchain for one run directory.
type ToolchainFunc func(runDir string) executor.Toolchain

// Store is the run ledger and result store.
type Store interface {
	recorder.Store
	StartRun(run *persistence.Run) error
}

// Deps are the collaborators shared by every run. Retriever, Store and Usage may be nil.
type Deps struct {
	NewClient    ClientFunc
	NewToolchain ToolchainFunc
	Renderer     *templates.Renderer
	Retriever    knowledge.Retriever
	Store        Store
	Usage        *metrics.InternalRecorder
}

// Options select what one invocation runs.
type Options struct {
	Target     string
	NoParallel bool
	// KeyIndex is the first API key slot; run i uses KeyIndex+i.
	KeyIndex int
}

// Result is the outcome of one experiment.
type Result struct {
	Experiment       string
	RunDir           string
	Outcome          *workflow.Outcome
	Err              error
	Skipped          bool
	PromptTokens     int64
	CompletionTokens int64
	Duration         time.Duration
}

// Failed reports whether the experiment counts against the exit code.
func (r *Result) Failed() bool {
	if r.Skipped {
		return false
	}
	return r.Err != nil || r.Outcome == nil || !r.Outcome.Success
}

// Runner schedules experiments.
type Runner struct {
	cfg      *config.Config
	deps     Deps
	logger   *logx.Logger
	stopping atomic.Bool
}

// New creates a runner. NewClient and NewToolchain are required.
func New(cfg *config.Config, deps Deps) (*Runner, error) {
	if cfg == nil || deps.NewClient == nil || deps.NewToolchain == nil {
		return nil, fmt.Errorf("%w: runner needs a config, a client builder and a toolchain builder", config.ErrInvalidConfig)
	}
	if deps.Renderer == nil {
		r, err := templates.NewRenderer()
		if err != nil {
			return nil, fmt.Errorf("load templates: %w", err)
		}
		deps.Renderer = r
	}
	return &Runner{cfg: cfg, deps: deps, logger: logx.NewLogger("runner")}, nil
}

// Stop ends scheduling. Runs already started are not interrupted.
func (r *Runner) Stop() {
	if r.stopping.CompareAndSwap(false, true) {
		r.logger.Info("🛑 Stop requested, no further experiments will start")
	}
}

// Stopping reports whether Stop was called.
func (r *Runner) Stopping() bool {
	return r.stopping.Load()
}

// StopOnSignal calls Stop on the first SIGINT or SIGTERM. The returned function
// releases the signal handler.
func (r *Runner) StopOnSignal() func() {
	sigs := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigs:
			r.logger.Info("Received signal %v, initiating graceful shutdown...", sig)
			r.Stop()
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

// Run discovers experiments and runs each once. Discovery problems with the root are
// errors; everything about a single experiment is reported in its Result.
func (r *Runner) Run(ctx context.Context, opts Options) ([]Result, error) {
	exps, err := Discover(r.cfg.Experiments.Root, opts.Target)
	if err != nil {
		return nil, err
	}
	if len(exps) == 0 {
		r.logger.Warn("⚠️  No experiments found under %s", r.cfg.Experiments.Root)
		return nil, nil
	}

	workers := r.cfg.Experiments.Workers
	if opts.NoParallel || workers < 1 {
		workers = 1
	}
	r.logger.Info("🎯 Running %d experiments with %d workers (model %s)", len(exps), workers, r.cfg.LLM.Model)

	results := make([]Result, len(exps))
	started := make([]bool, len(exps))

	g := new(errgroup.Group)
	g.SetLimit(workers)
	for i := range exps {
		if r.Stopping() || ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// Go blocks while the pool is full; a stop during that wait lands here.
			if r.Stopping() || ctx.Err() != nil {
				return nil
			}
			started[i] = true
			results[i] = r.runOne(ctx, opts.KeyIndex+i, &exps[i])
			return nil
		})
	}
	_ = g.Wait()

	ran := make([]Result, 0, len(exps))
	for i := range results {
		if started[i] {
			ran = append(ran, results[i])
		}
	}
	if len(ran) < len(exps) {
		r.logger.Info("🛑 %d experiments not started", len(exps)-len(ran))
	}
	return ran, nil
}

func (r *Runner) runOne(ctx context.Context, keyIndex int, exp *Experiment) Result {
	start := time.Now()
	res := Result{Experiment: exp.Name}
	if exp.Err != nil {
		r.logger.Error("❌ %v", exp.Err)
		res.Err = exp.Err
		return res
	}

	dir, err := ClaimRunDir(r.cfg.Experiments.Output, r.cfg.LLM.Model, exp.Name, r.cfg.Experiments.MaxRuns)
	if errors.Is(err, ErrNoFreeSlot) {
		r.logger.Warn("⚠️  Skipping experiment %s (too many runs)", exp.Name)
		res.Skipped = true
		return res
	}
	if err != nil {
		res.Err = err
		return res
	}
	res.RunDir = dir
	r.logger.Info("Experiment folder: %s", dir)

	raw, err := os.ReadFile(exp.PromptFile)
	if err != nil {
		res.Err = fmt.Errorf("%w: read design request: %w", config.ErrInvalidConfig, err)
		return res
	}

	client, err := r.deps.NewClient(metrics.Scope{Experiment: exp.Name, Actor: workflowActor}, keyIndex)
	if err != nil {
		res.Err = err
		r.logger.Error("❌ Experiment %s: %v", exp.Name, err)
		return res
	}

	runID := persistence.NewRunID()
	if r.deps.Store != nil {
		if err := r.deps.Store.StartRun(&persistence.Run{
			ID:         runID,
			Experiment: exp.Name,
			Model:      r.cfg.LLM.Model,
			RunDir:     dir,
		}); err != nil {
			r.logger.Warn("⚠️  Failed to record run start for %s: %v", exp.Name, err)
		}
	}

	usage := func() (int64, int64) { return r.usage(exp.Name) }
	deps := workflow.Deps{
		Client:    client,
		Toolchain: r.deps.NewToolchain(dir),
		Renderer:  r.deps.Renderer,
		Retriever: r.deps.Retriever,
		Usage:     usage,
	}
	if r.deps.Store != nil {
		deps.Store = r.deps.Store
	}

	r.logger.Info("Starting experiment: %s", exp.Name)
	out, err := workflow.Run(ctx, r.cfg, workflow.Request{
		Experiment:  exp.Name,
		Requirement: strings.TrimSpace(string(raw)),
		RunDir:      dir,
		RunID:       runID,
		CheckFiles:  []string{exp.Testbench, exp.Reference},
	}, deps)
	res.PromptTokens, res.CompletionTokens = usage()
	res.Duration = time.Since(start)
	if err != nil {
		res.Err = err
		r.logger.Error("❌ Experiment %s failed: %v", exp.Name, err)
		if r.deps.Store != nil {
			if ferr := r.deps.Store.FinishRun(runID, persistence.OutcomeFailure, err.Error(),
				res.PromptTokens, res.CompletionTokens); ferr != nil {
				r.logger.Warn("⚠️  Failed to finish run %s: %v", runID, ferr)
			}
		}
		return res
	}
	res.Outcome = out
	return res
}

func (r *Runner) usage(experiment string) (int64, int64) {
	if r.deps.Usage == nil {
		return 0, 0
	}
	m := r.deps.Usage.Get(experiment)
	if m == nil {
		return 0, 0
	}
	return m.PromptTokens, m.CompletionTokens
}
