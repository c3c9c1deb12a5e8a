// Package executor writes candidate artifacts to disk, compiles them against the
// experiment's check files and reports the outcome to the sender.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"hdlforge/pkg/dispatch"
	"hdlforge/pkg/hdl"
	"hdlforge/pkg/logx"
	"hdlforge/pkg/proto"
	"hdlforge/pkg/utils"
)

// Name is the executor's router address.
const Name = dispatch.Executor

// maxNameSuffix bounds the search for a free artifact file name.
const maxNameSuffix = 10000

// ErrMissingCheckFiles is reported when a testbench or reference file is absent.
var ErrMissingCheckFiles = errors.New("check files missing")

// Config holds the executor's per-run settings.
type Config struct {
	// WorkDir receives the artifact files and the compiled binary.
	WorkDir string
	// CheckFiles are compiled together with each artifact (testbench, reference model).
	CheckFiles []string
	// PassMarker must appear in a clean run's output for the checks to count as passed.
	PassMarker string
	// Timeout is the simulation wall-clock budget.
	Timeout time.Duration
	// MaxFailures is how many compilation and runtime failures are reported before giving up.
	MaxFailures int
	// MaxOutputTokens truncates diagnostics; zero keeps them whole.
	MaxOutputTokens int
}

// Executor is the actor wrapping a Toolchain. It is driven by one router goroutine.
type Executor struct {
	router    dispatch.Sender
	toolchain Toolchain
	cfg       Config
	logger    *logx.Logger
	failures  int
	runs      int
}

// New creates an executor actor.
func New(router dispatch.Sender, toolchain Toolchain, cfg Config, logger *logx.Logger) *Executor {
	if logger == nil {
		logger = logx.NewLogger(Name)
	}
	return &Executor{
		router:    router,
		toolchain: toolchain,
		cfg:       cfg,
		logger:    logger,
	}
}

// Failures returns the number of counted compilation and runtime failures.
func (e *Executor) Failures() int {
	return e.failures
}

// Receive implements dispatch.Actor. Only code artifacts are handled.
func (e *Executor) Receive(ctx context.Context, msg *proto.Message) {
	artifact, ok := msg.Content().(proto.CodeArtifact)
	if !ok {
		e.logger.Debug("Ignoring %s", msg)
		return
	}
	reply := e.execute(ctx, msg, artifact.Code)
	if reply == nil {
		return
	}
	_ = e.router.Send(ctx, Name, []string{msg.Sender()}, reply)
}

func (e *Executor) execute(ctx context.Context, msg *proto.Message, raw string) *proto.Message {
	code := hdl.StripFences(raw)
	autoCorrection := msg.Flag(proto.KeyIsAutoCorrection)
	parent := proto.WithParent(msg.ID())

	if e.cfg.MaxFailures > 0 && e.failures >= e.cfg.MaxFailures {
		return e.giveUp(code, "executor failure budget exhausted", "", parent)
	}

	if err := e.checkFiles(); err != nil {
		e.logger.Error("❌ %v", err)
		return proto.New(proto.ExecutionFailed{Reason: err.Error(), Code: code, Failures: e.failures}, parent)
	}

	path, err := e.writeArtifact(code)
	if err != nil {
		e.logger.Error("❌ %v", err)
		return proto.New(proto.ExecutionFailed{Reason: err.Error(), Code: code, Failures: e.failures}, parent)
	}
	e.logger.Info("💾 Verilog code saved to: %s", path)

	e.runs++
	binary := filepath.Join(e.cfg.WorkDir, fmt.Sprintf("output_%d.vvp", e.runs))
	sources := append([]string{path}, e.cfg.CheckFiles...)

	res, err := e.toolchain.Compile(ctx, binary, sources)
	if err != nil {
		return proto.New(proto.ExecutionFailed{Reason: err.Error(), Code: code, Failures: e.failures}, parent)
	}
	if res.ExitCode != 0 {
		return e.failed(&ToolchainError{Kind: KindCompilation, ExitCode: res.ExitCode, Output: res.Output()}, code, parent)
	}

	res, err = e.toolchain.Run(ctx, binary, e.cfg.Timeout)
	if err != nil {
		return proto.New(proto.ExecutionFailed{Reason: err.Error(), Code: code, Failures: e.failures}, parent)
	}

	switch {
	case res.TimedOut:
		return e.timedOut(&ToolchainError{Kind: KindTimeout, ExitCode: res.ExitCode, Output: res.Output()}, code, autoCorrection, parent)
	case res.ExitCode != 0:
		return e.failed(&ToolchainError{Kind: KindRuntime, ExitCode: res.ExitCode, Output: res.Output()}, code, parent)
	case !strings.Contains(res.Output(), e.cfg.PassMarker):
		e.logger.Info("Simulation finished without %q", e.cfg.PassMarker)
		return proto.New(proto.Diagnostic{Class: proto.ClassTestFailure, Output: e.truncate(res.Output())}, parent)
	default:
		e.logger.Info("✅ All checks passed")
		return proto.New(proto.ExecutionResult{
			Success:          true,
			AllChecksPassed:  true,
			Output:           res.Stdout,
			Code:             code,
			IsAutoCorrection: autoCorrection,
		}, parent)
	}
}

// timedOut reports a killed simulation. It is its own diagnostic class and does not
// count against the failure budget.
func (e *Executor) timedOut(terr *ToolchainError, code string, autoCorrection bool, parent proto.Option) *proto.Message {
	e.logger.Warn("⏱️  %v after %s", terr, e.cfg.Timeout)
	return proto.New(proto.ExecutionResult{
		Output:           fmt.Sprintf("Simulation timed out after %s.\n%s", e.cfg.Timeout, e.truncate(terr.Output)),
		Code:             code,
		IsAutoCorrection: autoCorrection,
		TimedOut:         true,
	}, parent, proto.WithFlag(proto.KeyTimedOut, true))
}

// failed counts a compilation or runtime failure and builds its diagnostic, or the
// terminal report once the budget is spent.
func (e *Executor) failed(terr *ToolchainError, code string, parent proto.Option) *proto.Message {
	e.failures++
	output := e.truncate(terr.Output)
	e.logger.Warn("⚠️  %v (%d/%d)", terr, e.failures, e.cfg.MaxFailures)

	if e.cfg.MaxFailures > 0 && e.failures >= e.cfg.MaxFailures {
		return e.giveUp(code, fmt.Sprintf("%d toolchain failures", e.failures), output, parent)
	}

	class := proto.ClassCompilation
	if terr.Kind == KindRuntime {
		class = proto.ClassRuntime
	}
	return proto.New(proto.Diagnostic{Class: class, Output: output}, parent)
}

func (e *Executor) giveUp(code, reason, last string, parent proto.Option) *proto.Message {
	e.logger.Error("❌ Executor giving up: %s", reason)
	return proto.New(proto.ExecutionFailed{
		Reason:         reason,
		LastDiagnostic: last,
		Code:           code,
		Failures:       e.failures,
	}, parent)
}

func (e *Executor) checkFiles() error {
	if len(e.cfg.CheckFiles) == 0 {
		return fmt.Errorf("%w: none configured", ErrMissingCheckFiles)
	}
	for _, f := range e.cfg.CheckFiles {
		if _, err := os.Stat(f); err != nil {
			return fmt.Errorf("%w: %s", ErrMissingCheckFiles, f)
		}
	}
	return nil
}

// writeArtifact creates <module>.v, or the first free <module>_<n>.v, exclusively.
func (e *Executor) writeArtifact(code string) (string, error) {
	if err := os.MkdirAll(e.cfg.WorkDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create work dir: %w", err)
	}
	name := hdl.SafeName(hdl.ModuleName(code))

	for i := 0; i < maxNameSuffix; i++ {
		file := name + ".v"
		if i > 0 {
			file = fmt.Sprintf("%s_%d.v", name, i)
		}
		path := filepath.Join(e.cfg.WorkDir, file)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create %s: %w", path, err)
		}
		_, werr := f.WriteString(code + "\n")
		cerr := f.Close()
		if werr != nil {
			return "", fmt.Errorf("failed to write %s: %w", path, werr)
		}
		if cerr != nil {
			return "", fmt.Errorf("failed to close %s: %w", path, cerr)
		}
		return path, nil
	}
	return "", fmt.Errorf("no free file name for module %s", name)
}

func (e *Executor) truncate(output string) string {
	if e.cfg.MaxOutputTokens <= 0 {
		return output
	}
	return utils.TruncateMiddle(output, e.cfg.MaxOutputTokens)
}
