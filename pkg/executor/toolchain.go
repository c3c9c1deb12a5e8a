package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"hdlforge/pkg/config"
	"hdlforge/pkg/exec"
)

// compileTimeout bounds one compiler invocation. The simulation budget is configured separately.
const compileTimeout = time.Minute

// Toolchain compiles Verilog sources into a simulation binary and runs it.
type Toolchain interface {
	// Compile builds output from sources. sources[0] is the artifact; the rest are check files.
	Compile(ctx context.Context, output string, sources []string) (exec.Result, error)
	// Run executes the compiled binary. A run past timeout is killed and reported TimedOut.
	Run(ctx context.Context, binary string, timeout time.Duration) (exec.Result, error)
}

// ErrorKind classifies a toolchain failure.
type ErrorKind string

const (
	KindCompilation ErrorKind = "compilation"
	KindRuntime     ErrorKind = "runtime"
	KindTimeout     ErrorKind = "timeout"
)

// ToolchainError is a failed compile or run step.
type ToolchainError struct {
	Kind     ErrorKind
	ExitCode int
	Output   string
}

func (e *ToolchainError) Error() string {
	if e.Kind == KindTimeout {
		return fmt.Sprintf("run timed out (exit %d)", e.ExitCode)
	}
	return fmt.Sprintf("%s failed (exit %d)", e.Kind, e.ExitCode)
}

// CommandToolchain runs configured command templates, iverilog and vvp by default.
// Templates may use {output}, {artifact}, {checks} and {binary}; {checks} expands to
// one argument per check file.
type CommandToolchain struct {
	runner  exec.Executor
	compile []string
	run     []string
	workDir string
}

// NewCommandToolchain builds a toolchain from the executor configuration.
func NewCommandToolchain(cfg config.ExecutorConfig, runner exec.Executor, workDir string) *CommandToolchain {
	if runner == nil {
		runner = exec.NewLocalExec()
	}
	return &CommandToolchain{
		runner:  runner,
		compile: cfg.CompileCommand,
		run:     cfg.RunCommand,
		workDir: workDir,
	}
}

// Compile implements Toolchain.
func (t *CommandToolchain) Compile(ctx context.Context, output string, sources []string) (exec.Result, error) {
	if len(sources) == 0 {
		return exec.Result{}, fmt.Errorf("compile: no sources")
	}
	cmd := expand(t.compile, map[string][]string{
		"{output}":   {output},
		"{binary}":   {output},
		"{artifact}": {sources[0]},
		"{checks}":   sources[1:],
	})
	res, err := t.runner.Run(ctx, cmd, &exec.Opts{Timeout: compileTimeout, WorkDir: t.workDir})
	if err != nil {
		return res, fmt.Errorf("compile: %w", err)
	}
	return res, nil
}

// Run implements Toolchain.
func (t *CommandToolchain) Run(ctx context.Context, binary string, timeout time.Duration) (exec.Result, error) {
	cmd := expand(t.run, map[string][]string{
		"{binary}": {binary},
		"{output}": {binary},
	})
	res, err := t.runner.Run(ctx, cmd, &exec.Opts{Timeout: timeout, WorkDir: t.workDir})
	if err != nil {
		return res, fmt.Errorf("run: %w", err)
	}
	return res, nil
}

// expand substitutes placeholders. An argument that is exactly a placeholder is replaced
// by all of its values; a placeholder embedded in a longer argument takes the values
// joined by spaces.
func expand(template []string, vars map[string][]string) []string {
	out := make([]string, 0, len(template)+4)
	for _, arg := range template {
		if values, ok := vars[arg]; ok {
			out = append(out, values...)
			continue
		}
		for key, values := range vars {
			arg = strings.ReplaceAll(arg, key, strings.Join(values, " "))
		}
		out = append(out, arg)
	}
	return out
}
