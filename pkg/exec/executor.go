// Package exec runs external toolchain commands with a hard wall-clock budget.
package exec

import (
	"context"
	"time"
)

// TimeoutExitCode is reported when a command was killed for exceeding its timeout.
// It matches the exit status of coreutils timeout(1).
const TimeoutExitCode = 124

// Executor defines the interface for executing commands.
type Executor interface {
	// Run executes a command with the given options and returns the result.
	// A non-zero exit is not an error; callers inspect Result.ExitCode.
	Run(ctx context.Context, cmd []string, opts *Opts) (Result, error)

	// Name returns the executor type name for logging/debugging.
	Name() string
}

// Opts contains options for command execution.
type Opts struct {
	// Env contains extra environment variables (KEY=VALUE format).
	Env []string

	// Timeout is the maximum duration for command execution. Zero means no limit.
	Timeout time.Duration

	// WorkDir is the working directory for the command.
	WorkDir string
}

// Result contains the result of command execution.
type Result struct {
	Stdout   string
	Stderr   string
	Duration time.Duration
	ExitCode int
	TimedOut bool
}

// Output joins stdout and stderr for diagnostics.
func (r Result) Output() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}

// DefaultExecOpts returns default execution options.
func DefaultExecOpts() Opts {
	return Opts{Timeout: time.Minute}
}
