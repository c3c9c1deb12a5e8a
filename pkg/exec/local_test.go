package exec

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestLocalExec_Name(t *testing.T) {
	exec := NewLocalExec()
	if exec.Name() != "local" {
		t.Errorf("Expected name 'local', got %s", exec.Name())
	}
}

func TestLocalExec_Run_Success(t *testing.T) {
	exec := NewLocalExec()

	opts := DefaultExecOpts()
	result, err := exec.Run(context.Background(), []string{"echo", "hello world"}, &opts)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("Expected exit code 0, got %d", result.ExitCode)
	}
	if strings.TrimSpace(result.Stdout) != "hello world" {
		t.Errorf("Expected stdout 'hello world', got %s", result.Stdout)
	}
	if result.Duration <= 0 {
		t.Error("Expected positive duration")
	}
	if result.TimedOut {
		t.Error("Did not expect a timeout")
	}
}

func TestLocalExec_Run_Failure(t *testing.T) {
	exec := NewLocalExec()

	result, err := exec.Run(context.Background(), []string{"sh", "-c", "echo boom >&2; exit 3"}, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", result.ExitCode)
	}
	if strings.TrimSpace(result.Stderr) != "boom" {
		t.Errorf("Expected stderr 'boom', got %q", result.Stderr)
	}
	if strings.TrimSpace(result.Output()) != "boom" {
		t.Errorf("Output should fall back to stderr, got %q", result.Output())
	}
}

func TestLocalExec_Run_Timeout(t *testing.T) {
	exec := NewLocalExec()

	opts := Opts{Timeout: 100 * time.Millisecond}
	start := time.Now()
	result, err := exec.Run(context.Background(), []string{"sleep", "5"}, &opts)
	if err != nil {
		t.Fatalf("Timeout must be a result, not an error: %v", err)
	}
	if !result.TimedOut {
		t.Error("Expected TimedOut")
	}
	if result.ExitCode != TimeoutExitCode {
		t.Errorf("Expected exit code %d, got %d", TimeoutExitCode, result.ExitCode)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Process was not killed promptly: %v", elapsed)
	}
}

func TestLocalExec_Run_ParentCancel(t *testing.T) {
	exec := NewLocalExec()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := exec.Run(ctx, []string{"sleep", "5"}, nil); err == nil {
		t.Error("Expected error when the caller's context is cancelled")
	}
}

func TestLocalExec_Run_EmptyCommand(t *testing.T) {
	exec := NewLocalExec()
	if _, err := exec.Run(context.Background(), []string{}, nil); err == nil {
		t.Error("Expected error for empty command")
	}
}

func TestLocalExec_Run_WorkDir(t *testing.T) {
	exec := NewLocalExec()
	dir := t.TempDir()

	result, err := exec.Run(context.Background(), []string{"pwd"}, &Opts{WorkDir: dir})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	got, _ := os.Stat(strings.TrimSpace(result.Stdout))
	want, _ := os.Stat(dir)
	if got == nil || want == nil || !os.SameFile(got, want) {
		t.Errorf("Expected pwd %s, got %s", dir, result.Stdout)
	}

	if _, err := exec.Run(context.Background(), []string{"pwd"}, &Opts{WorkDir: dir + "/missing"}); err == nil {
		t.Error("Expected error for missing working directory")
	}
}

func TestLocalExec_Run_Env(t *testing.T) {
	exec := NewLocalExec()

	result, err := exec.Run(context.Background(), []string{"sh", "-c", "echo $HDLFORGE_TEST_VAR"}, &Opts{Env: []string{"HDLFORGE_TEST_VAR=set"}})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if strings.TrimSpace(result.Stdout) != "set" {
		t.Errorf("Expected env var in output, got %q", result.Stdout)
	}
}
