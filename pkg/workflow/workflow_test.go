package workflow

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hdlforge/internal/mocks"
	"hdlforge/pkg/config"
	"hdlforge/pkg/eventlog"
	"hdlforge/pkg/exec"
	"hdlforge/pkg/hdl"
	"hdlforge/pkg/persistence"
	"hdlforge/pkg/proto"
)

const (
	requirement = "Implement a module that outputs the AND of two inputs.\nmodule top_module(input a, input b, output out);"
	goodCode    = "module top_module(input a, input b, output out);\n  assign out = a & b;\nendmodule"
	brokenCode  = "module top_module(input a, input b, output out);\n  assign out = a & b\nendmodule"
)

// model scripts the completion service by template heading.
type model struct {
	generate []string // one per generation attempt, the last repeating
	fix      string   // auto-fix reply
	verdict  string   // verdict-only reply

	mu       sync.Mutex
	attempts int
}

func (m *model) reply(prompt string) mocks.Reply {
	switch {
	case strings.HasPrefix(prompt, "# Dependency Analysis"):
		return mocks.Reply{Content: `{"needs_flip_flop": false, "reason": "combinational"}`}
	case strings.HasPrefix(prompt, "# Component Analysis"):
		return mocks.Reply{Content: `{"required_components": ["and"]}`}
	case strings.HasPrefix(prompt, "# Verilog Generation"):
		m.mu.Lock()
		code := m.generate[min(m.attempts, len(m.generate)-1)]
		m.attempts++
		m.mu.Unlock()
		return mocks.Reply{Content: "```verilog\n" + code + "\n```"}
	case strings.HasPrefix(prompt, "# Structural Review"):
		return mocks.Reply{Content: "```verilog\n" + hdl.LastCodeBlock(prompt) + "\n```"}
	case strings.Contains(prompt, "Do not rewrite the code"):
		return mocks.Reply{Content: m.verdict}
	case strings.HasPrefix(prompt, "# Auto-Fix Review"):
		return mocks.Reply{Content: m.fix}
	}
	return mocks.Reply{Content: "unexpected prompt"}
}

type harness struct {
	cfg       config.Config
	client    *mocks.MockLLMClient
	toolchain *mocks.MockToolchain
	ops       *persistence.DatabaseOperations
	req       Request
}

func newHarness(t *testing.T, m *model) *harness {
	t.Helper()
	dir := t.TempDir()
	tb := filepath.Join(dir, "testbench.v")
	require.NoError(t, os.WriteFile(tb, []byte("module tb; endmodule\n"), 0o644))

	db, err := persistence.Open(filepath.Join(dir, "results.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ops := persistence.NewDatabaseOperations(db)

	runDir := filepath.Join(dir, "run")
	run := &persistence.Run{Experiment: "and_gate", Model: "mock-model", RunDir: runDir}
	require.NoError(t, ops.StartRun(run))
	require.NoError(t, os.MkdirAll(runDir, 0o755))

	h := &harness{
		cfg:       config.Default(),
		client:    mocks.NewMockLLMClient(),
		toolchain: mocks.NewMockToolchain(),
		ops:       ops,
		req: Request{
			Experiment:  "and_gate",
			Requirement: requirement,
			RunDir:      runDir,
			RunID:       run.ID,
			CheckFiles:  []string{tb},
		},
	}
	h.client.OnPrompt(m.reply)
	return h
}

func (h *harness) run(t *testing.T) *Outcome {
	t.Helper()
	out, err := Run(context.Background(), &h.cfg, h.req, Deps{
		Client:    h.client,
		Toolchain: h.toolchain,
		Store:     h.ops,
	})
	require.NoError(t, err)
	return out
}

func kinds(msgs []*proto.Message) []proto.Kind {
	out := make([]proto.Kind, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Kind())
	}
	return out
}

func compileFailsOn(marker string) func(string) exec.Result {
	return func(artifact string) exec.Result {
		if strings.Contains(artifact, marker) {
			return exec.Result{ExitCode: 1, Stderr: "top_module.v:2: syntax error\n"}
		}
		return exec.Result{}
	}
}

func TestScenarioHappyPath(t *testing.T) {
	h := newHarness(t, &model{generate: []string{goodCode}})

	out := h.run(t)

	assert.True(t, out.Success)
	assert.Equal(t, proto.KindExecutionSuccess, out.Kind)
	assert.Equal(t, goodCode, out.Code)
	assert.Equal(t, "top_module", out.ModuleName)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 1, h.toolchain.CompileCount())
	assert.Empty(t, cmp.Diff([]proto.Kind{proto.KindExecutionSuccess, proto.KindAgentStopped}, kinds(out.Messages)))

	// run artifacts
	_, err := os.Stat(filepath.Join(h.req.RunDir, "top_module.v"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(h.req.RunDir, "summary.txt"))
	assert.NoError(t, err)
	for _, actor := range []string{"generator", "reviewer"} {
		_, err := os.Stat(filepath.Join(h.req.RunDir, "state", actor+".json"))
		assert.NoError(t, err, actor)
	}

	files, err := eventlog.ListLogFiles(h.req.RunDir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	msgs, err := eventlog.ReadMessages(files[0])
	require.NoError(t, err)
	want := []proto.Kind{
		proto.KindDesignRequest,
		proto.KindCodeArtifact,    // generator → reviewer
		proto.KindCodeArtifact,    // reviewer → executor
		proto.KindExecutionResult, // executor → reviewer
		proto.KindExecutionSuccess,
		proto.KindStop,
		proto.KindAgentStopped,
	}
	assert.Empty(t, cmp.Diff(want, kinds(msgs)))

	got, err := h.ops.GetResult("top_module")
	require.NoError(t, err)
	assert.True(t, got.Successful)
	runs, err := h.ops.ListRuns("and_gate")
	require.NoError(t, err)
	assert.Equal(t, persistence.OutcomeSuccess, runs[0].Outcome)
}

func TestScenarioCompileFailureThenRecovery(t *testing.T) {
	fix := `{"needs_revision": false, "error_code": "", "line": -1}` + "\n```verilog\n" + goodCode + "\n```"
	h := newHarness(t, &model{generate: []string{brokenCode}, fix: fix})
	h.toolchain.CompileFunc = compileFailsOn("a & b\n")

	out := h.run(t)

	assert.True(t, out.Success)
	assert.Equal(t, goodCode, out.Code)
	assert.Equal(t, 2, h.toolchain.CompileCount(), "exactly two executor invocations")
	assert.Equal(t, 1, out.Attempts, "the reviewer fixed it without a new generation")
	assert.Contains(t, out.Trace, "[ERROR] Compilation Error: top_module.v:2: syntax error")
	assert.Contains(t, out.Trace, "[FIX] Auto-corrected top_module submitted for execution")
}

func TestScenarioBudgetExhaustion(t *testing.T) {
	verdict := `{"needs_revision": true, "error_code": "SyntaxError", "line": 2, "feedback": "missing semicolon", "suggestion": "end the assign with ;"}`
	h := newHarness(t, &model{generate: []string{brokenCode}, fix: "```verilog\n" + brokenCode + "\n```", verdict: verdict})
	h.cfg.Agents.MaxAutoFixAttempts = 2
	h.cfg.Agents.MaxGenerationRetries = 1
	h.toolchain.CompileFunc = compileFailsOn("a & b\n")

	out := h.run(t)

	assert.False(t, out.Success)
	assert.Equal(t, proto.KindGenerationFailed, out.Kind)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, []proto.Kind{proto.KindGenerationFailed}, kinds(out.Messages), "one terminal notification, nothing else")

	// artifact 1: structural run and one corrected run; artifact 2: one run, budget already spent;
	// then the best-effort run of the last artifact.
	assert.Equal(t, 4, h.toolchain.CompileCount())

	failed := out.Messages[0].Content().(proto.GenerationFailed)
	require.Len(t, failed.Feedback, 2)
	assert.Equal(t, "Line 2: missing semicolon. Suggestion: end the assign with ;", failed.Feedback[0])
	assert.Equal(t, brokenCode, failed.LastCode)

	runs, err := h.ops.ListRuns("and_gate")
	require.NoError(t, err)
	assert.Equal(t, persistence.OutcomeFailure, runs[0].Outcome)
}

func TestScenarioTimeout(t *testing.T) {
	fix := "```verilog\n" + goodCode + "\n```"
	h := newHarness(t, &model{generate: []string{goodCode}, fix: fix})
	runs := 0
	h.toolchain.RunFunc = func(string) exec.Result {
		runs++
		if runs == 1 {
			return exec.Result{TimedOut: true, ExitCode: exec.TimeoutExitCode}
		}
		return exec.Result{Stdout: "All tests passed\n"}
	}

	out := h.run(t)

	assert.True(t, out.Success)
	var autoFix []string
	for _, p := range h.client.Prompts() {
		if strings.HasPrefix(p, "# Auto-Fix Review") {
			autoFix = append(autoFix, p)
		}
	}
	require.Len(t, autoFix, 1)
	assert.Contains(t, autoFix[0], "## Diagnostic (timeout)")
	assert.Contains(t, autoFix[0], "timed_out=true")
	assert.Contains(t, autoFix[0], "Simulation timed out after 2s.")
}

func TestExecutorGivesUp(t *testing.T) {
	h := newHarness(t, &model{generate: []string{brokenCode}})
	h.cfg.Executor.MaxFailures = 1
	h.toolchain.CompileFunc = compileFailsOn("a & b\n")

	out := h.run(t)

	assert.False(t, out.Success)
	assert.Equal(t, proto.KindExecutionFailed, out.Kind)
	assert.Empty(t, cmp.Diff([]proto.Kind{proto.KindExecutionFailed, proto.KindAgentStopped}, kinds(out.Messages)))
	assert.Equal(t, 1, h.toolchain.CompileCount())
}

func TestEmptyRequirementIsConfigurationError(t *testing.T) {
	h := newHarness(t, &model{generate: []string{goodCode}})
	h.req.Requirement = "  "

	_, err := Run(context.Background(), &h.cfg, h.req, Deps{Client: h.client, Toolchain: h.toolchain})
	require.ErrorIs(t, err, config.ErrInvalidConfig)
	assert.ErrorIs(t, err, ErrEmptyRequirement)
	assert.Zero(t, h.client.GetCompleteCallCount())
}
