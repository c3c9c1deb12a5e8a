package recorder

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hdlforge/internal/mocks"
	"hdlforge/pkg/dispatch"
	"hdlforge/pkg/logx"
	"hdlforge/pkg/persistence"
	"hdlforge/pkg/proto"
	"hdlforge/pkg/templates"
)

const andCode = "module and_gate(input a, input b, output out);\n  and g1(out, a, b);\nendmodule"

type fixture struct {
	router *dispatch.Router
	rec    *Recorder
	ops    *persistence.DatabaseOperations
	runDir string
	runID  string
}

func newFixture(t *testing.T, client *mocks.MockLLMClient) *fixture {
	t.Helper()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ops := persistence.NewDatabaseOperations(db)

	run := &persistence.Run{Experiment: "and_gate", Model: "mock-model", RunDir: t.TempDir()}
	require.NoError(t, ops.StartRun(run))

	f := &fixture{
		router: dispatch.NewRouter(logx.NewLogger("router")),
		ops:    ops,
		runDir: run.RunDir,
		runID:  run.ID,
	}
	cfg := Config{
		RunDir: run.RunDir,
		RunID:  run.ID,
		Usage:  func() (int64, int64) { return 120, 30 },
	}
	var renderer *templates.Renderer
	if client != nil {
		cfg.LLMSummary = true
		renderer = templates.MustNewRenderer()
	}
	f.rec = New(f.router, ops, client, renderer, cfg, logx.NewLogger("test/recorder"))
	f.router.Observe(f.rec.Tap())
	require.NoError(t, f.router.Register(Name, f.rec))
	require.NoError(t, f.router.Register(dispatch.Generator, dispatch.ActorFunc(func(context.Context, *proto.Message) {})))
	f.router.UpdateState(dispatch.Generator, dispatch.StatePatch{Requirement: dispatch.Set("AND two inputs")})
	return f
}

func (f *fixture) send(t *testing.T, from string, to []string, c proto.Content, opts ...proto.Option) {
	t.Helper()
	_ = f.router.Send(context.Background(), from, to, proto.New(c, opts...))
}

func TestTraceLines(t *testing.T) {
	f := newFixture(t, nil)

	f.send(t, dispatch.Executor, []string{dispatch.Reviewer}, proto.Diagnostic{Class: proto.ClassCompilation, Output: "syntax error"})
	f.send(t, dispatch.Reviewer, []string{dispatch.Executor}, proto.CodeArtifact{Code: andCode}, proto.WithFlag(proto.KeyIsAutoCorrection, true))
	f.send(t, dispatch.Reviewer, []string{dispatch.Executor}, proto.CodeArtifact{Code: andCode})
	f.send(t, dispatch.Reviewer, []string{dispatch.Generator}, proto.CodeFeedback{NeedsRevision: true, ErrorCode: "LogicError", Line: -1, Feedback: "wrong gate"})
	f.send(t, dispatch.Reviewer, []string{dispatch.Generator}, proto.CodeFeedback{NeedsRevision: false, Line: -1})
	f.send(t, dispatch.Executor, []string{dispatch.Reviewer}, proto.ExecutionResult{Success: true, AllChecksPassed: true, Output: "All tests passed\n"})

	want := []string{
		"[ERROR] Compilation Error: syntax error",
		"[FIX] Auto-corrected and_gate submitted for execution",
		"[FEEDBACK] Reviewer [LogicError]: wrong gate",
		"[EXECUTION_RESULT] All tests passed",
	}
	assert.Empty(t, cmp.Diff(want, f.rec.Trace()))
	assert.Nil(t, f.rec.Outcome())
}

func TestSuccessFinalizesRun(t *testing.T) {
	f := newFixture(t, nil)
	f.send(t, dispatch.Executor, []string{dispatch.Reviewer}, proto.Diagnostic{Class: proto.ClassTestFailure, Output: "Mismatch"})

	f.send(t, dispatch.Reviewer, []string{dispatch.Requester, Name}, proto.ExecutionSuccess{
		Code: andCode, ExecutionResult: "All tests passed\n", Requirement: "AND two inputs",
	})

	out := f.rec.Outcome()
	require.NotNil(t, out)
	assert.True(t, out.Success)
	assert.Equal(t, "and_gate", out.ModuleName)

	got, err := f.ops.GetResult("and_gate")
	require.NoError(t, err)
	assert.True(t, got.Successful)
	assert.Equal(t, persistence.DesignCombinational, got.DesignType)
	assert.Equal(t, "AND two inputs", got.Requirement)
	assert.Equal(t, andCode, got.SolutionPattern)
	assert.Equal(t, []string{"Implements an AND gate using a single AND primitive"}, got.Features)
	assert.Equal(t, []string{"gate", "input", "output", "combinational", "AND"}, got.Tags)

	runs, err := f.ops.ListRuns("and_gate")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, persistence.OutcomeSuccess, runs[0].Outcome)
	assert.Equal(t, int64(120), runs[0].PromptTokens)
	assert.Equal(t, int64(30), runs[0].CompletionTokens)
	assert.NotNil(t, runs[0].FinishedAt)

	summary, err := os.ReadFile(filepath.Join(f.runDir, summaryFile))
	require.NoError(t, err)
	text := string(summary)
	assert.True(t, strings.HasPrefix(text, "=== Experiment Summary ===\nFinal Result: SUCCESS\nFinal Message: Code executed successfully\n"))
	assert.Contains(t, text, "---- All debug messages & process ----\n - [ERROR] Test Failure: Mismatch\n")
	assert.Contains(t, text, " - [EXECUTION_SUCCESS] Code executed successfully: All tests passed\n")

	_, err = os.Stat(filepath.Join(f.runDir, llmSummaryFile))
	assert.True(t, os.IsNotExist(err), "llm summary is off")
}

func TestOnlyFirstTerminalCounts(t *testing.T) {
	f := newFixture(t, nil)
	f.send(t, dispatch.Generator, []string{Name}, proto.GenerationFailed{Reason: "generation failed after 3 attempts", LastCode: andCode})
	f.send(t, dispatch.Reviewer, []string{Name}, proto.ExecutionSuccess{Code: andCode})

	out := f.rec.Outcome()
	require.NotNil(t, out)
	assert.False(t, out.Success)
	assert.Equal(t, proto.KindGenerationFailed, out.Kind)

	got, err := f.ops.GetResult("and_gate")
	require.NoError(t, err)
	assert.False(t, got.Successful)
	assert.Equal(t, "AND two inputs", got.Requirement, "falls back to the generator's state")

	summary, err := os.ReadFile(filepath.Join(f.runDir, summaryFile))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(summary), "=== Experiment Summary ==="))
}

func TestExistingResultIsKept(t *testing.T) {
	f := newFixture(t, nil)
	inserted, err := f.ops.InsertResult(&persistence.Result{ModuleName: "and_gate", DesignType: "combinational", SolutionPattern: "old", Successful: true})
	require.NoError(t, err)
	require.True(t, inserted)

	f.send(t, dispatch.Reviewer, []string{Name}, proto.ExecutionFailed{Reason: "executor failure budget exhausted", Code: andCode})

	got, err := f.ops.GetResult("and_gate")
	require.NoError(t, err)
	assert.Equal(t, "old", got.SolutionPattern)
	runs, err := f.ops.ListRuns("and_gate")
	require.NoError(t, err)
	assert.Equal(t, persistence.OutcomeFailure, runs[0].Outcome)
	assert.Equal(t, "executor failure budget exhausted", runs[0].Reason)
}

func TestLLMSummary(t *testing.T) {
	client := mocks.NewMockLLMClient()
	client.RespondWith("  The AND gate passed on the first try.  ")
	f := newFixture(t, client)

	f.send(t, dispatch.Reviewer, []string{Name}, proto.ExecutionSuccess{Code: andCode, ExecutionResult: "All tests passed\n"})

	data, err := os.ReadFile(filepath.Join(f.runDir, llmSummaryFile))
	require.NoError(t, err)
	assert.Equal(t, "=== Experiment LLM Summary ===\nThe AND gate passed on the first try.\n\n", string(data))
	require.Equal(t, 1, client.GetCompleteCallCount())
	prompt := client.Prompts()[0]
	assert.Contains(t, prompt, "Module: and_gate")
	assert.Contains(t, prompt, "Outcome: success")
}

func TestDesignHeuristics(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		flipFlop bool
		kind     string
		features []string
		tags     []string
	}{
		{
			name:     "not gate",
			code:     "module inv(input in, output out);\n  not (out, in);\nendmodule",
			kind:     persistence.DesignCombinational,
			features: []string{"Implements a NOT gate using a single NOT primitive"},
			tags:     []string{"gate", "input", "output", "combinational", "NOT"},
		},
		{
			name:     "nand is not and",
			code:     "module n(input a, b, output y);\n  nand u0(y, a, b);\nendmodule",
			kind:     persistence.DesignCombinational,
			features: []string{"Implements a NAND gate using a single NAND primitive"},
			tags:     []string{"gate", "input", "output", "combinational", "NAND"},
		},
		{
			name:     "assign only",
			code:     "module x(input a, b, output y);\n  assign y = a ^ b;\nendmodule",
			kind:     persistence.DesignCombinational,
			features: []string{"Uses continuous assignment"},
			tags:     []string{"gate", "input", "output", "combinational"},
		},
		{
			name:     "clocked",
			code:     "module r(input clk, d, output reg q);\n  always @(posedge clk) q <= d;\nendmodule",
			kind:     persistence.DesignSequential,
			features: []string{"Uses edge-triggered always blocks"},
			tags:     []string{"gate", "input", "output", "sequential"},
		},
		{
			name:     "flip-flop dependency",
			code:     "module t(input clk, d, output q);\n  d_flip_flop u(.clk(clk), .d(d), .q(q));\nendmodule",
			flipFlop: true,
			kind:     persistence.DesignSequential,
			tags:     []string{"gate", "input", "output", "sequential"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind := designType(tt.code, tt.flipFlop)
			assert.Equal(t, tt.kind, kind)
			assert.Empty(t, cmp.Diff(tt.features, designFeatures(tt.code)))
			assert.Empty(t, cmp.Diff(tt.tags, designTags(tt.code, kind)))
		})
	}
}
