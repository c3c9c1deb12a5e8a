package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hdlforge/internal/mocks"
	"hdlforge/pkg/agent/llm"
	"hdlforge/pkg/agent/middleware/metrics"
	"hdlforge/pkg/config"
	"hdlforge/pkg/executor"
	"hdlforge/pkg/hdl"
	"hdlforge/pkg/logx"
	"hdlforge/pkg/persistence"
	"hdlforge/pkg/workflow"
)

const andCode = "module top_module(input a, input b, output out);\n  assign out = a & b;\nendmodule"

func writeExperiment(t *testing.T, root, name string, files ...string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, f := range files {
		content := "// " + f
		if strings.HasSuffix(f, "_Prompt.txt") {
			content = "Implement an AND gate.\nmodule top_module(input a, input b, output out);\n"
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, f), []byte(content), 0o644))
	}
}

func complete(t *testing.T, root, name string) {
	t.Helper()
	writeExperiment(t, root, name, "testbench.v", name+"_ref.v", name+"_Prompt.txt")
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	complete(t, root, "and_gate")
	complete(t, root, "xor_gate")
	writeExperiment(t, root, "no_testbench", "x_ref.v", "x_Prompt.txt")
	writeExperiment(t, root, "two_refs", "testbench.v", "a_ref.v", "b_ref.v", "p_Prompt.txt")
	writeExperiment(t, root, "no_prompt", "testbench.v", "x_ref.v")
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), nil, 0o644))

	exps, err := Discover(root, "")
	require.NoError(t, err)

	var names []string
	for i := range exps {
		names = append(names, exps[i].Name)
	}
	assert.Equal(t, []string{"and_gate", "no_prompt", "no_testbench", "two_refs", "xor_gate"}, names)

	byName := map[string]Experiment{}
	for i := range exps {
		byName[exps[i].Name] = exps[i]
	}

	ok := byName["and_gate"]
	require.NoError(t, ok.Err)
	assert.Equal(t, filepath.Join(root, "and_gate", "testbench.v"), ok.Testbench)
	assert.Equal(t, filepath.Join(root, "and_gate", "and_gate_ref.v"), ok.Reference)
	assert.Equal(t, filepath.Join(root, "and_gate", "and_gate_Prompt.txt"), ok.PromptFile)

	tests := []struct {
		name string
		want string
	}{
		{"no_testbench", "missing testbench.v"},
		{"two_refs", "2 files match *_ref.v"},
		{"no_prompt", "no *_Prompt.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := byName[tt.name].Err
			require.Error(t, err)
			assert.ErrorIs(t, err, config.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDiscoverTarget(t *testing.T) {
	root := t.TempDir()
	complete(t, root, "and_gate")
	complete(t, root, "xor_gate")

	exps, err := Discover(root, "xor_gate")
	require.NoError(t, err)
	require.Len(t, exps, 1)
	assert.Equal(t, "xor_gate", exps[0].Name)

	exps, err = Discover(root, filepath.Join(root, "and_gate")+"/")
	require.NoError(t, err)
	require.Len(t, exps, 1)
	assert.Equal(t, "and_gate", exps[0].Name)

	_, err = Discover(root, "nand_gate")
	assert.ErrorIs(t, err, ErrUnknownTarget)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	_, err = Discover(filepath.Join(root, "missing"), "")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestClaimRunDir(t *testing.T) {
	out := t.TempDir()

	first, err := ClaimRunDir(out, "ollama/qwen2.5-coder", "and_gate", 3)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, "ollama_qwen2.5-coder", "and_gate_1"), first)
	assert.DirExists(t, first)

	// A gap left by a removed run is reused before higher slots.
	third := filepath.Join(out, "ollama_qwen2.5-coder", "and_gate_3")
	require.NoError(t, os.Mkdir(third, 0o755))
	second, err := ClaimRunDir(out, "ollama/qwen2.5-coder", "and_gate", 3)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, "ollama_qwen2.5-coder", "and_gate_2"), second)

	_, err = ClaimRunDir(out, "ollama/qwen2.5-coder", "and_gate", 3)
	assert.ErrorIs(t, err, ErrNoFreeSlot)
}

// fixture runs experiments against scripted clients and toolchains.
type fixture struct {
	cfg   *config.Config
	root  string
	usage *metrics.InternalRecorder
	ops   *persistence.DatabaseOperations

	mu   sync.Mutex
	keys []int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Experiments.Root = filepath.Join(dir, "TC")
	cfg.Experiments.Output = filepath.Join(dir, "out")
	cfg.Experiments.Workers = 2
	require.NoError(t, os.MkdirAll(cfg.Experiments.Root, 0o755))

	db, err := persistence.Open(filepath.Join(dir, "results.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return &fixture{
		cfg:   &cfg,
		root:  cfg.Experiments.Root,
		usage: metrics.NewInternalRecorder(),
		ops:   persistence.NewDatabaseOperations(db),
	}
}

func reply(prompt string) mocks.Reply {
	switch {
	case strings.HasPrefix(prompt, "# Dependency Analysis"):
		return mocks.Reply{Content: `{"needs_flip_flop": false, "reason": "combinational"}`}
	case strings.HasPrefix(prompt, "# Verilog Generation"):
		return mocks.Reply{Content: "```verilog\n" + andCode + "\n```"}
	case strings.HasPrefix(prompt, "# Structural Review"):
		return mocks.Reply{Content: "```verilog\n" + hdl.LastCodeBlock(prompt) + "\n```"}
	}
	return mocks.Reply{Content: `{"needs_revision": true, "error_code": "Unexpected", "line": -1, "feedback": "unexpected prompt"}`}
}

func (f *fixture) runner(t *testing.T) *Runner {
	t.Helper()
	r, err := New(f.cfg, Deps{
		NewClient: func(scope metrics.Scope, keyIndex int) (llm.LLMClient, error) {
			f.mu.Lock()
			f.keys = append(f.keys, keyIndex)
			f.mu.Unlock()
			m := mocks.NewMockLLMClient()
			m.OnPrompt(reply)
			return llm.Chain(m, metrics.Middleware(f.usage, nil, scope, logx.NewLogger("test"))), nil
		},
		NewToolchain: func(string) executor.Toolchain {
			return mocks.NewMockToolchain()
		},
		Store: f.ops,
		Usage: f.usage,
	})
	require.NoError(t, err)
	return r
}

func TestRunMixedExperiments(t *testing.T) {
	f := newFixture(t)
	complete(t, f.root, "and_gate")
	complete(t, f.root, "or_gate")
	writeExperiment(t, f.root, "broken", "testbench.v")

	results, err := f.runner(t).Run(context.Background(), Options{KeyIndex: 2})
	require.NoError(t, err)
	require.Len(t, results, 3)

	byName := map[string]Result{}
	for i := range results {
		byName[results[i].Experiment] = results[i]
	}

	broken := byName["broken"]
	assert.ErrorIs(t, broken.Err, config.ErrInvalidConfig)
	assert.True(t, broken.Failed())
	assert.Empty(t, broken.RunDir, "an incomplete experiment claims no run slot")

	for _, name := range []string{"and_gate", "or_gate"} {
		res := byName[name]
		require.NoError(t, res.Err, name)
		require.NotNil(t, res.Outcome, name)
		assert.True(t, res.Outcome.Success, name)
		assert.False(t, res.Failed(), name)
		assert.Equal(t, filepath.Join(f.cfg.Experiments.Output, "gpt-4o-mini", name+"_1"), res.RunDir)
		assert.FileExists(t, filepath.Join(res.RunDir, "summary.txt"))
		assert.Positive(t, res.PromptTokens, name)

		runs, err := f.ops.ListRuns(name)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, persistence.OutcomeSuccess, runs[0].Outcome)
		assert.Equal(t, res.PromptTokens, runs[0].PromptTokens)
	}

	// Key slots follow discovery order from the first slot; the incomplete experiment
	// holds its slot without building a client.
	f.mu.Lock()
	keys := append([]int(nil), f.keys...)
	f.mu.Unlock()
	sort.Ints(keys)
	assert.Equal(t, []int{2, 4}, keys)

	assert.Equal(t, 1, ExitCode(results))
}

func TestRunSkipsWhenSlotsAreUsed(t *testing.T) {
	f := newFixture(t)
	f.cfg.Experiments.MaxRuns = 1
	complete(t, f.root, "and_gate")
	require.NoError(t, os.MkdirAll(filepath.Join(f.cfg.Experiments.Output, "gpt-4o-mini", "and_gate_1"), 0o755))

	results, err := f.runner(t).Run(context.Background(), Options{NoParallel: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Skipped)
	assert.False(t, results[0].Failed())
	assert.Equal(t, 0, ExitCode(results))
}

func TestRunTargetAndRepeat(t *testing.T) {
	f := newFixture(t)
	complete(t, f.root, "and_gate")
	complete(t, f.root, "or_gate")
	r := f.runner(t)

	for want := 1; want <= 2; want++ {
		results, err := r.Run(context.Background(), Options{Target: "or_gate"})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "or_gate", results[0].Experiment)
		assert.Equal(t, fmt.Sprintf("or_gate_%d", want), filepath.Base(results[0].RunDir))
	}
	assert.NoDirExists(t, filepath.Join(f.cfg.Experiments.Output, "gpt-4o-mini", "and_gate_1"))
}

func TestStopPreventsScheduling(t *testing.T) {
	f := newFixture(t)
	complete(t, f.root, "and_gate")
	r := f.runner(t)

	r.Stop()
	r.Stop()
	assert.True(t, r.Stopping())

	results, err := r.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, 0, ExitCode(results))
}

func TestStopWhileWaitingForWorker(t *testing.T) {
	f := newFixture(t)
	f.cfg.Experiments.Workers = 1
	complete(t, f.root, "and_gate")
	complete(t, f.root, "or_gate")
	complete(t, f.root, "xor_gate")
	stopErr := errors.New("stopped mid-run")

	var (
		r      *Runner
		mu     sync.Mutex
		called []int
	)
	r, err := New(f.cfg, Deps{
		NewClient: func(_ metrics.Scope, key int) (llm.LLMClient, error) {
			mu.Lock()
			called = append(called, key)
			mu.Unlock()
			r.Stop()
			return nil, stopErr
		},
		NewToolchain: func(string) executor.Toolchain { return mocks.NewMockToolchain() },
	})
	require.NoError(t, err)

	results, err := r.Run(context.Background(), Options{})
	require.NoError(t, err)
	require.Len(t, results, 1, "experiments queued behind the stop never start")
	assert.Equal(t, "and_gate", results[0].Experiment)
	assert.ErrorIs(t, results[0].Err, stopErr)
	assert.Equal(t, []int{0}, called)
	assert.NoDirExists(t, filepath.Join(f.cfg.Experiments.Output, ModelDir(f.cfg.LLM.Model), "or_gate_1"))
}

func TestClientErrorFailsOnlyThatRun(t *testing.T) {
	f := newFixture(t)
	complete(t, f.root, "and_gate")
	keyErr := errors.New("OPENAI_API_KEY not set")

	r, err := New(f.cfg, Deps{
		NewClient:    func(metrics.Scope, int) (llm.LLMClient, error) { return nil, keyErr },
		NewToolchain: func(string) executor.Toolchain { return mocks.NewMockToolchain() },
	})
	require.NoError(t, err)

	results, err := r.Run(context.Background(), Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, keyErr)
	assert.Equal(t, 1, ExitCode(results))
}

func TestNewRequiresBuilders(t *testing.T) {
	cfg := config.Default()
	_, err := New(&cfg, Deps{})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestPrintSummary(t *testing.T) {
	results := []Result{
		{Experiment: "and_gate", RunDir: "/out/m/and_gate_1", PromptTokens: 30, CompletionTokens: 12,
			Outcome: &workflow.Outcome{Success: true, Reason: "all checks passed", Attempts: 1}},
		{Experiment: "xor_gate", RunDir: "/out/m/xor_gate_2",
			Outcome: &workflow.Outcome{Reason: "generation failed after 3 attempts\nlast error", Attempts: 3}},
		{Experiment: "not_gate", Skipped: true},
		{Experiment: "broken", Err: errors.New("invalid configuration: missing testbench.v")},
	}

	totals := Summarize(results)
	assert.Equal(t, Totals{Total: 4, Successful: 1, Failed: 2, Skipped: 1, PromptTokens: 30, CompletionTokens: 12}, totals)
	assert.InDelta(t, 33.3, totals.SuccessRate(), 0.1)

	var buf bytes.Buffer
	PrintSummary(&buf, results)
	out := buf.String()
	for _, want := range []string{
		"EXPERIMENT SUMMARY", "and_gate_1", "SUCCESS", "FAILURE", "SKIPPED", "ERROR",
		"generation failed after 3 attempts", "1 ok / 2 failed / 1 skipped", "success rate 33.3%",
	} {
		assert.Contains(t, out, want)
	}
	assert.NotContains(t, out, "last error", "only the first line of a reason is shown")
	assert.Contains(t, out, "Experiment", "headers keep their case")
}
