package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"hdlforge/pkg/agent"
	"hdlforge/pkg/agent/llm"
	"hdlforge/pkg/agent/middleware/metrics"
	"hdlforge/pkg/config"
	"hdlforge/pkg/exec"
	"hdlforge/pkg/executor"
	"hdlforge/pkg/knowledge"
	"hdlforge/pkg/logx"
	"hdlforge/pkg/persistence"
	"hdlforge/pkg/templates"
)

// Open builds a runner with production collaborators: provider clients behind the
// middleware chain, the iverilog toolchain, the results database and, when enabled,
// the knowledge service. A nil registerer keeps usage in memory only. The returned
// function releases the databases.
func Open(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (*Runner, func(), error) {
	logger := logx.NewLogger("runner")

	usage := metrics.NewInternalRecorder()
	var rec metrics.Recorder = usage
	if reg != nil {
		rec = metrics.Tee(usage, metrics.NewPrometheusRecorder(reg))
	}
	factory := agent.NewLLMClientFactory(cfg.LLM, rec)

	if dir := filepath.Dir(cfg.Storage.ResultsDB); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create results directory: %w", err)
		}
	}
	db, err := persistence.Open(cfg.Storage.ResultsDB)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: results database: %w", config.ErrInvalidConfig, err)
	}
	closers := []func() error{db.Close}

	renderer, err := templates.NewRenderer()
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("load templates: %w", err)
	}

	deps := Deps{
		NewClient: func(scope metrics.Scope, keyIndex int) (llm.LLMClient, error) {
			return factory.CreateClient(scope, keyIndex, logx.NewLogger(scope.Experiment+"/llm"))
		},
		NewToolchain: func(runDir string) executor.Toolchain {
			return executor.NewCommandToolchain(cfg.Executor, exec.NewLocalExec(), runDir)
		},
		Renderer: renderer,
		Store:    persistence.NewDatabaseOperations(db),
		Usage:    usage,
	}

	if svc := openKnowledge(ctx, cfg, logger); svc != nil {
		deps.Retriever = svc
		closers = append(closers, svc.Close)
	}

	release := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("⚠️  Close failed: %v", err)
			}
		}
	}

	r, err := New(cfg, deps)
	if err != nil {
		release()
		return nil, nil, err
	}
	return r, release, nil
}

// openKnowledge opens and seeds the retrieval index. Runs continue without retrieval
// when it cannot be opened.
func openKnowledge(ctx context.Context, cfg *config.Config, logger *logx.Logger) *knowledge.Service {
	kc := cfg.Knowledge
	if !kc.Enabled {
		logger.Info("📚 Knowledge retrieval disabled")
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(kc.DBPath), 0o755); err != nil {
		logger.Warn("⚠️  Knowledge retrieval unavailable: %v", err)
		return nil
	}

	opts := []knowledge.Option{knowledge.WithTopK(kc.TopK)}
	if kc.EmbeddingModel != "" && cfg.LLM.OllamaHost != "" {
		emb, err := knowledge.NewOllamaEmbedder(cfg.LLM.OllamaHost, kc.EmbeddingModel)
		if err != nil {
			logger.Warn("⚠️  Embedding rerank disabled: %v", err)
		} else {
			opts = append(opts, knowledge.WithEmbedder(emb))
		}
	}

	svc, err := knowledge.Open(kc.DBPath, opts...)
	if err != nil {
		logger.Warn("⚠️  Knowledge retrieval unavailable: %v", err)
		return nil
	}
	if kc.SeedDir != "" {
		if _, err := svc.Seed(ctx, kc.SeedDir); err != nil {
			logger.Warn("⚠️  Failed to seed knowledge from %s: %v", kc.SeedDir, err)
		}
	}
	if n, err := svc.Count(ctx); err == nil {
		logger.Info("📚 Knowledge index ready: %d snippets", n)
	}
	return svc
}
