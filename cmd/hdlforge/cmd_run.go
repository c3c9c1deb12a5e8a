package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"hdlforge/internal/runner"
	"hdlforge/pkg/logx"
)

type runFlags struct {
	target     string
	noParallel bool
	keyIndex   int
}

func runCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every experiment under experiments.root once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExperiments(cmd, g, f)
		},
	}

	fl := cmd.Flags()
	fl.StringP("model", "m", "", "model name (overrides llm.model)")
	fl.StringP("root", "r", "", "experiments root directory (overrides experiments.root)")
	fl.IntP("workers", "w", 0, "parallel workers (overrides experiments.workers)")
	fl.String("metrics-listen", "", "serve Prometheus metrics on this host:port (overrides metrics.listen)")
	fl.StringVarP(&f.target, "target", "t", "", "run only this experiment")
	fl.BoolVar(&f.noParallel, "no-parallel", false, "run experiments one at a time")
	fl.IntVarP(&f.keyIndex, "key-index", "k", 0, "first API key slot to use")
	return cmd
}

func runExperiments(cmd *cobra.Command, g *globalFlags, f *runFlags) error {
	cfg, err := loadConfig(cmd, g, map[string]string{
		"llm.model":           "model",
		"experiments.root":    "root",
		"experiments.workers": "workers",
		"metrics.listen":      "metrics-listen",
	})
	if err != nil {
		return err
	}
	if err := unlockSecrets(cmd, g); err != nil {
		return err
	}

	ctx := cmd.Context()
	var reg prometheus.Registerer
	if cfg.Metrics.Listen != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		reg = registry
		shutdown := serveMetrics(cfg.Metrics.Listen, registry)
		defer shutdown()
	}

	r, release, err := runner.Open(ctx, cfg, reg)
	if err != nil {
		return err
	}
	defer release()

	stop := r.StopOnSignal()
	defer stop()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "⏳ Current model: %s\n", cfg.LLM.Model)
	fmt.Fprintf(out, "   Experiments root: %s\n", cfg.Experiments.Root)

	results, err := r.Run(ctx, runner.Options{
		Target:     f.target,
		NoParallel: f.noParallel,
		KeyIndex:   f.keyIndex,
	})
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Fprintln(out, "No experiments found to process.")
		return nil
	}

	runner.PrintSummary(out, results)
	if runner.ExitCode(results) != 0 {
		return errRunsFailed
	}
	fmt.Fprintln(out, "✅ All experiments completed successfully.")
	return nil
}

// serveMetrics exposes registry on addr until the returned function is called.
func serveMetrics(addr string, registry *prometheus.Registry) func() {
	logger := logx.NewLogger("metrics")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("📊 Serving metrics on http://%s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("❌ Metrics server failed: %v", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("⚠️  Metrics server shutdown: %v", err)
		}
	}
}
