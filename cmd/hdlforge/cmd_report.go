package main

import (
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"hdlforge/pkg/config"
	"hdlforge/pkg/metrics"
	"hdlforge/pkg/persistence"
)

type reportFlags struct {
	experiment string
	ledger     bool
}

func reportCmd(g *globalFlags) *cobra.Command {
	f := &reportFlags{}
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show token usage per experiment and model",
		Long: `report queries Prometheus for llm_tokens_total and llm_requests_total grouped by
experiment and model. With --ledger it lists the runs recorded in the results database.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, g, map[string]string{
				"metrics.prometheus_url": "prometheus-url",
			})
			if err != nil {
				return err
			}
			if f.ledger {
				return reportLedger(cmd, cfg, f.experiment)
			}
			return reportPrometheus(cmd, cfg, f.experiment)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.experiment, "experiment", "e", "", "only this experiment")
	fl.String("prometheus-url", "", "Prometheus server (overrides metrics.prometheus_url)")
	fl.BoolVar(&f.ledger, "ledger", false, "list runs from the results database instead")
	return cmd
}

func reportPrometheus(cmd *cobra.Command, cfg *config.Config, experiment string) error {
	q, err := metrics.NewQueryService(cfg.Metrics.PrometheusURL)
	if err != nil {
		return err //nolint:wrapcheck // already wrapped
	}
	rows, err := q.GetExperimentMetricsByModel(cmd.Context(), experiment)
	if err != nil {
		return err //nolint:wrapcheck // already wrapped
	}

	tw := newReportTable(cmd)
	tw.AppendHeader(table.Row{"Experiment", "Model", "Prompt", "Completion", "Total", "Requests", "Failed"})
	var prompt, completion, requests, failed int64
	for _, r := range rows {
		tw.AppendRow(table.Row{r.Experiment, r.Model, r.PromptTokens, r.CompletionTokens, r.TotalTokens, r.Requests, r.FailedRequests})
		prompt += r.PromptTokens
		completion += r.CompletionTokens
		requests += r.Requests
		failed += r.FailedRequests
	}
	tw.AppendFooter(table.Row{"total", "", prompt, completion, prompt + completion, requests, failed})
	alignNumbers(tw, 3, 7)
	tw.Render()
	return nil
}

func reportLedger(cmd *cobra.Command, cfg *config.Config, experiment string) error {
	db, err := persistence.Open(cfg.Storage.ResultsDB)
	if err != nil {
		return err //nolint:wrapcheck // already wrapped
	}
	defer db.Close() //nolint:errcheck // read only

	runs, err := persistence.NewDatabaseOperations(db).ListRuns(experiment)
	if err != nil {
		return err //nolint:wrapcheck // already wrapped
	}

	tw := newReportTable(cmd)
	tw.AppendHeader(table.Row{"Experiment", "Model", "Run", "Outcome", "Tokens", "Started", "Duration"})
	for _, r := range runs {
		duration := ""
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		tw.AppendRow(table.Row{
			r.Experiment, r.Model, r.RunDir, r.Outcome,
			r.PromptTokens + r.CompletionTokens,
			r.StartedAt.Local().Format(time.DateTime), duration,
		})
	}
	alignNumbers(tw, 5, 5)
	tw.Render()
	return nil
}

// newReportTable is the light table style shared by the CLI listings. Header and
// footer text keep their case.
func newReportTable(cmd *cobra.Command) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(cmd.OutOrStdout())
	tw.SetStyle(table.StyleLight)
	tw.Style().Format.Header = text.FormatDefault
	tw.Style().Format.Footer = text.FormatDefault
	return tw
}

// alignNumbers right-aligns the 1-based columns first..last.
func alignNumbers(tw table.Writer, first, last int) {
	cfgs := make([]table.ColumnConfig, 0, last-first+1)
	for n := first; n <= last; n++ {
		cfgs = append(cfgs, table.ColumnConfig{Number: n, Align: text.AlignRight})
	}
	tw.SetColumnConfigs(cfgs)
}
