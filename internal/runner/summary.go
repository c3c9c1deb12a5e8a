package runner

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// reasonWidth bounds the reason column so a long diagnostic does not wrap the table.
const reasonWidth = 60

// Totals aggregates a batch of results.
type Totals struct {
	Total            int
	Successful       int
	Failed           int
	Skipped          int
	PromptTokens     int64
	CompletionTokens int64
}

// Summarize counts results.
func Summarize(results []Result) Totals {
	var t Totals
	for i := range results {
		r := &results[i]
		t.Total++
		t.PromptTokens += r.PromptTokens
		t.CompletionTokens += r.CompletionTokens
		switch {
		case r.Skipped:
			t.Skipped++
		case r.Failed():
			t.Failed++
		default:
			t.Successful++
		}
	}
	return t
}

// SuccessRate is the share of non-skipped runs that succeeded, in percent.
func (t Totals) SuccessRate() float64 {
	ran := t.Successful + t.Failed
	if ran == 0 {
		return 0
	}
	return float64(t.Successful) / float64(ran) * 100
}

// ExitCode is non-zero when any experiment failed.
func ExitCode(results []Result) int {
	if Summarize(results).Failed > 0 {
		return 1
	}
	return 0
}

// PrintSummary renders one row per experiment followed by totals.
func PrintSummary(w io.Writer, results []Result) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.Style().Format.Header = text.FormatDefault
	tw.Style().Format.Footer = text.FormatDefault
	tw.SetTitle("EXPERIMENT SUMMARY")
	tw.AppendHeader(table.Row{"Experiment", "Run", "Outcome", "Attempts", "Tokens", "Duration", "Reason"})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
		{Number: 7, WidthMax: reasonWidth, WidthMaxEnforcer: text.Trim},
	})

	for i := range results {
		r := &results[i]
		outcome, reason, attempts := describe(r)
		run := ""
		if r.RunDir != "" {
			run = filepath.Base(r.RunDir)
		}
		tw.AppendRow(table.Row{
			r.Experiment,
			run,
			outcome,
			attempts,
			r.PromptTokens + r.CompletionTokens,
			r.Duration.Round(time.Millisecond),
			firstLine(reason),
		})
	}

	t := Summarize(results)
	tw.AppendFooter(table.Row{
		fmt.Sprintf("%d experiments", t.Total),
		"",
		fmt.Sprintf("%d ok / %d failed / %d skipped", t.Successful, t.Failed, t.Skipped),
		"",
		t.PromptTokens + t.CompletionTokens,
		"",
		fmt.Sprintf("success rate %.1f%%", t.SuccessRate()),
	})
	tw.Render()
}

func describe(r *Result) (outcome, reason string, attempts any) {
	switch {
	case r.Skipped:
		return "SKIPPED", "all run slots used", ""
	case r.Err != nil:
		return "ERROR", r.Err.Error(), ""
	case r.Outcome == nil:
		return "ERROR", "no outcome", ""
	case r.Outcome.Success:
		return "SUCCESS", r.Outcome.Reason, r.Outcome.Attempts
	default:
		return "FAILURE", r.Outcome.Reason, r.Outcome.Attempts
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
