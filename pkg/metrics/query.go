// Package metrics provides services for querying and aggregating metrics data.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// ExperimentMetrics is token usage of one experiment with one model. Model is empty
// when usage is summed over models.
type ExperimentMetrics struct {
	Experiment       string `json:"experiment"`
	Model            string `json:"model,omitempty"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
	Requests         int64  `json:"requests"`
	FailedRequests   int64  `json:"failed_requests"`
}

// QueryService provides methods to query metrics from Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// selector matches one experiment, or every experiment when experiment is empty.
func selector(experiment string) string {
	if experiment == "" {
		return `{experiment!=""}`
	}
	return fmt.Sprintf(`{experiment=%q}`, experiment)
}

func (q *QueryService) vector(ctx context.Context, query string) (model.Vector, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", query, err)
	}
	vector, ok := result.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("unexpected result type %s for %s", result.Type(), query)
	}
	return vector, nil
}

// GetExperimentMetricsByModel returns usage per (experiment, model), sorted by
// experiment then model. An empty experiment reports every experiment.
func (q *QueryService) GetExperimentMetricsByModel(ctx context.Context, experiment string) ([]*ExperimentMetrics, error) {
	sel := selector(experiment)

	tokens, err := q.vector(ctx, fmt.Sprintf(`sum by (experiment, model, type) (llm_tokens_total%s)`, sel))
	if err != nil {
		return nil, err
	}
	requests, err := q.vector(ctx, fmt.Sprintf(`sum by (experiment, model, status) (llm_requests_total%s)`, sel))
	if err != nil {
		return nil, err
	}

	rows := map[[2]string]*ExperimentMetrics{}
	row := func(m model.Metric) *ExperimentMetrics {
		key := [2]string{string(m["experiment"]), string(m["model"])}
		r, ok := rows[key]
		if !ok {
			r = &ExperimentMetrics{Experiment: key[0], Model: key[1]}
			rows[key] = r
		}
		return r
	}

	for _, sample := range tokens {
		r := row(sample.Metric)
		switch sample.Metric["type"] {
		case "prompt":
			r.PromptTokens += int64(sample.Value)
		case "completion":
			r.CompletionTokens += int64(sample.Value)
		}
		r.TotalTokens = r.PromptTokens + r.CompletionTokens
	}
	for _, sample := range requests {
		r := row(sample.Metric)
		r.Requests += int64(sample.Value)
		if sample.Metric["status"] != "success" {
			r.FailedRequests += int64(sample.Value)
		}
	}

	out := make([]*ExperimentMetrics, 0, len(rows))
	for _, r := range rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Experiment != out[j].Experiment {
			return out[i].Experiment < out[j].Experiment
		}
		return out[i].Model < out[j].Model
	})
	return out, nil
}

// GetExperimentMetrics returns the usage of one experiment summed over models.
func (q *QueryService) GetExperimentMetrics(ctx context.Context, experiment string) (*ExperimentMetrics, error) {
	rows, err := q.GetExperimentMetricsByModel(ctx, experiment)
	if err != nil {
		return nil, err
	}
	total := &ExperimentMetrics{Experiment: experiment}
	for _, r := range rows {
		total.PromptTokens += r.PromptTokens
		total.CompletionTokens += r.CompletionTokens
		total.Requests += r.Requests
		total.FailedRequests += r.FailedRequests
	}
	total.TotalTokens = total.PromptTokens + total.CompletionTokens
	return total, nil
}
