package metrics

import (
	"sync"
	"time"
)

// InternalRecorder aggregates token usage per experiment in memory. The runner prints
// it in the summary table when no Prometheus server is configured.
type InternalRecorder struct {
	experiments map[string]*ExperimentMetrics
	mu          sync.RWMutex
}

// ExperimentMetrics represents aggregated metrics for one experiment run.
type ExperimentMetrics struct {
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	RequestCount     int64     `json:"request_count"`
	FailedCount      int64     `json:"failed_count"`
	Experiment       string    `json:"experiment"`
	LastUpdated      time.Time `json:"last_updated"`
}

// NewInternalRecorder creates an empty in-memory recorder.
func NewInternalRecorder() *InternalRecorder {
	return &InternalRecorder{experiments: make(map[string]*ExperimentMetrics)}
}

// ObserveRequest records metrics for a completed LLM request.
func (r *InternalRecorder) ObserveRequest(req Request) {
	if req.Experiment == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	exp, exists := r.experiments[req.Experiment]
	if !exists {
		exp = &ExperimentMetrics{Experiment: req.Experiment}
		r.experiments[req.Experiment] = exp
	}

	exp.RequestCount++
	exp.LastUpdated = time.Now()
	if !req.Success {
		exp.FailedCount++
		return
	}
	exp.PromptTokens += int64(req.PromptTokens)
	exp.CompletionTokens += int64(req.CompletionTokens)
	exp.TotalTokens = exp.PromptTokens + exp.CompletionTokens
}

// IncThrottle is not aggregated in memory.
func (r *InternalRecorder) IncThrottle(_, _ string) {}

// ObserveQueueWait is not aggregated in memory.
func (r *InternalRecorder) ObserveQueueWait(_ string, _ time.Duration) {}

// Get returns a copy of the metrics for one experiment, or nil.
func (r *InternalRecorder) Get(experiment string) *ExperimentMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if exp, exists := r.experiments[experiment]; exists {
		cp := *exp
		return &cp
	}
	return nil
}

// All returns copies of the metrics for every experiment.
func (r *InternalRecorder) All() map[string]*ExperimentMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*ExperimentMetrics, len(r.experiments))
	for name, exp := range r.experiments {
		cp := *exp
		result[name] = &cp
	}
	return result
}

// Reset clears all metrics.
func (r *InternalRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.experiments = make(map[string]*ExperimentMetrics)
}
