package persistence

import (
	"time"

	"github.com/google/uuid"
)

// Result is one knowledge entry produced by a finished run.
type Result struct {
	CreatedAt       time.Time `json:"created_at"`
	ModuleName      string    `json:"module_name"`
	DesignType      string    `json:"design_type"`
	Requirement     string    `json:"design_requirements"`
	SolutionPattern string    `json:"solution_pattern"`
	Features        []string  `json:"design_features"`
	Tags            []string  `json:"tags"`
	Successful      bool      `json:"is_successful"`
}

// Run is one workflow instance in the ledger.
type Run struct {
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	ID               string     `json:"id"`
	Experiment       string     `json:"experiment"`
	Model            string     `json:"model"`
	RunDir           string     `json:"run_dir"`
	Outcome          string     `json:"outcome"`
	Reason           string     `json:"reason,omitempty"`
	PromptTokens     int64      `json:"prompt_tokens"`
	CompletionTokens int64      `json:"completion_tokens"`
}

// Run outcome constants.
const (
	OutcomeRunning = "running"
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Design type constants.
const (
	DesignCombinational = "combinational"
	DesignSequential    = "sequential"
)

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.New().String()
}
