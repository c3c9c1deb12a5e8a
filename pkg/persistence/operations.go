package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// DatabaseOperations provides the result and run queries over one connection.
type DatabaseOperations struct {
	db *sql.DB
}

// NewDatabaseOperations creates a new database operations instance.
func NewDatabaseOperations(db *sql.DB) *DatabaseOperations {
	return &DatabaseOperations{db: db}
}

// InsertResult stores r unless a result for the same module already exists.
// It reports whether a row was written.
func (ops *DatabaseOperations) InsertResult(r *Result) (bool, error) {
	features, err := json.Marshal(nonNil(r.Features))
	if err != nil {
		return false, fmt.Errorf("failed to marshal features: %w", err)
	}
	tags, err := json.Marshal(nonNil(r.Tags))
	if err != nil {
		return false, fmt.Errorf("failed to marshal tags: %w", err)
	}

	res, err := ops.db.Exec(`
		INSERT OR IGNORE INTO results (
			module_name, design_type, requirement, solution_pattern, is_successful, design_features, tags, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ModuleName, r.DesignType, r.Requirement, r.SolutionPattern, r.Successful, string(features), string(tags),
		time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to insert result %s: %w", r.ModuleName, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// GetResult returns the stored result for a module.
func (ops *DatabaseOperations) GetResult(moduleName string) (*Result, error) {
	row := ops.db.QueryRow(`
		SELECT module_name, design_type, requirement, solution_pattern, is_successful, design_features, tags, created_at
		FROM results WHERE module_name = ?
	`, moduleName)

	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("result %s: %w", moduleName, ErrNotFound)
	}
	return r, err
}

// ListResults returns every stored result ordered by module name.
func (ops *DatabaseOperations) ListResults() ([]*Result, error) {
	rows, err := ops.db.Query(`
		SELECT module_name, design_type, requirement, solution_pattern, is_successful, design_features, tags, created_at
		FROM results ORDER BY module_name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Close in defer is safe

	var results []*Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("result rows: %w", err)
	}
	return results, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResult(s scanner) (*Result, error) {
	var (
		r        Result
		features string
		tags     string
	)
	if err := s.Scan(&r.ModuleName, &r.DesignType, &r.Requirement, &r.SolutionPattern,
		&r.Successful, &features, &tags, &r.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err //nolint:wrapcheck // callers match sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to scan result: %w", err)
	}
	if err := json.Unmarshal([]byte(features), &r.Features); err != nil {
		return nil, fmt.Errorf("failed to parse features of %s: %w", r.ModuleName, err)
	}
	if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
		return nil, fmt.Errorf("failed to parse tags of %s: %w", r.ModuleName, err)
	}
	return &r, nil
}

// StartRun records a new run in the running state.
func (ops *DatabaseOperations) StartRun(run *Run) error {
	if run.ID == "" {
		run.ID = NewRunID()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	run.Outcome = OutcomeRunning

	_, err := ops.db.Exec(`
		INSERT INTO runs (id, experiment, model, run_dir, outcome, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, run.Experiment, run.Model, run.RunDir, run.Outcome, run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to start run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun sets the outcome of a running run. Finishing an unknown run is ErrNotFound.
func (ops *DatabaseOperations) FinishRun(id, outcome, reason string, promptTokens, completionTokens int64) error {
	res, err := ops.db.Exec(`
		UPDATE runs
		SET outcome = ?, reason = ?, finished_at = ?, prompt_tokens = ?, completion_tokens = ?
		WHERE id = ?
	`, outcome, reason, time.Now().UTC(), promptTokens, completionTokens, id)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListRuns returns the runs of one experiment, or of all experiments when experiment is empty,
// newest first.
func (ops *DatabaseOperations) ListRuns(experiment string) ([]*Run, error) {
	query := `
		SELECT id, experiment, model, run_dir, outcome, reason, started_at, finished_at, prompt_tokens, completion_tokens
		FROM runs`
	var args []any
	if experiment != "" {
		query += " WHERE experiment = ?"
		args = append(args, experiment)
	}
	query += " ORDER BY started_at DESC"

	rows, err := ops.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Close in defer is safe

	var runs []*Run
	for rows.Next() {
		var (
			run      Run
			finished sql.NullTime
		)
		if err := rows.Scan(&run.ID, &run.Experiment, &run.Model, &run.RunDir, &run.Outcome, &run.Reason,
			&run.StartedAt, &finished, &run.PromptTokens, &run.CompletionTokens); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			run.FinishedAt = &t
		}
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run rows: %w", err)
	}
	return runs, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
