package domain

import (
	"encoding/json"
	"time"
)

// RunStatus represents one run's lifecycle stage in the registry.
type RunStatus string

// Canonical run statuses. The only legal transitions are
// pending -> running -> {succeeded, failed}.
const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the status admits no further transition.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed
}

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunPending, RunRunning, RunSucceeded, RunFailed:
		return true
	}
	return false
}

var runTransitions = map[RunStatus][]RunStatus{
	RunPending: {RunRunning},
	RunRunning: {RunSucceeded, RunFailed},
}

// CanTransition reports whether from -> to is a legal run status transition.
// Terminal records are append-only evidence and admit no edges.
func CanTransition(from, to RunStatus) bool {
	for _, next := range runTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// BatchStatus summarizes a whole batch's outcome in batch_meta.
type BatchStatus string

// Batch outcomes: running while the executor drives the batch, then complete
// (all runs succeeded), partial (mixed), or failed (none succeeded).
const (
	BatchRunning  BatchStatus = "running"
	BatchComplete BatchStatus = "complete"
	BatchPartial  BatchStatus = "partial"
	BatchFailed   BatchStatus = "failed"
)

// RunRecord tracks one run's lifecycle in the registry. The registry
// exclusively owns RunRecord storage; the executor is the only writer of
// status transitions.
type RunRecord struct {
	BatchID    string          `json:"batch_id"`
	RunID      int             `json:"run_id"`
	Attempt    int             `json:"attempt"`
	Status     RunStatus       `json:"status"`
	RunSeed    int64           `json:"run_seed"`
	ParamsJSON json.RawMessage `json:"params_json"`
	StartedAt  *time.Time      `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at"`
	Error      *RunError       `json:"error,omitempty"`
	ClaimedBy  string          `json:"claimed_by,omitempty"`
}

// Params decodes the sampled parameter values recorded for the run.
func (r RunRecord) Params() (map[string]any, error) {
	if len(r.ParamsJSON) == 0 {
		return nil, nil
	}
	var values map[string]any
	if err := json.Unmarshal(r.ParamsJSON, &values); err != nil {
		return nil, err
	}
	return values, nil
}
