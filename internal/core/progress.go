package core

import "time"

// ProgressType discriminates progress events.
type ProgressType string

const (
	ProgressRunStarted    ProgressType = "run_started"
	ProgressRunFinished   ProgressType = "run_finished"
	ProgressBatchFinished ProgressType = "batch_finished"
)

// ProgressCounts is a consistent tally of the batch at one point in time.
// Remaining counts runs not yet dispatched plus runs in flight.
type ProgressCounts struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
	Total     int `json:"total"`
}

// ProgressEvent reports batch execution progress. Events are emitted by the
// orchestrator goroutine in the order it observes them, so counts never move
// backwards. RunID is -1 on batch-level events.
type ProgressEvent struct {
	Type    ProgressType   `json:"type"`
	BatchID string         `json:"batch_id"`
	RunID   int            `json:"run_id"`
	Status  RunStatus      `json:"status,omitempty"`
	Err     string         `json:"error,omitempty"`
	Counts  ProgressCounts `json:"counts"`
	Elapsed time.Duration  `json:"elapsed"`
}

// ProgressFunc receives progress events. It is called synchronously from the
// orchestrator; slow sinks slow the batch.
type ProgressFunc func(ProgressEvent)
