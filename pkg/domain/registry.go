package domain

import (
	"context"
	"time"
)

// TransitionOptions carries the optional payload of a run transition.
type TransitionOptions struct {
	// At is the transition timestamp. Zero means "now" as decided by the
	// registry backend.
	At time.Time
	// Error must be set when transitioning to RunFailed and is recorded
	// alongside the run. Ignored for other targets.
	Error *RunError
	// ClaimedBy identifies the orchestrator claiming the run. Recorded on
	// the pending -> running transition.
	ClaimedBy string
}

// Registry is the durable record of batches and their runs. Implementations
// serialize writes per (batch_id, run_id) and reject lifecycle edges outside
// the transition table, so a crashed orchestrator can always resume from
// whatever the registry holds.
type Registry interface {
	// CreateBatch persists a new batch in BatchRunning status. The config
	// must already be validated and normalized. A second create with the
	// same batch ID fails with DuplicateBatchError and leaves the existing
	// batch untouched.
	CreateBatch(ctx context.Context, cfg MonteCarloConfig) (BatchMeta, error)

	// PopulateRuns inserts one pending run row per sample and returns the
	// number of rows actually inserted. Re-populating with identical
	// samples is a no-op; a sample whose params or seed differ from the
	// stored row is an error.
	PopulateRuns(ctx context.Context, batchID string, samples []ParameterSample) (int, error)

	// TransitionRun moves one run along the lifecycle. Illegal edges fail
	// with InvalidTransitionError and change nothing.
	TransitionRun(ctx context.Context, batchID string, runID int, to RunStatus, opts TransitionOptions) (RunRecord, error)

	// RequeueRun resets a failed run to pending for another attempt. The
	// attempt counter increments, the error clears, and the sampled
	// parameters stay exactly as populated. This is the only lifecycle
	// edit outside the transition table.
	RequeueRun(ctx context.Context, batchID string, runID int) (RunRecord, error)

	// WriteSummary records the scalar metrics of a run. The run must have
	// succeeded.
	WriteSummary(ctx context.Context, summary RunSummary) error

	// WriteTimeseries appends per-year rows for a run. The run must have
	// succeeded.
	WriteTimeseries(ctx context.Context, batchID string, runID int, points []TimeSeriesPoint) error

	// WriteRunError appends one error row for a run attempt. Rows
	// accumulate across attempts.
	WriteRunError(ctx context.Context, rec RunErrorRecord) error

	// SetBatchStatus finalizes the batch outcome and stamps FinishedAt for
	// terminal statuses.
	SetBatchStatus(ctx context.Context, batchID string, status BatchStatus, finishedAt time.Time) error

	// LoadBatch returns a consistent snapshot of one batch across all
	// tables.
	LoadBatch(ctx context.Context, batchID string) (BatchSnapshot, error)

	// ListBatches returns every batch's metadata, newest first.
	ListBatches(ctx context.Context) ([]BatchMeta, error)

	// CountByStatus tallies a batch's runs per status.
	CountByStatus(ctx context.Context, batchID string) (map[RunStatus]int, error)

	// RunsInStatus returns a batch's runs currently in the given status,
	// ordered by run ID.
	RunsInStatus(ctx context.Context, batchID string, status RunStatus) ([]RunRecord, error)

	// Location describes where the registry lives (a file path, a DSN, or
	// "memory"), suitable for logs and CLI output.
	Location() string

	// Close releases backend resources.
	Close() error
}
