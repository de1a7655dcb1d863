package domain

import (
	"context"
	"errors"
	"fmt"
)

// ConfigError reports an invalid MonteCarloConfig. It is raised before any
// side effect: a batch that fails validation leaves no trace in a registry.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

// DuplicateBatchError reports an attempt to create a batch whose id the
// registry already holds.
type DuplicateBatchError struct {
	BatchID string
}

func (e *DuplicateBatchError) Error() string {
	return fmt.Sprintf("batch %s already exists", e.BatchID)
}

// InvalidTransitionError reports a rejected run status transition. The
// registry rejects it without side effects, which defends against duplicate
// or late worker callbacks after a run already terminated.
type InvalidTransitionError struct {
	BatchID string
	RunID   int
	From    RunStatus
	To      RunStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("run %s/%d: invalid transition %s -> %s", e.BatchID, e.RunID, e.From, e.To)
}

// ErrBatchNotFound reports a missing batch id.
type ErrBatchNotFound struct {
	BatchID string
}

func (e *ErrBatchNotFound) Error() string {
	return fmt.Sprintf("batch %s not found", e.BatchID)
}

// ErrRunNotFound reports a missing (batch_id, run_id) pair.
type ErrRunNotFound struct {
	BatchID string
	RunID   int
}

func (e *ErrRunNotFound) Error() string {
	return fmt.Sprintf("run %s/%d not found", e.BatchID, e.RunID)
}

// ErrorKind classifies how a run failed.
type ErrorKind string

// Run failure kinds persisted to the run_error table.
const (
	// ErrorKindProcess covers simulator invocation failures: non-zero exit,
	// failed launch, or an error returned by the collaborator.
	ErrorKindProcess ErrorKind = "process_error"
	// ErrorKindMalformedOutput covers output the collaborator produced but
	// the adapter could not parse.
	ErrorKindMalformedOutput ErrorKind = "malformed_output"
	// ErrorKindTimeout marks a run terminated at its wall-clock bound.
	ErrorKindTimeout ErrorKind = "timeout"
	// ErrorKindWorkerCrashed marks a worker that died without returning a
	// result (panic, or pool-level loss).
	ErrorKindWorkerCrashed ErrorKind = "worker_crashed"
	// ErrorKindCancelled marks a run interrupted by batch cancellation.
	ErrorKindCancelled ErrorKind = "cancelled"
)

// RunError is the structured per-run failure recorded on a failed RunRecord
// and appended to the run_error table. Run errors are recovered locally by
// the executor; they never abort the batch.
type RunError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	cause   error
}

// NewRunError builds a RunError from a kind and message.
func NewRunError(kind ErrorKind, message string) *RunError {
	return &RunError{Kind: kind, Message: message}
}

// WrapRunError builds a RunError that keeps err as its unwrappable cause.
func WrapRunError(kind ErrorKind, err error) *RunError {
	if err == nil {
		return nil
	}
	return &RunError{Kind: kind, Message: err.Error(), cause: err}
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run error (%s): %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause, if any.
func (e *RunError) Unwrap() error { return e.cause }

// ClassifyRunError maps an arbitrary failure from the simulation collaborator
// to a RunError. Existing RunErrors pass through; context deadline and
// cancellation map to their dedicated kinds; everything else is a process
// error.
func ClassifyRunError(err error) *RunError {
	if err == nil {
		return nil
	}
	var re *RunError
	if errors.As(err, &re) {
		return re
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return WrapRunError(ErrorKindTimeout, err)
	case errors.Is(err, context.Canceled):
		return WrapRunError(ErrorKindCancelled, err)
	default:
		return WrapRunError(ErrorKindProcess, err)
	}
}
