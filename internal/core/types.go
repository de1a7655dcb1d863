package core

import "forestmc/pkg/domain"

type (
	MonteCarloConfig  = domain.MonteCarloConfig
	ParameterSpec     = domain.ParameterSpec
	ParameterSample   = domain.ParameterSample
	RunStatus         = domain.RunStatus
	BatchStatus       = domain.BatchStatus
	RunRecord         = domain.RunRecord
	RunSummary        = domain.RunSummary
	TimeSeriesPoint   = domain.TimeSeriesPoint
	RunErrorRecord    = domain.RunErrorRecord
	BatchMeta         = domain.BatchMeta
	BatchSnapshot     = domain.BatchSnapshot
	RunError          = domain.RunError
	ErrorKind         = domain.ErrorKind
	Registry          = domain.Registry
	TransitionOptions = domain.TransitionOptions
)

const (
	RunPending   = domain.RunPending
	RunRunning   = domain.RunRunning
	RunSucceeded = domain.RunSucceeded
	RunFailed    = domain.RunFailed
)

const (
	BatchRunning  = domain.BatchRunning
	BatchComplete = domain.BatchComplete
	BatchPartial  = domain.BatchPartial
	BatchFailed   = domain.BatchFailed
)

const (
	ErrorKindProcess         = domain.ErrorKindProcess
	ErrorKindMalformedOutput = domain.ErrorKindMalformedOutput
	ErrorKindTimeout         = domain.ErrorKindTimeout
	ErrorKindWorkerCrashed   = domain.ErrorKindWorkerCrashed
	ErrorKindCancelled       = domain.ErrorKindCancelled
)
