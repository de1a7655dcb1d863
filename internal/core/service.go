// Package core orchestrates Monte Carlo batches: it owns the service facade,
// the worker pool executor, run summarization, and period aggregation. The
// registry is the source of truth; the core is the only writer of run
// lifecycle state while a batch executes.
package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"forestmc/internal/artifact"
	"forestmc/internal/infra/persistence/memory"
	"forestmc/pkg/domain"
)

// Service operation names as recorded by audit, metrics, and traces.
const (
	opRunBatch       = "run_batch"
	opResumeBatch    = "resume_batch"
	opAggregateBatch = "aggregate_batch"
)

// ResumeMode selects which runs a resumed batch re-executes.
type ResumeMode string

const (
	// ResumePending re-dispatches runs still pending, including running rows
	// recovered from a crashed orchestrator.
	ResumePending ResumeMode = "pending"
	// ResumeRetryFailed additionally requeues failed runs for another
	// attempt.
	ResumeRetryFailed ResumeMode = "retry-failed"
)

// SeedMode selects the simulator seed used for re-executed runs. Sampled
// parameter values are immutable either way.
type SeedMode string

const (
	// SeedReuse replays the populate-time run seed. Default.
	SeedReuse SeedMode = "reuse"
	// SeedFresh derives a new seed per attempt so a deterministic simulator
	// crash is not replayed verbatim on retry.
	SeedFresh SeedMode = "fresh"
)

// BatchResult summarizes one batch execution.
type BatchResult struct {
	BatchID   string        `json:"batch_id"`
	Location  string        `json:"registry"`
	Status    BatchStatus   `json:"status"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Total     int           `json:"total"`
	Duration  time.Duration `json:"duration"`
}

// Service orchestrates Monte Carlo batches against a run registry and a
// simulation collaborator.
type Service struct {
	registry    Registry
	sim         Simulator
	clock       Clock
	logger      Logger
	audit       AuditRecorder
	recorder    MetricsRecorder
	tracer      Tracer
	metrics     *Metrics
	artifacts   artifact.Store
	policy      ArtifactPolicy
	progress    ProgressFunc
	workspace   string
	workers     int
	runTimeout  time.Duration
	cancelGrace time.Duration
	instanceID  string
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the service clock.
func WithClock(c Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger overrides the no-op default logger.
func WithLogger(l Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAuditRecorder attaches an audit sink for service operations.
func WithAuditRecorder(r AuditRecorder) Option {
	return func(s *Service) { s.audit = r }
}

// WithMetricsRecorder attaches an operation metrics sink.
func WithMetricsRecorder(r MetricsRecorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithTracer attaches a tracer for service operations.
func WithTracer(t Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// WithMetrics attaches Prometheus collectors for run and batch outcomes.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithArtifactStore sets the store receiving preserved run working
// directories.
func WithArtifactStore(st artifact.Store) Option {
	return func(s *Service) { s.artifacts = st }
}

// WithArtifactPolicy decides which runs keep their working directories.
func WithArtifactPolicy(p ArtifactPolicy) Option {
	return func(s *Service) {
		if p.Valid() {
			s.policy = p
		}
	}
}

// WithProgress attaches a progress event callback.
func WithProgress(fn ProgressFunc) Option {
	return func(s *Service) { s.progress = fn }
}

// WithWorkspace sets the root directory for batch working directories.
func WithWorkspace(dir string) Option {
	return func(s *Service) {
		if dir != "" {
			s.workspace = dir
		}
	}
}

// WithWorkers overrides the configured worker count for every batch this
// service executes.
func WithWorkers(n int) Option {
	return func(s *Service) { s.workers = n }
}

// WithRunTimeout overrides the configured per-run timeout.
func WithRunTimeout(d time.Duration) Option {
	return func(s *Service) { s.runTimeout = d }
}

// WithCancelGrace sets how long in-flight runs may continue after batch
// cancellation.
func WithCancelGrace(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.cancelGrace = d
		}
	}
}

// NewService constructs a Service over a registry and a simulator.
func NewService(reg Registry, sim Simulator, opts ...Option) *Service {
	s := &Service{
		registry:    reg,
		sim:         sim,
		clock:       ClockFunc(nil),
		logger:      noopLogger{},
		policy:      PreserveNone,
		workspace:   defaultWorkspace(),
		cancelGrace: defaultCancelGrace,
		instanceID:  uuid.NewString(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewInMemoryService is NewService over an in-memory registry, for tests and
// ephemeral experiments.
func NewInMemoryService(sim Simulator, opts ...Option) *Service {
	return NewService(memory.NewStore(), sim, opts...)
}

func defaultWorkspace() string {
	if dir := os.Getenv("FORESTMC_WORKSPACE"); dir != "" {
		return dir
	}
	return filepath.Join(os.TempDir(), "forestmc")
}

// InstanceID identifies this orchestrator instance. It is recorded as the
// claimant on every run the service transitions to running.
func (s *Service) InstanceID() string { return s.instanceID }

// Registry exposes the underlying registry for read-side tooling.
func (s *Service) Registry() Registry { return s.registry }

// RunBatch creates a batch from cfg, populates its sampled runs, and executes
// them on the worker pool. Initialization failures (invalid config, duplicate
// batch id, storage faults) abort before any run executes; per-run failures
// are isolated and never abort the batch. On cancellation the partial result
// is returned together with the context error and the batch remains
// resumable.
func (s *Service) RunBatch(ctx context.Context, cfg MonteCarloConfig) (BatchResult, error) {
	cfg = cfg.Normalized()
	var result BatchResult
	err := s.instrument(ctx, opRunBatch, cfg.BatchID, func(ctx context.Context) error {
		samples, err := domain.GenerateParameterSamples(cfg)
		if err != nil {
			return err
		}
		meta, err := s.registry.CreateBatch(ctx, cfg)
		if err != nil {
			return err
		}
		if _, err := s.registry.PopulateRuns(ctx, meta.BatchID, samples); err != nil {
			return err
		}
		s.logger.Info("batch created", "batch", meta.BatchID, "samples", cfg.NSamples, "workers", cfg.NWorkers)
		result, err = s.executeBatch(ctx, meta, cfg, SeedReuse)
		return err
	})
	return result, err
}

// ResumeBatch re-executes the non-terminal remainder of a batch. Stale
// running rows are recovered first: a restarted orchestrator cannot have live
// workers, so whatever it left running is recorded as crashed. With
// ResumeRetryFailed, failed runs are requeued for another attempt; sampled
// parameters are never redrawn.
func (s *Service) ResumeBatch(ctx context.Context, batchID string, mode ResumeMode, seeds SeedMode) (BatchResult, error) {
	var result BatchResult
	err := s.instrument(ctx, opResumeBatch, batchID, func(ctx context.Context) error {
		snap, err := s.registry.LoadBatch(ctx, batchID)
		if err != nil {
			return err
		}
		cfg, err := snap.Meta.Config()
		if err != nil {
			return fmt.Errorf("decode batch config: %w", err)
		}

		if err := s.recoverStaleRuns(ctx, snap); err != nil {
			return err
		}
		if mode == ResumeRetryFailed {
			if err := s.requeueFailedRuns(ctx, batchID); err != nil {
				return err
			}
		}
		if err := s.registry.SetBatchStatus(ctx, batchID, BatchRunning, time.Time{}); err != nil {
			return err
		}
		result, err = s.executeBatch(ctx, snap.Meta, cfg, seeds)
		return err
	})
	return result, err
}

// recoverStaleRuns marks rows stuck in running as crashed. Only an
// interrupted orchestrator leaves such rows behind.
func (s *Service) recoverStaleRuns(ctx context.Context, snap BatchSnapshot) error {
	for _, run := range snap.Runs {
		if run.Status != RunRunning {
			continue
		}
		runErr := domain.NewRunError(domain.ErrorKindWorkerCrashed, "stale running row recovered on resume")
		at := s.clock.Now()
		opts := TransitionOptions{At: at, Error: runErr}
		if _, err := s.registry.TransitionRun(ctx, run.BatchID, run.RunID, RunFailed, opts); err != nil {
			return err
		}
		rec := RunErrorRecord{
			BatchID:    run.BatchID,
			RunID:      run.RunID,
			Attempt:    run.Attempt,
			Kind:       runErr.Kind,
			Message:    runErr.Message,
			OccurredAt: at,
		}
		if err := s.registry.WriteRunError(ctx, rec); err != nil {
			return err
		}
		s.logger.Warn("recovered stale running row", "batch", run.BatchID, "run", run.RunID)
	}
	return nil
}

func (s *Service) requeueFailedRuns(ctx context.Context, batchID string) error {
	failed, err := s.registry.RunsInStatus(ctx, batchID, RunFailed)
	if err != nil {
		return err
	}
	for _, run := range failed {
		if _, err := s.registry.RequeueRun(ctx, batchID, run.RunID); err != nil {
			return err
		}
	}
	if len(failed) > 0 {
		s.logger.Info("requeued failed runs", "batch", batchID, "count", len(failed))
	}
	return nil
}

// LoadBatch returns the full snapshot of one batch.
func (s *Service) LoadBatch(ctx context.Context, batchID string) (BatchSnapshot, error) {
	return s.registry.LoadBatch(ctx, batchID)
}

// ListBatches returns every known batch's metadata, newest first.
func (s *Service) ListBatches(ctx context.Context) ([]BatchMeta, error) {
	return s.registry.ListBatches(ctx)
}

// AggregateBatch loads a batch and aggregates its yearly series into
// fixed-width periods.
func (s *Service) AggregateBatch(ctx context.Context, batchID string, yearsPerPeriod int) (BatchAggregate, error) {
	var agg BatchAggregate
	err := s.instrument(ctx, opAggregateBatch, batchID, func(ctx context.Context) error {
		snap, err := s.registry.LoadBatch(ctx, batchID)
		if err != nil {
			return err
		}
		agg, err = AggregateByPeriod(snap, yearsPerPeriod)
		return err
	})
	return agg, err
}

// instrument wraps one service operation with tracing, metrics, and audit.
func (s *Service) instrument(ctx context.Context, operation, batchID string, fn func(context.Context) error) error {
	start := s.clock.Now()
	var span TraceSpan
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, operation)
	}
	err := fn(ctx)
	duration := s.clock.Now().Sub(start)
	if span != nil {
		span.End(err)
	}
	if s.recorder != nil {
		s.recorder.Observe(ctx, operation, err == nil, duration)
	}
	s.metrics.Observe(ctx, operation, err == nil, duration)
	s.recordAudit(ctx, operation, batchID, err, duration)
	return err
}

func (s *Service) recordAudit(ctx context.Context, operation, batchID string, err error, duration time.Duration) {
	if s.audit == nil {
		return
	}
	entry := AuditEntry{
		Operation: operation,
		Status:    AuditStatusSuccess,
		BatchID:   batchID,
		Duration:  duration,
		Timestamp: s.clock.Now(),
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Detail = err.Error()
	}
	s.audit.Record(ctx, entry)
}
