package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"forestmc/pkg/domain"
)

// defaultCancelGrace bounds how long in-flight runs may keep executing after
// the batch context is cancelled before their contexts are cut.
const defaultCancelGrace = 5 * time.Second

type runEventKind int

const (
	runEventStarted runEventKind = iota
	runEventFinished
)

// runEvent crosses from a worker to the orchestrator. Each dispatched run
// produces exactly one started and one finished event, in that order, unless
// the worker itself is lost.
type runEvent struct {
	kind     runEventKind
	run      RunRecord
	at       time.Time
	output   RunOutput
	runErr   *domain.RunError
	duration time.Duration
	workDir  string
}

// executor drives one batch execution: a bounded pool of workers invoking
// the simulator and a single orchestrator goroutine owning every registry
// write. Workers never touch the registry, so run rows cannot race.
type executor struct {
	svc      *Service
	meta     BatchMeta
	cfg      MonteCarloConfig
	seeds    SeedMode
	workers  int
	timeout  time.Duration
	workRoot string

	started time.Time
	counts  ProgressCounts
}

// executeBatch runs every pending run of the batch on the worker pool and
// finalizes the batch status. It is shared by RunBatch and ResumeBatch; the
// two differ only in how the pending set came to be.
func (s *Service) executeBatch(ctx context.Context, meta BatchMeta, cfg MonteCarloConfig, seeds SeedMode) (BatchResult, error) {
	// Bookkeeping writes must outlive a cancelled batch context so an
	// interrupted run is recorded as failed rather than lost.
	writeCtx := context.WithoutCancel(ctx)

	jobs, err := s.registry.RunsInStatus(ctx, meta.BatchID, RunPending)
	if err != nil {
		return BatchResult{}, err
	}
	byStatus, err := s.registry.CountByStatus(ctx, meta.BatchID)
	if err != nil {
		return BatchResult{}, err
	}

	e := &executor{
		svc:     s,
		meta:    meta,
		cfg:     cfg,
		seeds:   seeds,
		started: s.clock.Now(),
		counts: ProgressCounts{
			Succeeded: byStatus[RunSucceeded],
			Failed:    byStatus[RunFailed],
			Remaining: len(jobs),
			Total:     meta.NSamples,
		},
	}
	e.workers = cfg.NWorkers
	if s.workers > 0 {
		e.workers = s.workers
	}
	if e.workers < 1 {
		e.workers = 1
	}
	e.timeout = cfg.RunTimeout
	if s.runTimeout > 0 {
		e.timeout = s.runTimeout
	}
	e.workRoot = filepath.Join(s.workspace, meta.BatchID)
	if err := os.MkdirAll(e.workRoot, 0o755); err != nil {
		return BatchResult{}, fmt.Errorf("create batch workspace: %w", err)
	}

	e.run(ctx, writeCtx, jobs)

	result, err := e.finalize(writeCtx)
	if err != nil {
		return result, err
	}
	return result, ctx.Err()
}

// run dispatches jobs in increasing run id order and consumes worker events
// until the pool drains. All registry writes happen here, on the caller's
// goroutine.
func (e *executor) run(ctx, writeCtx context.Context, jobs []RunRecord) {
	if len(jobs) == 0 {
		return
	}

	// Workers execute under a context detached from the batch context so
	// cancellation can grant in-flight runs a grace period before their
	// contexts are cut.
	poolCtx, cancelPool := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelPool()

	jobCh := make(chan RunRecord)
	events := make(chan runEvent)
	poolDone := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.worker(ctx, poolCtx, jobCh, events)
		}()
	}

	go func() {
		defer close(jobCh)
		for _, job := range jobs {
			select {
			case jobCh <- job:
			case <-ctx.Done():
				return
			case <-poolDone:
				// Every worker exited; nobody is left to take the job.
				return
			}
		}
	}()
	go func() {
		select {
		case <-poolDone:
			return
		case <-ctx.Done():
		}
		timer := time.NewTimer(e.svc.cancelGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancelPool()
		case <-poolDone:
		}
	}()

	go func() {
		wg.Wait()
		close(events)
		close(poolDone)
	}()

	inFlight := make(map[int]RunRecord, e.workers)
	for ev := range events {
		switch ev.kind {
		case runEventStarted:
			inFlight[ev.run.RunID] = ev.run
			e.handleStarted(writeCtx, ev)
		case runEventFinished:
			delete(inFlight, ev.run.RunID)
			e.handleFinished(writeCtx, ev)
		}
	}

	// A worker that died without reporting leaves its run started but never
	// finished. Record those as crashes so the registry cannot hold a stuck
	// running row.
	for _, run := range inFlight {
		e.handleFinished(writeCtx, runEvent{
			kind:   runEventFinished,
			run:    run,
			at:     e.svc.clock.Now(),
			runErr: domain.NewRunError(domain.ErrorKindWorkerCrashed, "worker terminated without reporting a result"),
		})
	}
}

func (e *executor) worker(batchCtx, poolCtx context.Context, jobs <-chan RunRecord, events chan<- runEvent) {
	for run := range jobs {
		if batchCtx.Err() != nil {
			// Cancelled before this run started; it stays pending and a
			// later resume picks it up.
			return
		}
		e.executeRun(batchCtx, poolCtx, run, events)
	}
}

// executeRun performs one run end to end on a worker: workspace setup,
// simulator invocation, outcome classification, and workdir disposal. The
// recover guard keeps one lost run from taking the whole worker down; the
// orchestrator's drain sweep records the run as crashed.
func (e *executor) executeRun(batchCtx, poolCtx context.Context, run RunRecord, events chan<- runEvent) {
	svc := e.svc
	start := svc.clock.Now()
	events <- runEvent{kind: runEventStarted, run: run, at: start}

	defer func() {
		if r := recover(); r != nil {
			svc.logger.Error("worker crashed", "batch", run.BatchID, "run", run.RunID, "panic", fmt.Sprint(r))
		}
	}()

	out, workDir, err := e.invoke(poolCtx, run)
	finish := svc.clock.Now()

	ev := runEvent{
		kind:     runEventFinished,
		run:      run,
		at:       finish,
		duration: finish.Sub(start),
		workDir:  workDir,
	}
	if err != nil {
		ev.runErr = classifyRunFailure(batchCtx, err)
	} else {
		ev.output = out
	}

	// The worker owns workdir disposal; by the time the orchestrator sees
	// the finished event the directory is uploaded, kept, or gone.
	e.disposeWorkDir(batchCtx, run, &ev)

	events <- ev
}

// invoke prepares the run's scoped working directory and calls the simulator
// under the per-run timeout.
func (e *executor) invoke(poolCtx context.Context, run RunRecord) (RunOutput, string, error) {
	workDir := filepath.Join(e.workRoot, fmt.Sprintf("run_%04d_a%d", run.RunID, run.Attempt))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return RunOutput{}, "", fmt.Errorf("create run workspace: %w", err)
	}
	params, err := run.Params()
	if err != nil {
		return RunOutput{}, workDir, fmt.Errorf("decode run params: %w", err)
	}

	in := RunInput{
		BatchID:  run.BatchID,
		RunID:    run.RunID,
		Attempt:  run.Attempt,
		RunSeed:  e.effectiveSeed(run),
		Params:   params,
		Subjects: e.cfg.SubjectFilter,
		WorkDir:  workDir,
	}

	runCtx := poolCtx
	cancel := context.CancelFunc(func() {})
	if e.timeout > 0 {
		runCtx, cancel = context.WithTimeout(poolCtx, e.timeout)
	}
	defer cancel()

	out, err := safeSimulatorRun(runCtx, e.svc.sim, in)
	if err != nil && runCtx.Err() == context.DeadlineExceeded && poolCtx.Err() == nil {
		// The run hit its own wall-clock bound rather than pool teardown.
		var re *domain.RunError
		if !errors.As(err, &re) || re.Kind != domain.ErrorKindWorkerCrashed {
			err = domain.WrapRunError(domain.ErrorKindTimeout, err)
		}
	}
	return out, workDir, err
}

// safeSimulatorRun converts a simulator panic into a crashed-worker error so
// the pool keeps running.
func safeSimulatorRun(ctx context.Context, sim Simulator, in RunInput) (out RunOutput, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.NewRunError(domain.ErrorKindWorkerCrashed, fmt.Sprintf("panic: %v", r))
		}
	}()
	return sim.Run(ctx, in)
}

// classifyRunFailure maps a worker failure to its recorded kind. Errors the
// collaborator already classified pass through untouched.
func classifyRunFailure(batchCtx context.Context, err error) *domain.RunError {
	var re *domain.RunError
	if errors.As(err, &re) {
		return re
	}
	if batchCtx.Err() != nil {
		return domain.WrapRunError(domain.ErrorKindCancelled, err)
	}
	return domain.ClassifyRunError(err)
}

// effectiveSeed returns the simulator seed for this attempt. Fresh mode
// derives a new seed from (batch seed, run id, attempt); attempt zero always
// equals the populate-time seed, so the mode only changes retried runs.
func (e *executor) effectiveSeed(run RunRecord) int64 {
	if e.seeds == SeedFresh {
		return domain.DeriveAttemptSeed(e.meta.BatchSeed, run.RunID, run.Attempt)
	}
	return run.RunSeed
}

// disposeWorkDir uploads or removes a run's working directory according to
// the artifact policy. Upload failures keep the directory on disk; evidence
// beats tidiness.
func (e *executor) disposeWorkDir(batchCtx context.Context, run RunRecord, ev *runEvent) {
	if ev.workDir == "" {
		return
	}
	svc := e.svc
	status := RunSucceeded
	if ev.runErr != nil {
		status = RunFailed
	}
	if !svc.policy.preserves(status) {
		if err := os.RemoveAll(ev.workDir); err != nil {
			svc.logger.Warn("remove run workspace", "batch", run.BatchID, "run", run.RunID, "error", err)
		}
		return
	}
	if svc.artifacts == nil {
		// No store configured: the directory on disk is the artifact.
		svc.logger.Info("preserving run workspace on disk", "batch", run.BatchID, "run", run.RunID, "dir", ev.workDir)
		return
	}
	var files []string
	if ev.runErr == nil {
		files = ev.output.ArtifactFiles
	}
	uploadCtx := context.WithoutCancel(batchCtx)
	if err := uploadRunArtifacts(uploadCtx, svc.artifacts, run.BatchID, run.RunID, run.Attempt, ev.workDir, files); err != nil {
		svc.logger.Error("upload run artifacts", "batch", run.BatchID, "run", run.RunID, "error", err)
		return
	}
	if err := os.RemoveAll(ev.workDir); err != nil {
		svc.logger.Warn("remove run workspace", "batch", run.BatchID, "run", run.RunID, "error", err)
	}
}

func (e *executor) handleStarted(writeCtx context.Context, ev runEvent) {
	svc := e.svc
	opts := TransitionOptions{At: ev.at, ClaimedBy: svc.instanceID}
	if _, err := svc.registry.TransitionRun(writeCtx, ev.run.BatchID, ev.run.RunID, RunRunning, opts); err != nil {
		svc.logger.Error("record run start", "batch", ev.run.BatchID, "run", ev.run.RunID, "error", err)
	}
	svc.metrics.RunStarted()
	e.emit(ProgressEvent{
		Type:    ProgressRunStarted,
		BatchID: ev.run.BatchID,
		RunID:   ev.run.RunID,
		Status:  RunRunning,
		Counts:  e.counts,
	})
}

func (e *executor) handleFinished(writeCtx context.Context, ev runEvent) {
	svc := e.svc
	e.counts.Remaining--
	svc.metrics.RunFinished()

	status := RunSucceeded
	var errText string
	if ev.runErr != nil {
		status = RunFailed
		errText = ev.runErr.Error()
	}

	if status == RunSucceeded {
		if _, err := svc.registry.TransitionRun(writeCtx, ev.run.BatchID, ev.run.RunID, RunSucceeded, TransitionOptions{At: ev.at}); err != nil {
			svc.logger.Error("record run success", "batch", ev.run.BatchID, "run", ev.run.RunID, "error", err)
			status = RunFailed
			errText = err.Error()
		} else {
			e.writeResults(writeCtx, ev)
		}
	} else {
		opts := TransitionOptions{At: ev.at, Error: ev.runErr}
		if _, err := svc.registry.TransitionRun(writeCtx, ev.run.BatchID, ev.run.RunID, RunFailed, opts); err != nil {
			svc.logger.Error("record run failure", "batch", ev.run.BatchID, "run", ev.run.RunID, "error", err)
		} else {
			rec := RunErrorRecord{
				BatchID:    ev.run.BatchID,
				RunID:      ev.run.RunID,
				Attempt:    ev.run.Attempt,
				Kind:       ev.runErr.Kind,
				Message:    ev.runErr.Message,
				OccurredAt: ev.at,
			}
			if err := svc.registry.WriteRunError(writeCtx, rec); err != nil {
				svc.logger.Error("record run error row", "batch", ev.run.BatchID, "run", ev.run.RunID, "error", err)
			}
		}
	}

	if status == RunSucceeded {
		e.counts.Succeeded++
	} else {
		e.counts.Failed++
	}
	svc.metrics.ObserveRun(status, ev.duration)
	e.emit(ProgressEvent{
		Type:    ProgressRunFinished,
		BatchID: ev.run.BatchID,
		RunID:   ev.run.RunID,
		Status:  status,
		Err:     errText,
		Counts:  e.counts,
	})
}

// writeResults persists the summary and yearly series of a succeeded run.
// The terminal transition has already committed; result-write failures are
// surfaced to the log, not turned into run failures.
func (e *executor) writeResults(writeCtx context.Context, ev runEvent) {
	svc := e.svc
	summary := SummarizeRun(ev.run.BatchID, ev.run.RunID, ev.output.Points, ev.duration, ev.output.NSubjects)
	if err := svc.registry.WriteSummary(writeCtx, summary); err != nil {
		svc.logger.Error("write run summary", "batch", ev.run.BatchID, "run", ev.run.RunID, "error", err)
	}
	if len(ev.output.Points) == 0 {
		svc.logger.Warn("succeeded run produced no yearly rows", "batch", ev.run.BatchID, "run", ev.run.RunID)
		return
	}
	if err := svc.registry.WriteTimeseries(writeCtx, ev.run.BatchID, ev.run.RunID, ev.output.Points); err != nil {
		svc.logger.Error("write run timeseries", "batch", ev.run.BatchID, "run", ev.run.RunID, "error", err)
	}
}

// finalize recounts run outcomes from the registry and, when every run is
// terminal, stamps the batch outcome. An interrupted batch keeps its running
// status so a resume can pick it up.
func (e *executor) finalize(writeCtx context.Context) (BatchResult, error) {
	svc := e.svc
	byStatus, err := svc.registry.CountByStatus(writeCtx, e.meta.BatchID)
	if err != nil {
		return BatchResult{}, err
	}

	result := BatchResult{
		BatchID:   e.meta.BatchID,
		Location:  svc.registry.Location(),
		Status:    BatchRunning,
		Succeeded: byStatus[RunSucceeded],
		Failed:    byStatus[RunFailed],
		Total:     e.meta.NSamples,
		Duration:  svc.clock.Now().Sub(e.started),
	}

	if byStatus[RunPending]+byStatus[RunRunning] == 0 {
		result.Status = batchOutcome(byStatus)
		if err := svc.registry.SetBatchStatus(writeCtx, e.meta.BatchID, result.Status, svc.clock.Now()); err != nil {
			return result, err
		}
		svc.metrics.ObserveBatch(result.Status, result.Duration)
		svc.logger.Info("batch finalized", "batch", e.meta.BatchID, "status", string(result.Status),
			"succeeded", result.Succeeded, "failed", result.Failed)
	}

	e.emit(ProgressEvent{
		Type:    ProgressBatchFinished,
		BatchID: e.meta.BatchID,
		RunID:   -1,
		Counts:  e.counts,
	})
	return result, nil
}

// batchOutcome folds per-run tallies into the batch status: complete when
// every run succeeded, failed when none did, partial otherwise.
func batchOutcome(byStatus map[RunStatus]int) BatchStatus {
	switch {
	case byStatus[RunFailed] == 0:
		return BatchComplete
	case byStatus[RunSucceeded] == 0:
		return BatchFailed
	default:
		return BatchPartial
	}
}

// emit delivers a progress event with the elapsed time stamped in. Events are
// emitted only from the orchestrator goroutine, so counts are consistent.
func (e *executor) emit(ev ProgressEvent) {
	if e.svc.progress == nil {
		return
	}
	ev.Elapsed = e.svc.clock.Now().Sub(e.started)
	e.svc.progress(ev)
}
