// Package memory provides an in-memory implementation of the run registry
// used for tests and ephemeral environments.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"forestmc/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain
// registry interface.
var _ domain.Registry = (*Store)(nil)

// runState holds one run's row plus its result rows. Each run carries its own
// mutex so writes to unrelated runs of the same batch never block each other.
type runState struct {
	mu         sync.Mutex
	record     domain.RunRecord
	summary    *domain.RunSummary
	timeseries []domain.TimeSeriesPoint
	errors     []domain.RunErrorRecord
}

// batchState guards one batch. Per-run writers hold the batch lock shared and
// their run's lock exclusive; snapshot readers take the batch lock exclusive
// to observe every run at one consistent point.
type batchState struct {
	mu   sync.RWMutex
	meta domain.BatchMeta
	runs map[int]*runState
}

// Store is an in-memory Registry. Writes are serialized per (batch_id,
// run_id); whole-batch reads see a consistent snapshot.
type Store struct {
	mu      sync.RWMutex
	batches map[string]*batchState
	nowFn   func() time.Time
}

// NewStore constructs an empty in-memory registry.
func NewStore() *Store {
	return &Store{
		batches: make(map[string]*batchState),
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) now(at time.Time) time.Time {
	if !at.IsZero() {
		return at.UTC()
	}
	return s.nowFn()
}

func (s *Store) batch(batchID string) (*batchState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[batchID]
	if !ok {
		return nil, &domain.ErrBatchNotFound{BatchID: batchID}
	}
	return b, nil
}

// run resolves (batchID, runID) holding the batch lock shared, so unrelated
// runs stay concurrent. The caller mutates under the returned run's own lock.
func (s *Store) run(batchID string, runID int) (*runState, error) {
	b, err := s.batch(batchID)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	r, ok := b.runs[runID]
	b.mu.RUnlock()
	if !ok {
		return nil, &domain.ErrRunNotFound{BatchID: batchID, RunID: runID}
	}
	return r, nil
}

// CreateBatch persists batch metadata once.
func (s *Store) CreateBatch(_ context.Context, cfg domain.MonteCarloConfig) (domain.BatchMeta, error) {
	if err := cfg.Validate(); err != nil {
		return domain.BatchMeta{}, err
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return domain.BatchMeta{}, fmt.Errorf("encode config: %w", err)
	}
	meta := domain.BatchMeta{
		BatchID:      cfg.BatchID,
		ConfigJSON:   raw,
		BatchSeed:    cfg.BatchSeed,
		NSamples:     cfg.NSamples,
		Status:       domain.BatchRunning,
		CreatedAt:    s.nowFn(),
		Orchestrator: hostname(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.batches[cfg.BatchID]; exists {
		return domain.BatchMeta{}, &domain.DuplicateBatchError{BatchID: cfg.BatchID}
	}
	s.batches[cfg.BatchID] = &batchState{meta: meta, runs: make(map[int]*runState, cfg.NSamples)}
	return meta, nil
}

// PopulateRuns inserts one pending row per sample. Conflicts are detected
// before any insert, so a failed populate leaves the batch unchanged.
func (s *Store) PopulateRuns(_ context.Context, batchID string, samples []domain.ParameterSample) (int, error) {
	b, err := s.batch(batchID)
	if err != nil {
		return 0, err
	}
	encoded := make([]json.RawMessage, len(samples))
	for i, sample := range samples {
		raw, err := sample.ParamsJSON()
		if err != nil {
			return 0, fmt.Errorf("encode params for run %d: %w", sample.RunID, err)
		}
		encoded[i] = raw
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sample := range samples {
		if existing, ok := b.runs[sample.RunID]; ok {
			if existing.record.RunSeed != sample.RunSeed || !bytes.Equal(existing.record.ParamsJSON, encoded[i]) {
				return 0, fmt.Errorf("populate batch %s: run %d already exists with different parameters", batchID, sample.RunID)
			}
		}
	}
	inserted := 0
	for i, sample := range samples {
		if _, ok := b.runs[sample.RunID]; ok {
			continue
		}
		b.runs[sample.RunID] = &runState{record: domain.RunRecord{
			BatchID:    batchID,
			RunID:      sample.RunID,
			Status:     domain.RunPending,
			RunSeed:    sample.RunSeed,
			ParamsJSON: encoded[i],
		}}
		inserted++
	}
	return inserted, nil
}

// TransitionRun moves one run along the lifecycle, rejecting illegal edges
// without side effects.
func (s *Store) TransitionRun(_ context.Context, batchID string, runID int, to domain.RunStatus, opts domain.TransitionOptions) (domain.RunRecord, error) {
	if !to.Valid() {
		return domain.RunRecord{}, fmt.Errorf("unknown run status %q", to)
	}
	if to == domain.RunFailed && opts.Error == nil {
		return domain.RunRecord{}, fmt.Errorf("transition run %s/%d to failed requires a run error", batchID, runID)
	}
	r, err := s.run(batchID, runID)
	if err != nil {
		return domain.RunRecord{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !domain.CanTransition(r.record.Status, to) {
		return domain.RunRecord{}, &domain.InvalidTransitionError{BatchID: batchID, RunID: runID, From: r.record.Status, To: to}
	}
	at := s.now(opts.At)
	switch to {
	case domain.RunRunning:
		r.record.StartedAt = &at
		r.record.ClaimedBy = opts.ClaimedBy
	case domain.RunSucceeded:
		r.record.FinishedAt = &at
		r.record.Error = nil
	case domain.RunFailed:
		r.record.FinishedAt = &at
		r.record.Error = opts.Error
	}
	r.record.Status = to
	return cloneRecord(r.record), nil
}

// RequeueRun resets a failed run to pending for another attempt. The sampled
// parameters and seed stay exactly as populated.
func (s *Store) RequeueRun(_ context.Context, batchID string, runID int) (domain.RunRecord, error) {
	r, err := s.run(batchID, runID)
	if err != nil {
		return domain.RunRecord{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.record.Status != domain.RunFailed {
		return domain.RunRecord{}, &domain.InvalidTransitionError{BatchID: batchID, RunID: runID, From: r.record.Status, To: domain.RunPending}
	}
	r.record.Status = domain.RunPending
	r.record.Attempt++
	r.record.Error = nil
	r.record.StartedAt = nil
	r.record.FinishedAt = nil
	r.record.ClaimedBy = ""
	return cloneRecord(r.record), nil
}

// WriteSummary records the scalar metrics of a succeeded run. Re-writing the
// same run replaces the previous summary, so a resumed executor can safely
// repeat the write.
func (s *Store) WriteSummary(_ context.Context, summary domain.RunSummary) error {
	r, err := s.run(summary.BatchID, summary.RunID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.record.Status != domain.RunSucceeded {
		return fmt.Errorf("write summary for run %s/%d: status %s, want %s", summary.BatchID, summary.RunID, r.record.Status, domain.RunSucceeded)
	}
	clone := summary
	r.summary = &clone
	return nil
}

// WriteTimeseries stores per-year rows for a succeeded run, replacing any
// rows from an earlier interrupted write.
func (s *Store) WriteTimeseries(_ context.Context, batchID string, runID int, points []domain.TimeSeriesPoint) error {
	r, err := s.run(batchID, runID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.record.Status != domain.RunSucceeded {
		return fmt.Errorf("write timeseries for run %s/%d: status %s, want %s", batchID, runID, r.record.Status, domain.RunSucceeded)
	}
	rows := make([]domain.TimeSeriesPoint, len(points))
	copy(rows, points)
	for i := range rows {
		rows[i].BatchID = batchID
		rows[i].RunID = runID
	}
	r.timeseries = rows
	return nil
}

// WriteRunError appends one error row for a failed run attempt. Rows
// accumulate across attempts as append-only evidence.
func (s *Store) WriteRunError(_ context.Context, rec domain.RunErrorRecord) error {
	r, err := s.run(rec.BatchID, rec.RunID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.record.Status != domain.RunFailed {
		return fmt.Errorf("write error for run %s/%d: status %s, want %s", rec.BatchID, rec.RunID, r.record.Status, domain.RunFailed)
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = s.nowFn()
	}
	r.errors = append(r.errors, rec)
	return nil
}

// SetBatchStatus finalizes the batch outcome.
func (s *Store) SetBatchStatus(_ context.Context, batchID string, status domain.BatchStatus, finishedAt time.Time) error {
	b, err := s.batch(batchID)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.meta.Status = status
	if status != domain.BatchRunning {
		at := s.now(finishedAt)
		b.meta.FinishedAt = &at
	} else {
		b.meta.FinishedAt = nil
	}
	return nil
}

// LoadBatch returns a consistent snapshot of one batch. The exclusive batch
// lock excludes every per-run writer for the duration of the copy.
func (s *Store) LoadBatch(_ context.Context, batchID string) (domain.BatchSnapshot, error) {
	b, err := s.batch(batchID)
	if err != nil {
		return domain.BatchSnapshot{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := domain.BatchSnapshot{Meta: cloneMeta(b.meta)}
	for _, id := range sortedRunIDs(b.runs) {
		r := b.runs[id]
		snap.Runs = append(snap.Runs, cloneRecord(r.record))
		if r.summary != nil {
			snap.Summaries = append(snap.Summaries, *r.summary)
		}
		snap.Timeseries = append(snap.Timeseries, r.timeseries...)
		snap.Errors = append(snap.Errors, r.errors...)
	}
	return snap, nil
}

// ListBatches returns every batch's metadata, newest first.
func (s *Store) ListBatches(_ context.Context) ([]domain.BatchMeta, error) {
	s.mu.RLock()
	states := make([]*batchState, 0, len(s.batches))
	for _, b := range s.batches {
		states = append(states, b)
	}
	s.mu.RUnlock()
	metas := make([]domain.BatchMeta, 0, len(states))
	for _, b := range states {
		b.mu.RLock()
		metas = append(metas, cloneMeta(b.meta))
		b.mu.RUnlock()
	}
	sort.Slice(metas, func(i, j int) bool {
		if metas[i].CreatedAt.Equal(metas[j].CreatedAt) {
			return metas[i].BatchID > metas[j].BatchID
		}
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	})
	return metas, nil
}

// CountByStatus tallies a batch's runs per status.
func (s *Store) CountByStatus(_ context.Context, batchID string) (map[domain.RunStatus]int, error) {
	b, err := s.batch(batchID)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	counts := make(map[domain.RunStatus]int, 4)
	for _, r := range b.runs {
		counts[r.record.Status]++
	}
	return counts, nil
}

// RunsInStatus returns a batch's runs in the given status, ordered by run id.
func (s *Store) RunsInStatus(_ context.Context, batchID string, status domain.RunStatus) ([]domain.RunRecord, error) {
	b, err := s.batch(batchID)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.RunRecord
	for _, id := range sortedRunIDs(b.runs) {
		if r := b.runs[id]; r.record.Status == status {
			out = append(out, cloneRecord(r.record))
		}
	}
	return out, nil
}

// Location identifies the backend for logs and CLI output.
func (s *Store) Location() string { return "memory" }

// Close is a no-op for the in-memory registry.
func (s *Store) Close() error { return nil }

// hostname identifies the orchestrating host in batch metadata.
func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}

func sortedRunIDs(runs map[int]*runState) []int {
	ids := make([]int, 0, len(runs))
	for id := range runs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func cloneMeta(m domain.BatchMeta) domain.BatchMeta {
	out := m
	out.ConfigJSON = append(json.RawMessage(nil), m.ConfigJSON...)
	if m.FinishedAt != nil {
		at := *m.FinishedAt
		out.FinishedAt = &at
	}
	return out
}

func cloneRecord(r domain.RunRecord) domain.RunRecord {
	out := r
	out.ParamsJSON = append(json.RawMessage(nil), r.ParamsJSON...)
	if r.StartedAt != nil {
		at := *r.StartedAt
		out.StartedAt = &at
	}
	if r.FinishedAt != nil {
		at := *r.FinishedAt
		out.FinishedAt = &at
	}
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	return out
}
