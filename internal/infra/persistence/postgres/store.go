// Package postgres provides a Postgres-backed run registry for deployments
// where batches outlive a single host or need concurrent readers during
// execution.
package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"forestmc/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.Registry = (*Store)(nil)

const (
	defaultDriver = "pgx"
	// Default DSN keeps parity with OpenRegistry defaults while allowing overrides via env.
	defaultDSN = "postgres://localhost/forestmc?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store is a Postgres-backed Registry.
type Store struct {
	db  *sql.DB
	dsn string
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS batch_meta (
		batch_id TEXT PRIMARY KEY,
		config_json JSONB NOT NULL,
		batch_seed BIGINT NOT NULL,
		n_samples INTEGER NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		orchestrator TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS run_registry (
		batch_id TEXT NOT NULL,
		run_id INTEGER NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		run_seed BIGINT NOT NULL,
		params_json JSONB NOT NULL,
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		error_kind TEXT,
		error_message TEXT,
		claimed_by TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (batch_id, run_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_run_registry_batch_status ON run_registry (batch_id, status)`,
	`CREATE TABLE IF NOT EXISTS run_summary (
		batch_id TEXT NOT NULL,
		run_id INTEGER NOT NULL,
		final_total_carbon DOUBLE PRECISION NOT NULL,
		avg_carbon_stock DOUBLE PRECISION NOT NULL,
		final_live_carbon DOUBLE PRECISION NOT NULL,
		final_dead_carbon DOUBLE PRECISION NOT NULL,
		final_stored_carbon DOUBLE PRECISION NOT NULL,
		min_canopy_cover DOUBLE PRECISION NOT NULL,
		final_canopy_cover DOUBLE PRECISION NOT NULL,
		cumulative_harvest_bdft DOUBLE PRECISION NOT NULL,
		run_duration_sec DOUBLE PRECISION NOT NULL,
		n_subjects INTEGER NOT NULL,
		PRIMARY KEY (batch_id, run_id)
	)`,
	`CREATE TABLE IF NOT EXISTS run_timeseries (
		batch_id TEXT NOT NULL,
		run_id INTEGER NOT NULL,
		year INTEGER NOT NULL,
		aboveground_c_live DOUBLE PRECISION NOT NULL,
		standing_dead_c DOUBLE PRECISION NOT NULL,
		merch_carbon_stored DOUBLE PRECISION NOT NULL,
		total_carbon DOUBLE PRECISION NOT NULL,
		canopy_cover_pct DOUBLE PRECISION NOT NULL,
		basal_area DOUBLE PRECISION NOT NULL,
		trees_per_acre DOUBLE PRECISION NOT NULL,
		harvest_bdft DOUBLE PRECISION NOT NULL,
		cumulative_harvest_bdft DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (batch_id, run_id, year)
	)`,
	`CREATE TABLE IF NOT EXISTS run_errors (
		batch_id TEXT NOT NULL,
		run_id INTEGER NOT NULL,
		attempt INTEGER NOT NULL,
		error_kind TEXT NOT NULL,
		error_message TEXT NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL
	)`,
}

// NewStore opens a Postgres-backed registry using the provided DSN (falls
// back to defaultDSN) and applies the registry DDL.
func NewStore(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("execute ddl: %w", err)
		}
	}
	return &Store{db: db, dsn: dsn}, nil
}

const selectMetaCols = `SELECT batch_id, config_json, batch_seed, n_samples, status, created_at, finished_at, orchestrator FROM batch_meta`

const selectRunCols = `SELECT batch_id, run_id, attempt, status, run_seed, params_json, started_at, finished_at, error_kind, error_message, claimed_by FROM run_registry`

// CreateBatch persists batch metadata once.
func (s *Store) CreateBatch(ctx context.Context, cfg domain.MonteCarloConfig) (domain.BatchMeta, error) {
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
		CreatedAt:    time.Now().UTC(),
		Orchestrator: hostname(),
	}
	exists, err := s.batchExists(ctx, cfg.BatchID)
	if err != nil {
		return domain.BatchMeta{}, err
	}
	if exists {
		return domain.BatchMeta{}, &domain.DuplicateBatchError{BatchID: cfg.BatchID}
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO batch_meta (batch_id, config_json, batch_seed, n_samples, status, created_at, finished_at, orchestrator) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		meta.BatchID, string(raw), meta.BatchSeed, meta.NSamples, string(meta.Status), meta.CreatedAt, nil, meta.Orchestrator)
	if err != nil {
		return domain.BatchMeta{}, fmt.Errorf("insert batch: %w", err)
	}
	return meta, nil
}

// PopulateRuns inserts one pending row per sample inside one transaction.
func (s *Store) PopulateRuns(ctx context.Context, batchID string, samples []domain.ParameterSample) (int, error) {
	exists, err := s.batchExists(ctx, batchID)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, &domain.ErrBatchNotFound{BatchID: batchID}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	inserted := 0
	for _, sample := range samples {
		raw, err := sample.ParamsJSON()
		if err != nil {
			return 0, fmt.Errorf("encode params for run %d: %w", sample.RunID, err)
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO run_registry (batch_id, run_id, attempt, status, run_seed, params_json, started_at, finished_at, error_kind, error_message, claimed_by) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) ON CONFLICT (batch_id, run_id) DO NOTHING`,
			batchID, sample.RunID, 0, string(domain.RunPending), sample.RunSeed, string(raw), nil, nil, nil, nil, "")
		if err != nil {
			return 0, fmt.Errorf("insert run %d: %w", sample.RunID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		if n == 1 {
			inserted++
			continue
		}
		existing, err := scanRunRow(tx.QueryRowContext(ctx, selectRunCols+` WHERE batch_id = $1 AND run_id = $2`, batchID, sample.RunID))
		if err != nil {
			return 0, fmt.Errorf("read existing run %d: %w", sample.RunID, err)
		}
		if existing.RunSeed != sample.RunSeed || !bytes.Equal(existing.ParamsJSON, raw) {
			return 0, fmt.Errorf("populate batch %s: run %d already exists with different parameters", batchID, sample.RunID)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	committed = true
	return inserted, nil
}

// TransitionRun moves one run along the lifecycle. The UPDATE carries the
// expected current status in its predicate so late or duplicate callbacks
// lose cleanly.
func (s *Store) TransitionRun(ctx context.Context, batchID string, runID int, to domain.RunStatus, opts domain.TransitionOptions) (domain.RunRecord, error) {
	if !to.Valid() {
		return domain.RunRecord{}, fmt.Errorf("unknown run status %q", to)
	}
	if to == domain.RunFailed && opts.Error == nil {
		return domain.RunRecord{}, fmt.Errorf("transition run %s/%d to failed requires a run error", batchID, runID)
	}
	current, err := s.readRun(ctx, batchID, runID)
	if err != nil {
		return domain.RunRecord{}, err
	}
	if !domain.CanTransition(current.Status, to) {
		return domain.RunRecord{}, &domain.InvalidTransitionError{BatchID: batchID, RunID: runID, From: current.Status, To: to}
	}
	at := opts.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	var res sql.Result
	switch to {
	case domain.RunRunning:
		res, err = s.db.ExecContext(ctx, `UPDATE run_registry SET status = $1, started_at = $2, claimed_by = $3 WHERE batch_id = $4 AND run_id = $5 AND status = $6`,
			string(to), at, opts.ClaimedBy, batchID, runID, string(current.Status))
	case domain.RunSucceeded:
		res, err = s.db.ExecContext(ctx, `UPDATE run_registry SET status = $1, finished_at = $2, error_kind = $3, error_message = $4 WHERE batch_id = $5 AND run_id = $6 AND status = $7`,
			string(to), at, nil, nil, batchID, runID, string(current.Status))
	case domain.RunFailed:
		res, err = s.db.ExecContext(ctx, `UPDATE run_registry SET status = $1, finished_at = $2, error_kind = $3, error_message = $4 WHERE batch_id = $5 AND run_id = $6 AND status = $7`,
			string(to), at, string(opts.Error.Kind), opts.Error.Message, batchID, runID, string(current.Status))
	}
	if err != nil {
		return domain.RunRecord{}, fmt.Errorf("update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.RunRecord{}, err
	}
	if n == 0 {
		return domain.RunRecord{}, &domain.InvalidTransitionError{BatchID: batchID, RunID: runID, From: current.Status, To: to}
	}
	return s.readRun(ctx, batchID, runID)
}

// RequeueRun resets a failed run to pending for another attempt.
func (s *Store) RequeueRun(ctx context.Context, batchID string, runID int) (domain.RunRecord, error) {
	current, err := s.readRun(ctx, batchID, runID)
	if err != nil {
		return domain.RunRecord{}, err
	}
	if current.Status != domain.RunFailed {
		return domain.RunRecord{}, &domain.InvalidTransitionError{BatchID: batchID, RunID: runID, From: current.Status, To: domain.RunPending}
	}
	_, err = s.db.ExecContext(ctx, `UPDATE run_registry SET status = $1, attempt = $2, started_at = $3, finished_at = $4, error_kind = $5, error_message = $6, claimed_by = $7 WHERE batch_id = $8 AND run_id = $9 AND status = $10`,
		string(domain.RunPending), current.Attempt+1, nil, nil, nil, nil, "", batchID, runID, string(domain.RunFailed))
	if err != nil {
		return domain.RunRecord{}, fmt.Errorf("requeue run: %w", err)
	}
	return s.readRun(ctx, batchID, runID)
}

// WriteSummary upserts the scalar metrics of a succeeded run.
func (s *Store) WriteSummary(ctx context.Context, summary domain.RunSummary) error {
	if err := s.requireRunStatus(ctx, summary.BatchID, summary.RunID, domain.RunSucceeded, "write summary"); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO run_summary (batch_id, run_id, final_total_carbon, avg_carbon_stock, final_live_carbon, final_dead_carbon, final_stored_carbon, min_canopy_cover, final_canopy_cover, cumulative_harvest_bdft, run_duration_sec, n_subjects) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) ON CONFLICT (batch_id, run_id) DO UPDATE SET final_total_carbon=EXCLUDED.final_total_carbon, avg_carbon_stock=EXCLUDED.avg_carbon_stock, final_live_carbon=EXCLUDED.final_live_carbon, final_dead_carbon=EXCLUDED.final_dead_carbon, final_stored_carbon=EXCLUDED.final_stored_carbon, min_canopy_cover=EXCLUDED.min_canopy_cover, final_canopy_cover=EXCLUDED.final_canopy_cover, cumulative_harvest_bdft=EXCLUDED.cumulative_harvest_bdft, run_duration_sec=EXCLUDED.run_duration_sec, n_subjects=EXCLUDED.n_subjects`,
		summary.BatchID, summary.RunID, summary.FinalTotalCarbon, summary.AvgCarbonStock, summary.FinalLiveCarbon,
		summary.FinalDeadCarbon, summary.FinalStoredCarbon, summary.MinCanopyCover, summary.FinalCanopyCover,
		summary.CumulativeHarvestBdft, summary.RunDurationSec, summary.NSubjects)
	if err != nil {
		return fmt.Errorf("upsert summary: %w", err)
	}
	return nil
}

// WriteTimeseries replaces the per-year rows of a succeeded run.
func (s *Store) WriteTimeseries(ctx context.Context, batchID string, runID int, points []domain.TimeSeriesPoint) error {
	if err := s.requireRunStatus(ctx, batchID, runID, domain.RunSucceeded, "write timeseries"); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, `DELETE FROM run_timeseries WHERE batch_id = $1 AND run_id = $2`, batchID, runID); err != nil {
		return fmt.Errorf("clear timeseries: %w", err)
	}
	for _, p := range points {
		_, err := tx.ExecContext(ctx, `INSERT INTO run_timeseries (batch_id, run_id, year, aboveground_c_live, standing_dead_c, merch_carbon_stored, total_carbon, canopy_cover_pct, basal_area, trees_per_acre, harvest_bdft, cumulative_harvest_bdft) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			batchID, runID, p.Year, p.AbovegroundCLive, p.StandingDeadC, p.MerchCarbonStored, p.TotalCarbon,
			p.CanopyCoverPct, p.BasalArea, p.TreesPerAcre, p.HarvestBdft, p.CumulativeHarvestBdft)
		if err != nil {
			return fmt.Errorf("insert timeseries year %d: %w", p.Year, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// WriteRunError appends one error row for a failed run attempt.
func (s *Store) WriteRunError(ctx context.Context, rec domain.RunErrorRecord) error {
	if err := s.requireRunStatus(ctx, rec.BatchID, rec.RunID, domain.RunFailed, "write error"); err != nil {
		return err
	}
	at := rec.OccurredAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO run_errors (batch_id, run_id, attempt, error_kind, error_message, occurred_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		rec.BatchID, rec.RunID, rec.Attempt, string(rec.Kind), rec.Message, at)
	if err != nil {
		return fmt.Errorf("insert error row: %w", err)
	}
	return nil
}

// SetBatchStatus finalizes the batch outcome.
func (s *Store) SetBatchStatus(ctx context.Context, batchID string, status domain.BatchStatus, finishedAt time.Time) error {
	exists, err := s.batchExists(ctx, batchID)
	if err != nil {
		return err
	}
	if !exists {
		return &domain.ErrBatchNotFound{BatchID: batchID}
	}
	var finished any
	if status != domain.BatchRunning {
		if finishedAt.IsZero() {
			finishedAt = time.Now().UTC()
		}
		finished = finishedAt
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE batch_meta SET status = $1, finished_at = $2 WHERE batch_id = $3`, string(status), finished, batchID); err != nil {
		return fmt.Errorf("update batch status: %w", err)
	}
	return nil
}

// LoadBatch returns a snapshot of one batch across all tables.
func (s *Store) LoadBatch(ctx context.Context, batchID string) (domain.BatchSnapshot, error) {
	var snap domain.BatchSnapshot
	meta, err := scanMetaRow(s.db.QueryRowContext(ctx, selectMetaCols+` WHERE batch_id = $1`, batchID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.BatchSnapshot{}, &domain.ErrBatchNotFound{BatchID: batchID}
		}
		return domain.BatchSnapshot{}, fmt.Errorf("read batch meta: %w", err)
	}
	snap.Meta = meta

	rows, err := s.db.QueryContext(ctx, selectRunCols+` WHERE batch_id = $1`, batchID)
	if err != nil {
		return domain.BatchSnapshot{}, fmt.Errorf("select runs: %w", err)
	}
	snap.Runs, err = collectRuns(rows)
	if err != nil {
		return domain.BatchSnapshot{}, err
	}
	sort.Slice(snap.Runs, func(i, j int) bool { return snap.Runs[i].RunID < snap.Runs[j].RunID })

	snap.Summaries, err = s.loadSummaries(ctx, batchID)
	if err != nil {
		return domain.BatchSnapshot{}, err
	}
	snap.Timeseries, err = s.loadTimeseries(ctx, batchID)
	if err != nil {
		return domain.BatchSnapshot{}, err
	}
	snap.Errors, err = s.loadErrors(ctx, batchID)
	if err != nil {
		return domain.BatchSnapshot{}, err
	}
	return snap, nil
}

func (s *Store) loadSummaries(ctx context.Context, batchID string) ([]domain.RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT batch_id, run_id, final_total_carbon, avg_carbon_stock, final_live_carbon, final_dead_carbon, final_stored_carbon, min_canopy_cover, final_canopy_cover, cumulative_harvest_bdft, run_duration_sec, n_subjects FROM run_summary WHERE batch_id = $1`, batchID)
	if err != nil {
		return nil, fmt.Errorf("select summaries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.RunSummary
	for rows.Next() {
		var sum domain.RunSummary
		if err := rows.Scan(&sum.BatchID, &sum.RunID, &sum.FinalTotalCarbon, &sum.AvgCarbonStock, &sum.FinalLiveCarbon,
			&sum.FinalDeadCarbon, &sum.FinalStoredCarbon, &sum.MinCanopyCover, &sum.FinalCanopyCover,
			&sum.CumulativeHarvestBdft, &sum.RunDurationSec, &sum.NSubjects); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out, nil
}

func (s *Store) loadTimeseries(ctx context.Context, batchID string) ([]domain.TimeSeriesPoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT batch_id, run_id, year, aboveground_c_live, standing_dead_c, merch_carbon_stored, total_carbon, canopy_cover_pct, basal_area, trees_per_acre, harvest_bdft, cumulative_harvest_bdft FROM run_timeseries WHERE batch_id = $1`, batchID)
	if err != nil {
		return nil, fmt.Errorf("select timeseries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.TimeSeriesPoint
	for rows.Next() {
		var p domain.TimeSeriesPoint
		if err := rows.Scan(&p.BatchID, &p.RunID, &p.Year, &p.AbovegroundCLive, &p.StandingDeadC, &p.MerchCarbonStored,
			&p.TotalCarbon, &p.CanopyCoverPct, &p.BasalArea, &p.TreesPerAcre, &p.HarvestBdft, &p.CumulativeHarvestBdft); err != nil {
			return nil, fmt.Errorf("scan timeseries: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RunID != out[j].RunID {
			return out[i].RunID < out[j].RunID
		}
		return out[i].Year < out[j].Year
	})
	return out, nil
}

func (s *Store) loadErrors(ctx context.Context, batchID string) ([]domain.RunErrorRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT batch_id, run_id, attempt, error_kind, error_message, occurred_at FROM run_errors WHERE batch_id = $1`, batchID)
	if err != nil {
		return nil, fmt.Errorf("select errors: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.RunErrorRecord
	for rows.Next() {
		var rec domain.RunErrorRecord
		var kind string
		if err := rows.Scan(&rec.BatchID, &rec.RunID, &rec.Attempt, &kind, &rec.Message, &rec.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan error row: %w", err)
		}
		rec.Kind = domain.ErrorKind(kind)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RunID != out[j].RunID {
			return out[i].RunID < out[j].RunID
		}
		return out[i].Attempt < out[j].Attempt
	})
	return out, nil
}

// ListBatches returns every batch's metadata, newest first.
func (s *Store) ListBatches(ctx context.Context) ([]domain.BatchMeta, error) {
	rows, err := s.db.QueryContext(ctx, selectMetaCols)
	if err != nil {
		return nil, fmt.Errorf("select batches: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var metas []domain.BatchMeta
	for rows.Next() {
		meta, err := scanMetaRow(rows)
		if err != nil {
			return nil, err
		}
		metas = append(metas, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, err
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
func (s *Store) CountByStatus(ctx context.Context, batchID string) (map[domain.RunStatus]int, error) {
	exists, err := s.batchExists(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, &domain.ErrBatchNotFound{BatchID: batchID}
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status FROM run_registry WHERE batch_id = $1`, batchID)
	if err != nil {
		return nil, fmt.Errorf("select statuses: %w", err)
	}
	defer func() { _ = rows.Close() }()
	counts := make(map[domain.RunStatus]int, 4)
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		counts[domain.RunStatus(status)]++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

// RunsInStatus returns a batch's runs in the given status, ordered by run id.
func (s *Store) RunsInStatus(ctx context.Context, batchID string, status domain.RunStatus) ([]domain.RunRecord, error) {
	exists, err := s.batchExists(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, &domain.ErrBatchNotFound{BatchID: batchID}
	}
	rows, err := s.db.QueryContext(ctx, selectRunCols+` WHERE batch_id = $1 AND status = $2`, batchID, string(status))
	if err != nil {
		return nil, fmt.Errorf("select runs: %w", err)
	}
	out, err := collectRuns(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out, nil
}

// Location returns the configured DSN.
func (s *Store) Location() string { return s.dsn }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration hooks.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) batchExists(ctx context.Context, batchID string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT batch_id FROM batch_meta WHERE batch_id = $1`, batchID)
	if err != nil {
		return false, fmt.Errorf("check batch: %w", err)
	}
	defer func() { _ = rows.Close() }()
	exists := false
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return false, err
		}
		exists = true
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return exists, nil
}

func (s *Store) readRun(ctx context.Context, batchID string, runID int) (domain.RunRecord, error) {
	rec, err := scanRunRow(s.db.QueryRowContext(ctx, selectRunCols+` WHERE batch_id = $1 AND run_id = $2`, batchID, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.RunRecord{}, &domain.ErrRunNotFound{BatchID: batchID, RunID: runID}
		}
		return domain.RunRecord{}, fmt.Errorf("read run: %w", err)
	}
	return rec, nil
}

func (s *Store) requireRunStatus(ctx context.Context, batchID string, runID int, want domain.RunStatus, op string) error {
	rec, err := s.readRun(ctx, batchID, runID)
	if err != nil {
		return err
	}
	if rec.Status != want {
		return fmt.Errorf("%s for run %s/%d: status %s, want %s", op, batchID, runID, rec.Status, want)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMetaRow(row rowScanner) (domain.BatchMeta, error) {
	var meta domain.BatchMeta
	var config, status string
	var finished sql.NullTime
	if err := row.Scan(&meta.BatchID, &config, &meta.BatchSeed, &meta.NSamples, &status, &meta.CreatedAt, &finished, &meta.Orchestrator); err != nil {
		return domain.BatchMeta{}, err
	}
	meta.ConfigJSON = json.RawMessage(config)
	meta.Status = domain.BatchStatus(status)
	if finished.Valid {
		at := finished.Time
		meta.FinishedAt = &at
	}
	return meta, nil
}

func scanRunRow(row rowScanner) (domain.RunRecord, error) {
	var rec domain.RunRecord
	var status, params string
	var started, finished sql.NullTime
	var errKind, errMsg sql.NullString
	if err := row.Scan(&rec.BatchID, &rec.RunID, &rec.Attempt, &status, &rec.RunSeed, &params, &started, &finished, &errKind, &errMsg, &rec.ClaimedBy); err != nil {
		return domain.RunRecord{}, err
	}
	rec.Status = domain.RunStatus(status)
	rec.ParamsJSON = json.RawMessage(params)
	if started.Valid {
		at := started.Time
		rec.StartedAt = &at
	}
	if finished.Valid {
		at := finished.Time
		rec.FinishedAt = &at
	}
	if errKind.Valid {
		rec.Error = domain.NewRunError(domain.ErrorKind(errKind.String), errMsg.String)
	}
	return rec, nil
}

func collectRuns(rows *sql.Rows) ([]domain.RunRecord, error) {
	defer func() { _ = rows.Close() }()
	var out []domain.RunRecord
	for rows.Next() {
		rec, err := scanRunRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// hostname identifies the orchestrating host in batch metadata.
func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
