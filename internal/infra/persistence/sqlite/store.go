// Package sqlite persists the run registry in a single SQLite file, the
// default backend for local batches. One file holds every table of a batch,
// so a registry can be copied or archived as a unit.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"forestmc/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.Registry = (*Store)(nil)

// DefaultPath is the registry file used when no path is configured.
const DefaultPath = "forestmc.db"

// Store is a SQLite-backed Registry.
type Store struct {
	db   *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS batch_meta (
	batch_id     TEXT PRIMARY KEY,
	config_json  TEXT NOT NULL,
	batch_seed   INTEGER NOT NULL,
	n_samples    INTEGER NOT NULL,
	status       TEXT NOT NULL CHECK (status IN ('running','complete','partial','failed')),
	created_at   TEXT NOT NULL,
	finished_at  TEXT,
	orchestrator TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS run_registry (
	batch_id      TEXT NOT NULL,
	run_id        INTEGER NOT NULL,
	attempt       INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL CHECK (status IN ('pending','running','succeeded','failed')),
	run_seed      INTEGER NOT NULL,
	params_json   TEXT NOT NULL,
	started_at    TEXT,
	finished_at   TEXT,
	error_kind    TEXT,
	error_message TEXT,
	claimed_by    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (batch_id, run_id)
);
CREATE INDEX IF NOT EXISTS idx_run_registry_batch_status ON run_registry(batch_id, status);
CREATE TABLE IF NOT EXISTS run_summary (
	batch_id                TEXT NOT NULL,
	run_id                  INTEGER NOT NULL,
	final_total_carbon      REAL NOT NULL,
	avg_carbon_stock        REAL NOT NULL,
	final_live_carbon       REAL NOT NULL,
	final_dead_carbon       REAL NOT NULL,
	final_stored_carbon     REAL NOT NULL,
	min_canopy_cover        REAL NOT NULL,
	final_canopy_cover      REAL NOT NULL,
	cumulative_harvest_bdft REAL NOT NULL,
	run_duration_sec        REAL NOT NULL,
	n_subjects              INTEGER NOT NULL,
	PRIMARY KEY (batch_id, run_id)
);
CREATE TABLE IF NOT EXISTS run_timeseries (
	batch_id                TEXT NOT NULL,
	run_id                  INTEGER NOT NULL,
	year                    INTEGER NOT NULL,
	aboveground_c_live      REAL NOT NULL,
	standing_dead_c         REAL NOT NULL,
	merch_carbon_stored     REAL NOT NULL,
	total_carbon            REAL NOT NULL,
	canopy_cover_pct        REAL NOT NULL,
	basal_area              REAL NOT NULL,
	trees_per_acre          REAL NOT NULL,
	harvest_bdft            REAL NOT NULL,
	cumulative_harvest_bdft REAL NOT NULL,
	PRIMARY KEY (batch_id, run_id, year)
);
CREATE TABLE IF NOT EXISTS run_errors (
	batch_id      TEXT NOT NULL,
	run_id        INTEGER NOT NULL,
	attempt       INTEGER NOT NULL,
	error_kind    TEXT NOT NULL,
	error_message TEXT NOT NULL,
	occurred_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_errors_batch_run ON run_errors(batch_id, run_id);
`

// NewStore opens (or creates) the registry file at path.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// WAL keeps readers unblocked while the orchestrator writes; the busy
	// timeout covers resumed batches racing a straggler process.
	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`PRAGMA synchronous=NORMAL;`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// CreateBatch persists batch metadata once.
func (s *Store) CreateBatch(ctx context.Context, cfg domain.MonteCarloConfig) (meta domain.BatchMeta, retErr error) {
	if err := cfg.Validate(); err != nil {
		return domain.BatchMeta{}, err
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return domain.BatchMeta{}, fmt.Errorf("encode config: %w", err)
	}
	meta = domain.BatchMeta{
		BatchID:      cfg.BatchID,
		ConfigJSON:   raw,
		BatchSeed:    cfg.BatchSeed,
		NSamples:     cfg.NSamples,
		Status:       domain.BatchRunning,
		CreatedAt:    time.Now().UTC(),
		Orchestrator: hostname(),
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.BatchMeta{}, err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM batch_meta WHERE batch_id = ?`, cfg.BatchID).Scan(&exists)
	if err != nil {
		retErr = fmt.Errorf("check batch: %w", err)
		return domain.BatchMeta{}, retErr
	}
	if exists > 0 {
		retErr = &domain.DuplicateBatchError{BatchID: cfg.BatchID}
		return domain.BatchMeta{}, retErr
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO batch_meta(batch_id, config_json, batch_seed, n_samples, status, created_at, finished_at, orchestrator)
		VALUES(?,?,?,?,?,?,NULL,?)`,
		meta.BatchID, string(raw), meta.BatchSeed, meta.NSamples, string(meta.Status), encodeTime(meta.CreatedAt), meta.Orchestrator)
	if err != nil {
		retErr = fmt.Errorf("insert batch: %w", err)
		return domain.BatchMeta{}, retErr
	}
	if retErr = tx.Commit(); retErr != nil {
		return domain.BatchMeta{}, retErr
	}
	return meta, nil
}

// PopulateRuns inserts one pending row per sample in a single transaction.
// Re-populating with identical samples is a no-op; a diverging sample rolls
// everything back.
func (s *Store) PopulateRuns(ctx context.Context, batchID string, samples []domain.ParameterSample) (inserted int, retErr error) {
	if err := s.requireBatch(ctx, batchID); err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, sample := range samples {
		raw, err := sample.ParamsJSON()
		if err != nil {
			retErr = fmt.Errorf("encode params for run %d: %w", sample.RunID, err)
			return 0, retErr
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO run_registry(batch_id, run_id, attempt, status, run_seed, params_json)
			VALUES(?,?,0,?,?,?) ON CONFLICT(batch_id, run_id) DO NOTHING`,
			batchID, sample.RunID, string(domain.RunPending), sample.RunSeed, string(raw))
		if err != nil {
			retErr = fmt.Errorf("insert run %d: %w", sample.RunID, err)
			return 0, retErr
		}
		n, err := res.RowsAffected()
		if err != nil {
			retErr = err
			return 0, retErr
		}
		if n == 1 {
			inserted++
			continue
		}
		var storedSeed int64
		var storedParams string
		err = tx.QueryRowContext(ctx, `SELECT run_seed, params_json FROM run_registry WHERE batch_id = ? AND run_id = ?`,
			batchID, sample.RunID).Scan(&storedSeed, &storedParams)
		if err != nil {
			retErr = fmt.Errorf("read existing run %d: %w", sample.RunID, err)
			return 0, retErr
		}
		if storedSeed != sample.RunSeed || !bytes.Equal([]byte(storedParams), raw) {
			retErr = fmt.Errorf("populate batch %s: run %d already exists with different parameters", batchID, sample.RunID)
			return 0, retErr
		}
	}
	if retErr = tx.Commit(); retErr != nil {
		return 0, retErr
	}
	return inserted, nil
}

// TransitionRun moves one run along the lifecycle. The UPDATE is guarded on
// the expected current status, so a concurrent or duplicate transition loses
// cleanly instead of clobbering the row.
func (s *Store) TransitionRun(ctx context.Context, batchID string, runID int, to domain.RunStatus, opts domain.TransitionOptions) (rec domain.RunRecord, retErr error) {
	if !to.Valid() {
		return domain.RunRecord{}, fmt.Errorf("unknown run status %q", to)
	}
	if to == domain.RunFailed && opts.Error == nil {
		return domain.RunRecord{}, fmt.Errorf("transition run %s/%d to failed requires a run error", batchID, runID)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.RunRecord{}, err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	current, err := scanRun(tx.QueryRowContext(ctx, selectRun+` WHERE batch_id = ? AND run_id = ?`, batchID, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			retErr = &domain.ErrRunNotFound{BatchID: batchID, RunID: runID}
		} else {
			retErr = fmt.Errorf("read run: %w", err)
		}
		return domain.RunRecord{}, retErr
	}
	if !domain.CanTransition(current.Status, to) {
		retErr = &domain.InvalidTransitionError{BatchID: batchID, RunID: runID, From: current.Status, To: to}
		return domain.RunRecord{}, retErr
	}
	at := opts.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	var res sql.Result
	switch to {
	case domain.RunRunning:
		res, err = tx.ExecContext(ctx, `UPDATE run_registry SET status = ?, started_at = ?, claimed_by = ? WHERE batch_id = ? AND run_id = ? AND status = ?`,
			string(to), encodeTime(at), opts.ClaimedBy, batchID, runID, string(current.Status))
	case domain.RunSucceeded:
		res, err = tx.ExecContext(ctx, `UPDATE run_registry SET status = ?, finished_at = ?, error_kind = NULL, error_message = NULL WHERE batch_id = ? AND run_id = ? AND status = ?`,
			string(to), encodeTime(at), batchID, runID, string(current.Status))
	case domain.RunFailed:
		res, err = tx.ExecContext(ctx, `UPDATE run_registry SET status = ?, finished_at = ?, error_kind = ?, error_message = ? WHERE batch_id = ? AND run_id = ? AND status = ?`,
			string(to), encodeTime(at), string(opts.Error.Kind), opts.Error.Message, batchID, runID, string(current.Status))
	}
	if err != nil {
		retErr = fmt.Errorf("update run: %w", err)
		return domain.RunRecord{}, retErr
	}
	if n, err := res.RowsAffected(); err != nil {
		retErr = err
		return domain.RunRecord{}, retErr
	} else if n == 0 {
		retErr = &domain.InvalidTransitionError{BatchID: batchID, RunID: runID, From: current.Status, To: to}
		return domain.RunRecord{}, retErr
	}
	rec, err = scanRun(tx.QueryRowContext(ctx, selectRun+` WHERE batch_id = ? AND run_id = ?`, batchID, runID))
	if err != nil {
		retErr = fmt.Errorf("reread run: %w", err)
		return domain.RunRecord{}, retErr
	}
	if retErr = tx.Commit(); retErr != nil {
		return domain.RunRecord{}, retErr
	}
	return rec, nil
}

// RequeueRun resets a failed run to pending for another attempt.
func (s *Store) RequeueRun(ctx context.Context, batchID string, runID int) (rec domain.RunRecord, retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.RunRecord{}, err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	current, err := scanRun(tx.QueryRowContext(ctx, selectRun+` WHERE batch_id = ? AND run_id = ?`, batchID, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			retErr = &domain.ErrRunNotFound{BatchID: batchID, RunID: runID}
		} else {
			retErr = fmt.Errorf("read run: %w", err)
		}
		return domain.RunRecord{}, retErr
	}
	if current.Status != domain.RunFailed {
		retErr = &domain.InvalidTransitionError{BatchID: batchID, RunID: runID, From: current.Status, To: domain.RunPending}
		return domain.RunRecord{}, retErr
	}
	_, err = tx.ExecContext(ctx, `UPDATE run_registry SET status = ?, attempt = attempt + 1, started_at = NULL, finished_at = NULL, error_kind = NULL, error_message = NULL, claimed_by = '' WHERE batch_id = ? AND run_id = ? AND status = ?`,
		string(domain.RunPending), batchID, runID, string(domain.RunFailed))
	if err != nil {
		retErr = fmt.Errorf("requeue run: %w", err)
		return domain.RunRecord{}, retErr
	}
	rec, err = scanRun(tx.QueryRowContext(ctx, selectRun+` WHERE batch_id = ? AND run_id = ?`, batchID, runID))
	if err != nil {
		retErr = fmt.Errorf("reread run: %w", err)
		return domain.RunRecord{}, retErr
	}
	if retErr = tx.Commit(); retErr != nil {
		return domain.RunRecord{}, retErr
	}
	return rec, nil
}

// WriteSummary upserts the scalar metrics of a succeeded run.
func (s *Store) WriteSummary(ctx context.Context, summary domain.RunSummary) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if retErr = requireRunStatus(ctx, tx, summary.BatchID, summary.RunID, domain.RunSucceeded, "write summary"); retErr != nil {
		return retErr
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO run_summary(batch_id, run_id, final_total_carbon, avg_carbon_stock, final_live_carbon, final_dead_carbon, final_stored_carbon, min_canopy_cover, final_canopy_cover, cumulative_harvest_bdft, run_duration_sec, n_subjects)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(batch_id, run_id) DO UPDATE SET
			final_total_carbon=excluded.final_total_carbon,
			avg_carbon_stock=excluded.avg_carbon_stock,
			final_live_carbon=excluded.final_live_carbon,
			final_dead_carbon=excluded.final_dead_carbon,
			final_stored_carbon=excluded.final_stored_carbon,
			min_canopy_cover=excluded.min_canopy_cover,
			final_canopy_cover=excluded.final_canopy_cover,
			cumulative_harvest_bdft=excluded.cumulative_harvest_bdft,
			run_duration_sec=excluded.run_duration_sec,
			n_subjects=excluded.n_subjects`,
		summary.BatchID, summary.RunID, summary.FinalTotalCarbon, summary.AvgCarbonStock, summary.FinalLiveCarbon,
		summary.FinalDeadCarbon, summary.FinalStoredCarbon, summary.MinCanopyCover, summary.FinalCanopyCover,
		summary.CumulativeHarvestBdft, summary.RunDurationSec, summary.NSubjects)
	if err != nil {
		retErr = fmt.Errorf("upsert summary: %w", err)
		return retErr
	}
	return tx.Commit()
}

// WriteTimeseries replaces the per-year rows of a succeeded run.
func (s *Store) WriteTimeseries(ctx context.Context, batchID string, runID int, points []domain.TimeSeriesPoint) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if retErr = requireRunStatus(ctx, tx, batchID, runID, domain.RunSucceeded, "write timeseries"); retErr != nil {
		return retErr
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM run_timeseries WHERE batch_id = ? AND run_id = ?`, batchID, runID); err != nil {
		retErr = fmt.Errorf("clear timeseries: %w", err)
		return retErr
	}
	for _, p := range points {
		_, err := tx.ExecContext(ctx, `INSERT INTO run_timeseries(batch_id, run_id, year, aboveground_c_live, standing_dead_c, merch_carbon_stored, total_carbon, canopy_cover_pct, basal_area, trees_per_acre, harvest_bdft, cumulative_harvest_bdft)
			VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
			batchID, runID, p.Year, p.AbovegroundCLive, p.StandingDeadC, p.MerchCarbonStored, p.TotalCarbon,
			p.CanopyCoverPct, p.BasalArea, p.TreesPerAcre, p.HarvestBdft, p.CumulativeHarvestBdft)
		if err != nil {
			retErr = fmt.Errorf("insert timeseries year %d: %w", p.Year, err)
			return retErr
		}
	}
	return tx.Commit()
}

// WriteRunError appends one error row for a failed run attempt.
func (s *Store) WriteRunError(ctx context.Context, rec domain.RunErrorRecord) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if retErr = requireRunStatus(ctx, tx, rec.BatchID, rec.RunID, domain.RunFailed, "write error"); retErr != nil {
		return retErr
	}
	at := rec.OccurredAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO run_errors(batch_id, run_id, attempt, error_kind, error_message, occurred_at) VALUES(?,?,?,?,?,?)`,
		rec.BatchID, rec.RunID, rec.Attempt, string(rec.Kind), rec.Message, encodeTime(at))
	if err != nil {
		retErr = fmt.Errorf("insert error row: %w", err)
		return retErr
	}
	return tx.Commit()
}

// SetBatchStatus finalizes the batch outcome.
func (s *Store) SetBatchStatus(ctx context.Context, batchID string, status domain.BatchStatus, finishedAt time.Time) error {
	var res sql.Result
	var err error
	if status == domain.BatchRunning {
		res, err = s.db.ExecContext(ctx, `UPDATE batch_meta SET status = ?, finished_at = NULL WHERE batch_id = ?`, string(status), batchID)
	} else {
		if finishedAt.IsZero() {
			finishedAt = time.Now().UTC()
		}
		res, err = s.db.ExecContext(ctx, `UPDATE batch_meta SET status = ?, finished_at = ? WHERE batch_id = ?`, string(status), encodeTime(finishedAt), batchID)
	}
	if err != nil {
		return fmt.Errorf("update batch status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &domain.ErrBatchNotFound{BatchID: batchID}
	}
	return nil
}

// LoadBatch returns a consistent snapshot of one batch. All five tables are
// read inside one transaction so the joins line up.
func (s *Store) LoadBatch(ctx context.Context, batchID string) (snap domain.BatchSnapshot, retErr error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return domain.BatchSnapshot{}, err
	}
	defer func() { _ = tx.Rollback() }()

	snap.Meta, err = scanMeta(tx.QueryRowContext(ctx, selectMeta+` WHERE batch_id = ?`, batchID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.BatchSnapshot{}, &domain.ErrBatchNotFound{BatchID: batchID}
		}
		return domain.BatchSnapshot{}, fmt.Errorf("read batch meta: %w", err)
	}

	rows, err := tx.QueryContext(ctx, selectRun+` WHERE batch_id = ? ORDER BY run_id`, batchID)
	if err != nil {
		return domain.BatchSnapshot{}, fmt.Errorf("select runs: %w", err)
	}
	snap.Runs, err = collectRuns(rows)
	if err != nil {
		return domain.BatchSnapshot{}, err
	}

	srows, err := tx.QueryContext(ctx, `SELECT batch_id, run_id, final_total_carbon, avg_carbon_stock, final_live_carbon, final_dead_carbon, final_stored_carbon, min_canopy_cover, final_canopy_cover, cumulative_harvest_bdft, run_duration_sec, n_subjects FROM run_summary WHERE batch_id = ? ORDER BY run_id`, batchID)
	if err != nil {
		return domain.BatchSnapshot{}, fmt.Errorf("select summaries: %w", err)
	}
	defer func() { _ = srows.Close() }()
	for srows.Next() {
		var sum domain.RunSummary
		if err := srows.Scan(&sum.BatchID, &sum.RunID, &sum.FinalTotalCarbon, &sum.AvgCarbonStock, &sum.FinalLiveCarbon,
			&sum.FinalDeadCarbon, &sum.FinalStoredCarbon, &sum.MinCanopyCover, &sum.FinalCanopyCover,
			&sum.CumulativeHarvestBdft, &sum.RunDurationSec, &sum.NSubjects); err != nil {
			return domain.BatchSnapshot{}, fmt.Errorf("scan summary: %w", err)
		}
		snap.Summaries = append(snap.Summaries, sum)
	}
	if err := srows.Err(); err != nil {
		return domain.BatchSnapshot{}, err
	}

	trows, err := tx.QueryContext(ctx, `SELECT batch_id, run_id, year, aboveground_c_live, standing_dead_c, merch_carbon_stored, total_carbon, canopy_cover_pct, basal_area, trees_per_acre, harvest_bdft, cumulative_harvest_bdft FROM run_timeseries WHERE batch_id = ? ORDER BY run_id, year`, batchID)
	if err != nil {
		return domain.BatchSnapshot{}, fmt.Errorf("select timeseries: %w", err)
	}
	defer func() { _ = trows.Close() }()
	for trows.Next() {
		var p domain.TimeSeriesPoint
		if err := trows.Scan(&p.BatchID, &p.RunID, &p.Year, &p.AbovegroundCLive, &p.StandingDeadC, &p.MerchCarbonStored,
			&p.TotalCarbon, &p.CanopyCoverPct, &p.BasalArea, &p.TreesPerAcre, &p.HarvestBdft, &p.CumulativeHarvestBdft); err != nil {
			return domain.BatchSnapshot{}, fmt.Errorf("scan timeseries: %w", err)
		}
		snap.Timeseries = append(snap.Timeseries, p)
	}
	if err := trows.Err(); err != nil {
		return domain.BatchSnapshot{}, err
	}

	erows, err := tx.QueryContext(ctx, `SELECT batch_id, run_id, attempt, error_kind, error_message, occurred_at FROM run_errors WHERE batch_id = ? ORDER BY run_id, attempt`, batchID)
	if err != nil {
		return domain.BatchSnapshot{}, fmt.Errorf("select errors: %w", err)
	}
	defer func() { _ = erows.Close() }()
	for erows.Next() {
		var rec domain.RunErrorRecord
		var kind, occurred string
		if err := erows.Scan(&rec.BatchID, &rec.RunID, &rec.Attempt, &kind, &rec.Message, &occurred); err != nil {
			return domain.BatchSnapshot{}, fmt.Errorf("scan error row: %w", err)
		}
		rec.Kind = domain.ErrorKind(kind)
		rec.OccurredAt, err = decodeTime(occurred)
		if err != nil {
			return domain.BatchSnapshot{}, fmt.Errorf("decode occurred_at: %w", err)
		}
		snap.Errors = append(snap.Errors, rec)
	}
	if err := erows.Err(); err != nil {
		return domain.BatchSnapshot{}, err
	}
	return snap, nil
}

// ListBatches returns every batch's metadata, newest first.
func (s *Store) ListBatches(ctx context.Context) ([]domain.BatchMeta, error) {
	rows, err := s.db.QueryContext(ctx, selectMeta+` ORDER BY created_at DESC, batch_id DESC`)
	if err != nil {
		return nil, fmt.Errorf("select batches: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var metas []domain.BatchMeta
	for rows.Next() {
		meta, err := scanMeta(rows)
		if err != nil {
			return nil, err
		}
		metas = append(metas, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return metas, nil
}

// CountByStatus tallies a batch's runs per status.
func (s *Store) CountByStatus(ctx context.Context, batchID string) (map[domain.RunStatus]int, error) {
	if err := s.requireBatch(ctx, batchID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM run_registry WHERE batch_id = ? GROUP BY status`, batchID)
	if err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	counts := make(map[domain.RunStatus]int, 4)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[domain.RunStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

// RunsInStatus returns a batch's runs in the given status, ordered by run id.
func (s *Store) RunsInStatus(ctx context.Context, batchID string, status domain.RunStatus) ([]domain.RunRecord, error) {
	if err := s.requireBatch(ctx, batchID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, selectRun+` WHERE batch_id = ? AND status = ? ORDER BY run_id`, batchID, string(status))
	if err != nil {
		return nil, fmt.Errorf("select runs: %w", err)
	}
	return collectRuns(rows)
}

// Location returns the registry file path.
func (s *Store) Location() string { return s.path }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

func (s *Store) requireBatch(ctx context.Context, batchID string) error {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM batch_meta WHERE batch_id = ?`, batchID).Scan(&n); err != nil {
		return fmt.Errorf("check batch: %w", err)
	}
	if n == 0 {
		return &domain.ErrBatchNotFound{BatchID: batchID}
	}
	return nil
}

func requireRunStatus(ctx context.Context, tx *sql.Tx, batchID string, runID int, want domain.RunStatus, op string) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM run_registry WHERE batch_id = ? AND run_id = ?`, batchID, runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.ErrRunNotFound{BatchID: batchID, RunID: runID}
	}
	if err != nil {
		return fmt.Errorf("read run status: %w", err)
	}
	if domain.RunStatus(status) != want {
		return fmt.Errorf("%s for run %s/%d: status %s, want %s", op, batchID, runID, status, want)
	}
	return nil
}

const selectMeta = `SELECT batch_id, config_json, batch_seed, n_samples, status, created_at, finished_at, orchestrator FROM batch_meta`

const selectRun = `SELECT batch_id, run_id, attempt, status, run_seed, params_json, started_at, finished_at, error_kind, error_message, claimed_by FROM run_registry`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeta(row rowScanner) (domain.BatchMeta, error) {
	var meta domain.BatchMeta
	var config, status, created string
	var finished sql.NullString
	if err := row.Scan(&meta.BatchID, &config, &meta.BatchSeed, &meta.NSamples, &status, &created, &finished, &meta.Orchestrator); err != nil {
		return domain.BatchMeta{}, err
	}
	meta.ConfigJSON = json.RawMessage(config)
	meta.Status = domain.BatchStatus(status)
	var err error
	meta.CreatedAt, err = decodeTime(created)
	if err != nil {
		return domain.BatchMeta{}, fmt.Errorf("decode created_at: %w", err)
	}
	if finished.Valid {
		at, err := decodeTime(finished.String)
		if err != nil {
			return domain.BatchMeta{}, fmt.Errorf("decode finished_at: %w", err)
		}
		meta.FinishedAt = &at
	}
	return meta, nil
}

func scanRun(row rowScanner) (domain.RunRecord, error) {
	var rec domain.RunRecord
	var status, params string
	var started, finished, errKind, errMsg sql.NullString
	if err := row.Scan(&rec.BatchID, &rec.RunID, &rec.Attempt, &status, &rec.RunSeed, &params, &started, &finished, &errKind, &errMsg, &rec.ClaimedBy); err != nil {
		return domain.RunRecord{}, err
	}
	rec.Status = domain.RunStatus(status)
	rec.ParamsJSON = json.RawMessage(params)
	if started.Valid {
		at, err := decodeTime(started.String)
		if err != nil {
			return domain.RunRecord{}, fmt.Errorf("decode started_at: %w", err)
		}
		rec.StartedAt = &at
	}
	if finished.Valid {
		at, err := decodeTime(finished.String)
		if err != nil {
			return domain.RunRecord{}, fmt.Errorf("decode finished_at: %w", err)
		}
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
		rec, err := scanRun(rows)
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

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// hostname identifies the orchestrating host in batch metadata.
func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}
