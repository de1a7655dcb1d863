package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"forestmc/internal/infra/persistence/sqlite"
	"forestmc/pkg/domain"
)

func checkerConfig(batchID string, samples int) domain.MonteCarloConfig {
	return domain.MonteCarloConfig{
		BatchID:   batchID,
		BatchSeed: 7,
		NSamples:  samples,
		NWorkers:  1,
		ParameterSpecs: []domain.ParameterSpec{
			domain.Uniform("mortality_multiplier", 0.5, 1.5),
		},
	}
}

func newStore(t *testing.T, path string) *sqlite.Store {
	t.Helper()
	store, err := sqlite.NewStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

// seedBatch creates and populates a batch with its canonical samples.
func seedBatch(t *testing.T, store *sqlite.Store, cfg domain.MonteCarloConfig) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.CreateBatch(ctx, cfg); err != nil {
		t.Fatalf("create batch: %v", err)
	}
	samples, err := domain.GenerateParameterSamples(cfg)
	if err != nil {
		t.Fatalf("generate samples: %v", err)
	}
	if _, err := store.PopulateRuns(ctx, cfg.BatchID, samples); err != nil {
		t.Fatalf("populate runs: %v", err)
	}
}

// succeedRun walks one run to succeeded. withResults controls whether the
// summary and timeseries rows a healthy registry would hold get written.
func succeedRun(t *testing.T, store *sqlite.Store, batchID string, runID int, withResults bool) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.TransitionRun(ctx, batchID, runID, domain.RunRunning, domain.TransitionOptions{ClaimedBy: "audit-test"}); err != nil {
		t.Fatalf("claim run %d: %v", runID, err)
	}
	if _, err := store.TransitionRun(ctx, batchID, runID, domain.RunSucceeded, domain.TransitionOptions{}); err != nil {
		t.Fatalf("finish run %d: %v", runID, err)
	}
	if !withResults {
		return
	}
	summary := domain.RunSummary{BatchID: batchID, RunID: runID, FinalTotalCarbon: 120, NSubjects: 1}
	if err := store.WriteSummary(ctx, summary); err != nil {
		t.Fatalf("write summary %d: %v", runID, err)
	}
	points := []domain.TimeSeriesPoint{{BatchID: batchID, RunID: runID, Year: 2025, TotalCarbon: 120}}
	if err := store.WriteTimeseries(ctx, batchID, runID, points); err != nil {
		t.Fatalf("write timeseries %d: %v", runID, err)
	}
}

// failRun walks one run to failed. withErrorRow controls whether the run_error
// evidence row gets written.
func failRun(t *testing.T, store *sqlite.Store, batchID string, runID int, withErrorRow bool) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.TransitionRun(ctx, batchID, runID, domain.RunRunning, domain.TransitionOptions{ClaimedBy: "audit-test"}); err != nil {
		t.Fatalf("claim run %d: %v", runID, err)
	}
	runErr := domain.NewRunError(domain.ErrorKindProcess, "stand file corrupt")
	if _, err := store.TransitionRun(ctx, batchID, runID, domain.RunFailed, domain.TransitionOptions{Error: runErr}); err != nil {
		t.Fatalf("fail run %d: %v", runID, err)
	}
	if !withErrorRow {
		return
	}
	rec := domain.RunErrorRecord{
		BatchID:    batchID,
		RunID:      runID,
		Attempt:    0,
		Kind:       domain.ErrorKindProcess,
		Message:    "stand file corrupt",
		OccurredAt: time.Now().UTC(),
	}
	if err := store.WriteRunError(context.Background(), rec); err != nil {
		t.Fatalf("write error row %d: %v", runID, err)
	}
}

func finalizeBatch(t *testing.T, store *sqlite.Store, batchID string, status domain.BatchStatus) {
	t.Helper()
	if err := store.SetBatchStatus(context.Background(), batchID, status, time.Now().UTC()); err != nil {
		t.Fatalf("finalize batch: %v", err)
	}
}

func seedHealthyBatch(t *testing.T, path, batchID string) {
	t.Helper()
	store := newStore(t, path)
	cfg := checkerConfig(batchID, 2)
	seedBatch(t, store, cfg)
	succeedRun(t, store, batchID, 0, true)
	succeedRun(t, store, batchID, 1, true)
	finalizeBatch(t, store, batchID, domain.BatchComplete)
}

func TestRunHealthyRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	seedHealthyBatch(t, path, "mc_audit_ok")

	stats, err := run(path, "")
	if err != nil {
		t.Fatalf("run() returned error: %v", err)
	}
	if stats.batches != 1 || stats.runs != 2 {
		t.Fatalf("unexpected coverage: %+v", stats)
	}
}

func TestRunFlagsMissingResultRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	store := newStore(t, path)
	cfg := checkerConfig("mc_audit_gap", 2)
	seedBatch(t, store, cfg)
	succeedRun(t, store, cfg.BatchID, 0, false)
	succeedRun(t, store, cfg.BatchID, 1, true)
	finalizeBatch(t, store, cfg.BatchID, domain.BatchComplete)

	_, err := run(path, "")
	if err == nil {
		t.Fatal("expected audit failure")
	}
	if !strings.Contains(err.Error(), "run 0: succeeded run has no summary row") {
		t.Fatalf("expected summary finding, got %v", err)
	}
	if !strings.Contains(err.Error(), "run 0: succeeded run has no timeseries rows") {
		t.Fatalf("expected timeseries finding, got %v", err)
	}
	if strings.Contains(err.Error(), "run 1:") {
		t.Fatalf("healthy run must not be flagged, got %v", err)
	}
}

func TestRunFlagsFailedRunWithoutErrorRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	store := newStore(t, path)
	cfg := checkerConfig("mc_audit_err", 2)
	seedBatch(t, store, cfg)
	failRun(t, store, cfg.BatchID, 0, false)
	succeedRun(t, store, cfg.BatchID, 1, true)
	finalizeBatch(t, store, cfg.BatchID, domain.BatchPartial)

	_, err := run(path, "")
	if err == nil || !strings.Contains(err.Error(), "failed run has no error rows") {
		t.Fatalf("expected error-row finding, got %v", err)
	}
}

func TestRunFlagsStaleState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	store := newStore(t, path)
	cfg := checkerConfig("mc_audit_stale", 2)
	seedBatch(t, store, cfg)
	if _, err := store.TransitionRun(context.Background(), cfg.BatchID, 0, domain.RunRunning, domain.TransitionOptions{ClaimedBy: "dead-orchestrator"}); err != nil {
		t.Fatalf("claim run: %v", err)
	}
	finalizeBatch(t, store, cfg.BatchID, domain.BatchPartial)

	_, err := run(path, "")
	if err == nil {
		t.Fatal("expected audit failure")
	}
	if !strings.Contains(err.Error(), "stale running row in finalized batch") {
		t.Fatalf("expected stale-row finding, got %v", err)
	}
	if !strings.Contains(err.Error(), "finalized batch still has 1 pending and 1 running runs") {
		t.Fatalf("expected tally finding, got %v", err)
	}
}

func TestRunFlagsSampleDrift(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	store := newStore(t, path)
	cfg := checkerConfig("mc_audit_drift", 2)
	if _, err := store.CreateBatch(context.Background(), cfg); err != nil {
		t.Fatalf("create batch: %v", err)
	}
	samples, err := domain.GenerateParameterSamples(cfg)
	if err != nil {
		t.Fatalf("generate samples: %v", err)
	}
	samples[0].RunSeed += 13
	samples[1].Values["mortality_multiplier"] = 99.0
	if _, err := store.PopulateRuns(context.Background(), cfg.BatchID, samples); err != nil {
		t.Fatalf("populate runs: %v", err)
	}

	_, err = run(path, "")
	if err == nil {
		t.Fatal("expected audit failure")
	}
	if !strings.Contains(err.Error(), "run 0: run seed") || !strings.Contains(err.Error(), "does not rederive") {
		t.Fatalf("expected seed finding, got %v", err)
	}
	if !strings.Contains(err.Error(), "run 1: params_json does not rederive") {
		t.Fatalf("expected params finding, got %v", err)
	}
}

func TestRunEmptyRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.db")
	if _, err := run(path, ""); err == nil || !strings.Contains(err.Error(), "no batches") {
		t.Fatalf("expected empty-registry error, got %v", err)
	}
}

func TestRunSingleBatchSelection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	seedHealthyBatch(t, path, "mc_audit_a")
	store := newStore(t, path)
	cfg := checkerConfig("mc_audit_b", 1)
	seedBatch(t, store, cfg)
	succeedRun(t, store, cfg.BatchID, 0, false)
	finalizeBatch(t, store, cfg.BatchID, domain.BatchComplete)

	if _, err := run(path, "mc_audit_a"); err != nil {
		t.Fatalf("healthy batch must pass alone: %v", err)
	}
	if _, err := run(path, ""); err == nil {
		t.Fatal("full audit must catch the corrupt batch")
	}
	if _, err := run(path, "mc_audit_missing"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestCLI(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	seedHealthyBatch(t, path, "mc_audit_cli")

	var out, errBuf bytes.Buffer
	code := cli([]string{"-registry", path}, &out, &errBuf)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d (stderr=%s)", code, errBuf.String())
	}
	if !strings.Contains(out.String(), "Registry validation passed (1 batches, 2 runs).") {
		t.Fatalf("expected success message, got %q", out.String())
	}

	code = cli([]string{"-registry", filepath.Join(t.TempDir(), "empty.db")}, &out, &errBuf)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(errBuf.String(), "Registry validation failed") {
		t.Fatalf("expected failure message, got %q", errBuf.String())
	}

	errBuf.Reset()
	code = cli([]string{"--invalid-flag"}, &out, &errBuf)
	if code != 2 {
		t.Fatalf("expected exit code 2 for flag error, got %d", code)
	}
}

func TestMainFunction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	seedHealthyBatch(t, path, "mc_audit_main")
	origExit := exitFunc
	defer func() { exitFunc = origExit }()
	exitCode := -1
	exitFunc = func(code int) { exitCode = code }
	origArgs := os.Args
	defer func() { os.Args = origArgs }()
	os.Args = []string{"registry-check", "-registry", path}
	main()
	if exitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", exitCode)
	}
}

type failingWriter struct{ err error }

func (w failingWriter) Write([]byte) (int, error) {
	return 0, w.err
}

func TestCLIWriteFailures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	seedHealthyBatch(t, path, "mc_audit_wf")

	stdoutFail := failingWriter{err: errors.New("write failure")}
	code := cli([]string{"-registry", path}, stdoutFail, &bytes.Buffer{})
	if code != 1 {
		t.Fatalf("expected exit code 1 when stdout write fails, got %d", code)
	}

	stderrFail := failingWriter{err: errors.New("write failure")}
	code = cli([]string{"-registry", filepath.Join(t.TempDir(), "empty.db")}, &bytes.Buffer{}, stderrFail)
	if code != 1 {
		t.Fatalf("expected exit code 1 when stderr write fails, got %d", code)
	}
}
