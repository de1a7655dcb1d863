package integration

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"forestmc/internal/core"
	"forestmc/internal/infra/persistence/sqlite"
	"forestmc/internal/sim"
	"forestmc/pkg/domain"
)

// TestInterruptedBatchResumesAcrossStores interrupts a batch mid-flight, then
// finishes it through a second store handle on the same sqlite file, the way a
// fresh orchestrator process would after the first one died.
func TestInterruptedBatchResumesAcrossStores(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runs.db")

	store, err := sqlite.NewStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	slow := sim.NewSynthetic()
	slow.Years = 5
	slow.Latency = 25 * time.Millisecond

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	svc := core.NewService(store, slow,
		core.WithWorkspace(t.TempDir()),
		core.WithCancelGrace(200*time.Millisecond),
		core.WithProgress(func(ev core.ProgressEvent) {
			if ev.Type == core.ProgressRunStarted && ev.RunID == 1 {
				cancel()
			}
		}),
	)

	cfg := domain.MonteCarloConfig{
		BatchID:   "mc_interrupt",
		BatchSeed: 99,
		NSamples:  4,
		NWorkers:  1,
		ParameterSpecs: []domain.ParameterSpec{
			domain.Uniform("mortality_multiplier", 0.8, 1.2),
		},
	}
	if _, err := svc.RunBatch(runCtx, cfg); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close first store: %v", err)
	}

	store2, err := sqlite.NewStore(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	t.Cleanup(func() {
		if err := store2.Close(); err != nil {
			t.Fatalf("close second store: %v", err)
		}
	})

	snap, err := store2.LoadBatch(ctx, "mc_interrupt")
	if err != nil {
		t.Fatalf("load interrupted batch: %v", err)
	}
	if snap.Meta.Status != domain.BatchRunning || snap.Meta.FinishedAt != nil {
		t.Fatalf("interrupted batch must stay running, got %+v", snap.Meta)
	}
	counts := snap.CountByStatus()
	if counts[domain.RunSucceeded] != 1 || counts[domain.RunFailed] != 1 || counts[domain.RunPending] != 2 {
		t.Fatalf("unexpected interrupted counts: %v", counts)
	}

	svc2 := core.NewService(store2, shortSynthetic(5), core.WithWorkspace(t.TempDir()))
	result, err := svc2.ResumeBatch(ctx, "mc_interrupt", core.ResumeRetryFailed, core.SeedReuse)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if result.Status != domain.BatchComplete || result.Succeeded != 4 || result.Failed != 0 {
		t.Fatalf("unexpected resume result: %+v", result)
	}

	snap, err = store2.LoadBatch(ctx, "mc_interrupt")
	if err != nil {
		t.Fatalf("reload batch: %v", err)
	}
	if snap.Meta.Status != domain.BatchComplete || snap.Meta.FinishedAt == nil {
		t.Fatalf("resumed batch not finalized: %+v", snap.Meta)
	}
	if len(snap.Summaries) != 4 {
		t.Fatalf("expected 4 summaries, got %d", len(snap.Summaries))
	}
	run1, ok := snap.Run(1)
	if !ok || run1.Attempt != 1 {
		t.Fatalf("expected run 1 on attempt 1, got %+v", run1)
	}
	var cancelledRows int
	for _, rec := range snap.Errors {
		if rec.RunID == 1 && rec.Attempt == 0 && rec.Kind == domain.ErrorKindCancelled {
			cancelledRows++
		}
	}
	if cancelledRows != 1 {
		t.Fatalf("expected one preserved cancelled error row, got %+v", snap.Errors)
	}

	agg, err := svc2.AggregateBatch(ctx, "mc_interrupt", 5)
	if err != nil {
		t.Fatalf("aggregate resumed batch: %v", err)
	}
	if agg.RunsIncluded != 4 || len(agg.Periods) != 1 {
		t.Fatalf("unexpected aggregate: runs=%d periods=%d", agg.RunsIncluded, len(agg.Periods))
	}
}

// TestFlakyRunRetryWithFreshSeeds fails one run on its first attempt, resumes
// with fresh seeds, and checks the retried attempt received a new derived seed
// while the registry row keeps the populate-time one.
func TestFlakyRunRetryWithFreshSeeds(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t)

	synthetic := shortSynthetic(3)
	var mu sync.Mutex
	seeds := make(map[[2]int]int64)
	failedOnce := false
	flaky := core.SimulatorFunc(func(ctx context.Context, in core.RunInput) (core.RunOutput, error) {
		mu.Lock()
		seeds[[2]int{in.RunID, in.Attempt}] = in.RunSeed
		fail := in.RunID == 1 && !failedOnce
		if fail {
			failedOnce = true
		}
		mu.Unlock()
		if fail {
			return core.RunOutput{}, domain.NewRunError(domain.ErrorKindProcess, "transient stand lock")
		}
		return synthetic.Run(ctx, in)
	})

	svc := core.NewService(store, flaky, core.WithWorkspace(t.TempDir()))
	cfg := domain.MonteCarloConfig{
		BatchID:   "mc_flaky",
		BatchSeed: 4242,
		NSamples:  3,
		NWorkers:  2,
		ParameterSpecs: []domain.ParameterSpec{
			domain.Uniform("mortality_multiplier", 0.5, 1.5),
		},
	}
	result, err := svc.RunBatch(ctx, cfg)
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if result.Status != domain.BatchPartial || result.Failed != 1 {
		t.Fatalf("expected partial batch with one failure, got %+v", result)
	}

	result, err = svc.ResumeBatch(ctx, "mc_flaky", core.ResumeRetryFailed, core.SeedFresh)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if result.Status != domain.BatchComplete || result.Succeeded != 3 {
		t.Fatalf("unexpected resume result: %+v", result)
	}

	wantFirst := domain.DeriveRunSeed(4242, 1)
	wantRetry := domain.DeriveAttemptSeed(4242, 1, 1)
	if wantFirst == wantRetry {
		t.Fatal("attempt seeds must differ")
	}
	mu.Lock()
	gotFirst, gotRetry := seeds[[2]int{1, 0}], seeds[[2]int{1, 1}]
	mu.Unlock()
	if gotFirst != wantFirst {
		t.Fatalf("first attempt seed %d, want %d", gotFirst, wantFirst)
	}
	if gotRetry != wantRetry {
		t.Fatalf("retry attempt seed %d, want %d", gotRetry, wantRetry)
	}

	snap, err := svc.LoadBatch(ctx, "mc_flaky")
	if err != nil {
		t.Fatalf("load batch: %v", err)
	}
	run1, ok := snap.Run(1)
	if !ok || run1.Status != domain.RunSucceeded || run1.Attempt != 1 {
		t.Fatalf("unexpected run 1 row: %+v", run1)
	}
	if run1.RunSeed != wantFirst {
		t.Fatalf("registry row must keep the populate-time seed %d, got %d", wantFirst, run1.RunSeed)
	}
	var processRows int
	for _, rec := range snap.Errors {
		if rec.RunID == 1 && rec.Attempt == 0 && rec.Kind == domain.ErrorKindProcess {
			processRows++
		}
	}
	if processRows != 1 {
		t.Fatalf("expected one preserved process error row, got %+v", snap.Errors)
	}
}
