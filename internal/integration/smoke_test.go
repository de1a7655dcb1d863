package integration

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"forestmc/internal/artifact"
	"forestmc/internal/core"
	"forestmc/internal/infra/persistence/memory"
	"forestmc/internal/infra/persistence/sqlite"
	"forestmc/internal/sim"
	"forestmc/pkg/domain"
)

// TestIntegrationSmoke exercises one small end-to-end batch against each
// registry backend and a write/read cycle against each artifact backend. It
// intentionally keeps scope tiny so it can act as a fast CI health check.
func TestIntegrationSmoke(t *testing.T) {
	ctx := context.Background()

	registryVariants := []struct {
		name string
		open func(t *testing.T) core.Registry
	}{
		{
			name: "memory-registry",
			open: func(_ *testing.T) core.Registry { return memory.NewStore() },
		},
		{
			name: "sqlite-registry",
			open: func(t *testing.T) core.Registry {
				store, err := sqlite.NewStore(filepath.Join(t.TempDir(), "runs.db"))
				if err != nil {
					t.Fatalf("new sqlite store: %v", err)
				}
				return store
			},
		},
	}

	for _, rv := range registryVariants {
		t.Run(rv.name, func(t *testing.T) {
			reg := rv.open(t)
			t.Cleanup(func() {
				if err := reg.Close(); err != nil {
					t.Fatalf("close registry: %v", err)
				}
			})

			metricsRecorder := core.NewExpvarMetricsRecorder("")
			var traceBuffer bytes.Buffer
			tracer := core.NewJSONTracer(&traceBuffer)
			promReg := prometheus.NewRegistry()
			svc := core.NewService(reg, sim.NewSynthetic(),
				core.WithWorkspace(t.TempDir()),
				core.WithMetricsRecorder(metricsRecorder),
				core.WithTracer(tracer),
				core.WithMetrics(core.MustNewMetrics(promReg)),
			)

			cfg := domain.MonteCarloConfig{
				BatchID:   "mc_smoke",
				BatchSeed: 2025,
				NSamples:  3,
				NWorkers:  2,
				ParameterSpecs: []domain.ParameterSpec{
					domain.Uniform("mortality_multiplier", 0.8, 1.2),
					domain.Boolean("enable_calibration", 0.5),
				},
			}
			result, err := svc.RunBatch(ctx, cfg)
			if err != nil {
				t.Fatalf("run batch: %v", err)
			}
			if result.Status != domain.BatchComplete || result.Succeeded != 3 {
				t.Fatalf("unexpected batch result: %+v", result)
			}

			snap, err := svc.LoadBatch(ctx, "mc_smoke")
			if err != nil {
				t.Fatalf("load batch: %v", err)
			}
			if snap.Meta.Status != domain.BatchComplete || snap.Meta.FinishedAt == nil {
				t.Fatalf("unexpected batch meta: %+v", snap.Meta)
			}
			if len(snap.Summaries) != 3 {
				t.Fatalf("expected 3 summaries, got %d", len(snap.Summaries))
			}
			if len(snap.Timeseries) != 3*40 {
				t.Fatalf("expected 120 timeseries rows, got %d", len(snap.Timeseries))
			}

			agg, err := svc.AggregateBatch(ctx, "mc_smoke", 10)
			if err != nil {
				t.Fatalf("aggregate: %v", err)
			}
			if agg.RunsIncluded != 3 || len(agg.Periods) != 4 {
				t.Fatalf("unexpected aggregate: runs=%d periods=%d", agg.RunsIncluded, len(agg.Periods))
			}

			// The observability exporters must have captured the operation.
			snapshot := metricsRecorder.Snapshot()
			if snapshot.Results["run_batch"]["success"] == 0 {
				t.Fatalf("expected run_batch success metric, got %+v", snapshot.Results)
			}
			if traceBuffer.Len() == 0 {
				t.Fatal("expected trace exporter to emit spans")
			}
			var foundSpan bool
			for _, entry := range tracer.Entries() {
				if entry.Operation == "run_batch" && entry.Status == "success" {
					foundSpan = true
					break
				}
			}
			if !foundSpan {
				t.Fatalf("expected run_batch span, entries=%+v", tracer.Entries())
			}
			expected := strings.NewReader(`
# HELP forestmc_executor_runs_total Terminal run outcomes by status.
# TYPE forestmc_executor_runs_total counter
forestmc_executor_runs_total{status="succeeded"} 3
`)
			if err := testutil.GatherAndCompare(promReg, expected, "forestmc_executor_runs_total"); err != nil {
				t.Fatalf("unexpected run counters: %v", err)
			}
		})
	}

	artifactVariants := []struct {
		name string
		open func(t *testing.T) artifact.Store
	}{
		{
			name: "memory-artifacts",
			open: func(_ *testing.T) artifact.Store { return artifact.NewMemory() },
		},
		{
			name: "filesystem-artifacts",
			open: func(t *testing.T) artifact.Store {
				store, err := artifact.NewFilesystem(t.TempDir())
				if err != nil {
					t.Fatalf("new filesystem store: %v", err)
				}
				return store
			},
		},
	}

	for _, av := range artifactVariants {
		t.Run(av.name, func(t *testing.T) {
			store := av.open(t)
			key := artifact.AttemptKey("mc_smoke", 0, 0, "output.json")
			payload := []byte(`{"ok":true}`)
			info, err := store.Put(ctx, key, bytes.NewReader(payload), artifact.PutOptions{ContentType: "application/json"})
			if err != nil {
				t.Fatalf("put: %v", err)
			}
			if info.Key != key || info.Size != int64(len(payload)) {
				t.Fatalf("unexpected artifact info: %+v", info)
			}
			_, rc, err := store.Get(ctx, key)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			got, err := io.ReadAll(rc)
			if err != nil {
				t.Fatalf("read payload: %v", err)
			}
			if err := rc.Close(); err != nil {
				t.Fatalf("close reader: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Fatalf("payload mismatch got=%q want=%q", got, payload)
			}
			if ok, err := store.Delete(ctx, key); err != nil || !ok {
				t.Fatalf("delete: %v ok=%v", err, ok)
			}
		})
	}
}
