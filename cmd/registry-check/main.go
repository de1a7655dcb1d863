// Command registry-check audits a forestmc run registry for internal
// consistency: lifecycle stamps, result rows matching run statuses, dense run
// ids, and sampled parameters that still regenerate from the batch config.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"forestmc/internal/core"
	"forestmc/internal/infra/persistence/sqlite"
	"forestmc/pkg/domain"
)

var exitFunc = os.Exit

// main runs the command-line interface using the program arguments and exits
// the process with the status code returned by cli.
func main() {
	code := cli(os.Args[1:], os.Stdout, os.Stderr)
	exitFunc(code)
}

func cli(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("registry-check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var registryPath, batchID string
	fs.StringVar(&registryPath, "registry", "", "sqlite registry file (overrides FORESTMC_* storage env)")
	fs.StringVar(&batchID, "batch", "", "audit a single batch instead of the whole registry")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	stats, err := run(registryPath, batchID)
	if err != nil {
		if _, writeErr := fmt.Fprintf(stderr, "Registry validation failed: %v\n", err); writeErr != nil {
			return 1
		}
		return 1
	}
	if _, writeErr := fmt.Fprintf(stdout, "Registry validation passed (%d batches, %d runs).\n", stats.batches, stats.runs); writeErr != nil {
		return 1
	}
	return 0
}

type auditStats struct {
	batches int
	runs    int
}

// run audits the selected batches and returns how much it covered. Audit
// findings are folded into one error so a single invocation reports every
// inconsistency, not just the first.
func run(registryPath, batchID string) (stats auditStats, err error) {
	ctx := context.Background()
	reg, err := openRegistry(registryPath)
	if err != nil {
		return stats, err
	}
	defer func() {
		if cerr := reg.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close registry: %w", cerr)
		}
	}()

	ids := []string{batchID}
	if batchID == "" {
		metas, lerr := reg.ListBatches(ctx)
		if lerr != nil {
			return stats, fmt.Errorf("list batches: %w", lerr)
		}
		ids = ids[:0]
		for _, meta := range metas {
			ids = append(ids, meta.BatchID)
		}
	}
	if len(ids) == 0 {
		return stats, errors.New("registry holds no batches")
	}

	var issues []string
	for _, id := range ids {
		snap, lerr := reg.LoadBatch(ctx, id)
		if lerr != nil {
			return stats, fmt.Errorf("load batch %s: %w", id, lerr)
		}
		stats.batches++
		stats.runs += len(snap.Runs)
		issues = append(issues, auditBatch(snap)...)
	}
	if len(issues) > 0 {
		return stats, fmt.Errorf("%d issue(s) found:\n  %s", len(issues), strings.Join(issues, "\n  "))
	}
	return stats, nil
}

// openRegistry resolves the run registry: an explicit -registry path always
// means sqlite at that path, otherwise the storage environment decides.
func openRegistry(path string) (core.Registry, error) {
	if path != "" {
		return sqlite.NewStore(path)
	}
	return core.OpenRegistry()
}

func auditBatch(snap domain.BatchSnapshot) []string {
	issues := auditMeta(snap)
	issues = append(issues, auditRuns(snap)...)
	issues = append(issues, auditDeterminism(snap)...)
	return issues
}

func batchIssue(batchID, format string, args ...any) string {
	return fmt.Sprintf("batch %s: %s", batchID, fmt.Sprintf(format, args...))
}

func runIssue(batchID string, runID int, format string, args ...any) string {
	return fmt.Sprintf("batch %s run %d: %s", batchID, runID, fmt.Sprintf(format, args...))
}

func batchFinalized(status domain.BatchStatus) bool {
	switch status {
	case domain.BatchComplete, domain.BatchPartial, domain.BatchFailed:
		return true
	}
	return false
}

// auditMeta checks the batch row against itself and against the run tallies:
// terminal stamps, the embedded config, and outcome labels that match what the
// runs actually did.
func auditMeta(snap domain.BatchSnapshot) []string {
	var issues []string
	meta := snap.Meta
	finalized := batchFinalized(meta.Status)

	if finalized && meta.FinishedAt == nil {
		issues = append(issues, batchIssue(meta.BatchID, "status %s without finished_at", meta.Status))
	}
	if !finalized && meta.FinishedAt != nil {
		issues = append(issues, batchIssue(meta.BatchID, "running batch carries finished_at %s", meta.FinishedAt))
	}

	cfg, err := meta.Config()
	switch {
	case err != nil:
		issues = append(issues, batchIssue(meta.BatchID, "stored config does not decode: %v", err))
	default:
		if cfg.BatchID != meta.BatchID {
			issues = append(issues, batchIssue(meta.BatchID, "stored config names batch %q", cfg.BatchID))
		}
		if cfg.BatchSeed != meta.BatchSeed {
			issues = append(issues, batchIssue(meta.BatchID, "stored config seed %d disagrees with column %d", cfg.BatchSeed, meta.BatchSeed))
		}
		if cfg.NSamples != meta.NSamples {
			issues = append(issues, batchIssue(meta.BatchID, "stored config n_samples %d disagrees with column %d", cfg.NSamples, meta.NSamples))
		}
	}

	if len(snap.Runs) != meta.NSamples {
		issues = append(issues, batchIssue(meta.BatchID, "expected %d run rows, found %d", meta.NSamples, len(snap.Runs)))
	}

	counts := snap.CountByStatus()
	if finalized && counts[domain.RunPending]+counts[domain.RunRunning] > 0 {
		issues = append(issues, batchIssue(meta.BatchID, "finalized batch still has %d pending and %d running runs",
			counts[domain.RunPending], counts[domain.RunRunning]))
	}
	if meta.Status == domain.BatchComplete && counts[domain.RunFailed] > 0 {
		issues = append(issues, batchIssue(meta.BatchID, "complete batch has %d failed runs", counts[domain.RunFailed]))
	}
	if meta.Status == domain.BatchFailed && counts[domain.RunSucceeded] > 0 {
		issues = append(issues, batchIssue(meta.BatchID, "failed batch has %d succeeded runs", counts[domain.RunSucceeded]))
	}
	return issues
}

// auditRuns checks every run row and its result rows: ids dense within the
// sample count, summaries and timeseries only on succeeded runs, error rows on
// failed runs, and lifecycle stamps on terminal runs.
func auditRuns(snap domain.BatchSnapshot) []string {
	var issues []string
	meta := snap.Meta

	summaries := make(map[int]int, len(snap.Summaries))
	for _, s := range snap.Summaries {
		summaries[s.RunID]++
	}
	series := make(map[int]int)
	for _, p := range snap.Timeseries {
		series[p.RunID]++
	}
	errRows := make(map[int]int, len(snap.Errors))
	for _, e := range snap.Errors {
		errRows[e.RunID]++
	}

	seen := make(map[int]bool, len(snap.Runs))
	for _, run := range snap.Runs {
		if run.RunID < 0 || run.RunID >= meta.NSamples {
			issues = append(issues, runIssue(meta.BatchID, run.RunID, "run id outside [0, %d)", meta.NSamples))
		}
		if seen[run.RunID] {
			issues = append(issues, runIssue(meta.BatchID, run.RunID, "duplicate run id"))
		}
		seen[run.RunID] = true

		if run.Status.Terminal() {
			if run.StartedAt == nil {
				issues = append(issues, runIssue(meta.BatchID, run.RunID, "terminal run without started_at"))
			}
			if run.FinishedAt == nil {
				issues = append(issues, runIssue(meta.BatchID, run.RunID, "terminal run without finished_at"))
			}
		}

		switch run.Status {
		case domain.RunSucceeded:
			if summaries[run.RunID] == 0 {
				issues = append(issues, runIssue(meta.BatchID, run.RunID, "succeeded run has no summary row"))
			}
			if series[run.RunID] == 0 {
				issues = append(issues, runIssue(meta.BatchID, run.RunID, "succeeded run has no timeseries rows"))
			}
		case domain.RunFailed:
			if run.Error == nil {
				issues = append(issues, runIssue(meta.BatchID, run.RunID, "failed run without error detail"))
			}
			if errRows[run.RunID] == 0 {
				issues = append(issues, runIssue(meta.BatchID, run.RunID, "failed run has no error rows"))
			}
		case domain.RunRunning:
			if batchFinalized(meta.Status) {
				issues = append(issues, runIssue(meta.BatchID, run.RunID, "stale running row in finalized batch"))
			}
		}

		if run.Status != domain.RunSucceeded && summaries[run.RunID] > 0 {
			issues = append(issues, runIssue(meta.BatchID, run.RunID, "summary row on %s run", run.Status))
		}
		if run.Status != domain.RunSucceeded && series[run.RunID] > 0 {
			issues = append(issues, runIssue(meta.BatchID, run.RunID, "timeseries rows on %s run", run.Status))
		}
		if summaries[run.RunID] > 1 {
			issues = append(issues, runIssue(meta.BatchID, run.RunID, "%d summary rows", summaries[run.RunID]))
		}
	}

	for id := 0; id < meta.NSamples; id++ {
		if !seen[id] {
			issues = append(issues, runIssue(meta.BatchID, id, "run row missing"))
		}
	}
	return issues
}

// auditDeterminism regenerates the batch's samples from its stored config and
// compares them with the populated rows. Populate-time seeds and params are
// immutable across attempts, so any drift means the rows were edited or the
// sampler changed underneath the registry.
func auditDeterminism(snap domain.BatchSnapshot) []string {
	cfg, err := snap.Meta.Config()
	if err != nil {
		return nil // already reported by auditMeta
	}
	samples, err := domain.GenerateParameterSamples(cfg)
	if err != nil {
		return []string{batchIssue(snap.Meta.BatchID, "stored config no longer samples: %v", err)}
	}
	byRun := make(map[int]domain.ParameterSample, len(samples))
	for _, sample := range samples {
		byRun[sample.RunID] = sample
	}

	var issues []string
	for _, run := range snap.Runs {
		sample, ok := byRun[run.RunID]
		if !ok {
			continue // density issues already reported by auditRuns
		}
		if run.RunSeed != sample.RunSeed {
			issues = append(issues, runIssue(snap.Meta.BatchID, run.RunID, "run seed %d does not rederive (expected %d)", run.RunSeed, sample.RunSeed))
		}
		expected, merr := sample.ParamsJSON()
		if merr != nil {
			issues = append(issues, runIssue(snap.Meta.BatchID, run.RunID, "regenerated params do not encode: %v", merr))
			continue
		}
		if !bytes.Equal(bytes.TrimSpace(run.ParamsJSON), expected) {
			issues = append(issues, runIssue(snap.Meta.BatchID, run.RunID, "params_json does not rederive from the batch config"))
		}
	}
	return issues
}
