// Command forestmc orchestrates Monte Carlo batches of an external forest
// growth simulator: it samples parameter sets deterministically, executes runs
// on a bounded worker pool, records every outcome in a run registry, and
// aggregates the persisted results.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"forestmc/internal/artifact"
	"forestmc/internal/batchfile"
	"forestmc/internal/core"
	"forestmc/internal/infra/persistence/sqlite"
	"forestmc/internal/sim"
)

var exitFunc = os.Exit

// main runs the command-line interface using the program arguments and exits
// the process with the status code returned by cli.
func main() {
	code := cli(os.Args[1:], os.Stdout, os.Stderr)
	exitFunc(code)
}

const usageText = `forestmc orchestrates Monte Carlo batches of a forest growth simulator.

Usage:
  forestmc run -spec <batch.yaml> [flags]   sample, execute, and persist a new batch
  forestmc resume -batch <id> [flags]       re-execute the unfinished remainder of a batch
  forestmc status -batch <id>               show batch metadata and per-status run counts
  forestmc aggregate -batch <id> [flags]    aggregate yearly metrics into periods
  forestmc batches                          list known batches

Environment:
  FORESTMC_STORAGE_DRIVER   memory|sqlite|postgres (default sqlite)
  FORESTMC_SQLITE_PATH      sqlite file path (default forestmc.db)
  FORESTMC_POSTGRES_DSN     postgres DSN when driver=postgres
  FORESTMC_SIMULATOR        synthetic|command (default synthetic)
  FORESTMC_SIMULATOR_CMD    simulator binary when driver=command
  FORESTMC_ARTIFACT_DRIVER  fs|s3|memory (default fs)
  FORESTMC_WORKSPACE        run working directory root (default $TMPDIR/forestmc)
`

func cli(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usageText)
		return 2
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "run":
		return cmdRun(rest, stdout, stderr)
	case "resume":
		return cmdResume(rest, stdout, stderr)
	case "status":
		return cmdStatus(rest, stdout, stderr)
	case "aggregate":
		return cmdAggregate(rest, stdout, stderr)
	case "batches":
		return cmdBatches(rest, stdout, stderr)
	case "help", "-h", "-help", "--help":
		fmt.Fprint(stdout, usageText)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usageText)
		return 2
	}
}

// execFlags are the execution knobs shared by run and resume.
type execFlags struct {
	registry  string
	workers   int
	timeout   time.Duration
	preserve  string
	auditPath string
	quiet     bool
}

func (f *execFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.registry, "registry", "", "sqlite registry file (overrides FORESTMC_* storage env)")
	fs.IntVar(&f.workers, "workers", 0, "override the batch's worker count")
	fs.DurationVar(&f.timeout, "timeout", 0, "override the per-run timeout, e.g. 30m")
	fs.StringVar(&f.preserve, "preserve", "", "artifact policy: none|failed|all")
	fs.StringVar(&f.auditPath, "audit", "", "append operation audit records to this JSONL file")
	fs.BoolVar(&f.quiet, "quiet", false, "suppress progress and info output")
}

func cmdRun(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("forestmc run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var flags execFlags
	var specPath string
	fs.StringVar(&specPath, "spec", "", "path to the batch spec YAML (required)")
	flags.register(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if specPath == "" {
		fmt.Fprintln(stderr, "forestmc run: -spec is required")
		return 2
	}
	if err := runBatch(specPath, flags, stdout, stderr); err != nil {
		fmt.Fprintf(stderr, "forestmc run: %v\n", err)
		return 1
	}
	return 0
}

func runBatch(specPath string, flags execFlags, stdout, stderr io.Writer) error {
	spec, err := batchfile.Load(specPath)
	if err != nil {
		return err
	}
	cfg, err := spec.Config()
	if err != nil {
		return err
	}
	policyName := spec.ArtifactPolicy
	if flags.preserve != "" {
		policyName = flags.preserve
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, cleanup, err := buildService(ctx, cfg.Simulator, policyName, flags, stdout, stderr)
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := svc.RunBatch(ctx, cfg)
	if err != nil {
		if errors.Is(err, context.Canceled) && result.BatchID != "" {
			if werr := writeReport(stdout, result); werr != nil {
				return werr
			}
			return fmt.Errorf("interrupted; resume with: forestmc resume -batch %s", result.BatchID)
		}
		return err
	}
	return writeReport(stdout, result)
}

func cmdResume(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("forestmc resume", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var flags execFlags
	var batchID string
	var retryFailed, freshSeeds bool
	fs.StringVar(&batchID, "batch", "", "batch id to resume (required)")
	fs.BoolVar(&retryFailed, "retry-failed", false, "requeue failed runs for another attempt")
	fs.BoolVar(&freshSeeds, "fresh-seeds", false, "derive a new simulator seed per retried attempt")
	flags.register(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if batchID == "" {
		fmt.Fprintln(stderr, "forestmc resume: -batch is required")
		return 2
	}
	if err := resumeBatch(batchID, retryFailed, freshSeeds, flags, stdout, stderr); err != nil {
		fmt.Fprintf(stderr, "forestmc resume: %v\n", err)
		return 1
	}
	return 0
}

func resumeBatch(batchID string, retryFailed, freshSeeds bool, flags execFlags, stdout, stderr io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The batch's persisted config names its simulator; look it up before
	// building the service so the resume re-executes with the same adapter.
	reg, err := openRegistry(flags.registry)
	if err != nil {
		return err
	}
	snap, err := reg.LoadBatch(ctx, batchID)
	if closeErr := reg.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	cfg, err := snap.Meta.Config()
	if err != nil {
		return fmt.Errorf("decode batch config: %w", err)
	}

	svc, cleanup, err := buildService(ctx, cfg.Simulator, flags.preserve, flags, stdout, stderr)
	if err != nil {
		return err
	}
	defer cleanup()

	mode := core.ResumePending
	if retryFailed {
		mode = core.ResumeRetryFailed
	}
	seeds := core.SeedReuse
	if freshSeeds {
		seeds = core.SeedFresh
	}

	result, err := svc.ResumeBatch(ctx, batchID, mode, seeds)
	if err != nil {
		if errors.Is(err, context.Canceled) && result.BatchID != "" {
			if werr := writeReport(stdout, result); werr != nil {
				return werr
			}
			return fmt.Errorf("interrupted; resume again with: forestmc resume -batch %s", batchID)
		}
		return err
	}
	return writeReport(stdout, result)
}

// buildService wires a registry, simulator, and execution options into a batch
// service. The returned cleanup closes everything the service borrowed.
func buildService(ctx context.Context, simulatorName, policyName string, flags execFlags, stdout, stderr io.Writer) (*core.Service, func(), error) {
	policy, err := core.ParseArtifactPolicy(policyName)
	if err != nil {
		return nil, nil, err
	}
	simulator, err := sim.FromEnv(simulatorName)
	if err != nil {
		return nil, nil, err
	}
	reg, err := openRegistry(flags.registry)
	if err != nil {
		return nil, nil, err
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	closers = append(closers, func() {
		if err := reg.Close(); err != nil {
			fmt.Fprintf(stderr, "close registry: %v\n", err)
		}
	})

	opts := []core.Option{
		core.WithArtifactPolicy(policy),
		core.WithLogger(newCLILogger(stderr, flags.quiet)),
	}
	if flags.workers > 0 {
		opts = append(opts, core.WithWorkers(flags.workers))
	}
	if flags.timeout > 0 {
		opts = append(opts, core.WithRunTimeout(flags.timeout))
	}
	if !flags.quiet {
		opts = append(opts, core.WithProgress(progressPrinter(stderr)))
	}
	if policy != core.PreserveNone {
		store, err := artifact.Open(ctx)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		opts = append(opts, core.WithArtifactStore(store))
	}
	if flags.auditPath != "" {
		f, err := os.OpenFile(flags.auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("open audit log: %w", err)
		}
		closers = append(closers, func() {
			if err := f.Close(); err != nil {
				fmt.Fprintf(stderr, "close audit log: %v\n", err)
			}
		})
		opts = append(opts, core.WithAuditRecorder(core.NewJSONLAuditLog(f)))
	}

	return core.NewService(reg, simulator, opts...), cleanup, nil
}

// openRegistry resolves the run registry: an explicit -registry path always
// means sqlite at that path, otherwise the storage environment decides.
func openRegistry(path string) (core.Registry, error) {
	if path != "" {
		return sqlite.NewStore(path)
	}
	return core.OpenRegistry()
}

func cmdStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("forestmc status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var registryPath, batchID string
	fs.StringVar(&registryPath, "registry", "", "sqlite registry file (overrides FORESTMC_* storage env)")
	fs.StringVar(&batchID, "batch", "", "batch id to inspect (required)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if batchID == "" {
		fmt.Fprintln(stderr, "forestmc status: -batch is required")
		return 2
	}
	if err := printStatus(registryPath, batchID, stdout); err != nil {
		fmt.Fprintf(stderr, "forestmc status: %v\n", err)
		return 1
	}
	return 0
}

// statusReport is the status command's JSON output: the batch row joined with
// per-status run counts and a tally of recorded failure kinds.
type statusReport struct {
	BatchID      string         `json:"batch_id"`
	Status       string         `json:"status"`
	BatchSeed    int64          `json:"batch_seed"`
	NSamples     int            `json:"n_samples"`
	CreatedAt    time.Time      `json:"created_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	Orchestrator string         `json:"orchestrator,omitempty"`
	Runs         map[string]int `json:"runs"`
	ErrorKinds   map[string]int `json:"error_kinds,omitempty"`
}

func printStatus(registryPath, batchID string, stdout io.Writer) (err error) {
	ctx := context.Background()
	reg, err := openRegistry(registryPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := reg.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	snap, err := reg.LoadBatch(ctx, batchID)
	if err != nil {
		return err
	}
	report := statusReport{
		BatchID:      snap.Meta.BatchID,
		Status:       string(snap.Meta.Status),
		BatchSeed:    snap.Meta.BatchSeed,
		NSamples:     snap.Meta.NSamples,
		CreatedAt:    snap.Meta.CreatedAt,
		FinishedAt:   snap.Meta.FinishedAt,
		Orchestrator: snap.Meta.Orchestrator,
		Runs:         make(map[string]int, 4),
	}
	for status, n := range snap.CountByStatus() {
		report.Runs[string(status)] = n
	}
	for _, rec := range snap.Errors {
		if report.ErrorKinds == nil {
			report.ErrorKinds = make(map[string]int, 4)
		}
		report.ErrorKinds[string(rec.Kind)]++
	}
	return writeJSON(stdout, report)
}

func cmdAggregate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("forestmc aggregate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var registryPath, batchID, format string
	var period int
	fs.StringVar(&registryPath, "registry", "", "sqlite registry file (overrides FORESTMC_* storage env)")
	fs.StringVar(&batchID, "batch", "", "batch id to aggregate (required)")
	fs.IntVar(&period, "period", 5, "years per aggregation period")
	fs.StringVar(&format, "format", "json", "output format: json|csv")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if batchID == "" {
		fmt.Fprintln(stderr, "forestmc aggregate: -batch is required")
		return 2
	}
	if format != "json" && format != "csv" {
		fmt.Fprintf(stderr, "forestmc aggregate: unknown format %q\n", format)
		return 2
	}
	if err := printAggregate(registryPath, batchID, period, format, stdout); err != nil {
		fmt.Fprintf(stderr, "forestmc aggregate: %v\n", err)
		return 1
	}
	return 0
}

func printAggregate(registryPath, batchID string, period int, format string, stdout io.Writer) (err error) {
	ctx := context.Background()
	reg, err := openRegistry(registryPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := reg.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	snap, err := reg.LoadBatch(ctx, batchID)
	if err != nil {
		return err
	}
	agg, err := core.AggregateByPeriod(snap, period)
	if err != nil {
		return err
	}
	if format == "csv" {
		return agg.WriteCSV(stdout)
	}
	return writeJSON(stdout, agg)
}

func cmdBatches(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("forestmc batches", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var registryPath string
	fs.StringVar(&registryPath, "registry", "", "sqlite registry file (overrides FORESTMC_* storage env)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if err := printBatches(registryPath, stdout); err != nil {
		fmt.Fprintf(stderr, "forestmc batches: %v\n", err)
		return 1
	}
	return 0
}

func printBatches(registryPath string, stdout io.Writer) (err error) {
	reg, err := openRegistry(registryPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := reg.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	metas, err := reg.ListBatches(context.Background())
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BATCH ID\tSTATUS\tRUNS\tSEED\tCREATED\tFINISHED")
	for _, meta := range metas {
		finished := "-"
		if meta.FinishedAt != nil {
			finished = meta.FinishedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
			meta.BatchID, meta.Status, meta.NSamples, meta.BatchSeed,
			meta.CreatedAt.UTC().Format(time.RFC3339), finished)
	}
	return tw.Flush()
}

// writeReport renders a batch execution result as indented JSON on stdout.
func writeReport(w io.Writer, result core.BatchResult) error {
	report := struct {
		BatchID     string  `json:"batch_id"`
		Registry    string  `json:"registry"`
		Status      string  `json:"status"`
		Succeeded   int     `json:"succeeded"`
		Failed      int     `json:"failed"`
		Total       int     `json:"total"`
		DurationSec float64 `json:"duration_sec"`
	}{
		BatchID:     result.BatchID,
		Registry:    result.Location,
		Status:      string(result.Status),
		Succeeded:   result.Succeeded,
		Failed:      result.Failed,
		Total:       result.Total,
		DurationSec: result.Duration.Seconds(),
	}
	return writeJSON(w, report)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// progressPrinter renders one line per finished run plus a batch trailer.
// Progress goes to stderr so stdout stays parseable.
func progressPrinter(w io.Writer) core.ProgressFunc {
	return func(ev core.ProgressEvent) {
		switch ev.Type {
		case core.ProgressRunFinished:
			done := ev.Counts.Succeeded + ev.Counts.Failed
			if ev.Err != "" {
				fmt.Fprintf(w, "[%d/%d] run %d %s: %s\n", done, ev.Counts.Total, ev.RunID, ev.Status, ev.Err)
				return
			}
			fmt.Fprintf(w, "[%d/%d] run %d %s\n", done, ev.Counts.Total, ev.RunID, ev.Status)
		case core.ProgressBatchFinished:
			fmt.Fprintf(w, "batch done: %d succeeded, %d failed, %d remaining (%s)\n",
				ev.Counts.Succeeded, ev.Counts.Failed, ev.Counts.Remaining,
				ev.Elapsed.Round(time.Millisecond))
		}
	}
}

// cliLogger prints service diagnostics as single lines on stderr. In quiet
// mode only warnings and errors pass.
type cliLogger struct {
	w     io.Writer
	quiet bool
}

func newCLILogger(w io.Writer, quiet bool) cliLogger {
	return cliLogger{w: w, quiet: quiet}
}

func (l cliLogger) emit(level, msg string, args []any) {
	var b strings.Builder
	b.WriteString(level)
	b.WriteString(" ")
	b.WriteString(msg)
	for i := 0; i+1 < len(args); i += 2 {
		fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
	}
	fmt.Fprintln(l.w, b.String())
}

func (l cliLogger) Debug(string, ...any) {}

func (l cliLogger) Info(msg string, args ...any) {
	if l.quiet {
		return
	}
	l.emit("info", msg, args)
}

func (l cliLogger) Warn(msg string, args ...any) {
	l.emit("warn", msg, args)
}

func (l cliLogger) Error(msg string, args ...any) {
	l.emit("error", msg, args)
}
