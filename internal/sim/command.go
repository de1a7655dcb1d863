package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"forestmc/internal/core"
	"forestmc/pkg/domain"
)

// Names of the files exchanged with the simulator binary inside the run's
// working directory.
const (
	inputFileName  = "input.json"
	outputFileName = "output.json"
	logFileName    = "sim.log"
)

// Command runs an external simulator binary once per run. The contract with
// the binary is file-based: the adapter writes input.json into the run's
// working directory, invokes the binary there with the input path appended to
// its arguments, and expects output.json next to it when the process exits
// zero. Stdout and stderr are captured to sim.log. Cancellation and timeouts
// kill the process through the run context.
type Command struct {
	// Path is the simulator binary.
	Path string
	// Args precede the input file path on the command line.
	Args []string
	// Env entries are appended to the inherited environment.
	Env []string
}

// NewCommand returns a Command invoking the binary at path.
func NewCommand(path string, args ...string) *Command {
	return &Command{Path: path, Args: args}
}

// commandResult is the output.json schema the binary must produce. Yearly rows
// reuse the registry's metric column names; batch and run identity are stamped
// by the adapter, not the binary.
type commandResult struct {
	NSubjects int                    `json:"n_subjects"`
	Years     []core.TimeSeriesPoint `json:"years"`
}

// Run implements core.Simulator.
func (c *Command) Run(ctx context.Context, in core.RunInput) (core.RunOutput, error) {
	if in.WorkDir == "" {
		return core.RunOutput{}, fmt.Errorf("command simulator requires a working directory")
	}

	raw, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return core.RunOutput{}, fmt.Errorf("encode run input: %w", err)
	}
	if err := os.WriteFile(filepath.Join(in.WorkDir, inputFileName), raw, 0o644); err != nil {
		return core.RunOutput{}, fmt.Errorf("write run input: %w", err)
	}

	logPath := filepath.Join(in.WorkDir, logFileName)
	logFile, err := os.Create(logPath)
	if err != nil {
		return core.RunOutput{}, fmt.Errorf("create simulator log: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.Path, append(append([]string{}, c.Args...), inputFileName)...)
	cmd.Dir = in.WorkDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	runErr := cmd.Run()
	if closeErr := logFile.Close(); closeErr != nil && runErr == nil {
		runErr = closeErr
	}
	if runErr != nil {
		// Let the executor classify context death as timeout or cancellation.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return core.RunOutput{}, ctxErr
		}
		return core.RunOutput{}, domain.NewRunError(domain.ErrorKindProcess,
			fmt.Sprintf("simulator %s: %v%s", filepath.Base(c.Path), runErr, logTail(logPath)))
	}

	result, err := readResult(in.WorkDir)
	if err != nil {
		return core.RunOutput{}, err
	}

	points := result.Years
	sort.Slice(points, func(i, j int) bool { return points[i].Year < points[j].Year })
	for i := range points {
		points[i].BatchID = in.BatchID
		points[i].RunID = in.RunID
	}

	nSubjects := result.NSubjects
	if nSubjects == 0 {
		nSubjects = len(in.Subjects)
	}
	return core.RunOutput{
		Points:        points,
		NSubjects:     nSubjects,
		ArtifactFiles: []string{inputFileName, outputFileName, logFileName},
	}, nil
}

func readResult(dir string) (commandResult, error) {
	raw, err := os.ReadFile(filepath.Join(dir, outputFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return commandResult{}, domain.NewRunError(domain.ErrorKindMalformedOutput,
				"simulator exited zero but wrote no "+outputFileName)
		}
		return commandResult{}, fmt.Errorf("read simulator output: %w", err)
	}
	var result commandResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return commandResult{}, domain.WrapRunError(domain.ErrorKindMalformedOutput,
			fmt.Errorf("parse %s: %w", outputFileName, err))
	}
	return result, nil
}

// logTail returns the last part of the simulator log for error messages, so a
// failed run's registry row carries enough to diagnose without the workdir.
func logTail(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil || len(raw) == 0 {
		return ""
	}
	const tail = 512
	text := strings.TrimSpace(string(raw))
	if len(text) > tail {
		text = "..." + text[len(text)-tail:]
	}
	if text == "" {
		return ""
	}
	return "\n" + text
}
