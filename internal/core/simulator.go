package core

import "context"

// RunInput is everything a simulation collaborator needs for one run: the
// run's identity, its derived seed, the sampled parameter overlay, the
// subject filter, and a scratch directory owned exclusively by this attempt.
type RunInput struct {
	BatchID  string         `json:"batch_id"`
	RunID    int            `json:"run_id"`
	Attempt  int            `json:"attempt"`
	RunSeed  int64          `json:"run_seed"`
	Params   map[string]any `json:"params"`
	Subjects []string       `json:"subjects,omitempty"`
	WorkDir  string         `json:"-"`
}

// RunOutput is the collaborator's parsed result: the yearly metric series in
// ascending year order, the number of simulated subjects, and any files under
// WorkDir worth preserving as artifacts.
type RunOutput struct {
	Points        []TimeSeriesPoint
	NSubjects     int
	ArtifactFiles []string
}

// Simulator runs one simulation. Implementations must honor ctx cancellation
// promptly; the executor relies on it for timeouts and batch shutdown.
// Failures are classified by the executor, so adapters should return
// *domain.RunError for failure kinds only they can distinguish (such as
// malformed output) and plain errors otherwise.
type Simulator interface {
	Run(ctx context.Context, in RunInput) (RunOutput, error)
}

// SimulatorFunc adapts a function to the Simulator interface.
type SimulatorFunc func(ctx context.Context, in RunInput) (RunOutput, error)

// Run implements Simulator.
func (f SimulatorFunc) Run(ctx context.Context, in RunInput) (RunOutput, error) {
	return f(ctx, in)
}
