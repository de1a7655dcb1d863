package domain

import (
	"encoding/json"
	"math"
)

// splitmix64 constants (Steele/Lea/Flood finalizer).
const (
	sampleGamma = 0x9e3779b97f4a7c15
	mixMul1     = 0xbf58476d1ce4e5b9
	mixMul2     = 0x94d049bb133111eb
)

// sampleStream is the splitmix64 generator behind all parameter draws. One
// stream per batch, seeded solely from the batch seed.
type sampleStream struct {
	state uint64
}

func newSampleStream(seed int64) *sampleStream {
	return &sampleStream{state: uint64(seed)}
}

func (s *sampleStream) next() uint64 {
	s.state += sampleGamma
	z := s.state
	z = (z ^ (z >> 30)) * mixMul1
	z = (z ^ (z >> 27)) * mixMul2
	return z ^ (z >> 31)
}

// float returns a draw in the closed interval [0, 1].
func (s *sampleStream) float() float64 {
	return float64(s.next()) / float64(math.MaxUint64)
}

// mix64 is the stateless splitmix64 finalizer used for seed derivation.
func mix64(z uint64) uint64 {
	z = (z ^ (z >> 30)) * mixMul1
	z = (z ^ (z >> 27)) * mixMul2
	return z ^ (z >> 31)
}

// DeriveRunSeed derives a run's seed from (batchSeed, runID) alone. It does
// not consume the parameter draw stream, so a single run's seed is
// recomputable without regenerating the whole sequence.
func DeriveRunSeed(batchSeed int64, runID int) int64 {
	return DeriveAttemptSeed(batchSeed, runID, 0)
}

// DeriveAttemptSeed extends DeriveRunSeed for fresh-seed retries. Attempt 0
// equals DeriveRunSeed.
func DeriveAttemptSeed(batchSeed int64, runID, attempt int) int64 {
	z := uint64(batchSeed) ^ (uint64(runID)+1)*sampleGamma ^ uint64(attempt)*mixMul2
	return int64(mix64(z))
}

// ParameterSample is one row of the sampled parameter table: the run's
// identity, its derived seed, and one value per parameter spec.
type ParameterSample struct {
	RunID   int            `json:"run_id"`
	RunSeed int64          `json:"run_seed"`
	Values  map[string]any `json:"values"`
}

// ParamsJSON returns the canonical JSON encoding of the sampled values.
// encoding/json sorts map keys, so the bytes are stable across processes for
// identical values.
func (s ParameterSample) ParamsJSON() ([]byte, error) {
	return json.Marshal(s.Values)
}

// GenerateParameterSamples expands a config into its ordered sample sequence,
// exactly NSamples long. It is deterministic and side-effect free: a fixed
// (batch_seed, parameter_specs, n_samples) reproduces the identical sequence
// across calls and process restarts, and samples for run_id < k are the same
// whether n_samples is k or anything larger, because every run consumes
// exactly one draw per spec. Validation failures surface as *ConfigError
// before any sampling occurs.
func GenerateParameterSamples(cfg MonteCarloConfig) ([]ParameterSample, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	stream := newSampleStream(cfg.BatchSeed)
	samples := make([]ParameterSample, 0, cfg.NSamples)
	for runID := 0; runID < cfg.NSamples; runID++ {
		values := make(map[string]any, len(cfg.ParameterSpecs))
		for _, spec := range cfg.ParameterSpecs {
			values[spec.Name] = drawValue(stream, spec)
		}
		samples = append(samples, ParameterSample{
			RunID:   runID,
			RunSeed: DeriveRunSeed(cfg.BatchSeed, runID),
			Values:  values,
		})
	}
	return samples, nil
}

// drawValue consumes exactly one stream step regardless of kind, which is
// what keeps the sequence prefix-stable.
func drawValue(stream *sampleStream, spec ParameterSpec) any {
	switch spec.Kind {
	case SpecUniform:
		return spec.Low + stream.float()*(spec.High-spec.Low)
	case SpecBoolean:
		return stream.float() < spec.PTrue
	case SpecDiscreteUniform:
		return spec.Choices[int(stream.next()%uint64(len(spec.Choices)))]
	default:
		// Unreachable: Validate rejects unknown kinds before sampling.
		return nil
	}
}
