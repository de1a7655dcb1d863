// Package domain defines the batch configuration, deterministic sampling
// primitives, run lifecycle types, and registry contract used by forestmc.
package domain

import (
	"crypto/rand"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// SpecKind identifies the sampling distribution of a parameter.
type SpecKind string

// Supported parameter distributions.
const (
	// SpecUniform draws a float uniformly from the closed interval [low, high].
	SpecUniform SpecKind = "uniform"
	// SpecBoolean draws true with probability p_true.
	SpecBoolean SpecKind = "boolean"
	// SpecDiscreteUniform draws uniformly among a fixed list of choices.
	SpecDiscreteUniform SpecKind = "discrete_uniform"
)

// ParameterSpec describes how one named parameter is sampled. Exactly the
// fields for its Kind are meaningful; the rest stay zero.
type ParameterSpec struct {
	Name    string   `json:"name"`
	Kind    SpecKind `json:"kind"`
	Low     float64  `json:"low,omitempty"`
	High    float64  `json:"high,omitempty"`
	PTrue   float64  `json:"p_true,omitempty"`
	Choices []any    `json:"choices,omitempty"`
}

// Uniform builds a spec drawing floats from [low, high].
func Uniform(name string, low, high float64) ParameterSpec {
	return ParameterSpec{Name: name, Kind: SpecUniform, Low: low, High: high}
}

// Boolean builds a spec drawing true with probability pTrue.
func Boolean(name string, pTrue float64) ParameterSpec {
	return ParameterSpec{Name: name, Kind: SpecBoolean, PTrue: pTrue}
}

// DiscreteUniform builds a spec drawing uniformly among choices.
func DiscreteUniform(name string, choices ...any) ParameterSpec {
	return ParameterSpec{Name: name, Kind: SpecDiscreteUniform, Choices: choices}
}

// Validate checks the spec invariants. Malformed specs must be rejected here,
// before any worker ever sees them.
func (s ParameterSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return &ConfigError{Field: "parameter_specs", Reason: "parameter name is empty"}
	}
	switch s.Kind {
	case SpecUniform:
		if s.Low > s.High {
			return &ConfigError{Field: s.Name, Reason: fmt.Sprintf("uniform low %v exceeds high %v", s.Low, s.High)}
		}
	case SpecBoolean:
		if s.PTrue < 0 || s.PTrue > 1 {
			return &ConfigError{Field: s.Name, Reason: fmt.Sprintf("p_true %v outside [0,1]", s.PTrue)}
		}
	case SpecDiscreteUniform:
		if len(s.Choices) == 0 {
			return &ConfigError{Field: s.Name, Reason: "discrete_uniform requires at least one choice"}
		}
		for i, c := range s.Choices {
			switch c.(type) {
			case string, bool, float64, int, int64:
			default:
				return &ConfigError{Field: s.Name, Reason: fmt.Sprintf("choice %d is not a JSON scalar", i)}
			}
		}
	default:
		return &ConfigError{Field: s.Name, Reason: fmt.Sprintf("unknown spec kind %q", s.Kind)}
	}
	return nil
}

// MonteCarloConfig is the immutable specification of one batch: the parameter
// space, seed, sample count, and execution bounds. The batch id is immutable
// once the batch has been created in a registry.
type MonteCarloConfig struct {
	BatchID        string          `json:"batch_id"`
	BatchSeed      int64           `json:"batch_seed"`
	NSamples       int             `json:"n_samples"`
	NWorkers       int             `json:"n_workers"`
	ParameterSpecs []ParameterSpec `json:"parameter_specs"`
	SubjectFilter  []string        `json:"subject_filter,omitempty"`
	RunTimeout     time.Duration   `json:"run_timeout,omitempty"`
	Simulator      string          `json:"simulator,omitempty"`
}

// NewBatchID generates a unique batch identifier from a UTC timestamp and a
// short random suffix, e.g. "mc_20250107_153012_a1b2c3d4".
func NewBatchID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return fmt.Sprintf("mc_%s_%x", time.Now().UTC().Format("20060102_150405"), b[:])
}

// Normalized returns a copy with a generated batch id when unset and the
// worker count clamped to host concurrency. Clamping is recorded state, not
// an error.
func (c MonteCarloConfig) Normalized() MonteCarloConfig {
	out := c
	if strings.TrimSpace(out.BatchID) == "" {
		out.BatchID = NewBatchID()
	}
	if max := runtime.NumCPU(); out.NWorkers > max {
		out.NWorkers = max
	}
	return out
}

// Validate checks all config invariants and returns a *ConfigError naming the
// first offending field. It never mutates the config and has no side effects.
func (c MonteCarloConfig) Validate() error {
	if strings.ContainsAny(c.BatchID, " \t\n") {
		return &ConfigError{Field: "batch_id", Reason: "must not contain whitespace"}
	}
	if c.NSamples <= 0 {
		return &ConfigError{Field: "n_samples", Reason: fmt.Sprintf("must be positive, got %d", c.NSamples)}
	}
	if c.NWorkers <= 0 {
		return &ConfigError{Field: "n_workers", Reason: fmt.Sprintf("must be positive, got %d", c.NWorkers)}
	}
	if len(c.ParameterSpecs) == 0 {
		return &ConfigError{Field: "parameter_specs", Reason: "at least one parameter spec required"}
	}
	seen := make(map[string]struct{}, len(c.ParameterSpecs))
	for _, spec := range c.ParameterSpecs {
		if err := spec.Validate(); err != nil {
			return err
		}
		if _, dup := seen[spec.Name]; dup {
			return &ConfigError{Field: spec.Name, Reason: "duplicate parameter name"}
		}
		seen[spec.Name] = struct{}{}
	}
	if c.RunTimeout < 0 {
		return &ConfigError{Field: "run_timeout", Reason: "must not be negative"}
	}
	return nil
}

// ParameterNames returns the parameter names in draw order.
func (c MonteCarloConfig) ParameterNames() []string {
	names := make([]string, len(c.ParameterSpecs))
	for i, spec := range c.ParameterSpecs {
		names[i] = spec.Name
	}
	return names
}

// Spec returns the spec with the given name, if present.
func (c MonteCarloConfig) Spec(name string) (ParameterSpec, bool) {
	for _, spec := range c.ParameterSpecs {
		if spec.Name == name {
			return spec, true
		}
	}
	return ParameterSpec{}, false
}
