// Package batchfile loads Monte Carlo batch specifications from YAML files
// for the CLI. Decoding is strict: unknown fields fail the load rather than
// silently shaping a different experiment than the author wrote.
package batchfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"forestmc/pkg/domain"
)

// Spec is the YAML schema of one batch file. Everything but the sampled
// parameter space is optional; defaults live here rather than in the domain so
// programmatic callers stay explicit.
type Spec struct {
	BatchID        string      `yaml:"batch_id"`
	BatchSeed      int64       `yaml:"batch_seed"`
	NSamples       int         `yaml:"n_samples"`
	NWorkers       int         `yaml:"n_workers"`
	RunTimeout     string      `yaml:"run_timeout"`
	Simulator      string      `yaml:"simulator"`
	Subjects       []string    `yaml:"subjects"`
	Parameters     []ParamSpec `yaml:"parameters"`
	ArtifactPolicy string      `yaml:"artifact_policy"`
}

// ParamSpec is one sampled parameter. Kind selects which of the remaining
// fields are required; pointers distinguish "absent" from zero so a
// half-written uniform spec fails the load instead of sampling [0, 0].
type ParamSpec struct {
	Name    string   `yaml:"name"`
	Kind    string   `yaml:"kind"`
	Low     *float64 `yaml:"low"`
	High    *float64 `yaml:"high"`
	PTrue   *float64 `yaml:"p_true"`
	Choices []any    `yaml:"choices"`
}

// Load reads and parses one batch spec file.
func Load(path string) (Spec, error) {
	f, err := os.Open(path)
	if err != nil {
		return Spec{}, fmt.Errorf("open batch spec: %w", err)
	}
	defer f.Close()
	spec, err := Parse(f)
	if err != nil {
		return Spec{}, fmt.Errorf("parse batch spec %s: %w", path, err)
	}
	return spec, nil
}

// Parse decodes a batch spec from r, rejecting unknown fields.
func Parse(r io.Reader) (Spec, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var spec Spec
	if err := dec.Decode(&spec); err != nil {
		if errors.Is(err, io.EOF) {
			return Spec{}, errors.New("empty batch spec")
		}
		return Spec{}, err
	}
	return spec, nil
}

// Config converts the file into a validated MonteCarloConfig. Missing sample
// and worker counts are validation errors, not defaults. A missing timeout
// means unbounded runs.
func (s Spec) Config() (domain.MonteCarloConfig, error) {
	cfg := domain.MonteCarloConfig{
		BatchID:       s.BatchID,
		BatchSeed:     s.BatchSeed,
		NSamples:      s.NSamples,
		NWorkers:      s.NWorkers,
		SubjectFilter: s.Subjects,
		Simulator:     s.Simulator,
	}
	if s.RunTimeout != "" {
		d, err := time.ParseDuration(s.RunTimeout)
		if err != nil {
			return domain.MonteCarloConfig{}, fmt.Errorf("run_timeout: %w", err)
		}
		cfg.RunTimeout = d
	}
	for i, p := range s.Parameters {
		spec, err := p.domainSpec()
		if err != nil {
			return domain.MonteCarloConfig{}, fmt.Errorf("parameters[%d]: %w", i, err)
		}
		cfg.ParameterSpecs = append(cfg.ParameterSpecs, spec)
	}
	if err := cfg.Validate(); err != nil {
		return domain.MonteCarloConfig{}, err
	}
	return cfg, nil
}

func (p ParamSpec) domainSpec() (domain.ParameterSpec, error) {
	name := strings.TrimSpace(p.Name)
	switch domain.SpecKind(p.Kind) {
	case domain.SpecUniform:
		if p.Low == nil || p.High == nil {
			return domain.ParameterSpec{}, fmt.Errorf("uniform parameter %q requires low and high", name)
		}
		return domain.Uniform(name, *p.Low, *p.High), nil
	case domain.SpecBoolean:
		if p.PTrue == nil {
			return domain.ParameterSpec{}, fmt.Errorf("boolean parameter %q requires p_true", name)
		}
		return domain.Boolean(name, *p.PTrue), nil
	case domain.SpecDiscreteUniform:
		if len(p.Choices) == 0 {
			return domain.ParameterSpec{}, fmt.Errorf("discrete_uniform parameter %q requires choices", name)
		}
		return domain.DiscreteUniform(name, p.Choices...), nil
	default:
		return domain.ParameterSpec{}, fmt.Errorf("parameter %q has unknown kind %q", name, p.Kind)
	}
}
