package batchfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"forestmc/pkg/domain"
)

const fullSpec = `
batch_id: mc_demo
batch_seed: 42
n_samples: 100
n_workers: 8
run_timeout: 10m
simulator: synthetic
subjects:
  - stand_001
  - stand_002
artifact_policy: preserve-failed
parameters:
  - name: mortality_multiplier
    kind: uniform
    low: 0.5
    high: 1.5
  - name: enable_calibration
    kind: boolean
    p_true: 0.25
  - name: thin_trigger_ba
    kind: discrete_uniform
    choices: [110, 130, 150]
`

func TestParseFullSpec(t *testing.T) {
	spec, err := Parse(strings.NewReader(fullSpec))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if spec.BatchID != "mc_demo" || spec.BatchSeed != 42 || spec.NSamples != 100 || spec.NWorkers != 8 {
		t.Fatalf("unexpected header fields: %+v", spec)
	}
	if spec.ArtifactPolicy != "preserve-failed" || spec.Simulator != "synthetic" {
		t.Fatalf("unexpected knobs: %+v", spec)
	}
	if len(spec.Parameters) != 3 {
		t.Fatalf("expected 3 parameters, got %d", len(spec.Parameters))
	}

	cfg, err := spec.Config()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.RunTimeout != 10*time.Minute {
		t.Fatalf("expected parsed timeout, got %v", cfg.RunTimeout)
	}
	if len(cfg.SubjectFilter) != 2 || cfg.SubjectFilter[0] != "stand_001" {
		t.Fatalf("unexpected subjects: %v", cfg.SubjectFilter)
	}
	names := cfg.ParameterNames()
	if names[0] != "mortality_multiplier" || names[1] != "enable_calibration" || names[2] != "thin_trigger_ba" {
		t.Fatalf("parameter order must follow the file: %v", names)
	}
	mm, _ := cfg.Spec("mortality_multiplier")
	if mm.Kind != domain.SpecUniform || mm.Low != 0.5 || mm.High != 1.5 {
		t.Fatalf("unexpected uniform spec: %+v", mm)
	}
	cal, _ := cfg.Spec("enable_calibration")
	if cal.Kind != domain.SpecBoolean || cal.PTrue != 0.25 {
		t.Fatalf("unexpected boolean spec: %+v", cal)
	}
	thin, _ := cfg.Spec("thin_trigger_ba")
	if thin.Kind != domain.SpecDiscreteUniform || len(thin.Choices) != 3 {
		t.Fatalf("unexpected discrete spec: %+v", thin)
	}
}

func TestLoadFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.yaml")
	if err := os.WriteFile(path, []byte(fullSpec), 0o644); err != nil {
		t.Fatalf("write spec: %v", err)
	}
	spec, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if spec.BatchID != "mc_demo" {
		t.Fatalf("unexpected batch id %s", spec.BatchID)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse(strings.NewReader("batch_seed: 1\nn_sample: 10\n"))
	if err == nil {
		t.Fatalf("expected misspelled field to fail the load")
	}
}

func TestParseEmptySpec(t *testing.T) {
	if _, err := Parse(strings.NewReader("")); err == nil {
		t.Fatalf("expected error for empty spec")
	}
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing samples",
			yaml: "batch_seed: 1\nn_workers: 2\nparameters:\n  - name: m\n    kind: uniform\n    low: 0\n    high: 1\n",
			want: "n_samples",
		},
		{
			name: "bad timeout",
			yaml: "batch_seed: 1\nn_samples: 5\nn_workers: 2\nrun_timeout: soon\nparameters:\n  - name: m\n    kind: uniform\n    low: 0\n    high: 1\n",
			want: "run_timeout",
		},
		{
			name: "uniform missing bounds",
			yaml: "batch_seed: 1\nn_samples: 5\nn_workers: 2\nparameters:\n  - name: m\n    kind: uniform\n    low: 0\n",
			want: "requires low and high",
		},
		{
			name: "boolean missing p_true",
			yaml: "batch_seed: 1\nn_samples: 5\nn_workers: 2\nparameters:\n  - name: m\n    kind: boolean\n",
			want: "requires p_true",
		},
		{
			name: "discrete missing choices",
			yaml: "batch_seed: 1\nn_samples: 5\nn_workers: 2\nparameters:\n  - name: m\n    kind: discrete_uniform\n",
			want: "requires choices",
		},
		{
			name: "unknown kind",
			yaml: "batch_seed: 1\nn_samples: 5\nn_workers: 2\nparameters:\n  - name: m\n    kind: gaussian\n",
			want: "unknown kind",
		},
		{
			name: "inverted bounds",
			yaml: "batch_seed: 1\nn_samples: 5\nn_workers: 2\nparameters:\n  - name: m\n    kind: uniform\n    low: 2\n    high: 1\n",
			want: "exceeds high",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spec, err := Parse(strings.NewReader(tc.yaml))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			_, err = spec.Config()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestConfigSamplesDeterministically(t *testing.T) {
	spec, err := Parse(strings.NewReader(fullSpec))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg, err := spec.Config()
	if err != nil {
		t.Fatalf("config: %v", err)
	}

	first, err := domain.GenerateParameterSamples(cfg)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	second, err := domain.GenerateParameterSamples(cfg)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	for i := range first {
		a, err := first[i].ParamsJSON()
		if err != nil {
			t.Fatalf("encode params: %v", err)
		}
		b, err := second[i].ParamsJSON()
		if err != nil {
			t.Fatalf("encode params: %v", err)
		}
		if string(a) != string(b) {
			t.Fatalf("run %d params differ across generations", i)
		}
	}

	// ConfigError surfaces through the sampler before any draw.
	bad := cfg
	bad.NSamples = 0
	var cfgErr *domain.ConfigError
	if _, err := domain.GenerateParameterSamples(bad); !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}
