package domain

import (
	"bytes"
	"errors"
	"testing"
)

func testConfig(nSamples int) MonteCarloConfig {
	return MonteCarloConfig{
		BatchID:   "mc_test",
		BatchSeed: 42,
		NSamples:  nSamples,
		NWorkers:  2,
		ParameterSpecs: []ParameterSpec{
			Uniform("mortality_multiplier", 0.5, 1.5),
			Boolean("drought_year", 0.3),
			DiscreteUniform("thinning_regime", "none", "light", "heavy"),
		},
	}
}

func TestGenerateParameterSamplesDeterministic(t *testing.T) {
	first, err := GenerateParameterSamples(testConfig(8))
	if err != nil {
		t.Fatalf("generate samples: %v", err)
	}
	second, err := GenerateParameterSamples(testConfig(8))
	if err != nil {
		t.Fatalf("generate samples again: %v", err)
	}
	if len(first) != 8 || len(second) != 8 {
		t.Fatalf("expected 8 samples, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i].RunID != i {
			t.Fatalf("expected dense run ids, got %d at index %d", first[i].RunID, i)
		}
		if first[i].RunSeed != second[i].RunSeed {
			t.Fatalf("run %d: seeds differ across invocations", i)
		}
		a, err := first[i].ParamsJSON()
		if err != nil {
			t.Fatalf("run %d: encode params: %v", i, err)
		}
		b, err := second[i].ParamsJSON()
		if err != nil {
			t.Fatalf("run %d: encode params again: %v", i, err)
		}
		if !bytes.Equal(a, b) {
			t.Fatalf("run %d: params differ across invocations: %s vs %s", i, a, b)
		}
	}
}

func TestGenerateParameterSamplesPrefixStable(t *testing.T) {
	short, err := GenerateParameterSamples(testConfig(5))
	if err != nil {
		t.Fatalf("generate short sequence: %v", err)
	}
	long, err := GenerateParameterSamples(testConfig(12))
	if err != nil {
		t.Fatalf("generate long sequence: %v", err)
	}
	for i := range short {
		a, _ := short[i].ParamsJSON()
		b, _ := long[i].ParamsJSON()
		if !bytes.Equal(a, b) {
			t.Fatalf("run %d: prefix not stable when n_samples grows: %s vs %s", i, a, b)
		}
		if short[i].RunSeed != long[i].RunSeed {
			t.Fatalf("run %d: run seed changed when n_samples grew", i)
		}
	}
}

func TestSampleValuesRespectSpecs(t *testing.T) {
	samples, err := GenerateParameterSamples(testConfig(64))
	if err != nil {
		t.Fatalf("generate samples: %v", err)
	}
	regimes := map[string]bool{"none": true, "light": true, "heavy": true}
	distinct := map[float64]struct{}{}
	for _, s := range samples {
		m, ok := s.Values["mortality_multiplier"].(float64)
		if !ok {
			t.Fatalf("run %d: mortality_multiplier is %T, want float64", s.RunID, s.Values["mortality_multiplier"])
		}
		if m < 0.5 || m > 1.5 {
			t.Fatalf("run %d: mortality_multiplier %v outside [0.5, 1.5]", s.RunID, m)
		}
		distinct[m] = struct{}{}
		if _, ok := s.Values["drought_year"].(bool); !ok {
			t.Fatalf("run %d: drought_year is %T, want bool", s.RunID, s.Values["drought_year"])
		}
		regime, ok := s.Values["thinning_regime"].(string)
		if !ok || !regimes[regime] {
			t.Fatalf("run %d: thinning_regime %v not among choices", s.RunID, s.Values["thinning_regime"])
		}
	}
	if len(distinct) < 2 {
		t.Fatalf("expected varied uniform draws across 64 runs, got %d distinct value(s)", len(distinct))
	}
}

func TestBooleanProbabilityExtremes(t *testing.T) {
	cfg := testConfig(32)
	cfg.ParameterSpecs = []ParameterSpec{Boolean("always", 1), Boolean("never", 0)}
	samples, err := GenerateParameterSamples(cfg)
	if err != nil {
		t.Fatalf("generate samples: %v", err)
	}
	for _, s := range samples {
		if s.Values["always"] != true {
			t.Fatalf("run %d: p_true=1 drew false", s.RunID)
		}
		if s.Values["never"] != false {
			t.Fatalf("run %d: p_true=0 drew true", s.RunID)
		}
	}
}

func TestRunSeedIndependentOfSpecs(t *testing.T) {
	base := testConfig(6)
	reordered := testConfig(6)
	reordered.ParameterSpecs = []ParameterSpec{
		reordered.ParameterSpecs[2],
		reordered.ParameterSpecs[0],
		reordered.ParameterSpecs[1],
	}
	trimmed := testConfig(6)
	trimmed.ParameterSpecs = trimmed.ParameterSpecs[:1]

	a, err := GenerateParameterSamples(base)
	if err != nil {
		t.Fatalf("generate base: %v", err)
	}
	b, err := GenerateParameterSamples(reordered)
	if err != nil {
		t.Fatalf("generate reordered: %v", err)
	}
	c, err := GenerateParameterSamples(trimmed)
	if err != nil {
		t.Fatalf("generate trimmed: %v", err)
	}
	for i := range a {
		if a[i].RunSeed != b[i].RunSeed || a[i].RunSeed != c[i].RunSeed {
			t.Fatalf("run %d: run seed depends on spec set (%d, %d, %d)", i, a[i].RunSeed, b[i].RunSeed, c[i].RunSeed)
		}
		if a[i].RunSeed != DeriveRunSeed(base.BatchSeed, i) {
			t.Fatalf("run %d: run seed not recomputable from (batch_seed, run_id)", i)
		}
	}
}

func TestDeriveAttemptSeed(t *testing.T) {
	if DeriveAttemptSeed(42, 3, 0) != DeriveRunSeed(42, 3) {
		t.Fatalf("attempt 0 seed must equal run seed")
	}
	seen := map[int64]int{}
	for attempt := 0; attempt < 4; attempt++ {
		seen[DeriveAttemptSeed(42, 3, attempt)]++
	}
	if len(seen) != 4 {
		t.Fatalf("expected 4 distinct attempt seeds, got %d", len(seen))
	}
	if DeriveRunSeed(42, 0) == DeriveRunSeed(42, 1) {
		t.Fatalf("adjacent runs share a seed")
	}
	if DeriveRunSeed(42, 0) == DeriveRunSeed(43, 0) {
		t.Fatalf("different batch seeds produced the same run seed")
	}
}

func TestGenerateParameterSamplesRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(4)
	cfg.NSamples = 0
	samples, err := GenerateParameterSamples(cfg)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if samples != nil {
		t.Fatalf("expected no samples on validation failure")
	}
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "n_samples" {
		t.Fatalf("expected ConfigError on n_samples, got %v", err)
	}
}
