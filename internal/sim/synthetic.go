package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"forestmc/internal/core"
	"forestmc/pkg/domain"
)

// Synthetic is an in-process stand-growth stub. Every run is a pure function
// of its seed, parameters, and subjects, so batches through it are exactly
// reproducible without an external simulator binary. It exists for the CLI's
// out-of-the-box experience and for integration tests; it is not a growth
// model of record.
//
// Recognized parameters, matching the names batch specs sample:
//
//	mortality_multiplier  scales the annual mortality rate (default 1.0)
//	thin_trigger_ba       basal area triggering a thin; 0 disables thinning
//	thin_residual_ba      basal area left standing after a thin
//	enable_calibration    nudges growth up slightly when true
type Synthetic struct {
	// Subjects simulated when a run carries no subject filter.
	Subjects []string
	// StartYear is the first simulated calendar year.
	StartYear int
	// Years is the length of the simulated series.
	Years int
	// Latency is simulated per-run wall-clock work, interruptible by ctx.
	Latency time.Duration
	// FailSubjects aborts any run whose subject set intersects it. Fault
	// injection for failure-isolation tests.
	FailSubjects []string
}

// NewSynthetic returns a Synthetic with a three-stand default universe and a
// forty-year horizon.
func NewSynthetic() *Synthetic {
	return &Synthetic{
		Subjects:  []string{"stand_001", "stand_002", "stand_003"},
		StartYear: 2020,
		Years:     40,
	}
}

// standState is one subject's pools while the series advances.
type standState struct {
	ba           float64 // basal area, ft²/ac
	tpa          float64 // trees per acre
	liveCarbon   float64 // tons/ac
	deadCarbon   float64 // tons/ac
	storedCarbon float64 // tons/ac, harvested wood products
}

// Run implements core.Simulator.
func (s *Synthetic) Run(ctx context.Context, in core.RunInput) (core.RunOutput, error) {
	if s.Latency > 0 {
		timer := time.NewTimer(s.Latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return core.RunOutput{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return core.RunOutput{}, err
	}

	subjects := in.Subjects
	if len(subjects) == 0 {
		subjects = s.Subjects
	}
	if len(subjects) == 0 {
		return core.RunOutput{}, domain.NewRunError(domain.ErrorKindProcess, "no subjects to simulate")
	}
	for _, subject := range subjects {
		for _, fail := range s.FailSubjects {
			if subject == fail {
				return core.RunOutput{}, domain.NewRunError(domain.ErrorKindProcess,
					fmt.Sprintf("subject %s failed to simulate", subject))
			}
		}
	}

	mortality := paramFloat(in.Params, "mortality_multiplier", 1.0)
	thinTrigger := paramFloat(in.Params, "thin_trigger_ba", 0)
	thinResidual := paramFloat(in.Params, "thin_residual_ba", 0)
	calibrated := paramBool(in.Params, "enable_calibration")

	startYear := s.StartYear
	if startYear == 0 {
		startYear = 2020
	}
	years := s.Years
	if years <= 0 {
		years = 40
	}

	// One series per subject, then per-acre means across subjects per year.
	// Harvest stays a flow: per-year mean across subjects, summed downstream.
	perSubject := make([][]core.TimeSeriesPoint, len(subjects))
	for i, subject := range subjects {
		perSubject[i] = s.growSubject(in.RunSeed, subject, startYear, years, mortality, thinTrigger, thinResidual, calibrated)
	}

	points := make([]core.TimeSeriesPoint, years)
	for y := 0; y < years; y++ {
		var agg core.TimeSeriesPoint
		agg.BatchID = in.BatchID
		agg.RunID = in.RunID
		agg.Year = startYear + y
		for i := range perSubject {
			p := perSubject[i][y]
			agg.AbovegroundCLive += p.AbovegroundCLive
			agg.StandingDeadC += p.StandingDeadC
			agg.MerchCarbonStored += p.MerchCarbonStored
			agg.CanopyCoverPct += p.CanopyCoverPct
			agg.BasalArea += p.BasalArea
			agg.TreesPerAcre += p.TreesPerAcre
			agg.HarvestBdft += p.HarvestBdft
		}
		n := float64(len(perSubject))
		agg.AbovegroundCLive /= n
		agg.StandingDeadC /= n
		agg.MerchCarbonStored /= n
		agg.CanopyCoverPct /= n
		agg.BasalArea /= n
		agg.TreesPerAcre /= n
		agg.HarvestBdft /= n
		agg.TotalCarbon = agg.AbovegroundCLive + agg.StandingDeadC + agg.MerchCarbonStored
		if y > 0 {
			agg.CumulativeHarvestBdft = points[y-1].CumulativeHarvestBdft
		}
		agg.CumulativeHarvestBdft += agg.HarvestBdft
		points[y] = agg
	}

	out := core.RunOutput{Points: points, NSubjects: len(subjects)}
	if in.WorkDir != "" {
		if err := writeSeriesArtifact(in.WorkDir, points); err != nil {
			return core.RunOutput{}, err
		}
		out.ArtifactFiles = []string{"output.json"}
	}
	return out, nil
}

// growSubject advances one stand through the horizon. The stream is seeded
// from the run seed and the subject name alone, so a subject's trajectory is
// identical across runs sharing a seed regardless of which other subjects are
// in the batch.
func (s *Synthetic) growSubject(runSeed int64, subject string, startYear, years int, mortality, thinTrigger, thinResidual float64, calibrated bool) []core.TimeSeriesPoint {
	rng := rand.New(rand.NewSource(runSeed ^ subjectSeed(subject)))

	st := standState{
		ba:         90 + 40*rng.Float64(),
		tpa:        180 + 120*rng.Float64(),
		liveCarbon: 35 + 20*rng.Float64(),
		deadCarbon: 3 + 2*rng.Float64(),
	}

	growth := 0.035 + 0.01*rng.Float64()
	if calibrated {
		growth *= 1.05
	}
	const maxBA = 260.0

	out := make([]core.TimeSeriesPoint, years)
	for y := 0; y < years; y++ {
		noise := 1 + 0.02*(rng.Float64()-0.5)

		// Logistic basal-area growth, mortality moving live carbon into the
		// standing-dead pool, and slow dead-pool decay.
		st.ba += growth * st.ba * (1 - st.ba/maxBA) * noise
		mortRate := 0.012 * mortality
		died := st.liveCarbon * mortRate
		st.liveCarbon += growth*st.liveCarbon*(1-st.ba/maxBA)*noise - died
		st.deadCarbon = st.deadCarbon*0.95 + died
		st.tpa *= 1 - mortRate*0.8

		var harvested float64
		if thinTrigger > 0 && st.ba >= thinTrigger && thinResidual < st.ba {
			removedBA := st.ba - thinResidual
			frac := removedBA / st.ba
			harvested = removedBA * 95 // bdft per ft² of basal area removed
			st.storedCarbon += st.liveCarbon * frac * 0.6
			st.liveCarbon *= 1 - frac
			st.tpa *= 1 - frac
			st.ba = thinResidual
		}
		st.storedCarbon *= 0.99 // product decay

		out[y] = core.TimeSeriesPoint{
			Year:              startYear + y,
			AbovegroundCLive:  st.liveCarbon,
			StandingDeadC:     st.deadCarbon,
			MerchCarbonStored: st.storedCarbon,
			CanopyCoverPct:    math.Min(100, st.ba/2.6),
			BasalArea:         st.ba,
			TreesPerAcre:      st.tpa,
			HarvestBdft:       harvested,
		}
	}
	return out
}

func subjectSeed(subject string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(subject))
	return int64(h.Sum64())
}

func paramFloat(params map[string]any, name string, def float64) float64 {
	v, ok := params[name]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return def
}

func paramBool(params map[string]any, name string) bool {
	b, _ := params[name].(bool)
	return b
}

// writeSeriesArtifact drops the yearly series into the working directory so
// preserved runs keep a machine-readable copy of what the stub produced.
func writeSeriesArtifact(dir string, points []core.TimeSeriesPoint) error {
	raw, err := json.MarshalIndent(points, "", "  ")
	if err != nil {
		return fmt.Errorf("encode series: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "output.json"), raw, 0o644); err != nil {
		return fmt.Errorf("write series artifact: %w", err)
	}
	return nil
}
