package domain

import (
	"encoding/json"
	"time"
)

// BatchMeta is the batch_meta row: the persisted batch configuration plus
// outcome bookkeeping.
type BatchMeta struct {
	BatchID      string          `json:"batch_id"`
	ConfigJSON   json.RawMessage `json:"config_json"`
	BatchSeed    int64           `json:"batch_seed"`
	NSamples     int             `json:"n_samples"`
	Status       BatchStatus     `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	Orchestrator string          `json:"orchestrator,omitempty"`
}

// Config decodes the persisted MonteCarloConfig.
func (m BatchMeta) Config() (MonteCarloConfig, error) {
	var cfg MonteCarloConfig
	if err := json.Unmarshal(m.ConfigJSON, &cfg); err != nil {
		return MonteCarloConfig{}, err
	}
	return cfg, nil
}

// RunSummary holds the scalar metrics of one succeeded run. Pool metrics
// carry the final simulated year's value; flow metrics accumulate across the
// whole series.
type RunSummary struct {
	BatchID               string  `json:"batch_id"`
	RunID                 int     `json:"run_id"`
	FinalTotalCarbon      float64 `json:"final_total_carbon"`
	AvgCarbonStock        float64 `json:"avg_carbon_stock"`
	FinalLiveCarbon       float64 `json:"final_live_carbon"`
	FinalDeadCarbon       float64 `json:"final_dead_carbon"`
	FinalStoredCarbon     float64 `json:"final_stored_carbon"`
	MinCanopyCover        float64 `json:"min_canopy_cover"`
	FinalCanopyCover      float64 `json:"final_canopy_cover"`
	CumulativeHarvestBdft float64 `json:"cumulative_harvest_bdft"`
	RunDurationSec        float64 `json:"run_duration_sec"`
	NSubjects             int     `json:"n_subjects"`
}

// TimeSeriesPoint is one run_timeseries row: per-year metrics for one run.
// Absence of rows for a succeeded run is itself diagnostic (extraction
// failure), surfaced by data-quality checks rather than a status value.
type TimeSeriesPoint struct {
	BatchID               string  `json:"batch_id"`
	RunID                 int     `json:"run_id"`
	Year                  int     `json:"year"`
	AbovegroundCLive      float64 `json:"aboveground_c_live"`
	StandingDeadC         float64 `json:"standing_dead_c"`
	MerchCarbonStored     float64 `json:"merch_carbon_stored"`
	TotalCarbon           float64 `json:"total_carbon"`
	CanopyCoverPct        float64 `json:"canopy_cover_pct"`
	BasalArea             float64 `json:"basal_area"`
	TreesPerAcre          float64 `json:"trees_per_acre"`
	HarvestBdft           float64 `json:"harvest_bdft"`
	CumulativeHarvestBdft float64 `json:"cumulative_harvest_bdft"`
}

// timeSeriesColumns fixes the metric column order for aggregation output and
// CSV rendering.
var timeSeriesColumns = []string{
	"aboveground_c_live",
	"standing_dead_c",
	"merch_carbon_stored",
	"total_carbon",
	"canopy_cover_pct",
	"basal_area",
	"trees_per_acre",
	"harvest_bdft",
	"cumulative_harvest_bdft",
}

// TimeSeriesMetricColumns returns the metric column names in stable order.
func TimeSeriesMetricColumns() []string {
	out := make([]string, len(timeSeriesColumns))
	copy(out, timeSeriesColumns)
	return out
}

// Metrics exposes the metric columns by name for period aggregation.
func (p TimeSeriesPoint) Metrics() map[string]float64 {
	return map[string]float64{
		"aboveground_c_live":      p.AbovegroundCLive,
		"standing_dead_c":         p.StandingDeadC,
		"merch_carbon_stored":     p.MerchCarbonStored,
		"total_carbon":            p.TotalCarbon,
		"canopy_cover_pct":        p.CanopyCoverPct,
		"basal_area":              p.BasalArea,
		"trees_per_acre":          p.TreesPerAcre,
		"harvest_bdft":            p.HarvestBdft,
		"cumulative_harvest_bdft": p.CumulativeHarvestBdft,
	}
}

// RunErrorRecord is one run_error row. Rows are append-only evidence; a run
// retried across attempts keeps every prior attempt's error.
type RunErrorRecord struct {
	BatchID    string    `json:"batch_id"`
	RunID      int       `json:"run_id"`
	Attempt    int       `json:"attempt"`
	Kind       ErrorKind `json:"error_kind"`
	Message    string    `json:"error_message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// BatchSnapshot is a consistent read-only view of one batch: every table,
// joinable purely on (batch_id, run_id).
type BatchSnapshot struct {
	Meta       BatchMeta         `json:"meta"`
	Runs       []RunRecord       `json:"runs"`
	Summaries  []RunSummary      `json:"summaries"`
	Timeseries []TimeSeriesPoint `json:"timeseries"`
	Errors     []RunErrorRecord  `json:"errors"`
}

// Run returns the record for runID, if present.
func (s BatchSnapshot) Run(runID int) (RunRecord, bool) {
	for _, r := range s.Runs {
		if r.RunID == runID {
			return r, true
		}
	}
	return RunRecord{}, false
}

// CountByStatus tallies the snapshot's runs per status.
func (s BatchSnapshot) CountByStatus() map[RunStatus]int {
	counts := make(map[RunStatus]int, 4)
	for _, r := range s.Runs {
		counts[r.Status]++
	}
	return counts
}
