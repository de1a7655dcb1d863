package core

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"

	"forestmc/pkg/domain"
)

// MetricStats summarizes one metric column within one period across every
// contributing (run, year) value. Percentiles use the nearest-rank method.
type MetricStats struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	P10   float64 `json:"p10"`
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
}

// PeriodAggregate is one fixed-width bucket of consecutive simulated years.
// StartYear and EndYear are inclusive; the final period may cover fewer years
// than the configured width.
type PeriodAggregate struct {
	Period    int                    `json:"period"`
	StartYear int                    `json:"start_year"`
	EndYear   int                    `json:"end_year"`
	Metrics   map[string]MetricStats `json:"metrics"`
}

// BatchAggregate is the cross-run period aggregation of one batch. Only
// succeeded runs contribute values; excluded runs are reported by status so a
// partial batch is never mistaken for a complete one.
type BatchAggregate struct {
	BatchID        string            `json:"batch_id"`
	YearsPerPeriod int               `json:"years_per_period"`
	RunsIncluded   int               `json:"runs_included"`
	RunsExcluded   map[string]int    `json:"runs_excluded,omitempty"`
	Periods        []PeriodAggregate `json:"periods"`
}

// AggregateByPeriod buckets a batch's yearly series into fixed-width periods
// anchored at the minimum observed year and computes per-metric statistics
// over all values falling in each period. Runs with heterogeneous year ranges
// are tolerated: a year simply contributes nothing to periods it never
// reached. Periods without any data are omitted.
func AggregateByPeriod(snapshot BatchSnapshot, yearsPerPeriod int) (BatchAggregate, error) {
	if yearsPerPeriod <= 0 {
		return BatchAggregate{}, fmt.Errorf("years per period must be positive, got %d", yearsPerPeriod)
	}

	out := BatchAggregate{
		BatchID:        snapshot.Meta.BatchID,
		YearsPerPeriod: yearsPerPeriod,
	}

	succeeded := make(map[int]bool, len(snapshot.Runs))
	for _, run := range snapshot.Runs {
		if run.Status == RunSucceeded {
			succeeded[run.RunID] = true
			out.RunsIncluded++
			continue
		}
		if out.RunsExcluded == nil {
			out.RunsExcluded = make(map[string]int, 3)
		}
		out.RunsExcluded[string(run.Status)]++
	}

	var points []TimeSeriesPoint
	for _, p := range snapshot.Timeseries {
		if succeeded[p.RunID] {
			points = append(points, p)
		}
	}
	if len(points) == 0 {
		return out, nil
	}

	minYear := points[0].Year
	for _, p := range points {
		if p.Year < minYear {
			minYear = p.Year
		}
	}

	// Pool values per (period, metric) across runs and years.
	buckets := make(map[int]map[string][]float64)
	for _, p := range points {
		idx := (p.Year - minYear) / yearsPerPeriod
		bucket, ok := buckets[idx]
		if !ok {
			bucket = make(map[string][]float64, len(domain.TimeSeriesMetricColumns()))
			buckets[idx] = bucket
		}
		for name, value := range p.Metrics() {
			bucket[name] = append(bucket[name], value)
		}
	}

	indexes := make([]int, 0, len(buckets))
	for idx := range buckets {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	for _, idx := range indexes {
		period := PeriodAggregate{
			Period:    idx,
			StartYear: minYear + idx*yearsPerPeriod,
			EndYear:   minYear + (idx+1)*yearsPerPeriod - 1,
			Metrics:   make(map[string]MetricStats, len(buckets[idx])),
		}
		for name, values := range buckets[idx] {
			period.Metrics[name] = computeStats(values)
		}
		out.Periods = append(out.Periods, period)
	}
	return out, nil
}

func computeStats(values []float64) MetricStats {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return MetricStats{
		Count: len(sorted),
		Mean:  sum / float64(len(sorted)),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		P10:   percentile(sorted, 10),
		P50:   percentile(sorted, 50),
		P90:   percentile(sorted, 90),
	}
}

// percentile returns the nearest-rank percentile of an ascending slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// WriteCSV renders the aggregate as one row per (period, metric), columns in
// the registry's stable metric order.
func (a BatchAggregate) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	header := []string{"period", "start_year", "end_year", "metric", "count", "mean", "min", "max", "p10", "p50", "p90"}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, period := range a.Periods {
		for _, name := range domain.TimeSeriesMetricColumns() {
			stats, ok := period.Metrics[name]
			if !ok {
				continue
			}
			row := []string{
				strconv.Itoa(period.Period),
				strconv.Itoa(period.StartYear),
				strconv.Itoa(period.EndYear),
				name,
				strconv.Itoa(stats.Count),
				formatFloat(stats.Mean),
				formatFloat(stats.Min),
				formatFloat(stats.Max),
				formatFloat(stats.P10),
				formatFloat(stats.P50),
				formatFloat(stats.P90),
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
