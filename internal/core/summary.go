package core

import (
	"sort"
	"time"
)

// SummarizeRun reduces a run's yearly series to its scalar summary row. Pool
// metrics take the final simulated year's value, canopy cover additionally
// tracks its minimum, average carbon stock is the mean across years, and the
// harvest flow accumulates over the whole series. An empty series yields a
// zero-valued summary apart from duration and subject count; data-quality
// checks flag that case downstream.
func SummarizeRun(batchID string, runID int, points []TimeSeriesPoint, duration time.Duration, nSubjects int) RunSummary {
	out := RunSummary{
		BatchID:        batchID,
		RunID:          runID,
		RunDurationSec: duration.Seconds(),
		NSubjects:      nSubjects,
	}
	if len(points) == 0 {
		return out
	}

	series := make([]TimeSeriesPoint, len(points))
	copy(series, points)
	sort.Slice(series, func(i, j int) bool { return series[i].Year < series[j].Year })

	var totalCarbonSum, harvestSum float64
	minCanopy := series[0].CanopyCoverPct
	for _, p := range series {
		totalCarbonSum += p.TotalCarbon
		harvestSum += p.HarvestBdft
		if p.CanopyCoverPct < minCanopy {
			minCanopy = p.CanopyCoverPct
		}
	}

	final := series[len(series)-1]
	out.FinalTotalCarbon = final.TotalCarbon
	out.AvgCarbonStock = totalCarbonSum / float64(len(series))
	out.FinalLiveCarbon = final.AbovegroundCLive
	out.FinalDeadCarbon = final.StandingDeadC
	out.FinalStoredCarbon = final.MerchCarbonStored
	out.MinCanopyCover = minCanopy
	out.FinalCanopyCover = final.CanopyCoverPct
	out.CumulativeHarvestBdft = harvestSum
	return out
}
