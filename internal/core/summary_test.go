package core

import (
	"testing"
	"time"

	"forestmc/pkg/domain"
)

func TestSummarizeRunReducesSeries(t *testing.T) {
	points := []domain.TimeSeriesPoint{
		{Year: 2025, TotalCarbon: 100, AbovegroundCLive: 60, StandingDeadC: 12, MerchCarbonStored: 5, CanopyCoverPct: 82, HarvestBdft: 0},
		{Year: 2026, TotalCarbon: 104, AbovegroundCLive: 62, StandingDeadC: 11, MerchCarbonStored: 6, CanopyCoverPct: 74, HarvestBdft: 1500},
		{Year: 2027, TotalCarbon: 108, AbovegroundCLive: 64, StandingDeadC: 10, MerchCarbonStored: 8, CanopyCoverPct: 78, HarvestBdft: 500},
	}

	summary := SummarizeRun("mc_sum", 3, points, 2500*time.Millisecond, 7)

	if summary.BatchID != "mc_sum" || summary.RunID != 3 {
		t.Fatalf("unexpected identity: %+v", summary)
	}
	if summary.FinalTotalCarbon != 108 {
		t.Fatalf("expected final total carbon 108, got %v", summary.FinalTotalCarbon)
	}
	if summary.AvgCarbonStock != 104 {
		t.Fatalf("expected avg carbon stock 104, got %v", summary.AvgCarbonStock)
	}
	if summary.FinalLiveCarbon != 64 || summary.FinalDeadCarbon != 10 || summary.FinalStoredCarbon != 8 {
		t.Fatalf("unexpected final pools: %+v", summary)
	}
	if summary.MinCanopyCover != 74 {
		t.Fatalf("expected min canopy 74, got %v", summary.MinCanopyCover)
	}
	if summary.FinalCanopyCover != 78 {
		t.Fatalf("expected final canopy 78, got %v", summary.FinalCanopyCover)
	}
	if summary.CumulativeHarvestBdft != 2000 {
		t.Fatalf("expected cumulative harvest 2000, got %v", summary.CumulativeHarvestBdft)
	}
	if summary.RunDurationSec != 2.5 {
		t.Fatalf("expected duration 2.5s, got %v", summary.RunDurationSec)
	}
	if summary.NSubjects != 7 {
		t.Fatalf("expected 7 subjects, got %d", summary.NSubjects)
	}
}

func TestSummarizeRunSortsUnorderedSeries(t *testing.T) {
	points := []domain.TimeSeriesPoint{
		{Year: 2027, TotalCarbon: 110, CanopyCoverPct: 70},
		{Year: 2025, TotalCarbon: 100, CanopyCoverPct: 80},
		{Year: 2026, TotalCarbon: 105, CanopyCoverPct: 75},
	}

	summary := SummarizeRun("mc_sort", 0, points, time.Second, 1)

	if summary.FinalTotalCarbon != 110 {
		t.Fatalf("expected final year 2027 value, got %v", summary.FinalTotalCarbon)
	}
	if summary.AvgCarbonStock != 105 {
		t.Fatalf("expected avg 105, got %v", summary.AvgCarbonStock)
	}
	if points[0].Year != 2027 {
		t.Fatalf("expected caller slice untouched, got %+v", points[0])
	}
}

func TestSummarizeRunEmptySeries(t *testing.T) {
	summary := SummarizeRun("mc_empty", 9, nil, 3*time.Second, 4)

	if summary.FinalTotalCarbon != 0 || summary.AvgCarbonStock != 0 || summary.CumulativeHarvestBdft != 0 {
		t.Fatalf("expected zero metrics for empty series: %+v", summary)
	}
	if summary.RunDurationSec != 3 {
		t.Fatalf("expected duration retained, got %v", summary.RunDurationSec)
	}
	if summary.NSubjects != 4 {
		t.Fatalf("expected subject count retained, got %d", summary.NSubjects)
	}
}
