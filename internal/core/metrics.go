package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors reporting batch execution activity.
// A nil *Metrics is a valid no-op receiver, so callers never need to guard.
type Metrics struct {
	runsTotal         *prometheus.CounterVec
	runDuration       *prometheus.HistogramVec
	runsInFlight      prometheus.Gauge
	batchesTotal      *prometheus.CounterVec
	batchDuration     prometheus.Histogram
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
}

// MustNewMetrics constructs a Metrics instance registered with reg, falling
// back to the default registerer when reg is nil. Registration conflicts with
// an existing collector of the same shape reuse that collector, mirroring
// promauto semantics so repeated construction (tests, multiple services in
// one process) never panics over duplicates.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	runsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forestmc",
			Subsystem: "executor",
			Name:      "runs_total",
			Help:      "Terminal run outcomes by status.",
		},
		[]string{"status"},
	)
	runDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "forestmc",
			Subsystem: "executor",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of individual simulation runs.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)
	runsInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "forestmc",
			Subsystem: "executor",
			Name:      "runs_in_flight",
			Help:      "Runs currently executing on the worker pool.",
		},
	)
	batchesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forestmc",
			Subsystem: "executor",
			Name:      "batches_total",
			Help:      "Finalized batches by terminal status.",
		},
		[]string{"status"},
	)
	batchDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "forestmc",
			Subsystem: "executor",
			Name:      "batch_duration_seconds",
			Help:      "Wall-clock duration of whole batch executions.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		},
	)
	operationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forestmc",
			Subsystem: "service",
			Name:      "operations_total",
			Help:      "Service operations by outcome.",
		},
		[]string{"operation", "result"},
	)
	operationDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "forestmc",
			Subsystem: "service",
			Name:      "operation_duration_seconds",
			Help:      "Duration of service operations.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	collectors := []prometheus.Collector{
		runsTotal, runDuration, runsInFlight, batchesTotal, batchDuration,
		operationsTotal, operationDuration,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch target := collector.(type) {
				case *prometheus.CounterVec:
					switch target {
					case runsTotal:
						runsTotal = already.ExistingCollector.(*prometheus.CounterVec)
					case batchesTotal:
						batchesTotal = already.ExistingCollector.(*prometheus.CounterVec)
					case operationsTotal:
						operationsTotal = already.ExistingCollector.(*prometheus.CounterVec)
					}
				case *prometheus.HistogramVec:
					switch target {
					case runDuration:
						runDuration = already.ExistingCollector.(*prometheus.HistogramVec)
					case operationDuration:
						operationDuration = already.ExistingCollector.(*prometheus.HistogramVec)
					}
				case prometheus.Gauge:
					runsInFlight = already.ExistingCollector.(prometheus.Gauge)
				case prometheus.Histogram:
					batchDuration = already.ExistingCollector.(prometheus.Histogram)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		runsTotal:         runsTotal,
		runDuration:       runDuration,
		runsInFlight:      runsInFlight,
		batchesTotal:      batchesTotal,
		batchDuration:     batchDuration,
		operationsTotal:   operationsTotal,
		operationDuration: operationDuration,
	}
}

// ObserveRun records one terminal run outcome and its duration.
func (m *Metrics) ObserveRun(status RunStatus, duration time.Duration) {
	if m == nil || m.runsTotal == nil {
		return
	}
	m.runsTotal.WithLabelValues(string(status)).Inc()
	m.runDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

// RunStarted marks a run as in flight.
func (m *Metrics) RunStarted() {
	if m == nil || m.runsInFlight == nil {
		return
	}
	m.runsInFlight.Inc()
}

// RunFinished marks an in-flight run as done.
func (m *Metrics) RunFinished() {
	if m == nil || m.runsInFlight == nil {
		return
	}
	m.runsInFlight.Dec()
}

// ObserveBatch records a finalized batch outcome and its duration.
func (m *Metrics) ObserveBatch(status BatchStatus, duration time.Duration) {
	if m == nil || m.batchesTotal == nil {
		return
	}
	m.batchesTotal.WithLabelValues(string(status)).Inc()
	m.batchDuration.Observe(duration.Seconds())
}

// Observe implements MetricsRecorder so a Metrics instance can double as the
// service operation sink.
func (m *Metrics) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if m == nil || m.operationsTotal == nil {
		return
	}
	result := "error"
	if success {
		result = "success"
	}
	m.operationsTotal.WithLabelValues(operation, result).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
