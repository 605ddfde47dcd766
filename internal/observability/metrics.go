package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	eventPublishedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scheduler",
		Subsystem: "ledger",
		Name:      "last_event_published_timestamp_seconds",
		Help:      "Unix timestamp of the most recent participant event persisted.",
	})
	activitiesSavedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler",
		Subsystem: "reconcile",
		Name:      "activities_saved_total",
		Help:      "Number of newly generated scheduled activities persisted.",
	})
	activitiesSkippedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler",
		Subsystem: "reconcile",
		Name:      "activities_skipped_total",
		Help:      "Number of candidate saves skipped because the GUID already existed.",
	})
	activitiesReconciledCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler",
		Subsystem: "reconcile",
		Name:      "activities_deleted_total",
		Help:      "Number of pending scheduled activities deleted by reconciliation.",
	})
	generationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "scheduler",
		Subsystem: "generate",
		Name:      "pass_duration_seconds",
		Help:      "Time spent evaluating schedule plans for one participant.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})
	planErrorCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler",
		Subsystem: "generate",
		Name:      "plan_errors_total",
		Help:      "Number of schedule plans skipped during generation due to errors.",
	})
)

func init() {
	prometheus.MustRegister(
		eventPublishedGauge,
		activitiesSavedCounter,
		activitiesSkippedCounter,
		activitiesReconciledCounter,
		generationDuration,
		planErrorCounter,
	)
}

// RecordEventPublished updates the ledger watermark gauge.
func RecordEventPublished(ts time.Time) {
	if ts.IsZero() {
		return
	}
	eventPublishedGauge.Set(float64(ts.Unix()))
}

// RecordActivitiesSaved counts persisted candidates.
func RecordActivitiesSaved(n int) {
	if n > 0 {
		activitiesSavedCounter.Add(float64(n))
	}
}

// RecordActivitiesSkipped counts saves skipped on GUID conflict.
func RecordActivitiesSkipped(n int) {
	if n > 0 {
		activitiesSkippedCounter.Add(float64(n))
	}
}

// RecordActivitiesReconciled counts pending records removed by reconciliation.
func RecordActivitiesReconciled(n int64) {
	if n > 0 {
		activitiesReconciledCounter.Add(float64(n))
	}
}

// ObserveGeneration records one generation pass.
func ObserveGeneration(elapsed time.Duration, planErrors int) {
	generationDuration.Observe(elapsed.Seconds())
	if planErrors > 0 {
		planErrorCounter.Add(float64(planErrors))
	}
}
