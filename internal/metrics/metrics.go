// Package metrics exposes Prometheus collectors for the sync and backup cycles.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "workersyncd"

var (
	// cycles counts finished cycles.
	// Labels: cycle (sync, backup), outcome (completed, partial_failure, failed)
	cycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cycles_total",
		Help:      "Total finished cycles by kind and outcome",
	}, []string{"cycle", "outcome"})

	// cycleDuration measures wall time per cycle.
	// Labels: cycle
	cycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "cycle_duration_seconds",
		Help:      "Cycle duration in seconds",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"cycle"})

	// stageErrors counts recorded stage failures.
	// Labels: cycle, stage, kind (fault kind)
	stageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stage_errors_total",
		Help:      "Total stage failures by cycle, stage and fault kind",
	}, []string{"cycle", "stage", "kind"})

	// coalescedTriggers counts triggers dropped because a cycle of the same kind was running.
	// Labels: cycle
	coalescedTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "coalesced_triggers_total",
		Help:      "Total triggers dropped while a cycle of the same kind was in progress",
	}, []string{"cycle"})

	restarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "service_restarts_total",
		Help:      "Total service restarts triggered by critical changes",
	}, []string{"result"})

	// prunedFiles counts files removed by retention.
	// Labels: bucket
	prunedFiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backup_pruned_files_total",
		Help:      "Total backup files removed by retention",
	}, []string{"bucket"})

	bucketFiles = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "backup_bucket_files",
		Help:      "Files held per backup bucket after the last prune",
	}, []string{"bucket"})

	lastSuccess = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix time of the last completed cycle by kind",
	}, []string{"cycle"})
)

// ObserveCycle records a finished cycle
func ObserveCycle(cycle, outcome string, d time.Duration) {
	cycles.WithLabelValues(cycle, outcome).Inc()
	cycleDuration.WithLabelValues(cycle).Observe(d.Seconds())
	if outcome == "completed" {
		lastSuccess.WithLabelValues(cycle).SetToCurrentTime()
	}
}

// StageError records a failure in a cycle stage
func StageError(cycle, stage, kind string) {
	stageErrors.WithLabelValues(cycle, stage, kind).Inc()
}

// Coalesced records a dropped trigger
func Coalesced(cycle string) {
	coalescedTriggers.WithLabelValues(cycle).Inc()
}

// Restart records a service restart attempt
func Restart(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	restarts.WithLabelValues(result).Inc()
}

// Pruned records files removed from a bucket and the count that remains
func Pruned(bucket string, removed, remaining int) {
	if removed > 0 {
		prunedFiles.WithLabelValues(bucket).Add(float64(removed))
	}
	bucketFiles.WithLabelValues(bucket).Set(float64(remaining))
}
