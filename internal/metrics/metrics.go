// SPDX-License-Identifier: MIT

// Package metrics centralizes prometheus instruments for the dispatcher.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsEnqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scribed_jobs_enqueued_total",
		Help: "Total number of jobs accepted into the queue",
	})

	JobsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scribed_jobs_completed_total",
		Help: "Total number of jobs that produced a transcript",
	})

	JobsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scribed_jobs_failed_total",
		Help: "Total number of terminal job failures by error code",
	}, []string{"code"})

	JobsRetriedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scribed_jobs_retried_total",
		Help: "Total number of retryable failures returned to waiting",
	})

	JobsStalledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scribed_jobs_stalled_total",
		Help: "Total number of expired leases reclaimed by the stall scanner",
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scribed_queue_depth",
		Help: "Number of jobs per state",
	}, []string{"state"})

	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scribed_bus_dropped_total",
		Help: "Total number of queue event drops by reason",
	}, []string{"reason"})

	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scribed_reconcile_duration_seconds",
		Help:    "Wall-clock duration of reconciliation passes",
		Buckets: prometheus.DefBuckets,
	})

	ReconcileAdoptedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scribed_reconcile_adopted_total",
		Help: "Total number of orphaned inbox files adopted during reconciliation",
	})

	TranscribeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scribed_transcribe_duration_seconds",
		Help:    "Wall-clock duration of transcription subprocess runs",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})

	ProcSignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scribed_proc_signals_total",
		Help: "Signals sent to transcription process groups by signal and outcome",
	}, []string{"signal", "outcome"})

	ProcWaitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scribed_proc_waits_total",
		Help: "Subprocess wait results by outcome",
	}, []string{"outcome"})
)

// IncProcSignal records a signal delivery attempt to a process group.
func IncProcSignal(signal, outcome string) {
	ProcSignalsTotal.WithLabelValues(signal, outcome).Inc()
}

// IncProcWait records the outcome of waiting on a subprocess.
func IncProcWait(outcome string) {
	ProcWaitsTotal.WithLabelValues(outcome).Inc()
}

// IncBusDrop records a dropped queue event with a concrete reason.
func IncBusDrop(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	BusDroppedTotal.WithLabelValues(reason).Inc()
}
