// Package metrics exposes Prometheus collectors for ingest, training and
// classification.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "inbox_triage"

var (
	// MessagesIngested counts messages newly stored by ingest.
	MessagesIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "messages_total",
			Help:      "Total number of new messages stored by ingest",
		},
	)

	// IngestRuns counts ingest runs.
	// Labels: result (success, auth_error, error)
	IngestRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "runs_total",
			Help:      "Total number of ingest runs",
		},
		[]string{"result"},
	)

	// Trainings counts training runs.
	// Labels: result (success, insufficient_data, error)
	Trainings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "trainings_total",
			Help:      "Total number of model training runs",
		},
		[]string{"result"},
	)

	// TrainingDuration tracks how long a training run takes.
	TrainingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "training_duration_seconds",
			Help:      "Duration of model training runs in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// Predictions counts classification decisions.
	// Labels: decision (urgent, not_urgent)
	Predictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "predictions_total",
			Help:      "Total number of urgency decisions",
		},
		[]string{"decision"},
	)

	// ArchiveOperations counts attempts to archive non-urgent messages.
	// Labels: result (success, error)
	ArchiveOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "archive_operations_total",
			Help:      "Total number of archive operations",
		},
		[]string{"result"},
	)
)

// Decision returns the Predictions label for an urgency decision.
func Decision(urgent bool) string {
	if urgent {
		return "urgent"
	}
	return "not_urgent"
}

// Result returns "success" for a nil error and "error" otherwise.
func Result(err error) string {
	if err == nil {
		return "success"
	}
	return "error"
}
