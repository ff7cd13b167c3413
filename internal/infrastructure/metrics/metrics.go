// Package metrics provides Prometheus metrics for graysync.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "graysync"

var (
	// QueueEntriesTotal counts queue entry outcomes: done, retried, failed, cancelled.
	QueueEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "entries_total",
			Help:      "Sync queue entry outcomes by integration type, operation and outcome",
		},
		[]string{"integration_type", "operation", "outcome"},
	)

	// QueueRunsInFlight tracks queue entries currently running.
	QueueRunsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "runs_in_flight",
			Help:      "Number of sync queue entries currently running",
		},
	)

	// SyncRunDuration tracks sync run duration in seconds.
	SyncRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "run_duration_seconds",
			Help:      "Duration of sync runs in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"integration_type", "operation"},
	)

	// AdapterRequestsTotal counts outbound platform requests.
	AdapterRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "requests_total",
			Help:      "Outbound integration requests by type, activity and status code",
		},
		[]string{"integration_type", "activity", "status_code"},
	)

	// AdapterRequestDuration tracks outbound platform request latency.
	AdapterRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "request_duration_seconds",
			Help:      "Duration of outbound integration requests in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"integration_type"},
	)

	// ConflictsTotal counts detected conflicts by type and resolution status.
	ConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conflict",
			Name:      "detected_total",
			Help:      "Device conflicts detected by conflict type and resolution status",
		},
		[]string{"conflict_type", "resolution_status"},
	)

	// NotificationsTotal counts notification attempts.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "attempts_total",
			Help:      "Notification delivery attempts by channel and result",
		},
		[]string{"channel", "result"},
	)

	// SchedulerEnqueuedTotal counts entries enqueued by the scheduler.
	SchedulerEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "enqueued_total",
			Help:      "Queue entries enqueued by the scheduler by source",
		},
		[]string{"source"},
	)

	// WebhooksTotal counts inbound webhook deliveries.
	WebhooksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "received_total",
			Help:      "Inbound webhook deliveries by integration type and outcome",
		},
		[]string{"integration_type", "outcome"},
	)
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// AdapterObserver records outbound exchanges into the adapter metrics.
// It satisfies adapter.Observer.
type AdapterObserver struct{}

// ObserveExchange records one outbound request.
func (AdapterObserver) ObserveExchange(integrationType, activity string, status int, d time.Duration) {
	AdapterRequestsTotal.WithLabelValues(integrationType, activity, strconv.Itoa(status)).Inc()
	AdapterRequestDuration.WithLabelValues(integrationType).Observe(d.Seconds())
}
