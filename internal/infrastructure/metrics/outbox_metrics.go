// Package metrics defines the Prometheus metrics of the outbox processor and
// the agent cluster.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OutboxMetrics contains Prometheus metrics for monitoring outbox performance.
type OutboxMetrics struct {
	EventsPending   prometheus.Gauge
	EventsAborted   prometheus.Gauge
	EventsProcessed *prometheus.CounterVec
	ApplyDuration   *prometheus.HistogramVec
	RetryTotal      *prometheus.CounterVec
	OldestEventAge  prometheus.Gauge
	PollBatchSize   prometheus.Histogram
	MaintenanceOps  *prometheus.CounterVec
}

// NewOutboxMetrics creates and registers outbox metrics with the given registerer.
func NewOutboxMetrics(registerer prometheus.Registerer) *OutboxMetrics {
	metrics := &OutboxMetrics{
		EventsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "searchsync_outbox_events_pending",
			Help: "Current number of pending events in the outbox",
		}),
		EventsAborted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "searchsync_outbox_events_aborted",
			Help: "Current number of aborted events waiting for operator action",
		}),
		EventsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "searchsync_outbox_events_processed_total",
				Help: "Total number of processed events",
			},
			[]string{"entity_name", "status"}, // status: success/failed/aborted
		),
		ApplyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "searchsync_outbox_apply_duration_seconds",
				Help:    "Time to apply an event to the search backend",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"entity_name"},
		),
		RetryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "searchsync_outbox_retry_total",
				Help: "Total number of failed delivery attempts that will be retried",
			},
			[]string{"entity_name"},
		),
		OldestEventAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "searchsync_outbox_oldest_event_age_seconds",
			Help: "Age in seconds of the oldest pending event",
		}),
		PollBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "searchsync_outbox_poll_batch_size",
			Help:    "Number of events retrieved in each poll batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		MaintenanceOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "searchsync_outbox_maintenance_events_total",
				Help: "Events touched by administrative maintenance operations",
			},
			[]string{"operation"}, // operation: reprocess/clear
		),
	}

	// Register all metrics
	registerer.MustRegister(
		metrics.EventsPending,
		metrics.EventsAborted,
		metrics.EventsProcessed,
		metrics.ApplyDuration,
		metrics.RetryTotal,
		metrics.OldestEventAge,
		metrics.PollBatchSize,
		metrics.MaintenanceOps,
	)

	return metrics
}
