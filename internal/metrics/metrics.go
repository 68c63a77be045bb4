package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Evaluation metrics
	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkd_evaluations_total",
			Help: "Total number of alert source evaluations",
		},
		[]string{"kind", "status"}, // status: ok, error, timeout
	)

	EvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "checkd_evaluation_duration_seconds",
			Help:    "Alert source evaluation latency in seconds",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"kind"},
	)

	TicksSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "checkd_ticks_skipped_total",
			Help: "Ticks skipped because the previous evaluation of the same alert was still running",
		},
	)

	// State machine metrics
	TriggeredAlerts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "checkd_triggered_alerts",
			Help: "Number of alert identities currently triggered",
		},
	)

	PausedAlerts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "checkd_paused_alerts",
			Help: "Number of alert identities currently paused",
		},
	)

	// Notification metrics
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkd_notifications_total",
			Help: "Total number of notifications decided by the state machine",
		},
		[]string{"reason"}, // reason: triggered, resend, cleared, error
	)

	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkd_deliveries_total",
			Help: "Total number of per-target deliveries",
		},
		[]string{"transport", "status"}, // status: sent, failed
	)

	// Reload metrics
	ReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkd_reloads_total",
			Help: "Total number of definition reloads",
		},
		[]string{"status"},
	)

	LoadedAlerts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "checkd_loaded_alerts",
			Help: "Number of alert definitions in the active snapshot",
		},
	)

	DefinitionErrors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "checkd_definition_errors",
			Help: "Number of files that failed to load in the active snapshot",
		},
	)

	// Event ingestion
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkd_events_total",
			Help: "Total number of ingested events",
		},
		[]string{"source", "matched"}, // source: api, kafka
	)

	// Control API
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkd_http_requests_total",
			Help: "Total number of control API requests",
		},
		[]string{"method", "endpoint", "status"},
	)
)
