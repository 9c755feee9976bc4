package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values standing in for caller-supplied strings that are not
// configured, keeping series bounded.
const (
	UnknownSource      = "unknown"
	UnhandledEventType = "unhandled"
)

var (
	// Webhook ingestion metrics
	WebhooksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boxoffice_webhooks_total",
			Help: "Total number of webhook deliveries by source and HTTP status",
		},
		[]string{"source", "status"},
	)

	WebhookBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "boxoffice_webhook_bytes_total",
			Help: "Total bytes of webhook bodies received",
		},
	)

	// Gate metrics
	GateRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boxoffice_gate_rejections_total",
			Help: "Total number of webhook deliveries rejected by the signature and replay gate",
		},
		[]string{"source", "reason"},
	)

	// Rate limiting metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boxoffice_ratelimit_hits_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
		[]string{"policy"},
	)

	RateLimitDegraded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boxoffice_ratelimit_degraded_total",
			Help: "Total number of requests admitted because the counter store was unavailable",
		},
		[]string{"policy"},
	)

	// Dispatcher metrics
	DispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boxoffice_dispatch_outcomes_total",
			Help: "Total number of dispatched events by type and outcome",
		},
		[]string{"event_type", "outcome"},
	)

	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "boxoffice_handler_duration_seconds",
			Help:    "Duration of event handler execution in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event_type"},
	)

	// Inventory metrics
	InventoryDecrements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boxoffice_inventory_decrements_total",
			Help: "Total number of inventory decrement attempts by result",
		},
		[]string{"result"},
	)

	InventoryOversells = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "boxoffice_inventory_oversell_total",
			Help: "Total number of paid sales that could not be fulfilled",
		},
	)

	InventoryMilestones = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boxoffice_inventory_milestones_total",
			Help: "Total number of low-inventory milestone notices emitted",
		},
		[]string{"threshold"},
	)

	// Collaborator metrics
	CollaboratorFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boxoffice_collaborator_failures_total",
			Help: "Total number of failed fire-and-forget collaborator calls",
		},
		[]string{"collaborator"},
	)

	// Dead-letter metrics
	DLQWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boxoffice_dlq_writes_total",
			Help: "Total number of events written to the dead-letter queue",
		},
		[]string{"reason"},
	)
)
