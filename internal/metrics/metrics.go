package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Collection metrics
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vectra_connector_cycles_total",
			Help: "Total number of collection cycles by outcome",
		},
		[]string{"stream", "outcome"},
	)

	PagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vectra_connector_pages_fetched_total",
			Help: "Total number of event pages fetched from the Vectra API",
		},
		[]string{"stream"},
	)

	EventsCollected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vectra_connector_events_collected_total",
			Help: "Total number of events collected from the Vectra API",
		},
		[]string{"stream"},
	)

	CycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vectra_connector_cycle_duration_seconds",
			Help:    "Duration of collection cycles in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stream"},
	)

	Checkpoint = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vectra_connector_checkpoint",
			Help: "Last checkpoint written per stream",
		},
		[]string{"stream"},
	)

	// API metrics
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vectra_connector_api_requests_total",
			Help: "Total number of Vectra API requests by status class",
		},
		[]string{"endpoint", "status"},
	)

	TokenRenewals = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vectra_connector_token_renewals_total",
			Help: "Total number of access token renewals after a 401",
		},
	)

	// Delivery metrics
	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vectra_connector_events_delivered_total",
			Help: "Total number of events written to syslog destinations",
		},
		[]string{"destination"},
	)

	EventsMalformed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vectra_connector_events_malformed_total",
			Help: "Total number of events skipped because they could not be encoded",
		},
		[]string{"destination"},
	)

	DeliveryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vectra_connector_delivery_errors_total",
			Help: "Total number of failed batch delivery attempts",
		},
		[]string{"destination"},
	)

	DeliveriesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vectra_connector_deliveries_skipped_total",
			Help: "Total number of batches not sent because the destination was unreachable at startup",
		},
		[]string{"destination"},
	)

	DLQWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vectra_connector_dlq_writes_total",
			Help: "Total number of batches written to the dead letter queue",
		},
		[]string{"destination"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vectra_connector_queue_depth",
			Help: "Batches waiting for delivery per destination",
		},
		[]string{"destination"},
	)

	QueueOverflows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vectra_connector_queue_overflows_total",
			Help: "Total number of batches not queued because the destination queue was full",
		},
		[]string{"destination"},
	)

	// Resource metrics
	DiskUsagePercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vectra_connector_disk_usage_percent",
			Help: "Last sampled filesystem usage in percent",
		},
	)

	DestinationReachable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vectra_connector_destination_reachable",
			Help: "Startup probe result per destination (1 reachable, 0 unreachable)",
		},
		[]string{"destination", "protocol"},
	)
)
