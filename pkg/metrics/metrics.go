package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingestion metrics
	SamplesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perimeter_samples_received_total",
			Help: "Total number of location samples accepted at ingress by source",
		},
		[]string{"source"},
	)

	SamplesRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "perimeter_samples_rejected_total",
			Help: "Total number of location samples rejected by validation",
		},
	)

	// Processing metrics
	SamplesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perimeter_samples_processed_total",
			Help: "Total number of claimed samples by outcome",
		},
		[]string{"outcome"}, // processed, debounced, skipped, released, conflict
	)

	SampleProcessingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "perimeter_sample_processing_duration_seconds",
			Help:    "Time taken by the transition detector per sample",
			Buckets: prometheus.DefBuckets,
		},
	)

	StaleSamples = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "perimeter_stale_samples_total",
			Help: "Total number of (sample, geofence) evaluations ignored as out of order",
		},
	)

	MembershipConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "perimeter_membership_cas_conflicts_total",
			Help: "Total number of membership compare-and-set attempts that lost",
		},
	)

	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perimeter_transitions_total",
			Help: "Total number of geofence events created by type",
		},
		[]string{"event_type"},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "perimeter_scheduler_queue_depth",
			Help: "Number of sample ids waiting for a worker",
		},
	)

	SamplesReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "perimeter_samples_reclaimed_total",
			Help: "Total number of samples claimed by the sweep",
		},
	)

	SweepCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "perimeter_sweep_cycles_total",
			Help: "Total number of reconciler sweep cycles",
		},
	)

	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "perimeter_sweep_duration_seconds",
			Help:    "Time taken by one reconciler sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Delivery metrics
	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perimeter_deliveries_total",
			Help: "Total number of event dispatches by resulting status",
		},
		[]string{"status"}, // sent, failed
	)

	RecipientDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perimeter_recipient_deliveries_total",
			Help: "Total number of per-recipient delivery attempts by channel and result",
		},
		[]string{"channel", "result"},
	)

	RecipientDeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "perimeter_recipient_delivery_duration_seconds",
			Help:    "Per-recipient delivery latency by channel",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	Redispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "perimeter_redispatched_total",
			Help: "Total number of events re-dispatched by the sweep or manually",
		},
	)

	// Aggregate gauges refreshed by the Collector
	EventsInWindow = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "perimeter_events_window",
			Help: "Number of geofence events in the collector window by type",
		},
		[]string{"event_type"},
	)

	UsersInside = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "perimeter_users_inside",
			Help: "Number of distinct users currently inside at least one geofence",
		},
	)

	PendingDeliveries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "perimeter_pending_deliveries",
			Help: "Number of events waiting for delivery",
		},
	)

	FailedDeliveries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "perimeter_failed_deliveries",
			Help: "Number of events whose last delivery failed",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perimeter_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "perimeter_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(SamplesReceived)
	prometheus.MustRegister(SamplesRejected)
	prometheus.MustRegister(SamplesProcessed)
	prometheus.MustRegister(SampleProcessingDuration)
	prometheus.MustRegister(StaleSamples)
	prometheus.MustRegister(MembershipConflicts)
	prometheus.MustRegister(TransitionsTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(SamplesReclaimed)
	prometheus.MustRegister(SweepCyclesTotal)
	prometheus.MustRegister(SweepDuration)
	prometheus.MustRegister(DeliveriesTotal)
	prometheus.MustRegister(RecipientDeliveries)
	prometheus.MustRegister(RecipientDeliveryDuration)
	prometheus.MustRegister(Redispatched)
	prometheus.MustRegister(EventsInWindow)
	prometheus.MustRegister(UsersInside)
	prometheus.MustRegister(PendingDeliveries)
	prometheus.MustRegister(FailedDeliveries)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
