/*
Package metrics provides Prometheus metrics and component health for Perimeter.

All metrics are registered with the default registry at init and exposed by
Handler on /metrics. Names carry the perimeter_ prefix.

# Metric Families

Ingestion and detection:
  - perimeter_samples_received_total{source}
  - perimeter_samples_rejected_total
  - perimeter_samples_processed_total{outcome}: processed, debounced, skipped, released, conflict
  - perimeter_sample_processing_duration_seconds
  - perimeter_stale_samples_total
  - perimeter_membership_cas_conflicts_total
  - perimeter_transitions_total{event_type}

Scheduling:
  - perimeter_scheduler_queue_depth
  - perimeter_samples_reclaimed_total

Delivery:
  - perimeter_deliveries_total{status}
  - perimeter_recipient_deliveries_total{channel,result}
  - perimeter_recipient_delivery_duration_seconds{channel}
  - perimeter_redispatched_total

Aggregates, refreshed every 15s by Collector from the engine's Stats:
  - perimeter_events_window{event_type}
  - perimeter_users_inside
  - perimeter_pending_deliveries
  - perimeter_failed_deliveries

API:
  - perimeter_api_requests_total{method,status}
  - perimeter_api_request_duration_seconds{route}

# Timing

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SampleProcessingDuration)

NewTimerWithClock accepts a quartz clock so tests can advance time by hand.

# Health

Components report through RegisterComponent / UpdateComponent. /health is
unhealthy when any component is. /ready additionally requires every critical
component (store, scheduler and api by default, see SetCriticalComponents) to
be registered. /live only reports that the process is up.
*/
package metrics
