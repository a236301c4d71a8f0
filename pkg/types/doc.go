/*
Package types defines the core data structures used throughout Perimeter.

This package contains the domain model shared by every other package: location
samples, geofence definitions, per-(user, geofence) membership state, transition
events with their delivery lifecycle, and the error taxonomy used to classify
failures across ingestion, detection and delivery.

# Core Types

Ingestion:
  - LocationSample: one GPS fix for a tracked user, plus claim bookkeeping
  - SampleSource: push, sweep or synthetic producer

Geofencing:
  - GeofenceDefinition: named circle (center + radius), owned by the admin collaborator
  - MembershipState: last computed inside/outside flag for a pair

Events:
  - GeofenceEvent: one enter/exit transition
  - EventType: enter or exit
  - DeliveryStatus: pending, sent (terminal) or failed (terminal until re-dispatch)
  - DispatchResult: per-recipient fan-out outcome

# Delivery Lifecycle

	pending ──(succeeded >= 1)──▶ sent
	   │
	   └──(succeeded == 0)──▶ failed ──(re-dispatch, succeeded >= 1)──▶ sent

Nothing but a confirmed DispatchResult moves an event to sent.

# Idempotency

At most one GeofenceEvent exists per (user_id, geofence_code, event_type,
occurred_at-bucket). BucketOf computes the bucket; the storage backends enforce it
with a unique index.

# Error Taxonomy

  - ValidationError: malformed coordinates, rejected at ingress
  - NotFoundError: unknown sample, event or geofence; skipped, not retried
  - TransientStoreError: store unavailable; retried through the claim lease
  - ConcurrencyConflict: compare-and-set kept losing; sample deferred to the sweep
  - DeliveryError: one recipient failed; never fatal to event creation
*/
package types
