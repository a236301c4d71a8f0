/*
Package storage provides durable state for Perimeter: the sample queue, the
membership table, the event log and the geofence catalogue.

Two backends implement the Store interface:

  - BoltStore: embedded bbolt file (<dataDir>/perimeter.db), JSON values,
    one bucket per record kind plus secondary index buckets
  - PostgresStore: PostgreSQL through the pgx database/sql driver, schema
    embedded from schema.sql and applied with EnsureSchema

# Bucket Layout (bbolt)

	samples       sample id            -> LocationSample
	samples_open  sample id            -> (empty)    unprocessed samples only
	memberships   user\x00code         -> MembershipState
	events        event id             -> GeofenceEvent
	event_keys    user\x00code\x00type\x00bucket -> event id
	events_open   event id             -> (empty)    pending or failed only
	geofences     code                 -> GeofenceDefinition

# Claims

A sample is claimable when it has no processed_at and either no claim or a
claim older than Options.LeaseTimeout. ClaimByID and ClaimBatch stamp
claimed_at and bump attempts atomically, so concurrent callers never both
win. bbolt gets this from its single writer; PostgreSQL from a guarded
UPDATE and FOR UPDATE SKIP LOCKED.

A worker that hits a transient error calls ReleaseSample, which records the
error but keeps the claim. The sample comes back through ClaimBatch once the
lease lapses.

# Membership Compare-And-Set

Tx.CompareAndSetMembership only writes when the stored is_inside equals the
caller's expectation. An absent row reads as outside. The write and the
event insert of a transition share one InTx call, so either both land or
neither does.

# Event Idempotency

Tx.CreateEvent rejects a second event with the same (user, geofence, type,
occurred_at bucket) with *DuplicateEventError carrying the existing id. The
bucket width is Options.EventBucket, one second by default.

# Delivery Status

MarkSent refuses a DispatchResult with no successful recipient
(ErrUnconfirmedDelivery) and any event already sent (ErrDeliveryFinalized).
MarkFailed may be called repeatedly; each call bumps delivery_attempts.

# Migration

BoltStore.Snapshot and PostgresStore.Import move a single-node deployment to
PostgreSQL; see cmd/perimeter-migrate.
*/
package storage
