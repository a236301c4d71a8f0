package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/perimeter/pkg/types"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store on PostgreSQL. Claims use FOR UPDATE SKIP
// LOCKED, event idempotency rests on the geofence_events_idempotency unique
// constraint.
type PostgresStore struct {
	db   *sql.DB
	opts Options
}

// NewPostgresStore connects using the pgx database/sql driver
func NewPostgresStore(ctx context.Context, dsn string, opts Options) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	s := &PostgresStore{db: db, opts: opts.withDefaults()}
	if err := s.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	return s, nil
}

// EnsureSchema creates tables and indexes that do not exist yet
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) now() time.Time {
	return s.opts.Clock.Now().UTC()
}

// withTx runs fn in a transaction, committing only if fn succeeds
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Sample operations

const sampleColumns = `id, user_id, latitude, longitude, accuracy_m, battery_pct, velocity,
observed_at, source, received_at, claimed_at, processed_at, attempts, last_error`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSample(row rowScanner) (*types.LocationSample, error) {
	var sample types.LocationSample
	err := row.Scan(
		&sample.ID,
		&sample.UserID,
		&sample.Latitude,
		&sample.Longitude,
		&sample.AccuracyM,
		&sample.BatteryPct,
		&sample.Velocity,
		&sample.ObservedAt,
		&sample.Source,
		&sample.ReceivedAt,
		&sample.ClaimedAt,
		&sample.ProcessedAt,
		&sample.Attempts,
		&sample.LastError,
	)
	if err != nil {
		return nil, err
	}
	return &sample, nil
}

func (s *PostgresStore) InsertSample(ctx context.Context, sample *types.LocationSample) (bool, error) {
	if sample.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return false, fmt.Errorf("failed to generate sample id: %w", err)
		}
		sample.ID = id.String()
	}
	sample.ReceivedAt = s.now()
	sample.ClaimedAt = nil
	sample.ProcessedAt = nil

	const q = `
INSERT INTO location_samples (id, user_id, latitude, longitude, accuracy_m, battery_pct, velocity,
    observed_at, source, received_at, attempts)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0)
ON CONFLICT (id) DO NOTHING;
`
	res, err := s.db.ExecContext(ctx, q,
		sample.ID, sample.UserID, sample.Latitude, sample.Longitude, sample.AccuracyM,
		sample.BatteryPct, sample.Velocity, sample.ObservedAt.UTC(), string(sample.Source), sample.ReceivedAt)
	if err != nil {
		return false, err
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return ra == 1, nil
}

func (s *PostgresStore) GetSample(ctx context.Context, id string) (*types.LocationSample, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sampleColumns+` FROM location_samples WHERE id = $1`, id)
	sample, err := scanSample(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sample %s: %w", id, ErrNotFound)
	}
	return sample, err
}

func (s *PostgresStore) ClaimBatch(ctx context.Context, limit int) ([]*types.LocationSample, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.now()

	q := `
UPDATE location_samples
SET claimed_at = $1,
    attempts = attempts + 1
WHERE id IN (
    SELECT id FROM location_samples
    WHERE processed_at IS NULL
      AND (claimed_at IS NULL OR claimed_at < $2)
    ORDER BY id
    FOR UPDATE SKIP LOCKED
    LIMIT $3
)
RETURNING ` + sampleColumns
	rows, err := s.db.QueryContext(ctx, q, now, now.Add(-s.opts.LeaseTimeout), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claimed []*types.LocationSample
	for rows.Next() {
		sample, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, sample)
	}
	return claimed, rows.Err()
}

func (s *PostgresStore) ClaimByID(ctx context.Context, id string) (*types.LocationSample, error) {
	now := s.now()

	q := `
UPDATE location_samples
SET claimed_at = $2,
    attempts = attempts + 1
WHERE id = $1
  AND processed_at IS NULL
  AND (claimed_at IS NULL OR claimed_at < $3)
RETURNING ` + sampleColumns
	sample, err := scanSample(s.db.QueryRowContext(ctx, q, id, now, now.Add(-s.opts.LeaseTimeout)))
	if err == nil {
		return sample, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	// Either someone else holds it or it does not exist
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM location_samples WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("sample %s: %w", id, ErrNotFound)
	}
	return nil, ErrAlreadyClaimed
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, id string, cause string) error {
	const q = `
UPDATE location_samples
SET processed_at = $2,
    last_error = $3
WHERE id = $1;
`
	return s.execOne(ctx, "sample", id, q, id, s.now(), cause)
}

func (s *PostgresStore) ReleaseSample(ctx context.Context, id string, cause string) error {
	return s.execOne(ctx, "sample", id, `UPDATE location_samples SET last_error = $2 WHERE id = $1`, id, cause)
}

// execOne runs an update that must touch exactly one row
func (s *PostgresStore) execOne(ctx context.Context, kind, id, q string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if ra == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

// Membership operations

const membershipColumns = `user_id, geofence_code, is_inside, last_enter_event_id, last_exit_event_id,
last_enter_at, last_exit_at, last_sample_at, updated_at`

func scanMembership(row rowScanner) (*types.MembershipState, error) {
	var (
		state        types.MembershipState
		lastSampleAt sql.NullTime
	)
	err := row.Scan(
		&state.UserID,
		&state.GeofenceCode,
		&state.IsInside,
		&state.LastEnterEventID,
		&state.LastExitEventID,
		&state.LastEnterAt,
		&state.LastExitAt,
		&lastSampleAt,
		&state.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastSampleAt.Valid {
		state.LastSampleAt = lastSampleAt.Time
	}
	return &state, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func queryMembership(ctx context.Context, q querier, userID, geofenceCode string, forUpdate bool) (*types.MembershipState, error) {
	query := `SELECT ` + membershipColumns + ` FROM geofence_memberships WHERE user_id = $1 AND geofence_code = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	state, err := scanMembership(q.QueryRowContext(ctx, query, userID, geofenceCode))
	if errors.Is(err, sql.ErrNoRows) {
		return outsideDefault(userID, geofenceCode), nil
	}
	return state, err
}

func (s *PostgresStore) GetMembership(ctx context.Context, userID, geofenceCode string) (*types.MembershipState, error) {
	return queryMembership(ctx, s.db, userID, geofenceCode, false)
}

func (s *PostgresStore) ListMemberships(ctx context.Context, userID string) ([]*types.MembershipState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+membershipColumns+` FROM geofence_memberships WHERE user_id = $1 ORDER BY geofence_code`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*types.MembershipState
	for rows.Next() {
		state, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

func (s *PostgresStore) TouchMembership(ctx context.Context, userID, geofenceCode string, sampleAt time.Time) error {
	const q = `
INSERT INTO geofence_memberships (user_id, geofence_code, is_inside, last_sample_at, updated_at)
VALUES ($1, $2, FALSE, $3, $4)
ON CONFLICT (user_id, geofence_code) DO UPDATE
SET last_sample_at = GREATEST(geofence_memberships.last_sample_at, EXCLUDED.last_sample_at),
    updated_at = EXCLUDED.updated_at;
`
	_, err := s.db.ExecContext(ctx, q, userID, geofenceCode, sampleAt.UTC(), s.now())
	return err
}

func (s *PostgresStore) CountUsersInside(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT user_id) FROM geofence_memberships WHERE is_inside`).Scan(&n)
	return n, err
}

func upsertMembership(ctx context.Context, tx *sql.Tx, state *types.MembershipState) error {
	const q = `
INSERT INTO geofence_memberships (user_id, geofence_code, is_inside, last_enter_event_id, last_exit_event_id,
    last_enter_at, last_exit_at, last_sample_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (user_id, geofence_code) DO UPDATE
SET is_inside = EXCLUDED.is_inside,
    last_enter_event_id = EXCLUDED.last_enter_event_id,
    last_exit_event_id = EXCLUDED.last_exit_event_id,
    last_enter_at = EXCLUDED.last_enter_at,
    last_exit_at = EXCLUDED.last_exit_at,
    last_sample_at = EXCLUDED.last_sample_at,
    updated_at = EXCLUDED.updated_at;
`
	var lastSampleAt sql.NullTime
	if !state.LastSampleAt.IsZero() {
		lastSampleAt = sql.NullTime{Time: state.LastSampleAt, Valid: true}
	}
	_, err := tx.ExecContext(ctx, q,
		state.UserID, state.GeofenceCode, state.IsInside, state.LastEnterEventID, state.LastExitEventID,
		state.LastEnterAt, state.LastExitAt, lastSampleAt, state.UpdatedAt)
	return err
}

// Transactions

type pgTx struct {
	ctx   context.Context
	tx    *sql.Tx
	store *PostgresStore
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return fn(&pgTx{ctx: ctx, tx: tx, store: s})
	})
}

func (t *pgTx) GetMembership(userID, geofenceCode string) (*types.MembershipState, error) {
	return queryMembership(t.ctx, t.tx, userID, geofenceCode, false)
}

func (t *pgTx) CompareAndSetMembership(userID, geofenceCode string, expectedInside, newInside bool, eventID string, sampleAt time.Time) (bool, error) {
	// Materialize the outside default so FOR UPDATE has a row to lock
	const seed = `
INSERT INTO geofence_memberships (user_id, geofence_code, is_inside, updated_at)
VALUES ($1, $2, FALSE, $3)
ON CONFLICT (user_id, geofence_code) DO NOTHING;
`
	now := t.store.now()
	if _, err := t.tx.ExecContext(t.ctx, seed, userID, geofenceCode, now); err != nil {
		return false, err
	}

	state, err := queryMembership(t.ctx, t.tx, userID, geofenceCode, true)
	if err != nil {
		return false, err
	}
	if state.IsInside != expectedInside {
		return false, nil
	}

	applyTransition(state, expectedInside, newInside, eventID, sampleAt.UTC())
	state.UpdatedAt = now
	if err := upsertMembership(t.ctx, t.tx, state); err != nil {
		return false, err
	}
	return true, nil
}

func (t *pgTx) CreateEvent(event *types.GeofenceEvent) error {
	bucket := event.OccurredBucket(t.store.opts.EventBucket)
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	event.OccurredAt = event.OccurredAt.UTC()
	event.CreatedAt = t.store.now()
	event.DeliveryStatus = types.DeliveryStatusPending
	event.DeliveryError = ""
	event.DeliveryAttemptedAt = nil
	event.DeliveryAttempts = 0

	const q = `
INSERT INTO geofence_events (id, user_id, geofence_code, geofence_name, event_type, occurred_at, occurred_bucket,
    sample_id, latitude, longitude, distance_m, accuracy_m, battery_pct, created_at, delivery_status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 'pending')
ON CONFLICT ON CONSTRAINT geofence_events_idempotency DO NOTHING
RETURNING id;
`
	var id string
	err := t.tx.QueryRowContext(t.ctx, q,
		event.ID, event.UserID, event.GeofenceCode, event.GeofenceName, string(event.EventType),
		event.OccurredAt, bucket, event.SampleID, event.Latitude, event.Longitude,
		event.DistanceM, event.AccuracyM, event.BatteryPct, event.CreatedAt,
	).Scan(&id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	var existing string
	err = t.tx.QueryRowContext(t.ctx, `
SELECT id FROM geofence_events
WHERE user_id = $1 AND geofence_code = $2 AND event_type = $3 AND occurred_bucket = $4`,
		event.UserID, event.GeofenceCode, string(event.EventType), bucket).Scan(&existing)
	if err != nil {
		return fmt.Errorf("failed to resolve duplicate event: %w", err)
	}
	return &DuplicateEventError{ExistingID: existing}
}

// Event log operations

const eventColumns = `id, user_id, geofence_code, geofence_name, event_type, occurred_at, sample_id,
latitude, longitude, distance_m, accuracy_m, battery_pct, created_at,
delivery_status, delivery_error, delivery_attempted_at, delivery_attempts`

func scanEvent(row rowScanner) (*types.GeofenceEvent, error) {
	var event types.GeofenceEvent
	err := row.Scan(
		&event.ID,
		&event.UserID,
		&event.GeofenceCode,
		&event.GeofenceName,
		&event.EventType,
		&event.OccurredAt,
		&event.SampleID,
		&event.Latitude,
		&event.Longitude,
		&event.DistanceM,
		&event.AccuracyM,
		&event.BatteryPct,
		&event.CreatedAt,
		&event.DeliveryStatus,
		&event.DeliveryError,
		&event.DeliveryAttemptedAt,
		&event.DeliveryAttempts,
	)
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (s *PostgresStore) queryEvents(ctx context.Context, q string, args ...interface{}) ([]*types.GeofenceEvent, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*types.GeofenceEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*types.GeofenceEvent, error) {
	event, err := scanEvent(s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM geofence_events WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	return event, err
}

func (s *PostgresStore) ListEvents(ctx context.Context, filter types.EventFilter) ([]*types.GeofenceEvent, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.GeofenceCode != "" {
		add("geofence_code = $%d", filter.GeofenceCode)
	}
	if filter.Status != "" {
		add("delivery_status = $%d", string(filter.Status))
	}
	if !filter.Since.IsZero() {
		add("occurred_at >= $%d", filter.Since.UTC())
	}

	q := `SELECT ` + eventColumns + ` FROM geofence_events`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY occurred_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	return s.queryEvents(ctx, q, args...)
}

func (s *PostgresStore) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*types.GeofenceEvent, error) {
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM geofence_events
WHERE delivery_status = 'pending' AND created_at < $1
ORDER BY created_at, id
LIMIT $2`, olderThan.UTC(), limitOrAll(limit))
}

func (s *PostgresStore) ListFailed(ctx context.Context, olderThan time.Time, limit int) ([]*types.GeofenceEvent, error) {
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM geofence_events
WHERE delivery_status = 'failed' AND (delivery_attempted_at IS NULL OR delivery_attempted_at < $1)
ORDER BY created_at, id
LIMIT $2`, olderThan.UTC(), limitOrAll(limit))
}

func limitOrAll(limit int) interface{} {
	if limit <= 0 {
		return nil // LIMIT NULL means no limit
	}
	return limit
}

// updateDelivery locks the event row and refuses to touch a sent one
func (s *PostgresStore) updateDelivery(ctx context.Context, id string, status types.DeliveryStatus, cause string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT delivery_status FROM geofence_events WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("event %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if types.DeliveryStatus(current) == types.DeliveryStatusSent {
			return ErrDeliveryFinalized
		}

		_, err = tx.ExecContext(ctx, `
UPDATE geofence_events
SET delivery_status = $2,
    delivery_error = $3,
    delivery_attempted_at = $4,
    delivery_attempts = delivery_attempts + 1
WHERE id = $1`, id, string(status), cause, s.now())
		return err
	})
}

func (s *PostgresStore) MarkSent(ctx context.Context, id string, result *types.DispatchResult) error {
	if !result.Delivered() {
		return ErrUnconfirmedDelivery
	}
	return s.updateDelivery(ctx, id, types.DeliveryStatusSent, "")
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id string, cause error) error {
	return s.updateDelivery(ctx, id, types.DeliveryStatusFailed, deliveryCause(cause))
}

func (s *PostgresStore) CountEvents(ctx context.Context, since time.Time) (types.EventCounts, error) {
	var counts types.EventCounts
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*),
       COUNT(*) FILTER (WHERE event_type = 'enter'),
       COUNT(*) FILTER (WHERE event_type = 'exit')
FROM geofence_events
WHERE occurred_at >= $1`, since.UTC()).Scan(&counts.Total, &counts.Enter, &counts.Exit)
	return counts, err
}

func (s *PostgresStore) CountDeliveries(ctx context.Context) (types.DeliveryCounts, error) {
	var counts types.DeliveryCounts
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FILTER (WHERE delivery_status = 'pending'),
       COUNT(*) FILTER (WHERE delivery_status = 'failed')
FROM geofence_events
WHERE delivery_status <> 'sent'`).Scan(&counts.Pending, &counts.Failed)
	return counts, err
}

// Geofence operations

func (s *PostgresStore) PutGeofence(ctx context.Context, fence *types.GeofenceDefinition) error {
	const q = `
INSERT INTO geofences (code, name, center_lat, center_lon, radius_m, active)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (code) DO UPDATE
SET name = EXCLUDED.name,
    center_lat = EXCLUDED.center_lat,
    center_lon = EXCLUDED.center_lon,
    radius_m = EXCLUDED.radius_m,
    active = EXCLUDED.active;
`
	_, err := s.db.ExecContext(ctx, q, fence.Code, fence.Name, fence.CenterLat, fence.CenterLon, fence.RadiusM, fence.Active)
	return err
}

func (s *PostgresStore) DeleteGeofence(ctx context.Context, code string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM geofences WHERE code = $1`, code)
	return err
}

func (s *PostgresStore) ListGeofences(ctx context.Context) ([]*types.GeofenceDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT code, name, center_lat, center_lon, radius_m, active FROM geofences ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fences []*types.GeofenceDefinition
	for rows.Next() {
		var fence types.GeofenceDefinition
		if err := rows.Scan(&fence.Code, &fence.Name, &fence.CenterLat, &fence.CenterLon, &fence.RadiusM, &fence.Active); err != nil {
			return nil, err
		}
		fences = append(fences, &fence)
	}
	return fences, rows.Err()
}

// Import writes a snapshot in one transaction. Rows already present keep their
// values except memberships, which take the snapshot's flag, so a failed
// import can be re-run.
func (s *PostgresStore) Import(ctx context.Context, snap *Snapshot) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, sample := range snap.Samples {
			_, err := tx.ExecContext(ctx, `
INSERT INTO location_samples (`+sampleColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (id) DO NOTHING`,
				sample.ID, sample.UserID, sample.Latitude, sample.Longitude, sample.AccuracyM,
				sample.BatteryPct, sample.Velocity, sample.ObservedAt, string(sample.Source),
				sample.ReceivedAt, sample.ClaimedAt, sample.ProcessedAt, sample.Attempts, sample.LastError)
			if err != nil {
				return fmt.Errorf("failed to import sample %s: %w", sample.ID, err)
			}
		}

		for _, state := range snap.Memberships {
			if err := upsertMembership(ctx, tx, state); err != nil {
				return fmt.Errorf("failed to import membership %s/%s: %w", state.UserID, state.GeofenceCode, err)
			}
		}

		for _, event := range snap.Events {
			_, err := tx.ExecContext(ctx, `
INSERT INTO geofence_events (`+eventColumns+`, occurred_bucket)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
ON CONFLICT DO NOTHING`,
				event.ID, event.UserID, event.GeofenceCode, event.GeofenceName, string(event.EventType),
				event.OccurredAt, event.SampleID, event.Latitude, event.Longitude, event.DistanceM,
				event.AccuracyM, event.BatteryPct, event.CreatedAt, string(event.DeliveryStatus),
				event.DeliveryError, event.DeliveryAttemptedAt, event.DeliveryAttempts,
				event.OccurredBucket(s.opts.EventBucket))
			if err != nil {
				return fmt.Errorf("failed to import event %s: %w", event.ID, err)
			}
		}

		for _, fence := range snap.Geofences {
			_, err := tx.ExecContext(ctx, `
INSERT INTO geofences (code, name, center_lat, center_lon, radius_m, active)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (code) DO NOTHING`,
				fence.Code, fence.Name, fence.CenterLat, fence.CenterLon, fence.RadiusM, fence.Active)
			if err != nil {
				return fmt.Errorf("failed to import geofence %s: %w", fence.Code, err)
			}
		}
		return nil
	})
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)
