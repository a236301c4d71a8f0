package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/cuemby/perimeter/pkg/types"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketSamples     = []byte("samples")
	bucketSamplesOpen = []byte("samples_open") // ids of samples without a terminal outcome
	bucketMemberships = []byte("memberships")
	bucketEvents      = []byte("events")
	bucketEventKeys   = []byte("event_keys")  // idempotency key -> event id
	bucketEventsOpen  = []byte("events_open") // ids of pending or failed events
	bucketGeofences   = []byte("geofences")
)

// DBFileName is the bbolt file created inside the data directory
const DBFileName = "perimeter.db"

// BoltStore implements Store using BoltDB. bbolt serializes writers, so every
// Update is atomic with respect to every other claim, CAS and insert.
type BoltStore struct {
	db   *bolt.DB
	opts Options
}

// NewBoltStore opens (or creates) <dataDir>/perimeter.db
func NewBoltStore(dataDir string, opts Options) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, DBFileName)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketSamples,
			bucketSamplesOpen,
			bucketMemberships,
			bucketEvents,
			bucketEventKeys,
			bucketEventsOpen,
			bucketGeofences,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, opts: opts.withDefaults()}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database file is still open
func (s *BoltStore) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketSamples) == nil {
			return fmt.Errorf("bucket %s missing", bucketSamples)
		}
		return nil
	})
}

func (s *BoltStore) now() time.Time {
	return s.opts.Clock.Now().UTC()
}

func putJSON(b *bolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func membershipKey(userID, geofenceCode string) []byte {
	return []byte(userID + "\x00" + geofenceCode)
}

func eventKey(userID, geofenceCode string, eventType types.EventType, bucket int64) []byte {
	return []byte(userID + "\x00" + geofenceCode + "\x00" + string(eventType) + "\x00" + strconv.FormatInt(bucket, 10))
}

// Sample operations

func (s *BoltStore) InsertSample(ctx context.Context, sample *types.LocationSample) (bool, error) {
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

	created := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSamples)
		if b.Get([]byte(sample.ID)) != nil {
			return nil
		}
		if err := putJSON(b, []byte(sample.ID), sample); err != nil {
			return err
		}
		created = true
		return tx.Bucket(bucketSamplesOpen).Put([]byte(sample.ID), nil)
	})
	return created, err
}

func (s *BoltStore) GetSample(ctx context.Context, id string) (*types.LocationSample, error) {
	var sample types.LocationSample
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSamples).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("sample %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &sample)
	})
	if err != nil {
		return nil, err
	}
	return &sample, nil
}

func (s *BoltStore) claimable(sample *types.LocationSample, now time.Time) bool {
	if sample.ProcessedAt != nil {
		return false
	}
	return sample.ClaimedAt == nil || now.Sub(*sample.ClaimedAt) > s.opts.LeaseTimeout
}

func (s *BoltStore) ClaimBatch(ctx context.Context, limit int) ([]*types.LocationSample, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.now()

	var claimed []*types.LocationSample
	err := s.db.Update(func(tx *bolt.Tx) error {
		samples := tx.Bucket(bucketSamples)
		c := tx.Bucket(bucketSamplesOpen).Cursor()

		for k, _ := c.First(); k != nil && len(claimed) < limit; k, _ = c.Next() {
			data := samples.Get(k)
			if data == nil {
				continue
			}
			var sample types.LocationSample
			if err := json.Unmarshal(data, &sample); err != nil {
				return err
			}
			if !s.claimable(&sample, now) {
				continue
			}

			claimedAt := now
			sample.ClaimedAt = &claimedAt
			sample.Attempts++
			if err := putJSON(samples, k, &sample); err != nil {
				return err
			}
			claimed = append(claimed, &sample)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *BoltStore) ClaimByID(ctx context.Context, id string) (*types.LocationSample, error) {
	now := s.now()

	var sample types.LocationSample
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSamples)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("sample %s: %w", id, ErrNotFound)
		}
		if err := json.Unmarshal(data, &sample); err != nil {
			return err
		}
		if !s.claimable(&sample, now) {
			return ErrAlreadyClaimed
		}

		claimedAt := now
		sample.ClaimedAt = &claimedAt
		sample.Attempts++
		return putJSON(b, []byte(id), &sample)
	})
	if err != nil {
		return nil, err
	}
	return &sample, nil
}

func (s *BoltStore) MarkProcessed(ctx context.Context, id string, cause string) error {
	now := s.now()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSamples)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("sample %s: %w", id, ErrNotFound)
		}
		var sample types.LocationSample
		if err := json.Unmarshal(data, &sample); err != nil {
			return err
		}
		sample.ProcessedAt = &now
		sample.LastError = cause
		if err := putJSON(b, []byte(id), &sample); err != nil {
			return err
		}
		return tx.Bucket(bucketSamplesOpen).Delete([]byte(id))
	})
}

func (s *BoltStore) ReleaseSample(ctx context.Context, id string, cause string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSamples)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("sample %s: %w", id, ErrNotFound)
		}
		var sample types.LocationSample
		if err := json.Unmarshal(data, &sample); err != nil {
			return err
		}
		sample.LastError = cause
		return putJSON(b, []byte(id), &sample)
	})
}

// Membership operations

func getMembership(tx *bolt.Tx, userID, geofenceCode string) (*types.MembershipState, error) {
	data := tx.Bucket(bucketMemberships).Get(membershipKey(userID, geofenceCode))
	if data == nil {
		return outsideDefault(userID, geofenceCode), nil
	}
	var state types.MembershipState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *BoltStore) GetMembership(ctx context.Context, userID, geofenceCode string) (*types.MembershipState, error) {
	var state *types.MembershipState
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		state, err = getMembership(tx, userID, geofenceCode)
		return err
	})
	return state, err
}

func (s *BoltStore) ListMemberships(ctx context.Context, userID string) ([]*types.MembershipState, error) {
	prefix := []byte(userID + "\x00")

	var states []*types.MembershipState
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMemberships).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var state types.MembershipState
			if err := json.Unmarshal(v, &state); err != nil {
				return err
			}
			states = append(states, &state)
		}
		return nil
	})
	return states, err
}

func (s *BoltStore) TouchMembership(ctx context.Context, userID, geofenceCode string, sampleAt time.Time) error {
	now := s.now()
	return s.db.Update(func(tx *bolt.Tx) error {
		state, err := getMembership(tx, userID, geofenceCode)
		if err != nil {
			return err
		}
		if sampleAt.After(state.LastSampleAt) {
			state.LastSampleAt = sampleAt.UTC()
		}
		state.UpdatedAt = now
		return putJSON(tx.Bucket(bucketMemberships), membershipKey(userID, geofenceCode), state)
	})
}

func (s *BoltStore) CountUsersInside(ctx context.Context) (int, error) {
	users := make(map[string]struct{})
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMemberships).ForEach(func(k, v []byte) error {
			var state types.MembershipState
			if err := json.Unmarshal(v, &state); err != nil {
				return err
			}
			if state.IsInside {
				users[state.UserID] = struct{}{}
			}
			return nil
		})
	})
	return len(users), err
}

// Transactions

// boltTx adapts a bbolt read-write transaction to Tx
type boltTx struct {
	tx    *bolt.Tx
	store *BoltStore
}

func (s *BoltStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx, store: s})
	})
}

func (t *boltTx) GetMembership(userID, geofenceCode string) (*types.MembershipState, error) {
	return getMembership(t.tx, userID, geofenceCode)
}

func (t *boltTx) CompareAndSetMembership(userID, geofenceCode string, expectedInside, newInside bool, eventID string, sampleAt time.Time) (bool, error) {
	state, err := getMembership(t.tx, userID, geofenceCode)
	if err != nil {
		return false, err
	}
	if state.IsInside != expectedInside {
		return false, nil
	}

	applyTransition(state, expectedInside, newInside, eventID, sampleAt.UTC())
	state.UpdatedAt = t.store.now()

	if err := putJSON(t.tx.Bucket(bucketMemberships), membershipKey(userID, geofenceCode), state); err != nil {
		return false, err
	}
	return true, nil
}

func applyTransition(state *types.MembershipState, expectedInside, newInside bool, eventID string, sampleAt time.Time) {
	state.IsInside = newInside
	if expectedInside != newInside {
		at := sampleAt
		if newInside {
			state.LastEnterEventID = eventID
			state.LastEnterAt = &at
		} else {
			state.LastExitEventID = eventID
			state.LastExitAt = &at
		}
	}
	if sampleAt.After(state.LastSampleAt) {
		state.LastSampleAt = sampleAt
	}
}

func (t *boltTx) CreateEvent(event *types.GeofenceEvent) error {
	key := eventKey(event.UserID, event.GeofenceCode, event.EventType, event.OccurredBucket(t.store.opts.EventBucket))

	keys := t.tx.Bucket(bucketEventKeys)
	if existing := keys.Get(key); existing != nil {
		return &DuplicateEventError{ExistingID: string(existing)}
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	event.OccurredAt = event.OccurredAt.UTC()
	event.CreatedAt = t.store.now()
	event.DeliveryStatus = types.DeliveryStatusPending
	event.DeliveryError = ""
	event.DeliveryAttemptedAt = nil
	event.DeliveryAttempts = 0

	if err := putJSON(t.tx.Bucket(bucketEvents), []byte(event.ID), event); err != nil {
		return err
	}
	if err := keys.Put(key, []byte(event.ID)); err != nil {
		return err
	}
	return t.tx.Bucket(bucketEventsOpen).Put([]byte(event.ID), nil)
}

// Event log operations

func (s *BoltStore) GetEvent(ctx context.Context, id string) (*types.GeofenceEvent, error) {
	var event types.GeofenceEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEvents).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("event %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &event)
	})
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (s *BoltStore) ListEvents(ctx context.Context, filter types.EventFilter) ([]*types.GeofenceEvent, error) {
	var events []*types.GeofenceEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).ForEach(func(k, v []byte) error {
			var event types.GeofenceEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			if matchesFilter(&event, filter) {
				events = append(events, &event)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(events, func(i, j int) bool {
		if !events[i].OccurredAt.Equal(events[j].OccurredAt) {
			return events[i].OccurredAt.After(events[j].OccurredAt)
		}
		return events[i].ID > events[j].ID
	})
	if filter.Limit > 0 && len(events) > filter.Limit {
		events = events[:filter.Limit]
	}
	return events, nil
}

func matchesFilter(event *types.GeofenceEvent, filter types.EventFilter) bool {
	if filter.UserID != "" && event.UserID != filter.UserID {
		return false
	}
	if filter.GeofenceCode != "" && event.GeofenceCode != filter.GeofenceCode {
		return false
	}
	if filter.Status != "" && event.DeliveryStatus != filter.Status {
		return false
	}
	if !filter.Since.IsZero() && event.OccurredAt.Before(filter.Since) {
		return false
	}
	return true
}

// listOpen scans undelivered events, oldest id first
func (s *BoltStore) listOpen(limit int, keep func(*types.GeofenceEvent) bool) ([]*types.GeofenceEvent, error) {
	var events []*types.GeofenceEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		all := tx.Bucket(bucketEvents)
		c := tx.Bucket(bucketEventsOpen).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if limit > 0 && len(events) >= limit {
				return nil
			}
			data := all.Get(k)
			if data == nil {
				continue
			}
			var event types.GeofenceEvent
			if err := json.Unmarshal(data, &event); err != nil {
				return err
			}
			if keep(&event) {
				events = append(events, &event)
			}
		}
		return nil
	})
	return events, err
}

func (s *BoltStore) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*types.GeofenceEvent, error) {
	return s.listOpen(limit, func(e *types.GeofenceEvent) bool {
		return e.DeliveryStatus == types.DeliveryStatusPending && e.CreatedAt.Before(olderThan)
	})
}

func (s *BoltStore) ListFailed(ctx context.Context, olderThan time.Time, limit int) ([]*types.GeofenceEvent, error) {
	return s.listOpen(limit, func(e *types.GeofenceEvent) bool {
		return e.DeliveryStatus == types.DeliveryStatusFailed &&
			(e.DeliveryAttemptedAt == nil || e.DeliveryAttemptedAt.Before(olderThan))
	})
}

// updateDelivery loads an event, refuses to touch a sent one, and stores fn's changes
func (s *BoltStore) updateDelivery(id string, fn func(*types.GeofenceEvent)) error {
	now := s.now()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("event %s: %w", id, ErrNotFound)
		}
		var event types.GeofenceEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return err
		}
		if event.DeliveryStatus == types.DeliveryStatusSent {
			return ErrDeliveryFinalized
		}

		fn(&event)
		event.DeliveryAttemptedAt = &now
		event.DeliveryAttempts++
		if err := putJSON(b, []byte(id), &event); err != nil {
			return err
		}
		if event.DeliveryStatus == types.DeliveryStatusSent {
			return tx.Bucket(bucketEventsOpen).Delete([]byte(id))
		}
		return nil
	})
}

func (s *BoltStore) MarkSent(ctx context.Context, id string, result *types.DispatchResult) error {
	if !result.Delivered() {
		return ErrUnconfirmedDelivery
	}
	return s.updateDelivery(id, func(e *types.GeofenceEvent) {
		e.DeliveryStatus = types.DeliveryStatusSent
		e.DeliveryError = ""
	})
}

func (s *BoltStore) MarkFailed(ctx context.Context, id string, cause error) error {
	return s.updateDelivery(id, func(e *types.GeofenceEvent) {
		e.DeliveryStatus = types.DeliveryStatusFailed
		e.DeliveryError = deliveryCause(cause)
	})
}

func (s *BoltStore) CountEvents(ctx context.Context, since time.Time) (types.EventCounts, error) {
	var counts types.EventCounts
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).ForEach(func(k, v []byte) error {
			var event types.GeofenceEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			if event.OccurredAt.Before(since) {
				return nil
			}
			counts.Total++
			switch event.EventType {
			case types.EventTypeEnter:
				counts.Enter++
			case types.EventTypeExit:
				counts.Exit++
			}
			return nil
		})
	})
	return counts, err
}

func (s *BoltStore) CountDeliveries(ctx context.Context) (types.DeliveryCounts, error) {
	var counts types.DeliveryCounts
	events, err := s.listOpen(0, func(*types.GeofenceEvent) bool { return true })
	if err != nil {
		return counts, err
	}
	for _, event := range events {
		switch event.DeliveryStatus {
		case types.DeliveryStatusPending:
			counts.Pending++
		case types.DeliveryStatusFailed:
			counts.Failed++
		}
	}
	return counts, nil
}

// Geofence operations

func (s *BoltStore) PutGeofence(ctx context.Context, fence *types.GeofenceDefinition) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketGeofences), []byte(fence.Code), fence)
	})
}

func (s *BoltStore) DeleteGeofence(ctx context.Context, code string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGeofences).Delete([]byte(code))
	})
}

func (s *BoltStore) ListGeofences(ctx context.Context) ([]*types.GeofenceDefinition, error) {
	var fences []*types.GeofenceDefinition
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGeofences).ForEach(func(k, v []byte) error {
			var fence types.GeofenceDefinition
			if err := json.Unmarshal(v, &fence); err != nil {
				return err
			}
			fences = append(fences, &fence)
			return nil
		})
	})
	return fences, err
}

// Compile-time interface check
var _ Store = (*BoltStore)(nil)

// Snapshot copies every record out of the database in one read transaction
func (s *BoltStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketSamples).ForEach(func(k, v []byte) error {
			var sample types.LocationSample
			if err := json.Unmarshal(v, &sample); err != nil {
				return fmt.Errorf("failed to decode sample %s: %w", k, err)
			}
			snap.Samples = append(snap.Samples, &sample)
			return nil
		}); err != nil {
			return err
		}

		if err := tx.Bucket(bucketMemberships).ForEach(func(k, v []byte) error {
			var state types.MembershipState
			if err := json.Unmarshal(v, &state); err != nil {
				return fmt.Errorf("failed to decode membership: %w", err)
			}
			snap.Memberships = append(snap.Memberships, &state)
			return nil
		}); err != nil {
			return err
		}

		if err := tx.Bucket(bucketEvents).ForEach(func(k, v []byte) error {
			var event types.GeofenceEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return fmt.Errorf("failed to decode event %s: %w", k, err)
			}
			snap.Events = append(snap.Events, &event)
			return nil
		}); err != nil {
			return err
		}

		return tx.Bucket(bucketGeofences).ForEach(func(k, v []byte) error {
			var fence types.GeofenceDefinition
			if err := json.Unmarshal(v, &fence); err != nil {
				return fmt.Errorf("failed to decode geofence %s: %w", k, err)
			}
			snap.Geofences = append(snap.Geofences, &fence)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}
