package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/cuemby/perimeter/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactory opens an empty store driven by the given mock clock
type storeFactory func(t *testing.T, clock *quartz.Mock) Store

var baseTime = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newMockClock(t *testing.T) *quartz.Mock {
	clock := quartz.NewMock(t)
	clock.Set(baseTime)
	return clock
}

func newSample(userID string, observedAt time.Time) *types.LocationSample {
	return &types.LocationSample{
		UserID:     userID,
		Latitude:   25.650648,
		Longitude:  -100.373529,
		AccuracyM:  8,
		BatteryPct: 80,
		ObservedAt: observedAt,
		Source:     types.SampleSourcePush,
	}
}

func newEvent(userID, code string, eventType types.EventType, occurredAt time.Time) *types.GeofenceEvent {
	return &types.GeofenceEvent{
		UserID:       userID,
		GeofenceCode: code,
		GeofenceName: "Headquarters",
		EventType:    eventType,
		OccurredAt:   occurredAt,
		Latitude:     25.650648,
		Longitude:    -100.373529,
	}
}

// createEvent inserts one event in its own transaction
func createEvent(t *testing.T, s Store, event *types.GeofenceEvent) {
	t.Helper()
	require.NoError(t, s.InTx(context.Background(), func(tx Tx) error {
		return tx.CreateEvent(event)
	}))
	require.NotEmpty(t, event.ID)
}

// runStoreContract exercises the behaviour both backends must share
func runStoreContract(t *testing.T, factory storeFactory) {
	t.Run("InsertSample", func(t *testing.T) { testInsertSample(t, factory) })
	t.Run("ClaimRace", func(t *testing.T) { testClaimRace(t, factory) })
	t.Run("LeaseExpiry", func(t *testing.T) { testLeaseExpiry(t, factory) })
	t.Run("ClaimBatch", func(t *testing.T) { testClaimBatch(t, factory) })
	t.Run("CompareAndSet", func(t *testing.T) { testCompareAndSet(t, factory) })
	t.Run("TxRollback", func(t *testing.T) { testTxRollback(t, factory) })
	t.Run("EventIdempotency", func(t *testing.T) { testEventIdempotency(t, factory) })
	t.Run("DeliveryStatus", func(t *testing.T) { testDeliveryStatus(t, factory) })
	t.Run("Counts", func(t *testing.T) { testCounts(t, factory) })
	t.Run("Geofences", func(t *testing.T) { testGeofences(t, factory) })
}

func testInsertSample(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	s := factory(t, newMockClock(t))

	sample := newSample("u1", baseTime)
	created, err := s.InsertSample(ctx, sample)
	require.NoError(t, err)
	assert.True(t, created)
	require.NotEmpty(t, sample.ID, "id should be assigned")

	// Same id again is a no-op
	dup := newSample("u1", baseTime)
	dup.ID = sample.ID
	created, err = s.InsertSample(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := s.GetSample(ctx, sample.ID)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Nil(t, got.ClaimedAt)
	assert.Nil(t, got.ProcessedAt)
	assert.True(t, got.ReceivedAt.Equal(baseTime))

	_, err = s.GetSample(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// testClaimRace fires several workers at the same sample; exactly one wins
func testClaimRace(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	s := factory(t, newMockClock(t))

	sample := newSample("u1", baseTime)
	_, err := s.InsertSample(ctx, sample)
	require.NoError(t, err)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		losers  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ClaimByID(ctx, sample.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, ErrAlreadyClaimed):
				losers++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, workers-1, losers)

	_, err = s.ClaimByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testLeaseExpiry(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	clock := newMockClock(t)
	s := factory(t, clock)

	sample := newSample("u1", baseTime)
	_, err := s.InsertSample(ctx, sample)
	require.NoError(t, err)

	claimed, err := s.ClaimByID(ctx, sample.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, claimed.Attempts)

	// Worker dies; transient error recorded, lease still held
	require.NoError(t, s.ReleaseSample(ctx, sample.ID, "connection reset"))
	_, err = s.ClaimByID(ctx, sample.ID)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)

	batch, err := s.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)

	clock.Advance(DefaultOptions().LeaseTimeout + time.Second)

	batch, err = s.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, sample.ID, batch[0].ID)
	assert.Equal(t, 2, batch[0].Attempts)
	assert.Equal(t, "connection reset", batch[0].LastError)

	// A processed sample is never claimable again
	require.NoError(t, s.MarkProcessed(ctx, sample.ID, ""))
	clock.Advance(DefaultOptions().LeaseTimeout + time.Second)
	_, err = s.ClaimByID(ctx, sample.ID)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)

	batch, err = s.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)

	got, err := s.GetSample(ctx, sample.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ProcessedAt)
	assert.Empty(t, got.LastError)
}

func testClaimBatch(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	clock := newMockClock(t)
	s := factory(t, clock)

	for i := 0; i < 5; i++ {
		_, err := s.InsertSample(ctx, newSample(fmt.Sprintf("u%d", i), baseTime))
		require.NoError(t, err)
		clock.Advance(time.Millisecond)
	}

	first, err := s.ClaimBatch(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, first, 3)

	second, err := s.ClaimBatch(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, second, 2)

	seen := make(map[string]bool)
	for _, sample := range append(first, second...) {
		assert.False(t, seen[sample.ID], "sample %s claimed twice", sample.ID)
		seen[sample.ID] = true
		assert.NotNil(t, sample.ClaimedAt)
	}

	none, err := s.ClaimBatch(ctx, 3)
	require.NoError(t, err)
	assert.Empty(t, none)

	zero, err := s.ClaimBatch(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, zero)
}

func testCompareAndSet(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	s := factory(t, newMockClock(t))

	state, err := s.GetMembership(ctx, "u1", "HQ")
	require.NoError(t, err)
	assert.False(t, state.IsInside, "absent pair defaults to outside")

	var ok bool
	enterAt := baseTime.Add(time.Minute)
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		// Expecting inside on an absent row fails
		ok, err = tx.CompareAndSetMembership("u1", "HQ", true, false, "e0", enterAt)
		if err != nil {
			return err
		}
		assert.False(t, ok)

		ok, err = tx.CompareAndSetMembership("u1", "HQ", false, true, "e1", enterAt)
		return err
	}))
	assert.True(t, ok)

	state, err = s.GetMembership(ctx, "u1", "HQ")
	require.NoError(t, err)
	assert.True(t, state.IsInside)
	assert.Equal(t, "e1", state.LastEnterEventID)
	require.NotNil(t, state.LastEnterAt)
	assert.True(t, state.LastEnterAt.Equal(enterAt))
	assert.True(t, state.LastSampleAt.Equal(enterAt))

	// Stale expectation loses
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		ok, err = tx.CompareAndSetMembership("u1", "HQ", false, true, "e2", enterAt)
		return err
	}))
	assert.False(t, ok)

	exitAt := enterAt.Add(time.Minute)
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		ok, err = tx.CompareAndSetMembership("u1", "HQ", true, false, "e3", exitAt)
		return err
	}))
	assert.True(t, ok)

	state, err = s.GetMembership(ctx, "u1", "HQ")
	require.NoError(t, err)
	assert.False(t, state.IsInside)
	assert.Equal(t, "e1", state.LastEnterEventID)
	assert.Equal(t, "e3", state.LastExitEventID)

	// Touch never moves last_sample_at backwards
	require.NoError(t, s.TouchMembership(ctx, "u1", "HQ", baseTime))
	state, err = s.GetMembership(ctx, "u1", "HQ")
	require.NoError(t, err)
	assert.True(t, state.LastSampleAt.Equal(exitAt))

	require.NoError(t, s.TouchMembership(ctx, "u1", "PLANT", exitAt))
	states, err := s.ListMemberships(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, states, 2)
}

func testTxRollback(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	s := factory(t, newMockClock(t))

	boom := errors.New("boom")
	event := newEvent("u1", "HQ", types.EventTypeEnter, baseTime)
	err := s.InTx(ctx, func(tx Tx) error {
		if err := tx.CreateEvent(event); err != nil {
			return err
		}
		if _, err := tx.CompareAndSetMembership("u1", "HQ", false, true, event.ID, baseTime); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	state, err := s.GetMembership(ctx, "u1", "HQ")
	require.NoError(t, err)
	assert.False(t, state.IsInside)

	events, err := s.ListEvents(ctx, types.EventFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func testEventIdempotency(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	s := factory(t, newMockClock(t))

	first := newEvent("u1", "HQ", types.EventTypeEnter, baseTime.Add(100*time.Millisecond))
	createEvent(t, s, first)
	assert.Equal(t, types.DeliveryStatusPending, first.DeliveryStatus)

	// Same second bucket collides
	second := newEvent("u1", "HQ", types.EventTypeEnter, baseTime.Add(900*time.Millisecond))
	err := s.InTx(ctx, func(tx Tx) error { return tx.CreateEvent(second) })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicate)
	var dup *DuplicateEventError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID, dup.ExistingID)

	// Other type, other user or next bucket do not
	createEvent(t, s, newEvent("u1", "HQ", types.EventTypeExit, baseTime))
	createEvent(t, s, newEvent("u2", "HQ", types.EventTypeEnter, baseTime))
	createEvent(t, s, newEvent("u1", "HQ", types.EventTypeEnter, baseTime.Add(time.Second)))

	events, err := s.ListEvents(ctx, types.EventFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, events, 3)

	got, err := s.GetEvent(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "HQ", got.GeofenceCode)
	assert.Equal(t, types.EventTypeEnter, got.EventType)

	_, err = s.GetEvent(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testDeliveryStatus(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	clock := newMockClock(t)
	s := factory(t, clock)

	event := newEvent("u1", "HQ", types.EventTypeEnter, baseTime)
	createEvent(t, s, event)

	// No confirmed recipient: refused
	err := s.MarkSent(ctx, event.ID, &types.DispatchResult{EventID: event.ID, Attempted: 2})
	assert.ErrorIs(t, err, ErrUnconfirmedDelivery)
	err = s.MarkSent(ctx, event.ID, nil)
	assert.ErrorIs(t, err, ErrUnconfirmedDelivery)

	clock.Advance(10 * time.Minute)
	pending, err := s.ListPending(ctx, clock.Now().Add(-5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, event.ID, pending[0].ID)

	require.NoError(t, s.MarkFailed(ctx, event.ID, errors.New("sms: 3 recipients failed")))
	got, err := s.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryStatusFailed, got.DeliveryStatus)
	assert.Equal(t, "sms: 3 recipients failed", got.DeliveryError)
	assert.Equal(t, 1, got.DeliveryAttempts)
	require.NotNil(t, got.DeliveryAttemptedAt)

	failed, err := s.ListFailed(ctx, clock.Now().Add(-5*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, failed, "just attempted")

	clock.Advance(6 * time.Minute)
	failed, err = s.ListFailed(ctx, clock.Now().Add(-5*time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, failed, 1)

	counts, err := s.CountDeliveries(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryCounts{Pending: 0, Failed: 1}, counts)

	require.NoError(t, s.MarkSent(ctx, event.ID, &types.DispatchResult{EventID: event.ID, Attempted: 1, Succeeded: 1}))
	got, err = s.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryStatusSent, got.DeliveryStatus)
	assert.Empty(t, got.DeliveryError)
	assert.Equal(t, 2, got.DeliveryAttempts)

	// Sent is terminal
	assert.ErrorIs(t, s.MarkFailed(ctx, event.ID, errors.New("late")), ErrDeliveryFinalized)
	assert.ErrorIs(t, s.MarkSent(ctx, event.ID, &types.DispatchResult{Succeeded: 1}), ErrDeliveryFinalized)

	counts, err = s.CountDeliveries(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryCounts{}, counts)

	assert.ErrorIs(t, s.MarkFailed(ctx, "missing", nil), ErrNotFound)
}

func testCounts(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	s := factory(t, newMockClock(t))

	createEvent(t, s, newEvent("u1", "HQ", types.EventTypeEnter, baseTime.Add(-2*time.Hour)))
	createEvent(t, s, newEvent("u1", "HQ", types.EventTypeExit, baseTime.Add(-30*time.Minute)))
	createEvent(t, s, newEvent("u2", "HQ", types.EventTypeEnter, baseTime.Add(-10*time.Minute)))
	createEvent(t, s, newEvent("u2", "PLANT", types.EventTypeEnter, baseTime.Add(-5*time.Minute)))

	counts, err := s.CountEvents(ctx, baseTime.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, types.EventCounts{Total: 3, Enter: 2, Exit: 1}, counts)

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		for _, code := range []string{"HQ", "PLANT"} {
			if _, err := tx.CompareAndSetMembership("u2", code, false, true, "", baseTime); err != nil {
				return err
			}
		}
		return nil
	}))
	inside, err := s.CountUsersInside(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, inside, "users are counted once")

	limited, err := s.ListEvents(ctx, types.EventFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.True(t, limited[0].OccurredAt.After(limited[1].OccurredAt), "newest first")
}

func testGeofences(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	s := factory(t, newMockClock(t))

	hq := &types.GeofenceDefinition{Code: "HQ", Name: "Headquarters", CenterLat: 25.650648, CenterLon: -100.373529, RadiusM: 15, Active: true}
	require.NoError(t, s.PutGeofence(ctx, hq))

	hq.RadiusM = 30
	require.NoError(t, s.PutGeofence(ctx, hq))
	require.NoError(t, s.PutGeofence(ctx, &types.GeofenceDefinition{Code: "PLANT", Name: "Plant", RadiusM: 100}))

	fences, err := s.ListGeofences(ctx)
	require.NoError(t, err)
	require.Len(t, fences, 2)
	for _, fence := range fences {
		if fence.Code == "HQ" {
			assert.Equal(t, 30.0, fence.RadiusM)
		}
	}

	require.NoError(t, s.DeleteGeofence(ctx, "PLANT"))
	fences, err = s.ListGeofences(ctx)
	require.NoError(t, err)
	assert.Len(t, fences, 1)
}
