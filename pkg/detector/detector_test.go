package detector

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/cuemby/perimeter/pkg/geo"
	"github.com/cuemby/perimeter/pkg/storage"
	"github.com/cuemby/perimeter/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	centerLat = 25.650648
	centerLon = -100.373529
)

var (
	t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	headquarters = &types.GeofenceDefinition{
		Code:      "HQ",
		Name:      "Headquarters",
		CenterLat: centerLat,
		CenterLon: centerLon,
		RadiusM:   15,
		Active:    true,
	}
)

// northOf returns the latitude metersNorth due north of the center
func northOf(metersNorth float64) float64 {
	return centerLat + metersNorth/(geo.EarthRadiusM*math.Pi/180)
}

type staticFences []*types.GeofenceDefinition

func (s staticFences) Get(ctx context.Context) ([]*types.GeofenceDefinition, error) {
	return s, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*types.GeofenceEvent
}

func (p *recordingPublisher) PublishTransition(event *types.GeofenceEvent) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return true
}

func (p *recordingPublisher) published() []*types.GeofenceEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*types.GeofenceEvent(nil), p.events...)
}

type harness struct {
	store     storage.Store
	clock     *quartz.Mock
	publisher *recordingPublisher
	detector  *Detector
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(t0)

	store, err := storage.NewBoltStore(t.TempDir(), storage.Options{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	publisher := &recordingPublisher{}
	return &harness{
		store:     store,
		clock:     clock,
		publisher: publisher,
		detector:  New(store, staticFences{headquarters}, publisher, clock, cfg),
	}
}

// noDebounce disables debouncing so every sample is fully evaluated
func noDebounce() Config {
	cfg := DefaultConfig()
	cfg.MinInterval = 0
	return cfg
}

func sampleAt(userID string, metersNorth float64, observedAt time.Time) *types.LocationSample {
	return &types.LocationSample{
		ID:         userID + "-" + observedAt.Format("150405.000"),
		UserID:     userID,
		Latitude:   northOf(metersNorth),
		Longitude:  centerLon,
		AccuracyM:  5,
		BatteryPct: 64,
		ObservedAt: observedAt,
		Source:     types.SampleSourcePush,
	}
}

func (h *harness) process(t *testing.T, sample *types.LocationSample) *Result {
	t.Helper()
	result, err := h.detector.Process(context.Background(), sample)
	require.NoError(t, err)
	return result
}

func (h *harness) membership(t *testing.T, userID string) *types.MembershipState {
	t.Helper()
	state, err := h.store.GetMembership(context.Background(), userID, "HQ")
	require.NoError(t, err)
	return state
}

func (h *harness) events(t *testing.T, userID string) []*types.GeofenceEvent {
	t.Helper()
	events, err := h.store.ListEvents(context.Background(), types.EventFilter{UserID: userID})
	require.NoError(t, err)
	return events
}

// TestEnterAtCenter: a sample at the exact center for an outside user enters
func TestEnterAtCenter(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	result := h.process(t, sampleAt("u1", 0, t0))
	require.Len(t, result.Events, 1)

	event := result.Events[0]
	assert.Equal(t, types.EventTypeEnter, event.EventType)
	assert.Equal(t, "HQ", event.GeofenceCode)
	assert.Equal(t, "Headquarters", event.GeofenceName)
	assert.InDelta(t, 0, event.DistanceM, 1e-6)
	assert.Equal(t, types.DeliveryStatusPending, event.DeliveryStatus)
	assert.True(t, event.OccurredAt.Equal(t0))

	state := h.membership(t, "u1")
	assert.True(t, state.IsInside)
	assert.Equal(t, event.ID, state.LastEnterEventID)

	published := h.publisher.published()
	require.Len(t, published, 1)
	assert.Equal(t, event.ID, published[0].ID)
}

// TestExitAt22Meters: leaving to ~22 m produces one exit
func TestExitAt22Meters(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.process(t, sampleAt("u1", 0, t0))

	h.clock.Advance(time.Second)
	result := h.process(t, sampleAt("u1", 22, t0.Add(time.Second)))
	require.Len(t, result.Events, 1)
	assert.Equal(t, types.EventTypeExit, result.Events[0].EventType)
	assert.InDelta(t, 22, result.Events[0].DistanceM, 0.01)

	state := h.membership(t, "u1")
	assert.False(t, state.IsInside)
	assert.Equal(t, result.Events[0].ID, state.LastExitEventID)
	assert.Len(t, h.events(t, "u1"), 2)
}

// TestInsideToInside: 10 m then 12 m changes nothing but timestamps
func TestInsideToInside(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	first := h.process(t, sampleAt("u1", 10, t0))
	require.Len(t, first.Events, 1)
	before := h.membership(t, "u1")

	h.clock.Advance(DefaultMinInterval + time.Second)
	second := h.process(t, sampleAt("u1", 12, t0.Add(20*time.Second)))
	assert.Empty(t, second.Events)
	assert.False(t, second.Debounced)

	after := h.membership(t, "u1")
	assert.True(t, after.IsInside)
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt), "updated_at advances")
	assert.True(t, after.LastSampleAt.Equal(t0.Add(20*time.Second)))
	assert.Equal(t, before.LastEnterEventID, after.LastEnterEventID)
	assert.Len(t, h.events(t, "u1"), 1)
}

// TestAlternation: N alternating samples yield N alternating events
func TestAlternation(t *testing.T) {
	h := newHarness(t, noDebounce())

	const n = 8
	for i := 0; i < n; i++ {
		meters := 0.0
		if i%2 == 1 {
			meters = 40
		}
		result := h.process(t, sampleAt("u1", meters, t0.Add(time.Duration(i)*2*time.Second)))
		require.Len(t, result.Events, 1, "sample %d", i)
	}

	events := h.events(t, "u1")
	require.Len(t, events, n)
	// ListEvents is newest first
	for i, event := range events {
		want := types.EventTypeExit
		if (n-1-i)%2 == 0 {
			want = types.EventTypeEnter
		}
		assert.Equal(t, want, event.EventType, "event %d", i)
	}
}

// TestNoSpuriousEvents: consecutive same-state samples produce nothing
func TestNoSpuriousEvents(t *testing.T) {
	h := newHarness(t, noDebounce())

	// Outside, outside: membership exists but no event
	assert.Empty(t, h.process(t, sampleAt("u1", 100, t0)).Events)
	assert.Empty(t, h.process(t, sampleAt("u1", 120, t0.Add(time.Second))).Events)
	assert.False(t, h.membership(t, "u1").IsInside)

	require.Len(t, h.process(t, sampleAt("u1", 1, t0.Add(2*time.Second))).Events, 1)
	assert.Empty(t, h.process(t, sampleAt("u1", 2, t0.Add(3*time.Second))).Events)
	assert.Empty(t, h.process(t, sampleAt("u1", 3, t0.Add(4*time.Second))).Events)

	assert.Len(t, h.events(t, "u1"), 1)
}

// TestStaleSampleIgnored: an older sample cannot undo a newer transition
func TestStaleSampleIgnored(t *testing.T) {
	h := newHarness(t, noDebounce())

	require.Len(t, h.process(t, sampleAt("u1", 0, t0.Add(time.Minute))).Events, 1)

	result := h.process(t, sampleAt("u1", 50, t0))
	assert.Empty(t, result.Events)
	assert.Equal(t, 1, result.Stale)
	assert.True(t, h.membership(t, "u1").IsInside)
}

// TestFarJumpExits: a sample far outside every candidate still exits
func TestFarJumpExits(t *testing.T) {
	h := newHarness(t, noDebounce())
	h.process(t, sampleAt("u1", 0, t0))

	result := h.process(t, sampleAt("u1", 50_000, t0.Add(time.Minute)))
	require.Len(t, result.Events, 1)
	assert.Equal(t, types.EventTypeExit, result.Events[0].EventType)
	assert.InDelta(t, 50_000, result.Events[0].DistanceM, 1)
	assert.False(t, h.membership(t, "u1").IsInside)
}

// TestDuplicateBucketReused: a flip back within the same bucket reuses the event
func TestDuplicateBucketReused(t *testing.T) {
	h := newHarness(t, noDebounce())

	enter := h.process(t, sampleAt("u1", 0, t0))
	require.Len(t, enter.Events, 1)
	require.Len(t, h.process(t, sampleAt("u1", 40, t0.Add(100*time.Millisecond))).Events, 1)

	again := h.process(t, sampleAt("u1", 0, t0.Add(200*time.Millisecond)))
	assert.Empty(t, again.Events, "duplicate is not reported as new")

	state := h.membership(t, "u1")
	assert.True(t, state.IsInside)
	assert.Equal(t, enter.Events[0].ID, state.LastEnterEventID)
	assert.Len(t, h.events(t, "u1"), 2)
	assert.Len(t, h.publisher.published(), 2)
}

func TestDebounce(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	require.Len(t, h.process(t, sampleAt("u1", 0, t0)).Events, 1)

	h.clock.Advance(5 * time.Second)
	same := h.process(t, sampleAt("u1", 1, t0.Add(5*time.Second)))
	assert.True(t, same.Debounced)

	// A different signature is never debounced
	h.clock.Advance(time.Second)
	changed := h.process(t, sampleAt("u1", 30, t0.Add(6*time.Second)))
	assert.False(t, changed.Debounced)
	require.Len(t, changed.Events, 1)

	h.clock.Advance(DefaultMinInterval)
	later := h.process(t, sampleAt("u1", 31, t0.Add(30*time.Second)))
	assert.False(t, later.Debounced)

	// Debounce memory is per user
	other := h.process(t, sampleAt("u2", 30, t0.Add(30*time.Second)))
	assert.False(t, other.Debounced)

	h.detector.Forget()
	assert.False(t, h.process(t, sampleAt("u1", 31, t0.Add(31*time.Second))).Debounced)
}

// TestDebounceAfterStaleSample: a sample that arrived out of order must not
// arm the debounce for the next in-order sample
func TestDebounceAfterStaleSample(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	require.Len(t, h.process(t, sampleAt("u1", 0, t0.Add(20*time.Second))).Events, 1)

	h.clock.Advance(time.Second)
	stale := h.process(t, sampleAt("u1", 40, t0.Add(10*time.Second)))
	assert.Equal(t, 1, stale.Stale)
	assert.True(t, h.membership(t, "u1").IsInside)

	h.clock.Advance(time.Second)
	exit := h.process(t, sampleAt("u1", 40, t0.Add(30*time.Second)))
	assert.False(t, exit.Debounced)
	require.Len(t, exit.Events, 1)
	assert.Equal(t, types.EventTypeExit, exit.Events[0].EventType)
	assert.False(t, h.membership(t, "u1").IsInside)
}

// TestDebounceYieldsToStoredMembership: a second process flipping the pair
// invalidates what the first one remembered
func TestDebounceYieldsToStoredMembership(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	other := New(h.store, staticFences{headquarters}, nil, h.clock, DefaultConfig())

	require.Len(t, h.process(t, sampleAt("u1", 0, t0)).Events, 1)

	h.clock.Advance(2 * time.Second)
	exit, err := other.Process(context.Background(), sampleAt("u1", 40, t0.Add(2*time.Second)))
	require.NoError(t, err)
	require.Len(t, exit.Events, 1)

	h.clock.Advance(2 * time.Second)
	enter := h.process(t, sampleAt("u1", 0, t0.Add(4*time.Second)))
	assert.False(t, enter.Debounced)
	require.Len(t, enter.Events, 1)
	assert.Equal(t, types.EventTypeEnter, enter.Events[0].EventType)
	assert.True(t, h.membership(t, "u1").IsInside)
	assert.Len(t, h.events(t, "u1"), 3)

	// With memberships in agreement the debounce applies again
	h.clock.Advance(time.Second)
	assert.True(t, h.process(t, sampleAt("u1", 1, t0.Add(5*time.Second))).Debounced)
}

func TestValidation(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	sample := sampleAt("u1", 0, t0)
	sample.Latitude = math.NaN()
	_, err := h.detector.Process(context.Background(), sample)
	var invalid *types.ValidationError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "latitude", invalid.Field)

	sample = sampleAt("", 0, t0)
	_, err = h.detector.Process(context.Background(), sample)
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "user_id", invalid.Field)
}

// TestConcurrentOppositeSamples fires an inside and an older outside sample
// for the same pair at once; whichever runs first, exactly one event results
func TestConcurrentOppositeSamples(t *testing.T) {
	h := newHarness(t, noDebounce())

	const users = 20
	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		userID := "user-" + string(rune('a'+i))
		inside := sampleAt(userID, 0, t0.Add(time.Second))
		outside := sampleAt(userID, 60, t0)

		wg.Add(2)
		for _, sample := range []*types.LocationSample{inside, outside} {
			go func(sample *types.LocationSample) {
				defer wg.Done()
				_, err := h.detector.Process(context.Background(), sample)
				assert.NoError(t, err)
			}(sample)
		}
	}
	wg.Wait()

	for i := 0; i < users; i++ {
		userID := "user-" + string(rune('a'+i))
		events := h.events(t, userID)
		require.Len(t, events, 1, userID)
		assert.Equal(t, types.EventTypeEnter, events[0].EventType)
		assert.True(t, h.membership(t, userID).IsInside)
	}
}

// TestTwoDetectorsShareStore simulates two processes with separate lock
// tables; the membership CAS alone keeps events exact
func TestTwoDetectorsShareStore(t *testing.T) {
	for name, cfg := range map[string]Config{"no debounce": noDebounce(), "default": DefaultConfig()} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, cfg)
			other := New(h.store, staticFences{headquarters}, nil, h.clock, cfg)

			for round := 0; round < 10; round++ {
				userID := "pair-" + string(rune('a'+round))
				var wg sync.WaitGroup
				wg.Add(2)
				go func() {
					defer wg.Done()
					_, err := h.detector.Process(context.Background(), sampleAt(userID, 0, t0))
					assert.NoError(t, err)
				}()
				go func() {
					defer wg.Done()
					_, err := other.Process(context.Background(), sampleAt(userID, 0, t0.Add(500*time.Millisecond)))
					assert.NoError(t, err)
				}()
				wg.Wait()

				assert.Len(t, h.events(t, userID), 1, userID)

				// Alternate processes: each exit and re-entry lands once
				exit, err := other.Process(context.Background(), sampleAt(userID, 40, t0.Add(time.Second)))
				require.NoError(t, err)
				assert.Len(t, exit.Events, 1, userID)
				enter, err := h.detector.Process(context.Background(), sampleAt(userID, 0, t0.Add(2*time.Second)))
				require.NoError(t, err)
				assert.Len(t, enter.Events, 1, userID)
				assert.Len(t, h.events(t, userID), 3, userID)
			}
		})
	}
}

// lyingStore reports a stale outside membership a fixed number of times,
// as if another process flipped the pair between read and write
type lyingStore struct {
	storage.Store
	lies atomic.Int32
}

func (s *lyingStore) GetMembership(ctx context.Context, userID, code string) (*types.MembershipState, error) {
	state, err := s.Store.GetMembership(ctx, userID, code)
	if err != nil {
		return nil, err
	}
	if s.lies.Add(-1) >= 0 {
		stale := *state
		stale.IsInside = false
		stale.LastSampleAt = time.Time{}
		return &stale, nil
	}
	return state, nil
}

// TestCASFailureRetries: a lost CAS rolls back its event and re-reads
func TestCASFailureRetries(t *testing.T) {
	h := newHarness(t, noDebounce())
	first := h.process(t, sampleAt("u1", 0, t0))
	require.Len(t, first.Events, 1)

	liar := &lyingStore{Store: h.store}
	liar.lies.Store(1)
	d := New(liar, staticFences{headquarters}, nil, h.clock, noDebounce())

	result, err := d.Process(context.Background(), sampleAt("u1", 1, t0.Add(5*time.Second)))
	require.NoError(t, err)
	assert.Empty(t, result.Events)

	events := h.events(t, "u1")
	require.Len(t, events, 1, "rolled back event must not persist")
	assert.Equal(t, first.Events[0].ID, events[0].ID)
	assert.True(t, h.membership(t, "u1").LastSampleAt.Equal(t0.Add(5*time.Second)))
}

// TestCASConflictExhausted: a pair that keeps losing defers the sample
func TestCASConflictExhausted(t *testing.T) {
	h := newHarness(t, noDebounce())
	h.process(t, sampleAt("u1", 0, t0))

	liar := &lyingStore{Store: h.store}
	liar.lies.Store(100)
	d := New(liar, staticFences{headquarters}, nil, h.clock, noDebounce())

	_, err := d.Process(context.Background(), sampleAt("u1", 1, t0.Add(5*time.Second)))
	var conflict *types.ConcurrencyConflict
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "u1", conflict.UserID)
	assert.Equal(t, "HQ", conflict.GeofenceCode)
	assert.Equal(t, DefaultMaxCASAttempts, conflict.Attempts)

	assert.Len(t, h.events(t, "u1"), 1)
}

func TestCandidateSignature(t *testing.T) {
	a := candidateSignature([]geo.Candidate{{Code: "B", IsInside: false}, {Code: "A", IsInside: true}})
	b := candidateSignature([]geo.Candidate{{Code: "A", IsInside: true}, {Code: "B", IsInside: false}})
	c := candidateSignature([]geo.Candidate{{Code: "A", IsInside: false}, {Code: "B", IsInside: false}})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, "", candidateSignature(nil))
}
