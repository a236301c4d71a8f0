package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/perimeter/pkg/detector"
	"github.com/cuemby/perimeter/pkg/storage"
	"github.com/cuemby/perimeter/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type processorFunc func(ctx context.Context, sample *types.LocationSample) (*detector.Result, error)

func (f processorFunc) Process(ctx context.Context, sample *types.LocationSample) (*detector.Result, error) {
	return f(ctx, sample)
}

func succeed(calls *atomic.Int32) processorFunc {
	return func(ctx context.Context, sample *types.LocationSample) (*detector.Result, error) {
		calls.Add(1)
		return &detector.Result{SampleID: sample.ID}, nil
	}
}

func testConfig() Config {
	return Config{
		Workers:      2,
		QueueSize:    16,
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
		MaxRetries:   3,
	}
}

func newStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir(), storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func insertSample(t *testing.T, s storage.SampleStore, userID string) *types.LocationSample {
	t.Helper()
	sample := &types.LocationSample{
		UserID:     userID,
		Latitude:   25.650648,
		Longitude:  -100.373529,
		ObservedAt: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
		Source:     types.SampleSourcePush,
	}
	created, err := s.InsertSample(context.Background(), sample)
	require.NoError(t, err)
	require.True(t, created)
	return sample
}

func TestNotifyProcessesSample(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	sample := insertSample(t, s, "u-1")

	var calls atomic.Int32
	sched := NewScheduler(s, succeed(&calls), testConfig())
	require.NoError(t, sched.Start(ctx))
	defer sched.Stop()

	require.True(t, sched.Notify(sample.ID))

	require.Eventually(t, func() bool {
		got, err := s.GetSample(ctx, sample.ID)
		return err == nil && got.ProcessedAt != nil
	}, 5*time.Second, 5*time.Millisecond)

	got, err := s.GetSample(ctx, sample.ID)
	require.NoError(t, err)
	assert.Empty(t, got.LastError)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHandleAlreadyClaimed(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	sample := insertSample(t, s, "u-1")

	_, err := s.ClaimByID(ctx, sample.ID)
	require.NoError(t, err)

	var calls atomic.Int32
	sched := NewScheduler(s, succeed(&calls), testConfig())

	assert.Equal(t, OutcomeLost, sched.handle(ctx, job{id: sample.ID}))
	assert.Equal(t, OutcomeLost, sched.handle(ctx, job{id: "missing"}))
	assert.Zero(t, calls.Load())
}

func TestHandleClaimRace(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	sample := insertSample(t, s, "u-1")

	var calls atomic.Int32
	sched := NewScheduler(s, succeed(&calls), testConfig())

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 6)
	for i := range outcomes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = sched.handle(ctx, job{id: sample.ID})
		}()
	}
	wg.Wait()

	processed := 0
	for _, o := range outcomes {
		if o == OutcomeProcessed {
			processed++
		}
	}
	assert.Equal(t, 1, processed)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTransientErrorsRetried(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	sample := insertSample(t, s, "u-1")

	var calls atomic.Int32
	flaky := processorFunc(func(ctx context.Context, sample *types.LocationSample) (*detector.Result, error) {
		if calls.Add(1) < 3 {
			return nil, types.Transient("get membership", errors.New("database is locked"))
		}
		return &detector.Result{SampleID: sample.ID}, nil
	})
	sched := NewScheduler(s, flaky, testConfig())

	assert.Equal(t, OutcomeProcessed, sched.handle(ctx, job{id: sample.ID}))
	assert.Equal(t, int32(3), calls.Load())

	got, err := s.GetSample(ctx, sample.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.ProcessedAt)
}

func TestTransientErrorsExhausted(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	sample := insertSample(t, s, "u-1")

	var calls atomic.Int32
	down := processorFunc(func(ctx context.Context, sample *types.LocationSample) (*detector.Result, error) {
		calls.Add(1)
		return nil, types.Transient("load geofences", errors.New("connection refused"))
	})
	cfg := testConfig()
	sched := NewScheduler(s, down, cfg)

	assert.Equal(t, OutcomeReleased, sched.handle(ctx, job{id: sample.ID}))
	assert.Equal(t, int32(cfg.MaxRetries+1), calls.Load())

	got, err := s.GetSample(ctx, sample.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ProcessedAt)
	assert.NotNil(t, got.ClaimedAt)
	assert.Contains(t, got.LastError, "connection refused")
}

func TestStructuralErrorsMarkProcessed(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"validation", &types.ValidationError{Field: "latitude", Reason: "out of range"}},
		{"not found", &types.NotFoundError{Kind: "geofence", ID: "HQ"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			sample := insertSample(t, s, "u-1")

			var calls atomic.Int32
			p := processorFunc(func(ctx context.Context, sample *types.LocationSample) (*detector.Result, error) {
				calls.Add(1)
				return nil, tt.err
			})
			sched := NewScheduler(s, p, testConfig())

			assert.Equal(t, OutcomeSkipped, sched.handle(ctx, job{id: sample.ID}))
			assert.Equal(t, int32(1), calls.Load())

			got, err := s.GetSample(ctx, sample.ID)
			require.NoError(t, err)
			assert.NotNil(t, got.ProcessedAt)
			assert.Equal(t, tt.err.Error(), got.LastError)
		})
	}
}

func TestConflictDefersToSweep(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	sample := insertSample(t, s, "u-1")

	p := processorFunc(func(ctx context.Context, sample *types.LocationSample) (*detector.Result, error) {
		return nil, &types.ConcurrencyConflict{UserID: sample.UserID, GeofenceCode: "HQ", Attempts: 3}
	})
	sched := NewScheduler(s, p, testConfig())

	assert.Equal(t, OutcomeConflict, sched.handle(ctx, job{id: sample.ID}))

	got, err := s.GetSample(ctx, sample.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ProcessedAt)
	assert.Contains(t, got.LastError, "membership conflict")
}

func TestDebouncedOutcome(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	sample := insertSample(t, s, "u-1")

	p := processorFunc(func(ctx context.Context, sample *types.LocationSample) (*detector.Result, error) {
		return &detector.Result{SampleID: sample.ID, Debounced: true}, nil
	})
	sched := NewScheduler(s, p, testConfig())
	assert.Equal(t, OutcomeDebounced, sched.handle(ctx, job{id: sample.ID}))
}

func TestEnqueueClaimedSamples(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	const n = 20
	for i := 0; i < n; i++ {
		insertSample(t, s, fmt.Sprintf("u-%d", i))
	}
	claimed, err := s.ClaimBatch(ctx, n)
	require.NoError(t, err)
	require.Len(t, claimed, n)

	var calls atomic.Int32
	sched := NewScheduler(s, succeed(&calls), testConfig())
	require.NoError(t, sched.Start(ctx))
	defer sched.Stop()

	for _, sample := range claimed {
		require.NoError(t, sched.Enqueue(ctx, sample))
	}

	require.Eventually(t, func() bool { return calls.Load() == n }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		again, err := s.ClaimBatch(ctx, n)
		require.NoError(t, err)
		return len(again) == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestStoppedScheduler(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	var calls atomic.Int32
	sched := NewScheduler(s, succeed(&calls), testConfig())
	require.NoError(t, sched.Start(ctx))
	assert.Error(t, sched.Start(ctx))

	sched.Stop()
	sched.Stop()

	assert.False(t, sched.Notify("anything"))
	assert.ErrorIs(t, sched.Enqueue(ctx, &types.LocationSample{ID: "x"}), ErrStopped)
	assert.ErrorIs(t, sched.Start(ctx), ErrStopped)
}

func TestNotifyQueueFull(t *testing.T) {
	s := newStore(t)
	var calls atomic.Int32
	sched := NewScheduler(s, succeed(&calls), Config{QueueSize: 2})

	assert.True(t, sched.Notify("a"))
	assert.True(t, sched.Notify("b"))
	assert.False(t, sched.Notify("c"))
	assert.Equal(t, 2, sched.QueueLen())
}
