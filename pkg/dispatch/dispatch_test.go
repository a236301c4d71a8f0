package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/perimeter/pkg/events"
	"github.com/cuemby/perimeter/pkg/storage"
	"github.com/cuemby/perimeter/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type stubNotifier struct {
	name  string
	err   error
	delay time.Duration
	panic bool
	calls atomic.Int32
}

func (s *stubNotifier) Name() string     { return s.name }
func (s *stubNotifier) Channel() Channel { return ChannelLog }

func (s *stubNotifier) Notify(ctx context.Context, msg *Message) error {
	s.calls.Add(1)
	if s.panic {
		panic("boom")
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.err
}

func failing(name, reason string) *stubNotifier {
	return &stubNotifier{name: name, err: errors.New(reason)}
}

func newTestStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir(), storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedEvent(t *testing.T, s storage.Store) *types.GeofenceEvent {
	t.Helper()
	event := &types.GeofenceEvent{
		UserID:       "u-1",
		GeofenceCode: "HQ",
		GeofenceName: "Headquarters",
		EventType:    types.EventTypeEnter,
		OccurredAt:   time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
		Latitude:     25.650648,
		Longitude:    -100.373529,
		DistanceM:    0,
	}
	require.NoError(t, s.InTx(context.Background(), func(tx storage.Tx) error {
		return tx.CreateEvent(event)
	}))
	return event
}

func TestDispatchAllRecipientsFail(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	event := seedEvent(t, s)

	d := New(s, []Notifier{
		failing("ops-webhook", "connection refused"),
		failing("ops-telegram", "chat not found"),
		failing("ops-email", "mailbox unavailable"),
	}, nil, nil, DefaultConfig())

	result, err := d.Dispatch(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Attempted)
	assert.Equal(t, 0, result.Succeeded)
	assert.Len(t, result.Errors, 3)
	assert.False(t, result.Delivered())

	stored, err := s.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryStatusFailed, stored.DeliveryStatus)
	assert.NotNil(t, stored.DeliveryAttemptedAt)
	for _, fragment := range []string{
		"ops-webhook: connection refused",
		"ops-telegram: chat not found",
		"ops-email: mailbox unavailable",
	} {
		assert.Contains(t, stored.DeliveryError, fragment)
	}
}

func TestDispatchPartialSuccess(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	event := seedEvent(t, s)

	ok := &stubNotifier{name: "log"}
	d := New(s, []Notifier{failing("webhook", "timeout"), ok}, nil, nil, DefaultConfig())

	result, err := d.Dispatch(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Attempted)
	assert.Equal(t, 1, result.Succeeded)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "webhook", result.Errors[0].Recipient)

	stored, err := s.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryStatusSent, stored.DeliveryStatus)
	assert.Empty(t, stored.DeliveryError)
}

func TestDispatchNeverSentWithoutConfirmation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	event := seedEvent(t, s)

	d := New(s, []Notifier{failing("webhook", "503")}, nil, nil, DefaultConfig())

	for i := 0; i < 5; i++ {
		result, err := d.Dispatch(ctx, event)
		require.NoError(t, err)
		assert.False(t, result.Delivered())

		stored, err := s.GetEvent(ctx, event.ID)
		require.NoError(t, err)
		assert.Equal(t, types.DeliveryStatusFailed, stored.DeliveryStatus)
		assert.Equal(t, i+1, stored.DeliveryAttempts)
	}
}

func TestDispatchSkipsSentEvents(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	event := seedEvent(t, s)

	n := &stubNotifier{name: "log"}
	d := New(s, []Notifier{n}, nil, nil, DefaultConfig())

	first, err := d.Dispatch(ctx, event)
	require.NoError(t, err)
	assert.True(t, first.Delivered())

	second, err := d.Dispatch(ctx, event)
	require.NoError(t, err)
	assert.True(t, second.AlreadySent)
	assert.Equal(t, int32(1), n.calls.Load())
}

func TestDispatchNoRecipients(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	event := seedEvent(t, s)

	d := New(s, nil, nil, nil, DefaultConfig())
	result, err := d.Dispatch(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Attempted)

	stored, err := s.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryStatusFailed, stored.DeliveryStatus)
	assert.Contains(t, stored.DeliveryError, ErrNoRecipients.Error())
}

func TestDispatchRecipientTimeout(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	event := seedEvent(t, s)

	slow := &stubNotifier{name: "slow", delay: time.Minute}
	fast := &stubNotifier{name: "fast"}
	d := New(s, []Notifier{slow, fast}, nil, nil, Config{RecipientTimeout: 50 * time.Millisecond})

	start := time.Now()
	result, err := d.Dispatch(ctx, event)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, 1, result.Succeeded)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "slow", result.Errors[0].Recipient)
	assert.Contains(t, result.Errors[0].Error, context.DeadlineExceeded.Error())
}

func TestDispatchRecoversNotifierPanic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	event := seedEvent(t, s)

	d := New(s, []Notifier{&stubNotifier{name: "broken", panic: true}}, nil, nil, DefaultConfig())
	result, err := d.Dispatch(ctx, event)
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Error, "panic")
}

func TestDispatchUnknownEvent(t *testing.T) {
	s := newTestStore(t)
	d := New(s, []Notifier{&stubNotifier{name: "log"}}, nil, nil, DefaultConfig())

	_, err := d.Dispatch(context.Background(), &types.GeofenceEvent{ID: "missing"})
	var notFound *types.NotFoundError
	assert.ErrorAs(t, err, &notFound)

	_, err = d.Dispatch(context.Background(), &types.GeofenceEvent{})
	var invalid *types.ValidationError
	assert.ErrorAs(t, err, &invalid)
}

func TestDispatcherSubscription(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx := context.Background()
	s := newTestStore(t)
	event := seedEvent(t, s)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	results := broker.Subscribe()
	defer broker.Unsubscribe(results)

	n := &stubNotifier{name: "log"}
	d := New(s, []Notifier{n}, nil, broker, DefaultConfig())
	require.NoError(t, d.Start(ctx))
	require.Error(t, d.Start(ctx))

	require.True(t, broker.PublishTransition(event))

	require.Eventually(t, func() bool {
		stored, err := s.GetEvent(ctx, event.ID)
		return err == nil && stored.DeliveryStatus == types.DeliveryStatusSent
	}, 5*time.Second, 10*time.Millisecond)

	var delivered *events.Event
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-results:
				if ev.Type == events.EventDeliverySent {
					delivered = ev
					return true
				}
			default:
				return false
			}
		}
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, event.ID, delivered.Result.EventID)

	d.Stop()
	d.Stop()
	assert.Equal(t, 1, broker.SubscriberCount())
}

func TestFormatDeliveryErrors(t *testing.T) {
	got := formatDeliveryErrors([]error{
		&types.DeliveryError{Recipient: "a", Err: errors.New("x")},
		&types.DeliveryError{Recipient: "b", Err: errors.New("y")},
	})
	assert.Equal(t, "2 recipient(s) failed: a: x; b: y", got)
	assert.Equal(t, 1, strings.Count(got, ";"))
}
