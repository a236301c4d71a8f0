package events

import (
	"testing"
	"time"

	"github.com/cuemby/perimeter/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func receive(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case event := <-sub:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// TestBrokerFanOut verifies every subscriber receives each transition
func TestBrokerFanOut(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	a := broker.Subscribe()
	b := broker.Subscribe()
	assert.Equal(t, 2, broker.SubscriberCount())

	transition := &types.GeofenceEvent{ID: "e1", UserID: "u1", GeofenceCode: "HQ", EventType: types.EventTypeEnter}
	require.True(t, broker.PublishTransition(transition))

	for _, sub := range []Subscriber{a, b} {
		event := receive(t, sub)
		assert.Equal(t, EventTransitionCreated, event.Type)
		assert.Equal(t, "e1", event.Transition.ID)
		assert.Equal(t, "enter", event.Metadata["event_type"])
		assert.False(t, event.Timestamp.IsZero())
	}

	broker.Unsubscribe(a)
	broker.Unsubscribe(a) // no panic on double unsubscribe
	assert.Equal(t, 1, broker.SubscriberCount())

	_, open := <-a
	assert.False(t, open)
}

// TestBrokerFullSubscriber verifies a slow subscriber does not stall the broker
func TestBrokerFullSubscriber(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	slow := broker.Subscribe()

	total := cap(slow) + 10
	for i := 0; i < total; i++ {
		require.True(t, broker.Publish(&Event{Type: EventDeliverySent}))
	}

	assert.Eventually(t, func() bool { return broker.Dropped() == 10 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, slow, cap(slow))
}

func TestBrokerStop(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	broker.Stop()
	broker.Stop()

	assert.False(t, broker.Publish(&Event{Type: EventGeofencesApplied}))
}
