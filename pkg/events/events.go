package events

import (
	"sync"
	"time"

	"github.com/cuemby/perimeter/pkg/types"
)

// EventType represents the type of event
type EventType string

const (
	EventTransitionCreated EventType = "transition.created"
	EventDeliverySent      EventType = "delivery.sent"
	EventDeliveryFailed    EventType = "delivery.failed"
	EventGeofencesApplied  EventType = "geofences.applied"
)

// Event is one notification on the in-process bus
type Event struct {
	Type      EventType
	Timestamp time.Time
	// Transition is set for transition and delivery events
	Transition *types.GeofenceEvent
	// Result is set for delivery events
	Result   *types.DispatchResult
	Message  string
	Metadata map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	doneCh      chan struct{}
	stopOnce    sync.Once
	dropped     uint64
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker and waits for the distribution loop to exit.
// Safe to call more than once.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		<-b.doneCh
	})
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 128) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers. It returns false if the
// broker is stopped.
func (b *Broker) Publish(event *Event) bool {
	// Set timestamp if not set
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case <-b.stopCh:
		return false
	default:
	}

	select {
	case b.eventCh <- event:
		return true
	case <-b.stopCh:
		return false
	}
}

// PublishTransition announces a newly created geofence event
func (b *Broker) PublishTransition(event *types.GeofenceEvent) bool {
	return b.Publish(&Event{
		Type:       EventTransitionCreated,
		Transition: event,
		Metadata: map[string]string{
			"user_id":       event.UserID,
			"geofence_code": event.GeofenceCode,
			"event_type":    string(event.EventType),
		},
	})
}

func (b *Broker) run() {
	defer close(b.doneCh)
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip. The reconciler picks up
			// undelivered transitions from the event log.
			b.dropped++
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many deliveries to full subscribers were skipped
func (b *Broker) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
