/*
Package events provides the in-memory broker that carries geofence transitions
between Perimeter components.

The transition detector publishes every newly created GeofenceEvent after its
store transaction commits. The alert dispatcher and the metrics collector
subscribe, which keeps recipient network I/O outside the detector's per-user
critical section.

# Architecture

	Detector ──PublishTransition──▶ eventCh (buffer: 256)
	                                    │
	                               broadcast loop
	                                    │
	             ┌──────────────────────┼──────────────────────┐
	             ▼                      ▼                      ▼
	      Dispatcher sub          Metrics sub             other subs
	      (buffer: 128)           (buffer: 128)

# Event Types

  - transition.created: a new enter or exit was recorded
  - delivery.sent: at least one recipient confirmed delivery
  - delivery.failed: every recipient failed
  - geofences.applied: the geofence set changed

# Delivery Semantics

Publishing blocks only while the broker's input buffer is full. Broadcasting
never blocks: a subscriber whose buffer is full misses the event and Dropped
is incremented. Nothing is lost for good, since the event log still holds the
transition as pending and the reconciler re-dispatches it.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for event := range sub {
		if event.Type == events.EventTransitionCreated {
			handle(event.Transition)
		}
	}
*/
package events
