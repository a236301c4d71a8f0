/*
Package reconciler provides the periodic sweep that heals the pipeline.

Push notifications are best effort: a full queue, a crashed worker or a
dropped broker message must never lose a sample or an alert. The reconciler
closes those gaps on a fixed interval (30 seconds by default):

	┌────────────────────────────────────────────────────────────┐
	│                      Sweep (every 30s)                     │
	└────────────────┬───────────────────────────────────────────┘
	                 │
	    ┌────────────┴────────────┐
	    ▼                         ▼
	┌──────────────────┐   ┌──────────────────────────────────┐
	│ ClaimBatch       │   │ ListPending / ListFailed         │
	│ unclaimed and    │   │ older than redispatch_after      │
	│ lease-expired    │   │ below max_delivery_attempts      │
	└────────┬─────────┘   └────────────────┬─────────────────┘
	         ▼                              ▼
	  scheduler.Enqueue              dispatcher.Dispatch

Samples the queue refuses keep their claim until the lease expires and are
picked up by a later sweep. Events that reach max_delivery_attempts stay
failed until re-dispatched by hand.

The loop runs on a quartz clock so tests drive it with a mock.
*/
package reconciler
