/*
Package dispatch delivers geofence events to their recipients.

A Dispatcher renders each event with Go text templates and fans it out to
every configured Notifier concurrently, each under its own timeout. The
outcome is written back to the event log:

	succeeded >= 1  ──▶ MarkSent
	succeeded == 0  ──▶ MarkFailed (every recipient error, concatenated)

Events already sent are skipped, so dispatching twice is harmless. Concurrent
dispatches of one event inside a process share a single fan-out.

# Channels

  - webhook: JSON POST of Payload
  - telegram: Bot API sendMessage
  - smtp: plain-text email through a smarthost
  - redis: PUBLISH of Payload on a channel
  - log: structured log line, always succeeds

# Paths

The dispatcher subscribes to the events broker and handles new transitions in
the background (Start/Stop). OnTransition is the synchronous path. Events the
broker dropped, or whose delivery failed, are picked up again by the
reconciler sweep.
*/
package dispatch
