/*
Package log provides structured logging for Perimeter using zerolog.

A single package-level Logger is configured once by Init. Long-running
components derive a child logger with WithComponent and then narrow it per
unit of work:

	logger := log.WithComponent("detector")
	logger = log.WithUserID(logger, sample.UserID)
	logger = log.WithSampleID(logger, sample.ID)
	logger.Debug().Int("candidates", len(candidates)).Msg("resolved geofences")

Dispatch attaches the event being delivered with WithEventID, so every
per-recipient failure line carries event_id, user_id and geofence_code.

# Output

JSONOutput selects one JSON object per line, which is what production
deployments ship to their log pipeline. Otherwise a zerolog ConsoleWriter
prints human-readable lines with RFC3339 timestamps.

# Levels

	debug  per-sample detector decisions, debounce hits, stale samples
	info   transitions, delivery outcomes, startup and shutdown
	warn   transient store errors, concurrency conflicts, partial delivery
	error  failed delivery to every recipient, sweep failures

ParseLevel accepts the names above case-insensitively; an empty string means
info.
*/
package log
