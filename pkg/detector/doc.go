/*
Package detector turns claimed location samples into geofence transitions.

For each (user, geofence) pair the detector runs a two-state machine:

	OUTSIDE ──inside sample──▶ INSIDE    records an enter event
	INSIDE  ──outside sample─▶ OUTSIDE   records an exit event

A same-state sample only advances updated_at and last_sample_at.

# Processing a Sample

 1. Acquire the user's token from the LockTable. Samples for different users
    never wait on each other.
 2. Resolve nearby geofences (radius + margin) from the cached set, then add
    any geofence the user is still inside that is no longer nearby, so a jump
    far away still exits.
 3. Skip the whole sample when its candidate signature matches the previous
    sample for the user within MinInterval.
 4. Per pair, ignore the sample if the pair has already applied a newer one.
    Otherwise create the event and compare-and-set the membership in one
    store transaction. A lost CAS rolls back, re-reads and retries up to
    MaxCASAttempts, then fails with *types.ConcurrencyConflict.
 5. Release the token and publish the new events.

An event whose idempotency key already exists is reused rather than
duplicated, and is not returned as new.
*/
package detector
