package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/cuemby/perimeter/pkg/types"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyClaimed      = errors.New("sample already claimed")
	ErrDuplicate           = errors.New("duplicate event")
	ErrDeliveryFinalized   = errors.New("event delivery already finalized as sent")
	ErrUnconfirmedDelivery = errors.New("delivery not confirmed by any recipient")
)

// DuplicateEventError is returned by Tx.CreateEvent when the idempotency key
// (user, geofence, type, occurred_at bucket) already exists
type DuplicateEventError struct {
	ExistingID string
}

func (e *DuplicateEventError) Error() string {
	return fmt.Sprintf("duplicate event (existing %s)", e.ExistingID)
}

func (e *DuplicateEventError) Is(target error) bool {
	return target == ErrDuplicate
}

// Options configures either backend
type Options struct {
	// LeaseTimeout is how long a claim stays exclusive without a terminal outcome
	LeaseTimeout time.Duration
	// EventBucket is the width of the occurred_at idempotency bucket
	EventBucket time.Duration
	Clock       quartz.Clock
}

// DefaultOptions returns the production defaults
func DefaultOptions() Options {
	return Options{
		LeaseTimeout: 2 * time.Minute,
		EventBucket:  time.Second,
		Clock:        quartz.NewReal(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = d.LeaseTimeout
	}
	if o.EventBucket <= 0 {
		o.EventBucket = d.EventBucket
	}
	if o.Clock == nil {
		o.Clock = d.Clock
	}
	return o
}

// Store is the durable state of the engine
type Store interface {
	SampleStore
	MembershipStore
	EventLog
	GeofenceStore

	// InTx runs fn in one read-write transaction. Returning an error rolls
	// back every write fn made through tx.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	Ping(ctx context.Context) error
	Close() error
}

// SampleStore holds incoming samples and hands each to exactly one worker
type SampleStore interface {
	// InsertSample stores an unclaimed sample. Returns false if the id already exists.
	InsertSample(ctx context.Context, sample *types.LocationSample) (bool, error)
	GetSample(ctx context.Context, id string) (*types.LocationSample, error)
	// ClaimBatch claims up to limit unprocessed samples that are unclaimed or
	// whose lease expired, oldest first
	ClaimBatch(ctx context.Context, limit int) ([]*types.LocationSample, error)
	// ClaimByID returns ErrAlreadyClaimed to every caller but the race winner
	ClaimByID(ctx context.Context, id string) (*types.LocationSample, error)
	// MarkProcessed records the terminal outcome; cause is empty on success
	MarkProcessed(ctx context.Context, id string, cause string) error
	// ReleaseSample records a transient failure and leaves the lease to expire
	ReleaseSample(ctx context.Context, id string, cause string) error
}

// MembershipStore holds the per-(user, geofence) inside/outside flag
type MembershipStore interface {
	// GetMembership returns an outside default when the pair was never seen
	GetMembership(ctx context.Context, userID, geofenceCode string) (*types.MembershipState, error)
	ListMemberships(ctx context.Context, userID string) ([]*types.MembershipState, error)
	// TouchMembership refreshes updated_at and last_sample_at without a CAS
	TouchMembership(ctx context.Context, userID, geofenceCode string, sampleAt time.Time) error
	CountUsersInside(ctx context.Context) (int, error)
}

// EventLog is the append-only store of transitions and their delivery status
type EventLog interface {
	GetEvent(ctx context.Context, id string) (*types.GeofenceEvent, error)
	ListEvents(ctx context.Context, filter types.EventFilter) ([]*types.GeofenceEvent, error)
	// ListPending returns pending events created before olderThan
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*types.GeofenceEvent, error)
	// ListFailed returns failed events last attempted before olderThan
	ListFailed(ctx context.Context, olderThan time.Time, limit int) ([]*types.GeofenceEvent, error)
	// MarkSent is the only way to reach sent. It rejects results without a
	// confirmed recipient (ErrUnconfirmedDelivery) and events already sent.
	MarkSent(ctx context.Context, id string, result *types.DispatchResult) error
	MarkFailed(ctx context.Context, id string, cause error) error
	CountEvents(ctx context.Context, since time.Time) (types.EventCounts, error)
	CountDeliveries(ctx context.Context) (types.DeliveryCounts, error)
}

// GeofenceStore persists the definitions applied by the admin collaborator
type GeofenceStore interface {
	PutGeofence(ctx context.Context, fence *types.GeofenceDefinition) error
	DeleteGeofence(ctx context.Context, code string) error
	ListGeofences(ctx context.Context) ([]*types.GeofenceDefinition, error)
}

// Tx is the transactional view used by the transition detector
type Tx interface {
	GetMembership(userID, geofenceCode string) (*types.MembershipState, error)
	// CompareAndSetMembership sets is_inside to newInside only if the stored
	// flag still equals expectedInside. An absent row counts as outside.
	CompareAndSetMembership(userID, geofenceCode string, expectedInside, newInside bool, eventID string, sampleAt time.Time) (bool, error)
	// CreateEvent assigns an id when empty and inserts the event as pending.
	// A duplicate idempotency key returns *DuplicateEventError.
	CreateEvent(event *types.GeofenceEvent) error
}

// Snapshot is a full copy of a store, used to move data between backends
type Snapshot struct {
	Samples     []*types.LocationSample
	Memberships []*types.MembershipState
	Events      []*types.GeofenceEvent
	Geofences   []*types.GeofenceDefinition
}

func outsideDefault(userID, geofenceCode string) *types.MembershipState {
	return &types.MembershipState{
		UserID:       userID,
		GeofenceCode: geofenceCode,
		IsInside:     false,
	}
}

func deliveryCause(cause error) string {
	if cause == nil {
		return "delivery failed without error detail"
	}
	return cause.Error()
}
