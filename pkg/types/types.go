package types

import (
	"time"
)

// SampleSource identifies the producer that submitted a location sample
type SampleSource string

const (
	SampleSourcePush      SampleSource = "push"      // Protocol adapter callback
	SampleSourceSweep     SampleSource = "sweep"     // Periodic poll of a tracking provider
	SampleSourceSynthetic SampleSource = "synthetic" // Generated by an out-of-core extension
)

// LocationSample is one GPS fix reported for a tracked user
type LocationSample struct {
	ID         string       `json:"id"`
	UserID     string       `json:"user_id"`
	Latitude   float64      `json:"latitude"`
	Longitude  float64      `json:"longitude"`
	AccuracyM  float64      `json:"accuracy_m"`
	BatteryPct float64      `json:"battery_pct"`
	Velocity   float64      `json:"velocity"`
	ObservedAt time.Time    `json:"observed_at"`
	Source     SampleSource `json:"source"`

	// Claim bookkeeping, owned by the sample store
	ReceivedAt  time.Time  `json:"received_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
}

// GeofenceDefinition is a named circular site
type GeofenceDefinition struct {
	Code      string  `json:"code" yaml:"code"`
	Name      string  `json:"name" yaml:"name"`
	CenterLat float64 `json:"center_lat" yaml:"centerLat"`
	CenterLon float64 `json:"center_lon" yaml:"centerLon"`
	RadiusM   float64 `json:"radius_m" yaml:"radiusM"`
	Active    bool    `json:"active" yaml:"active"`
}

// MembershipState is the last computed inside/outside flag for a (user, geofence) pair
type MembershipState struct {
	UserID           string     `json:"user_id"`
	GeofenceCode     string     `json:"geofence_code"`
	IsInside         bool       `json:"is_inside"`
	LastEnterEventID string     `json:"last_enter_event_id,omitempty"`
	LastExitEventID  string     `json:"last_exit_event_id,omitempty"`
	LastEnterAt      *time.Time `json:"last_enter_at,omitempty"`
	LastExitAt       *time.Time `json:"last_exit_at,omitempty"`
	LastSampleAt     time.Time  `json:"last_sample_at"` // observed_at of the newest applied sample
	UpdatedAt        time.Time  `json:"updated_at"`
}

// EventType is the direction of a membership transition
type EventType string

const (
	EventTypeEnter EventType = "enter"
	EventTypeExit  EventType = "exit"
)

// DeliveryStatus tracks notification delivery for an event
type DeliveryStatus string

const (
	DeliveryStatusPending DeliveryStatus = "pending"
	DeliveryStatusSent    DeliveryStatus = "sent"   // Terminal
	DeliveryStatusFailed  DeliveryStatus = "failed" // Terminal until re-dispatched
)

// GeofenceEvent records one membership flip
type GeofenceEvent struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	GeofenceCode string    `json:"geofence_code"`
	GeofenceName string    `json:"geofence_name"`
	EventType    EventType `json:"event_type"`
	OccurredAt   time.Time `json:"occurred_at"`
	SampleID     string    `json:"sample_id"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	DistanceM    float64   `json:"distance_m"`
	AccuracyM    float64   `json:"accuracy_m"`
	BatteryPct   float64   `json:"battery_pct"`
	CreatedAt    time.Time `json:"created_at"`

	DeliveryStatus      DeliveryStatus `json:"delivery_status"`
	DeliveryError       string         `json:"delivery_error,omitempty"`
	DeliveryAttemptedAt *time.Time     `json:"delivery_attempted_at,omitempty"`
	DeliveryAttempts    int            `json:"delivery_attempts"`
}

// OccurredBucket returns the idempotency bucket of the event's occurrence time
func (e *GeofenceEvent) OccurredBucket(width time.Duration) int64 {
	return BucketOf(e.OccurredAt, width)
}

// BucketOf truncates t to width and returns it as unix seconds.
// A non-positive width means one-second buckets.
func BucketOf(t time.Time, width time.Duration) int64 {
	if width <= 0 {
		width = time.Second
	}
	return t.UTC().Truncate(width).Unix()
}

// RecipientError is the failure of a single recipient channel
type RecipientError struct {
	Recipient string `json:"recipient"`
	Error     string `json:"error"`
}

// DispatchResult is the aggregate outcome of one fan-out
type DispatchResult struct {
	EventID     string           `json:"event_id"`
	Attempted   int              `json:"attempted"`
	Succeeded   int              `json:"succeeded"`
	Errors      []RecipientError `json:"errors,omitempty"`
	AlreadySent bool             `json:"already_sent,omitempty"`
}

// Delivered reports whether at least one recipient confirmed delivery
func (r *DispatchResult) Delivered() bool {
	return r != nil && r.Succeeded >= 1
}

// EventCounts aggregates transitions over a window
type EventCounts struct {
	Total int `json:"total"`
	Enter int `json:"enter"`
	Exit  int `json:"exit"`
}

// DeliveryCounts aggregates outstanding deliveries
type DeliveryCounts struct {
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}

// Stats is the observability surface read by the admin dashboard
type Stats struct {
	Window            time.Duration `json:"window"`
	Since             time.Time     `json:"since"`
	TotalEvents       int           `json:"total_events"`
	EnterEvents       int           `json:"enter_events"`
	ExitEvents        int           `json:"exit_events"`
	UsersInside       int           `json:"users_inside"`
	PendingDeliveries int           `json:"pending_deliveries"`
	FailedDeliveries  int           `json:"failed_deliveries"`
}

// EventFilter selects events from the event log
type EventFilter struct {
	UserID       string
	GeofenceCode string
	Status       DeliveryStatus
	Since        time.Time
	Limit        int
}
