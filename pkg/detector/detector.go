package detector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/cuemby/perimeter/pkg/geo"
	"github.com/cuemby/perimeter/pkg/log"
	"github.com/cuemby/perimeter/pkg/metrics"
	"github.com/cuemby/perimeter/pkg/storage"
	"github.com/cuemby/perimeter/pkg/types"
	"github.com/rs/zerolog"
)

const (
	DefaultMinInterval    = 15 * time.Second
	DefaultMaxCASAttempts = 3
)

// errCASLost aborts a transition transaction whose membership CAS failed
var errCASLost = errors.New("membership changed concurrently")

// GeofenceSource provides the current geofence set
type GeofenceSource interface {
	Get(ctx context.Context) ([]*types.GeofenceDefinition, error)
}

// Publisher receives every newly created transition after it is committed
type Publisher interface {
	PublishTransition(event *types.GeofenceEvent) bool
}

// Config tunes the detector
type Config struct {
	// MarginM widens the candidate search beyond each radius
	MarginM float64
	// MinInterval is the debounce window for samples with an unchanged signature.
	// Zero disables debouncing.
	MinInterval time.Duration
	// MaxCASAttempts bounds membership compare-and-set retries per pair
	MaxCASAttempts int
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		MarginM:        geo.DefaultMarginM,
		MinInterval:    DefaultMinInterval,
		MaxCASAttempts: DefaultMaxCASAttempts,
	}
}

// Result summarizes one processed sample
type Result struct {
	SampleID string
	// Events holds transitions created by this call; duplicates reused from
	// the event log are not included
	Events    []*types.GeofenceEvent
	Evaluated int
	Stale     int
	Debounced bool
}

type debounceEntry struct {
	at        time.Time
	signature string
}

// Detector turns location samples into membership transitions
type Detector struct {
	store     storage.Store
	fences    GeofenceSource
	publisher Publisher
	locks     *LockTable
	clock     quartz.Clock
	logger    zerolog.Logger
	cfg       Config

	mu       sync.Mutex
	debounce map[string]debounceEntry
}

// New creates a detector. publisher may be nil.
func New(store storage.Store, fences GeofenceSource, publisher Publisher, clock quartz.Clock, cfg Config) *Detector {
	if cfg.MarginM < 0 {
		cfg.MarginM = 0
	}
	if cfg.MaxCASAttempts <= 0 {
		cfg.MaxCASAttempts = DefaultMaxCASAttempts
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Detector{
		store:     store,
		fences:    fences,
		publisher: publisher,
		locks:     NewLockTable(),
		clock:     clock,
		logger:    log.WithComponent("detector"),
		cfg:       cfg,
		debounce:  make(map[string]debounceEntry),
	}
}

// Process evaluates one claimed sample against every nearby geofence and
// every geofence the user is currently inside. The caller owns the claim and
// marks the sample processed once Process returns without a retryable error.
func (d *Detector) Process(ctx context.Context, sample *types.LocationSample) (*Result, error) {
	if err := geo.ValidateCoordinate(sample.Latitude, sample.Longitude); err != nil {
		return nil, err
	}
	if err := geo.ValidateIdentifier("user_id", sample.UserID); err != nil {
		return nil, err
	}

	timer := metrics.NewTimerWithClock(d.clock)
	defer timer.ObserveDuration(metrics.SampleProcessingDuration)

	logger := log.WithSampleID(log.WithUserID(d.logger, sample.UserID), sample.ID)

	release, err := d.locks.Acquire(ctx, sample.UserID)
	if err != nil {
		return nil, err
	}
	result, err := d.processLocked(ctx, sample, logger)
	release()
	if err != nil {
		return nil, err
	}

	for _, event := range result.Events {
		metrics.TransitionsTotal.WithLabelValues(string(event.EventType)).Inc()
		logger.Info().
			Str("event_id", event.ID).
			Str("geofence_code", event.GeofenceCode).
			Str("event_type", string(event.EventType)).
			Float64("distance_m", event.DistanceM).
			Msg("Geofence transition")
		if d.publisher != nil {
			d.publisher.PublishTransition(event)
		}
	}
	return result, nil
}

func (d *Detector) processLocked(ctx context.Context, sample *types.LocationSample, logger zerolog.Logger) (*Result, error) {
	result := &Result{SampleID: sample.ID}

	fences, err := d.fences.Get(ctx)
	if err != nil {
		return nil, types.Transient("load geofences", err)
	}

	candidates := geo.Resolve(sample.Latitude, sample.Longitude, d.cfg.MarginM, fences)
	signature := candidateSignature(candidates)

	memberships, err := d.store.ListMemberships(ctx, sample.UserID)
	if err != nil {
		return nil, types.Transient("list memberships", err)
	}

	// The remembered signature only stands in for evaluation while the stored
	// memberships still agree with it. Another process, or a sample that was
	// stale for some pair, can leave them apart.
	if d.debounced(sample.UserID, signature) && agrees(memberships, candidates, fences) {
		result.Debounced = true
		logger.Debug().Str("signature", signature).Msg("Sample debounced")
		return result, nil
	}

	// Geofences the user is inside but too far away to be candidates
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		seen[c.Code] = true
	}
	for _, m := range memberships {
		if !m.IsInside || seen[m.GeofenceCode] {
			continue
		}
		fence := findActive(fences, m.GeofenceCode)
		if fence == nil {
			logger.Debug().Str("geofence_code", m.GeofenceCode).Msg("Inside membership for unknown or inactive geofence, leaving as is")
			continue
		}
		candidates = append(candidates, geo.Evaluate(sample.Latitude, sample.Longitude, fence))
	}

	for _, c := range candidates {
		event, stale, err := d.evaluate(ctx, sample, c)
		if err != nil {
			return nil, err
		}
		result.Evaluated++
		if stale {
			result.Stale++
			metrics.StaleSamples.Inc()
			logger.Debug().Str("geofence_code", c.Code).Msg("Ignoring out-of-order sample")
			continue
		}
		if event != nil {
			result.Events = append(result.Events, event)
		}
	}

	if result.Stale > 0 {
		d.forgetUser(sample.UserID)
	} else {
		d.remember(sample.UserID, signature)
	}
	return result, nil
}

// agrees reports whether memberships match what the candidates would set:
// each candidate's stored state equals its IsInside, and no active geofence
// outside the candidate set is still marked inside.
func agrees(memberships []*types.MembershipState, candidates []geo.Candidate, fences []*types.GeofenceDefinition) bool {
	inside := make(map[string]bool, len(memberships))
	for _, m := range memberships {
		inside[m.GeofenceCode] = m.IsInside
	}
	near := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if inside[c.Code] != c.IsInside {
			return false
		}
		near[c.Code] = true
	}
	for _, m := range memberships {
		if m.IsInside && !near[m.GeofenceCode] && findActive(fences, m.GeofenceCode) != nil {
			return false
		}
	}
	return true
}

// evaluate applies one candidate to its membership. It returns the event when
// one was newly created, or stale when the pair has already seen a newer sample.
func (d *Detector) evaluate(ctx context.Context, sample *types.LocationSample, c geo.Candidate) (*types.GeofenceEvent, bool, error) {
	observedAt := sample.ObservedAt.UTC()

	for attempt := 1; attempt <= d.cfg.MaxCASAttempts; attempt++ {
		state, err := d.store.GetMembership(ctx, sample.UserID, c.Code)
		if err != nil {
			return nil, false, types.Transient("get membership", err)
		}
		if observedAt.Before(state.LastSampleAt) {
			return nil, true, nil
		}

		if state.IsInside == c.IsInside {
			if err := d.store.TouchMembership(ctx, sample.UserID, c.Code, observedAt); err != nil {
				return nil, false, types.Transient("touch membership", err)
			}
			return nil, false, nil
		}

		event := newEvent(sample, c)
		created := false
		err = d.store.InTx(ctx, func(tx storage.Tx) error {
			created = false
			err := tx.CreateEvent(event)
			var dup *storage.DuplicateEventError
			switch {
			case errors.As(err, &dup):
				event.ID = dup.ExistingID
			case err != nil:
				return err
			default:
				created = true
			}

			ok, err := tx.CompareAndSetMembership(sample.UserID, c.Code, state.IsInside, c.IsInside, event.ID, observedAt)
			if err != nil {
				return err
			}
			if !ok {
				return errCASLost
			}
			return nil
		})
		if errors.Is(err, errCASLost) {
			metrics.MembershipConflicts.Inc()
			continue
		}
		if err != nil {
			return nil, false, types.Transient("record transition", err)
		}
		if !created {
			return nil, false, nil
		}
		return event, false, nil
	}

	return nil, false, &types.ConcurrencyConflict{
		UserID:       sample.UserID,
		GeofenceCode: c.Code,
		Attempts:     d.cfg.MaxCASAttempts,
	}
}

func newEvent(sample *types.LocationSample, c geo.Candidate) *types.GeofenceEvent {
	eventType := types.EventTypeExit
	if c.IsInside {
		eventType = types.EventTypeEnter
	}
	return &types.GeofenceEvent{
		UserID:       sample.UserID,
		GeofenceCode: c.Code,
		GeofenceName: c.Name,
		EventType:    eventType,
		OccurredAt:   sample.ObservedAt.UTC(),
		SampleID:     sample.ID,
		Latitude:     sample.Latitude,
		Longitude:    sample.Longitude,
		DistanceM:    c.DistanceM,
		AccuracyM:    sample.AccuracyM,
		BatteryPct:   sample.BatteryPct,
	}
}

func findActive(fences []*types.GeofenceDefinition, code string) *types.GeofenceDefinition {
	for _, fence := range fences {
		if fence != nil && fence.Code == code && fence.Active {
			return fence
		}
	}
	return nil
}

// candidateSignature is a stable encoding of which geofences are near and
// which of them contain the sample
func candidateSignature(candidates []geo.Candidate) string {
	parts := make([]string, 0, len(candidates))
	for _, c := range candidates {
		parts = append(parts, fmt.Sprintf("%s=%t", c.Code, c.IsInside))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func (d *Detector) debounced(userID, signature string) bool {
	if d.cfg.MinInterval <= 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	last, ok := d.debounce[userID]
	if !ok || last.signature != signature {
		return false
	}
	return d.clock.Since(last.at) < d.cfg.MinInterval
}

func (d *Detector) remember(userID, signature string) {
	if d.cfg.MinInterval <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	d.debounce[userID] = debounceEntry{at: now, signature: signature}

	// Drop entries that can no longer debounce anything
	if len(d.debounce) > 4096 {
		for user, entry := range d.debounce {
			if now.Sub(entry.at) >= d.cfg.MinInterval {
				delete(d.debounce, user)
			}
		}
	}
}

func (d *Detector) forgetUser(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.debounce, userID)
}

// Forget clears the debounce memory, used after the geofence set changes
func (d *Detector) Forget() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.debounce = make(map[string]debounceEntry)
}
