package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"github.com/coder/quartz"
	"github.com/cuemby/perimeter/pkg/config"
	"github.com/cuemby/perimeter/pkg/detector"
	"github.com/cuemby/perimeter/pkg/dispatch"
	"github.com/cuemby/perimeter/pkg/events"
	"github.com/cuemby/perimeter/pkg/geo"
	"github.com/cuemby/perimeter/pkg/geofence"
	"github.com/cuemby/perimeter/pkg/log"
	"github.com/cuemby/perimeter/pkg/metrics"
	"github.com/cuemby/perimeter/pkg/reconciler"
	"github.com/cuemby/perimeter/pkg/scheduler"
	"github.com/cuemby/perimeter/pkg/storage"
	"github.com/cuemby/perimeter/pkg/types"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// Options overrides parts of the wiring, mostly for tests
type Options struct {
	Clock quartz.Clock
	// Store replaces the backend selected by the config. The engine closes it
	// on Shutdown.
	Store storage.Store
	// Notifiers replaces the recipients from the config
	Notifiers []dispatch.Notifier
}

// Engine wires the store, geofence cache, detector, dispatcher, worker pool
// and sweep into one running process
type Engine struct {
	cfg    *config.Config
	clock  quartz.Clock
	logger zerolog.Logger

	store      storage.Store
	broker     *events.Broker
	fences     *geofence.Cache
	detector   *detector.Detector
	dispatcher *dispatch.Dispatcher
	scheduler  *scheduler.Scheduler
	reconciler *reconciler.Reconciler
	collector  *metrics.Collector
	notifiers  []dispatch.Notifier
}

// SubmitResult reports what ingress did with a sample
type SubmitResult struct {
	ID string `json:"id"`
	// Created is false when a sample with the same id already existed
	Created bool `json:"created"`
	// Queued is false when the worker queue was full; the sweep picks the
	// sample up instead
	Queued bool `json:"queued"`
}

// ApplyResult lists the geofence codes touched by ApplyGeofences
type ApplyResult struct {
	Created   []string `json:"created,omitempty"`
	Updated   []string `json:"updated,omitempty"`
	Unchanged []string `json:"unchanged,omitempty"`
	Deleted   []string `json:"deleted,omitempty"`
}

// New builds every component. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	clock := opts.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}

	e := &Engine{
		cfg:    cfg,
		clock:  clock,
		logger: log.WithComponent("engine"),
	}

	store := opts.Store
	if store == nil {
		var err error
		store, err = openStore(ctx, cfg, clock)
		if err != nil {
			return nil, err
		}
	}
	e.store = store

	notifiers := opts.Notifiers
	if notifiers == nil {
		for _, r := range cfg.Dispatch.Recipients {
			n, err := dispatch.NewNotifier(r, log.WithComponent("notifier"))
			if err != nil {
				e.closeNotifiers(notifiers)
				_ = store.Close()
				return nil, err
			}
			notifiers = append(notifiers, n)
		}
	}
	e.notifiers = notifiers

	renderer, err := dispatch.NewRenderer(cfg.Dispatch.TitleTemplate, cfg.Dispatch.BodyTemplate, cfg.Location())
	if err != nil {
		e.closeNotifiers(notifiers)
		_ = store.Close()
		return nil, err
	}

	e.broker = events.NewBroker()
	e.fences = geofence.NewCache(store, cfg.Geofences.CacheTTL, clock)
	e.detector = detector.New(store, e.fences, e.broker, clock, detector.Config{
		MarginM:        cfg.Detector.MarginM,
		MinInterval:    cfg.Detector.MinInterval,
		MaxCASAttempts: cfg.Detector.MaxCASAttempts,
	})
	e.dispatcher = dispatch.New(store, notifiers, renderer, e.broker, dispatch.Config{
		RecipientTimeout: cfg.Dispatch.RecipientTimeout,
		Workers:          cfg.Dispatch.Workers,
	})
	e.scheduler = scheduler.NewScheduler(store, e.detector, scheduler.Config{
		Workers:    cfg.Scheduler.Workers,
		QueueSize:  cfg.Scheduler.QueueSize,
		MaxRetries: cfg.Scheduler.MaxRetries,
	})
	e.reconciler = reconciler.NewReconciler(store, e.scheduler, e.dispatcher, clock, reconciler.Config{
		Interval:            cfg.Reconciler.Interval,
		BatchSize:           cfg.Reconciler.BatchSize,
		PendingAfter:        cfg.Reconciler.PendingAfter,
		RedispatchAfter:     cfg.Reconciler.RedispatchAfter,
		MaxDeliveryAttempts: cfg.Reconciler.MaxDeliveryAttempts,
	})
	e.collector = metrics.NewCollector(e, cfg.Metrics.StatsWindow, clock, log.WithComponent("collector"))

	return e, nil
}

func openStore(ctx context.Context, cfg *config.Config, clock quartz.Clock) (storage.Store, error) {
	opts := storage.Options{
		LeaseTimeout: cfg.Store.LeaseTimeout,
		EventBucket:  cfg.Store.EventBucket,
		Clock:        clock,
	}

	switch cfg.Store.Backend {
	case config.BackendPostgres:
		store, err := storage.NewPostgresStore(ctx, cfg.Store.PostgresDSN, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
		return store, nil
	default:
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err := storage.NewBoltStore(cfg.DataDir, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to open bolt store: %w", err)
		}
		return store, nil
	}
}

// Start launches the broker, dispatcher, worker pool, sweep and collector
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.Ping(ctx); err != nil {
		metrics.RegisterComponent(metrics.ComponentStore, false, err.Error())
		return fmt.Errorf("store not reachable: %w", err)
	}
	metrics.RegisterComponent(metrics.ComponentStore, true, e.cfg.Store.Backend)

	e.broker.Start()
	if err := e.dispatcher.Start(ctx); err != nil {
		return err
	}
	metrics.RegisterComponent(metrics.ComponentDispatch, true, fmt.Sprintf("%d recipients", len(e.notifiers)))

	if err := e.scheduler.Start(ctx); err != nil {
		return err
	}
	e.reconciler.Start(ctx)
	e.collector.Start(ctx)

	e.logger.Info().
		Str("backend", e.cfg.Store.Backend).
		Strs("recipients", e.dispatcher.Recipients()).
		Msg("Engine started")
	return nil
}

// Shutdown stops every component in reverse order and closes the store
func (e *Engine) Shutdown() error {
	e.collector.Stop()
	e.reconciler.Stop()
	e.scheduler.Stop()
	e.dispatcher.Stop()
	e.broker.Stop()

	var result *multierror.Error
	for _, n := range e.notifiers {
		if closer, ok := n.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("close notifier %s: %w", n.Name(), err))
			}
		}
	}
	if err := e.store.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close store: %w", err))
	}
	metrics.UpdateComponent(metrics.ComponentStore, false, "closed")

	e.logger.Info().Msg("Engine stopped")
	return result.ErrorOrNil()
}

func (e *Engine) closeNotifiers(notifiers []dispatch.Notifier) {
	for _, n := range notifiers {
		if closer, ok := n.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	}
}

// Ping reports whether the store is reachable
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

// SubmitSample validates and stores a sample, then notifies the worker pool.
// Samples without an id get a time-ordered one; samples without a source are
// treated as pushed.
func (e *Engine) SubmitSample(ctx context.Context, sample *types.LocationSample) (*SubmitResult, error) {
	if err := validateSample(sample); err != nil {
		metrics.SamplesRejected.Inc()
		return nil, err
	}
	if sample.Source == "" {
		sample.Source = types.SampleSourcePush
	}
	sample.ObservedAt = sample.ObservedAt.UTC()

	created, err := e.store.InsertSample(ctx, sample)
	if err != nil {
		return nil, types.Transient("insert sample", err)
	}
	result := &SubmitResult{ID: sample.ID, Created: created}
	if !created {
		return result, nil
	}

	metrics.SamplesReceived.WithLabelValues(string(sample.Source)).Inc()
	result.Queued = e.scheduler.Notify(sample.ID)
	return result, nil
}

func validateSample(sample *types.LocationSample) error {
	if sample == nil {
		return &types.ValidationError{Field: "sample", Reason: "must not be empty"}
	}
	if err := geo.ValidateIdentifier("user_id", sample.UserID); err != nil {
		return err
	}
	if err := geo.ValidateCoordinate(sample.Latitude, sample.Longitude); err != nil {
		return err
	}
	if sample.ObservedAt.IsZero() {
		return &types.ValidationError{Field: "observed_at", Reason: "must be set"}
	}
	switch sample.Source {
	case "", types.SampleSourcePush, types.SampleSourceSweep, types.SampleSourceSynthetic:
	default:
		return &types.ValidationError{Field: "source", Reason: fmt.Sprintf("unknown source %q", sample.Source)}
	}
	for field, v := range map[string]float64{
		"accuracy_m":  sample.AccuracyM,
		"battery_pct": sample.BatteryPct,
		"velocity":    sample.Velocity,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return &types.ValidationError{Field: field, Reason: "must be a non-negative number"}
		}
	}
	return nil
}

// Stats aggregates transitions over window and the current delivery backlog
func (e *Engine) Stats(ctx context.Context, window time.Duration) (*types.Stats, error) {
	if window <= 0 {
		return nil, &types.ValidationError{Field: "window", Reason: "must be positive"}
	}
	since := e.clock.Now().UTC().Add(-window)

	counts, err := e.store.CountEvents(ctx, since)
	if err != nil {
		return nil, types.Transient("count events", err)
	}
	inside, err := e.store.CountUsersInside(ctx)
	if err != nil {
		return nil, types.Transient("count users inside", err)
	}
	deliveries, err := e.store.CountDeliveries(ctx)
	if err != nil {
		return nil, types.Transient("count deliveries", err)
	}

	return &types.Stats{
		Window:            window,
		Since:             since,
		TotalEvents:       counts.Total,
		EnterEvents:       counts.Enter,
		ExitEvents:        counts.Exit,
		UsersInside:       inside,
		PendingDeliveries: deliveries.Pending,
		FailedDeliveries:  deliveries.Failed,
	}, nil
}

// GetEvent returns one event
func (e *Engine) GetEvent(ctx context.Context, id string) (*types.GeofenceEvent, error) {
	event, err := e.store.GetEvent(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &types.NotFoundError{Kind: "event", ID: id}
	}
	if err != nil {
		return nil, types.Transient("get event", err)
	}
	return event, nil
}

// ListEvents returns events matching filter, newest first
func (e *Engine) ListEvents(ctx context.Context, filter types.EventFilter) ([]*types.GeofenceEvent, error) {
	switch filter.Status {
	case "", types.DeliveryStatusPending, types.DeliveryStatusSent, types.DeliveryStatusFailed:
	default:
		return nil, &types.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown delivery status %q", filter.Status)}
	}
	events, err := e.store.ListEvents(ctx, filter)
	if err != nil {
		return nil, types.Transient("list events", err)
	}
	return events, nil
}

// Redispatch delivers one event again on request. Sent events are reported
// as such and left alone.
func (e *Engine) Redispatch(ctx context.Context, id string) (*types.DispatchResult, error) {
	event, err := e.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	result, err := e.dispatcher.Dispatch(ctx, event)
	if err != nil {
		return nil, err
	}
	if !result.AlreadySent {
		metrics.Redispatched.Inc()
	}
	return result, nil
}

// OnTransition dispatches a freshly created event synchronously
func (e *Engine) OnTransition(ctx context.Context, event *types.GeofenceEvent) (*types.DispatchResult, error) {
	return e.dispatcher.OnTransition(ctx, event)
}

// ListGeofences returns the stored geofence set ordered by code
func (e *Engine) ListGeofences(ctx context.Context) ([]*types.GeofenceDefinition, error) {
	fences, err := e.store.ListGeofences(ctx)
	if err != nil {
		return nil, types.Transient("list geofences", err)
	}
	sort.Slice(fences, func(i, j int) bool { return fences[i].Code < fences[j].Code })
	return fences, nil
}

// ApplyGeofences stores the given definitions, deleting every other stored
// geofence when prune is set, and invalidates the cache
func (e *Engine) ApplyGeofences(ctx context.Context, fences []*types.GeofenceDefinition, prune bool) (*ApplyResult, error) {
	seen := make(map[string]bool, len(fences))
	for _, fence := range fences {
		if fence == nil {
			return nil, &types.ValidationError{Field: "geofences", Reason: "must not contain empty entries"}
		}
		if err := geo.ValidateGeofence(fence); err != nil {
			return nil, err
		}
		if seen[fence.Code] {
			return nil, &types.ValidationError{Field: "code", Reason: fmt.Sprintf("duplicate geofence code %q", fence.Code)}
		}
		seen[fence.Code] = true
	}

	existing, err := e.store.ListGeofences(ctx)
	if err != nil {
		return nil, types.Transient("list geofences", err)
	}
	current := make(map[string]*types.GeofenceDefinition, len(existing))
	for _, fence := range existing {
		current[fence.Code] = fence
	}

	result := &ApplyResult{}
	for _, fence := range fences {
		old, ok := current[fence.Code]
		switch {
		case !ok:
			result.Created = append(result.Created, fence.Code)
		case *old == *fence:
			result.Unchanged = append(result.Unchanged, fence.Code)
			continue
		default:
			result.Updated = append(result.Updated, fence.Code)
		}
		if err := e.store.PutGeofence(ctx, fence); err != nil {
			return result, types.Transient("put geofence", err)
		}
	}

	if prune {
		for _, old := range existing {
			if seen[old.Code] {
				continue
			}
			if err := e.store.DeleteGeofence(ctx, old.Code); err != nil {
				return result, types.Transient("delete geofence", err)
			}
			result.Deleted = append(result.Deleted, old.Code)
		}
	}

	if len(result.Created)+len(result.Updated)+len(result.Deleted) > 0 {
		e.InvalidateGeofences()
		e.broker.Publish(&events.Event{
			Type:    events.EventGeofencesApplied,
			Message: fmt.Sprintf("%d created, %d updated, %d deleted", len(result.Created), len(result.Updated), len(result.Deleted)),
		})
	}
	e.logger.Info().
		Int("created", len(result.Created)).
		Int("updated", len(result.Updated)).
		Int("unchanged", len(result.Unchanged)).
		Int("deleted", len(result.Deleted)).
		Msg("Geofences applied")
	return result, nil
}

// InvalidateGeofences drops the cached geofence set and the detector's
// debounce memory, which was computed against the old set
func (e *Engine) InvalidateGeofences() {
	e.fences.Invalidate()
	e.detector.Forget()
}
