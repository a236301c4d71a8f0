package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/cuemby/perimeter/pkg/log"
	"github.com/cuemby/perimeter/pkg/metrics"
	"github.com/cuemby/perimeter/pkg/types"
	"github.com/rs/zerolog"
)

// Store is the part of the engine state the sweep reads
type Store interface {
	ClaimBatch(ctx context.Context, limit int) ([]*types.LocationSample, error)
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*types.GeofenceEvent, error)
	ListFailed(ctx context.Context, olderThan time.Time, limit int) ([]*types.GeofenceEvent, error)
}

// SampleQueue accepts samples the sweep has claimed
type SampleQueue interface {
	Enqueue(ctx context.Context, sample *types.LocationSample) error
}

// Dispatcher re-delivers an event
type Dispatcher interface {
	Dispatch(ctx context.Context, event *types.GeofenceEvent) (*types.DispatchResult, error)
}

// Config tunes the sweep
type Config struct {
	Interval  time.Duration
	BatchSize int
	// PendingAfter is how long a never-attempted event waits before the sweep
	// delivers it. Such events were dropped by the bus or lost in a crash.
	PendingAfter time.Duration
	// RedispatchAfter is how long a failed event waits before the sweep
	// retries its delivery
	RedispatchAfter     time.Duration
	MaxDeliveryAttempts int
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		Interval:            30 * time.Second,
		BatchSize:           256,
		PendingAfter:        30 * time.Second,
		RedispatchAfter:     5 * time.Minute,
		MaxDeliveryAttempts: 5,
	}
}

// Report summarizes one sweep
type Report struct {
	Reclaimed    int
	Redispatched int
	// GaveUp counts events left failed after MaxDeliveryAttempts
	GaveUp int
}

// Reconciler periodically re-injects unclaimed and lease-expired samples into
// the worker pool and retries undelivered events
type Reconciler struct {
	store      Store
	queue      SampleQueue
	dispatcher Dispatcher
	clock      quartz.Clock
	cfg        Config
	logger     zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReconciler creates a new reconciler. dispatcher may be nil to only sweep samples.
func NewReconciler(store Store, queue SampleQueue, dispatcher Dispatcher, clock quartz.Clock, cfg Config) *Reconciler {
	d := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.PendingAfter <= 0 {
		cfg.PendingAfter = d.PendingAfter
	}
	if cfg.RedispatchAfter <= 0 {
		cfg.RedispatchAfter = d.RedispatchAfter
	}
	if cfg.MaxDeliveryAttempts <= 0 {
		cfg.MaxDeliveryAttempts = d.MaxDeliveryAttempts
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Reconciler{
		store:      store,
		queue:      queue,
		dispatcher: dispatcher,
		clock:      clock,
		cfg:        cfg,
		logger:     log.WithComponent("reconciler"),
	}
}

// Start begins the sweep loop
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		waiter := r.clock.TickerFunc(ctx, r.cfg.Interval, func() error {
			r.Reconcile(ctx)
			return nil
		}, "reconciler")
		_ = waiter.Wait()
	}()

	r.logger.Info().Dur("interval", r.cfg.Interval).Msg("Reconciler started")
}

// Stop stops the sweep loop and waits for a running sweep to finish
func (r *Reconciler) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Reconcile performs one sweep
func (r *Reconciler) Reconcile(ctx context.Context) Report {
	timer := metrics.NewTimerWithClock(r.clock)
	defer func() {
		timer.ObserveDuration(metrics.SweepDuration)
		metrics.SweepCyclesTotal.Inc()
	}()

	var report Report
	report.Reclaimed = r.reclaimSamples(ctx)
	if r.dispatcher != nil {
		report.Redispatched, report.GaveUp = r.redispatchEvents(ctx)
	}

	if report.Reclaimed > 0 || report.Redispatched > 0 {
		r.logger.Info().
			Int("reclaimed", report.Reclaimed).
			Int("redispatched", report.Redispatched).
			Msg("Sweep completed")
	}
	return report
}

func (r *Reconciler) reclaimSamples(ctx context.Context) int {
	samples, err := r.store.ClaimBatch(ctx, r.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn().Err(err).Msg("Failed to claim samples")
		}
		return 0
	}

	handed := 0
	for _, sample := range samples {
		if err := r.queue.Enqueue(ctx, sample); err != nil {
			// The rest keep their claims until the lease expires
			r.logger.Debug().Err(err).Int("remaining", len(samples)-handed).Msg("Stopped handing over samples")
			break
		}
		handed++
	}
	metrics.SamplesReclaimed.Add(float64(handed))
	return handed
}

func (r *Reconciler) redispatchEvents(ctx context.Context) (redispatched, gaveUp int) {
	now := r.clock.Now()

	pending, err := r.store.ListPending(ctx, now.Add(-r.cfg.PendingAfter), r.cfg.BatchSize)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to list pending events")
	}
	failed, err := r.store.ListFailed(ctx, now.Add(-r.cfg.RedispatchAfter), r.cfg.BatchSize)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to list failed events")
	}

	for _, event := range append(pending, failed...) {
		if ctx.Err() != nil {
			return
		}
		if event.DeliveryAttempts >= r.cfg.MaxDeliveryAttempts {
			gaveUp++
			continue
		}

		logger := log.WithEventID(r.logger, event.ID, event.UserID, event.GeofenceCode)
		result, err := r.dispatcher.Dispatch(ctx, event)
		if err != nil {
			logger.Warn().Err(err).Msg("Re-dispatch failed")
			continue
		}
		redispatched++
		metrics.Redispatched.Inc()
		logger.Debug().
			Int("attempts", event.DeliveryAttempts+1).
			Bool("delivered", result.Delivered()).
			Msg("Re-dispatched event")
	}
	return redispatched, gaveUp
}
