package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/perimeter/pkg/events"
	"github.com/cuemby/perimeter/pkg/log"
	"github.com/cuemby/perimeter/pkg/metrics"
	"github.com/cuemby/perimeter/pkg/storage"
	"github.com/cuemby/perimeter/pkg/types"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultRecipientTimeout = 10 * time.Second
	DefaultWorkers          = 4
)

// ErrNoRecipients is recorded on events dispatched with no recipient configured
var ErrNoRecipients = errors.New("no recipients configured")

// Config tunes the dispatcher
type Config struct {
	// RecipientTimeout bounds each recipient independently
	RecipientTimeout time.Duration
	// Workers is how many events the broker subscription dispatches at once
	Workers int
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		RecipientTimeout: DefaultRecipientTimeout,
		Workers:          DefaultWorkers,
	}
}

// Dispatcher fans a geofence event out to every recipient and records the
// delivery outcome in the event log
type Dispatcher struct {
	store     storage.EventLog
	notifiers []Notifier
	renderer  *Renderer
	broker    *events.Broker
	cfg       Config
	logger    zerolog.Logger

	inflight singleflight.Group

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a dispatcher. renderer and broker may be nil.
func New(store storage.EventLog, notifiers []Notifier, renderer *Renderer, broker *events.Broker, cfg Config) *Dispatcher {
	if cfg.RecipientTimeout <= 0 {
		cfg.RecipientTimeout = DefaultRecipientTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if renderer == nil {
		var err error
		renderer, err = NewRenderer("", "", nil)
		if err != nil {
			panic(fmt.Sprintf("default templates: %v", err))
		}
	}
	return &Dispatcher{
		store:     store,
		notifiers: notifiers,
		renderer:  renderer,
		broker:    broker,
		cfg:       cfg,
		logger:    log.WithComponent("dispatch"),
	}
}

// Recipients returns the configured notifier names
func (d *Dispatcher) Recipients() []string {
	names := make([]string, 0, len(d.notifiers))
	for _, n := range d.notifiers {
		names = append(names, n.Name())
	}
	return names
}

// OnTransition is the synchronous egress: it dispatches event and returns
// once the outcome is recorded
func (d *Dispatcher) OnTransition(ctx context.Context, event *types.GeofenceEvent) (*types.DispatchResult, error) {
	return d.Dispatch(ctx, event)
}

// Dispatch delivers event to every recipient. The event is marked sent only
// when at least one recipient confirmed delivery, and failed otherwise with
// every recipient error. Events already sent are skipped. Concurrent calls for
// the same event share one fan-out.
func (d *Dispatcher) Dispatch(ctx context.Context, event *types.GeofenceEvent) (*types.DispatchResult, error) {
	if event == nil || event.ID == "" {
		return nil, &types.ValidationError{Field: "event_id", Reason: "must not be empty"}
	}
	v, err, _ := d.inflight.Do(event.ID, func() (interface{}, error) {
		return d.dispatch(ctx, event.ID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.DispatchResult), nil
}

func (d *Dispatcher) dispatch(ctx context.Context, id string) (*types.DispatchResult, error) {
	current, err := d.store.GetEvent(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &types.NotFoundError{Kind: "event", ID: id}
	}
	if err != nil {
		return nil, types.Transient("get event", err)
	}

	logger := log.WithEventID(d.logger, current.ID, current.UserID, current.GeofenceCode)

	if current.DeliveryStatus == types.DeliveryStatusSent {
		logger.Debug().Msg("Event already delivered, skipping")
		return &types.DispatchResult{EventID: id, AlreadySent: true}, nil
	}

	var (
		result  *types.DispatchResult
		failure error
	)
	msg, err := d.renderer.Render(current)
	if err != nil {
		result = &types.DispatchResult{EventID: id}
		failure = err
	} else {
		result, failure = d.fanOut(ctx, msg)
	}

	if result.Delivered() {
		err = d.store.MarkSent(ctx, id, result)
	} else {
		err = d.store.MarkFailed(ctx, id, failure)
	}
	if errors.Is(err, storage.ErrDeliveryFinalized) {
		// Another dispatcher confirmed delivery first
		logger.Debug().Msg("Delivery already finalized by a concurrent dispatch")
		result.AlreadySent = true
		return result, nil
	}
	if err != nil {
		return result, types.Transient("record delivery", err)
	}

	if result.Delivered() {
		metrics.DeliveriesTotal.WithLabelValues(string(types.DeliveryStatusSent)).Inc()
		logger.Info().
			Int("attempted", result.Attempted).
			Int("succeeded", result.Succeeded).
			Msg("Event delivered")
	} else {
		metrics.DeliveriesTotal.WithLabelValues(string(types.DeliveryStatusFailed)).Inc()
		logger.Warn().
			Int("attempted", result.Attempted).
			Err(failure).
			Msg("Event delivery failed")
	}
	d.publish(current, result)
	return result, nil
}

// fanOut sends msg to every recipient concurrently. The returned error
// aggregates every recipient failure and is nil only if all succeeded.
func (d *Dispatcher) fanOut(ctx context.Context, msg *Message) (*types.DispatchResult, error) {
	result := &types.DispatchResult{
		EventID:   msg.Event.ID,
		Attempted: len(d.notifiers),
	}
	if len(d.notifiers) == 0 {
		return result, ErrNoRecipients
	}

	errs := make([]error, len(d.notifiers))
	var g errgroup.Group
	for i, n := range d.notifiers {
		g.Go(func() error {
			errs[i] = d.deliver(ctx, n, msg)
			return nil
		})
	}
	_ = g.Wait()

	var merr *multierror.Error
	for i, err := range errs {
		if err == nil {
			result.Succeeded++
			continue
		}
		name := d.notifiers[i].Name()
		result.Errors = append(result.Errors, types.RecipientError{Recipient: name, Error: err.Error()})
		merr = multierror.Append(merr, &types.DeliveryError{Recipient: name, Err: err})
	}
	if merr == nil {
		return result, nil
	}
	merr.ErrorFormat = formatDeliveryErrors
	return result, merr
}

func (d *Dispatcher) deliver(ctx context.Context, n Notifier, msg *Message) (err error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.RecipientTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notifier panic: %v", r)
		}
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		metrics.RecipientDeliveries.WithLabelValues(string(n.Channel()), outcome).Inc()
	}()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RecipientDeliveryDuration, string(n.Channel()))

	return n.Notify(ctx, msg)
}

func formatDeliveryErrors(errs []error) string {
	parts := make([]string, 0, len(errs))
	for _, err := range errs {
		parts = append(parts, err.Error())
	}
	return fmt.Sprintf("%d recipient(s) failed: %s", len(errs), strings.Join(parts, "; "))
}

func (d *Dispatcher) publish(event *types.GeofenceEvent, result *types.DispatchResult) {
	if d.broker == nil {
		return
	}
	eventType := events.EventDeliverySent
	if !result.Delivered() {
		eventType = events.EventDeliveryFailed
	}
	d.broker.Publish(&events.Event{
		Type:       eventType,
		Transition: event,
		Result:     result,
		Metadata: map[string]string{
			"event_id": event.ID,
		},
	})
}

// Start subscribes to the broker and dispatches every new transition in the
// background. Dispatch failures stay in the event log for the sweep.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.broker == nil {
		return errors.New("dispatcher has no broker to subscribe to")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return errors.New("dispatcher already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	sub := d.broker.Subscribe()

	go d.run(ctx, sub)
	d.logger.Info().
		Int("recipients", len(d.notifiers)).
		Int("workers", d.cfg.Workers).
		Msg("Dispatcher started")
	return nil
}

// Stop ends the subscription and waits for in-flight dispatches
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel = nil
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (d *Dispatcher) run(ctx context.Context, sub events.Subscriber) {
	defer close(d.done)
	defer d.broker.Unsubscribe(sub)

	var g errgroup.Group
	g.SetLimit(d.cfg.Workers)
	defer func() { _ = g.Wait() }()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if ev.Type != events.EventTransitionCreated || ev.Transition == nil {
				continue
			}
			event := ev.Transition
			g.Go(func() error {
				if _, err := d.Dispatch(ctx, event); err != nil && ctx.Err() == nil {
					logger := log.WithEventID(d.logger, event.ID, event.UserID, event.GeofenceCode)
					logger.Error().Err(err).Msg("Dispatch failed")
				}
				return nil
			})
		}
	}
}
