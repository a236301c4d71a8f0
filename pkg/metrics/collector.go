package metrics

import (
	"context"
	"time"

	"github.com/coder/quartz"
	"github.com/cuemby/perimeter/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultCollectInterval is how often aggregate gauges are refreshed
const DefaultCollectInterval = 15 * time.Second

// StatsSource computes the aggregate statistics exported as gauges
type StatsSource interface {
	Stats(ctx context.Context, window time.Duration) (*types.Stats, error)
}

// Collector periodically copies Stats into the aggregate gauges
type Collector struct {
	source   StatsSource
	window   time.Duration
	interval time.Duration
	clock    quartz.Clock
	logger   zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source StatsSource, window time.Duration, clock quartz.Clock, logger zerolog.Logger) *Collector {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Collector{
		source:   source,
		window:   window,
		interval: DefaultCollectInterval,
		clock:    clock,
		logger:   logger,
	}
}

// Start begins collecting metrics
func (c *Collector) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)

		// Collect immediately on start
		c.collect(ctx)

		waiter := c.clock.TickerFunc(ctx, c.interval, func() error {
			c.collect(ctx)
			return nil
		}, "collector")
		_ = waiter.Wait()
	}()
}

// Stop stops the collector and waits for the loop to exit
func (c *Collector) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

func (c *Collector) collect(ctx context.Context) {
	stats, err := c.source.Stats(ctx, c.window)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn().Err(err).Msg("Failed to collect stats")
		}
		return
	}
	Record(stats)
}

// Record copies one Stats snapshot into the gauges
func Record(stats *types.Stats) {
	EventsInWindow.WithLabelValues("total").Set(float64(stats.TotalEvents))
	EventsInWindow.WithLabelValues(string(types.EventTypeEnter)).Set(float64(stats.EnterEvents))
	EventsInWindow.WithLabelValues(string(types.EventTypeExit)).Set(float64(stats.ExitEvents))
	UsersInside.Set(float64(stats.UsersInside))
	PendingDeliveries.Set(float64(stats.PendingDeliveries))
	FailedDeliveries.Set(float64(stats.FailedDeliveries))
}
