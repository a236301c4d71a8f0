package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cuemby/perimeter/pkg/detector"
	"github.com/cuemby/perimeter/pkg/log"
	"github.com/cuemby/perimeter/pkg/metrics"
	"github.com/cuemby/perimeter/pkg/storage"
	"github.com/cuemby/perimeter/pkg/types"
	"github.com/rs/zerolog"
)

var ErrStopped = errors.New("scheduler stopped")

// Processor runs the transition detector over one claimed sample
type Processor interface {
	Process(ctx context.Context, sample *types.LocationSample) (*detector.Result, error)
}

// Outcome is how a sample left a worker
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDebounced Outcome = "debounced"
	OutcomeSkipped   Outcome = "skipped"  // structural failure, marked processed with the cause
	OutcomeReleased  Outcome = "released" // transient failure, left to the lease
	OutcomeConflict  Outcome = "conflict" // deferred to the sweep
	OutcomeLost      Outcome = "lost"     // another worker holds the claim
)

// Config tunes the worker pool
type Config struct {
	Workers   int
	QueueSize int
	// Transient errors are retried with exponential backoff before the
	// sample is released
	RetryInitial time.Duration
	RetryMax     time.Duration
	MaxRetries   int
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		QueueSize:    1024,
		RetryInitial: 100 * time.Millisecond,
		RetryMax:     2 * time.Second,
		MaxRetries:   3,
	}
}

type job struct {
	id string
	// sample is set when the caller already holds the claim
	sample *types.LocationSample
}

// Scheduler feeds samples to a pool of workers. Push notifications carry only
// the sample id and are claimed by the worker; the sweep hands over samples it
// already claimed.
type Scheduler struct {
	store     storage.SampleStore
	processor Processor
	cfg       Config
	logger    zerolog.Logger

	queue  chan job
	stopCh chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler
func NewScheduler(store storage.SampleStore, processor Processor, cfg Config) *Scheduler {
	d := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = d.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = d.QueueSize
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = d.RetryInitial
	}
	if cfg.RetryMax < cfg.RetryInitial {
		cfg.RetryMax = cfg.RetryInitial
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Scheduler{
		store:     store,
		processor: processor,
		cfg:       cfg,
		logger:    log.WithComponent("scheduler"),
		queue:     make(chan job, cfg.QueueSize),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the workers
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return errors.New("scheduler already started")
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	metrics.RegisterComponent(metrics.ComponentScheduler, true, fmt.Sprintf("%d workers", s.cfg.Workers))
	s.logger.Info().Int("workers", s.cfg.Workers).Int("queue_size", s.cfg.QueueSize).Msg("Scheduler started")
	return nil
}

// Stop stops the workers and waits for in-flight samples. Queued samples
// keep their claims until the lease expires.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	metrics.UpdateComponent(metrics.ComponentScheduler, false, "stopped")
}

// Notify queues a pushed sample id. It returns false when the queue is full
// or the scheduler is stopped; the sweep picks the sample up later.
func (s *Scheduler) Notify(sampleID string) bool {
	select {
	case <-s.stopCh:
		return false
	default:
	}

	select {
	case s.queue <- job{id: sampleID}:
		metrics.QueueDepth.Set(float64(len(s.queue)))
		return true
	default:
		s.logger.Debug().Str("sample_id", sampleID).Msg("Queue full, leaving sample to the sweep")
		return false
	}
}

// Enqueue hands over a sample the caller has already claimed. It blocks
// until a slot frees up.
func (s *Scheduler) Enqueue(ctx context.Context, sample *types.LocationSample) error {
	select {
	case <-s.stopCh:
		return ErrStopped
	default:
	}

	select {
	case s.queue <- job{id: sample.ID, sample: sample}:
		metrics.QueueDepth.Set(float64(len(s.queue)))
		return nil
	case <-s.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueLen returns the number of queued samples
func (s *Scheduler) QueueLen() int {
	return len(s.queue)
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.queue:
			metrics.QueueDepth.Set(float64(len(s.queue)))
			s.handle(ctx, j)
		}
	}
}

func (s *Scheduler) handle(ctx context.Context, j job) Outcome {
	sample := j.sample
	if sample == nil {
		claimed, err := s.store.ClaimByID(ctx, j.id)
		switch {
		case errors.Is(err, storage.ErrAlreadyClaimed):
			s.logger.Debug().Str("sample_id", j.id).Msg("Sample already claimed")
			return OutcomeLost
		case errors.Is(err, storage.ErrNotFound):
			s.logger.Warn().Str("sample_id", j.id).Msg("Notified sample does not exist")
			return OutcomeLost
		case err != nil:
			s.logger.Warn().Err(err).Str("sample_id", j.id).Msg("Failed to claim sample")
			return OutcomeLost
		}
		sample = claimed
	}

	outcome := s.process(ctx, sample)
	metrics.SamplesProcessed.WithLabelValues(string(outcome)).Inc()
	return outcome
}

// process runs the detector with retries and records the terminal outcome
func (s *Scheduler) process(ctx context.Context, sample *types.LocationSample) Outcome {
	logger := log.WithSampleID(log.WithUserID(s.logger, sample.UserID), sample.ID)

	var result *detector.Result
	err := backoff.RetryNotify(func() error {
		r, err := s.processor.Process(ctx, sample)
		if err != nil {
			var transient *types.TransientStoreError
			if errors.As(err, &transient) {
				return err
			}
			return backoff.Permanent(err)
		}
		result = r
		return nil
	}, s.newBackOff(ctx), func(err error, next time.Duration) {
		logger.Debug().Err(err).Dur("retry_in", next).Msg("Transient failure, retrying")
	})

	if err != nil && ctx.Err() != nil {
		logger.Debug().Msg("Shutting down, leaving sample to the lease")
		return OutcomeReleased
	}

	var (
		invalid  *types.ValidationError
		notFound *types.NotFoundError
		conflict *types.ConcurrencyConflict
	)
	switch {
	case err == nil:
		if markErr := s.store.MarkProcessed(ctx, sample.ID, ""); markErr != nil {
			logger.Error().Err(markErr).Msg("Failed to mark sample processed")
		}
		if result != nil && result.Debounced {
			return OutcomeDebounced
		}
		return OutcomeProcessed

	case errors.As(err, &invalid), errors.As(err, &notFound):
		logger.Warn().Err(err).Msg("Skipping sample")
		if markErr := s.store.MarkProcessed(ctx, sample.ID, err.Error()); markErr != nil {
			logger.Error().Err(markErr).Msg("Failed to mark sample processed")
		}
		return OutcomeSkipped

	case errors.As(err, &conflict):
		logger.Warn().Err(err).Msg("Deferring sample to the sweep")
		s.release(ctx, logger, sample.ID, err)
		return OutcomeConflict

	default:
		logger.Error().Err(err).Msg("Failed to process sample, releasing")
		s.release(ctx, logger, sample.ID, err)
		return OutcomeReleased
	}
}

func (s *Scheduler) release(ctx context.Context, logger zerolog.Logger, id string, cause error) {
	if err := s.store.ReleaseSample(ctx, id, cause.Error()); err != nil {
		logger.Error().Err(err).Msg("Failed to release sample")
	}
}

func (s *Scheduler) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.cfg.RetryInitial
	eb.MaxInterval = s.cfg.RetryMax
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(s.cfg.MaxRetries)), ctx)
}
