package metrics

import (
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
)

// Timer measures an operation for a histogram
type Timer struct {
	clock quartz.Clock
	start time.Time
}

// NewTimer starts a timer on the wall clock
func NewTimer() *Timer {
	return NewTimerWithClock(quartz.NewReal())
}

// NewTimerWithClock starts a timer on the given clock
func NewTimerWithClock(clock quartz.Clock) *Timer {
	return &Timer{clock: clock, start: clock.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return t.clock.Since(t.start)
}

// ObserveDuration records the elapsed time in seconds
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time under the given label values
func (t *Timer) ObserveDurationVec(vec *prometheus.HistogramVec, labels ...string) {
	vec.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
