package calltrack

import (
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultTTL is how long a call may stay pending before it is abandoned.
	DefaultTTL = 5 * time.Minute
)

// Option is a functional option for the Tracker.
type Option func(*Tracker)

// WithBackend configures the Tracker to record calls in b.
func WithBackend(b Backend) Option {
	return func(t *Tracker) {
		if b != nil {
			t.backend = b
		}
	}
}

// WithLogger configures the logger used for diagnostics about swallowed instrumentation errors.
func WithLogger(logger zerolog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// WithMetricsSink configures a sink that receives tracker events, such as abandoned calls.
func WithMetricsSink(sink MetricsSink) Option {
	return func(t *Tracker) { t.sink = sink }
}

// WithRequestEstimator replaces the default request size estimator.
func WithRequestEstimator(fn RequestEstimator) Option {
	return func(t *Tracker) {
		if fn != nil {
			t.estimateRequest = fn
		}
	}
}

// WithResponseEstimator replaces the default response size estimator.
func WithResponseEstimator(fn ResponseEstimator) Option {
	return func(t *Tracker) {
		if fn != nil {
			t.estimateResponse = fn
		}
	}
}

// WithTTL sets how long a call may stay pending before it is abandoned. Zero or a negative value
// disables expiry, leaving never-completed calls pending until Close.
func WithTTL(ttl time.Duration) Option {
	return func(t *Tracker) { t.ttl = ttl }
}

// WithMaxPending caps the number of pending calls. When the cap is reached the oldest pending call
// is abandoned to make room. Zero means no cap.
func WithMaxPending(n int) Option {
	return func(t *Tracker) {
		if n >= 0 {
			t.maxPending = n
		}
	}
}

// WithClock replaces the clock used for StartedAt timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}
