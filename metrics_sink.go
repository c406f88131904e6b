package calltrack

import (
	"context"
	"sync"
	"time"
)

// Tracker event names passed to MetricsSink.ObserveEvent.
const (
	EventCallAbandoned    = "call_abandoned"
	EventCallExpired      = "call_expired"
	EventCallStartFailed  = "call_start_failed"
	EventCallBackendError = "call_backend_error"
)

// MetricsSink is a pluggable observer for call outcomes and tracker events.
// Implementations must be non-blocking or very fast; the tracker invokes the sink
// best-effort and does not wait for completion.
type MetricsSink interface {
	ObserveOutcome(CallOutcome)
	ObserveEvent(name string, fields map[string]any)
}

// NewSinkBackend returns a Backend whose metrics time the call between Start and Stop and hand
// the resulting CallOutcome, Duration included, to sink.
func NewSinkBackend(sink MetricsSink) Backend {
	return &sinkBackend{sink: sink, now: time.Now}
}

type sinkBackend struct {
	sink MetricsSink
	now  func() time.Time
}

func (b *sinkBackend) NewMetric(ctx context.Context, route string, method Method) (Metric, error) {
	key, _ := KeyFromContext(ctx)
	return &sinkMetric{
		backend: b,
		outcome: CallOutcome{Key: key, Route: route, Method: method},
	}, nil
}

// sinkMetric accumulates a CallOutcome. Setters may race with an abandonment from another
// goroutine, hence the mutex.
type sinkMetric struct {
	backend *sinkBackend

	mu      sync.Mutex
	outcome CallOutcome
	stopped bool
}

func (m *sinkMetric) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcome.StartedAt = m.backend.now()
	return nil
}

func (m *sinkMetric) SetRequestPayloadSize(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcome.RequestPayloadSize = ptr(n)
}

func (m *sinkMetric) SetResponsePayloadSize(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcome.ResponsePayloadSize = ptr(n)
}

func (m *sinkMetric) SetResponseContentType(contentType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcome.ResponseContentType = contentType
}

func (m *sinkMetric) SetHTTPResponseCode(code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcome.StatusCode = ptr(code)
}

func (m *sinkMetric) MarkFailed(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcome.Failed = true
	m.outcome.Err = err
}

// Abandon drops the record without reporting it.
func (m *sinkMetric) Abandon() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

func (m *sinkMetric) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	if !m.outcome.StartedAt.IsZero() {
		m.outcome.Duration = m.backend.now().Sub(m.outcome.StartedAt)
	}
	outcome := m.outcome
	m.mu.Unlock()

	m.backend.sink.ObserveOutcome(outcome)
	return nil
}
