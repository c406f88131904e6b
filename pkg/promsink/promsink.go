// Package promsink records tracked calls as Prometheus metrics.
package promsink

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkbrsn/calltrack"
)

// noCode is the code label of calls that completed without a status code.
const noCode = "none"

// DefaultSizeBuckets are the payload size buckets, in bytes.
var DefaultSizeBuckets = prometheus.ExponentialBuckets(64, 4, 8)

// Options configures the Backend's metric names and buckets.
type Options struct {
	Namespace       string
	DurationBuckets []float64
	SizeBuckets     []float64
}

// Backend is a calltrack.Backend that records calls as Prometheus metrics. It is safe for
// concurrent use.
type Backend struct {
	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	requestSize  *prometheus.HistogramVec
	responseSize *prometheus.HistogramVec

	now func() time.Time
}

// New creates a Backend and registers its collectors with reg. A nil reg registers with the
// default registry.
func New(reg prometheus.Registerer, opts Options) (*Backend, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if opts.DurationBuckets == nil {
		opts.DurationBuckets = prometheus.DefBuckets
	}
	if opts.SizeBuckets == nil {
		opts.SizeBuckets = DefaultSizeBuckets
	}

	b := &Backend{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "http_client_requests_total",
			Help:      "Completed outgoing HTTP calls.",
		}, []string{"route", "method", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: opts.Namespace,
			Name:      "http_client_request_duration_seconds",
			Help:      "Duration of outgoing HTTP calls.",
			Buckets:   opts.DurationBuckets,
		}, []string{"route", "method", "code"}),
		requestSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: opts.Namespace,
			Name:      "http_client_request_size_bytes",
			Help:      "Estimated payload size of outgoing HTTP requests.",
			Buckets:   opts.SizeBuckets,
		}, []string{"route", "method"}),
		responseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: opts.Namespace,
			Name:      "http_client_response_size_bytes",
			Help:      "Estimated payload size of HTTP responses.",
			Buckets:   opts.SizeBuckets,
		}, []string{"route", "method", "code"}),
		now: time.Now,
	}

	for _, c := range []prometheus.Collector{b.requests, b.duration, b.requestSize, b.responseSize} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return b, nil
}

// NewMetric implements calltrack.Backend.
func (b *Backend) NewMetric(_ context.Context, route string, method calltrack.Method) (calltrack.Metric, error) {
	if route == "" {
		return nil, errors.New("empty route")
	}
	return &metric{backend: b, route: route, method: method.String()}, nil
}

type metric struct {
	backend *Backend
	route   string
	method  string

	mu       sync.Mutex
	start    time.Time
	reqSize  *int64
	respSize *int64
	code     string
	done     bool
}

func (m *metric) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.start = m.backend.now()
	return nil
}

func (m *metric) SetRequestPayloadSize(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reqSize = &n
}

func (m *metric) SetResponsePayloadSize(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.respSize = &n
}

// SetResponseContentType is a no-op; content types would explode label cardinality.
func (*metric) SetResponseContentType(string) {}

func (m *metric) SetHTTPResponseCode(code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.code = strconv.Itoa(code)
}

func (m *metric) Abandon() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done = true
}

func (m *metric) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done {
		return nil
	}
	m.done = true
	if m.start.IsZero() {
		return errors.New("metric stopped before start")
	}

	code := m.code
	if code == "" {
		code = noCode
	}
	b := m.backend
	b.requests.WithLabelValues(m.route, m.method, code).Inc()
	b.duration.WithLabelValues(m.route, m.method, code).Observe(b.now().Sub(m.start).Seconds())
	if m.reqSize != nil {
		b.requestSize.WithLabelValues(m.route, m.method).Observe(float64(*m.reqSize))
	}
	if m.respSize != nil {
		b.responseSize.WithLabelValues(m.route, m.method, code).Observe(float64(*m.respSize))
	}
	return nil
}
