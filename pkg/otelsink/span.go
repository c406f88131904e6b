package otelsink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkbrsn/calltrack"
)

const instrumentationName = "github.com/jkbrsn/calltrack"

// Backend is a calltrack.Backend that records every call as a client span, parented on the
// request context.
type Backend struct {
	tracer trace.Tracer
}

// New creates a Backend starting spans with tracer. A nil tracer uses the global TracerProvider.
func New(tracer trace.Tracer) *Backend {
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	return &Backend{tracer: tracer}
}

// NewMetric implements calltrack.Backend.
func (b *Backend) NewMetric(ctx context.Context, route string, method calltrack.Method) (calltrack.Metric, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	key, _ := calltrack.KeyFromContext(ctx)
	return &spanMetric{
		tracer: b.tracer,
		ctx:    ctx,
		name:   method.String() + " " + route,
		attrs: []attribute.KeyValue{
			attribute.String("http.request.method", method.String()),
			attribute.String("url.full", route),
			attribute.String("calltrack.key", string(key)),
		},
	}, nil
}

type spanMetric struct {
	tracer trace.Tracer
	ctx    context.Context
	name   string

	mu     sync.Mutex
	span   trace.Span
	attrs  []attribute.KeyValue
	code   int
	err    error
	failed bool
	ended  bool
}

func (m *spanMetric) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, m.span = m.tracer.Start(m.ctx, m.name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(m.attrs...),
	)
	m.attrs = nil
	return nil
}

func (m *spanMetric) SetRequestPayloadSize(n int64) {
	m.setAttributes(attribute.Int64("http.request.body.size", n))
}

func (m *spanMetric) SetResponsePayloadSize(n int64) {
	m.setAttributes(attribute.Int64("http.response.body.size", n))
}

func (m *spanMetric) SetResponseContentType(contentType string) {
	m.setAttributes(attribute.String("http.response.header.content-type", contentType))
}

func (m *spanMetric) SetHTTPResponseCode(code int) {
	m.mu.Lock()
	m.code = code
	m.mu.Unlock()
	m.setAttributes(attribute.Int("http.response.status_code", code))
}

func (m *spanMetric) MarkFailed(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = true
	m.err = err
}

// setAttributes buffers attributes set before Start, e.g. the request size.
func (m *spanMetric) setAttributes(kv ...attribute.KeyValue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.span == nil {
		m.attrs = append(m.attrs, kv...)
		return
	}
	m.span.SetAttributes(kv...)
}

// Abandon ends the span, marked as abandoned, without an outcome.
func (m *spanMetric) Abandon() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.span == nil || m.ended {
		return
	}
	m.ended = true
	m.span.SetAttributes(attribute.Bool("calltrack.abandoned", true))
	m.span.End()
}

func (m *spanMetric) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.span == nil {
		return errors.New("span stopped before start")
	}
	if m.ended {
		return nil
	}
	m.ended = true

	switch {
	case m.failed && m.err != nil:
		m.span.RecordError(m.err)
		m.span.SetStatus(codes.Error, m.err.Error())
	case m.code == 0:
		m.span.SetStatus(codes.Error, "no response")
	case m.code >= http.StatusBadRequest:
		m.span.SetStatus(codes.Error, fmt.Sprintf("status code %d", m.code))
	default:
		m.span.SetStatus(codes.Ok, "")
	}
	m.span.End()
	return nil
}
