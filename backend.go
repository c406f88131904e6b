package calltrack

import (
	"context"
	"errors"
)

// Backend creates metric records, one per tracked call. Implementations are adapters to a metrics
// system; they must be fast and must not block, since the Tracker calls them on the request and
// response path.
type Backend interface {
	// NewMetric creates a record named by route and tagged with method. ctx is the request context.
	NewMetric(ctx context.Context, route string, method Method) (Metric, error)
}

// Metric is a single call's record in a Backend. Start and Stop bracket the call; Stop reports the
// record, so no setter is called after it.
type Metric interface {
	Start() error
	SetRequestPayloadSize(n int64)
	SetResponsePayloadSize(n int64)
	SetResponseContentType(contentType string)
	SetHTTPResponseCode(code int)
	Stop() error
}

// Abandoner is implemented by metrics that need to release resources when their call is abandoned
// instead of completed.
type Abandoner interface {
	Abandon()
}

// FailureMarker is implemented by metrics that distinguish failed calls. MarkFailed is called
// before Stop when the call completed through the failure hook.
type FailureMarker interface {
	MarkFailed(err error)
}

// BackendFunc adapts a function to the Backend interface.
type BackendFunc func(ctx context.Context, route string, method Method) (Metric, error)

// NewMetric calls f.
func (f BackendFunc) NewMetric(ctx context.Context, route string, method Method) (Metric, error) {
	return f(ctx, route, method)
}

// nopBackend is used when no backend is configured.
type nopBackend struct{}

func (nopBackend) NewMetric(context.Context, string, Method) (Metric, error) {
	return nopMetric{}, nil
}

type nopMetric struct{}

func (nopMetric) Start() error { return nil }
func (nopMetric) SetRequestPayloadSize(int64) {}
func (nopMetric) SetResponsePayloadSize(int64) {}
func (nopMetric) SetResponseContentType(string) {}
func (nopMetric) SetHTTPResponseCode(int) {}
func (nopMetric) Stop() error { return nil }

// MultiBackend fans every call out to all given backends. A member that fails to create a metric is
// skipped for that call; the others still record it.
func MultiBackend(backends ...Backend) Backend {
	members := make([]Backend, 0, len(backends))
	for _, b := range backends {
		if b != nil {
			members = append(members, b)
		}
	}
	return multiBackend(members)
}

type multiBackend []Backend

func (mb multiBackend) NewMetric(ctx context.Context, route string, method Method) (Metric, error) {
	var (
		metrics multiMetric
		errs    []error
	)
	for _, b := range mb {
		m, err := b.NewMetric(ctx, route, method)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		metrics = append(metrics, m)
	}
	if len(metrics) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	// Partial failures are reported alongside a usable metric.
	return metrics, errors.Join(errs...)
}

type multiMetric []Metric

func (mm multiMetric) Start() error {
	var errs []error
	for _, m := range mm {
		errs = append(errs, m.Start())
	}
	return errors.Join(errs...)
}

func (mm multiMetric) SetRequestPayloadSize(n int64) {
	for _, m := range mm {
		m.SetRequestPayloadSize(n)
	}
}

func (mm multiMetric) SetResponsePayloadSize(n int64) {
	for _, m := range mm {
		m.SetResponsePayloadSize(n)
	}
}

func (mm multiMetric) SetResponseContentType(contentType string) {
	for _, m := range mm {
		m.SetResponseContentType(contentType)
	}
}

func (mm multiMetric) SetHTTPResponseCode(code int) {
	for _, m := range mm {
		m.SetHTTPResponseCode(code)
	}
}

func (mm multiMetric) MarkFailed(err error) {
	for _, m := range mm {
		if fm, ok := m.(FailureMarker); ok {
			fm.MarkFailed(err)
		}
	}
}

func (mm multiMetric) Stop() error {
	var errs []error
	for _, m := range mm {
		errs = append(errs, m.Stop())
	}
	return errors.Join(errs...)
}

func (mm multiMetric) Abandon() {
	for _, m := range mm {
		if a, ok := m.(Abandoner); ok {
			a.Abandon()
		}
	}
}
