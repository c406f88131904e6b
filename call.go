package calltrack

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/xid"
	"go.uber.org/atomic"
)

// Key correlates a request-started event with its eventual completion.
type Key string

// NewKey returns a new, process-unique correlation key.
func NewKey() Key {
	return Key(xid.New().String())
}

type keyCtxKey struct{}

// ContextWithKey returns a copy of ctx carrying key. The Transport uses a key found in the request
// context instead of generating one, which lets callers correlate their own records with the
// tracked call.
func ContextWithKey(ctx context.Context, key Key) context.Context {
	return context.WithValue(ctx, keyCtxKey{}, key)
}

// KeyFromContext returns the correlation key carried by ctx, if any.
func KeyFromContext(ctx context.Context) (Key, bool) {
	if ctx == nil {
		return "", false
	}
	key, ok := ctx.Value(keyCtxKey{}).(Key)
	return key, ok && key != ""
}

// Method is the HTTP method of a tracked call, reduced to a fixed set.
type Method string

// Recognized methods. Anything else is tracked as MethodUnknown.
const (
	MethodGet     Method = "GET"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodPatch   Method = "PATCH"
	MethodDelete  Method = "DELETE"
	MethodOptions Method = "OPTIONS"
	MethodUnknown Method = "unknown"
)

// ParseMethod maps a method string, case-insensitively, to a Method.
func ParseMethod(s string) Method {
	switch m := Method(strings.ToUpper(strings.TrimSpace(s))); m {
	case MethodGet, MethodPost, MethodPut, MethodPatch, MethodDelete, MethodOptions:
		return m
	default:
		return MethodUnknown
	}
}

// String returns the method name.
func (m Method) String() string {
	return string(m)
}

// NormalizeRoute reduces a URL to scheme, host and path. Query string and fragment are dropped so
// that metrics aggregate across query variants.
func NormalizeRoute(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	return routeOf(u)
}

func routeOf(u *url.URL) (string, error) {
	if u == nil {
		return "", errors.New("url is nil")
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", u.Redacted())
	}
	route := url.URL{Scheme: u.Scheme, Host: u.Host, Path: u.Path, RawPath: u.RawPath}
	return route.String(), nil
}

// PendingCall is an in-flight call being timed.
type PendingCall struct {
	Key                Key
	Route              string
	Method             Method
	StartedAt          time.Time
	RequestPayloadSize *int64

	metric   Metric
	finished atomic.Bool // set by whichever of completion, abandonment or expiry wins
}

// claim marks the call as finished. Only the first caller gets true.
func (c *PendingCall) claim() bool {
	return c.finished.CompareAndSwap(false, true)
}

// CallOutcome is the finalized record of a completed call.
type CallOutcome struct {
	Key                 Key
	Route               string
	Method              Method
	StartedAt           time.Time
	RequestPayloadSize  *int64
	ResponsePayloadSize *int64
	ResponseContentType string // empty when unknown
	StatusCode          *int   // nil on transport-level failure
	Failed              bool
	Err                 error // cause of a failed call, nil on success

	// Duration is derived by backends that time the call themselves, see NewSinkBackend. The
	// tracker leaves it zero.
	Duration time.Duration
}

// outcomeOf starts an outcome from the pending call's fields.
func outcomeOf(c *PendingCall) CallOutcome {
	return CallOutcome{
		Key:                c.Key,
		Route:              c.Route,
		Method:             c.Method,
		StartedAt:          c.StartedAt,
		RequestPayloadSize: c.RequestPayloadSize,
	}
}

// applyTo sets the response fields that are present on m.
func (o CallOutcome) applyTo(m Metric) {
	if o.ResponsePayloadSize != nil {
		m.SetResponsePayloadSize(*o.ResponsePayloadSize)
	}
	if o.ResponseContentType != "" {
		m.SetResponseContentType(o.ResponseContentType)
	}
	if o.StatusCode != nil {
		m.SetHTTPResponseCode(*o.StatusCode)
	}
	if o.Failed {
		if fm, ok := m.(FailureMarker); ok {
			fm.MarkFailed(o.Err)
		}
	}
}

// ptr returns a pointer to the given value.
func ptr[T any](v T) *T { return &v }
