// Package calltrack times outgoing HTTP calls and records them in a pluggable metrics backend.
//
// A Tracker correlates the start of each call with its completion through a correlation Key, so
// that a call started in one place can be completed from another. The Transport wires a Tracker
// into any http.Client.
package calltrack

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

// Tracker correlates the start of HTTP calls with their completion, times them, and records them
// in a Backend. Tracking is best effort: no handler ever affects the call being observed, and
// failures inside the Tracker are logged at debug level and returned for diagnostics only.
//
// The handlers are safe for concurrent use.
type Tracker struct {
	backend          Backend
	sink             MetricsSink
	logger           zerolog.Logger
	estimateRequest  RequestEstimator
	estimateResponse ResponseEstimator
	ttl              time.Duration
	maxPending       int
	now              func() time.Time

	startMu sync.Mutex // serializes the duplicate check with the insert, and inserts with Close
	calls   *lru.Cache[Key, *PendingCall]
	closed  atomic.Bool

	done    chan struct{} // stops the expiry sweep
	sweeper sync.WaitGroup

	stats counters
}

type counters struct {
	started       atomic.Int64
	completed     atomic.Int64
	failed        atomic.Int64
	abandoned     atomic.Int64
	expired       atomic.Int64
	startErrors   atomic.Int64
	lookupMisses  atomic.Int64
	backendErrors atomic.Int64
}

// Stats is a snapshot of the Tracker's counters.
type Stats struct {
	Pending       int
	Started       int64
	Completed     int64 // completed through the success hook
	Failed        int64 // completed through the failure hook
	Abandoned     int64 // cancelled or closed before completion
	Expired       int64 // evicted by TTL or capacity before completion
	StartErrors   int64
	LookupMisses  int64
	BackendErrors int64
}

// New creates a Tracker. Without WithBackend, calls are tracked but recorded nowhere.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		backend:          nopBackend{},
		logger:           log.Logger,
		estimateRequest:  DefaultRequestEstimator,
		estimateResponse: DefaultResponseEstimator,
		ttl:              DefaultTTL,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}

	size := t.maxPending
	if size <= 0 {
		size = math.MaxInt
	}
	// Only a non-positive size is rejected.
	t.calls, _ = lru.NewWithEvict[Key, *PendingCall](size, t.onEvict)

	if t.ttl > 0 {
		t.done = make(chan struct{})
		t.sweeper.Add(1)
		go t.sweep(sweepInterval(t.ttl))
	}

	return t
}

// OnRequestStart begins tracking a call. The correlation key is taken from ctx when present (see
// ContextWithKey), otherwise a new one is generated. When tracking fails the returned key is a
// fresh one with no pending call, never the caller's key, so completing it later is a harmless
// no-op even when the caller's key belongs to another call in flight.
func (t *Tracker) OnRequestStart(ctx context.Context, req Request) (key Key, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	key, ok := KeyFromContext(ctx)
	if !ok {
		key = NewKey()
	}

	defer func() {
		if err != nil {
			t.startFailed(key, req, err)
			key = NewKey()
		}
	}()
	defer recoverInto(&err, "request start")

	if t.closed.Load() {
		return key, ErrClosed
	}
	if t.calls.Contains(key) {
		return key, ErrDuplicateKey
	}

	route, err := NormalizeRoute(req.URL)
	if err != nil {
		return key, err
	}
	call := &PendingCall{
		Key:    key,
		Route:  route,
		Method: ParseMethod(req.Method),
	}
	if size, ok := t.requestSize(key, req); ok {
		call.RequestPayloadSize = ptr(size)
	}

	metric, err := t.backend.NewMetric(ContextWithKey(ctx, key), route, call.Method)
	if metric == nil {
		if err == nil {
			err = errors.New("backend returned no metric")
		}
		return key, fmt.Errorf("create metric: %w", err)
	}
	if err != nil {
		// A fan-out backend may fail partially and still return a usable metric.
		t.backendError(key, "create metric", err)
	}
	call.metric = metric

	if call.RequestPayloadSize != nil {
		metric.SetRequestPayloadSize(*call.RequestPayloadSize)
	}
	call.StartedAt = t.now()
	if err := metric.Start(); err != nil {
		abandonMetric(metric)
		return key, fmt.Errorf("start metric: %w", err)
	}

	if err := t.insert(call); err != nil {
		abandonMetric(metric)
		return key, err
	}
	t.stats.started.Inc()
	return key, nil
}

// OnResponseSuccess completes the call for key with resp. A key with no pending call is ignored.
func (t *Tracker) OnResponseSuccess(resp Response, key Key) error {
	return t.complete(key, &resp, nil)
}

// OnRequestFailure completes the call for key as failed. If callErr is, or wraps, a ResponseError
// carrying a response, the response attributes are recorded as well; otherwise the outcome has no
// status code and no response size. A key with no pending call is ignored.
func (t *Tracker) OnRequestFailure(callErr error, key Key) error {
	if callErr == nil {
		callErr = errors.New("call failed")
	}
	var respErr *ResponseError
	if errors.As(callErr, &respErr) && respErr.Response != nil {
		return t.complete(key, respErr.Response, callErr)
	}
	return t.complete(key, nil, callErr)
}

// Abandon stops tracking the call for key without recording it, e.g. when the caller cancelled
// the request. It reports whether a pending call was abandoned.
func (t *Tracker) Abandon(key Key) bool {
	call, ok := t.take(key)
	if !ok {
		return false
	}
	t.stats.abandoned.Inc()
	t.drop(call, EventCallAbandoned, "cancelled")
	return true
}

// Pending returns the number of calls currently being tracked.
func (t *Tracker) Pending() int {
	return t.calls.Len()
}

// Stats returns a snapshot of the Tracker's counters.
func (t *Tracker) Stats() Stats {
	return Stats{
		Pending:       t.Pending(),
		Started:       t.stats.started.Load(),
		Completed:     t.stats.completed.Load(),
		Failed:        t.stats.failed.Load(),
		Abandoned:     t.stats.abandoned.Load(),
		Expired:       t.stats.expired.Load(),
		StartErrors:   t.stats.startErrors.Load(),
		LookupMisses:  t.stats.lookupMisses.Load(),
		BackendErrors: t.stats.backendErrors.Load(),
	}
}

// Close stops the expiry sweep and abandons all pending calls. Calls started after Close are not
// tracked.
func (t *Tracker) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if t.done != nil {
		close(t.done)
		t.sweeper.Wait()
	}

	t.startMu.Lock()
	defer t.startMu.Unlock()
	for _, key := range t.calls.Keys() {
		if call, ok := t.take(key); ok {
			t.stats.abandoned.Inc()
			t.drop(call, EventCallAbandoned, "closed")
		}
	}
	t.calls.Purge()
	return nil
}

// complete finishes the pending call for key, successfully when failure is nil.
func (t *Tracker) complete(key Key, resp *Response, failure error) (err error) {
	call, ok := t.take(key)
	if !ok {
		t.stats.lookupMisses.Inc()
		t.logger.Trace().Str("key", string(key)).Msg("no pending call for key")
		return nil
	}

	defer func() {
		if err != nil {
			t.backendError(key, "complete", err)
		}
	}()
	defer recoverInto(&err, "call completion")

	outcome := outcomeOf(call)
	if resp != nil {
		if size, ok := t.responseSize(key, *resp); ok {
			outcome.ResponsePayloadSize = ptr(size)
		}
		outcome.ResponseContentType = resp.contentType()
		if resp.StatusCode > 0 {
			outcome.StatusCode = ptr(resp.StatusCode)
		}
	}
	if failure != nil {
		outcome.Failed = true
		outcome.Err = failure
		t.stats.failed.Inc()
	} else {
		t.stats.completed.Inc()
	}

	outcome.applyTo(call.metric)
	if err := call.metric.Stop(); err != nil {
		return fmt.Errorf("stop metric: %w", err)
	}
	return nil
}

// insert adds call to the correlation map unless its key is already pending or the Tracker has
// been closed.
func (t *Tracker) insert(call *PendingCall) error {
	t.startMu.Lock()
	defer t.startMu.Unlock()
	if t.closed.Load() {
		return ErrClosed
	}
	if t.calls.Contains(call.Key) {
		return ErrDuplicateKey
	}
	t.calls.Add(call.Key, call)
	return nil
}

// take claims and removes the pending call for key. It returns false when there is none, or when
// another completion, abandonment or expiry got to it first.
func (t *Tracker) take(key Key) (*PendingCall, bool) {
	call, ok := t.calls.Peek(key)
	if !ok || !call.claim() {
		return nil, false
	}
	t.calls.Remove(key)
	return call, true
}

// onEvict runs for every removal from the correlation map. Removals by take and by the expiry sweep
// have already claimed the call; anything else is a capacity eviction.
func (t *Tracker) onEvict(_ Key, call *PendingCall) {
	if !call.claim() {
		return
	}
	t.stats.expired.Inc()
	go t.drop(call, EventCallExpired, "expired")
}

// sweepInterval is how often pending calls are checked against ttl.
func sweepInterval(ttl time.Duration) time.Duration {
	return max(ttl/10, time.Millisecond)
}

// sweep expires calls pending for longer than the TTL until Close.
func (t *Tracker) sweep(interval time.Duration) {
	defer t.sweeper.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.expire()
		}
	}
}

// expire abandons the calls started before now minus the TTL. Calls are visited oldest first and
// the scan stops at the first one still within the TTL.
func (t *Tracker) expire() {
	deadline := t.now().Add(-t.ttl)
	for _, key := range t.calls.Keys() {
		call, ok := t.calls.Peek(key)
		if !ok {
			continue
		}
		if call.StartedAt.After(deadline) {
			return
		}
		if !call.claim() {
			continue
		}
		t.calls.Remove(key)
		t.stats.expired.Inc()
		t.drop(call, EventCallExpired, "expired")
	}
}

// drop discards a claimed call without recording it.
func (t *Tracker) drop(call *PendingCall, event, reason string) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Debug().Interface("panic", r).Str("key", string(call.Key)).
				Msg("abandoning metric panicked")
		}
	}()
	abandonMetric(call.metric)
	t.logger.Debug().
		Str("key", string(call.Key)).
		Str("route", call.Route).
		Str("reason", reason).
		Dur("pending_for", t.now().Sub(call.StartedAt)).
		Msg("dropped pending call")
	t.event(event, map[string]any{
		"key":    string(call.Key),
		"route":  call.Route,
		"method": call.Method.String(),
		"reason": reason,
	})
}

func (t *Tracker) requestSize(key Key, req Request) (size int64, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Debug().Str("key", string(key)).Interface("panic", r).
				Msg("request size estimator panicked")
			size, ok = 0, false
		}
	}()
	return t.estimateRequest(req)
}

func (t *Tracker) responseSize(key Key, resp Response) (size int64, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Debug().Str("key", string(key)).Interface("panic", r).
				Msg("response size estimator panicked")
			size, ok = 0, false
		}
	}()
	return t.estimateResponse(resp)
}

func (t *Tracker) startFailed(key Key, req Request, err error) {
	t.stats.startErrors.Inc()
	t.logger.Debug().Err(err).Str("key", string(key)).Str("method", req.Method).
		Msg("call not tracked")
	t.event(EventCallStartFailed, map[string]any{
		"key":   string(key),
		"error": err.Error(),
	})
}

func (t *Tracker) backendError(key Key, op string, err error) {
	t.stats.backendErrors.Inc()
	t.logger.Debug().Err(err).Str("key", string(key)).Str("op", op).Msg("metrics backend error")
	t.event(EventCallBackendError, map[string]any{
		"key":   string(key),
		"op":    op,
		"error": err.Error(),
	})
}

// event forwards to the sink, if any. A panicking sink is contained.
func (t *Tracker) event(name string, fields map[string]any) {
	if t.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Debug().Interface("panic", r).Str("event", name).Msg("metrics sink panicked")
		}
	}()
	t.sink.ObserveEvent(name, fields)
}

func abandonMetric(m Metric) {
	if a, ok := m.(Abandoner); ok {
		a.Abandon()
	}
}
