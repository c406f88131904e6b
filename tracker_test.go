package calltrack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T, backend Backend, opts ...Option) *Tracker {
	t.Helper()
	opts = append([]Option{WithBackend(backend), WithLogger(zerolog.Nop())}, opts...)
	tracker := New(opts...)
	t.Cleanup(func() { _ = tracker.Close() })
	return tracker
}

func TestTrackerSuccess(t *testing.T) {
	backend := newRecordingBackend()
	tracker := newTestTracker(t, backend)

	key, err := tracker.OnRequestStart(context.Background(), Request{
		URL:    "https://api.example.com/v1/items?page=2",
		Method: "post",
		Header: http.Header{"A": {"bcdefghijk"}},
		Body:   "0123456789",
	})
	require.NoError(t, err)
	require.NotEmpty(t, key)
	assert.Equal(t, 1, tracker.Pending())

	err = tracker.OnResponseSuccess(Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/plain"}},
		Body:       "hello",
	}, key)
	require.NoError(t, err)

	m := backend.waitStopped(t)
	assert.Equal(t, key, m.key)
	assert.Equal(t, "https://api.example.com/v1/items", m.Route)
	assert.Equal(t, MethodPost, m.Method)
	assert.True(t, m.Started)
	assert.False(t, m.Failed)
	require.NotNil(t, m.ReqSize)
	assert.Equal(t, int64(30), *m.ReqSize)
	require.NotNil(t, m.RespSize)
	headerLen, ok := HeaderLength(http.Header{"Content-Type": {"text/plain"}})
	require.True(t, ok)
	assert.Equal(t, headerLen+5, *m.RespSize)
	assert.Equal(t, "text/plain", m.ContentType)
	require.NotNil(t, m.Code)
	assert.Equal(t, http.StatusOK, *m.Code)

	assert.Equal(t, 0, tracker.Pending())
	stats := tracker.Stats()
	assert.Equal(t, int64(1), stats.Started)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestTrackerRemovesEntryOnCompletion(t *testing.T) {
	backend := newRecordingBackend()
	tracker := newTestTracker(t, backend)

	t.Run("success", func(t *testing.T) {
		key, err := tracker.OnRequestStart(context.Background(), Request{URL: "http://a.b/p", Method: "GET"})
		require.NoError(t, err)
		require.NoError(t, tracker.OnResponseSuccess(Response{StatusCode: 200}, key))
		backend.waitStopped(t)
		assert.False(t, tracker.calls.Contains(key))
	})

	t.Run("failure", func(t *testing.T) {
		key, err := tracker.OnRequestStart(context.Background(), Request{URL: "http://a.b/p", Method: "GET"})
		require.NoError(t, err)
		require.NoError(t, tracker.OnRequestFailure(errors.New("connection refused"), key))
		backend.waitStopped(t)
		assert.False(t, tracker.calls.Contains(key))
	})

	assert.Equal(t, 0, tracker.Pending())
}

func TestTrackerRouteNormalization(t *testing.T) {
	backend := newRecordingBackend()
	tracker := newTestTracker(t, backend)

	key, err := tracker.OnRequestStart(context.Background(), Request{URL: "https://a.b/p?x=1#f", Method: "GET"})
	require.NoError(t, err)
	require.NoError(t, tracker.OnResponseSuccess(Response{StatusCode: 200}, key))

	m := backend.waitStopped(t)
	assert.Equal(t, "https://a.b/p", m.Route)
}

func TestTrackerMethodMapping(t *testing.T) {
	backend := newRecordingBackend()
	tracker := newTestTracker(t, backend)

	for _, method := range []string{"post", "POST", "PoSt"} {
		key, err := tracker.OnRequestStart(context.Background(), Request{URL: "http://a.b/", Method: method})
		require.NoError(t, err)
		require.NoError(t, tracker.OnResponseSuccess(Response{StatusCode: 201}, key))
		m := backend.waitStopped(t)
		assert.Equal(t, MethodPost, m.Method, method)
	}

	t.Run("unrecognized method is tracked as unknown", func(t *testing.T) {
		key, err := tracker.OnRequestStart(context.Background(), Request{URL: "http://a.b/", Method: "TRACE"})
		require.NoError(t, err)
		require.NoError(t, tracker.OnResponseSuccess(Response{StatusCode: 200}, key))
		m := backend.waitStopped(t)
		assert.Equal(t, MethodUnknown, m.Method)
	})
}

func TestTrackerLookupMiss(t *testing.T) {
	backend := newRecordingBackend()
	tracker := newTestTracker(t, backend)

	err := tracker.OnResponseSuccess(Response{StatusCode: 200, Body: "ok"}, Key("no-such-key"))
	require.NoError(t, err)
	err = tracker.OnRequestFailure(errors.New("boom"), Key("no-such-key"))
	require.NoError(t, err)

	backend.requireNoStop(t)
	assert.Equal(t, 0, backend.created())
	assert.Equal(t, int64(2), tracker.Stats().LookupMisses)
}

func TestTrackerFailureWithoutResponse(t *testing.T) {
	backend := newRecordingBackend()
	tracker := newTestTracker(t, backend)

	key, err := tracker.OnRequestStart(context.Background(), Request{URL: "http://a.b/p", Method: "GET"})
	require.NoError(t, err)

	callErr := errors.New("dial tcp: connection refused")
	require.NoError(t, tracker.OnRequestFailure(callErr, key))

	m := backend.waitStopped(t)
	assert.True(t, m.Failed)
	assert.Equal(t, callErr, m.Err)
	assert.Nil(t, m.Code)
	assert.Nil(t, m.RespSize)
	assert.Empty(t, m.ContentType)
	assert.Equal(t, 0, tracker.Pending())
	assert.Equal(t, int64(1), tracker.Stats().Failed)
}

func TestTrackerFailureWithNilError(t *testing.T) {
	backend := newRecordingBackend()
	tracker := newTestTracker(t, backend)

	key, err := tracker.OnRequestStart(context.Background(), Request{URL: "http://a.b/p", Method: "GET"})
	require.NoError(t, err)
	require.NoError(t, tracker.OnRequestFailure(nil, key))

	m := backend.waitStopped(t)
	assert.True(t, m.Failed)
	require.Error(t, m.Err)
}

func TestTrackerFailureWithResponse(t *testing.T) {
	backend := newRecordingBackend()
	tracker := newTestTracker(t, backend)

	key, err := tracker.OnRequestStart(context.Background(), Request{URL: "http://a.b/p", Method: "DELETE"})
	require.NoError(t, err)

	resp := &Response{StatusCode: http.StatusServiceUnavailable, ContentType: "text/plain", Body: "down"}
	callErr := fmt.Errorf("call: %w", &ResponseError{Err: &StatusError{StatusCode: 503}, Response: resp})
	require.NoError(t, tracker.OnRequestFailure(callErr, key))

	m := backend.waitStopped(t)
	assert.True(t, m.Failed)
	require.NotNil(t, m.Code)
	assert.Equal(t, http.StatusServiceUnavailable, *m.Code)
	assert.Equal(t, "text/plain", m.ContentType)
	require.NotNil(t, m.RespSize)
	assert.Equal(t, int64(4), *m.RespSize)

	var statusErr *StatusError
	require.ErrorAs(t, m.Err, &statusErr)
	assert.Equal(t, 503, statusErr.StatusCode)
}

func TestTrackerConcurrentCallsDoNotInterfere(t *testing.T) {
	backend := newRecordingBackend()
	tracker := newTestTracker(t, backend)

	first, err := tracker.OnRequestStart(context.Background(), Request{URL: "http://a.b/first", Method: "GET"})
	require.NoError(t, err)
	second, err := tracker.OnRequestStart(context.Background(), Request{URL: "http://a.b/second", Method: "GET"})
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	require.NoError(t, tracker.OnResponseSuccess(Response{StatusCode: 200}, first))
	m := backend.waitStopped(t)
	assert.Equal(t, "http://a.b/first", m.Route)

	assert.True(t, tracker.calls.Contains(second))
	backend.requireNoStop(t)

	require.NoError(t, tracker.OnResponseSuccess(Response{StatusCode: 200}, second))
	m = backend.waitStopped(t)
	assert.Equal(t, "http://a.b/second", m.Route)
}

func TestTrackerConcurrentLoad(t *testing.T) {
	backend := NewSinkBackend(&countingSink{})
	tracker := newTestTracker(t, backend)

	const workers, perWorker = 8, 50
	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWorker {
				key, err := tracker.OnRequestStart(context.Background(), Request{
					URL:    fmt.Sprintf("http://a.b/w%d/%d", w, i),
					Method: "GET",
				})
				if err != nil {
					t.Errorf("start: %v", err)
					return
				}
				if i%2 == 0 {
					_ = tracker.OnResponseSuccess(Response{StatusCode: 200}, key)
				} else {
					_ = tracker.OnRequestFailure(errors.New("boom"), key)
				}
			}
		}()
	}
	wg.Wait()

	stats := tracker.Stats()
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, int64(workers*perWorker), stats.Started)
	assert.Equal(t, int64(workers*perWorker/2), stats.Completed)
	assert.Equal(t, int64(workers*perWorker/2), stats.Failed)
}

func TestTrackerCompletionRace(t *testing.T) {
	backend := newRecordingBackend()
	tracker := newTestTracker(t, backend)

	key, err := tracker.OnRequestStart(context.Background(), Request{URL: "http://a.b/p", Method: "GET"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch i % 3 {
			case 0:
				_ = tracker.OnResponseSuccess(Response{StatusCode: 200}, key)
			case 1:
				_ = tracker.OnRequestFailure(errors.New("boom"), key)
			default:
				tracker.Abandon(key)
			}
		}()
	}
	wg.Wait()

	stats := tracker.Stats()
	assert.Equal(t, int64(1), stats.Completed+stats.Failed+stats.Abandoned)
	assert.Equal(t, 0, tracker.Pending())
}

func TestTrackerCallerKey(t *testing.T) {
	backend := newRecordingBackend()
	tracker := newTestTracker(t, backend)

	ctx := ContextWithKey(context.Background(), Key("req-1"))
	key, err := tracker.OnRequestStart(ctx, Request{URL: "http://a.b/p", Method: "GET"})
	require.NoError(t, err)
	assert.Equal(t, Key("req-1"), key)

	t.Run("duplicate key is rejected", func(t *testing.T) {
		dup, err := tracker.OnRequestStart(ctx, Request{URL: "http://a.b/other", Method: "GET"})
		require.ErrorIs(t, err, ErrDuplicateKey)
		assert.NotEqual(t, key, dup)
		assert.NotEmpty(t, dup)
		assert.Equal(t, 1, tracker.Pending())
		assert.Equal(t, 1, backend.created())
	})

	require.NoError(t, tracker.OnResponseSuccess(Response{StatusCode: 200}, key))
	m := backend.waitStopped(t)
	assert.Equal(t, "http://a.b/p", m.Route)
	assert.Equal(t, Key("req-1"), m.key)
}

func TestTrackerDuplicateKeyKeepsFirstCall(t *testing.T) {
	backend := newRecordingBackend()
	tracker := newTestTracker(t, backend)

	ctx := ContextWithKey(context.Background(), Key("shared"))
	first, err := tracker.OnRequestStart(ctx, Request{URL: "http://a.example/first", Method: "GET"})
	require.NoError(t, err)
	second, err := tracker.OnRequestStart(ctx, Request{URL: "http://a.example/second", Method: "GET"})
	require.ErrorIs(t, err, ErrDuplicateKey)

	// Completing the rejected call must not touch the first one
	require.NoError(t, tracker.OnResponseSuccess(Response{StatusCode: 500}, second))
	backend.requireNoStop(t)
	assert.Equal(t, 1, tracker.Pending())

	require.NoError(t, tracker.OnResponseSuccess(Response{StatusCode: 200}, first))
	m := backend.waitStopped(t)
	assert.Equal(t, "http://a.example/first", m.Route)
	require.NotNil(t, m.Code)
	assert.Equal(t, 200, *m.Code)
	assert.Equal(t, int64(1), tracker.Stats().Completed)
	assert.Equal(t, int64(1), tracker.Stats().LookupMisses)
}

func TestTrackerAbandon(t *testing.T) {
	backend := newRecordingBackend()
	sink := newStubMetricsSink()
	tracker := newTestTracker(t, backend, WithMetricsSink(sink))

	key, err := tracker.OnRequestStart(context.Background(), Request{URL: "http://a.b/p", Method: "GET"})
	require.NoError(t, err)

	assert.True(t, tracker.Abandon(key))
	m := backend.waitAbandoned(t)
	assert.True(t, m.Abandoned)
	assert.False(t, m.Stopped)
	assert.Equal(t, EventCallAbandoned, <-sink.eventCh)

	assert.False(t, tracker.Abandon(key))
	require.NoError(t, tracker.OnResponseSuccess(Response{StatusCode: 200}, key))
	backend.requireNoStop(t)

	stats := tracker.Stats()
	assert.Equal(t, int64(1), stats.Abandoned)
	assert.Equal(t, int64(1), stats.LookupMisses)
	assert.Equal(t, 0, stats.Pending)
}

func TestTrackerTTLExpiry(t *testing.T) {
	backend := newRecordingBackend()
	sink := newStubMetricsSink()
	tracker := newTestTracker(t, backend, WithMetricsSink(sink), WithTTL(20*time.Millisecond))

	key, err := tracker.OnRequestStart(context.Background(), Request{URL: "http://a.b/p", Method: "GET"})
	require.NoError(t, err)

	m := backend.waitAbandoned(t)
	assert.Equal(t, key, m.key)
	assert.False(t, m.Stopped)

	select {
	case name := <-sink.eventCh:
		assert.Equal(t, EventCallExpired, name)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for expiry event")
	}

	require.Eventually(t, func() bool { return tracker.Pending() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), tracker.Stats().Expired)

	// A late completion is a lookup miss
	require.NoError(t, tracker.OnResponseSuccess(Response{StatusCode: 200}, key))
	backend.requireNoStop(t)
}

func TestTrackerMaxPending(t *testing.T) {
	backend := newRecordingBackend()
	tracker := newTestTracker(t, backend, WithMaxPending(1))

	first, err := tracker.OnRequestStart(context.Background(), Request{URL: "http://a.b/first", Method: "GET"})
	require.NoError(t, err)
	second, err := tracker.OnRequestStart(context.Background(), Request{URL: "http://a.b/second", Method: "GET"})
	require.NoError(t, err)

	m := backend.waitAbandoned(t)
	assert.Equal(t, first, m.key)
	assert.Equal(t, 1, tracker.Pending())
	assert.True(t, tracker.calls.Contains(second))
	assert.Equal(t, int64(1), tracker.Stats().Expired)
}

func TestTrackerClose(t *testing.T) {
	backend := newRecordingBackend()
	tracker := New(WithBackend(backend), WithLogger(zerolog.Nop()))

	for i := range 2 {
		_, err := tracker.OnRequestStart(context.Background(), Request{
			URL:    fmt.Sprintf("http://a.b/%d", i),
			Method: "GET",
		})
		require.NoError(t, err)
	}

	require.NoError(t, tracker.Close())
	backend.waitAbandoned(t)
	backend.waitAbandoned(t)
	assert.Equal(t, 0, tracker.Pending())
	assert.Equal(t, int64(2), tracker.Stats().Abandoned)

	_, err := tracker.OnRequestStart(context.Background(), Request{URL: "http://a.b/late", Method: "GET"})
	require.ErrorIs(t, err, ErrClosed)

	// Closing twice is harmless
	require.NoError(t, tracker.Close())
}

func TestTrackerCloseStopsSweep(t *testing.T) {
	before := runtime.NumGoroutine()
	for range 20 {
		tracker := New(WithLogger(zerolog.Nop()), WithTTL(time.Minute))
		_, err := tracker.OnRequestStart(context.Background(), Request{URL: "http://a.b/p", Method: "GET"})
		require.NoError(t, err)
		require.NoError(t, tracker.Close())
	}
	require.Eventually(t, func() bool { return runtime.NumGoroutine() <= before },
		time.Second, 10*time.Millisecond)
}

// gatedMetric blocks in Start until released.
type gatedMetric struct {
	nopMetric
	started   chan struct{}
	release   chan struct{}
	abandoned chan struct{}
}

func (m *gatedMetric) Start() error {
	close(m.started)
	<-m.release
	return nil
}

func (m *gatedMetric) Abandon() { close(m.abandoned) }

func TestTrackerCloseDuringStart(t *testing.T) {
	metric := &gatedMetric{
		started:   make(chan struct{}),
		release:   make(chan struct{}),
		abandoned: make(chan struct{}),
	}
	backend := BackendFunc(func(context.Context, string, Method) (Metric, error) {
		return metric, nil
	})
	tracker := New(WithBackend(backend), WithLogger(zerolog.Nop()))

	errCh := make(chan error, 1)
	go func() {
		_, err := tracker.OnRequestStart(context.Background(), Request{URL: "http://a.b/p", Method: "GET"})
		errCh <- err
	}()

	<-metric.started
	require.NoError(t, tracker.Close())
	close(metric.release)

	require.ErrorIs(t, <-errCh, ErrClosed)
	select {
	case <-metric.abandoned:
	case <-time.After(time.Second):
		t.Fatal("metric of a call started during Close was not abandoned")
	}
	assert.Equal(t, 0, tracker.Pending())
	assert.Equal(t, int64(0), tracker.Stats().Started)
}

func TestTrackerStartErrors(t *testing.T) {
	t.Run("malformed url", func(t *testing.T) {
		backend := newRecordingBackend()
		sink := newStubMetricsSink()
		tracker := newTestTracker(t, backend, WithMetricsSink(sink))

		key, err := tracker.OnRequestStart(context.Background(), Request{URL: "/relative/only", Method: "GET"})
		require.Error(t, err)
		assert.NotEmpty(t, key)
		assert.Equal(t, 0, backend.created())
		assert.Equal(t, EventCallStartFailed, <-sink.eventCh)

		// Completing an untracked call is a no-op
		require.NoError(t, tracker.OnResponseSuccess(Response{StatusCode: 200}, key))
		backend.requireNoStop(t)
		assert.Equal(t, int64(1), tracker.Stats().StartErrors)
	})

	t.Run("backend cannot create metric", func(t *testing.T) {
		backend := newRecordingBackend()
		backend.newErr = errors.New("backend down")
		tracker := newTestTracker(t, backend)

		_, err := tracker.OnRequestStart(context.Background(), Request{URL: "http://a.b/p", Method: "GET"})
		require.ErrorIs(t, err, backend.newErr)
		assert.Equal(t, 0, tracker.Pending())
	})

	t.Run("metric start fails", func(t *testing.T) {
		backend := newRecordingBackend()
		backend.startErr = errors.New("cannot start")
		tracker := newTestTracker(t, backend)

		_, err := tracker.OnRequestStart(context.Background(), Request{URL: "http://a.b/p", Method: "GET"})
		require.ErrorIs(t, err, backend.startErr)
		m := backend.waitAbandoned(t)
		assert.True(t, m.Started)
		assert.Equal(t, 0, tracker.Pending())
	})

	t.Run("backend panics", func(t *testing.T) {
		panicking := BackendFunc(func(context.Context, string, Method) (Metric, error) {
			panic("kaboom")
		})
		tracker := newTestTracker(t, panicking)

		_, err := tracker.OnRequestStart(context.Background(), Request{URL: "http://a.b/p", Method: "GET"})
		require.ErrorIs(t, err, ErrInstrumentationPanic)
		assert.Equal(t, 0, tracker.Pending())
	})
}

func TestTrackerEstimatorPanic(t *testing.T) {
	backend := newRecordingBackend()
	tracker := newTestTracker(t, backend,
		WithRequestEstimator(func(Request) (int64, bool) { panic("bad estimator") }),
		WithResponseEstimator(func(Response) (int64, bool) { panic("bad estimator") }),
	)

	key, err := tracker.OnRequestStart(context.Background(), Request{URL: "http://a.b/p", Method: "GET", Body: "x"})
	require.NoError(t, err)
	require.NoError(t, tracker.OnResponseSuccess(Response{StatusCode: 200, Body: "y"}, key))

	m := backend.waitStopped(t)
	assert.Nil(t, m.ReqSize)
	assert.Nil(t, m.RespSize)
	require.NotNil(t, m.Code)
}

func TestTrackerStopError(t *testing.T) {
	backend := newRecordingBackend()
	backend.stopErr = errors.New("flush failed")
	tracker := newTestTracker(t, backend)

	key, err := tracker.OnRequestStart(context.Background(), Request{URL: "http://a.b/p", Method: "GET"})
	require.NoError(t, err)

	err = tracker.OnResponseSuccess(Response{StatusCode: 200}, key)
	require.ErrorIs(t, err, backend.stopErr)
	backend.waitStopped(t)
	assert.Equal(t, 0, tracker.Pending())
	assert.Equal(t, int64(1), tracker.Stats().BackendErrors)
}

func TestTrackerWithoutBackend(t *testing.T) {
	tracker := New(WithLogger(zerolog.Nop()))
	defer func() { _ = tracker.Close() }()

	key, err := tracker.OnRequestStart(context.Background(), Request{URL: "http://a.b/p", Method: "GET"})
	require.NoError(t, err)
	require.NoError(t, tracker.OnResponseSuccess(Response{StatusCode: 200}, key))
	assert.Equal(t, 0, tracker.Pending())
}

// countingSink counts outcomes, safe for concurrent use.
type countingSink struct {
	mu       sync.Mutex
	outcomes int
}

func (s *countingSink) ObserveOutcome(CallOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes++
}

func (s *countingSink) ObserveEvent(string, map[string]any) {}
