package hdrsink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkbrsn/calltrack"
)

// fakeClock is advanced by hand.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCollector() (*Collector, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	return newCollector(clock.Now), clock
}

// call records one call of the given latency through the Metric interface.
func call(t *testing.T, c *Collector, clock *fakeClock, route string, latency time.Duration, code int, err error) {
	t.Helper()
	m, newErr := c.NewMetric(context.Background(), route, calltrack.MethodGet)
	require.NoError(t, newErr)
	require.NoError(t, m.Start())
	clock.Advance(latency)
	if code > 0 {
		m.SetHTTPResponseCode(code)
	}
	if err != nil {
		m.(calltrack.FailureMarker).MarkFailed(err)
	}
	require.NoError(t, m.Stop())
}

func TestCollectorLatencyStats(t *testing.T) {
	c, clock := newTestCollector()

	for _, ms := range []int{10, 20, 30, 40, 50} {
		call(t, c, clock, "http://a.b/p", time.Duration(ms)*time.Millisecond, 200, nil)
	}

	stats := c.Stats().Total
	assert.Equal(t, int64(5), stats.Total)
	assert.Equal(t, int64(5), stats.Successes)
	assert.Equal(t, int64(0), stats.Failures)
	assert.Equal(t, 10*time.Millisecond, stats.MinLatency)
	assert.Equal(t, 50*time.Millisecond, stats.MaxLatency)
	assert.Equal(t, 30*time.Millisecond, stats.MeanLatency)
	assert.InDelta(t, 30.0, stats.MeanLatencyMs, 0.001)
	assert.Equal(t, map[string]int64{"200": 5}, stats.StatusCodes)
}

func TestCollectorPercentiles(t *testing.T) {
	c, clock := newTestCollector()

	// 100 samples: 1ms, 2ms, ..., 100ms.
	for i := 1; i <= 100; i++ {
		call(t, c, clock, "http://a.b/p", time.Duration(i)*time.Millisecond, 200, nil)
	}

	stats := c.Stats().Total
	assert.InDelta(t, float64(50*time.Millisecond), float64(stats.P50Latency), float64(time.Millisecond))
	assert.InDelta(t, float64(90*time.Millisecond), float64(stats.P90Latency), float64(time.Millisecond))
	assert.InDelta(t, float64(95*time.Millisecond), float64(stats.P95Latency), float64(time.Millisecond))
	assert.InDelta(t, float64(99*time.Millisecond), float64(stats.P99Latency), float64(time.Millisecond))
}

func TestCollectorPerRoute(t *testing.T) {
	c, clock := newTestCollector()

	call(t, c, clock, "http://b.example/x", 5*time.Millisecond, 200, nil)
	call(t, c, clock, "http://a.example/y", 5*time.Millisecond, 503,
		&calltrack.ResponseError{Err: &calltrack.StatusError{StatusCode: 503}})
	call(t, c, clock, "http://a.example/y", 5*time.Millisecond, 0, errors.New("connection refused"))

	snap := c.Stats()
	require.Len(t, snap.Routes, 2)
	assert.Equal(t, "http://a.example/y", snap.Routes[0].Route)
	assert.Equal(t, "GET", snap.Routes[0].Method)
	assert.Equal(t, int64(2), snap.Routes[0].Failures)
	assert.Equal(t, map[string]int64{"503": 1, "none": 1}, snap.Routes[0].StatusCodes)
	assert.Equal(t, map[string]int64{"status 503": 1, "*errors.errorString": 1}, snap.Routes[0].Errors)
	assert.Equal(t, "http://b.example/x", snap.Routes[1].Route)
	assert.Equal(t, int64(1), snap.Routes[1].Successes)

	assert.Equal(t, int64(3), snap.Total.Total)
	assert.Equal(t, "*", snap.Total.Route)
	assert.Equal(t, 15*time.Millisecond, snap.Elapsed)
	assert.InDelta(t, 200.0, snap.Total.RequestsPerSec, 0.001)
}

func TestCollectorPayloadSizes(t *testing.T) {
	c, clock := newTestCollector()

	m, err := c.NewMetric(context.Background(), "http://a.b/p", calltrack.MethodPost)
	require.NoError(t, err)
	m.SetRequestPayloadSize(30)
	require.NoError(t, m.Start())
	clock.Advance(time.Millisecond)
	m.SetResponsePayloadSize(12)
	require.NoError(t, m.Stop())

	stats := c.Stats().Routes[0]
	assert.Equal(t, "POST", stats.Method)
	assert.Equal(t, int64(30), stats.RequestBytes)
	assert.Equal(t, int64(12), stats.ResponseBytes)
}

func TestCollectorClampsLatency(t *testing.T) {
	c, clock := newTestCollector()

	call(t, c, clock, "http://a.b/p", 2*time.Minute, 200, nil)

	stats := c.Stats().Total
	assert.Equal(t, 2*time.Minute, stats.MaxLatency)
	assert.LessOrEqual(t, stats.P99Latency, 61*time.Second)
}

func TestCollectorAbandonedNotRecorded(t *testing.T) {
	c, _ := newTestCollector()

	m, err := c.NewMetric(context.Background(), "http://a.b/p", calltrack.MethodGet)
	require.NoError(t, err)
	require.NoError(t, m.Start())
	m.(calltrack.Abandoner).Abandon()
	require.NoError(t, m.Stop())

	assert.Empty(t, c.Stats().Routes)
	assert.Equal(t, int64(0), c.Stats().Total.Total)
}

func TestCollectorStopBeforeStart(t *testing.T) {
	c, _ := newTestCollector()
	m, err := c.NewMetric(context.Background(), "http://a.b/p", calltrack.MethodGet)
	require.NoError(t, err)
	assert.Error(t, m.Stop())
}

func TestCollectorReset(t *testing.T) {
	c, clock := newTestCollector()
	call(t, c, clock, "http://a.b/p", time.Millisecond, 200, nil)
	c.Reset()

	snap := c.Stats()
	assert.Empty(t, snap.Routes)
	assert.Equal(t, time.Duration(0), snap.Elapsed)
}

func TestCollectorWithTracker(t *testing.T) {
	c := New()
	tracker := calltrack.New(calltrack.WithBackend(c), calltrack.WithLogger(zerolog.Nop()))
	defer func() { _ = tracker.Close() }()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, err := tracker.OnRequestStart(context.Background(), calltrack.Request{
				URL:    "http://a.b/p?x=1",
				Method: "get",
			})
			if err != nil {
				t.Errorf("start: %v", err)
				return
			}
			_ = tracker.OnResponseSuccess(calltrack.Response{StatusCode: 200}, key)
		}()
	}
	wg.Wait()

	snap := c.Stats()
	require.Len(t, snap.Routes, 1)
	assert.Equal(t, "http://a.b/p", snap.Routes[0].Route)
	assert.Equal(t, int64(20), snap.Routes[0].Successes)
}
