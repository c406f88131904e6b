package hdrsink

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/jkbrsn/calltrack"
)

const (
	lowestLatencyUs  = 1
	highestLatencyUs = 60_000_000
	sigFigs          = 3

	// noStatus is the status code key of calls that completed without a response.
	noStatus = "none"
)

// Collector records completed calls in a thread-safe manner.
type Collector struct {
	mu     sync.Mutex
	routes map[routeKey]*aggregate
	total  *aggregate
	start  time.Time
	now    func() time.Time
}

type routeKey struct {
	route  string
	method calltrack.Method
}

// aggregate accumulates the calls of one route and method, or of all of them.
type aggregate struct {
	hist          *hdrhistogram.Histogram
	successes     int64
	failures      int64
	minLatency    time.Duration
	maxLatency    time.Duration
	sumLatency    time.Duration
	statusCodes   map[string]int64
	errorsByType  map[string]int64
	requestBytes  int64
	responseBytes int64
}

func newAggregate() *aggregate {
	return &aggregate{
		hist:         hdrhistogram.New(lowestLatencyUs, highestLatencyUs, sigFigs),
		statusCodes:  make(map[string]int64),
		errorsByType: make(map[string]int64),
	}
}

// record is a single finished call.
type record struct {
	latency  time.Duration
	code     *int
	reqSize  *int64
	respSize *int64
	err      error
	failed   bool
}

// New creates an empty Collector.
func New() *Collector {
	return newCollector(time.Now)
}

func newCollector(now func() time.Time) *Collector {
	return &Collector{
		routes: make(map[routeKey]*aggregate),
		total:  newAggregate(),
		start:  now(),
		now:    now,
	}
}

// NewMetric implements calltrack.Backend.
func (c *Collector) NewMetric(_ context.Context, route string, method calltrack.Method) (calltrack.Metric, error) {
	return &metric{collector: c, key: routeKey{route: route, method: method}}, nil
}

// Reset discards everything recorded so far and restarts the elapsed time.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes = make(map[routeKey]*aggregate)
	c.total = newAggregate()
	c.start = c.now()
}

func (c *Collector) record(key routeKey, r record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	agg, ok := c.routes[key]
	if !ok {
		agg = newAggregate()
		c.routes[key] = agg
	}
	agg.add(r)
	c.total.add(r)
}

func (a *aggregate) add(r record) {
	if r.latency > 0 {
		us := r.latency.Microseconds()
		if us < a.hist.LowestTrackableValue() {
			us = a.hist.LowestTrackableValue()
		}
		if us > a.hist.HighestTrackableValue() {
			us = a.hist.HighestTrackableValue()
		}
		_ = a.hist.RecordValue(us)
	}
	a.sumLatency += r.latency
	if a.successes+a.failures == 0 || r.latency < a.minLatency {
		a.minLatency = r.latency
	}
	if r.latency > a.maxLatency {
		a.maxLatency = r.latency
	}

	if r.failed {
		a.failures++
		a.errorsByType[errorType(r.err)]++
	} else {
		a.successes++
	}

	code := noStatus
	if r.code != nil {
		code = strconv.Itoa(*r.code)
	}
	a.statusCodes[code]++

	if r.reqSize != nil {
		a.requestBytes += *r.reqSize
	}
	if r.respSize != nil {
		a.responseBytes += *r.respSize
	}
}

// errorType names the failure by the status code for status failures, by the error type
// otherwise.
func errorType(err error) string {
	if err == nil {
		return "unknown"
	}
	var statusErr *calltrack.StatusError
	if errors.As(err, &statusErr) {
		return "status " + strconv.Itoa(statusErr.StatusCode)
	}
	var respErr *calltrack.ResponseError
	if errors.As(err, &respErr) && respErr.Err != nil {
		err = respErr.Err
	}
	name := fmt.Sprintf("%T", err)
	if len(name) > 30 {
		name = name[len(name)-30:]
	}
	return name
}

// Stats computes the current statistics, overall and per route, sorted by route then method.
func (c *Collector) Stats() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := c.now().Sub(c.start)
	snap := Snapshot{
		Total:   c.total.stats("*", "*", elapsed),
		Elapsed: elapsed,
		Routes:  make([]RouteStats, 0, len(c.routes)),
	}
	snap.ElapsedMs = toMs(elapsed)
	for key, agg := range c.routes {
		snap.Routes = append(snap.Routes, agg.stats(key.route, key.method.String(), elapsed))
	}
	sort.Slice(snap.Routes, func(i, j int) bool {
		if snap.Routes[i].Route == snap.Routes[j].Route {
			return snap.Routes[i].Method < snap.Routes[j].Method
		}
		return snap.Routes[i].Route < snap.Routes[j].Route
	})
	return snap
}

type metric struct {
	collector *Collector
	key       routeKey

	mu      sync.Mutex
	start   time.Time
	rec     record
	stopped bool
}

func (m *metric) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.start = m.collector.now()
	return nil
}

func (m *metric) SetRequestPayloadSize(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.reqSize = &n
}

func (m *metric) SetResponsePayloadSize(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.respSize = &n
}

func (*metric) SetResponseContentType(string) {}

func (m *metric) SetHTTPResponseCode(code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.code = &code
}

func (m *metric) MarkFailed(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.failed = true
	m.rec.err = err
}

func (m *metric) Abandon() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

func (m *metric) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	if m.start.IsZero() {
		m.mu.Unlock()
		return errors.New("metric stopped before start")
	}
	rec := m.rec
	rec.latency = m.collector.now().Sub(m.start)
	m.mu.Unlock()

	m.collector.record(m.key, rec)
	return nil
}
