package hdrsink

import "time"

// Snapshot is the aggregated state of a Collector.
type Snapshot struct {
	Total     RouteStats    `json:"total" yaml:"total"`
	Routes    []RouteStats  `json:"routes" yaml:"routes"`
	Elapsed   time.Duration `json:"-" yaml:"-"`
	ElapsedMs float64       `json:"elapsed_ms" yaml:"elapsed_ms"`
}

// RouteStats represents the aggregated calls of one route and method. For Snapshot.Total, Route and
// Method are "*".
type RouteStats struct {
	Route          string  `json:"route" yaml:"route"`
	Method         string  `json:"method" yaml:"method"`
	Total          int64   `json:"total" yaml:"total"`
	Successes      int64   `json:"successes" yaml:"successes"`
	Failures       int64   `json:"failures" yaml:"failures"`
	RequestsPerSec float64 `json:"requests_per_sec" yaml:"requests_per_sec"`

	MinLatency  time.Duration `json:"-" yaml:"-"`
	MaxLatency  time.Duration `json:"-" yaml:"-"`
	MeanLatency time.Duration `json:"-" yaml:"-"`
	P50Latency  time.Duration `json:"-" yaml:"-"`
	P90Latency  time.Duration `json:"-" yaml:"-"`
	P95Latency  time.Duration `json:"-" yaml:"-"`
	P99Latency  time.Duration `json:"-" yaml:"-"`

	// Millisecond fields for serialized reports.
	MinLatencyMs  float64 `json:"min_latency_ms" yaml:"min_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms" yaml:"max_latency_ms"`
	MeanLatencyMs float64 `json:"mean_latency_ms" yaml:"mean_latency_ms"`
	P50LatencyMs  float64 `json:"p50_latency_ms" yaml:"p50_latency_ms"`
	P90LatencyMs  float64 `json:"p90_latency_ms" yaml:"p90_latency_ms"`
	P95LatencyMs  float64 `json:"p95_latency_ms" yaml:"p95_latency_ms"`
	P99LatencyMs  float64 `json:"p99_latency_ms" yaml:"p99_latency_ms"`

	StatusCodes   map[string]int64 `json:"status_codes,omitempty" yaml:"status_codes,omitempty"`
	Errors        map[string]int64 `json:"errors,omitempty" yaml:"errors,omitempty"`
	RequestBytes  int64            `json:"request_bytes" yaml:"request_bytes"`
	ResponseBytes int64            `json:"response_bytes" yaml:"response_bytes"`
}

func (a *aggregate) stats(route, method string, elapsed time.Duration) RouteStats {
	total := a.successes + a.failures
	s := RouteStats{
		Route:         route,
		Method:        method,
		Total:         total,
		Successes:     a.successes,
		Failures:      a.failures,
		MinLatency:    a.minLatency,
		MaxLatency:    a.maxLatency,
		RequestBytes:  a.requestBytes,
		ResponseBytes: a.responseBytes,
	}

	if total > 0 {
		s.MeanLatency = time.Duration(int64(a.sumLatency) / total)
	}
	if a.hist.TotalCount() > 0 {
		s.P50Latency = time.Duration(a.hist.ValueAtQuantile(50)) * time.Microsecond
		s.P90Latency = time.Duration(a.hist.ValueAtQuantile(90)) * time.Microsecond
		s.P95Latency = time.Duration(a.hist.ValueAtQuantile(95)) * time.Microsecond
		s.P99Latency = time.Duration(a.hist.ValueAtQuantile(99)) * time.Microsecond
	}

	s.MinLatencyMs = toMs(s.MinLatency)
	s.MaxLatencyMs = toMs(s.MaxLatency)
	s.MeanLatencyMs = toMs(s.MeanLatency)
	s.P50LatencyMs = toMs(s.P50Latency)
	s.P90LatencyMs = toMs(s.P90Latency)
	s.P95LatencyMs = toMs(s.P95Latency)
	s.P99LatencyMs = toMs(s.P99Latency)

	if elapsed > 0 && total > 0 {
		s.RequestsPerSec = float64(total) / elapsed.Seconds()
	}

	if len(a.statusCodes) > 0 {
		s.StatusCodes = make(map[string]int64, len(a.statusCodes))
		for k, v := range a.statusCodes {
			s.StatusCodes[k] = v
		}
	}
	if len(a.errorsByType) > 0 {
		s.Errors = make(map[string]int64, len(a.errorsByType))
		for k, v := range a.errorsByType {
			s.Errors[k] = v
		}
	}
	return s
}

func toMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
