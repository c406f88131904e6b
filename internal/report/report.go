// Package report renders the outcome of a probe run.
package report

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/jkbrsn/calltrack"
	"github.com/jkbrsn/calltrack/pkg/hdrsink"
)

// Report formats.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Report is the outcome of a probe run.
type Report struct {
	Sent       int64            `json:"sent" yaml:"sent"`
	Errors     int64            `json:"errors" yaml:"errors"`
	Duration   time.Duration    `json:"-" yaml:"-"`
	DurationMs float64          `json:"duration_ms" yaml:"duration_ms"`
	Calls      hdrsink.Snapshot `json:"calls" yaml:"calls"`
	Tracker    TrackerSummary   `json:"tracker" yaml:"tracker"`
}

// TrackerSummary holds the tracker counters of a run.
type TrackerSummary struct {
	Pending       int   `json:"pending" yaml:"pending"`
	Started       int64 `json:"started" yaml:"started"`
	Completed     int64 `json:"completed" yaml:"completed"`
	Failed        int64 `json:"failed" yaml:"failed"`
	Abandoned     int64 `json:"abandoned" yaml:"abandoned"`
	Expired       int64 `json:"expired" yaml:"expired"`
	StartErrors   int64 `json:"start_errors" yaml:"start_errors"`
	LookupMisses  int64 `json:"lookup_misses" yaml:"lookup_misses"`
	BackendErrors int64 `json:"backend_errors" yaml:"backend_errors"`
}

// New assembles a Report.
func New(sent, errs int64, duration time.Duration, calls hdrsink.Snapshot, stats calltrack.Stats) Report {
	return Report{
		Sent:       sent,
		Errors:     errs,
		Duration:   duration,
		DurationMs: float64(duration) / float64(time.Millisecond),
		Calls:      calls,
		Tracker: TrackerSummary{
			Pending:       stats.Pending,
			Started:       stats.Started,
			Completed:     stats.Completed,
			Failed:        stats.Failed,
			Abandoned:     stats.Abandoned,
			Expired:       stats.Expired,
			StartErrors:   stats.StartErrors,
			LookupMisses:  stats.LookupMisses,
			BackendErrors: stats.BackendErrors,
		},
	}
}

// Write renders r to w in the given format.
func Write(w io.Writer, format string, r Report) error {
	switch format {
	case FormatText, "":
		return writeText(w, r)
	case FormatJSON:
		data, err := sonic.ConfigStd.MarshalIndent(r, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported report format %q", format)
	}
}

func writeText(w io.Writer, r Report) error {
	total := r.Calls.Total
	fmt.Fprintln(w, "\n--- Call Tracking Results ---")
	fmt.Fprintf(w, "Requests Sent:     %d\n", r.Sent)
	fmt.Fprintf(w, "Request Errors:    %d\n", r.Errors)
	fmt.Fprintf(w, "Duration:          %s\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "Tracked Calls:     %d\n", total.Total)
	fmt.Fprintf(w, "Successful:        %d\n", total.Successes)
	fmt.Fprintf(w, "Failed:            %d\n", total.Failures)
	fmt.Fprintf(w, "Requests/sec:      %.2f\n", total.RequestsPerSec)
	fmt.Fprintf(w, "Request Bytes:     %d\n", total.RequestBytes)
	fmt.Fprintf(w, "Response Bytes:    %d\n", total.ResponseBytes)

	fmt.Fprintln(w, "\nLatency:")
	fmt.Fprintf(w, "  Min:             %s\n", total.MinLatency)
	fmt.Fprintf(w, "  Max:             %s\n", total.MaxLatency)
	fmt.Fprintf(w, "  Mean:            %s\n", total.MeanLatency)
	fmt.Fprintf(w, "  P50:             %s\n", total.P50Latency)
	fmt.Fprintf(w, "  P90:             %s\n", total.P90Latency)
	fmt.Fprintf(w, "  P95:             %s\n", total.P95Latency)
	fmt.Fprintf(w, "  P99:             %s\n", total.P99Latency)

	if len(r.Calls.Routes) > 0 {
		fmt.Fprintln(w, "\nRoute Breakdown:")
		table := tablewriter.NewWriter(w)
		table.SetAutoFormatHeaders(false)
		table.SetAutoWrapText(false)
		table.SetHeader([]string{"Method", "Route", "Total", "Failures", "P50", "P99", "Status Codes"})
		for _, route := range r.Calls.Routes {
			table.Append([]string{
				route.Method,
				route.Route,
				strconv.FormatInt(route.Total, 10),
				strconv.FormatInt(route.Failures, 10),
				route.P50Latency.String(),
				route.P99Latency.String(),
				formatCounts(route.StatusCodes),
			})
		}
		table.Render()
	}

	if len(total.Errors) > 0 {
		fmt.Fprintln(w, "\nErrors:")
		for _, name := range sortedKeys(total.Errors) {
			fmt.Fprintf(w, "  %s: %d\n", name, total.Errors[name])
		}
	}

	t := r.Tracker
	fmt.Fprintln(w, "\nTracker:")
	fmt.Fprintf(w, "  Started: %d, Completed: %d, Failed: %d, Abandoned: %d, Expired: %d, Pending: %d\n",
		t.Started, t.Completed, t.Failed, t.Abandoned, t.Expired, t.Pending)
	if t.StartErrors > 0 || t.LookupMisses > 0 || t.BackendErrors > 0 {
		fmt.Fprintf(w, "  Start Errors: %d, Lookup Misses: %d, Backend Errors: %d\n",
			t.StartErrors, t.LookupMisses, t.BackendErrors)
	}
	return nil
}

// formatCounts renders counts as "k=v" pairs in key order.
func formatCounts(counts map[string]int64) string {
	var out string
	for i, k := range sortedKeys(counts) {
		if i > 0 {
			out += " "
		}
		out += k + "=" + strconv.FormatInt(counts[k], 10)
	}
	return out
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
