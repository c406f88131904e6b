// Package hdrsink aggregates tracked calls in process, per route and method.
//
// The [Collector] is a calltrack.Backend. Each completed call is recorded into an HDR latency
// histogram for its route and method, alongside success and failure counts, status codes and
// summed payload sizes:
//
//	collector := hdrsink.New()
//	tracker := calltrack.New(calltrack.WithBackend(collector))
//
//	// ... make calls through calltrack.InstrumentClient(client, tracker)
//
//	snap := collector.Stats()
//	for _, route := range snap.Routes {
//		fmt.Println(route.Method, route.Route, route.P99Latency)
//	}
//
// Latencies are tracked from 1µs to 60s with 3 significant figures; values outside that range are
// clamped. Abandoned calls are not recorded.
package hdrsink
