package metrics

import (
	"fmt"
	"net/http"
	"sort"
)

// Handler serves the collector counters in the Prometheus text exposition
// format. Hand-rolled: a handful of counters does not justify a client
// library dependency.
func Handler(c *Collector) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		snap := c.Snapshot()
		services := make([]string, 0, len(snap))
		for svc := range snap {
			services = append(services, svc)
		}
		sort.Strings(services)

		fmt.Fprintf(w, "# HELP paf_uptime_seconds Seconds since the process started.\n")
		fmt.Fprintf(w, "# TYPE paf_uptime_seconds gauge\n")
		fmt.Fprintf(w, "paf_uptime_seconds %d\n", int64(c.Uptime().Seconds()))

		writeCounter(w, "paf_requests_total", "Total proxied requests.", services, snap, func(l Live) int64 { return l.TotalRequests })
		writeCounter(w, "paf_request_errors_total", "Requests that failed or returned an error status.", services, snap, func(l Live) int64 { return l.ErrorRequests })
		writeCounter(w, "paf_streamed_requests_total", "Requests served as SSE streams.", services, snap, func(l Live) int64 { return l.Streamed })
		writeCounter(w, "paf_input_tokens_total", "Input tokens across all requests.", services, snap, func(l Live) int64 { return l.InputTokens })
		writeCounter(w, "paf_output_tokens_total", "Output tokens across all requests.", services, snap, func(l Live) int64 { return l.OutputTokens })

		fmt.Fprintf(w, "# HELP paf_active_requests In-flight requests.\n")
		fmt.Fprintf(w, "# TYPE paf_active_requests gauge\n")
		for _, svc := range services {
			fmt.Fprintf(w, "paf_active_requests{service=%q} %d\n", svc, snap[svc].ActiveRequests)
		}
	}
}

func writeCounter(w http.ResponseWriter, name, help string, services []string, snap map[string]Live, value func(Live) int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	for _, svc := range services {
		fmt.Fprintf(w, "%s{service=%q} %d\n", name, svc, value(snap[svc]))
	}
}
