package metrics

import (
	"sync/atomic"
	"time"

	"github.com/allaspectsdev/paf/internal/family"
)

// Collector tracks live per-service counters using atomics for lock-free,
// concurrent-safe updates. It is the real-time complement to the request-log
// store: the store answers historical queries, the collector answers "what is
// happening right now" without touching SQLite.
type Collector struct {
	startTime time.Time
	services  map[family.Service]*serviceCounters
}

type serviceCounters struct {
	totalRequests  atomic.Int64
	errorRequests  atomic.Int64
	activeRequests atomic.Int64
	streamed       atomic.Int64
	inputTokens    atomic.Int64
	outputTokens   atomic.Int64
}

// Live is a point-in-time snapshot of one service's counters.
type Live struct {
	TotalRequests  int64 `json:"total_requests"`
	ErrorRequests  int64 `json:"error_requests"`
	ActiveRequests int64 `json:"active_requests"`
	Streamed       int64 `json:"streamed"`
	InputTokens    int64 `json:"input_tokens"`
	OutputTokens   int64 `json:"output_tokens"`
}

// NewCollector creates a Collector with a counter set per known service.
func NewCollector() *Collector {
	c := &Collector{
		startTime: time.Now(),
		services:  make(map[family.Service]*serviceCounters, len(family.Services)),
	}
	for _, svc := range family.Services {
		c.services[svc] = &serviceCounters{}
	}
	return c
}

// RequestStarted increments the active-request gauge. Pair with RequestDone.
func (c *Collector) RequestStarted(svc family.Service) {
	if sc, ok := c.services[svc]; ok {
		sc.activeRequests.Add(1)
	}
}

// RequestDone decrements the active-request gauge.
func (c *Collector) RequestDone(svc family.Service) {
	if sc, ok := c.services[svc]; ok {
		sc.activeRequests.Add(-1)
	}
}

// Record registers a completed request.
func (c *Collector) Record(svc family.Service, statusCode int, streamed bool, inputTokens, outputTokens int64) {
	sc, ok := c.services[svc]
	if !ok {
		return
	}
	sc.totalRequests.Add(1)
	if statusCode < 200 || statusCode >= 400 {
		sc.errorRequests.Add(1)
	}
	if streamed {
		sc.streamed.Add(1)
	}
	sc.inputTokens.Add(inputTokens)
	sc.outputTokens.Add(outputTokens)
}

// Uptime returns the time since the collector was created.
func (c *Collector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Snapshot returns the live counters keyed by service name.
func (c *Collector) Snapshot() map[string]Live {
	out := make(map[string]Live, len(c.services))
	for svc, sc := range c.services {
		out[string(svc)] = Live{
			TotalRequests:  sc.totalRequests.Load(),
			ErrorRequests:  sc.errorRequests.Load(),
			ActiveRequests: sc.activeRequests.Load(),
			Streamed:       sc.streamed.Load(),
			InputTokens:    sc.inputTokens.Load(),
			OutputTokens:   sc.outputTokens.Load(),
		}
	}
	return out
}
