package health

import (
	"sync"
	"time"

	"github.com/allaspectsdev/paf/internal/family"
)

// Record holds the in-memory health counters for one endpoint. Records are
// not persisted; they are rebuilt from scratch at startup. An endpoint with
// no record is treated as healthy with zero counters.
type Record struct {
	Healthy              bool      `json:"healthy"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastChecked          time.Time `json:"last_checked"`
}

type key struct {
	svc  family.Service
	name string
}

// Tracker maintains per-endpoint consecutive success/failure counters.
// A single mutex guards the map; updates are short and uncontended enough
// that finer-grained locking buys nothing.
type Tracker struct {
	mu      sync.Mutex
	records map[key]*Record
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{records: make(map[key]*Record)}
}

// record returns the record for the endpoint, creating a default healthy one
// on first interaction. Caller must hold t.mu.
func (t *Tracker) record(svc family.Service, name string) *Record {
	k := key{svc, name}
	r, ok := t.records[k]
	if !ok {
		r = &Record{Healthy: true}
		t.records[k] = r
	}
	return r
}

// MarkSuccess records a successful request or probe. Consecutive failures
// reset to zero; once consecutive successes reach successThreshold the
// endpoint is marked healthy again.
func (t *Tracker) MarkSuccess(svc family.Service, name string, successThreshold int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.record(svc, name)
	r.ConsecutiveFailures = 0
	r.ConsecutiveSuccesses++
	if successThreshold <= 0 {
		successThreshold = 1
	}
	if r.ConsecutiveSuccesses >= successThreshold {
		r.Healthy = true
	}
	r.LastChecked = time.Now()
}

// MarkFailure records a failed request or probe. Consecutive successes reset
// to zero; once consecutive failures reach failureThreshold the endpoint is
// marked unhealthy.
func (t *Tracker) MarkFailure(svc family.Service, name string, failureThreshold int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.record(svc, name)
	r.ConsecutiveSuccesses = 0
	r.ConsecutiveFailures++
	if failureThreshold > 0 && r.ConsecutiveFailures >= failureThreshold {
		r.Healthy = false
	}
	r.LastChecked = time.Now()
}

// ExceededFailureThreshold reports whether the endpoint has accumulated at
// least failureThreshold consecutive failures. Endpoints with no record have
// not.
func (t *Tracker) ExceededFailureThreshold(svc family.Service, name string, failureThreshold int) bool {
	if failureThreshold <= 0 {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[key{svc, name}]
	if !ok {
		return false
	}
	return r.ConsecutiveFailures >= failureThreshold
}

// Get returns a copy of the endpoint's record. The second return reports
// whether a record existed; absent records read as the healthy default.
func (t *Tracker) Get(svc family.Service, name string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if r, ok := t.records[key{svc, name}]; ok {
		return *r, true
	}
	return Record{Healthy: true}, false
}

// Reset removes the endpoint's record, used after profile deletion.
func (t *Tracker) Reset(svc family.Service, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, key{svc, name})
}

// Records returns a copy of every record for the service, keyed by endpoint
// name. Used by the dashboard status endpoints.
func (t *Tracker) Records(svc family.Service) map[string]Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]Record)
	for k, r := range t.records {
		if k.svc == svc {
			out[k.name] = *r
		}
	}
	return out
}
