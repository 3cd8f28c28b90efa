package metrics

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/allaspectsdev/paf/internal/family"
)

func TestRecordAndSnapshot(t *testing.T) {
	c := NewCollector()

	c.Record(family.Claude, 200, false, 10, 5)
	c.Record(family.Claude, 500, true, 0, 0)
	c.Record(family.Codex, 301, false, 3, 1)

	snap := c.Snapshot()
	claude := snap["claude"]
	if claude.TotalRequests != 2 || claude.ErrorRequests != 1 || claude.Streamed != 1 {
		t.Errorf("claude = %+v", claude)
	}
	if claude.InputTokens != 10 || claude.OutputTokens != 5 {
		t.Errorf("claude tokens = %+v", claude)
	}

	codex := snap["codex"]
	if codex.TotalRequests != 1 || codex.ErrorRequests != 0 {
		t.Errorf("codex = %+v (3xx is not an error)", codex)
	}
}

func TestActiveGauge(t *testing.T) {
	c := NewCollector()
	c.RequestStarted(family.Claude)
	c.RequestStarted(family.Claude)
	c.RequestDone(family.Claude)

	if got := c.Snapshot()["claude"].ActiveRequests; got != 1 {
		t.Errorf("active = %d, want 1", got)
	}
}

func TestConcurrentRecord(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Record(family.Codex, 200, false, 1, 1)
		}()
	}
	wg.Wait()

	if got := c.Snapshot()["codex"].TotalRequests; got != 100 {
		t.Errorf("total = %d, want 100", got)
	}
}

func TestExposition(t *testing.T) {
	c := NewCollector()
	c.Record(family.Claude, 200, true, 7, 3)

	rr := httptest.NewRecorder()
	Handler(c)(rr, httptest.NewRequest("GET", "/metrics", nil))

	body := rr.Body.String()
	for _, want := range []string{
		"paf_uptime_seconds",
		`paf_requests_total{service="claude"} 1`,
		`paf_streamed_requests_total{service="claude"} 1`,
		`paf_input_tokens_total{service="claude"} 7`,
		`paf_active_requests{service="claude"} 0`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q:\n%s", want, body)
		}
	}
	if !strings.Contains(rr.Header().Get("Content-Type"), "text/plain") {
		t.Errorf("content-type = %q", rr.Header().Get("Content-Type"))
	}
}
