package health

import (
	"sync"
	"testing"

	"github.com/allaspectsdev/paf/internal/family"
)

func TestDefaultRecordIsHealthy(t *testing.T) {
	tr := NewTracker()
	r, existed := tr.Get(family.Claude, "unknown")
	if existed {
		t.Error("record existed before first interaction")
	}
	if !r.Healthy || r.ConsecutiveFailures != 0 || r.ConsecutiveSuccesses != 0 {
		t.Errorf("default record = %+v, want healthy zeroes", r)
	}
	if tr.ExceededFailureThreshold(family.Claude, "unknown", 3) {
		t.Error("absent record reported as exceeding threshold")
	}
}

func TestMarkFailure_CrossesThreshold(t *testing.T) {
	tr := NewTracker()

	tr.MarkFailure(family.Claude, "x", 3)
	tr.MarkFailure(family.Claude, "x", 3)
	if tr.ExceededFailureThreshold(family.Claude, "x", 3) {
		t.Fatal("threshold reported exceeded after 2 failures")
	}
	r, _ := tr.Get(family.Claude, "x")
	if !r.Healthy {
		t.Error("endpoint unhealthy before threshold")
	}

	tr.MarkFailure(family.Claude, "x", 3)
	if !tr.ExceededFailureThreshold(family.Claude, "x", 3) {
		t.Fatal("threshold not exceeded after 3 failures")
	}
	r, _ = tr.Get(family.Claude, "x")
	if r.Healthy {
		t.Error("endpoint still healthy past threshold")
	}
	if r.ConsecutiveFailures != 3 || r.ConsecutiveSuccesses != 0 {
		t.Errorf("counters = %+v", r)
	}
	if r.LastChecked.IsZero() {
		t.Error("last checked not recorded")
	}
}

func TestMarkSuccess_ResetsFailuresAndRecovers(t *testing.T) {
	tr := NewTracker()

	for i := 0; i < 3; i++ {
		tr.MarkFailure(family.Codex, "y", 3)
	}

	tr.MarkSuccess(family.Codex, "y", 2)
	r, _ := tr.Get(family.Codex, "y")
	if r.ConsecutiveFailures != 0 {
		t.Errorf("failures = %d after success, want 0", r.ConsecutiveFailures)
	}
	if r.Healthy {
		t.Error("healthy after 1 success with threshold 2")
	}

	tr.MarkSuccess(family.Codex, "y", 2)
	r, _ = tr.Get(family.Codex, "y")
	if !r.Healthy {
		t.Error("not healthy after reaching success threshold")
	}
	if tr.ExceededFailureThreshold(family.Codex, "y", 3) {
		t.Error("threshold still exceeded after recovery")
	}
}

func TestFailureResetsSuccessStreak(t *testing.T) {
	tr := NewTracker()
	tr.MarkSuccess(family.Claude, "z", 1)
	tr.MarkFailure(family.Claude, "z", 3)
	r, _ := tr.Get(family.Claude, "z")
	if r.ConsecutiveSuccesses != 0 {
		t.Errorf("successes = %d after failure, want 0", r.ConsecutiveSuccesses)
	}
}

func TestReset_RemovesRecord(t *testing.T) {
	tr := NewTracker()
	tr.MarkFailure(family.Claude, "gone", 1)
	tr.Reset(family.Claude, "gone")
	if _, existed := tr.Get(family.Claude, "gone"); existed {
		t.Error("record survived Reset")
	}
}

func TestRecords_ScopedToService(t *testing.T) {
	tr := NewTracker()
	tr.MarkFailure(family.Claude, "a", 3)
	tr.MarkSuccess(family.Codex, "b", 1)

	claude := tr.Records(family.Claude)
	if len(claude) != 1 {
		t.Fatalf("claude records = %d, want 1", len(claude))
	}
	if _, ok := claude["a"]; !ok {
		t.Error("claude record missing")
	}
}

func TestTracker_ConcurrentUpdates(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			tr.MarkFailure(family.Claude, "c", 1000)
		}()
		go func() {
			defer wg.Done()
			tr.Get(family.Claude, "c")
		}()
	}
	wg.Wait()

	r, _ := tr.Get(family.Claude, "c")
	if r.ConsecutiveFailures != 50 {
		t.Errorf("failures = %d, want 50", r.ConsecutiveFailures)
	}
}
