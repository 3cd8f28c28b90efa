package results

import (
	"testing"
	"time"

	"github.com/allaspectsdev/paf/internal/family"
)

func TestRecordAndGet(t *testing.T) {
	c, err := NewCache(8)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}

	o := Outcome{Success: true, StatusCode: 200, Source: "probe", CompletedAt: time.Now()}
	c.Record(family.Claude, "a", o)

	got, ok := c.Get(family.Claude, "a")
	if !ok || !got.Success || got.StatusCode != 200 {
		t.Fatalf("Get = %+v, %v", got, ok)
	}
	if _, ok := c.Get(family.Codex, "a"); ok {
		t.Error("outcome leaked across services")
	}
}

func TestLatestWins(t *testing.T) {
	c, _ := NewCache(8)
	c.Record(family.Claude, "a", Outcome{Success: true})
	c.Record(family.Claude, "a", Outcome{Success: false, Message: "broke"})

	got, _ := c.Get(family.Claude, "a")
	if got.Success || got.Message != "broke" {
		t.Errorf("Get = %+v, want latest outcome", got)
	}
}

func TestForService(t *testing.T) {
	c, _ := NewCache(8)
	c.Record(family.Claude, "a", Outcome{Success: true})
	c.Record(family.Claude, "b", Outcome{Success: false})
	c.Record(family.Codex, "c", Outcome{Success: true})

	m := c.ForService(family.Claude)
	if len(m) != 2 {
		t.Fatalf("ForService = %d entries, want 2", len(m))
	}
	if _, ok := m["c"]; ok {
		t.Error("codex entry in claude map")
	}
}

func TestForget(t *testing.T) {
	c, _ := NewCache(8)
	c.Record(family.Claude, "a", Outcome{Success: true})
	c.Forget(family.Claude, "a")
	if _, ok := c.Get(family.Claude, "a"); ok {
		t.Error("outcome survived Forget")
	}
}
