package selector

import (
	"errors"
	"testing"
	"time"

	"github.com/allaspectsdev/paf/internal/family"
	"github.com/allaspectsdev/paf/internal/health"
)

func newFixture(t *testing.T, state *family.State) (*Selector, *family.Store, *health.Tracker) {
	t.Helper()
	store, err := family.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.Save(family.Claude, state); err != nil {
		t.Fatalf("Save: %v", err)
	}
	tracker := health.NewTracker()
	return New(store, tracker), store, tracker
}

func lbState(strategy family.Strategy, profiles ...family.Profile) *family.State {
	s := family.DefaultState()
	s.Mode = family.ModeLoadBalance
	s.LoadBalancer.Strategy = strategy
	s.Configs = profiles
	return s
}

func enabled(name string, weight float64) family.Profile {
	return family.Profile{Name: name, BaseURL: "https://" + name + ".example.com", Weight: weight, Enabled: true}
}

func TestPick_EmptyPool(t *testing.T) {
	sel, _, _ := newFixture(t, lbState(family.StrategyWeighted))
	if _, err := sel.Pick(family.Claude, time.Now()); !errors.Is(err, ErrNoUpstream) {
		t.Fatalf("Pick on empty pool = %v, want ErrNoUpstream", err)
	}
}

func TestPick_WeightedPrefersHeavierAndSticks(t *testing.T) {
	sel, _, _ := newFixture(t, lbState(family.StrategyWeighted,
		enabled("a", 3), enabled("b", 1)))

	now := time.Now()
	for i := 0; i < 10; i++ {
		p, err := sel.Pick(family.Claude, now)
		if err != nil {
			t.Fatalf("Pick %d: %v", i, err)
		}
		if p.Name != "a" {
			t.Fatalf("Pick %d = %q, want sticky \"a\"", i, p.Name)
		}
	}
	if got := sel.CurrentServerName(family.Claude); got != "a" {
		t.Errorf("CurrentServerName = %q, want a", got)
	}
}

func TestPick_TieBreakAlphabeticalThenRotates(t *testing.T) {
	sel, _, _ := newFixture(t, lbState(family.StrategyWeighted,
		enabled("beta", 2), enabled("alpha", 2)))

	now := time.Now()
	p, err := sel.Pick(family.Claude, now)
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if p.Name != "alpha" {
		t.Fatalf("first pick = %q, want alpha", p.Name)
	}

	// Losing the sticky selection rotates the tie bucket.
	sel.Forget(family.Claude, "alpha")
	p, err = sel.Pick(family.Claude, now)
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if p.Name != "beta" {
		t.Fatalf("second pick = %q, want rotated beta", p.Name)
	}
}

func TestPick_RoundRobinCycles(t *testing.T) {
	sel, _, _ := newFixture(t, lbState(family.StrategyRoundRobin,
		enabled("a", 1), enabled("b", 1), enabled("c", 1)))

	now := time.Now()
	var got []string
	for i := 0; i < 6; i++ {
		p, err := sel.Pick(family.Claude, now)
		if err != nil {
			t.Fatalf("Pick %d: %v", i, err)
		}
		got = append(got, p.Name)
	}
	want := []string{"a", "b", "c", "a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("round-robin sequence = %v, want %v", got, want)
		}
	}
	if cur := sel.CurrentServerName(family.Claude); cur != "c" {
		t.Errorf("CurrentServerName = %q, want c", cur)
	}
}

func TestPick_SkipsFrozen(t *testing.T) {
	until := time.Now().Add(time.Minute)
	frozen := enabled("frozen", 10)
	frozen.FreezeUntil = &until

	sel, _, _ := newFixture(t, lbState(family.StrategyWeighted,
		frozen, enabled("live", 1)))

	p, err := sel.Pick(family.Claude, time.Now())
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if p.Name != "live" {
		t.Fatalf("Pick = %q, want live (frozen skipped)", p.Name)
	}
}

func TestPick_ElapsedFreezeIsEligible(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	thawed := enabled("thawed", 10)
	thawed.FreezeUntil = &past

	sel, _, _ := newFixture(t, lbState(family.StrategyWeighted,
		thawed, enabled("other", 1)))

	p, err := sel.Pick(family.Claude, time.Now())
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if p.Name != "thawed" {
		t.Fatalf("Pick = %q, want thawed", p.Name)
	}
}

func TestPick_FallsBackWhenAllFrozen(t *testing.T) {
	until := time.Now().Add(time.Minute)
	a := enabled("a", 2)
	a.FreezeUntil = &until
	b := enabled("b", 1)
	b.FreezeUntil = &until

	sel, _, _ := newFixture(t, lbState(family.StrategyWeighted, a, b))

	// Both frozen: the freeze filter falls back to the enabled set.
	p, err := sel.Pick(family.Claude, time.Now())
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if p.Name != "a" {
		t.Fatalf("Pick = %q, want a (heaviest of fallback set)", p.Name)
	}
}

func TestPick_SkipsOverThreshold(t *testing.T) {
	sel, _, tracker := newFixture(t, lbState(family.StrategyWeighted,
		enabled("heavy", 5), enabled("light", 1)))

	now := time.Now()
	p, _ := sel.Pick(family.Claude, now)
	if p.Name != "heavy" {
		t.Fatalf("initial pick = %q", p.Name)
	}

	for i := 0; i < family.DefaultFailureThreshold; i++ {
		tracker.MarkFailure(family.Claude, "heavy", family.DefaultFailureThreshold)
	}

	p, err := sel.Pick(family.Claude, now)
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if p.Name != "light" {
		t.Fatalf("Pick = %q, want light after heavy crossed threshold", p.Name)
	}
	// The sticky name must not report the failed profile.
	if cur := sel.CurrentServerName(family.Claude); cur != "light" {
		t.Errorf("CurrentServerName = %q, want light", cur)
	}
}

func TestPick_AllOverThresholdServesWithoutSticky(t *testing.T) {
	sel, _, tracker := newFixture(t, lbState(family.StrategyWeighted,
		enabled("a", 1), enabled("b", 1)))

	for _, name := range []string{"a", "b"} {
		for i := 0; i < family.DefaultFailureThreshold; i++ {
			tracker.MarkFailure(family.Claude, name, family.DefaultFailureThreshold)
		}
	}

	p, err := sel.Pick(family.Claude, time.Now())
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if p.Name != "a" && p.Name != "b" {
		t.Fatalf("Pick = %q", p.Name)
	}
	if cur := sel.CurrentServerName(family.Claude); cur != "" {
		t.Errorf("CurrentServerName = %q, want empty (fallback picks are not sticky)", cur)
	}
}

func TestPick_ZeroWeightOnlyWhenAlone(t *testing.T) {
	sel, _, _ := newFixture(t, lbState(family.StrategyWeighted,
		enabled("zero", 0), enabled("one", 1)))

	for i := 0; i < 5; i++ {
		p, err := sel.Pick(family.Claude, time.Now())
		if err != nil {
			t.Fatalf("Pick: %v", err)
		}
		if p.Name == "zero" {
			t.Fatal("zero-weight profile selected while another was eligible")
		}
	}
}

func TestPick_ZeroWeightAloneIsServed(t *testing.T) {
	sel, _, _ := newFixture(t, lbState(family.StrategyWeighted, enabled("zero", 0)))
	p, err := sel.Pick(family.Claude, time.Now())
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if p.Name != "zero" {
		t.Fatalf("Pick = %q, want zero", p.Name)
	}
}

func TestCurrentServerName_EmptiesWhenProfileLeaves(t *testing.T) {
	sel, store, _ := newFixture(t, lbState(family.StrategyWeighted,
		enabled("a", 1), enabled("b", 1)))

	if _, err := sel.Pick(family.Claude, time.Now()); err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if sel.CurrentServerName(family.Claude) != "a" {
		t.Fatal("expected sticky a")
	}

	// Remove the current profile from the pool.
	if err := store.Mutate(family.Claude, func(s *family.State) error {
		s.Configs = s.Configs[1:]
		return nil
	}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	if cur := sel.CurrentServerName(family.Claude); cur != "" {
		t.Errorf("CurrentServerName = %q after profile removal, want empty", cur)
	}
}

func TestPick_ManualModeUsesActive(t *testing.T) {
	s := family.DefaultState()
	s.Mode = family.ModeManual
	s.Configs = []family.Profile{enabled("first", 1), enabled("second", 1)}
	s.Active.Name = "second"

	sel, _, _ := newFixture(t, s)
	p, err := sel.Pick(family.Claude, time.Now())
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if p.Name != "second" {
		t.Fatalf("manual pick = %q, want second", p.Name)
	}
}
