package family

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return st
}

func TestInit_WritesDefaultWhenMissing(t *testing.T) {
	st := newTestStore(t)

	if err := st.Init(Claude); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := os.Stat(st.Path(Claude)); err != nil {
		t.Fatalf("default file not written: %v", err)
	}

	state := st.Snapshot(Claude)
	if state.Mode != ModeManual {
		t.Errorf("default mode = %q, want manual", state.Mode)
	}
	if state.LoadBalancer.Strategy != StrategyWeighted {
		t.Errorf("default strategy = %q, want weighted", state.LoadBalancer.Strategy)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	st := newTestStore(t)
	_, err := st.Load(Codex)
	if !errors.Is(err, ErrConfigMissing) {
		t.Fatalf("Load on missing file = %v, want ErrConfigMissing", err)
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	st := newTestStore(t)
	if err := os.WriteFile(st.Path(Claude), []byte("mode = [not toml"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, err := st.Load(Claude)
	if !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("Load on malformed file = %v, want ErrConfigInvalid", err)
	}
}

func TestLoad_DuplicateNames(t *testing.T) {
	st := newTestStore(t)
	content := `
mode = "load_balance"

[[configs]]
name = "a"
base_url = "https://one.example.com"

[[configs]]
name = "a"
base_url = "https://two.example.com"
`
	if err := os.WriteFile(st.Path(Claude), []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := st.Load(Claude); !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("Load with duplicate names = %v, want ErrConfigInvalid", err)
	}
}

func TestLoad_DefaultFillIn(t *testing.T) {
	st := newTestStore(t)
	content := `
mode = "load_balance"

[[configs]]
name = "bare"
base_url = "https://api.example.com"
`
	if err := os.WriteFile(st.Path(Claude), []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	state, err := st.Load(Claude)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p := state.Configs[0]
	if !p.Enabled {
		t.Error("omitted enabled did not default to true")
	}
	if p.Weight != DefaultWeight {
		t.Errorf("omitted weight = %v, want %v", p.Weight, DefaultWeight)
	}
	if state.LoadBalancer.HealthCheck.FailureThreshold != DefaultFailureThreshold {
		t.Errorf("failure_threshold = %d, want default %d",
			state.LoadBalancer.HealthCheck.FailureThreshold, DefaultFailureThreshold)
	}
}

func TestLoad_ExplicitZeroWeightPreserved(t *testing.T) {
	st := newTestStore(t)
	content := `
mode = "load_balance"

[[configs]]
name = "zero"
base_url = "https://api.example.com"
weight = 0.0
`
	if err := os.WriteFile(st.Path(Claude), []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	state, err := st.Load(Claude)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if state.Configs[0].Weight != 0 {
		t.Errorf("explicit weight 0 became %v", state.Configs[0].Weight)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	st := newTestStore(t)

	until := time.Now().Add(time.Minute).UTC().Truncate(time.Second)
	in := DefaultState()
	in.Mode = ModeLoadBalance
	in.LoadBalancer.Strategy = StrategyRoundRobin
	in.LoadBalancer.FreezeDuration = 120000
	in.Configs = []Profile{
		{Name: "a", BaseURL: "https://a.example.com", AuthToken: "tok-a", Weight: 3, Enabled: true},
		{Name: "b", BaseURL: "https://b.example.com", APIKey: "key-b", Weight: 0.5, Enabled: false, FreezeUntil: &until},
	}
	in.Active.Name = "a"

	if err := st.Save(Codex, in); err != nil {
		t.Fatalf("Save: %v", err)
	}

	out, err := st.Load(Codex)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if out.Mode != in.Mode || out.Active.Name != "a" {
		t.Errorf("mode/active mismatch: %q %q", out.Mode, out.Active.Name)
	}
	if out.LoadBalancer.Strategy != StrategyRoundRobin || out.LoadBalancer.FreezeDuration != 120000 {
		t.Errorf("loadbalancer mismatch: %+v", out.LoadBalancer)
	}
	if len(out.Configs) != 2 {
		t.Fatalf("configs count = %d, want 2", len(out.Configs))
	}
	a, b := out.Configs[0], out.Configs[1]
	if a.Name != "a" || a.AuthToken != "tok-a" || a.Weight != 3 || !a.Enabled {
		t.Errorf("profile a mismatch: %+v", a)
	}
	if b.Name != "b" || b.APIKey != "key-b" || b.Weight != 0.5 || b.Enabled {
		t.Errorf("profile b mismatch: %+v", b)
	}
	if b.FreezeUntil == nil || !b.FreezeUntil.Equal(until) {
		t.Errorf("freeze_until mismatch: %v, want %v", b.FreezeUntil, until)
	}
}

func TestSave_RepairsActiveName(t *testing.T) {
	st := newTestStore(t)

	state := DefaultState()
	state.Configs = []Profile{
		{Name: "off", BaseURL: "https://off.example.com", Enabled: false, Weight: 1},
		{Name: "on", BaseURL: "https://on.example.com", Enabled: true, Weight: 1},
	}
	state.Active.Name = "off"

	if err := st.Save(Claude, state); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if got := st.Snapshot(Claude).Active.Name; got != "on" {
		t.Errorf("active repaired to %q, want \"on\"", got)
	}
}

func TestSave_ClearsActiveWhenNoneEnabled(t *testing.T) {
	st := newTestStore(t)

	state := DefaultState()
	state.Configs = []Profile{
		{Name: "off", BaseURL: "https://off.example.com", Enabled: false, Weight: 1},
	}
	state.Active.Name = "gone"

	if err := st.Save(Claude, state); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if got := st.Snapshot(Claude).Active.Name; got != "" {
		t.Errorf("active = %q, want empty", got)
	}
}

func TestSave_RejectsDuplicateNames(t *testing.T) {
	st := newTestStore(t)
	state := DefaultState()
	state.Configs = []Profile{
		{Name: "x", BaseURL: "https://one.example.com", Enabled: true, Weight: 1},
		{Name: "x", BaseURL: "https://two.example.com", Enabled: true, Weight: 1},
	}
	if err := st.Save(Claude, state); !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("Save with duplicates = %v, want ErrConfigInvalid", err)
	}
}

func TestSave_RejectsBothCredentials(t *testing.T) {
	st := newTestStore(t)
	state := DefaultState()
	state.Configs = []Profile{
		{Name: "x", BaseURL: "https://x.example.com", AuthToken: "t", APIKey: "k", Enabled: true, Weight: 1},
	}
	if err := st.Save(Claude, state); !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("Save with both credentials = %v, want ErrConfigInvalid", err)
	}
}

func TestEligiblePool_ManualMode(t *testing.T) {
	st := newTestStore(t)
	state := DefaultState()
	state.Configs = []Profile{
		{Name: "a", BaseURL: "https://a.example.com", Enabled: true, Weight: 1},
		{Name: "b", BaseURL: "https://b.example.com", Enabled: true, Weight: 1},
	}
	state.Active.Name = "b"
	if err := st.Save(Claude, state); err != nil {
		t.Fatalf("Save: %v", err)
	}

	pool := st.EligiblePool(Claude)
	if len(pool) != 1 || pool[0].Name != "b" {
		t.Fatalf("manual pool = %+v, want just b", pool)
	}
}

func TestEligiblePool_LoadBalanceMode(t *testing.T) {
	st := newTestStore(t)
	state := DefaultState()
	state.Mode = ModeLoadBalance
	state.Configs = []Profile{
		{Name: "a", BaseURL: "https://a.example.com", Enabled: true, Weight: 1},
		{Name: "b", BaseURL: "https://b.example.com", Enabled: false, Weight: 1},
		{Name: "c", BaseURL: "https://c.example.com", Enabled: true, Weight: 1},
	}
	if err := st.Save(Claude, state); err != nil {
		t.Fatalf("Save: %v", err)
	}

	pool := st.EligiblePool(Claude)
	if len(pool) != 2 || pool[0].Name != "a" || pool[1].Name != "c" {
		t.Fatalf("lb pool = %+v, want a,c", pool)
	}
}

func TestSnapshot_AtomicUnderConcurrentSave(t *testing.T) {
	st := newTestStore(t)

	mkState := func(n int, url string) *State {
		s := DefaultState()
		s.Mode = ModeLoadBalance
		for i := 0; i < n; i++ {
			s.Configs = append(s.Configs, Profile{
				Name:    string(rune('a' + i)),
				BaseURL: url,
				Enabled: true,
				Weight:  1,
			})
		}
		return s
	}

	if err := st.Save(Claude, mkState(3, "https://old.example.com")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan string, 100)

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := st.Snapshot(Claude)
				url := snap.Configs[0].BaseURL
				for _, p := range snap.Configs {
					if p.BaseURL != url {
						errs <- "observed blended state"
						return
					}
				}
				if n := len(snap.Configs); n != 3 && n != 5 {
					errs <- "observed partial config list"
					return
				}
			}
		}()
	}

	for i := 0; i < 20; i++ {
		url := "https://old.example.com"
		if i%2 == 1 {
			url = "https://new.example.com"
		}
		n := 3
		if i%2 == 1 {
			n = 5
		}
		if err := st.Save(Claude, mkState(n, url)); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}
	close(stop)
	wg.Wait()

	select {
	case msg := <-errs:
		t.Fatal(msg)
	default:
	}
}

func TestMutate_PersistsAndPublishes(t *testing.T) {
	st := newTestStore(t)
	if err := st.Init(Codex); err != nil {
		t.Fatalf("Init: %v", err)
	}

	err := st.Mutate(Codex, func(s *State) error {
		s.Configs = append(s.Configs, Profile{
			Name: "added", BaseURL: "https://added.example.com", Enabled: true, Weight: 2,
		})
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	if _, ok := st.Snapshot(Codex).Profile("added"); !ok {
		t.Error("mutation not visible in snapshot")
	}
	onDisk, err := st.Load(Codex)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := onDisk.Profile("added"); !ok {
		t.Error("mutation not persisted")
	}
}

func TestStateClone_Independent(t *testing.T) {
	until := time.Now().Add(time.Hour)
	orig := DefaultState()
	orig.Configs = []Profile{{Name: "a", FreezeUntil: &until, Enabled: true, Weight: 1}}

	cl := orig.Clone()
	cl.Configs[0].Name = "changed"
	*cl.Configs[0].FreezeUntil = until.Add(time.Hour)

	if orig.Configs[0].Name != "a" {
		t.Error("clone shares Configs slice")
	}
	if !orig.Configs[0].FreezeUntil.Equal(until) {
		t.Error("clone shares FreezeUntil pointer")
	}
}

func TestPath_PerService(t *testing.T) {
	st := newTestStore(t)
	if filepath.Base(st.Path(Claude)) != "claude.toml" {
		t.Errorf("claude path = %s", st.Path(Claude))
	}
	if filepath.Base(st.Path(Codex)) != "codex.toml" {
		t.Errorf("codex path = %s", st.Path(Codex))
	}
}
