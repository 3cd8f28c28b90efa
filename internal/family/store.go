package family

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Sentinel errors for config file load failures.
var (
	// ErrConfigMissing is returned when a service config file does not exist.
	ErrConfigMissing = errors.New("family: config file missing")
	// ErrConfigInvalid is returned when a service config file cannot be parsed
	// or violates a structural invariant (duplicate names, bad enums).
	ErrConfigInvalid = errors.New("family: config file invalid")
)

// Store owns the persisted per-service state files and their in-memory
// snapshots. It is the sole writer of both: every mutation goes through Save
// (directly or via Mutate), which rewrites the whole file atomically and then
// publishes a fresh snapshot. Readers use Snapshot and never observe a
// half-updated state.
type Store struct {
	dir string

	mu        map[Service]*sync.Mutex
	snapshots map[Service]*atomic.Pointer[State]
}

// NewStore creates a Store rooted at dir. The directory is created if absent.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("family: create config directory %s: %w", dir, err)
	}

	st := &Store{
		dir:       dir,
		mu:        make(map[Service]*sync.Mutex, len(Services)),
		snapshots: make(map[Service]*atomic.Pointer[State], len(Services)),
	}
	for _, svc := range Services {
		st.mu[svc] = &sync.Mutex{}
		st.snapshots[svc] = &atomic.Pointer[State]{}
	}
	return st, nil
}

// Path returns the on-disk config file for the given service.
func (s *Store) Path(svc Service) string {
	return filepath.Join(s.dir, string(svc)+".toml")
}

// Init loads the service file into the snapshot, writing the default state
// first if the file is missing. Called once per service at startup.
func (s *Store) Init(svc Service) error {
	state, err := s.Load(svc)
	if errors.Is(err, ErrConfigMissing) {
		return s.Save(svc, DefaultState())
	}
	if err != nil {
		return err
	}
	s.snapshots[svc].Store(state)
	return nil
}

// Load reads and parses the service config file from disk. It does not touch
// the in-memory snapshot; use Init or Save for that.
func (s *Store) Load(svc Service) (*State, error) {
	data, err := os.ReadFile(s.Path(svc))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigMissing, s.Path(svc))
		}
		return nil, fmt.Errorf("family: read %s: %w", s.Path(svc), err)
	}

	var f stateFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfigInvalid, s.Path(svc), err)
	}

	state, err := f.toState()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfigInvalid, s.Path(svc), err)
	}
	return state, nil
}

// Save normalises the state, writes the whole file via a temp file + rename,
// and publishes the new snapshot. Concurrent saves for the same service are
// serialised; concurrent Snapshot readers see either the prior state or the
// new one, never a blend.
func (s *Store) Save(svc Service, state *State) error {
	mu := s.mu[svc]
	mu.Lock()
	defer mu.Unlock()
	return s.saveLocked(svc, state)
}

// saveLocked is Save without the lock acquisition. Caller holds s.mu[svc].
func (s *Store) saveLocked(svc Service, state *State) error {
	normalized := state.Clone()
	Normalize(normalized)

	if err := validateState(normalized); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	data, err := toml.Marshal(fromState(normalized))
	if err != nil {
		return fmt.Errorf("family: marshal %s state: %w", svc, err)
	}

	path := s.Path(svc)
	tmp, err := os.CreateTemp(s.dir, string(svc)+".toml.tmp-*")
	if err != nil {
		return fmt.Errorf("family: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("family: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("family: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("family: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("family: replace %s: %w", path, err)
	}

	s.snapshots[svc].Store(normalized)
	return nil
}

// Snapshot returns the latest fully-committed state for the service.
// The returned value is shared and must be treated as read-only; mutators
// Clone it, edit the copy, and Save.
func (s *Store) Snapshot(svc Service) *State {
	if st := s.snapshots[svc].Load(); st != nil {
		return st
	}
	return DefaultState()
}

// Mutate applies fn to a private clone of the current state and saves the
// result. The clone-edit-save sequence runs under the per-service save lock,
// so concurrent mutations cannot lose updates.
func (s *Store) Mutate(svc Service, fn func(*State) error) error {
	mu := s.mu[svc]
	mu.Lock()
	defer mu.Unlock()

	next := s.Snapshot(svc).Clone()
	if err := fn(next); err != nil {
		return err
	}
	return s.saveLocked(svc, next)
}

// EligiblePool returns the profiles the selector may consider. In manual mode
// this is at most the active profile (if enabled); in load-balance mode it is
// every enabled profile.
func (s *Store) EligiblePool(svc Service) []Profile {
	state := s.Snapshot(svc)

	if state.Mode == ModeManual {
		if state.Active.Name == "" {
			return nil
		}
		p, ok := state.Profile(state.Active.Name)
		if !ok || !p.Enabled {
			return nil
		}
		return []Profile{p}
	}

	var pool []Profile
	for _, p := range state.Configs {
		if p.Enabled {
			pool = append(pool, p)
		}
	}
	return pool
}

// Normalize repairs a state in place before persisting:
// negative weights become the default weight, and an active name that does
// not refer to an enabled profile is reset to the first enabled profile's
// name (or cleared when none exists).
func Normalize(state *State) {
	if state.Mode == "" {
		state.Mode = ModeManual
	}
	if state.LoadBalancer.Strategy == "" {
		state.LoadBalancer.Strategy = StrategyWeighted
	}

	for i := range state.Configs {
		if state.Configs[i].Weight < 0 {
			state.Configs[i].Weight = DefaultWeight
		}
	}

	if state.Active.Name != "" {
		if p, ok := state.Profile(state.Active.Name); ok && p.Enabled {
			return
		}
	}
	state.Active.Name = ""
	for _, p := range state.Configs {
		if p.Enabled {
			state.Active.Name = p.Name
			break
		}
	}
}

// validateState enforces structural invariants on a normalised state.
func validateState(state *State) error {
	switch state.Mode {
	case ModeManual, ModeLoadBalance:
	default:
		return fmt.Errorf("unknown mode %q", state.Mode)
	}
	switch state.LoadBalancer.Strategy {
	case StrategyWeighted, StrategyRoundRobin:
	default:
		return fmt.Errorf("unknown strategy %q", state.LoadBalancer.Strategy)
	}

	seen := make(map[string]struct{}, len(state.Configs))
	for _, p := range state.Configs {
		if p.Name == "" {
			return errors.New("profile with empty name")
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("duplicate profile name %q", p.Name)
		}
		seen[p.Name] = struct{}{}
		if p.Weight < 0 {
			return fmt.Errorf("profile %q has negative weight", p.Name)
		}
		if p.AuthToken != "" && p.APIKey != "" {
			return fmt.Errorf("profile %q sets both auth_token and api_key", p.Name)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// On-disk representation. Optional fields are pointers so that omitted keys
// can be distinguished from explicit zero values and filled with defaults.
// ---------------------------------------------------------------------------

type stateFile struct {
	Mode         string     `toml:"mode"`
	Active       activeFile `toml:"active"`
	Configs      []profileFile `toml:"configs"`
	LoadBalancer lbFile     `toml:"loadbalancer"`
}

type activeFile struct {
	Name string `toml:"name"`
}

type profileFile struct {
	Name        string     `toml:"name"`
	BaseURL     string     `toml:"base_url"`
	AuthToken   string     `toml:"auth_token,omitempty"`
	APIKey      string     `toml:"api_key,omitempty"`
	Weight      *float64   `toml:"weight"`
	Enabled     *bool      `toml:"enabled"`
	FreezeUntil *time.Time `toml:"freeze_until,omitempty"`
}

type lbFile struct {
	Strategy       string  `toml:"strategy"`
	HealthCheck    *hcFile `toml:"health_check"`
	FreezeDuration *int64  `toml:"freeze_duration"`
}

type hcFile struct {
	Enabled          *bool `toml:"enabled"`
	Interval         *int  `toml:"interval"`
	Timeout          *int  `toml:"timeout"`
	FailureThreshold *int  `toml:"failure_threshold"`
	SuccessThreshold *int  `toml:"success_threshold"`
}

// toState converts the file form to the in-memory form, filling defaults for
// omitted fields: enabled defaults true, weight defaults 1, balancer settings
// default to DefaultState's values.
func (f *stateFile) toState() (*State, error) {
	state := DefaultState()

	if f.Mode != "" {
		state.Mode = Mode(f.Mode)
	}
	state.Active.Name = f.Active.Name

	for _, pf := range f.Configs {
		p := Profile{
			Name:        pf.Name,
			BaseURL:     pf.BaseURL,
			AuthToken:   pf.AuthToken,
			APIKey:      pf.APIKey,
			Weight:      DefaultWeight,
			Enabled:     true,
			FreezeUntil: pf.FreezeUntil,
		}
		if pf.Weight != nil {
			p.Weight = *pf.Weight
		}
		if pf.Enabled != nil {
			p.Enabled = *pf.Enabled
		}
		state.Configs = append(state.Configs, p)
	}

	if f.LoadBalancer.Strategy != "" {
		state.LoadBalancer.Strategy = Strategy(f.LoadBalancer.Strategy)
	}
	if f.LoadBalancer.FreezeDuration != nil {
		state.LoadBalancer.FreezeDuration = *f.LoadBalancer.FreezeDuration
	}
	if hc := f.LoadBalancer.HealthCheck; hc != nil {
		if hc.Enabled != nil {
			state.LoadBalancer.HealthCheck.Enabled = *hc.Enabled
		}
		if hc.Interval != nil {
			state.LoadBalancer.HealthCheck.Interval = *hc.Interval
		}
		if hc.Timeout != nil {
			state.LoadBalancer.HealthCheck.Timeout = *hc.Timeout
		}
		if hc.FailureThreshold != nil {
			state.LoadBalancer.HealthCheck.FailureThreshold = *hc.FailureThreshold
		}
		if hc.SuccessThreshold != nil {
			state.LoadBalancer.HealthCheck.SuccessThreshold = *hc.SuccessThreshold
		}
	}

	if err := validateState(state); err != nil {
		return nil, err
	}
	return state, nil
}

// fromState converts the in-memory form to the file form with every field
// written explicitly, so hand-editors see the effective values.
func fromState(state *State) *stateFile {
	f := &stateFile{
		Mode:   string(state.Mode),
		Active: activeFile{Name: state.Active.Name},
		LoadBalancer: lbFile{
			Strategy:       string(state.LoadBalancer.Strategy),
			FreezeDuration: ptr(state.LoadBalancer.FreezeDuration),
			HealthCheck: &hcFile{
				Enabled:          ptr(state.LoadBalancer.HealthCheck.Enabled),
				Interval:         ptr(state.LoadBalancer.HealthCheck.Interval),
				Timeout:          ptr(state.LoadBalancer.HealthCheck.Timeout),
				FailureThreshold: ptr(state.LoadBalancer.HealthCheck.FailureThreshold),
				SuccessThreshold: ptr(state.LoadBalancer.HealthCheck.SuccessThreshold),
			},
		},
	}

	for _, p := range state.Configs {
		f.Configs = append(f.Configs, profileFile{
			Name:        p.Name,
			BaseURL:     p.BaseURL,
			AuthToken:   p.AuthToken,
			APIKey:      p.APIKey,
			Weight:      ptr(p.Weight),
			Enabled:     ptr(p.Enabled),
			FreezeUntil: p.FreezeUntil,
		})
	}
	return f
}

func ptr[T any](v T) *T {
	return &v
}
