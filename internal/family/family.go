package family

import (
	"fmt"
	"time"
)

// Service identifies one upstream family. Each service has its own endpoint
// pool, load balancer, proxy listener, and on-disk config file.
type Service string

const (
	// Claude is the Anthropic-compatible family.
	Claude Service = "claude"
	// Codex is the OpenAI-compatible family.
	Codex Service = "codex"
)

// Services lists every known service in a stable order.
var Services = []Service{Claude, Codex}

// ParseService validates a service name from user input (REST ?service= params).
func ParseService(s string) (Service, error) {
	switch Service(s) {
	case Claude, Codex:
		return Service(s), nil
	}
	return "", fmt.Errorf("family: unknown service %q", s)
}

// Mode selects how the proxy picks an endpoint for a service.
type Mode string

const (
	// ModeManual routes every request to the explicitly activated profile.
	ModeManual Mode = "manual"
	// ModeLoadBalance distributes requests across the enabled pool.
	ModeLoadBalance Mode = "load_balance"
)

// Strategy selects the load-balance algorithm.
type Strategy string

const (
	// StrategyWeighted is sticky weight-descending selection.
	StrategyWeighted Strategy = "weighted"
	// StrategyRoundRobin cycles through the eligible pool.
	StrategyRoundRobin Strategy = "round-robin"
)

// Profile is one upstream endpoint within a service pool. Profiles are value
// types: mutation is always whole-profile replacement inside a new State,
// never an in-place field write visible to readers.
type Profile struct {
	Name        string     `json:"name"`
	BaseURL     string     `json:"base_url"`
	AuthToken   string     `json:"auth_token,omitempty"`
	APIKey      string     `json:"api_key,omitempty"`
	Weight      float64    `json:"weight"`
	Enabled     bool       `json:"enabled"`
	FreezeUntil *time.Time `json:"freeze_until,omitempty"`
}

// Frozen reports whether the profile is quarantined at the given instant.
func (p Profile) Frozen(now time.Time) bool {
	return p.FreezeUntil != nil && p.FreezeUntil.After(now)
}

// HealthCheck holds the per-service health probe settings.
type HealthCheck struct {
	Enabled          bool `json:"enabled"`
	Interval         int  `json:"interval"` // seconds
	Timeout          int  `json:"timeout"`  // seconds
	FailureThreshold int  `json:"failure_threshold"`
	SuccessThreshold int  `json:"success_threshold"`
}

// TimeoutDuration returns the probe deadline.
func (h HealthCheck) TimeoutDuration() time.Duration {
	if h.Timeout <= 0 {
		return time.Duration(DefaultHealthCheckTimeout) * time.Second
	}
	return time.Duration(h.Timeout) * time.Second
}

// LoadBalancer holds the per-service balancing settings.
type LoadBalancer struct {
	Strategy       Strategy    `json:"strategy"`
	HealthCheck    HealthCheck `json:"health_check"`
	FreezeDuration int64       `json:"freeze_duration"` // milliseconds
}

// FreezeWindow returns the quarantine duration applied when a profile trips
// the failure threshold.
func (lb LoadBalancer) FreezeWindow() time.Duration {
	if lb.FreezeDuration <= 0 {
		return time.Duration(DefaultFreezeDurationMs) * time.Millisecond
	}
	return time.Duration(lb.FreezeDuration) * time.Millisecond
}

// Active names the manually selected profile. Empty means none.
type Active struct {
	Name string `json:"name"`
}

// State is the complete persisted state of one service: its endpoint pool,
// the manual selection, the routing mode, and the balancer settings.
// A *State held by the store snapshot is read-only; mutators must Clone.
type State struct {
	Mode         Mode         `json:"mode"`
	Active       Active       `json:"active"`
	Configs      []Profile    `json:"configs"`
	LoadBalancer LoadBalancer `json:"loadbalancer"`
}

// Clone returns a deep copy safe for mutation.
func (s *State) Clone() *State {
	out := *s
	out.Configs = make([]Profile, len(s.Configs))
	copy(out.Configs, s.Configs)
	for i, p := range out.Configs {
		if p.FreezeUntil != nil {
			t := *p.FreezeUntil
			out.Configs[i].FreezeUntil = &t
		}
	}
	return &out
}

// Profile returns the named profile and whether it exists.
func (s *State) Profile(name string) (Profile, bool) {
	for _, p := range s.Configs {
		if p.Name == name {
			return p, true
		}
	}
	return Profile{}, false
}

// ReplaceProfile swaps in a whole new value for the named profile.
// It reports whether the profile was found.
func (s *State) ReplaceProfile(p Profile) bool {
	for i := range s.Configs {
		if s.Configs[i].Name == p.Name {
			s.Configs[i] = p
			return true
		}
	}
	return false
}

// Default settings applied when a config file omits them.
const (
	DefaultWeight               = 1.0
	DefaultFreezeDurationMs     = 60_000
	DefaultHealthCheckInterval  = 60
	DefaultHealthCheckTimeout   = 10
	DefaultFailureThreshold     = 3
	DefaultSuccessThreshold     = 1
)

// DefaultState returns the state written for a service whose config file is
// missing at startup.
func DefaultState() *State {
	return &State{
		Mode:   ModeManual,
		Active: Active{},
		LoadBalancer: LoadBalancer{
			Strategy: StrategyWeighted,
			HealthCheck: HealthCheck{
				Enabled:          true,
				Interval:         DefaultHealthCheckInterval,
				Timeout:          DefaultHealthCheckTimeout,
				FailureThreshold: DefaultFailureThreshold,
				SuccessThreshold: DefaultSuccessThreshold,
			},
			FreezeDuration: DefaultFreezeDurationMs,
		},
	}
}
