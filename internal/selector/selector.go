package selector

import (
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/allaspectsdev/paf/internal/family"
	"github.com/allaspectsdev/paf/internal/health"
)

// ErrNoUpstream is returned when no endpoint is available for a service.
var ErrNoUpstream = errors.New("selector: no upstream available")

// svcState is the per-service cursor state. It is purely in-memory.
type svcState struct {
	current       string // sticky selection
	rrCursor      int
	bucketCursors map[float64]int
}

// Selector picks one endpoint from a service's eligible pool. Selection is
// sticky under the weighted strategy: once a profile is chosen it keeps
// winning until it becomes ineligible, so conversation caches and rate-limit
// counters stay on one upstream.
type Selector struct {
	store   *family.Store
	tracker *health.Tracker

	mu       sync.Mutex
	services map[family.Service]*svcState
}

// New creates a Selector over the given store and health tracker.
func New(store *family.Store, tracker *health.Tracker) *Selector {
	s := &Selector{
		store:    store,
		tracker:  tracker,
		services: make(map[family.Service]*svcState, len(family.Services)),
	}
	for _, svc := range family.Services {
		s.services[svc] = &svcState{bucketCursors: make(map[float64]int)}
	}
	return s
}

// Pick returns one endpoint profile for the service, or ErrNoUpstream when
// the pool is empty at every eligibility level.
func (s *Selector) Pick(svc family.Service, now time.Time) (family.Profile, error) {
	state := s.store.Snapshot(svc)
	threshold := state.LoadBalancer.HealthCheck.FailureThreshold

	// Eligibility cascade. Each filter falls back to the previous level when
	// it would empty the set: the proxy still serves something when every
	// upstream has misbehaved.
	enabled := s.store.EligiblePool(svc)
	if len(enabled) == 0 {
		return family.Profile{}, ErrNoUpstream
	}

	unfrozen := filter(enabled, func(p family.Profile) bool {
		return !p.Frozen(now)
	})
	if len(unfrozen) == 0 {
		unfrozen = enabled
	}

	underThreshold := filter(unfrozen, func(p family.Profile) bool {
		return !s.tracker.ExceededFailureThreshold(svc, p.Name, threshold)
	})

	ss := s.lockedState(svc)
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(underThreshold) == 0 {
		// Everything has crossed the failure threshold. Serve anyway via
		// proportional-random weighted choice, without stickiness.
		ss.current = ""
		return weightedRandom(unfrozen), nil
	}

	if state.LoadBalancer.Strategy == family.StrategyRoundRobin {
		idx := ss.rrCursor % len(underThreshold)
		ss.rrCursor++
		picked := underThreshold[idx]
		ss.current = picked.Name
		return picked, nil
	}

	// Weighted, sticky. Reuse the previous pick while it remains in the
	// candidate set.
	if ss.current != "" {
		for _, p := range underThreshold {
			if p.Name == ss.current {
				return p, nil
			}
		}
	}

	picked := s.pickWeighted(ss, underThreshold)
	ss.current = picked.Name
	return picked, nil
}

// pickWeighted groups candidates into exact-weight buckets, walks buckets in
// descending weight order, and rotates through the top bucket (names sorted
// ascending) so ties distribute round-robin. Caller holds s.mu.
func (s *Selector) pickWeighted(ss *svcState, candidates []family.Profile) family.Profile {
	buckets := make(map[float64][]family.Profile)
	for _, p := range candidates {
		buckets[p.Weight] = append(buckets[p.Weight], p)
	}

	weights := make([]float64, 0, len(buckets))
	for w := range buckets {
		weights = append(weights, w)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(weights)))

	top := buckets[weights[0]]
	sort.Slice(top, func(i, j int) bool { return top[i].Name < top[j].Name })

	cursor := ss.bucketCursors[weights[0]]
	picked := top[cursor%len(top)]
	ss.bucketCursors[weights[0]] = cursor + 1
	return picked
}

// CurrentServerName returns the most recent sticky selection for the service.
// It reads as empty once the current profile has left the pool or crossed the
// failure threshold.
func (s *Selector) CurrentServerName(svc family.Service) string {
	state := s.store.Snapshot(svc)
	threshold := state.LoadBalancer.HealthCheck.FailureThreshold
	pool := s.store.EligiblePool(svc)

	ss := s.lockedState(svc)
	s.mu.Lock()
	defer s.mu.Unlock()

	if ss.current == "" {
		return ""
	}

	for _, p := range pool {
		if p.Name == ss.current {
			if s.tracker.ExceededFailureThreshold(svc, p.Name, threshold) {
				ss.current = ""
				return ""
			}
			return ss.current
		}
	}

	ss.current = ""
	return ""
}

// Forget drops any sticky or cursor state referring to the named profile,
// used after profile deletion.
func (s *Selector) Forget(svc family.Service, name string) {
	ss := s.lockedState(svc)
	s.mu.Lock()
	defer s.mu.Unlock()
	if ss.current == name {
		ss.current = ""
	}
}

func (s *Selector) lockedState(svc family.Service) *svcState {
	return s.services[svc]
}

// filter returns the profiles satisfying keep, or nil when none do.
func filter(in []family.Profile, keep func(family.Profile) bool) []family.Profile {
	var out []family.Profile
	for _, p := range in {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}

// weightedRandom picks proportionally to weight; a pool with no positive
// weight degrades to uniform choice.
func weightedRandom(pool []family.Profile) family.Profile {
	var total float64
	for _, p := range pool {
		if p.Weight > 0 {
			total += p.Weight
		}
	}
	if total <= 0 {
		return pool[rand.Intn(len(pool))]
	}

	r := rand.Float64() * total
	for _, p := range pool {
		if p.Weight <= 0 {
			continue
		}
		r -= p.Weight
		if r < 0 {
			return p
		}
	}
	return pool[len(pool)-1]
}
