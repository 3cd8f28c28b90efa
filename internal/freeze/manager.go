package freeze

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/allaspectsdev/paf/internal/family"
	"github.com/allaspectsdev/paf/internal/health"
)

// Prober issues a synthetic request against a single endpoint through the
// normal forwarding code path, so probe outcomes update health and freeze
// state the same way real traffic does. Implemented by the proxy forwarder.
type Prober interface {
	Probe(ctx context.Context, svc family.Service, profile family.Profile) error
}

// Manager translates upstream failures into bounded quarantines and drives
// the periodic re-probe loop that rehabilitates thawed endpoints.
type Manager struct {
	store   *family.Store
	tracker *health.Tracker
	logger  zerolog.Logger

	prober Prober

	// inflight guards against more than one outstanding probe per profile.
	inflight *xsync.Map[string, struct{}]

	cron *cron.Cron
}

// NewManager creates a Manager. The prober is attached later via SetProber
// because the forwarder is constructed after the manager.
func NewManager(store *family.Store, tracker *health.Tracker, logger zerolog.Logger) *Manager {
	return &Manager{
		store:    store,
		tracker:  tracker,
		logger:   logger,
		inflight: xsync.NewMap[string, struct{}](),
	}
}

// SetProber wires in the probe implementation.
func (m *Manager) SetProber(p Prober) {
	m.prober = p
}

// HandleFailure decides whether a failed request should quarantine the
// endpoint. Transport errors freeze unconditionally: they signal a
// configuration or network fault rather than a transient upstream. Status
// failures freeze only once the failure threshold is crossed, and only in
// load-balance mode; a manually activated endpoint stays routable on
// non-2xx alone.
func (m *Manager) HandleFailure(svc family.Service, name string, transportErr bool) {
	state := m.store.Snapshot(svc)
	window := state.LoadBalancer.FreezeWindow()

	if transportErr {
		m.Freeze(svc, name, time.Now().Add(window))
		return
	}

	if state.Mode != family.ModeLoadBalance {
		return
	}
	threshold := state.LoadBalancer.HealthCheck.FailureThreshold
	if m.tracker.ExceededFailureThreshold(svc, name, threshold) {
		m.Freeze(svc, name, time.Now().Add(window))
	}
}

// HandleSuccess clears any quarantine on the endpoint.
func (m *Manager) HandleSuccess(svc family.Service, name string) {
	m.Unfreeze(svc, name)
}

// Freeze writes frozen-until onto the profile. Freeze windows only ever
// extend: a later failure may push the deadline out, never pull it in.
// Persist failures are logged and swallowed; the next failure retries.
func (m *Manager) Freeze(svc family.Service, name string, until time.Time) {
	err := m.store.Mutate(svc, func(s *family.State) error {
		p, ok := s.Profile(name)
		if !ok {
			return nil
		}
		if p.FreezeUntil != nil && p.FreezeUntil.After(until) {
			return nil
		}
		u := until
		p.FreezeUntil = &u
		s.ReplaceProfile(p)
		return nil
	})
	if err != nil {
		m.logger.Error().Err(err).
			Str("service", string(svc)).
			Str("config", name).
			Msg("failed to persist freeze")
		return
	}
	m.logger.Warn().
		Str("service", string(svc)).
		Str("config", name).
		Time("until", until).
		Msg("endpoint frozen")
}

// Unfreeze clears frozen-until if set. A no-op for profiles that are not
// frozen, so the success path stays cheap.
func (m *Manager) Unfreeze(svc family.Service, name string) {
	p, ok := m.store.Snapshot(svc).Profile(name)
	if !ok || p.FreezeUntil == nil {
		return
	}

	err := m.store.Mutate(svc, func(s *family.State) error {
		p, ok := s.Profile(name)
		if !ok || p.FreezeUntil == nil {
			return nil
		}
		p.FreezeUntil = nil
		s.ReplaceProfile(p)
		return nil
	})
	if err != nil {
		m.logger.Error().Err(err).
			Str("service", string(svc)).
			Str("config", name).
			Msg("failed to persist unfreeze")
		return
	}
	m.logger.Info().
		Str("service", string(svc)).
		Str("config", name).
		Msg("endpoint unfrozen")
}

// Start launches the re-probe loop: once per minute per family, scan for
// profiles whose freeze window has elapsed and probe each one.
func (m *Manager) Start(ctx context.Context) error {
	m.cron = cron.New()
	for _, svc := range family.Services {
		svc := svc
		if _, err := m.cron.AddFunc("@every 1m", func() {
			m.ProbeElapsed(ctx, svc)
		}); err != nil {
			return err
		}
	}
	m.cron.Start()
	return nil
}

// Stop halts the re-probe loop. In-flight probes run to completion.
func (m *Manager) Stop() {
	if m.cron != nil {
		m.cron.Stop()
	}
}

// ProbeElapsed scans the service for profiles whose frozen-until has elapsed
// and issues one probe per profile. A per-profile in-flight guard ensures no
// more than one outstanding probe per profile.
func (m *Manager) ProbeElapsed(ctx context.Context, svc family.Service) {
	if m.prober == nil {
		return
	}

	now := time.Now()
	state := m.store.Snapshot(svc)
	timeout := state.LoadBalancer.HealthCheck.TimeoutDuration()

	for _, p := range state.Configs {
		if p.FreezeUntil == nil || p.FreezeUntil.After(now) {
			continue
		}

		guard := string(svc) + "/" + p.Name
		if _, loaded := m.inflight.LoadOrStore(guard, struct{}{}); loaded {
			continue
		}

		p := p
		go func() {
			defer m.inflight.Delete(guard)

			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			m.logger.Debug().
				Str("service", string(svc)).
				Str("config", p.Name).
				Msg("probing thawed endpoint")

			if err := m.prober.Probe(probeCtx, svc, p); err != nil {
				m.logger.Warn().Err(err).
					Str("service", string(svc)).
					Str("config", p.Name).
					Msg("probe failed")
			}
		}()
	}
}
