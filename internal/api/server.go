package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/allaspectsdev/paf/internal/credtest"
	"github.com/allaspectsdev/paf/internal/family"
	"github.com/allaspectsdev/paf/internal/freeze"
	"github.com/allaspectsdev/paf/internal/health"
	"github.com/allaspectsdev/paf/internal/metrics"
	"github.com/allaspectsdev/paf/internal/proxy"
	"github.com/allaspectsdev/paf/internal/results"
	"github.com/allaspectsdev/paf/internal/selector"
	"github.com/allaspectsdev/paf/internal/store"
	"github.com/allaspectsdev/paf/web"
)

// Server is the dashboard listener: the JSON API under /api, the embedded
// dashboard assets, and the convenience proxy routes that forward /v1 to the
// Anthropic family and /codex/v1 to the OpenAI family.
type Server struct {
	router   chi.Router
	addr     string
	server   *http.Server
	logger   zerolog.Logger
	started  time.Time

	families *family.Store
	selector *selector.Selector
	tracker  *health.Tracker
	freezer  *freeze.Manager
	fwd       *proxy.Forwarder
	runner    *credtest.Runner
	db        *store.Store
	results   *results.Cache
	collector *metrics.Collector
}

// NewServer wires the dashboard server.
func NewServer(
	addr string,
	families *family.Store,
	sel *selector.Selector,
	tracker *health.Tracker,
	freezer *freeze.Manager,
	fwd *proxy.Forwarder,
	runner *credtest.Runner,
	db *store.Store,
	res *results.Cache,
	collector *metrics.Collector,
	logger zerolog.Logger,
) *Server {
	s := &Server{
		addr:     addr,
		logger:   logger,
		started:  time.Now(),
		families: families,
		selector: sel,
		tracker:  tracker,
		freezer:  freezer,
		fwd:      fwd,
		runner:   runner,
		db:        db,
		results:   res,
		collector: collector,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(proxy.CORSMiddleware)

	// API routes.
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/configs/separated", s.handleSeparatedConfigs)
	r.Get("/api/configs", s.handleListConfigs)
	r.Post("/api/configs", s.handleCreateConfig)
	r.Put("/api/configs/mode", s.handleUpdateMode)
	r.Put("/api/configs/{name}", s.handleUpdateConfig)
	r.Delete("/api/configs/{name}", s.handleDeleteConfig)
	r.Post("/api/configs/{name}/activate", s.handleActivateConfig)
	r.Put("/api/configs/{name}/freeze", s.handleFreezeConfig)
	r.Post("/api/configs/{name}/test", s.handleTestConfig)
	r.Get("/api/loadbalancer", s.handleGetLoadBalancer)
	r.Put("/api/loadbalancer", s.handleUpdateLoadBalancer)
	r.Get("/api/logs", s.handleListLogs)
	r.Delete("/api/logs", s.handleDeleteLogs)
	r.Get("/api/logs/{id}", s.handleGetLog)
	r.Get("/api/stats", s.handleStats)

	// Prometheus-style text exposition of the live counters.
	r.Get("/metrics", metrics.Handler(s.collector))

	// Convenience proxy routes: the dashboard port also speaks both APIs.
	r.HandleFunc("/v1/*", func(w http.ResponseWriter, req *http.Request) {
		s.fwd.Handle(w, req, family.Claude)
	})
	r.Handle("/codex/v1/*", http.StripPrefix("/codex", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		s.fwd.Handle(w, req, family.Codex)
	})))

	// Embedded dashboard assets with SPA fallback.
	r.Get("/*", s.handleStatic)

	s.router = r
	return s
}

// Router returns the underlying chi.Router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// Start begins listening on the configured address. It blocks until the
// server is shut down or an error occurs.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info().Str("addr", s.addr).Msg("dashboard server starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the dashboard server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// handleStatus reports liveness and process uptime.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

// handleStats combines log-store aggregates with the live routing view.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats, err := s.db.Stats()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to aggregate stats")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "database error"})
		return
	}
	if stats == nil {
		stats = []store.ServiceStats{}
	}

	current := make(map[string]string, len(family.Services))
	for _, svc := range family.Services {
		current[string(svc)] = s.selector.CurrentServerName(svc)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"uptime":   int64(time.Since(s.started).Seconds()),
		"services": stats,
		"current":  current,
		"live":     s.collector.Snapshot(),
	})
}

// handleStatic serves the embedded dashboard, falling back to index.html for
// SPA routes.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	assets := web.StaticFS()
	path := strings.TrimPrefix(r.URL.Path, "/")
	if path == "" {
		path = "index.html"
	}

	data, err := fs.ReadFile(assets, path)
	if err != nil {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		data, err = fs.ReadFile(assets, "index.html")
		if err != nil {
			http.NotFound(w, r)
			return
		}
		path = "index.html"
	}

	w.Header().Set("Content-Type", contentTypeFor(path))
	_, _ = w.Write(data)
}

func contentTypeFor(path string) string {
	switch {
	case strings.HasSuffix(path, ".html"):
		return "text/html; charset=utf-8"
	case strings.HasSuffix(path, ".js"):
		return "application/javascript"
	case strings.HasSuffix(path, ".css"):
		return "text/css"
	case strings.HasSuffix(path, ".svg"):
		return "image/svg+xml"
	default:
		return "application/octet-stream"
	}
}

// serviceParam resolves the ?service= query parameter, defaulting to the
// Anthropic family for the legacy unscoped routes.
func serviceParam(r *http.Request) (family.Service, error) {
	raw := r.URL.Query().Get("service")
	if raw == "" {
		return family.Claude, nil
	}
	return family.ParseService(raw)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = w.Write(data)
}
