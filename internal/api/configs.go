package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/allaspectsdev/paf/internal/family"
)

// configPayload is the create/update request body. Weight and enabled are
// pointers so omitted fields take their defaults (1 and true).
type configPayload struct {
	Name      string   `json:"name"`
	BaseURL   string   `json:"base_url"`
	APIKey    string   `json:"api_key"`
	AuthToken string   `json:"auth_token"`
	Weight    *float64 `json:"weight"`
	Enabled   *bool    `json:"enabled"`
}

// toProfile applies defaults and builds the whole-value replacement profile.
func (p configPayload) toProfile() family.Profile {
	profile := family.Profile{
		Name:      p.Name,
		BaseURL:   p.BaseURL,
		APIKey:    p.APIKey,
		AuthToken: p.AuthToken,
		Weight:    family.DefaultWeight,
		Enabled:   true,
	}
	if p.Weight != nil {
		profile.Weight = *p.Weight
	}
	if p.Enabled != nil {
		profile.Enabled = *p.Enabled
	}
	return profile
}

var errNotFound = errors.New("configuration not found")

// servicePayload renders one family's full dashboard view.
func (s *Server) servicePayload(svc family.Service) map[string]any {
	state := s.families.Snapshot(svc)
	configs := state.Configs
	if configs == nil {
		configs = []family.Profile{}
	}
	return map[string]any{
		"mode":         state.Mode,
		"active":       state.Active.Name,
		"configs":      configs,
		"loadbalancer": state.LoadBalancer,
		"current":      s.selector.CurrentServerName(svc),
		"last_results": s.results.ForService(svc),
		"health":       s.tracker.Records(svc),
	}
}

func (s *Server) handleSeparatedConfigs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"claude": s.servicePayload(family.Claude),
		"codex":  s.servicePayload(family.Codex),
	})
}

func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	svc, err := serviceParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.servicePayload(svc))
}

func (s *Server) handleCreateConfig(w http.ResponseWriter, r *http.Request) {
	svc, err := serviceParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var payload configPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if payload.Name == "" || payload.BaseURL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name and base_url are required"})
		return
	}

	err = s.families.Mutate(svc, func(state *family.State) error {
		if _, exists := state.Profile(payload.Name); exists {
			return errors.New("configuration already exists")
		}
		state.Configs = append(state.Configs, payload.toProfile())
		return nil
	})
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	svc, err := serviceParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	name := chi.URLParam(r, "name")

	var payload configPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if payload.Name == "" {
		payload.Name = name
	}

	err = s.families.Mutate(svc, func(state *family.State) error {
		idx := -1
		for i := range state.Configs {
			if state.Configs[i].Name == name {
				idx = i
				break
			}
		}
		if idx < 0 {
			return errNotFound
		}
		if payload.Name != name {
			if _, exists := state.Profile(payload.Name); exists {
				return errors.New("configuration already exists")
			}
		}
		// Whole-profile replacement: the old value (including any freeze
		// window) is discarded.
		state.Configs[idx] = payload.toProfile()
		if state.Active.Name == name {
			state.Active.Name = payload.Name
		}
		return nil
	})
	if err != nil {
		status := http.StatusConflict
		if errors.Is(err, errNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	if payload.Name != name {
		s.forgetEndpoint(svc, name)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	svc, err := serviceParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	name := chi.URLParam(r, "name")

	err = s.families.Mutate(svc, func(state *family.State) error {
		for i := range state.Configs {
			if state.Configs[i].Name == name {
				state.Configs = append(state.Configs[:i], state.Configs[i+1:]...)
				return nil
			}
		}
		return errNotFound
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, errNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	s.forgetEndpoint(svc, name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleActivateConfig(w http.ResponseWriter, r *http.Request) {
	svc, err := serviceParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	name := chi.URLParam(r, "name")

	err = s.families.Mutate(svc, func(state *family.State) error {
		if _, ok := state.Profile(name); !ok {
			return errNotFound
		}
		state.Active.Name = name
		return nil
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, errNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "activated", "active": name})
}

// freezePayload drives the manual freeze toggle. A true frozen flag
// quarantines the endpoint for duration_ms (the family's freeze duration
// when omitted); false thaws it immediately.
type freezePayload struct {
	Frozen     bool   `json:"frozen"`
	DurationMs *int64 `json:"duration_ms"`
}

func (s *Server) handleFreezeConfig(w http.ResponseWriter, r *http.Request) {
	svc, err := serviceParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	name := chi.URLParam(r, "name")

	var payload freezePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	state := s.families.Snapshot(svc)
	if _, ok := state.Profile(name); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": errNotFound.Error()})
		return
	}

	if payload.Frozen {
		window := state.LoadBalancer.FreezeWindow()
		if payload.DurationMs != nil && *payload.DurationMs > 0 {
			window = time.Duration(*payload.DurationMs) * time.Millisecond
		}
		s.freezer.Freeze(svc, name, time.Now().Add(window))
	} else {
		s.freezer.Unfreeze(svc, name)
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "frozen": payload.Frozen})
}

func (s *Server) handleTestConfig(w http.ResponseWriter, r *http.Request) {
	svc, err := serviceParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	name := chi.URLParam(r, "name")

	profile, ok := s.families.Snapshot(svc).Profile(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": errNotFound.Error()})
		return
	}

	outcome := s.runner.Run(r.Context(), svc, profile)
	writeJSON(w, http.StatusOK, outcome)
}

// modePayload switches the routing mode of a family.
type modePayload struct {
	Mode string `json:"mode"`
}

func (s *Server) handleUpdateMode(w http.ResponseWriter, r *http.Request) {
	svc, err := serviceParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var payload modePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	mode := family.Mode(payload.Mode)
	if mode != family.ModeManual && mode != family.ModeLoadBalance {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "mode must be manual or load_balance"})
		return
	}

	if err := s.families.Mutate(svc, func(state *family.State) error {
		state.Mode = mode
		return nil
	}); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "mode": mode})
}

// forgetEndpoint drops the in-memory traces of a removed or renamed profile.
func (s *Server) forgetEndpoint(svc family.Service, name string) {
	s.tracker.Reset(svc, name)
	s.selector.Forget(svc, name)
	s.results.Forget(svc, name)
}
