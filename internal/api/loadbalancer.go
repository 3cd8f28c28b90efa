package api

import (
	"encoding/json"
	"net/http"

	"github.com/allaspectsdev/paf/internal/family"
)

func (s *Server) handleGetLoadBalancer(w http.ResponseWriter, r *http.Request) {
	svc, err := serviceParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.families.Snapshot(svc).LoadBalancer)
}

func (s *Server) handleUpdateLoadBalancer(w http.ResponseWriter, r *http.Request) {
	svc, err := serviceParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var payload family.LoadBalancer
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	switch payload.Strategy {
	case family.StrategyWeighted, family.StrategyRoundRobin:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "strategy must be weighted or round-robin"})
		return
	}
	if payload.FreezeDuration < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "freeze_duration must be non-negative"})
		return
	}

	if err := s.families.Mutate(svc, func(state *family.State) error {
		state.LoadBalancer = payload
		return nil
	}); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}
