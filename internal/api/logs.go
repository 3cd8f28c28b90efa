package api

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/allaspectsdev/paf/internal/store"
)

// logEntry is the JSON shape of one request-log record.
type logEntry struct {
	ID            string `json:"id"`
	Timestamp     string `json:"timestamp"`
	Service       string `json:"service"`
	Method        string `json:"method"`
	Path          string `json:"path"`
	StatusCode    int    `json:"status_code"`
	DurationMs    int64  `json:"duration_ms"`
	Channel       string `json:"channel,omitempty"`
	TargetURL     string `json:"target_url,omitempty"`
	Model         string `json:"model,omitempty"`
	InputTokens   int64  `json:"input_tokens"`
	OutputTokens  int64  `json:"output_tokens"`
	TotalTokens   int64  `json:"total_tokens"`
	Streamed      bool   `json:"streamed"`
	RemovedBlocks int64  `json:"removed_blocks,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	RequestBody   string `json:"request_body,omitempty"`
	ResponseBody  string `json:"response_body,omitempty"`
}

func toLogEntry(r *store.Request) logEntry {
	return logEntry{
		ID:            r.ID,
		Timestamp:     r.Timestamp,
		Service:       r.Service,
		Method:        r.Method,
		Path:          r.Path,
		StatusCode:    r.StatusCode,
		DurationMs:    r.DurationMs,
		Channel:       r.Channel,
		TargetURL:     r.TargetURL,
		Model:         r.Model,
		InputTokens:   r.InputTokens,
		OutputTokens:  r.OutputTokens,
		TotalTokens:   r.TotalTokens,
		Streamed:      r.Streamed,
		RemovedBlocks: r.RemovedBlocks,
		ErrorMessage:  r.ErrorMessage,
		RequestBody:   r.RequestBody,
		ResponseBody:  r.ResponseBody,
	}
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	if limit < 1 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	service := r.URL.Query().Get("service")

	recs, err := s.db.ListRequests(service, limit, offset)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list request logs")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "database error"})
		return
	}

	entries := make([]logEntry, 0, len(recs))
	for _, rec := range recs {
		entries = append(entries, toLogEntry(rec))
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.db.GetRequest(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "log not found"})
			return
		}
		s.logger.Error().Err(err).Str("id", id).Msg("failed to load request log")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "database error"})
		return
	}
	writeJSON(w, http.StatusOK, toLogEntry(rec))
}

func (s *Server) handleDeleteLogs(w http.ResponseWriter, _ *http.Request) {
	n, err := s.db.DeleteAllRequests()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to clear request logs")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "database error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cleared", "deleted": n})
}

// queryInt reads an integer query parameter with a default.
func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
