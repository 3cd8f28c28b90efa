package store

import (
	"database/sql"
	"fmt"
)

// Request is one completed proxied request (or probe / credential test).
type Request struct {
	ID            string
	Timestamp     string
	Service       string
	Method        string
	Path          string
	StatusCode    int
	DurationMs    int64
	Channel       string // endpoint profile name, or "config-test:<name>" / "probe:<name>"
	TargetURL     string
	Model         string
	InputTokens   int64
	OutputTokens  int64
	TotalTokens   int64
	Streamed      bool
	RemovedBlocks int64
	ErrorMessage  string
	RequestBody   string
	ResponseBody  string
}

// InsertRequest stores a new request record. The caller is responsible
// for providing a unique ID (typically a UUID).
func (s *Store) InsertRequest(r *Request) error {
	streamedInt := 0
	if r.Streamed {
		streamedInt = 1
	}

	_, err := s.writer.Exec(`
		INSERT INTO requests (
			id, timestamp, service, method, path, status_code, duration_ms,
			channel, target_url, model, input_tokens, output_tokens,
			total_tokens, streamed, removed_blocks, error_message,
			request_body, response_body
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Timestamp, r.Service, r.Method, r.Path, r.StatusCode, r.DurationMs,
		r.Channel, r.TargetURL, r.Model, r.InputTokens, r.OutputTokens,
		r.TotalTokens, streamedInt, r.RemovedBlocks, r.ErrorMessage,
		r.RequestBody, r.ResponseBody,
	)
	if err != nil {
		return fmt.Errorf("store: insert request: %w", err)
	}
	return nil
}

const requestColumns = `id, timestamp, service, method, path, status_code, duration_ms,
	channel, target_url, model, input_tokens, output_tokens, total_tokens,
	streamed, removed_blocks, error_message, request_body, response_body`

func scanRequest(row interface{ Scan(...any) error }) (*Request, error) {
	r := &Request{}
	var streamedInt int
	err := row.Scan(
		&r.ID, &r.Timestamp, &r.Service, &r.Method, &r.Path, &r.StatusCode,
		&r.DurationMs, &r.Channel, &r.TargetURL, &r.Model, &r.InputTokens,
		&r.OutputTokens, &r.TotalTokens, &streamedInt, &r.RemovedBlocks,
		&r.ErrorMessage, &r.RequestBody, &r.ResponseBody,
	)
	if err != nil {
		return nil, err
	}
	r.Streamed = streamedInt != 0
	return r, nil
}

// GetRequest retrieves a single request by its ID.
// Returns sql.ErrNoRows if the request does not exist.
func (s *Store) GetRequest(id string) (*Request, error) {
	row := s.reader.QueryRow("SELECT "+requestColumns+" FROM requests WHERE id = ?", id)
	r, err := scanRequest(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("store: get request %s: %w", id, err)
	}
	return r, nil
}

// ListRequests returns request records newest-first, optionally filtered by
// service. An empty service returns all.
func (s *Store) ListRequests(service string, limit, offset int) ([]*Request, error) {
	query := "SELECT " + requestColumns + " FROM requests"
	args := []any{}
	if service != "" {
		query += " WHERE service = ?"
		args = append(args, service)
	}
	query += " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.reader.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list requests: %w", err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan request: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list requests: %w", err)
	}
	return out, nil
}

// DeleteAllRequests empties the request log. Returns the number of rows removed.
func (s *Store) DeleteAllRequests() (int64, error) {
	result, err := s.writer.Exec("DELETE FROM requests")
	if err != nil {
		return 0, fmt.Errorf("store: delete requests: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: delete rows affected: %w", err)
	}
	return n, nil
}

// ServiceStats holds the aggregate request statistics for one service.
type ServiceStats struct {
	Service       string  `json:"service"`
	TotalRequests int64   `json:"total_requests"`
	SuccessCount  int64   `json:"success_count"`
	ErrorCount    int64   `json:"error_count"`
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// Stats aggregates the request log per service. Statuses in [200,400) count
// as successes, everything else (including transport errors recorded as 0)
// as errors.
func (s *Store) Stats() ([]ServiceStats, error) {
	rows, err := s.reader.Query(`
		SELECT
			service,
			COUNT(*),
			COALESCE(SUM(CASE WHEN status_code >= 200 AND status_code < 400 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status_code < 200 OR status_code >= 400 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(AVG(duration_ms), 0.0)
		FROM requests
		GROUP BY service
		ORDER BY service`)
	if err != nil {
		return nil, fmt.Errorf("store: stats: %w", err)
	}
	defer rows.Close()

	var out []ServiceStats
	for rows.Next() {
		var st ServiceStats
		if err := rows.Scan(
			&st.Service, &st.TotalRequests, &st.SuccessCount, &st.ErrorCount,
			&st.InputTokens, &st.OutputTokens, &st.AvgDurationMs,
		); err != nil {
			return nil, fmt.Errorf("store: scan stats: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: stats: %w", err)
	}
	return out, nil
}
