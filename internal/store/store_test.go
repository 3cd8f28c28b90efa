package store

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "paf.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRequest(id, service string, status int) *Request {
	return &Request{
		ID:           id,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Service:      service,
		Method:       "POST",
		Path:         "/v1/messages",
		StatusCode:   status,
		DurationMs:   42,
		Channel:      "primary",
		TargetURL:    "https://api.example.com/v1/messages",
		Model:        "claude-3-haiku",
		InputTokens:  5,
		OutputTokens: 2,
		TotalTokens:  7,
		Streamed:     true,
		RequestBody:  `{"messages":[]}`,
		ResponseBody: "ok",
	}
}

func TestInsertAndGetRequest(t *testing.T) {
	s := openTestStore(t)

	in := sampleRequest("req-1", "claude", 200)
	in.RemovedBlocks = 1
	if err := s.InsertRequest(in); err != nil {
		t.Fatalf("InsertRequest: %v", err)
	}

	out, err := s.GetRequest("req-1")
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if out.Service != "claude" || out.StatusCode != 200 || !out.Streamed {
		t.Errorf("round-trip mismatch: %+v", out)
	}
	if out.InputTokens != 5 || out.OutputTokens != 2 || out.RemovedBlocks != 1 {
		t.Errorf("token fields mismatch: %+v", out)
	}
	if out.Channel != "primary" || out.TargetURL == "" {
		t.Errorf("channel/target mismatch: %+v", out)
	}
}

func TestGetRequest_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetRequest("nope"); err != sql.ErrNoRows {
		t.Fatalf("GetRequest missing = %v, want sql.ErrNoRows", err)
	}
}

func TestListRequests_FilterAndOrder(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UTC()
	for i, svc := range []string{"claude", "codex", "claude"} {
		r := sampleRequest(string(rune('a'+i)), svc, 200)
		r.Timestamp = base.Add(time.Duration(i) * time.Second).Format(time.RFC3339)
		if err := s.InsertRequest(r); err != nil {
			t.Fatalf("InsertRequest: %v", err)
		}
	}

	all, err := s.ListRequests("", 10, 0)
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	if all[0].ID != "c" {
		t.Errorf("newest-first ordering broken: first = %s", all[0].ID)
	}

	claude, err := s.ListRequests("claude", 10, 0)
	if err != nil {
		t.Fatalf("ListRequests claude: %v", err)
	}
	if len(claude) != 2 {
		t.Fatalf("claude len = %d, want 2", len(claude))
	}
}

func TestDeleteAllRequests(t *testing.T) {
	s := openTestStore(t)
	for _, id := range []string{"1", "2"} {
		if err := s.InsertRequest(sampleRequest(id, "claude", 200)); err != nil {
			t.Fatalf("InsertRequest: %v", err)
		}
	}
	n, err := s.DeleteAllRequests()
	if err != nil {
		t.Fatalf("DeleteAllRequests: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}
	rest, _ := s.ListRequests("", 10, 0)
	if len(rest) != 0 {
		t.Errorf("requests remain after delete: %d", len(rest))
	}
}

func TestStats_Aggregates(t *testing.T) {
	s := openTestStore(t)

	records := []*Request{
		sampleRequest("1", "claude", 200),
		sampleRequest("2", "claude", 500),
		sampleRequest("3", "codex", 301),
	}
	for _, r := range records {
		if err := s.InsertRequest(r); err != nil {
			t.Fatalf("InsertRequest: %v", err)
		}
	}

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("stats services = %d, want 2", len(stats))
	}

	claude := stats[0]
	if claude.Service != "claude" || claude.TotalRequests != 2 {
		t.Errorf("claude stats = %+v", claude)
	}
	if claude.SuccessCount != 1 || claude.ErrorCount != 1 {
		t.Errorf("claude success/error = %d/%d, want 1/1", claude.SuccessCount, claude.ErrorCount)
	}
	if claude.InputTokens != 10 || claude.OutputTokens != 4 {
		t.Errorf("claude tokens = %d/%d", claude.InputTokens, claude.OutputTokens)
	}

	codex := stats[1]
	if codex.SuccessCount != 1 || codex.ErrorCount != 0 {
		t.Errorf("codex success/error = %d/%d (3xx counts as success)", codex.SuccessCount, codex.ErrorCount)
	}
}

func TestPrune_RemovesOldRecords(t *testing.T) {
	s := openTestStore(t)

	old := sampleRequest("old", "claude", 200)
	old.Timestamp = time.Now().UTC().AddDate(0, 0, -90).Format(time.RFC3339)
	recent := sampleRequest("recent", "claude", 200)

	for _, r := range []*Request{old, recent} {
		if err := s.InsertRequest(r); err != nil {
			t.Fatalf("InsertRequest: %v", err)
		}
	}

	n, err := s.Prune(30)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	if _, err := s.GetRequest("recent"); err != nil {
		t.Errorf("recent record pruned: %v", err)
	}
}

func TestAsyncWriter_PersistsInBackground(t *testing.T) {
	s := openTestStore(t)
	w := NewAsyncWriter(s, zerolog.Nop(), 16)

	for i := 0; i < 5; i++ {
		w.Log(sampleRequest(string(rune('a'+i)), "claude", 200))
	}
	w.Close()

	got, err := s.ListRequests("", 10, 0)
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(got) != 5 {
		t.Errorf("persisted = %d, want 5", len(got))
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paf.db")
	s1, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s1.InsertRequest(sampleRequest("keep", "claude", 200)); err != nil {
		t.Fatalf("InsertRequest: %v", err)
	}
	s1.Close()

	// Re-opening must not re-run migrations destructively.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	defer s2.Close()
	if _, err := s2.GetRequest("keep"); err != nil {
		t.Errorf("record lost across reopen: %v", err)
	}
}
