package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Store provides the SQLite-backed request log. Writes arrive from exactly
// one place, the async log writer goroutine (plus rare dashboard deletes and
// the daily pruner, all on the same handle), so the write side is a single
// connection and WAL never sees writer contention. Reads come from the
// dashboard only; a small read-only pool covers its list and detail views
// refreshing at the same time.
type Store struct {
	writer    *sql.DB
	reader    *sql.DB
	path      string
	closeOnce sync.Once
}

// Log-writer bursts ride the WAL; readers only need to outlast a browser
// polling the logs and stats views at once.
const (
	writerConns = 1
	readerConns = 2
)

// Open creates a new Store backed by the SQLite database at path.
// It creates the parent directory if it does not exist, opens the write
// handle and the read-only pool, and runs all pending migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create directory %s: %w", dir, err)
	}

	writer, err := openHandle(path, writerConns, false)
	if err != nil {
		return nil, fmt.Errorf("store: open writer: %w", err)
	}

	reader, err := openHandle(path, readerConns, true)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("store: open reader: %w", err)
	}

	s := &Store{
		writer: writer,
		reader: reader,
		path:   path,
	}

	if err := s.Migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return s, nil
}

// openHandle opens one pooled handle on the database. Read-only handles get
// the query_only pragma so a dashboard query can never mutate the log. The
// busy timeout gives the reader side room while a log burst is committing.
func openHandle(path string, conns int, readOnly bool) (*sql.DB, error) {
	pragmas := []string{"journal_mode(WAL)", "busy_timeout(5000)", "foreign_keys(ON)"}
	if readOnly {
		pragmas = append(pragmas, "query_only(ON)")
	}

	dsn := path
	sep := "?"
	for _, p := range pragmas {
		dsn += sep + "_pragma=" + p
		sep = "&"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(conns)
	db.SetMaxIdleConns(conns)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Close closes both the writer and reader database connections.
// It is safe to call Close multiple times.
func (s *Store) Close() error {
	var firstErr error
	s.closeOnce.Do(func() {
		if s.writer != nil {
			if err := s.writer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if s.reader != nil {
			if err := s.reader.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

// Reader returns the reader database handle.
func (s *Store) Reader() *sql.DB {
	return s.reader
}

// Path returns the filesystem path of the database.
func (s *Store) Path() string {
	return s.path
}

// Prune removes request records older than retentionDays. It returns the
// number of rows deleted.
func (s *Store) Prune(retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339)

	result, err := s.writer.Exec("DELETE FROM requests WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: prune: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: prune rows affected: %w", err)
	}
	return n, nil
}
