package navhist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hazyhaar/flagnav/dbopen"
)

// Store persists one serialized RouteMemory per session. Writes are
// last-write-wins; Load reports ok=false when nothing is stored.
type Store interface {
	Load(ctx context.Context, sessionID string) (raw string, ok bool, err error)
	Save(ctx context.Context, sessionID, raw string) error
}

const navSchema = `
CREATE TABLE IF NOT EXISTS nav_previous (
    session_id TEXT PRIMARY KEY,
    route_json TEXT NOT NULL,
    updated_at INTEGER NOT NULL
)`

// SQLiteStore keeps session route memory in SQLite. Rows for expired
// sessions are purged by Cleanup, the server-side equivalent of the browser
// clearing session storage at session end.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps db. Call Init once before use.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Init creates the nav_previous table.
func (s *SQLiteStore) Init() error {
	if _, err := s.db.Exec(navSchema); err != nil {
		return fmt.Errorf("navhist: init store: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (string, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT route_json FROM nav_previous WHERE session_id = ?`, sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("navhist: load: %w", err)
	}
	return raw, true, nil
}

func (s *SQLiteStore) Save(ctx context.Context, sessionID, raw string) error {
	_, err := dbopen.Exec(ctx, s.db, `
		INSERT INTO nav_previous (session_id, route_json, updated_at)
		VALUES (?,?,?)
		ON CONFLICT (session_id) DO UPDATE SET
			route_json = excluded.route_json,
			updated_at = excluded.updated_at`,
		sessionID, raw, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("navhist: save: %w", err)
	}
	return nil
}

// Cleanup deletes rows older than maxAge and returns the count removed.
func (s *SQLiteStore) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM nav_previous WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("navhist: cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// MemStore is an in-memory Store for tests and storage-less deployments.
type MemStore struct {
	mu sync.Mutex
	m  map[string]string
}

func NewMemStore() *MemStore {
	return &MemStore{m: make(map[string]string)}
}

func (s *MemStore) Load(_ context.Context, sessionID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.m[sessionID]
	return raw, ok, nil
}

func (s *MemStore) Save(_ context.Context, sessionID, raw string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[sessionID] = raw
	return nil
}
