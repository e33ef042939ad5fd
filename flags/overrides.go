package flags

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hazyhaar/flagnav/dbopen"
)

// overrideSchema holds locally pinned snapshots. An override wins over the
// remote endpoint for its key until it is deleted.
const overrideSchema = `
CREATE TABLE IF NOT EXISTS flag_overrides (
    kind          TEXT NOT NULL,
    id            TEXT NOT NULL,
    enabled       INTEGER NOT NULL DEFAULT 0,
    features_json TEXT NOT NULL DEFAULT '[]',
    updated_at    INTEGER NOT NULL,
    PRIMARY KEY (kind, id)
)`

// OverrideStore pins flag snapshots locally in SQLite. Rows are loaded into
// memory by Reload; Lookup never touches the database, so the resolver's hot
// path stays allocation-free. Pair with a watch loop to reload on change.
type OverrideStore struct {
	db *sql.DB

	mu    sync.RWMutex
	byKey map[string]Snapshot
}

// NewOverrideStore wraps db. Call Init once, then Reload to populate.
func NewOverrideStore(db *sql.DB) *OverrideStore {
	return &OverrideStore{db: db, byKey: make(map[string]Snapshot)}
}

// Init creates the flag_overrides table.
func (s *OverrideStore) Init() error {
	if _, err := s.db.Exec(overrideSchema); err != nil {
		return fmt.Errorf("flags: init overrides: %w", err)
	}
	return nil
}

// Reload replaces the in-memory override set from the database.
func (s *OverrideStore) Reload(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, id, enabled, features_json FROM flag_overrides`)
	if err != nil {
		return fmt.Errorf("flags: reload overrides: %w", err)
	}
	defer rows.Close()

	byKey := make(map[string]Snapshot)
	for rows.Next() {
		var kind, id, featuresJSON string
		var enabled int
		if err := rows.Scan(&kind, &id, &enabled, &featuresJSON); err != nil {
			return fmt.Errorf("flags: scan override: %w", err)
		}
		snap := emptySnapshot()
		snap.Enabled = enabled == 1
		// A corrupt features_json degrades to no features, not a failure.
		var features []string
		if err := json.Unmarshal([]byte(featuresJSON), &features); err == nil && len(features) > 0 {
			snap.Features = features
		}
		byKey[kind+":"+id] = snap
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("flags: reload overrides: %w", err)
	}

	s.mu.Lock()
	s.byKey = byKey
	s.mu.Unlock()
	return nil
}

// Lookup returns the pinned snapshot for key ("kind:id"), if any.
func (s *OverrideStore) Lookup(key string) (Snapshot, bool) {
	s.mu.RLock()
	snap, ok := s.byKey[key]
	s.mu.RUnlock()
	return snap, ok
}

// Len returns the number of loaded overrides.
func (s *OverrideStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byKey)
}

// Set pins an override for actor and refreshes the in-memory set.
func (s *OverrideStore) Set(ctx context.Context, actor Actor, snap Snapshot) error {
	if !actor.Valid() {
		return ErrNoActor
	}
	featuresJSON, err := json.Marshal(snap.Features)
	if err != nil {
		return fmt.Errorf("flags: marshal features: %w", err)
	}
	enabled := 0
	if snap.Enabled {
		enabled = 1
	}
	_, err = dbopen.Exec(ctx, s.db, `
		INSERT INTO flag_overrides (kind, id, enabled, features_json, updated_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT (kind, id) DO UPDATE SET
			enabled = excluded.enabled,
			features_json = excluded.features_json,
			updated_at = excluded.updated_at`,
		string(actor.kind), actor.id, enabled, string(featuresJSON), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("flags: set override: %w", err)
	}
	return s.Reload(ctx)
}

// Delete removes the override for actor, if present.
func (s *OverrideStore) Delete(ctx context.Context, actor Actor) error {
	if !actor.Valid() {
		return ErrNoActor
	}
	_, err := dbopen.Exec(ctx, s.db,
		`DELETE FROM flag_overrides WHERE kind = ? AND id = ?`,
		string(actor.kind), actor.id)
	if err != nil {
		return fmt.Errorf("flags: delete override: %w", err)
	}
	return s.Reload(ctx)
}
