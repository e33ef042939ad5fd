// Package navhist remembers, per browsing session, the immediately-preceding
// distinct route a user visited. One Tracker exists per session; it keeps a
// "current" and a "previous" slot and persists the previous slot to a
// session-scoped Store on every commit, so a page reload restores it.
//
// State transition on each observed (pathname, search) event:
//
//   - first event: becomes current; previous stays whatever the store held
//   - same path+search as current: ignored
//   - different: current moves to previous (persisted), event becomes current
package navhist

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
)

// RouteMemory is the single retained fact: the prior route's path+search and
// its display label.
type RouteMemory struct {
	Path  string `json:"path"`
	Label string `json:"label"`
}

// Labeler derives a display label from a pathname. It must be a
// deterministic, total function: every pathname yields some label.
type Labeler func(pathname string) string

// Tracker tracks one session's navigation. Not safe for concurrent use: a
// session is a single logical thread, one event at a time. The Registry
// serializes access when sessions are multiplexed over HTTP.
type Tracker struct {
	store     Store
	sessionID string
	label     Labeler
	logger    *slog.Logger

	curPath   string // pathname of the current slot
	curFull   string // pathname+search, the comparison key
	hasCur    bool
	prev      RouteMemory
	hasPrev   bool
}

// NewTracker creates a Tracker, attempting to restore the previous slot from
// store. A missing or corrupt stored value is treated as "no previous
// route"; restore never fails the caller.
func NewTracker(ctx context.Context, store Store, sessionID string, label Labeler, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{store: store, sessionID: sessionID, label: label, logger: logger}

	raw, ok, err := store.Load(ctx, sessionID)
	if err != nil {
		logger.WarnContext(ctx, "navhist: restore failed", "session", sessionID, "error", err)
		return t
	}
	if !ok {
		return t
	}
	var m RouteMemory
	if err := json.Unmarshal([]byte(raw), &m); err != nil || m.Path == "" {
		// Corrupt persisted value: fail open.
		logger.DebugContext(ctx, "navhist: discarding unreadable stored route", "session", sessionID)
		return t
	}
	t.prev = m
	t.hasPrev = true
	return t
}

// Observe feeds one navigation event. search may be given with or without
// its leading "?". Persist failures are logged; the in-memory transition
// still happens, so the session keeps working with reload durability lost.
func (t *Tracker) Observe(ctx context.Context, pathname, search string) {
	full := joinPathSearch(pathname, search)
	if !t.hasCur {
		t.curPath = pathname
		t.curFull = full
		t.hasCur = true
		return
	}
	if full == t.curFull {
		return
	}

	prev := RouteMemory{Path: t.curFull, Label: t.label(t.curPath)}
	t.prev = prev
	t.hasPrev = true
	t.curPath = pathname
	t.curFull = full

	raw, err := json.Marshal(prev)
	if err != nil {
		t.logger.WarnContext(ctx, "navhist: marshal previous", "error", err)
		return
	}
	if err := t.store.Save(ctx, t.sessionID, string(raw)); err != nil {
		t.logger.WarnContext(ctx, "navhist: persist previous", "session", t.sessionID, "error", err)
	}
}

// Previous returns the last committed previous route. Never blocks.
func (t *Tracker) Previous() (RouteMemory, bool) {
	return t.prev, t.hasPrev
}

func joinPathSearch(pathname, search string) string {
	search = strings.TrimPrefix(search, "?")
	if search == "" {
		return pathname
	}
	return pathname + "?" + search
}
