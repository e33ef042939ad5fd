package navhist

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Registry hands out one Tracker per session, creating them lazily from the
// shared Store. It serializes per-session access: events for a session are
// applied one at a time even if the transport delivers them concurrently.
type Registry struct {
	store  Store
	label  Labeler
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	mu       sync.Mutex
	tracker  *Tracker
	lastSeen time.Time
}

// NewRegistry creates a Registry over store.
func NewRegistry(store Store, label Labeler, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:    store,
		label:    label,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// Observe routes one navigation event to the session's tracker.
func (r *Registry) Observe(ctx context.Context, sessionID, pathname, search string) {
	s := r.session(ctx, sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracker.Observe(ctx, pathname, search)
}

// Previous returns the session's previous route, restoring the tracker from
// the store if this process has not seen the session yet.
func (r *Registry) Previous(ctx context.Context, sessionID string) (RouteMemory, bool) {
	s := r.session(ctx, sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker.Previous()
}

// Len returns the number of live in-memory sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Prune evicts trackers idle for longer than maxIdle and returns the count.
// Persisted previous-route rows survive eviction; a returning session is
// restored from the store on next use.
func (r *Registry) Prune(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, s := range r.sessions {
		if s.lastSeen.Before(cutoff) {
			delete(r.sessions, id)
			n++
		}
	}
	return n
}

func (r *Registry) session(ctx context.Context, sessionID string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		s = &session{tracker: NewTracker(ctx, r.store, sessionID, r.label, r.logger)}
		r.sessions[sessionID] = s
	}
	s.lastSeen = time.Now()
	return s
}
