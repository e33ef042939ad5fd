// Package flags resolves research-flag snapshots for an actor (a user or a
// movement) against a remote flags endpoint, with a bounded-freshness cache
// and in-flight request de-duplication.
//
// Usage:
//
//	r := flags.New("https://api.example.com", flags.Options{})
//	snap, err := r.Resolve(ctx, flags.UserActor("usr_42"))
//
// A zero Actor is a deliberate no-op: Resolve returns a disabled snapshot
// and ErrNoActor without touching the network, so callers holding an
// optional identity during initial render never crash or fetch.
package flags

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Kind discriminates the actor identity.
type Kind string

const (
	KindUser     Kind = "user"
	KindMovement Kind = "movement"
)

// Actor is a tagged identity: exactly one of user or movement. The zero
// value is invalid by construction: there is no way to build an actor with
// both or neither identity set.
type Actor struct {
	kind Kind
	id   string
}

// UserActor identifies a user.
func UserActor(id string) Actor { return Actor{kind: KindUser, id: id} }

// MovementActor identifies a movement.
func MovementActor(id string) Actor { return Actor{kind: KindMovement, id: id} }

// Valid reports whether the actor carries a usable identity.
func (a Actor) Valid() bool { return a.kind != "" && a.id != "" }

// Kind returns the identity kind, or "" for the zero actor.
func (a Actor) Kind() Kind { return a.kind }

// ID returns the identity value.
func (a Actor) ID() string { return a.id }

// Key is the cache/de-duplication key, "kind:id".
func (a Actor) Key() string { return string(a.kind) + ":" + a.id }

// Snapshot is a normalized flag state. Features is never nil.
type Snapshot struct {
	Enabled  bool     `json:"enabled"`
	Features []string `json:"features"`
}

// emptySnapshot is the normalized "nothing enabled" value.
func emptySnapshot() Snapshot { return Snapshot{Enabled: false, Features: []string{}} }

// Options tunes the resolver.
type Options struct {
	// TTL is the freshness window for cached snapshots. Default: 5m.
	TTL time.Duration
	// HTTPClient overrides the default client (5s timeout).
	HTTPClient *http.Client
	// Logger overrides the default slog logger.
	Logger *slog.Logger
	// Overrides, when non-nil, short-circuits resolution for keys that have
	// a local override pinned. No network call is made for overridden keys.
	Overrides *OverrideStore
}

func (o *Options) defaults() {
	if o.TTL <= 0 {
		o.TTL = 5 * time.Minute
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type cacheEntry struct {
	snap      Snapshot
	fetchedAt time.Time
}

// Resolver fetches and caches flag snapshots. Safe for concurrent use.
// At most one outbound request is in flight per actor key, and a fetched
// snapshot is reused until the TTL elapses.
type Resolver struct {
	base string
	opts Options

	// now is swapped in tests to exercise TTL expiry without sleeping.
	now func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
	group singleflight.Group

	hits     atomic.Int64
	misses   atomic.Int64
	fetches  atomic.Int64
	failures atomic.Int64
}

// Stats are point-in-time resolver counters.
type Stats struct {
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
	Fetches  int64 `json:"fetches"`
	Failures int64 `json:"failures"`
}

// New creates a Resolver for the flags endpoint rooted at baseURL
// (the resolver issues GET <baseURL>/research-flags).
func New(baseURL string, opts Options) *Resolver {
	opts.defaults()
	return &Resolver{
		base:  baseURL,
		opts:  opts,
		now:   time.Now,
		cache: make(map[string]cacheEntry),
	}
}

// Stats returns the current counters.
func (r *Resolver) Stats() Stats {
	return Stats{
		Hits:     r.hits.Load(),
		Misses:   r.misses.Load(),
		Fetches:  r.fetches.Load(),
		Failures: r.failures.Load(),
	}
}

// Resolve returns the flag snapshot for actor.
//
// An invalid actor returns (disabled snapshot, ErrNoActor) without any
// network activity. On fetch failure the error wraps ErrFetchFailed and the
// last cached snapshot, if any, is returned alongside it. Stale data stays
// visible until a later successful refetch, but a failure never manufactures
// an enabled state.
func (r *Resolver) Resolve(ctx context.Context, actor Actor) (Snapshot, error) {
	if !actor.Valid() {
		return emptySnapshot(), ErrNoActor
	}
	key := actor.Key()

	if ov := r.opts.Overrides; ov != nil {
		if snap, ok := ov.Lookup(key); ok {
			return snap, nil
		}
	}

	r.mu.Lock()
	if e, ok := r.cache[key]; ok && r.now().Sub(e.fetchedAt) < r.opts.TTL {
		r.mu.Unlock()
		r.hits.Add(1)
		return e.snap, nil
	}
	r.mu.Unlock()
	r.misses.Add(1)

	v, err, _ := r.group.Do(key, func() (any, error) {
		// Re-check under the flight: a concurrent caller may have refreshed
		// the entry between our cache miss and the flight starting.
		r.mu.Lock()
		if e, ok := r.cache[key]; ok && r.now().Sub(e.fetchedAt) < r.opts.TTL {
			r.mu.Unlock()
			return e.snap, nil
		}
		r.mu.Unlock()

		r.fetches.Add(1)
		snap, err := r.fetch(ctx, actor)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cache[key] = cacheEntry{snap: snap, fetchedAt: r.now()}
		r.mu.Unlock()
		return snap, nil
	})
	if err != nil {
		r.failures.Add(1)
		r.opts.Logger.WarnContext(ctx, "flags: resolve failed", "key", key, "error", err)
		r.mu.Lock()
		stale, ok := r.cache[key]
		r.mu.Unlock()
		if ok {
			return stale.snap, err
		}
		return emptySnapshot(), err
	}
	return v.(Snapshot), nil
}

// Invalidate drops the cached snapshot for actor, forcing the next Resolve
// to refetch. A no-op for unknown or invalid actors.
func (r *Resolver) Invalidate(actor Actor) {
	if !actor.Valid() {
		return
	}
	r.mu.Lock()
	delete(r.cache, actor.Key())
	r.mu.Unlock()
}
