package flags

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// flagServer returns a test endpoint and a request counter.
func flagServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func TestResolve_User(t *testing.T) {
	srv, _ := flagServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/research-flags" {
			t.Errorf("path: got %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("user_id"); got != "usr_1" {
			t.Errorf("user_id: got %q", got)
		}
		if got := r.URL.Query().Get("movement_id"); got != "" {
			t.Errorf("movement_id should be absent, got %q", got)
		}
		writeJSON(w, map[string]any{"enabled": true, "features": []string{"beta_ui", "surveys"}})
	})

	r := New(srv.URL, Options{})
	snap, err := r.Resolve(context.Background(), UserActor("usr_1"))
	if err != nil {
		t.Fatal(err)
	}
	if !snap.Enabled {
		t.Fatal("expected enabled")
	}
	if len(snap.Features) != 2 || snap.Features[0] != "beta_ui" {
		t.Fatalf("features: got %v", snap.Features)
	}
}

func TestResolve_MovementQueryParam(t *testing.T) {
	srv, _ := flagServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("movement_id"); got != "mvt_9" {
			t.Errorf("movement_id: got %q", got)
		}
		writeJSON(w, map[string]any{"enabled": false})
	})

	r := New(srv.URL, Options{})
	snap, err := r.Resolve(context.Background(), MovementActor("mvt_9"))
	if err != nil {
		t.Fatal(err)
	}
	if snap.Enabled {
		t.Fatal("expected disabled")
	}
}

func TestResolve_NormalizesEmptyPayload(t *testing.T) {
	srv, _ := flagServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{})
	})

	r := New(srv.URL, Options{})
	snap, err := r.Resolve(context.Background(), UserActor("usr_1"))
	if err != nil {
		t.Fatal(err)
	}
	if snap.Enabled {
		t.Fatal("missing enabled must default to false")
	}
	if snap.Features == nil {
		t.Fatal("features must never be nil")
	}
	if len(snap.Features) != 0 {
		t.Fatalf("features: got %v", snap.Features)
	}
}

func TestResolve_InvalidActor_NoNetwork(t *testing.T) {
	srv, calls := flagServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"enabled": true})
	})

	r := New(srv.URL, Options{})
	snap, err := r.Resolve(context.Background(), Actor{})
	if !errors.Is(err, ErrNoActor) {
		t.Fatalf("error: got %v, want ErrNoActor", err)
	}
	if snap.Enabled || snap.Features == nil {
		t.Fatalf("snapshot: got %+v", snap)
	}
	if calls.Load() != 0 {
		t.Fatalf("expected no network call, got %d", calls.Load())
	}

	// Both IDs set is equally invalid.
	if a := ActorFromIDs("usr_1", "mvt_1"); a.Valid() {
		t.Fatal("both IDs must yield an invalid actor")
	}
	if a := ActorFromIDs("", ""); a.Valid() {
		t.Fatal("neither ID must yield an invalid actor")
	}
}

func TestResolve_CacheHitWithinTTL(t *testing.T) {
	srv, calls := flagServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"enabled": true})
	})

	r := New(srv.URL, Options{})
	ctx := context.Background()
	actor := UserActor("usr_1")

	if _, err := r.Resolve(ctx, actor); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Resolve(ctx, actor); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 network call, got %d", calls.Load())
	}

	s := r.Stats()
	if s.Hits != 1 || s.Fetches != 1 {
		t.Fatalf("stats: %+v", s)
	}
}

func TestResolve_RefetchAfterTTL(t *testing.T) {
	srv, calls := flagServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"enabled": true})
	})

	r := New(srv.URL, Options{TTL: 5 * time.Minute})
	base := time.Now()
	r.now = func() time.Time { return base }

	ctx := context.Background()
	actor := UserActor("usr_1")

	if _, err := r.Resolve(ctx, actor); err != nil {
		t.Fatal(err)
	}

	// Just inside the window: still cached.
	base = base.Add(4 * time.Minute)
	if _, err := r.Resolve(ctx, actor); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 call inside TTL, got %d", calls.Load())
	}

	// Past the window: refetch.
	base = base.Add(2 * time.Minute)
	if _, err := r.Resolve(ctx, actor); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls after TTL, got %d", calls.Load())
	}
}

func TestResolve_DistinctKeysFetchSeparately(t *testing.T) {
	srv, calls := flagServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"enabled": true})
	})

	r := New(srv.URL, Options{})
	ctx := context.Background()

	r.Resolve(ctx, UserActor("usr_1"))
	r.Resolve(ctx, MovementActor("usr_1")) // same id, different kind
	r.Resolve(ctx, UserActor("usr_2"))

	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls for 3 keys, got %d", calls.Load())
	}
}

func TestResolve_DeduplicatesConcurrentCallers(t *testing.T) {
	release := make(chan struct{})
	srv, calls := flagServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		writeJSON(w, map[string]any{"enabled": true})
	})

	r := New(srv.URL, Options{})
	ctx := context.Background()
	actor := UserActor("usr_1")

	const n = 8
	var wg sync.WaitGroup
	snaps := make([]Snapshot, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snaps[i], errs[i] = r.Resolve(ctx, actor)
		}()
	}

	// Let the callers pile up on the single in-flight request.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("expected 1 in-flight request, got %d", calls.Load())
	}
	for i := range n {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if !snaps[i].Enabled {
			t.Fatalf("caller %d: got %+v", i, snaps[i])
		}
	}
}

func TestResolve_FetchFailure(t *testing.T) {
	srv, _ := flagServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	r := New(srv.URL, Options{})
	snap, err := r.Resolve(context.Background(), UserActor("usr_1"))
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("error: got %v, want ErrFetchFailed", err)
	}
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Status != http.StatusInternalServerError {
		t.Fatalf("fetch error: %v", err)
	}
	// Failure never manufactures an enabled state.
	if snap.Enabled {
		t.Fatal("failed resolve must not default to enabled")
	}
	if snap.Features == nil {
		t.Fatal("features must never be nil")
	}
}

func TestResolve_StaleSnapshotVisibleOnFailure(t *testing.T) {
	var fail atomic.Bool
	srv, _ := flagServer(t, func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		writeJSON(w, map[string]any{"enabled": true, "features": []string{"beta_ui"}})
	})

	r := New(srv.URL, Options{TTL: 5 * time.Minute})
	base := time.Now()
	r.now = func() time.Time { return base }
	ctx := context.Background()
	actor := UserActor("usr_1")

	if _, err := r.Resolve(ctx, actor); err != nil {
		t.Fatal(err)
	}

	// Entry expires, endpoint goes down: caller sees the error and the
	// stale snapshot together.
	base = base.Add(6 * time.Minute)
	fail.Store(true)

	snap, err := r.Resolve(ctx, actor)
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("error: got %v", err)
	}
	if !snap.Enabled || len(snap.Features) != 1 {
		t.Fatalf("expected stale snapshot, got %+v", snap)
	}

	// Endpoint recovers: next resolve refetches and clears the error.
	fail.Store(false)
	if _, err := r.Resolve(ctx, actor); err != nil {
		t.Fatalf("recovery: %v", err)
	}
}

func TestResolve_MalformedResponseFails(t *testing.T) {
	srv, _ := flagServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	})

	r := New(srv.URL, Options{})
	_, err := r.Resolve(context.Background(), UserActor("usr_1"))
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("error: got %v, want ErrFetchFailed", err)
	}
}

func TestInvalidate_ForcesRefetch(t *testing.T) {
	srv, calls := flagServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"enabled": true})
	})

	r := New(srv.URL, Options{})
	ctx := context.Background()
	actor := UserActor("usr_1")

	r.Resolve(ctx, actor)
	r.Invalidate(actor)
	r.Resolve(ctx, actor)

	if calls.Load() != 2 {
		t.Fatalf("expected refetch after invalidate, got %d calls", calls.Load())
	}
}
