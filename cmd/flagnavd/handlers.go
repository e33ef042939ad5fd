package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/flagnav/flags"
	"github.com/hazyhaar/flagnav/idgen"
	"github.com/hazyhaar/flagnav/kit"
	"github.com/hazyhaar/flagnav/navhist"
	"github.com/hazyhaar/flagnav/shield"
)

const sessionCookie = "flagnav_sid"

type server struct {
	resolver  *flags.Resolver
	registry  *navhist.Registry
	ratelimit *shield.RateLimiter
}

func (s *server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
	r.Use(shield.HeadToGet)
	r.Use(shield.RequestID)
	r.Use(shield.MaxJSONBody(32 * 1024))
	if s.ratelimit != nil {
		r.Use(s.ratelimit.Middleware)
	}
	r.Use(sessionMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/api/flags", s.handleFlags)
	r.Get("/api/flags/stats", s.handleFlagStats)
	r.Post("/api/nav/observe", s.handleNavObserve)
	r.Get("/api/nav/previous", s.handleNavPrevious)

	return r
}

// sessionMiddleware mints the flagnav_sid cookie on first contact and
// threads the session id through the request context.
func sessionMiddleware(next http.Handler) http.Handler {
	gen := idgen.Prefixed("sid_", idgen.NanoID(16))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var sid string
		if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
			sid = c.Value
		} else {
			sid = gen()
			http.SetCookie(w, &http.Cookie{
				Name:     sessionCookie,
				Value:    sid,
				Path:     "/",
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}
		next.ServeHTTP(w, r.WithContext(kit.WithSessionID(r.Context(), sid)))
	})
}

// handleFlags resolves the research-flag snapshot for the actor named in
// the query. A request with no actor is not an error: it answers with the
// disabled snapshot, mirroring how an anonymous visitor sees the site.
func (s *server) handleFlags(w http.ResponseWriter, r *http.Request) {
	actor := flags.ActorFromIDs(r.URL.Query().Get("user_id"), r.URL.Query().Get("movement_id"))
	snap, err := s.resolver.Resolve(r.Context(), actor)
	switch {
	case errors.Is(err, flags.ErrNoActor):
		writeJSON(w, http.StatusOK, snap)
	case errors.Is(err, flags.ErrFetchFailed):
		shield.GetLogger(r.Context()).Warn("flag fetch failed", "actor", actor.Key(), "error", err)
		writeError(w, http.StatusBadGateway, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, snap)
	}
}

func (s *server) handleFlagStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.resolver.Stats())
}

type observeRequest struct {
	Path   string `json:"path"`
	Search string `json:"search"`
}

func (s *server) handleNavObserve(w http.ResponseWriter, r *http.Request) {
	var req observeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}
	if req.Path == "" || req.Path[0] != '/' {
		writeError(w, http.StatusBadRequest, errors.New("path must start with /"))
		return
	}
	sid := kit.GetSessionID(r.Context())
	s.registry.Observe(r.Context(), sid, req.Path, req.Search)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleNavPrevious(w http.ResponseWriter, r *http.Request) {
	sid := kit.GetSessionID(r.Context())
	prev, ok := s.registry.Previous(r.Context(), sid)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"previous": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"previous": prev})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
