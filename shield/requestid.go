package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/flagnav/idgen"
	"github.com/hazyhaar/flagnav/kit"
)

// RequestID mints an ID for each request and injects it into the context,
// the X-Request-ID response header, and a per-request structured logger
// stored under LoggerKey.
func RequestID(next http.Handler) http.Handler {
	gen := idgen.Prefixed("req_", idgen.NanoID(8))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := gen()

		ctx := kit.WithRequestID(r.Context(), id)
		w.Header().Set("X-Request-ID", id)

		logger := slog.Default().With(
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = context.WithValue(ctx, LoggerKey, logger)
		logger.Debug("request")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
