// Entry point for the flagnav service: research-flag resolution and
// back-navigation memory for the web front end, exposed over chi HTTP and
// optionally over MCP stdio.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/flagnav/dbopen"
	"github.com/hazyhaar/flagnav/flags"
	"github.com/hazyhaar/flagnav/navhist"
	"github.com/hazyhaar/flagnav/routelabel"
	"github.com/hazyhaar/flagnav/shield"
	"github.com/hazyhaar/flagnav/watch"
)

func main() {
	port := env("PORT", "8090")
	flagsBase := env("FLAGS_BASE_URL", "")
	sessionDBPath := env("SESSION_DB", "db/sessions.db")
	labelsFile := env("LABELS_FILE", "")
	logLevel := env("LOG_LEVEL", "info")
	flagsTTL := envDuration("FLAGS_TTL", 5*time.Minute)
	retention := envDuration("SESSION_RETENTION", 24*time.Hour)
	mcpTransport := env("MCP_TRANSPORT", "")

	// Logging.
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	if flagsBase == "" {
		slog.Error("FLAGS_BASE_URL is required")
		os.Exit(1)
	}

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Session DB holds nav memory, flag overrides, and rate-limit rules.
	db, err := dbopen.Open(sessionDBPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("session db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := shield.Init(db); err != nil {
		slog.Error("shield init", "error", err)
		os.Exit(1)
	}

	// Route label table, with optional YAML overrides.
	tbl := routelabel.Default()
	if labelsFile != "" {
		overrides, err := routelabel.LoadFile(labelsFile)
		if err != nil {
			slog.Error("labels file", "error", err)
			os.Exit(1)
		}
		tbl = tbl.Merge(overrides)
		slog.Info("label overrides loaded", "file", labelsFile, "count", len(overrides))
	}

	// Navigation memory.
	navStore := navhist.NewSQLiteStore(db)
	if err := navStore.Init(); err != nil {
		slog.Error("nav store init", "error", err)
		os.Exit(1)
	}
	registry := navhist.NewRegistry(navStore, tbl.Label, logger)

	// Flag overrides + resolver.
	overrides := flags.NewOverrideStore(db)
	if err := overrides.Init(); err != nil {
		slog.Error("overrides init", "error", err)
		os.Exit(1)
	}
	if err := overrides.Reload(ctx); err != nil {
		slog.Error("overrides load", "error", err)
		os.Exit(1)
	}
	resolver := flags.New(flagsBase, flags.Options{
		TTL:       flagsTTL,
		Logger:    logger,
		Overrides: overrides,
	})

	// Hot-reload overrides when the table changes.
	ovWatch := watch.New(db, watch.Options{
		Interval: 2 * time.Second,
		Debounce: 500 * time.Millisecond,
		Detector: watch.TableMax("flag_overrides", "updated_at"),
		Logger:   logger,
	})
	go ovWatch.Run(ctx, overrides.Reload)

	// Session retention: the server-side stand-in for the browser clearing
	// session storage at session end.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := navStore.Cleanup(ctx, retention); err != nil {
					slog.Warn("session cleanup", "error", err)
				} else if n > 0 {
					slog.Info("session cleanup", "removed", n)
				}
				if n := registry.Prune(retention); n > 0 {
					slog.Debug("session prune", "evicted", n)
				}
			}
		}
	}()

	// Rate limiting.
	rl := shield.NewRateLimiter(db, "/healthz")
	done := make(chan struct{})
	defer close(done)
	rl.StartReloader(done)

	// Optional MCP stdio transport for agent access.
	if mcpTransport == "stdio" {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "flagnav",
			Version: "1.0.0",
		}, nil)
		resolver.RegisterMCP(mcpSrv)
		registry.RegisterMCP(mcpSrv)
		go func() {
			slog.Info("MCP stdio starting")
			if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				slog.Error("MCP stdio", "error", err)
			}
		}()
	}

	s := &server{resolver: resolver, registry: registry, ratelimit: rl}

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}
