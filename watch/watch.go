// Package watch provides a "poll SQLite, detect change, debounce, reload"
// loop. flagnavd uses it to keep the in-memory flag override set in step
// with the flag_overrides table without restarting.
//
// Typical usage:
//
//	w := watch.New(db, watch.Options{Interval: time.Second})
//	go w.Run(ctx, func(ctx context.Context) error { return overrides.Reload(ctx) })
package watch

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Detector reads a version token from the database. Two calls returning
// different values mean "something changed". int64 maps naturally to
// PRAGMA data_version or a MAX(updated_at) query.
type Detector func(ctx context.Context, db *sql.DB) (int64, error)

// Options tunes the watcher behaviour.
type Options struct {
	// Interval is the polling frequency. Default: 1s.
	Interval time.Duration
	// Debounce is the quiet period after a change before reload fires; more
	// changes during the window reset the timer. 0 fires immediately.
	Debounce time.Duration
	// Detector overrides the default DataVersion detector.
	Detector Detector
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Detector == nil {
		o.Detector = DataVersion
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher polls a SQLite database and runs a reload function when a change
// is detected. Safe for concurrent use.
type Watcher struct {
	db   *sql.DB
	opts Options

	// version is the last successfully applied version token.
	version atomic.Int64

	checks  atomic.Int64
	changes atomic.Int64
	errors  atomic.Int64
	reloads atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Checks          int64 `json:"checks"`
	ChangesDetected int64 `json:"changes_detected"`
	Errors          int64 `json:"errors"`
	Reloads         int64 `json:"reloads"`
}

// New creates a Watcher. Call Run to start the loop.
func New(db *sql.DB, opts Options) *Watcher {
	opts.defaults()
	return &Watcher{db: db, opts: opts}
}

// Stats returns the current counters.
func (w *Watcher) Stats() Stats {
	return Stats{
		Checks:          w.checks.Load(),
		ChangesDetected: w.changes.Load(),
		Errors:          w.errors.Load(),
		Reloads:         w.reloads.Load(),
	}
}

// Version returns the last applied version token.
func (w *Watcher) Version() int64 { return w.version.Load() }

// Run blocks until ctx is cancelled, polling at opts.Interval. When the
// detector reports a new version and the debounce window passes quietly,
// reload is called. If reload fails the version is not advanced, so it is
// retried on the next poll cycle.
func (w *Watcher) Run(ctx context.Context, reload func(context.Context) error) {
	log := w.opts.Logger

	// Seed the initial version so startup does not count as a change.
	if v, err := w.opts.Detector(ctx, w.db); err != nil {
		log.Warn("watch: initial version check failed", "error", err)
	} else {
		w.version.Store(v)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var debounce *time.Timer
	var debounceCh <-chan time.Time
	pending := int64(-1)

	log.Info("watch: started", "interval", w.opts.Interval, "debounce", w.opts.Debounce)

	for {
		select {
		case <-ctx.Done():
			log.Info("watch: stopped")
			if debounce != nil {
				debounce.Stop()
			}
			return

		case <-ticker.C:
			w.checks.Add(1)
			cur, err := w.opts.Detector(ctx, w.db)
			if err != nil {
				w.errors.Add(1)
				log.Warn("watch: version check failed", "error", err)
				continue
			}
			if cur == w.version.Load() || cur == pending {
				continue
			}
			w.changes.Add(1)
			pending = cur

			if w.opts.Debounce <= 0 {
				w.apply(ctx, reload, pending)
				pending = -1
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(w.opts.Debounce)
			debounceCh = debounce.C
			log.Debug("watch: change detected, debouncing", "pending_version", cur)

		case <-debounceCh:
			debounceCh = nil
			if pending >= 0 {
				w.apply(ctx, reload, pending)
				pending = -1
			}
		}
	}
}

func (w *Watcher) apply(ctx context.Context, reload func(context.Context) error, ver int64) {
	log := w.opts.Logger
	start := time.Now()
	if err := reload(ctx); err != nil {
		w.errors.Add(1)
		log.Error("watch: reload failed", "error", err, "version", ver)
		return
	}
	w.reloads.Add(1)
	w.version.Store(ver)
	log.Info("watch: reload complete", "version", ver, "duration", time.Since(start))
}

// DataVersion uses PRAGMA data_version, which increments whenever another
// connection writes to the same database file.
func DataVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}

// UserVersion uses PRAGMA user_version, an application-controlled integer.
// Callers must bump it explicitly after writes; useful when deterministic
// version numbers are wanted.
func UserVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v)
	return v, err
}

// TableMax returns a Detector that polls MAX(column) on a table. Suits
// tables carrying an updated_at timestamp, like flag_overrides.
// Identifiers are quoted to prevent SQL injection.
func TableMax(table, column string) Detector {
	query := "SELECT COALESCE(MAX(" + quoteIdent(column) + "), 0) FROM " + quoteIdent(table)
	return func(ctx context.Context, db *sql.DB) (int64, error) {
		var v int64
		err := db.QueryRowContext(ctx, query).Scan(&v)
		return v, err
	}
}

// quoteIdent wraps a SQL identifier in double quotes, escaping embedded quotes.
func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
