package watch

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	// Force single connection so PRAGMA changes are visible to all callers.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func setUserVersion(t *testing.T, db *sql.DB, v int) {
	t.Helper()
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", v)); err != nil {
		t.Fatal(err)
	}
}

func TestDataVersion(t *testing.T) {
	db := testDB(t)

	v, err := DataVersion(context.Background(), db)
	if err != nil {
		t.Fatal(err)
	}
	if v < 0 {
		t.Fatalf("expected non-negative version, got %d", v)
	}
}

func TestUserVersion(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	v, err := UserVersion(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0 {
		t.Fatalf("expected 0, got %d", v)
	}

	setUserVersion(t, db, 42)
	v, err = UserVersion(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestTableMax(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := db.Exec("CREATE TABLE overrides (id INTEGER PRIMARY KEY, updated_at INTEGER)"); err != nil {
		t.Fatal(err)
	}

	det := TableMax("overrides", "updated_at")
	v, err := det(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0 {
		t.Fatalf("expected 0 for empty table, got %d", v)
	}

	if _, err := db.Exec("INSERT INTO overrides (updated_at) VALUES (100)"); err != nil {
		t.Fatal(err)
	}
	v, err = det(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if v != 100 {
		t.Fatalf("expected 100, got %d", v)
	}
}

func TestRun_FiresOnVersionChange(t *testing.T) {
	db := testDB(t)

	// user_version as detector so the test controls the token.
	var reloads atomic.Int32
	w := New(db, Options{
		Interval: 20 * time.Millisecond,
		Detector: UserVersion,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.Run(ctx, func(context.Context) error {
		reloads.Add(1)
		return nil
	})

	// Wait for initial version to be read.
	time.Sleep(50 * time.Millisecond)

	setUserVersion(t, db, 1)
	time.Sleep(80 * time.Millisecond)
	if got := reloads.Load(); got != 1 {
		t.Fatalf("expected 1 reload, got %d", got)
	}

	setUserVersion(t, db, 2)
	time.Sleep(80 * time.Millisecond)
	if got := reloads.Load(); got != 2 {
		t.Fatalf("expected 2 reloads, got %d", got)
	}

	// No bump → no extra reload.
	time.Sleep(80 * time.Millisecond)
	if got := reloads.Load(); got != 2 {
		t.Fatalf("expected still 2, got %d", got)
	}
}

func TestRun_Debounce(t *testing.T) {
	db := testDB(t)

	var reloads atomic.Int32
	w := New(db, Options{
		Interval: 20 * time.Millisecond,
		Debounce: 100 * time.Millisecond,
		Detector: UserVersion,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.Run(ctx, func(context.Context) error {
		reloads.Add(1)
		return nil
	})

	time.Sleep(50 * time.Millisecond)

	// Rapid-fire version bumps inside the debounce window.
	for i := 1; i <= 5; i++ {
		setUserVersion(t, db, i)
		time.Sleep(15 * time.Millisecond)
	}

	if got := reloads.Load(); got != 0 {
		t.Fatalf("expected 0 reloads during debounce, got %d", got)
	}

	time.Sleep(200 * time.Millisecond)
	if got := reloads.Load(); got != 1 {
		t.Fatalf("expected exactly 1 debounced reload, got %d", got)
	}
}

func TestRun_ErrorDoesNotAdvanceVersion(t *testing.T) {
	db := testDB(t)

	var calls atomic.Int32
	w := New(db, Options{
		Interval: 20 * time.Millisecond,
		Detector: UserVersion,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.Run(ctx, func(context.Context) error {
		if calls.Add(1) == 1 {
			return context.DeadlineExceeded // simulate failure
		}
		return nil
	})

	time.Sleep(50 * time.Millisecond)
	setUserVersion(t, db, 1)

	// First attempt fails, the next poll cycle retries and succeeds.
	time.Sleep(150 * time.Millisecond)
	if got := calls.Load(); got < 2 {
		t.Fatalf("expected retry after failed reload, got %d calls", got)
	}
	if got := w.Version(); got != 1 {
		t.Fatalf("version: got %d, want 1", got)
	}
	if s := w.Stats(); s.Reloads < 1 || s.Errors < 1 {
		t.Fatalf("stats: %+v", s)
	}
}
