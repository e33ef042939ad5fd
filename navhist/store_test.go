package navhist

import (
	"context"
	"testing"
	"time"

	"github.com/hazyhaar/flagnav/dbopen"
	_ "modernc.org/sqlite" // register "sqlite" driver
)

func TestSQLiteStore_LoadMissing(t *testing.T) {
	db := dbopen.OpenMemory(t)
	s := NewSQLiteStore(db)
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}

	_, ok, err := s.Load(context.Background(), "sid_none")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("missing session must load ok=false")
	}
}

func TestSQLiteStore_SaveOverwrites(t *testing.T) {
	db := dbopen.OpenMemory(t)
	s := NewSQLiteStore(db)
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := s.Save(ctx, "sid_1", `{"path":"/a","label":"A"}`); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, "sid_1", `{"path":"/b","label":"B"}`); err != nil {
		t.Fatal(err)
	}

	raw, ok, err := s.Load(ctx, "sid_1")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if raw != `{"path":"/b","label":"B"}` {
		t.Fatalf("raw: got %q", raw)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM nav_previous`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected single row per session, got %d", count)
	}
}

func TestSQLiteStore_Cleanup(t *testing.T) {
	db := dbopen.OpenMemory(t)
	s := NewSQLiteStore(db)
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour).Unix()
	if _, err := db.Exec(
		`INSERT INTO nav_previous (session_id, route_json, updated_at) VALUES ('sid_old','{}',?)`, old); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, "sid_new", "{}"); err != nil {
		t.Fatal(err)
	}

	n, err := s.Cleanup(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("cleanup: got %d deletions", n)
	}

	if _, ok, _ := s.Load(ctx, "sid_old"); ok {
		t.Fatal("expired session must be gone")
	}
	if _, ok, _ := s.Load(ctx, "sid_new"); !ok {
		t.Fatal("fresh session must survive")
	}
}
