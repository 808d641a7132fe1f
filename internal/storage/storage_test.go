package storage

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pmdash/internal/slogutil"
)

func setupTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	root := t.TempDir()
	db, err := Open(root, slogutil.NewDiscardLogger())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, root
}

func TestDatabaseInitialization(t *testing.T) {
	db, root := setupTestDB(t)

	dbPath := filepath.Join(root, ".pmdash", "pmdash.db")
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("database file was not created at %s: %v", dbPath, err)
	}
	if db.Path() != dbPath {
		t.Errorf("Path() = %s, want %s", db.Path(), dbPath)
	}

	version, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion() error = %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("schema version = %d, want %d", version, currentSchemaVersion)
	}

	for _, table := range []string{"documents", "features", "tasks", "sessions", "entity_links", "sync_operations"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestReopenKeepsData(t *testing.T) {
	root := t.TempDir()
	db, err := Open(root, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = db.Exec(`INSERT INTO features (project_id, id, name, updated_at) VALUES ('p', 'login-v1', 'Login', ?)`, FormatTime(time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db, err = Open(root, nil)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer db.Close()

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM features").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("features after reopen = %d, want 1", count)
	}
}

func TestWithTx_Rollback(t *testing.T) {
	db, _ := setupTestDB(t)

	sentinel := errors.New("boom")
	err := db.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO features (project_id, id, name, updated_at) VALUES ('p', 'x-feature', 'X', '')`); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("WithTx() error = %v, want sentinel", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM features").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("rolled back insert is visible: count = %d", count)
	}
}

func TestWithTx_PanicRollsBack(t *testing.T) {
	db, _ := setupTestDB(t)

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic to propagate")
			}
		}()
		_ = db.WithTx(func(tx *sql.Tx) error {
			_, _ = tx.Exec(`INSERT INTO features (project_id, id, name, updated_at) VALUES ('p', 'y-feature', 'Y', '')`)
			panic("unexpected")
		})
	}()

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM features").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("insert survived panic: count = %d", count)
	}
}

func TestTimeHelpers(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 123456000, time.FixedZone("x", 3600))
	s := FormatTime(ts)
	if s != "2026-03-04T04:06:07.123456Z" {
		t.Errorf("FormatTime() = %s", s)
	}
	if got := ParseTime(s); !got.Equal(ts) {
		t.Errorf("ParseTime() = %v, want %v", got, ts)
	}
	if !ParseTime("garbage").IsZero() {
		t.Error("malformed timestamps should parse to zero")
	}
	if NullTime(nil).Valid || NullTime(&time.Time{}).Valid {
		t.Error("nil and zero times should be NULL")
	}
	if TimePtr(sql.NullString{}) != nil {
		t.Error("NULL should map to nil")
	}
}

func TestJSONHelpers(t *testing.T) {
	s, err := EncodeJSON([]string(nil))
	if err != nil || s != "[]" {
		t.Errorf("EncodeJSON(nil) = %q, %v", s, err)
	}
	s, err = EncodeJSON([]string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	got := DecodeStrings(s)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("DecodeStrings() = %v", got)
	}
	if DecodeStrings("not json") != nil {
		t.Error("bad JSON should decode to nil")
	}
}
