package sqlutil

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

func TestRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE b = ? AND c IN (?, ?)`
	if got := SQLite.Rebind(q); got != q {
		t.Fatalf("sqlite should keep placeholders, got %q", got)
	}
	want := `SELECT a FROM t WHERE b = $1 AND c IN ($2, $3)`
	if got := PGX.Rebind(q); got != want {
		t.Fatalf("unexpected rebind %q", got)
	}
}

func TestUniqueViolationDetection(t *testing.T) {
	if !PGX.Unique(&pgconn.PgError{Code: "23505"}) {
		t.Fatal("pgx unique violation not detected")
	}
	if PGX.Unique(&pgconn.PgError{Code: "23503"}) {
		t.Fatal("foreign key violation reported as unique")
	}
	if !PQ.Unique(&pq.Error{Code: "23505"}) {
		t.Fatal("pq unique violation not detected")
	}
	if PQ.Unique(errors.New("23505")) {
		t.Fatal("plain error reported as unique")
	}
	if SQLite.Unique(nil) {
		t.Fatal("nil reported as unique")
	}
}

func TestSQLiteUniqueViolation(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "u.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := ApplySchema(db, `CREATE TABLE u (k TEXT NOT NULL UNIQUE);`); err != nil {
		t.Fatalf("ApplySchema: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO u(k) VALUES('a')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err = db.Exec(`INSERT INTO u(k) VALUES('a')`)
	if !SQLite.Unique(err) {
		t.Fatalf("expected unique violation, got %v", err)
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open("postgres", " ", Pool{}); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}
