// Package sqlutil holds the database/sql plumbing shared by the SQL-backed
// stores: opening pools, placeholder rebinding and unique-violation detection
// for each supported driver.
package sqlutil

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect captures the per-database differences the stores care about.
type Dialect struct {
	// Numbered placeholders ($1, $2, ...) instead of "?".
	Numbered bool
	// LockSuffix is appended to row reads that must block concurrent writers
	// (" FOR UPDATE" on PostgreSQL). SQLite serialises writers instead.
	LockSuffix string
	// IsUniqueViolation recognises the driver's unique constraint error.
	IsUniqueViolation func(error) bool
}

var (
	// SQLite is modernc.org/sqlite.
	SQLite = Dialect{IsUniqueViolation: sqliteUnique}
	// PGX is github.com/jackc/pgx/v5/stdlib.
	PGX = Dialect{Numbered: true, LockSuffix: " FOR UPDATE", IsUniqueViolation: pgxUnique}
	// PQ is github.com/lib/pq.
	PQ = Dialect{Numbered: true, LockSuffix: " FOR UPDATE", IsUniqueViolation: pqUnique}
)

// Rebind rewrites "?" placeholders for numbered dialects.
func (d Dialect) Rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Unique reports whether err is a unique constraint violation.
func (d Dialect) Unique(err error) bool {
	if err == nil || d.IsUniqueViolation == nil {
		return false
	}
	return d.IsUniqueViolation(err)
}

// Pool carries connection pool knobs. Zero values keep database/sql defaults.
type Pool struct {
	MaxOpen         int
	MaxIdle         int
	LifetimeMinutes int
	IdleMinutes     int
}

// Apply configures db.
func (p Pool) Apply(db *sql.DB) {
	if p.MaxOpen > 0 {
		db.SetMaxOpenConns(p.MaxOpen)
	}
	if p.MaxIdle > 0 {
		db.SetMaxIdleConns(p.MaxIdle)
	}
	if p.LifetimeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(p.LifetimeMinutes) * time.Minute)
	}
	if p.IdleMinutes > 0 {
		db.SetConnMaxIdleTime(time.Duration(p.IdleMinutes) * time.Minute)
	}
}

// OpenSQLite opens (or creates) a SQLite file in WAL mode. SQLite has a
// single writer, so the pool is pinned to one connection and transactions
// run strictly one after another.
func OpenSQLite(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	return db, nil
}

// Open opens a pooled connection for driver ("pgx" or "postgres").
func Open(driver, dsn string, pool Pool) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("database dsn required")
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", driver, err)
	}
	pool.Apply(db)
	return db, nil
}

// ApplySchema runs a multi-statement DDL script.
func ApplySchema(db *sql.DB, schema string) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func sqliteUnique(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func pgxUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func pqUnique(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
