package sqlite

import (
	"fmt"

	"github.com/tokligence/tokligence-canvas/internal/jobstore"
	"github.com/tokligence/tokligence-canvas/internal/sqlutil"
)

// Store implements jobstore.Store backed by SQLite.
type Store struct {
	*jobstore.SQLStore
}

const schema = `
CREATE TABLE IF NOT EXISTS generation_jobs (
	id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL,
	idempotency_key TEXT,
	external_task_id TEXT NOT NULL DEFAULT '',
	cost INTEGER NOT NULL CHECK(cost > 0),
	requested_count INTEGER NOT NULL,
	model TEXT NOT NULL,
	prompt TEXT NOT NULL,
	status TEXT NOT NULL CHECK(status IN ('reserved','submitted','polling','succeeded','failed','refunded')),
	failure_reason TEXT NOT NULL DEFAULT '',
	failure_detail TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	submitted_at TIMESTAMP,
	updated_at TIMESTAMP NOT NULL,
	resolved_at TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_generation_jobs_user_idempotency ON generation_jobs(user_id, idempotency_key);
CREATE INDEX IF NOT EXISTS idx_generation_jobs_status ON generation_jobs(status, created_at);
`

// New opens (or creates) a SQLite job store at path.
func New(path string) (*Store, error) {
	db, err := sqlutil.OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("jobstore: %w", err)
	}
	if err := sqlutil.ApplySchema(db, schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{SQLStore: jobstore.NewSQL(db, sqlutil.SQLite)}, nil
}
