package postgres

import (
	_ "github.com/lib/pq"

	"github.com/tokligence/tokligence-canvas/internal/jobstore"
	"github.com/tokligence/tokligence-canvas/internal/sqlutil"
)

// Store implements jobstore.Store backed by PostgreSQL.
type Store struct {
	*jobstore.SQLStore
}

const schema = `
CREATE TABLE IF NOT EXISTS generation_jobs (
	id TEXT PRIMARY KEY,
	user_id BIGINT NOT NULL,
	idempotency_key TEXT,
	external_task_id TEXT NOT NULL DEFAULT '',
	cost BIGINT NOT NULL CHECK(cost > 0),
	requested_count INTEGER NOT NULL,
	model TEXT NOT NULL,
	prompt TEXT NOT NULL,
	status TEXT NOT NULL CHECK(status IN ('reserved','submitted','polling','succeeded','failed','refunded')),
	failure_reason TEXT NOT NULL DEFAULT '',
	failure_detail TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	submitted_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL,
	resolved_at TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_generation_jobs_user_idempotency ON generation_jobs(user_id, idempotency_key);
CREATE INDEX IF NOT EXISTS idx_generation_jobs_unresolved ON generation_jobs(created_at)
	WHERE status IN ('reserved','submitted','polling','failed');
`

// New opens a PostgreSQL job store.
func New(dsn string, pool sqlutil.Pool) (*Store, error) {
	db, err := sqlutil.Open("postgres", dsn, pool)
	if err != nil {
		return nil, err
	}
	if err := sqlutil.ApplySchema(db, schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{SQLStore: jobstore.NewSQL(db, sqlutil.PQ)}, nil
}
