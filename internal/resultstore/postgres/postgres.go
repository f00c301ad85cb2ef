package postgres

import (
	_ "github.com/lib/pq"

	"github.com/tokligence/tokligence-canvas/internal/resultstore"
	"github.com/tokligence/tokligence-canvas/internal/sqlutil"
)

// Store implements resultstore.Store backed by PostgreSQL.
type Store struct {
	*resultstore.SQLStore
}

const schema = `
CREATE TABLE IF NOT EXISTS generated_artifacts (
	id TEXT PRIMARY KEY,
	user_id BIGINT NOT NULL,
	job_id TEXT NOT NULL,
	url TEXT NOT NULL,
	prompt TEXT NOT NULL,
	dedupe_key TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_generated_artifacts_job ON generated_artifacts(job_id);
`

// New opens a PostgreSQL artifact store.
func New(dsn string, pool sqlutil.Pool) (*Store, error) {
	db, err := sqlutil.Open("postgres", dsn, pool)
	if err != nil {
		return nil, err
	}
	if err := sqlutil.ApplySchema(db, schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{SQLStore: resultstore.NewSQL(db, sqlutil.PQ)}, nil
}
