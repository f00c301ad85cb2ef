package sqlite

import (
	"fmt"

	"github.com/tokligence/tokligence-canvas/internal/resultstore"
	"github.com/tokligence/tokligence-canvas/internal/sqlutil"
)

// Store implements resultstore.Store backed by SQLite.
type Store struct {
	*resultstore.SQLStore
}

const schema = `
CREATE TABLE IF NOT EXISTS generated_artifacts (
	id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL,
	job_id TEXT NOT NULL,
	url TEXT NOT NULL,
	prompt TEXT NOT NULL,
	dedupe_key TEXT NOT NULL UNIQUE,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_generated_artifacts_job ON generated_artifacts(job_id);
`

// New opens (or creates) a SQLite artifact store at path.
func New(path string) (*Store, error) {
	db, err := sqlutil.OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("resultstore: %w", err)
	}
	if err := sqlutil.ApplySchema(db, schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{SQLStore: resultstore.NewSQL(db, sqlutil.SQLite)}, nil
}
