package sqlite

import (
	"fmt"

	"github.com/tokligence/tokligence-canvas/internal/ledger/sqlledger"
	"github.com/tokligence/tokligence-canvas/internal/sqlutil"
)

// Store implements ledger.Store backed by SQLite.
type Store struct {
	*sqlledger.Engine
}

const schema = `
CREATE TABLE IF NOT EXISTS token_balances (
	user_id INTEGER PRIMARY KEY,
	balance INTEGER NOT NULL CHECK(balance >= 0),
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS ledger_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	delta INTEGER NOT NULL,
	reason TEXT NOT NULL CHECK(reason IN ('debit_generation','refund_generation','commit_generation','credit_purchase')),
	correlation_id TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_entries_correlation_reason ON ledger_entries(correlation_id, reason);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_user_created ON ledger_entries(user_id, created_at DESC);
`

// New opens (or creates) a SQLite ledger at the given path.
func New(path string) (*Store, error) {
	db, err := sqlutil.OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	if err := sqlutil.ApplySchema(db, schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Engine: sqlledger.New(db, sqlutil.SQLite)}, nil
}
