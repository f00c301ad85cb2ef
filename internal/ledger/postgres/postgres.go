package postgres

import (
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tokligence/tokligence-canvas/internal/ledger/sqlledger"
	"github.com/tokligence/tokligence-canvas/internal/sqlutil"
)

// Store implements ledger.Store backed by PostgreSQL.
type Store struct {
	*sqlledger.Engine
}

const schema = `
CREATE TABLE IF NOT EXISTS token_balances (
	user_id BIGINT PRIMARY KEY,
	balance BIGINT NOT NULL CHECK(balance >= 0),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id BIGSERIAL PRIMARY KEY,
	user_id BIGINT NOT NULL,
	delta BIGINT NOT NULL,
	reason TEXT NOT NULL CHECK(reason IN ('debit_generation','refund_generation','commit_generation','credit_purchase')),
	correlation_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_entries_correlation_reason ON ledger_entries(correlation_id, reason);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_user_created ON ledger_entries(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_open_debits ON ledger_entries(created_at) WHERE reason = 'debit_generation';
`

// New opens a PostgreSQL-backed ledger using the provided DSN and connection pool settings.
func New(dsn string, maxOpen, maxIdle, lifetimeMinutes, idleTimeMinutes int) (*Store, error) {
	db, err := sqlutil.Open("pgx", dsn, sqlutil.Pool{
		MaxOpen:         maxOpen,
		MaxIdle:         maxIdle,
		LifetimeMinutes: lifetimeMinutes,
		IdleMinutes:     idleTimeMinutes,
	})
	if err != nil {
		return nil, err
	}
	if err := sqlutil.ApplySchema(db, schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Engine: sqlledger.New(db, sqlutil.PGX)}, nil
}
