package resultstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tokligence/tokligence-canvas/internal/sqlutil"
)

// SQLStore implements Store over database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect sqlutil.Dialect
	now     func() time.Time
}

var _ Store = (*SQLStore)(nil)

// NewSQL wraps an initialised database.
func NewSQL(db *sql.DB, dialect sqlutil.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: func() time.Time { return time.Now().UTC() }}
}

// SetNow overrides the clock used for created_at.
func (s *SQLStore) SetNow(now func() time.Time) { s.now = now }

// DB exposes the handle for health checks.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close releases the database.
func (s *SQLStore) Close() error { return s.db.Close() }

// Persist inserts conditioned on the unique dedupe key.
func (s *SQLStore) Persist(ctx context.Context, a Artifact) (Artifact, bool, error) {
	if a.JobID == "" || a.URL == "" || a.UserID == 0 {
		return Artifact{}, false, errors.New("resultstore: user id, job id and url required")
	}
	if a.DedupeKey == "" {
		a.DedupeKey = DedupeKey(a.UserID, a.Prompt, a.URL)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
INSERT INTO generated_artifacts(id, user_id, job_id, url, prompt, dedupe_key, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(dedupe_key) DO NOTHING`),
		a.ID, a.UserID, a.JobID, a.URL, a.Prompt, a.DedupeKey, a.CreatedAt)
	if err != nil {
		return Artifact{}, false, fmt.Errorf("resultstore: insert artifact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Artifact{}, false, fmt.Errorf("resultstore: insert artifact: %w", err)
	}
	if n == 1 {
		return a, true, nil
	}
	existing, err := s.byDedupeKey(ctx, a.DedupeKey)
	if err != nil {
		return Artifact{}, false, err
	}
	return existing, false, nil
}

// ListByJob returns the job's artifacts in creation order.
func (s *SQLStore) ListByJob(ctx context.Context, jobID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
SELECT id, user_id, job_id, url, prompt, dedupe_key, created_at
FROM generated_artifacts
WHERE job_id = ?
ORDER BY created_at, url`), jobID)
	if err != nil {
		return nil, fmt.Errorf("resultstore: list artifacts: %w", err)
	}
	defer rows.Close()
	var out []Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLStore) byDedupeKey(ctx context.Context, key string) (Artifact, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
SELECT id, user_id, job_id, url, prompt, dedupe_key, created_at
FROM generated_artifacts
WHERE dedupe_key = ?`), key)
	return scanArtifact(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArtifact(s scanner) (Artifact, error) {
	var a Artifact
	err := s.Scan(&a.ID, &a.UserID, &a.JobID, &a.URL, &a.Prompt, &a.DedupeKey, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, ErrNotFound
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("resultstore: scan artifact: %w", err)
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}
