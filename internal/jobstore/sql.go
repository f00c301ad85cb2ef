package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tokligence/tokligence-canvas/internal/sqlutil"
)

// SQLStore implements Store over database/sql. The sqlite and postgres
// subpackages open the database and create the schema.
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

// SetNow overrides the timestamp source.
func (s *SQLStore) SetNow(now func() time.Time) { s.now = now }

// DB exposes the handle for health checks.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close releases the database.
func (s *SQLStore) Close() error { return s.db.Close() }

const jobColumns = `id, user_id, idempotency_key, external_task_id, cost, requested_count, model, prompt,
	status, failure_reason, failure_detail, created_at, submitted_at, updated_at, resolved_at`

// Create inserts a job in the reserved state.
func (s *SQLStore) Create(ctx context.Context, job Job) (Job, error) {
	if job.ID == "" {
		return Job{}, errors.New("jobstore: job id required")
	}
	if job.UserID == 0 {
		return Job{}, errors.New("jobstore: user id required")
	}
	now := s.now()
	if job.Status == "" {
		job.Status = StatusReserved
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
INSERT INTO generation_jobs(`+jobColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		job.ID,
		job.UserID,
		nullString(job.IdempotencyKey),
		job.ExternalTaskID,
		job.Cost,
		job.Count,
		job.Model,
		job.Prompt,
		string(job.Status),
		string(job.Reason),
		job.Detail,
		job.CreatedAt,
		nullTime(job.SubmittedAt),
		job.UpdatedAt,
		nullTime(job.ResolvedAt),
	)
	if s.dialect.Unique(err) {
		return Job{}, ErrDuplicate
	}
	if err != nil {
		return Job{}, fmt.Errorf("jobstore: insert job: %w", err)
	}
	return job, nil
}

// Get loads a job by id.
func (s *SQLStore) Get(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+jobColumns+` FROM generation_jobs WHERE id = ?`), id)
	return scanJob(row)
}

// FindByIdempotencyKey loads the user's job created under key.
func (s *SQLStore) FindByIdempotencyKey(ctx context.Context, userID int64, key string) (Job, error) {
	if strings.TrimSpace(key) == "" {
		return Job{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+jobColumns+`
FROM generation_jobs WHERE user_id = ? AND idempotency_key = ?`), userID, key)
	return scanJob(row)
}

// Transition applies u if the job is still in status from.
func (s *SQLStore) Transition(ctx context.Context, id string, from Status, u Update) (Job, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return Job{}, err
	}
	if current.Status != from {
		return current, fmt.Errorf("%w: expected %s, found %s", ErrStaleTransition, from, current.Status)
	}
	next, err := current.Apply(u, s.now())
	if err != nil {
		return current, err
	}
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
UPDATE generation_jobs
SET status = ?, external_task_id = ?, failure_reason = ?, failure_detail = ?,
	submitted_at = ?, updated_at = ?, resolved_at = ?
WHERE id = ? AND status = ?`),
		string(next.Status),
		next.ExternalTaskID,
		string(next.Reason),
		next.Detail,
		nullTime(next.SubmittedAt),
		next.UpdatedAt,
		nullTime(next.ResolvedAt),
		id,
		string(from),
	)
	if err != nil {
		return current, fmt.Errorf("jobstore: update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return current, fmt.Errorf("jobstore: update job: %w", err)
	}
	if n == 0 {
		latest, gerr := s.Get(ctx, id)
		if gerr != nil {
			return current, gerr
		}
		return latest, fmt.Errorf("%w: expected %s, found %s", ErrStaleTransition, from, latest.Status)
	}
	return next, nil
}

// ListUnresolved returns every job not yet succeeded or refunded, oldest first.
func (s *SQLStore) ListUnresolved(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`SELECT `+jobColumns+`
FROM generation_jobs
WHERE status IN (?, ?, ?, ?)
ORDER BY created_at`),
		string(StatusReserved), string(StatusSubmitted), string(StatusPolling), string(StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("jobstore: list unresolved: %w", err)
	}
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (Job, error) {
	var (
		job                 Job
		idem                sql.NullString
		status, reason      string
		submitted, resolved sql.NullTime
	)
	err := s.Scan(
		&job.ID,
		&job.UserID,
		&idem,
		&job.ExternalTaskID,
		&job.Cost,
		&job.Count,
		&job.Model,
		&job.Prompt,
		&status,
		&reason,
		&job.Detail,
		&job.CreatedAt,
		&submitted,
		&job.UpdatedAt,
		&resolved,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("jobstore: scan job: %w", err)
	}
	job.IdempotencyKey = idem.String
	job.Status = Status(status)
	job.Reason = FailureReason(reason)
	if submitted.Valid {
		job.SubmittedAt = submitted.Time.UTC()
	}
	if resolved.Valid {
		job.ResolvedAt = resolved.Time.UTC()
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
