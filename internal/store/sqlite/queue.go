package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"appfleet/internal/store"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

const queueColumns = `id, seq, package_name, target, state, attempt, priority,
	created_at, updated_at, not_before, last_error, error_code, platform_code, session_id`

const historyColumns = `id, seq, package_name, target, state, attempt, priority,
	created_at, updated_at, finished_at, last_error, error_code, platform_code`

type rowScanner interface {
	Scan(dest ...any) error
}

// Enqueue adds a job unless its package already has a pending or active job.
func (s *Store) Enqueue(ctx context.Context, job *store.InstallJob) (uuid.UUID, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, false, err
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM install_queue WHERE package_name = ?`, job.PackageName,
	).Scan(&existing)
	switch {
	case err == nil:
		id, perr := uuid.Parse(existing)
		return id, false, perr
	case !errors.Is(err, sql.ErrNoRows):
		return uuid.Nil, false, fmt.Errorf("failed to look up job for %s: %w", job.PackageName, err)
	}

	now := s.now().UTC()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.State == "" {
		job.State = store.JobQueued
	}
	if job.Priority == 0 {
		job.Priority = store.PriorityAuto
	}
	job.UpdatedAt = now

	target, err := json.Marshal(job.Target)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to encode target release: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO install_queue (id, package_name, target, state, attempt, priority, created_at, updated_at, not_before)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID.String(), job.PackageName, string(target), job.State, job.Attempt, job.Priority,
		toNanos(job.CreatedAt), toNanos(job.UpdatedAt), toNanos(job.NotBefore))
	if err != nil {
		if isUniqueViolation(err) {
			return uuid.Nil, false, fmt.Errorf("%w: %s", store.ErrDuplicateJob, job.PackageName)
		}
		return uuid.Nil, false, fmt.Errorf("failed to enqueue job for %s: %w", job.PackageName, err)
	}

	if job.Seq, err = res.LastInsertId(); err != nil {
		return uuid.Nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, false, err
	}
	return job.ID, true, nil
}

// NextEligible returns the oldest queued job whose backoff has passed, or
// nil. Priority does not affect the order.
func (s *Store) NextEligible(ctx context.Context, now time.Time) (*store.InstallJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+queueColumns+`
		FROM install_queue
		WHERE state = ? AND not_before <= ?
		ORDER BY created_at ASC, seq ASC
		LIMIT 1
	`, store.JobQueued, toNanos(now))

	job, err := scanQueued(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select next job: %w", err)
	}
	return job, nil
}

// NextWakeup returns the earliest backoff deadline among queued jobs.
func (s *Store) NextWakeup(ctx context.Context) (time.Time, bool, error) {
	var next sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(not_before) FROM install_queue WHERE state = ?`, store.JobQueued,
	).Scan(&next)
	if err != nil {
		return time.Time{}, false, err
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	return fromNanos(next.Int64), true, nil
}

// GetJob looks in the queue first, then in the history.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*store.InstallJob, error) {
	job, err := scanQueued(s.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM install_queue WHERE id = ?`, id.String()))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	job, err = scanHistory(s.db.QueryRowContext(ctx,
		`SELECT `+historyColumns+` FROM job_history WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrUnknownJob, id)
	}
	return job, err
}

// ListJobs returns all queued jobs in the order the worker would run them,
// ignoring backoff deadlines.
func (s *Store) ListJobs(ctx context.Context) ([]store.InstallJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueColumns+`
		FROM install_queue
		ORDER BY created_at ASC, seq ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []store.InstallJob
	for rows.Next() {
		job, err := scanQueued(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// UpdateJob persists the worker-owned fields of a job.
func (s *Store) UpdateJob(ctx context.Context, job *store.InstallJob) error {
	job.UpdatedAt = s.now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE install_queue
		SET state = ?, attempt = ?, not_before = ?, last_error = ?, error_code = ?,
			platform_code = ?, session_id = ?, updated_at = ?
		WHERE id = ?
	`, job.State, job.Attempt, toNanos(job.NotBefore), job.LastError, job.ErrorCode,
		job.PlatformCode, job.SessionID, toNanos(job.UpdatedAt), job.ID.String())
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", job.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", store.ErrUnknownJob, job.ID)
	}
	return nil
}

// Finish moves a terminal job out of the queue and into the history.
func (s *Store) Finish(ctx context.Context, job *store.InstallJob) error {
	now := s.now().UTC()
	job.UpdatedAt = now
	job.FinishedAt = &now

	target, err := json.Marshal(job.Target)
	if err != nil {
		return fmt.Errorf("failed to encode target release: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM install_queue WHERE id = ?`, job.ID.String())
	if err != nil {
		return fmt.Errorf("failed to delete job from queue: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("%w: %s", store.ErrUnknownJob, job.ID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO job_history (`+historyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID.String(), job.Seq, job.PackageName, string(target), job.State, job.Attempt,
		job.Priority, toNanos(job.CreatedAt), toNanos(job.UpdatedAt), toNanos(now),
		job.LastError, job.ErrorCode, job.PlatformCode)
	if err != nil {
		return fmt.Errorf("failed to record job history: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM transfers WHERE job_id = ?`, job.ID.String()); err != nil {
		return fmt.Errorf("failed to delete transfer record: %w", err)
	}

	return tx.Commit()
}

// ListHistory returns finished jobs, newest first.
func (s *Store) ListHistory(ctx context.Context, limit int) ([]store.InstallJob, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+historyColumns+`
		FROM job_history
		ORDER BY finished_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []store.InstallJob
	for rows.Next() {
		job, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// Count returns the queue depth.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM install_queue`).Scan(&n)
	return n, err
}

func scanQueued(row rowScanner) (*store.InstallJob, error) {
	var (
		job                             store.InstallJob
		id, target                      string
		createdAt, updatedAt, notBefore int64
	)
	err := row.Scan(&id, &job.Seq, &job.PackageName, &target, &job.State, &job.Attempt,
		&job.Priority, &createdAt, &updatedAt, &notBefore, &job.LastError, &job.ErrorCode,
		&job.PlatformCode, &job.SessionID)
	if err != nil {
		return nil, err
	}
	if err := decodeJob(&job, id, target); err != nil {
		return nil, err
	}
	job.CreatedAt = fromNanos(createdAt)
	job.UpdatedAt = fromNanos(updatedAt)
	job.NotBefore = fromNanos(notBefore)
	return &job, nil
}

func scanHistory(row rowScanner) (*store.InstallJob, error) {
	var (
		job                              store.InstallJob
		id, target                       string
		createdAt, updatedAt, finishedAt int64
	)
	err := row.Scan(&id, &job.Seq, &job.PackageName, &target, &job.State, &job.Attempt,
		&job.Priority, &createdAt, &updatedAt, &finishedAt, &job.LastError, &job.ErrorCode,
		&job.PlatformCode)
	if err != nil {
		return nil, err
	}
	if err := decodeJob(&job, id, target); err != nil {
		return nil, err
	}
	job.CreatedAt = fromNanos(createdAt)
	job.UpdatedAt = fromNanos(updatedAt)
	finished := fromNanos(finishedAt)
	job.FinishedAt = &finished
	return &job, nil
}

func decodeJob(job *store.InstallJob, id, target string) error {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid job id %q: %w", id, err)
	}
	job.ID = parsed
	if err := json.Unmarshal([]byte(target), &job.Target); err != nil {
		return fmt.Errorf("invalid target release for job %s: %w", id, err)
	}
	return nil
}
