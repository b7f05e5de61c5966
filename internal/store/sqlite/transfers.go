package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"appfleet/internal/store"

	"github.com/google/uuid"
)

// SaveTransfer upserts the progress record of a resumable download.
func (s *Store) SaveTransfer(ctx context.Context, rec store.TransferRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transfers (job_id, url, part_path, bytes_done, total_bytes, etag, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			url = excluded.url,
			part_path = excluded.part_path,
			bytes_done = excluded.bytes_done,
			total_bytes = excluded.total_bytes,
			etag = excluded.etag,
			updated_at = excluded.updated_at
	`, rec.JobID.String(), rec.URL, rec.PartPath, rec.BytesDone, rec.TotalBytes, rec.ETag, toNanos(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save transfer for job %s: %w", rec.JobID, err)
	}
	return nil
}

// GetTransfer returns the transfer record for a job, or nil.
func (s *Store) GetTransfer(ctx context.Context, jobID uuid.UUID) (*store.TransferRecord, error) {
	var (
		rec       store.TransferRecord
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT url, part_path, bytes_done, total_bytes, etag, updated_at
		FROM transfers WHERE job_id = ?
	`, jobID.String()).Scan(&rec.URL, &rec.PartPath, &rec.BytesDone, &rec.TotalBytes, &rec.ETag, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.JobID = jobID
	rec.UpdatedAt = fromNanos(updatedAt)
	return &rec, nil
}

// DeleteTransfer removes the transfer record for a job.
func (s *Store) DeleteTransfer(ctx context.Context, jobID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM transfers WHERE job_id = ?`, jobID.String())
	return err
}
