package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Queue is the durable ordered sequence of install jobs.
// Only the worker mutates job state; other callers enqueue and read.
type Queue interface {
	// Enqueue inserts job unless its package already has a non-terminal job,
	// in which case the existing job's id is returned and created is false.
	Enqueue(ctx context.Context, job *InstallJob) (id uuid.UUID, created bool, err error)

	// NextEligible returns the highest-priority, oldest QUEUED job whose
	// backoff has elapsed at now. Returns nil when nothing is eligible.
	NextEligible(ctx context.Context, now time.Time) (*InstallJob, error)

	// NextWakeup returns the earliest NotBefore among QUEUED jobs.
	NextWakeup(ctx context.Context) (time.Time, bool, error)

	// GetJob returns a queued job or, failing that, a finished one from history.
	GetJob(ctx context.Context, id uuid.UUID) (*InstallJob, error)

	// ListJobs returns a snapshot of all non-terminal jobs in queue order.
	ListJobs(ctx context.Context) ([]InstallJob, error)

	// UpdateJob persists the mutable fields of a queued job.
	UpdateJob(ctx context.Context, job *InstallJob) error

	// Finish removes a job from the queue and appends it to the history.
	Finish(ctx context.Context, job *InstallJob) error

	// ListHistory returns the most recent finished jobs, newest first.
	ListHistory(ctx context.Context, limit int) ([]InstallJob, error)

	// Count returns the number of queued jobs.
	Count(ctx context.Context) (int64, error)
}
