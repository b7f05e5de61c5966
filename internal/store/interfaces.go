package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrDuplicateJob is returned when a package already has a non-terminal job.
	ErrDuplicateJob = errors.New("duplicate job for package")
	// ErrUnknownJob is returned when no job has the given id.
	ErrUnknownJob = errors.New("unknown job id")
)

// TransferStore persists resumable download progress.
type TransferStore interface {
	// SaveTransfer inserts or replaces the transfer record for a job.
	SaveTransfer(ctx context.Context, rec TransferRecord) error

	// GetTransfer returns the record for a job, or nil when there is none.
	GetTransfer(ctx context.Context, jobID uuid.UUID) (*TransferRecord, error)

	// DeleteTransfer forgets the record for a job.
	DeleteTransfer(ctx context.Context, jobID uuid.UUID) error
}

// EventBuffer is the durable outbound event queue.
type EventBuffer interface {
	// AppendEvent stores ev, evicting the oldest events beyond capacity.
	// It returns how many events were evicted.
	AppendEvent(ctx context.Context, ev *OutboundEvent, capacity int) (int, error)

	// PendingEvents returns up to limit buffered events in append order.
	PendingEvents(ctx context.Context, limit int) ([]OutboundEvent, error)

	// DeleteEvent removes a delivered or rejected event.
	DeleteEvent(ctx context.Context, seq int64) error

	// CountEvents returns the number of buffered events.
	CountEvents(ctx context.Context) (int64, error)

	// DroppedEvents returns the total number of evicted events.
	DroppedEvents(ctx context.Context) (int64, error)
}

// BaselineStore keeps the installed set self-reported at the last sync.
type BaselineStore interface {
	InstalledBaseline(ctx context.Context) (map[string]int64, error)
	ReplaceBaseline(ctx context.Context, installed map[string]int64) error
	SetBaselineVersion(ctx context.Context, packageName string, versionCode int64) error
}

// Store is the full persistence surface used by the agent.
type Store interface {
	Queue
	TransferStore
	EventBuffer
	BaselineStore
	Ping(ctx context.Context) error
	Close() error
}
