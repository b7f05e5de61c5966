package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"appfleet/internal/store"

	json "github.com/goccy/go-json"
)

const droppedEventsCounter = "events_dropped"

// AppendEvent buffers an event. An event whose id is already buffered is
// ignored. When the buffer exceeds capacity the oldest events are evicted and
// counted.
func (s *Store) AppendEvent(ctx context.Context, ev *store.OutboundEvent, capacity int) (int, error) {
	metadata, err := json.Marshal(ev.Metadata)
	if err != nil {
		return 0, fmt.Errorf("failed to encode event metadata: %w", err)
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO outbound_events
			(id, device_id, event_type, job_id, package_name, target_version_code, status, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.DeviceID, ev.EventType, ev.JobID, ev.PackageName, ev.TargetVersionCode,
		ev.Status, ev.Message, string(metadata), toNanos(ev.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("failed to buffer event: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		if ev.Seq, err = res.LastInsertId(); err != nil {
			return 0, err
		}
	}

	dropped := 0
	if capacity > 0 {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbound_events`).Scan(&count); err != nil {
			return 0, err
		}
		if excess := count - capacity; excess > 0 {
			_, err := tx.ExecContext(ctx, `
				DELETE FROM outbound_events
				WHERE seq IN (SELECT seq FROM outbound_events ORDER BY seq ASC LIMIT ?)
			`, excess)
			if err != nil {
				return 0, fmt.Errorf("failed to evict events: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO counters (name, value) VALUES (?, ?)
				ON CONFLICT(name) DO UPDATE SET value = value + excluded.value
			`, droppedEventsCounter, excess)
			if err != nil {
				return 0, fmt.Errorf("failed to count dropped events: %w", err)
			}
			dropped = excess
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return dropped, nil
}

// PendingEvents returns buffered events oldest first.
func (s *Store) PendingEvents(ctx context.Context, limit int) ([]store.OutboundEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, device_id, event_type, job_id, package_name, target_version_code,
			status, message, metadata, created_at
		FROM outbound_events
		ORDER BY seq ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboundEvent
	for rows.Next() {
		var (
			ev        store.OutboundEvent
			metadata  string
			createdAt int64
		)
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.DeviceID, &ev.EventType, &ev.JobID, &ev.PackageName,
			&ev.TargetVersionCode, &ev.Status, &ev.Message, &metadata, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metadata), &ev.Metadata); err != nil {
			return nil, fmt.Errorf("invalid metadata for event %s: %w", ev.ID, err)
		}
		ev.CreatedAt = fromNanos(createdAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// DeleteEvent removes an event from the buffer.
func (s *Store) DeleteEvent(ctx context.Context, seq int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM outbound_events WHERE seq = ?`, seq)
	return err
}

// CountEvents returns the buffer length.
func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbound_events`).Scan(&n)
	return n, err
}

// DroppedEvents returns how many events have been evicted over the store's lifetime.
func (s *Store) DroppedEvents(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM counters WHERE name = ?`, droppedEventsCounter,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}
