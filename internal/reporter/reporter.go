// Package reporter delivers outbound events to the fleet API at least once.
//
// Events are appended to a durable, bounded buffer first and uploaded in
// append order. A transient upload failure stops the flush so per-job
// ordering holds; the buffer is retried on the next network activity rather
// than on a timer.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"appfleet/internal/observability"
	"appfleet/internal/store"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"
)

// Event is what components report. The reporter fills in identity and time.
type Event struct {
	Type              store.EventType
	JobID             string
	PackageName       string
	TargetVersionCode int64
	Attempt           int
	Status            string
	Message           string
	Metadata          map[string]string
}

// Sender uploads one event. An error implementing Rejected() bool that
// returns true marks the event as permanently refused.
type Sender interface {
	SendEvent(ctx context.Context, ev store.OutboundEvent) error
}

type rejection interface {
	Rejected() bool
}

// Config holds reporter settings.
type Config struct {
	DeviceID string
	// Capacity bounds the buffer; the oldest events are evicted beyond it.
	Capacity int
	// BatchSize is how many events a flush reads at a time.
	BatchSize int
	// MinFlushInterval spaces out flushes triggered by network activity.
	MinFlushInterval time.Duration
}

// Reporter buffers and uploads events.
type Reporter struct {
	buf     store.EventBuffer
	sender  Sender
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Instruments
	limiter *rate.Limiter
	kick    chan struct{}
	flushMu sync.Mutex
	now     func() time.Time
}

// New creates a reporter.
func New(buf store.EventBuffer, sender Sender, cfg Config, logger *slog.Logger, metrics *observability.Instruments) *Reporter {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MinFlushInterval <= 0 {
		cfg.MinFlushInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		buf:     buf,
		sender:  sender,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		limiter: rate.NewLimiter(rate.Every(cfg.MinFlushInterval), 1),
		kick:    make(chan struct{}, 1),
		now:     time.Now,
	}
}

// EventID derives a stable id so that re-emitting the same event after a
// restart is deduplicated by the server. Events not tied to a job are keyed
// by time instead.
func EventID(deviceID string, ev Event, at time.Time) string {
	h := xxhash.New()
	h.WriteString(deviceID)
	h.WriteString("\x00")
	h.WriteString(ev.JobID)
	h.WriteString("\x00")
	h.WriteString(string(ev.Type))
	h.WriteString("\x00")
	h.WriteString(ev.Status)
	h.WriteString("\x00")
	h.WriteString(strconv.Itoa(ev.Attempt))
	if ev.JobID == "" {
		h.WriteString("\x00")
		h.WriteString(strconv.FormatInt(at.UnixNano(), 10))
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// Report appends ev to the buffer and schedules a delivery attempt.
// It never fails the caller; buffer errors are logged.
func (r *Reporter) Report(ctx context.Context, ev Event) {
	at := r.now().UTC()
	metadata := make(map[string]string, len(ev.Metadata)+1)
	for k, v := range ev.Metadata {
		metadata[k] = v
	}
	if ev.JobID != "" {
		metadata["attempt"] = strconv.Itoa(ev.Attempt)
	}

	out := &store.OutboundEvent{
		ID:                EventID(r.cfg.DeviceID, ev, at),
		DeviceID:          r.cfg.DeviceID,
		EventType:         ev.Type,
		JobID:             ev.JobID,
		PackageName:       ev.PackageName,
		TargetVersionCode: ev.TargetVersionCode,
		Status:            ev.Status,
		Message:           ev.Message,
		Metadata:          metadata,
		CreatedAt:         at,
	}

	dropped, err := r.buf.AppendEvent(context.WithoutCancel(ctx), out, r.cfg.Capacity)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to buffer event", "event_type", ev.Type, "status", ev.Status, "error", err)
		return
	}
	if dropped > 0 {
		total, _ := r.buf.DroppedEvents(context.WithoutCancel(ctx))
		r.logger.WarnContext(ctx, "events dropped", "dropped", dropped, "dropped_total", total, "capacity", r.cfg.Capacity)
		r.metrics.EventsDropped(ctx, dropped)
	}
	r.trigger()
}

// NetworkAvailable tells the reporter a remote call just succeeded.
func (r *Reporter) NetworkAvailable() {
	r.trigger()
}

func (r *Reporter) trigger() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run delivers buffered events whenever a report or network activity
// triggers it, at most once per MinFlushInterval. It returns when ctx is done.
func (r *Reporter) Run(ctx context.Context) error {
	r.trigger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.kick:
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return nil
		}
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.logger.DebugContext(ctx, "event upload deferred", "error", err)
		}
	}
}

// Flush uploads buffered events in order until the buffer is empty or an
// upload fails transiently. Rejected events are dropped and logged.
func (r *Reporter) Flush(ctx context.Context) (int, error) {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	sent := 0
	for {
		events, err := r.buf.PendingEvents(ctx, r.cfg.BatchSize)
		if err != nil {
			return sent, fmt.Errorf("failed to read event buffer: %w", err)
		}
		if len(events) == 0 {
			return sent, nil
		}

		for _, ev := range events {
			err := r.sender.SendEvent(ctx, ev)
			var rej rejection
			switch {
			case err == nil:
				sent++
			case errors.As(err, &rej) && rej.Rejected():
				r.logger.WarnContext(ctx, "event rejected by server, dropping",
					"event_id", ev.ID, "event_type", ev.EventType, "job_id", ev.JobID, "error", err)
			default:
				return sent, err
			}
			if err := r.buf.DeleteEvent(ctx, ev.Seq); err != nil {
				return sent, fmt.Errorf("failed to remove delivered event: %w", err)
			}
		}
	}
}

// Pending returns the number of buffered events.
func (r *Reporter) Pending(ctx context.Context) (int64, error) {
	return r.buf.CountEvents(ctx)
}
