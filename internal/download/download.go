// Package download fetches release artifacts into the staging area.
//
// Two paths share one outcome contract: ResumableDownloader persists its
// progress and resumes with HTTP range requests, StreamDownloader performs a
// single streamed GET. Auto prefers the first and falls back to the second
// when the server cannot serve ranges.
package download

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"appfleet/internal/observability"
	"appfleet/internal/staging"

	"github.com/google/uuid"
)

// Reason classifies a failed download.
type Reason string

const (
	ReasonStalled            Reason = "STALLED"
	ReasonNetworkUnavailable Reason = "NETWORK_UNAVAILABLE"
	ReasonHTTP4xx            Reason = "HTTP_4XX"
	ReasonHTTP5xx            Reason = "HTTP_5XX"
	ReasonDiskFull           Reason = "DISK_FULL"
	ReasonStorage            Reason = "STORAGE_ERROR"
	// ReasonUnavailable means this download path cannot serve the request
	// and another path should be tried.
	ReasonUnavailable Reason = "UNAVAILABLE"
)

// Error describes why a download failed.
type Error struct {
	Reason     Reason
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := "download failed: " + string(e.Reason)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the job should be retried after backoff.
// Client errors are final except request timeout and rate limiting.
func (e *Error) Retryable() bool {
	switch e.Reason {
	case ReasonStalled, ReasonNetworkUnavailable, ReasonHTTP5xx, ReasonDiskFull, ReasonStorage:
		return true
	case ReasonHTTP4xx:
		return e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// Status is the terminal status of one download.
type Status string

const (
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Outcome is what a Downloader reports back to the worker.
type Outcome struct {
	Status Status
	// Path is the canonical artifact path when Status is StatusCompleted.
	Path string
	// Reused is set when a previously verified artifact was found in place.
	Reused bool
	Err    *Error
}

func completed(path string) Outcome { return Outcome{Status: StatusCompleted, Path: path} }
func failed(err *Error) Outcome     { return Outcome{Status: StatusFailed, Err: err} }
func cancelled() Outcome            { return Outcome{Status: StatusCancelled} }

// Request names the artifact to fetch.
type Request struct {
	JobID uuid.UUID
	URL   string
	Key   staging.Key
	// ExpectedSize is the declared artifact size, or <= 0 when unknown.
	ExpectedSize int64
}

// Downloader fetches one artifact. Implementations never return an artifact
// at its canonical path unless the transfer finished.
type Downloader interface {
	Download(ctx context.Context, req Request) Outcome
}

// ArtifactSet returns, per package, the artifact version that has to survive
// eviction.
type ArtifactSet func(ctx context.Context) (map[string]int64, error)

// Options tune both download paths.
type Options struct {
	// StallTimeout fails a transfer that makes no byte progress for this long.
	StallTimeout time.Duration
	// MinFreeBytes is kept free on the staging filesystem beyond the artifact size.
	MinFreeBytes uint64
	// Keep lists artifacts that eviction must not touch.
	Keep ArtifactSet
	// CheckpointBytes is how often the resumable path persists progress.
	CheckpointBytes int64
	// RetryInitial and RetryMaxElapsed bound the resumable path's internal retries.
	RetryInitial    time.Duration
	RetryMaxElapsed time.Duration
	// OnReachable is called whenever the artifact server answers below 500.
	OnReachable func()
}

func (o Options) withDefaults() Options {
	if o.StallTimeout <= 0 {
		o.StallTimeout = 60 * time.Second
	}
	if o.CheckpointBytes <= 0 {
		o.CheckpointBytes = 1 << 20
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = time.Second
	}
	if o.RetryMaxElapsed <= 0 {
		o.RetryMaxElapsed = 2 * time.Minute
	}
	return o
}

// Download modes.
const (
	ModeAuto       = "auto"
	ModeBackground = "background"
	ModeForeground = "foreground"
)

// ForMode picks the downloader for a configured mode.
func ForMode(mode string, primary, fallback Downloader, logger *slog.Logger) (Downloader, error) {
	switch mode {
	case "", ModeAuto:
		return &Auto{Primary: primary, Fallback: fallback, Logger: logger}, nil
	case ModeBackground:
		return primary, nil
	case ModeForeground:
		return fallback, nil
	}
	return nil, fmt.Errorf("unknown download mode %q", mode)
}

// Auto tries the primary path and falls back when it is unavailable.
type Auto struct {
	Primary  Downloader
	Fallback Downloader
	Logger   *slog.Logger
}

// Download implements Downloader.
func (a *Auto) Download(ctx context.Context, req Request) Outcome {
	out := a.Primary.Download(ctx, req)
	if out.Status != StatusFailed || out.Err.Reason != ReasonUnavailable {
		return out
	}
	if a.Logger != nil {
		a.Logger.InfoContext(ctx, "resumable download unavailable, using streamed fetch",
			"package", req.Key.PackageName, "error", out.Err)
	}
	return a.Fallback.Download(ctx, req)
}

// base carries what both download paths share.
type base struct {
	client  *http.Client
	area    *staging.Area
	opts    Options
	logger  *slog.Logger
	metrics *observability.Instruments
}

func newBase(client *http.Client, area *staging.Area, opts Options, logger *slog.Logger, metrics *observability.Instruments) base {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return base{client: client, area: area, opts: opts.withDefaults(), logger: logger, metrics: metrics}
}

func (b *base) answered(resp *http.Response) {
	if resp.StatusCode < 500 && b.opts.OnReachable != nil {
		b.opts.OnReachable()
	}
}

// reuse returns the canonical path when a verified artifact is already staged.
// An unverified file under the canonical name is removed.
func (b *base) reuse(req Request) (Outcome, bool) {
	if b.area.Verified(req.Key) {
		return Outcome{Status: StatusCompleted, Path: b.area.ArtifactPath(req.Key), Reused: true}, true
	}
	if err := b.area.DiscardUnverified(req.Key); err != nil {
		b.logger.Warn("failed to discard unverified artifact", "package", req.Key.PackageName, "error", err)
	}
	return Outcome{}, false
}
