package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"appfleet/internal/observability"
	"appfleet/internal/staging"
	"appfleet/internal/store"

	"github.com/cenkalti/backoff/v4"
)

// ResumableDownloader is the primary download path. Its progress lives in a
// transfer record next to the .part file, so an interrupted transfer picks
// up where it stopped, including after a process restart. Transient network
// loss is retried internally before the worker sees a failure.
type ResumableDownloader struct {
	base
	transfers store.TransferStore
}

// NewResumable creates the primary downloader.
func NewResumable(client *http.Client, area *staging.Area, transfers store.TransferStore, opts Options, logger *slog.Logger, metrics *observability.Instruments) *ResumableDownloader {
	return &ResumableDownloader{
		base:      newBase(client, area, opts, logger, metrics),
		transfers: transfers,
	}
}

type transferState struct {
	rec       store.TransferRecord
	saved     int64
	file      *os.File
	rangeable bool
}

func (st *transferState) restart() error {
	st.rec.BytesDone = 0
	st.rec.ETag = ""
	if err := st.file.Truncate(0); err != nil {
		return err
	}
	_, err := st.file.Seek(0, 0)
	return err
}

// Download implements Downloader.
func (d *ResumableDownloader) Download(ctx context.Context, req Request) Outcome {
	if out, ok := d.reuse(req); ok {
		return out
	}
	if err := d.area.Prepare(req.Key); err != nil {
		return failed(&Error{Reason: ReasonStorage, Err: err})
	}

	st := &transferState{rec: d.resumePoint(ctx, req)}
	logger := d.logger.With("job_id", req.JobID, "package", req.Key.PackageName)

	if derr := d.ensureSpace(ctx, req, req.ExpectedSize-st.rec.BytesDone); derr != nil {
		return failed(derr)
	}

	f, err := os.OpenFile(st.rec.PartPath, os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return failed(storageError(err))
	}
	defer f.Close()
	st.file = f

	if err := f.Truncate(st.rec.BytesDone); err != nil {
		return failed(storageError(err))
	}
	if _, err := f.Seek(st.rec.BytesDone, 0); err != nil {
		return failed(storageError(err))
	}
	if st.rec.BytesDone > 0 {
		logger.InfoContext(ctx, "resuming download", "offset", st.rec.BytesDone)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.RetryInitial
	b.MaxElapsedTime = d.opts.RetryMaxElapsed

	err = backoff.RetryNotify(
		func() error { return d.attempt(ctx, req, st) },
		backoff.WithContext(b, ctx),
		func(err error, next time.Duration) {
			logger.WarnContext(ctx, "download interrupted, retrying", "offset", st.rec.BytesDone, "retry_in", next, "error", err)
		},
	)
	d.checkpoint(ctx, st, true)

	if ctx.Err() != nil {
		return cancelled()
	}
	if err != nil {
		var derr *Error
		if errors.As(err, &derr) {
			return failed(derr)
		}
		return failed(&Error{Reason: ReasonNetworkUnavailable, Err: err})
	}

	if err := f.Close(); err != nil {
		return failed(storageError(err))
	}
	path, err := d.area.Commit(req.Key)
	if err != nil {
		return failed(storageError(err))
	}
	if err := d.transfers.DeleteTransfer(ctx, req.JobID); err != nil {
		logger.WarnContext(ctx, "failed to clear transfer record", "error", err)
	}
	logger.InfoContext(ctx, "download complete", "bytes", st.rec.BytesDone, "path", path)
	return completed(path)
}

// resumePoint returns the record to continue from. A record for another URL
// or without a matching partial file restarts the transfer.
func (d *ResumableDownloader) resumePoint(ctx context.Context, req Request) store.TransferRecord {
	part := d.area.PartPath(req.Key)
	fresh := store.TransferRecord{JobID: req.JobID, URL: req.URL, PartPath: part, TotalBytes: req.ExpectedSize}

	rec, err := d.transfers.GetTransfer(ctx, req.JobID)
	if err != nil {
		d.logger.WarnContext(ctx, "failed to read transfer record", "job_id", req.JobID, "error", err)
		return fresh
	}
	if rec == nil || rec.URL != req.URL || rec.PartPath != part {
		return fresh
	}

	info, err := os.Stat(part)
	if err != nil {
		return fresh
	}
	// The file may be ahead of the last checkpoint; never trust more than
	// the record says was durably written.
	rec.BytesDone = min(rec.BytesDone, info.Size())
	return *rec
}

// attempt performs one HTTP exchange. Errors that retrying cannot fix are
// wrapped in backoff.Permanent.
func (d *ResumableDownloader) attempt(ctx context.Context, req Request, st *transferState) error {
	w := newWatchdog(ctx, d.opts.StallTimeout)
	defer w.stop()

	httpReq, err := http.NewRequestWithContext(w.ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return backoff.Permanent(&Error{Reason: ReasonHTTP4xx, Err: fmt.Errorf("invalid artifact url: %w", err)})
	}
	if st.rec.BytesDone > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", st.rec.BytesDone))
		if st.rec.ETag != "" {
			httpReq.Header.Set("If-Range", st.rec.ETag)
		}
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return d.retryable(ctx, w, err)
	}
	defer resp.Body.Close()
	d.answered(resp)

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		start, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != st.rec.BytesDone {
			if err := st.restart(); err != nil {
				return backoff.Permanent(storageError(err))
			}
			return &Error{Reason: ReasonNetworkUnavailable, Err: errors.New("server returned an unexpected range")}
		}
		if total > 0 {
			st.rec.TotalBytes = total
		}
	case resp.StatusCode == http.StatusOK:
		if !st.rangeable && resp.Header.Get("Accept-Ranges") != "bytes" {
			return backoff.Permanent(&Error{Reason: ReasonUnavailable, Err: errors.New("server does not accept byte ranges")})
		}
		if st.rec.BytesDone > 0 {
			// Range ignored or the artifact changed under us.
			if err := st.restart(); err != nil {
				return backoff.Permanent(storageError(err))
			}
		}
		if resp.ContentLength > 0 {
			st.rec.TotalBytes = resp.ContentLength
		}
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		if st.rec.TotalBytes > 0 && st.rec.BytesDone == st.rec.TotalBytes {
			return nil
		}
		if err := st.restart(); err != nil {
			return backoff.Permanent(storageError(err))
		}
		return &Error{Reason: ReasonHTTP4xx, StatusCode: resp.StatusCode, Err: errors.New("stale partial file discarded")}
	default:
		derr := statusError(resp)
		if derr.Reason == ReasonHTTP5xx {
			return derr
		}
		return backoff.Permanent(derr)
	}

	st.rangeable = true
	if etag := resp.Header.Get("ETag"); etag != "" {
		st.rec.ETag = etag
	}
	d.checkpoint(ctx, st, true)

	offset := st.rec.BytesDone
	n, err := pump(w, st.file, resp.Body, func(written int64) {
		st.rec.BytesDone = offset + written
		d.checkpoint(ctx, st, false)
	})
	d.metrics.DownloadBytes(ctx, "primary", n)
	if err != nil {
		return d.retryable(ctx, w, err)
	}
	return nil
}

// retryable classifies err, marking everything but network loss permanent.
func (d *ResumableDownloader) retryable(ctx context.Context, w *watchdog, err error) error {
	if ctx.Err() != nil {
		return backoff.Permanent(ctx.Err())
	}
	derr := classify(w, err)
	if derr.Reason == ReasonNetworkUnavailable {
		return derr
	}
	return backoff.Permanent(derr)
}

// checkpoint persists progress every CheckpointBytes, or always when force is set.
func (d *ResumableDownloader) checkpoint(ctx context.Context, st *transferState, force bool) {
	if !force && st.rec.BytesDone-st.saved < d.opts.CheckpointBytes {
		return
	}
	if st.file != nil {
		if err := st.file.Sync(); err != nil {
			d.logger.WarnContext(ctx, "failed to sync partial file", "error", err)
			return
		}
	}
	if err := d.transfers.SaveTransfer(context.WithoutCancel(ctx), st.rec); err != nil {
		d.logger.WarnContext(ctx, "failed to save transfer progress", "job_id", st.rec.JobID, "error", err)
		return
	}
	st.saved = st.rec.BytesDone
}
