package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"appfleet/internal/observability"
	"appfleet/internal/staging"
)

// StreamDownloader is the fallback path: one foreground GET streamed into the
// .part file. It keeps no progress record, so a failure starts over.
type StreamDownloader struct {
	base
}

// NewStream creates the fallback downloader.
func NewStream(client *http.Client, area *staging.Area, opts Options, logger *slog.Logger, metrics *observability.Instruments) *StreamDownloader {
	return &StreamDownloader{base: newBase(client, area, opts, logger, metrics)}
}

// Download implements Downloader.
func (d *StreamDownloader) Download(ctx context.Context, req Request) Outcome {
	if out, ok := d.reuse(req); ok {
		return out
	}
	if err := d.area.Prepare(req.Key); err != nil {
		return failed(&Error{Reason: ReasonStorage, Err: err})
	}
	if derr := d.ensureSpace(ctx, req, req.ExpectedSize); derr != nil {
		return failed(derr)
	}

	part := d.area.PartPath(req.Key)
	out := d.fetch(ctx, req, part)
	if out.Status != StatusCompleted {
		if err := os.Remove(part); err != nil && !errors.Is(err, os.ErrNotExist) {
			d.logger.WarnContext(ctx, "failed to remove partial file", "path", part, "error", err)
		}
		return out
	}

	path, err := d.area.Commit(req.Key)
	if err != nil {
		return failed(storageError(err))
	}
	d.logger.InfoContext(ctx, "download complete", "job_id", req.JobID, "package", req.Key.PackageName, "path", path)
	return completed(path)
}

func (d *StreamDownloader) fetch(ctx context.Context, req Request, part string) Outcome {
	w := newWatchdog(ctx, d.opts.StallTimeout)
	defer w.stop()

	httpReq, err := http.NewRequestWithContext(w.ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return failed(&Error{Reason: ReasonHTTP4xx, Err: fmt.Errorf("invalid artifact url: %w", err)})
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return cancelled()
		}
		return failed(classify(w, err))
	}
	defer resp.Body.Close()
	d.answered(resp)

	if resp.StatusCode != http.StatusOK {
		return failed(statusError(resp))
	}

	f, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return failed(storageError(err))
	}
	defer f.Close()

	n, err := pump(w, f, resp.Body, nil)
	d.metrics.DownloadBytes(ctx, "fallback", n)
	if err != nil {
		if ctx.Err() != nil {
			return cancelled()
		}
		return failed(classify(w, err))
	}
	if err := f.Close(); err != nil {
		return failed(storageError(err))
	}
	return completed(part)
}
