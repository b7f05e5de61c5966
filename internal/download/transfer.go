package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"
)

var (
	errStalled = errors.New("no byte progress within stall timeout")
	errWrite   = errors.New("write to staging failed")
)

// watchdog cancels its context when kick is not called for d.
type watchdog struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	timer  *time.Timer
	d      time.Duration
}

func newWatchdog(parent context.Context, d time.Duration) *watchdog {
	ctx, cancel := context.WithCancelCause(parent)
	w := &watchdog{ctx: ctx, cancel: cancel, d: d}
	w.timer = time.AfterFunc(d, func() { cancel(errStalled) })
	return w
}

func (w *watchdog) kick() {
	w.timer.Reset(w.d)
}

func (w *watchdog) stop() {
	w.timer.Stop()
	w.cancel(nil)
}

func (w *watchdog) stalled() bool {
	return errors.Is(context.Cause(w.ctx), errStalled)
}

// pump copies src to dst, kicking the watchdog on every read that returns
// data. progress is called with the running total after each write.
func pump(w *watchdog, dst io.Writer, src io.Reader, progress func(written int64)) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			w.kick()
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("%w: %w", errWrite, werr)
			}
			written += int64(n)
			if progress != nil {
				progress(written)
			}
		}
		if errors.Is(rerr, io.EOF) {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// classify maps a transfer error to a failure reason. Callers check the
// parent context for cancellation first.
func classify(w *watchdog, err error) *Error {
	switch {
	case w.stalled():
		return &Error{Reason: ReasonStalled, Err: errStalled}
	case errors.Is(err, syscall.ENOSPC):
		return &Error{Reason: ReasonDiskFull, Err: err}
	case errors.Is(err, errWrite):
		return &Error{Reason: ReasonStorage, Err: err}
	}
	return &Error{Reason: ReasonNetworkUnavailable, Err: err}
}

func storageError(err error) *Error {
	if errors.Is(err, syscall.ENOSPC) {
		return &Error{Reason: ReasonDiskFull, Err: err}
	}
	return &Error{Reason: ReasonStorage, Err: err}
}

func statusError(resp *http.Response) *Error {
	reason := ReasonHTTP4xx
	if resp.StatusCode >= 500 {
		reason = ReasonHTTP5xx
	}
	return &Error{Reason: reason, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %s", resp.Status)}
}

// ensureSpace checks that need bytes fit on the staging filesystem, evicting
// artifacts that no job needs before giving up.
func (b *base) ensureSpace(ctx context.Context, req Request, need int64) *Error {
	if need <= 0 {
		return nil
	}
	want := uint64(need) + b.opts.MinFreeBytes

	free, err := b.area.FreeBytes(ctx)
	if err != nil {
		b.logger.WarnContext(ctx, "could not read free space", "error", err)
		return nil
	}
	if free >= want {
		return nil
	}

	var keep map[string]int64
	if b.opts.Keep != nil {
		if keep, err = b.opts.Keep(ctx); err != nil {
			return &Error{Reason: ReasonDiskFull, Err: fmt.Errorf("cannot list live artifacts: %w", err)}
		}
	}
	if keep == nil {
		keep = make(map[string]int64)
	}
	keep[req.Key.PackageName] = req.Key.VersionCode

	freed, err := b.area.Prune(keep)
	if err != nil {
		b.logger.WarnContext(ctx, "artifact eviction incomplete", "error", err)
	}
	b.logger.InfoContext(ctx, "evicted superseded artifacts", "freed_bytes", freed)

	if free, err = b.area.FreeBytes(ctx); err == nil && free >= want {
		return nil
	}
	return &Error{Reason: ReasonDiskFull, Err: fmt.Errorf("need %d bytes, %d free", want, free)}
}

// parseContentRange parses "bytes start-end/total". total is -1 when unknown.
func parseContentRange(v string) (start, total int64, ok bool) {
	v, found := strings.CutPrefix(v, "bytes ")
	if !found {
		return 0, 0, false
	}
	rng, size, found := strings.Cut(v, "/")
	if !found {
		return 0, 0, false
	}
	first, _, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if size == "*" {
		return start, -1, true
	}
	total, err = strconv.ParseInt(size, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return start, total, true
}
