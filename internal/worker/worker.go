// Package worker drives install jobs through download, verification and
// installation.
//
// A single goroutine owns every job state change. Stages run in their own
// goroutines and post their outcome back to that loop; cancel and resolve
// requests take the same path, so job rows are never written concurrently.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"appfleet/internal/catalog"
	"appfleet/internal/download"
	"appfleet/internal/logger"
	"appfleet/internal/observability"
	"appfleet/internal/platform"
	"appfleet/internal/reporter"
	"appfleet/internal/staging"
	"appfleet/internal/store"
	"appfleet/internal/verify"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrJobFinished is returned when cancelling or resolving a job that
	// already reached a terminal state.
	ErrJobFinished = errors.New("job already finished")
	// ErrNotPending is returned when resolving a job that is not waiting for
	// user action.
	ErrNotPending = errors.New("job is not waiting for user action")
	// ErrStopped is returned once the worker loop has exited.
	ErrStopped = errors.New("worker stopped")
)

// EventReporter receives lifecycle events. *reporter.Reporter implements it.
type EventReporter interface {
	Report(ctx context.Context, ev reporter.Event)
}

// URLResolver turns a release file reference into a download URL.
type URLResolver func(fileRef string) (string, error)

// Config holds worker settings.
type Config struct {
	Retry RetryPolicy
	// InstallTimeout bounds one install session (default: 10m).
	InstallTimeout time.Duration
	// IdlePoll is the longest the loop sleeps without checking the queue (default: 30s).
	IdlePoll time.Duration
}

// Deps are the collaborators the worker drives. Baseline, Reporter,
// ResolveURL and Metrics are optional.
type Deps struct {
	Queue      store.Queue
	Baseline   store.BaselineStore
	Staging    *staging.Area
	Downloader download.Downloader
	Verifier   verify.Verifier
	Installer  platform.Installer
	Reporter   EventReporter
	ResolveURL URLResolver
	Logger     *slog.Logger
	Metrics    *observability.Instruments
	Now        func() time.Time
}

// Worker runs install jobs one at a time.
type Worker struct {
	deps   Deps
	cfg    Config
	tracer trace.Tracer

	inbox    chan any
	wake     chan struct{}
	stopping chan struct{}
	done     chan struct{}
	stages   sync.WaitGroup

	// Owned by the Run goroutine.
	active   *activeJob
	stranded *strandedJob
	token    uint64
}

// strandedJob is a job whose last state write failed. It holds the pipeline
// until its row is settled, so no second job enters a stage meanwhile.
type strandedJob struct {
	job *store.InstallJob
	// event is the terminal event still to apply; empty means requeue.
	event string
}

// activeJob is the job currently holding the pipeline.
type activeJob struct {
	job    *store.InstallJob
	ctx    context.Context
	span   trace.Span
	logger *slog.Logger
	// token identifies the running stage; outcomes carrying another token are stale.
	token           uint64
	stageCancel     context.CancelFunc
	installTimer    *time.Timer
	cancelRequested bool
}

func (a *activeJob) key() staging.Key {
	return keyOf(a.job)
}

type downloadDone struct {
	token   uint64
	outcome download.Outcome
}

type verifyDone struct {
	token uint64
	path  string
	err   error
}

type installResult struct {
	token  uint64
	result platform.SessionResult
}

type installTimedOut struct {
	token uint64
}

type cancelRequest struct {
	id    uuid.UUID
	reply chan error
}

type resolveRequest struct {
	id      uuid.UUID
	success bool
	code    int
	message string
	reply   chan error
}

// failure is a stage failure on its way to retry or terminal state.
type failure struct {
	code         string
	message      string
	platformCode int
	retryable    bool
}

// New creates a worker.
func New(deps Deps, cfg Config) *Worker {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg.Retry = cfg.Retry.withDefaults()
	if cfg.InstallTimeout <= 0 {
		cfg.InstallTimeout = 10 * time.Minute
	}
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = 30 * time.Second
	}

	return &Worker{
		deps:     deps,
		cfg:      cfg,
		tracer:   otel.Tracer("appfleet/worker"),
		inbox:    make(chan any, 16),
		wake:     make(chan struct{}, 1),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Done returns a channel that is closed when the worker has fully stopped.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Notify wakes the loop to look for eligible work.
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
		// Already a wakeup pending
	}
}

// Enqueue creates a job for candidate unless its package already has one.
// The existing job's id is returned with created=false in that case.
func (w *Worker) Enqueue(ctx context.Context, c catalog.UpdateCandidate, priority int) (uuid.UUID, bool, error) {
	job := &store.InstallJob{
		PackageName: c.PackageName,
		Target:      c.Target,
		Priority:    priority,
	}
	id, created, err := w.deps.Queue.Enqueue(ctx, job)
	if err != nil {
		return uuid.Nil, false, err
	}

	log := logger.FromContext(logger.WithJobID(ctx, id.String()), w.deps.Logger)
	if !created {
		log.DebugContext(ctx, "package already has a job", "package", c.PackageName)
		return id, false, nil
	}
	log.InfoContext(ctx, "job enqueued",
		"package", c.PackageName, "version_code", c.Target.VersionCode, "priority", priority)
	w.Notify()
	return id, true, nil
}

// Cancel stops a job. A queued or pending job is cancelled at once; an
// active job is cancelled at its next stage boundary. An install session
// that already started is allowed to report first.
func (w *Worker) Cancel(ctx context.Context, id uuid.UUID) error {
	reply := make(chan error, 1)
	return w.request(ctx, cancelRequest{id: id, reply: reply}, reply)
}

// ResolvePending records the user's answer to an install that was waiting
// for confirmation. code is the platform failure code when success is false.
func (w *Worker) ResolvePending(ctx context.Context, id uuid.UUID, success bool, code int, message string) error {
	reply := make(chan error, 1)
	return w.request(ctx, resolveRequest{id: id, success: success, code: code, message: message, reply: reply}, reply)
}

func (w *Worker) request(ctx context.Context, msg any, reply chan error) error {
	select {
	case w.inbox <- msg:
	case <-w.stopping:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-w.stopping:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post delivers a stage outcome to the loop.
func (w *Worker) post(msg any) {
	select {
	case w.inbox <- msg:
	case <-w.stopping:
	}
}

// Run recovers interrupted jobs and then processes the queue until ctx is
// cancelled. A stage in flight at shutdown is abandoned and restarted by the
// recovery pass of the next run.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)

	if err := w.recoverJobs(ctx); err != nil {
		close(w.stopping)
		return fmt.Errorf("failed to recover jobs: %w", err)
	}
	w.deps.Logger.InfoContext(ctx, "worker started")

	for {
		if w.active == nil && w.settleStranded(ctx) {
			w.startNext(ctx)
		}

		timer := time.NewTimer(w.idleWait(ctx))
		select {
		case <-ctx.Done():
			timer.Stop()
			w.shutdown()
			return nil
		case msg := <-w.inbox:
			w.handle(ctx, msg)
		case <-w.wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (w *Worker) shutdown() {
	w.deps.Logger.Info("worker stopping")
	close(w.stopping)
	if a := w.active; a != nil {
		if a.installTimer != nil {
			a.installTimer.Stop()
		}
		if a.stageCancel != nil {
			a.stageCancel()
		}
		a.span.SetStatus(codes.Error, "worker stopped")
		a.span.End()
		w.active = nil
	}
	w.stages.Wait()
}

// idleWait is how long the loop sleeps when nothing else wakes it.
func (w *Worker) idleWait(ctx context.Context) time.Duration {
	if w.active != nil || w.stranded != nil {
		return w.cfg.IdlePoll
	}
	next, ok, err := w.deps.Queue.NextWakeup(ctx)
	if err != nil || !ok {
		return w.cfg.IdlePoll
	}
	d := next.Sub(w.deps.Now())
	if d < 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	return min(d, w.cfg.IdlePoll)
}

// recoverJobs reconciles jobs left mid-pipeline by a previous run.
func (w *Worker) recoverJobs(ctx context.Context) error {
	jobs, err := w.deps.Queue.ListJobs(ctx)
	if err != nil {
		return err
	}
	for i := range jobs {
		job := &jobs[i]
		jctx := logger.WithJobID(ctx, job.ID.String())
		log := logger.FromContext(jctx, w.deps.Logger)

		switch {
		case job.State == store.JobInstallSuccess:
			log.InfoContext(ctx, "completing job installed before restart")
			if err := w.complete(jctx, job, eventSucceed); err != nil {
				log.ErrorContext(ctx, "failed to finish job", "error", err)
				w.stranded = &strandedJob{job: job, event: eventSucceed}
			}
		case job.State.Interrupted():
			was := job.State
			if err := w.requeue(jctx, job, 0); err != nil {
				return err
			}
			log.InfoContext(ctx, "requeued interrupted job", "was", was)
		}
	}
	return nil
}

// requeue sends a job cut off mid-pipeline back to QUEUED, eligible again
// after delay. Staged bytes that were never verified are dropped.
func (w *Worker) requeue(ctx context.Context, job *store.InstallJob, delay time.Duration) error {
	if err := w.deps.Staging.DiscardUnverified(keyOf(job)); err != nil {
		logger.FromContext(ctx, w.deps.Logger).WarnContext(ctx, "failed to discard unverified artifact", "error", err)
	}
	job.SessionID = ""
	if delay > 0 {
		job.NotBefore = w.deps.Now().Add(delay).UTC()
	}
	return w.transition(ctx, job, eventRestart)
}

// settleStranded retries the state write of a stranded job. It reports
// whether the pipeline is free for the next job.
func (w *Worker) settleStranded(ctx context.Context) bool {
	s := w.stranded
	if s == nil {
		return true
	}
	jctx := logger.WithJobID(ctx, s.job.ID.String())
	log := logger.FromContext(jctx, w.deps.Logger)

	var err error
	switch {
	case s.event != "":
		err = w.complete(jctx, s.job, s.event)
	case s.job.State == store.JobInstallSuccess:
		err = w.complete(jctx, s.job, eventSucceed)
	case s.job.State.Interrupted():
		err = w.requeue(jctx, s.job, w.cfg.Retry.Delay(s.job.Attempt))
		if err == nil {
			log.InfoContext(ctx, "requeued job after failed state update", "not_before", s.job.NotBefore)
		}
	}
	if err != nil {
		log.WarnContext(ctx, "job state still not stored", "state", s.job.State, "error", err)
		return false
	}
	w.stranded = nil
	return true
}

// startNext claims the next eligible job and starts its download.
func (w *Worker) startNext(ctx context.Context) {
	job, err := w.deps.Queue.NextEligible(ctx, w.deps.Now())
	if err != nil {
		w.deps.Logger.ErrorContext(ctx, "failed to select next job", "error", err)
		return
	}
	if job == nil {
		return
	}

	jctx := logger.WithJobID(ctx, job.ID.String())
	jctx, span := w.tracer.Start(jctx, "install_job",
		trace.WithAttributes(
			attribute.String("job.id", job.ID.String()),
			attribute.String("job.package", job.PackageName),
			attribute.Int64("job.version_code", job.Target.VersionCode),
			attribute.Int("job.attempt", job.Attempt),
		),
	)
	a := &activeJob{job: job, ctx: jctx, span: span, logger: logger.FromContext(jctx, w.deps.Logger)}
	w.active = a

	if err := w.transition(jctx, job, eventStart); err != nil {
		a.logger.ErrorContext(ctx, "failed to start job", "error", err)
		span.RecordError(err)
		w.release(a)
		return
	}
	a.logger.InfoContext(ctx, "job started", "package", job.PackageName,
		"version_code", job.Target.VersionCode, "attempt", job.Attempt)
	w.report(jctx, job, store.EventDownload, "STARTED", "", nil)
	w.startDownload(a)
}

func (w *Worker) nextToken(a *activeJob) uint64 {
	w.token++
	a.token = w.token
	return a.token
}

// stage runs fn in a goroutine with a cancellable, traced context.
func (w *Worker) stage(a *activeJob, name string, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(a.ctx)
	a.stageCancel = cancel
	w.stages.Add(1)
	go func() {
		defer w.stages.Done()
		ctx, span := w.tracer.Start(ctx, name)
		defer span.End()
		fn(ctx)
	}()
}

func (w *Worker) startDownload(a *activeJob) {
	url := a.job.Target.FileRef
	if w.deps.ResolveURL != nil {
		var err error
		if url, err = w.deps.ResolveURL(a.job.Target.FileRef); err != nil {
			w.report(a.ctx, a.job, store.EventDownload, "FAILED", err.Error(), nil)
			w.fail(a, failure{code: "INVALID_FILE_REF", message: err.Error()})
			return
		}
	}

	req := download.Request{
		JobID:        a.job.ID,
		URL:          url,
		Key:          a.key(),
		ExpectedSize: a.job.Target.FileSizeBytes,
	}
	token := w.nextToken(a)
	w.stage(a, "download", func(ctx context.Context) {
		out := w.deps.Downloader.Download(ctx, req)
		w.post(downloadDone{token: token, outcome: out})
	})
}

func (w *Worker) startVerify(a *activeJob, path string) {
	size, sum := a.job.Target.FileSizeBytes, a.job.Target.SHA256
	token := w.nextToken(a)
	w.stage(a, "verify", func(ctx context.Context) {
		err := w.deps.Verifier.Verify(ctx, path, size, sum)
		w.post(verifyDone{token: token, path: path, err: err})
	})
}

// startInstall hands a verified artifact to the platform installer.
func (w *Worker) startInstall(a *activeJob, path string) {
	if !w.deps.Staging.Verified(a.key()) {
		w.fail(a, failure{code: "ARTIFACT_MISSING", message: "verified artifact is no longer staged", retryable: true})
		return
	}
	if err := w.transition(a.ctx, a.job, eventInstall); err != nil {
		w.abandon(a, err)
		return
	}
	w.report(a.ctx, a.job, store.EventInstall, "STARTED", "", nil)

	token := w.nextToken(a)
	ctx, cancel := context.WithTimeout(a.ctx, w.cfg.InstallTimeout)
	a.stageCancel = cancel

	sessionID, err := w.deps.Installer.BeginInstall(ctx, path, func(res platform.SessionResult) {
		w.post(installResult{token: token, result: res})
	})
	if err != nil {
		cancel()
		w.installFailed(a, platform.SessionResult{
			Status:  platform.SessionFailure,
			Code:    platform.CodeFailure,
			Message: err.Error(),
		})
		return
	}

	a.installTimer = time.AfterFunc(w.cfg.InstallTimeout, func() {
		w.post(installTimedOut{token: token})
	})
	a.job.SessionID = sessionID
	if err := w.deps.Queue.UpdateJob(a.ctx, a.job); err != nil {
		a.logger.WarnContext(a.ctx, "failed to record install session", "error", err)
	}
	a.logger.InfoContext(a.ctx, "install session started", "session_id", sessionID)
}

// handle applies one inbox message.
func (w *Worker) handle(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case downloadDone:
		if a := w.current(m.token); a != nil {
			w.onDownload(a, m.outcome)
		}
	case verifyDone:
		if a := w.current(m.token); a != nil {
			w.onVerify(a, m.path, m.err)
		}
	case installResult:
		if a := w.current(m.token); a != nil {
			w.onInstall(a, m.result)
		}
	case installTimedOut:
		if a := w.current(m.token); a != nil {
			a.logger.WarnContext(a.ctx, "install session timed out", "timeout", w.cfg.InstallTimeout)
			w.installFailed(a, platform.SessionResult{
				SessionID: a.job.SessionID,
				Status:    platform.SessionFailure,
				Code:      platform.CodeTimeout,
				Message:   fmt.Sprintf("no result within %s", w.cfg.InstallTimeout),
			})
		}
	case cancelRequest:
		m.reply <- w.cancel(ctx, m.id)
	case resolveRequest:
		m.reply <- w.resolve(ctx, m)
	}
}

// current returns the active job if token belongs to its running stage.
func (w *Worker) current(token uint64) *activeJob {
	a := w.active
	if a == nil || a.token != token {
		return nil
	}
	if a.stageCancel != nil {
		a.stageCancel()
		a.stageCancel = nil
	}
	if a.installTimer != nil {
		a.installTimer.Stop()
		a.installTimer = nil
	}
	return a
}

func (w *Worker) onDownload(a *activeJob, out download.Outcome) {
	switch out.Status {
	case download.StatusCancelled:
		if a.cancelRequested {
			w.finishActive(a, eventCancel)
			return
		}
		// Only the loop cancels downloads, so this is a stale stop.
		w.fail(a, failure{code: "CANCELLED", message: "download stopped", retryable: true})

	case download.StatusFailed:
		w.report(a.ctx, a.job, store.EventDownload, "FAILED", out.Err.Error(),
			map[string]string{"reason": string(out.Err.Reason)})
		if a.cancelRequested {
			w.finishActive(a, eventCancel)
			return
		}
		w.fail(a, failure{code: string(out.Err.Reason), message: out.Err.Error(), retryable: out.Err.Retryable()})

	case download.StatusCompleted:
		w.report(a.ctx, a.job, store.EventDownload, "COMPLETED", "",
			map[string]string{"reused": strconv.FormatBool(out.Reused)})
		if a.cancelRequested {
			w.finishActive(a, eventCancel)
			return
		}
		if err := w.transition(a.ctx, a.job, eventDownloaded); err != nil {
			w.abandon(a, err)
			return
		}
		if err := w.transition(a.ctx, a.job, eventVerify); err != nil {
			w.abandon(a, err)
			return
		}
		w.startVerify(a, out.Path)
	}
}

func (w *Worker) onVerify(a *activeJob, path string, err error) {
	if a.cancelRequested {
		w.finishActive(a, eventCancel)
		return
	}

	if err != nil {
		var mismatch *verify.MismatchError
		meta := map[string]string{}
		if errors.As(err, &mismatch) {
			meta["kind"] = string(mismatch.Kind)
		}
		w.report(a.ctx, a.job, store.EventVerify, "FAILED", err.Error(), meta)
		if derr := w.deps.Staging.Discard(a.key()); derr != nil {
			a.logger.WarnContext(a.ctx, "failed to discard artifact", "error", derr)
		}
		if mismatch != nil {
			// The same bytes would be served again; retrying cannot help.
			w.fail(a, failure{code: string(mismatch.Kind), message: err.Error()})
			return
		}
		w.fail(a, failure{code: "VERIFY_ERROR", message: err.Error(), retryable: true})
		return
	}

	if err := w.deps.Staging.MarkVerified(a.key()); err != nil {
		w.fail(a, failure{code: string(download.ReasonStorage), message: err.Error(), retryable: true})
		return
	}
	if err := w.transition(a.ctx, a.job, eventVerified); err != nil {
		w.abandon(a, err)
		return
	}
	w.report(a.ctx, a.job, store.EventVerify, "PASSED", "", nil)
	w.startInstall(a, path)
}

func (w *Worker) onInstall(a *activeJob, res platform.SessionResult) {
	if res.SessionID != "" && a.job.SessionID != "" && res.SessionID != a.job.SessionID {
		a.logger.WarnContext(a.ctx, "ignoring result for another session", "session_id", res.SessionID)
		return
	}

	switch res.Status {
	case platform.SessionSuccess:
		if err := w.transition(a.ctx, a.job, eventInstallSuccess); err != nil {
			w.abandon(a, err)
			return
		}
		w.report(a.ctx, a.job, store.EventInstall, "SUCCESS", "", nil)
		w.finishActive(a, eventSucceed)

	case platform.SessionPendingUserAction:
		if err := w.transition(a.ctx, a.job, eventInstallPending); err != nil {
			w.abandon(a, err)
			return
		}
		w.report(a.ctx, a.job, store.EventInstall, "PENDING_USER_ACTION", res.Message, nil)
		if a.cancelRequested {
			w.finishActive(a, eventCancel)
			return
		}
		a.logger.InfoContext(a.ctx, "install waiting for user action", "session_id", a.job.SessionID)
		w.release(a)

	default:
		w.installFailed(a, res)
	}
}

func (w *Worker) installFailed(a *activeJob, res platform.SessionResult) {
	ierr := newInstallError(res)
	a.job.PlatformCode = res.Code
	if err := w.transition(a.ctx, a.job, eventInstallFailed); err != nil {
		w.abandon(a, err)
		return
	}
	w.report(a.ctx, a.job, store.EventInstall, "FAILED", ierr.Error(), map[string]string{
		"class":         string(ierr.Class),
		"platform_code": strconv.Itoa(res.Code),
	})
	if a.cancelRequested {
		w.finishActive(a, eventCancel)
		return
	}
	w.fail(a, failure{
		code:         string(ierr.Class),
		message:      ierr.Error(),
		platformCode: res.Code,
		retryable:    ierr.Retryable(),
	})
}

// fail schedules a retry for a retryable failure with attempts left, and
// finishes the job as FAILED otherwise.
func (w *Worker) fail(a *activeJob, f failure) {
	job := a.job
	job.LastError = f.message
	job.ErrorCode = f.code
	if f.platformCode != 0 {
		job.PlatformCode = f.platformCode
	}
	a.span.RecordError(errors.New(f.message))

	if !f.retryable {
		a.logger.WarnContext(a.ctx, "job failed", "error_code", f.code, "error", f.message)
		w.finishActive(a, eventFail)
		return
	}

	delay := w.cfg.Retry.Delay(job.Attempt)
	job.Attempt++
	if w.cfg.Retry.Exhausted(job.Attempt) {
		a.logger.WarnContext(a.ctx, "retries exhausted", "attempts", job.Attempt, "error_code", f.code, "error", f.message)
		w.finishActive(a, eventFail)
		return
	}

	job.NotBefore = w.deps.Now().Add(delay).UTC()
	job.SessionID = ""
	if err := w.transition(a.ctx, job, eventRetry); err != nil {
		w.abandon(a, err)
		return
	}
	w.deps.Metrics.JobRetried(a.ctx, f.code)
	w.report(a.ctx, job, store.EventResult, "RETRY_SCHEDULED", f.message, map[string]string{
		"error_code": f.code,
		"delay":      delay.String(),
		"not_before": job.NotBefore.Format(time.RFC3339),
	})
	a.logger.InfoContext(a.ctx, "retry scheduled", "attempt", job.Attempt, "delay", delay, "error_code", f.code)
	w.release(a)
}

// finishActive completes the active job and frees the pipeline.
func (w *Worker) finishActive(a *activeJob, event string) {
	if err := w.complete(a.ctx, a.job, event); err != nil {
		a.logger.ErrorContext(a.ctx, "failed to finish job", "event", event, "error", err)
		a.span.RecordError(err)
		w.stranded = &strandedJob{job: a.job, event: event}
	} else if a.job.State == store.JobFailed {
		a.span.SetStatus(codes.Error, a.job.ErrorCode)
	}
	w.release(a)
}

// complete moves job to the terminal state event leads to, records it in
// history and clears its staged files. When the row cannot be written job
// keeps its previous state.
func (w *Worker) complete(ctx context.Context, job *store.InstallJob, event string) error {
	log := logger.FromContext(ctx, w.deps.Logger)

	next, err := nextState(ctx, job.State, event)
	if err != nil {
		log.ErrorContext(ctx, "invalid terminal transition", "error", err)
		switch event {
		case eventSucceed:
			next = store.JobSucceeded
		case eventCancel:
			next = store.JobCancelled
		default:
			next = store.JobFailed
		}
	}
	prev := job.State
	job.State = next

	if err := w.deps.Queue.Finish(ctx, job); err != nil {
		job.State = prev
		return fmt.Errorf("failed to store %s state: %w", next, err)
	}
	if err := w.deps.Staging.Discard(keyOf(job)); err != nil {
		log.WarnContext(ctx, "failed to discard artifact", "error", err)
	}
	if next == store.JobSucceeded && w.deps.Baseline != nil {
		if err := w.deps.Baseline.SetBaselineVersion(ctx, job.PackageName, job.Target.VersionCode); err != nil {
			log.WarnContext(ctx, "failed to update installed baseline", "error", err)
		}
	}

	w.deps.Metrics.JobFinished(ctx, string(next))
	meta := map[string]string{}
	if job.ErrorCode != "" {
		meta["error_code"] = job.ErrorCode
	}
	if job.PlatformCode != 0 {
		meta["platform_code"] = strconv.Itoa(job.PlatformCode)
	}
	msg := ""
	if next != store.JobSucceeded {
		msg = job.LastError
	}
	w.report(ctx, job, store.EventResult, string(next), msg, meta)
	log.InfoContext(ctx, "job finished", "state", next, "attempt", job.Attempt)
	return nil
}

// abandon stops the active job after a persistence error. The row keeps its
// last stored state; the loop requeues it with a retry delay before it starts
// anything else.
func (w *Worker) abandon(a *activeJob, err error) {
	a.logger.ErrorContext(a.ctx, "job state update failed", "state", a.job.State, "error", err)
	a.span.RecordError(err)
	a.span.SetStatus(codes.Error, "state update failed")
	w.stranded = &strandedJob{job: a.job}
	w.release(a)
}

func (w *Worker) release(a *activeJob) {
	if a.stageCancel != nil {
		a.stageCancel()
	}
	if a.installTimer != nil {
		a.installTimer.Stop()
	}
	a.span.SetAttributes(attribute.String("job.state", string(a.job.State)))
	a.span.End()
	if w.active == a {
		w.active = nil
	}
}

func (w *Worker) cancel(ctx context.Context, id uuid.UUID) error {
	if a := w.active; a != nil && a.job.ID == id {
		if !a.cancelRequested {
			a.cancelRequested = true
			a.logger.InfoContext(a.ctx, "cancel requested", "state", a.job.State)
		}
		if a.job.State != store.JobInstalling && a.stageCancel != nil {
			a.stageCancel()
		}
		return nil
	}
	if s := w.stranded; s != nil && s.job.ID == id {
		if s.event != "" && s.event != eventCancel {
			return ErrJobFinished
		}
		s.event = eventCancel
		return nil
	}

	job, err := w.deps.Queue.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return ErrJobFinished
	}
	jctx := logger.WithJobID(ctx, id.String())
	logger.FromContext(jctx, w.deps.Logger).InfoContext(ctx, "cancelling job", "state", job.State)
	return w.complete(jctx, job, eventCancel)
}

func (w *Worker) resolve(ctx context.Context, req resolveRequest) error {
	job, err := w.deps.Queue.GetJob(ctx, req.id)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return ErrJobFinished
	}
	if job.State != store.JobPendingUserAction {
		return ErrNotPending
	}

	jctx := logger.WithJobID(ctx, req.id.String())
	if req.success {
		w.report(jctx, job, store.EventInstall, "SUCCESS", req.message, nil)
		return w.complete(jctx, job, eventSucceed)
	}

	code := req.code
	if code == 0 {
		code = platform.CodeAborted
	}
	ierr := newInstallError(platform.SessionResult{Status: platform.SessionFailure, Code: code, Message: req.message})
	job.PlatformCode = code
	job.ErrorCode = string(ierr.Class)
	job.LastError = ierr.Error()
	w.report(jctx, job, store.EventInstall, "FAILED", ierr.Error(), map[string]string{
		"class":         string(ierr.Class),
		"platform_code": strconv.Itoa(code),
	})
	return w.complete(jctx, job, eventFail)
}

// transition applies event to job and persists the new state. Terminal
// states are persisted by complete instead.
func (w *Worker) transition(ctx context.Context, job *store.InstallJob, event string) error {
	next, err := nextState(ctx, job.State, event)
	if err != nil {
		return err
	}
	prev := job.State
	job.State = next
	if err := w.deps.Queue.UpdateJob(ctx, job); err != nil {
		job.State = prev
		return err
	}
	logger.FromContext(ctx, w.deps.Logger).DebugContext(ctx, "job state changed", "from", prev, "to", next)
	return nil
}

func (w *Worker) report(ctx context.Context, job *store.InstallJob, typ store.EventType, status, message string, meta map[string]string) {
	if w.deps.Reporter == nil {
		return
	}
	w.deps.Reporter.Report(ctx, reporter.Event{
		Type:              typ,
		JobID:             job.ID.String(),
		PackageName:       job.PackageName,
		TargetVersionCode: job.Target.VersionCode,
		Attempt:           job.Attempt,
		Status:            status,
		Message:           message,
		Metadata:          meta,
	})
}

func keyOf(job *store.InstallJob) staging.Key {
	return staging.Key{PackageName: job.PackageName, VersionCode: job.Target.VersionCode}
}

// LiveArtifacts returns the artifact set that staging eviction must keep:
// the target of every job that has not finished.
func LiveArtifacts(q store.Queue) download.ArtifactSet {
	return func(ctx context.Context) (map[string]int64, error) {
		jobs, err := q.ListJobs(ctx)
		if err != nil {
			return nil, err
		}
		keep := make(map[string]int64, len(jobs))
		for _, j := range jobs {
			keep[j.PackageName] = j.Target.VersionCode
		}
		return keep, nil
	}
}
