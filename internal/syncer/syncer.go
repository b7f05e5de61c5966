// Package syncer runs the periodic catalog sync: it reports the installed set,
// reconciles the returned catalog into update candidates and enqueues the
// ones marked for automatic update.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"appfleet/internal/catalog"
	"appfleet/internal/download"
	"appfleet/internal/platform"
	"appfleet/internal/reporter"
	"appfleet/internal/staging"
	"appfleet/internal/store"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/language"
)

// CatalogSource fetches the release catalog for the installed set.
type CatalogSource interface {
	Sync(ctx context.Context, installed catalog.InstalledAppState) (catalog.ReleaseCatalog, error)
}

// Enqueuer creates install jobs. *worker.Worker implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, c catalog.UpdateCandidate, priority int) (uuid.UUID, bool, error)
}

// Events is the part of the reporter a sync drives.
type Events interface {
	Report(ctx context.Context, ev reporter.Event)
	Flush(ctx context.Context) (int, error)
}

// Config holds syncer settings.
type Config struct {
	// Interval between syncs (default: 15m). Server settings may override it.
	Interval time.Duration
	// MinInterval is the floor for server overrides (default: 1m).
	MinInterval time.Duration
	Language    language.Tag
}

// Deps are the syncer's collaborators. Inspector, Events, Staging and Keep
// are optional.
type Deps struct {
	Source    CatalogSource
	Inspector platform.PackageInspector
	Baseline  store.BaselineStore
	Enqueuer  Enqueuer
	Events    Events
	Staging   *staging.Area
	Keep      download.ArtifactSet
	Logger    *slog.Logger
	Now       func() time.Time
}

// Result summarizes one sync.
type Result struct {
	Candidates int
	Enqueued   int
	SyncedAt   time.Time
}

// Snapshot is the last known candidate list.
type Snapshot struct {
	Candidates []catalog.UpdateCandidate
	// SyncedAt is zero until the first successful sync.
	SyncedAt time.Time
	// LastError is the error of the latest sync, if it failed.
	LastError error
}

// Syncer keeps the candidate list current.
type Syncer struct {
	deps    Deps
	cfg     Config
	group   singleflight.Group
	trigger chan struct{}

	mu         sync.RWMutex
	candidates []catalog.UpdateCandidate
	syncedAt   time.Time
	lastErr    error
	override   time.Duration
}

// New creates a syncer.
func New(deps Deps, cfg Config) *Syncer {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = time.Minute
	}
	return &Syncer{deps: deps, cfg: cfg, trigger: make(chan struct{}, 1)}
}

// Run syncs immediately and then on every interval or trigger until ctx is done.
func (s *Syncer) Run(ctx context.Context) error {
	for {
		if _, err := s.SyncNow(ctx); err != nil && ctx.Err() == nil {
			s.deps.Logger.WarnContext(ctx, "sync failed, keeping previous candidates", "error", err)
		}

		timer := time.NewTimer(s.Interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-s.trigger:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Trigger asks Run to sync now.
func (s *Syncer) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Interval returns the current sync interval.
func (s *Syncer) Interval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.override > 0 {
		return max(s.override, s.cfg.MinInterval)
	}
	return s.cfg.Interval
}

// Snapshot returns a copy of the last known candidates.
func (s *Syncer) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Candidates: slices.Clone(s.candidates),
		SyncedAt:   s.syncedAt,
		LastError:  s.lastErr,
	}
}

// Candidate returns the last known candidate for pkg.
func (s *Syncer) Candidate(pkg string) (catalog.UpdateCandidate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.candidates {
		if c.PackageName == pkg {
			return c, true
		}
	}
	return catalog.UpdateCandidate{}, false
}

// SyncNow performs a sync. Concurrent callers share one in-flight sync.
func (s *Syncer) SyncNow(ctx context.Context) (Result, error) {
	v, err, _ := s.group.Do("sync", func() (any, error) {
		return s.sync(ctx)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (s *Syncer) sync(ctx context.Context) (Result, error) {
	log := s.deps.Logger

	installed, err := s.installed(ctx)
	if err != nil {
		return Result{}, s.failed(ctx, fmt.Errorf("failed to read installed packages: %w", err))
	}

	cat, err := s.deps.Source.Sync(ctx, installed)
	if err != nil {
		return Result{}, s.failed(ctx, fmt.Errorf("catalog sync failed: %w", err))
	}

	candidates, err := catalog.Reconcile(cat, installed, catalog.Options{Language: s.cfg.Language})
	if err != nil {
		return Result{}, s.failed(ctx, err)
	}

	now := s.deps.Now()
	s.mu.Lock()
	s.candidates = candidates
	s.syncedAt = now
	s.lastErr = nil
	s.override = cat.Settings.SyncInterval
	s.mu.Unlock()

	enqueued := 0
	if cat.Settings.AutoUpdateDisabled {
		log.InfoContext(ctx, "automatic updates disabled by server settings")
	} else {
		for _, c := range candidates {
			if !c.Target.AutoUpdate {
				continue
			}
			_, created, err := s.deps.Enqueuer.Enqueue(ctx, c, store.PriorityAuto)
			if err != nil {
				log.ErrorContext(ctx, "failed to enqueue automatic update", "package", c.PackageName, "error", err)
				continue
			}
			if created {
				enqueued++
			}
		}
	}

	s.collectGarbage(ctx)

	res := Result{Candidates: len(candidates), Enqueued: enqueued, SyncedAt: now}
	log.InfoContext(ctx, "sync complete", "candidates", res.Candidates, "enqueued", res.Enqueued)
	s.report(ctx, "OK", "", map[string]string{
		"candidates": strconv.Itoa(res.Candidates),
		"enqueued":   strconv.Itoa(res.Enqueued),
	})
	if s.deps.Events != nil {
		if _, err := s.deps.Events.Flush(ctx); err != nil {
			log.DebugContext(ctx, "event upload deferred", "error", err)
		}
	}
	return res, nil
}

// installed reads the installed set from the platform, falling back to the
// baseline recorded at the last sync when the platform cannot list packages.
func (s *Syncer) installed(ctx context.Context) (catalog.InstalledAppState, error) {
	if s.deps.Inspector != nil {
		pkgs, err := s.deps.Inspector.ListInstalled(ctx)
		switch {
		case err == nil:
			if s.deps.Baseline != nil {
				if err := s.deps.Baseline.ReplaceBaseline(ctx, pkgs); err != nil {
					s.deps.Logger.WarnContext(ctx, "failed to record installed baseline", "error", err)
				}
			}
			return pkgs, nil
		case !errors.Is(err, platform.ErrInspectorUnavailable):
			return nil, err
		}
		s.deps.Logger.DebugContext(ctx, "package inspector unavailable, using baseline")
	}
	if s.deps.Baseline == nil {
		return catalog.InstalledAppState{}, nil
	}
	return s.deps.Baseline.InstalledBaseline(ctx)
}

func (s *Syncer) failed(ctx context.Context, err error) error {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.report(ctx, "FAILED", err.Error(), nil)
	return err
}

// collectGarbage evicts staged artifacts no live job needs.
func (s *Syncer) collectGarbage(ctx context.Context) {
	if s.deps.Staging == nil || s.deps.Keep == nil {
		return
	}
	keep, err := s.deps.Keep(ctx)
	if err != nil {
		s.deps.Logger.WarnContext(ctx, "skipping artifact cleanup", "error", err)
		return
	}
	freed, err := s.deps.Staging.Prune(keep)
	if err != nil {
		s.deps.Logger.WarnContext(ctx, "artifact cleanup incomplete", "error", err)
	}
	if freed > 0 {
		s.deps.Logger.InfoContext(ctx, "removed stale artifacts", "freed_bytes", freed)
	}
}

func (s *Syncer) report(ctx context.Context, status, message string, meta map[string]string) {
	if s.deps.Events == nil {
		return
	}
	s.deps.Events.Report(ctx, reporter.Event{
		Type:     store.EventSync,
		Status:   status,
		Message:  message,
		Metadata: meta,
	})
}
