package syncer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"appfleet/internal/catalog"
	"appfleet/internal/platform"
	"appfleet/internal/reporter"
	"appfleet/internal/staging"
	"appfleet/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu       sync.Mutex
	cat      catalog.ReleaseCatalog
	err      error
	calls    int
	lastSeen catalog.InstalledAppState
	block    chan struct{}
}

func (f *fakeSource) Sync(_ context.Context, installed catalog.InstalledAppState) (catalog.ReleaseCatalog, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastSeen = installed
	return f.cat, f.err
}

type fakeInspector struct {
	pkgs map[string]int64
	err  error
}

func (f fakeInspector) ListInstalled(context.Context) (map[string]int64, error) {
	return f.pkgs, f.err
}

type memBaseline struct {
	mu   sync.Mutex
	pkgs map[string]int64
}

func (m *memBaseline) InstalledBaseline(context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.pkgs))
	for k, v := range m.pkgs {
		out[k] = v
	}
	return out, nil
}

func (m *memBaseline) ReplaceBaseline(_ context.Context, installed map[string]int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pkgs = installed
	return nil
}

func (m *memBaseline) SetBaselineVersion(_ context.Context, pkg string, code int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pkgs[pkg] = code
	return nil
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs map[string]catalog.UpdateCandidate
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, c catalog.UpdateCandidate, priority int) (uuid.UUID, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.jobs == nil {
		f.jobs = make(map[string]catalog.UpdateCandidate)
	}
	if _, ok := f.jobs[c.PackageName]; ok {
		return uuid.New(), false, nil
	}
	f.jobs[c.PackageName] = c
	return uuid.New(), true, nil
}

type fakeEvents struct {
	mu      sync.Mutex
	events  []reporter.Event
	flushes int
}

func (f *fakeEvents) Report(_ context.Context, ev reporter.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeEvents) Flush(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return 0, nil
}

func rel(pkg, name string, code int64, auto bool) catalog.AppRelease {
	return catalog.AppRelease{PackageName: pkg, DisplayName: name, VersionCode: code, AutoUpdate: auto}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSyncNow_ReconcilesAndEnqueuesAutoUpdates(t *testing.T) {
	src := &fakeSource{cat: catalog.ReleaseCatalog{Releases: []catalog.AppRelease{
		rel("com.kiosk.menu", "Menu", 4, true),
		rel("com.kiosk.ads", "Ads", 2, false),
		rel("com.kiosk.current", "Current", 1, true),
	}}}
	base := &memBaseline{pkgs: map[string]int64{}}
	enq := &fakeEnqueuer{}
	events := &fakeEvents{}
	s := New(Deps{
		Source:    src,
		Inspector: fakeInspector{pkgs: map[string]int64{"com.kiosk.menu": 3, "com.kiosk.current": 1}},
		Baseline:  base,
		Enqueuer:  enq,
		Events:    events,
		Logger:    discard(),
	}, Config{})

	res, err := s.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Candidates)
	assert.Equal(t, 1, res.Enqueued)

	snap := s.Snapshot()
	require.Len(t, snap.Candidates, 2)
	assert.Equal(t, "Ads", snap.Candidates[0].Target.DisplayName)
	assert.Equal(t, catalog.CandidateNew, snap.Candidates[0].Kind)
	assert.Equal(t, catalog.CandidateUpdate, snap.Candidates[1].Kind)
	assert.False(t, snap.SyncedAt.IsZero())

	assert.Contains(t, enq.jobs, "com.kiosk.menu")
	assert.NotContains(t, enq.jobs, "com.kiosk.ads")

	assert.Equal(t, int64(3), base.pkgs["com.kiosk.menu"], "inspector result becomes the baseline")
	require.Len(t, events.events, 1)
	assert.Equal(t, store.EventSync, events.events[0].Type)
	assert.Equal(t, "OK", events.events[0].Status)
	assert.Equal(t, 1, events.flushes)

	// A second pass over the same catalog enqueues nothing new.
	res, err = s.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Enqueued)
}

func TestSyncNow_AutoUpdateDisabled(t *testing.T) {
	src := &fakeSource{cat: catalog.ReleaseCatalog{
		Releases: []catalog.AppRelease{rel("com.kiosk.menu", "Menu", 4, true)},
		Settings: catalog.Settings{AutoUpdateDisabled: true, SyncInterval: 5 * time.Second},
	}}
	enq := &fakeEnqueuer{}
	s := New(Deps{Source: src, Enqueuer: enq, Logger: discard()}, Config{Interval: time.Hour})

	res, err := s.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Candidates)
	assert.Zero(t, res.Enqueued)
	assert.Empty(t, enq.jobs)
	assert.Equal(t, time.Minute, s.Interval(), "server override is clamped to the minimum")
}

func TestSyncNow_FallsBackToBaseline(t *testing.T) {
	src := &fakeSource{}
	base := &memBaseline{pkgs: map[string]int64{"com.kiosk.menu": 9}}
	s := New(Deps{
		Source:    src,
		Inspector: fakeInspector{err: platform.ErrInspectorUnavailable},
		Baseline:  base,
		Enqueuer:  &fakeEnqueuer{},
		Logger:    discard(),
	}, Config{})

	_, err := s.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, catalog.InstalledAppState{"com.kiosk.menu": 9}, src.lastSeen)
}

func TestSyncNow_InspectorError(t *testing.T) {
	src := &fakeSource{}
	s := New(Deps{
		Source:    src,
		Inspector: fakeInspector{err: errors.New("permission denied")},
		Enqueuer:  &fakeEnqueuer{},
		Logger:    discard(),
	}, Config{})

	_, err := s.SyncNow(context.Background())
	require.Error(t, err)
	assert.Zero(t, src.calls)
}

func TestSyncNow_FailureKeepsPreviousCandidates(t *testing.T) {
	src := &fakeSource{cat: catalog.ReleaseCatalog{Releases: []catalog.AppRelease{rel("com.kiosk.menu", "Menu", 4, false)}}}
	events := &fakeEvents{}
	s := New(Deps{Source: src, Enqueuer: &fakeEnqueuer{}, Events: events, Logger: discard()}, Config{})

	_, err := s.SyncNow(context.Background())
	require.NoError(t, err)
	first := s.Snapshot()

	src.err = errors.New("offline")
	_, err = s.SyncNow(context.Background())
	require.Error(t, err)

	snap := s.Snapshot()
	assert.Equal(t, first.Candidates, snap.Candidates)
	assert.Equal(t, first.SyncedAt, snap.SyncedAt)
	assert.Error(t, snap.LastError)
	assert.Equal(t, "FAILED", events.events[len(events.events)-1].Status)
}

func TestSyncNow_InvalidCatalogKeepsPreviousCandidates(t *testing.T) {
	src := &fakeSource{cat: catalog.ReleaseCatalog{Releases: []catalog.AppRelease{rel("com.kiosk.menu", "Menu", 4, false)}}}
	s := New(Deps{Source: src, Enqueuer: &fakeEnqueuer{}, Logger: discard()}, Config{})
	_, err := s.SyncNow(context.Background())
	require.NoError(t, err)

	src.cat = catalog.ReleaseCatalog{Releases: []catalog.AppRelease{rel("com.kiosk.menu", "Menu", 0, false)}}
	_, err = s.SyncNow(context.Background())
	assert.ErrorIs(t, err, catalog.ErrInvalidCatalogEntry)

	c, ok := s.Candidate("com.kiosk.menu")
	require.True(t, ok)
	assert.Equal(t, int64(4), c.Target.VersionCode)
}

func TestSyncNow_PrunesStaleArtifacts(t *testing.T) {
	area, err := staging.New(filepath.Join(t.TempDir(), "staging"), discard())
	require.NoError(t, err)

	stale := staging.Key{PackageName: "com.kiosk.old", VersionCode: 1}
	live := staging.Key{PackageName: "com.kiosk.menu", VersionCode: 4}
	for _, k := range []staging.Key{stale, live} {
		require.NoError(t, area.Prepare(k))
		require.NoError(t, os.WriteFile(area.PartPath(k), []byte("bytes"), 0o640))
		_, err := area.Commit(k)
		require.NoError(t, err)
	}

	s := New(Deps{
		Source:   &fakeSource{},
		Enqueuer: &fakeEnqueuer{},
		Staging:  area,
		Keep: func(context.Context) (map[string]int64, error) {
			return map[string]int64{"com.kiosk.menu": 4}, nil
		},
		Logger: discard(),
	}, Config{})

	_, err = s.SyncNow(context.Background())
	require.NoError(t, err)

	_, err = os.Stat(area.ArtifactPath(stale))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	_, err = os.Stat(area.ArtifactPath(live))
	assert.NoError(t, err)
}

func TestSyncNow_SharesInFlightSync(t *testing.T) {
	src := &fakeSource{block: make(chan struct{})}
	s := New(Deps{Source: src, Enqueuer: &fakeEnqueuer{}, Logger: discard()}, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.SyncNow(context.Background())
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(src.block)
	wg.Wait()

	assert.Equal(t, 1, src.calls)
}

func TestRun_SyncsOnTrigger(t *testing.T) {
	src := &fakeSource{}
	s := New(Deps{Source: src, Enqueuer: &fakeEnqueuer{}, Logger: discard()}, Config{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	calls := func() int {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.calls
	}
	require.Eventually(t, func() bool { return calls() == 1 }, time.Second, 5*time.Millisecond)

	s.Trigger()
	require.Eventually(t, func() bool { return calls() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
