package handlers

import (
	"context"
	"errors"
	"time"

	"appfleet/internal/catalog"
	"appfleet/internal/store"
	"appfleet/internal/syncer"

	"github.com/google/uuid"
)

// Mock Store
type mockStore struct {
	pingErr error

	getJobResp *store.InstallJob
	getJobErr  error

	listJobsResp []store.InstallJob
	listJobsErr  error

	historyResp []store.InstallJob
	historyErr  error

	transferResp *store.TransferRecord
	transferErr  error

	// Spies
	capturedLimit int
}

func (m *mockStore) Ping(ctx context.Context) error { return m.pingErr }

func (m *mockStore) GetJob(ctx context.Context, id uuid.UUID) (*store.InstallJob, error) {
	if m.getJobErr != nil {
		return nil, m.getJobErr
	}
	if m.getJobResp == nil {
		return nil, store.ErrUnknownJob
	}
	return m.getJobResp, nil
}

func (m *mockStore) ListJobs(ctx context.Context) ([]store.InstallJob, error) {
	return m.listJobsResp, m.listJobsErr
}

func (m *mockStore) ListHistory(ctx context.Context, limit int) ([]store.InstallJob, error) {
	m.capturedLimit = limit
	return m.historyResp, m.historyErr
}

func (m *mockStore) GetTransfer(ctx context.Context, jobID uuid.UUID) (*store.TransferRecord, error) {
	return m.transferResp, m.transferErr
}

// Mock Agent
type mockAgent struct {
	enqueueID      uuid.UUID
	enqueueCreated bool
	enqueueErr     error
	cancelErr      error
	resolveErr     error

	// Spies
	capturedCandidate catalog.UpdateCandidate
	capturedPriority  int
	capturedSuccess   bool
	capturedCode      int
	capturedMessage   string
}

func (m *mockAgent) Enqueue(ctx context.Context, c catalog.UpdateCandidate, priority int) (uuid.UUID, bool, error) {
	m.capturedCandidate = c
	m.capturedPriority = priority
	return m.enqueueID, m.enqueueCreated, m.enqueueErr
}

func (m *mockAgent) Cancel(ctx context.Context, id uuid.UUID) error {
	return m.cancelErr
}

func (m *mockAgent) ResolvePending(ctx context.Context, id uuid.UUID, success bool, code int, message string) error {
	m.capturedSuccess = success
	m.capturedCode = code
	m.capturedMessage = message
	return m.resolveErr
}

// Mock Catalog
type mockCatalog struct {
	snapshot syncer.Snapshot
	syncResp syncer.Result
	syncErr  error
}

func (m *mockCatalog) Snapshot() syncer.Snapshot { return m.snapshot }

func (m *mockCatalog) Candidate(pkg string) (catalog.UpdateCandidate, bool) {
	for _, c := range m.snapshot.Candidates {
		if c.PackageName == pkg {
			return c, true
		}
	}
	return catalog.UpdateCandidate{}, false
}

func (m *mockCatalog) SyncNow(ctx context.Context) (syncer.Result, error) {
	return m.syncResp, m.syncErr
}

var errDB = errors.New("db down")

func menuCandidate() catalog.UpdateCandidate {
	return catalog.UpdateCandidate{
		PackageName:          "com.kiosk.menu",
		AppID:                "menu",
		InstalledVersionCode: 3,
		Kind:                 catalog.CandidateUpdate,
		Target: catalog.AppRelease{
			AppID:         "menu",
			PackageName:   "com.kiosk.menu",
			DisplayName:   "Menu",
			VersionName:   "1.4",
			VersionCode:   4,
			FileSizeBytes: 1024,
			AutoUpdate:    true,
		},
	}
}

func menuJob(state store.JobState) *store.InstallJob {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &store.InstallJob{
		ID:          uuid.New(),
		PackageName: "com.kiosk.menu",
		Target:      menuCandidate().Target,
		State:       state,
		Priority:    store.PriorityManual,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
