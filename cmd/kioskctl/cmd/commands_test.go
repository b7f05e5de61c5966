package cmd

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"appfleet/pkg/api"

	"github.com/goccy/go-json"
)

func jsonServer(t *testing.T, method, path string, status int, payload any) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method || r.URL.Path != path {
			t.Errorf("unexpected request %s %s, want %s %s", r.Method, r.URL.Path, method, path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if payload != nil {
			json.NewEncoder(w).Encode(payload)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestStatusCommand_Success(t *testing.T) {
	created := time.Now().Add(-10 * time.Minute)
	server := jsonServer(t, http.MethodGet, "/jobs/job-123", http.StatusOK, api.JobResponse{
		ID:                "job-123",
		PackageName:       "com.kiosk.menu",
		TargetVersionCode: 4,
		TargetVersionName: "1.4",
		State:             "DOWNLOADING",
		Attempt:           1,
		CreatedAt:         created,
		Progress:          &api.ProgressResponse{BytesDone: 512, TotalBytes: 2048},
	})

	output, err := execute(t, server.URL, "status", "job-123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"job-123", "com.kiosk.menu", "DOWNLOADING", "1.4 (4)", "512 B / 2.0 KiB (25%)"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
	if strings.Contains(output, "Error:") {
		t.Errorf("expected no Error line, got: %s", output)
	}
}

func TestStatusCommand_Failed(t *testing.T) {
	created := time.Now().Add(-time.Hour)
	finished := created.Add(90 * time.Second)
	server := jsonServer(t, http.MethodGet, "/jobs/job-9", http.StatusOK, api.JobResponse{
		ID:           "job-9",
		State:        "FAILED",
		CreatedAt:    created,
		FinishedAt:   &finished,
		LastError:    "install failed",
		ErrorCode:    "TERMINAL_INCOMPATIBLE",
		PlatformCode: 7,
	})

	output, err := execute(t, server.URL, "status", "job-9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "TERMINAL_INCOMPATIBLE, platform code 7") {
		t.Errorf("expected error code in output, got: %s", output)
	}
	if !strings.Contains(output, "1m 30s") {
		t.Errorf("expected duration in output, got: %s", output)
	}
}

func TestStatusCommand_NotFound(t *testing.T) {
	server := jsonServer(t, http.MethodGet, "/jobs/missing", http.StatusNotFound,
		api.ErrorResponse{Error: "Job not found", Code: "404"})

	_, err := execute(t, server.URL, "status", "missing")
	if err == nil || !strings.Contains(err.Error(), "Job not found") {
		t.Errorf("expected not found error, got: %v", err)
	}
}

func TestCandidatesCommand(t *testing.T) {
	synced := time.Now().Add(-5 * time.Minute)
	server := jsonServer(t, http.MethodGet, "/candidates", http.StatusOK, api.CandidatesResponse{
		SyncedAt: &synced,
		Candidates: []api.CandidateResponse{
			{PackageName: "com.kiosk.menu", DisplayName: "Menu", Kind: "UPDATE", InstalledVersionCode: 3, TargetVersionCode: 4, TargetVersionName: "1.4", FileSizeBytes: 3 << 20, AutoUpdate: true},
			{PackageName: "com.kiosk.ads", DisplayName: "Ads", Kind: "NEW", InstalledVersionCode: -1, TargetVersionCode: 1, TargetVersionName: "1.0"},
		},
	})

	output, err := execute(t, server.URL, "candidates")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"PACKAGE", "com.kiosk.menu", "1.4 (4)", "3.0 MiB", "com.kiosk.ads", "NEW"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestCandidatesCommand_NeverSynced(t *testing.T) {
	server := jsonServer(t, http.MethodGet, "/candidates", http.StatusOK, api.CandidatesResponse{Candidates: []api.CandidateResponse{}})

	output, err := execute(t, server.URL, "candidates")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "not been synced") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestInstallCommand(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		created bool
		want    string
	}{
		{"Queued", http.StatusCreated, true, "Install of com.kiosk.menu queued."},
		{"Existing", http.StatusOK, false, "already has a pending job"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := jsonServer(t, http.MethodPost, "/jobs", tt.status, api.InstallResponse{JobID: "job-1", Created: tt.created})

			output, err := execute(t, server.URL, "install", "com.kiosk.menu")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !strings.Contains(output, tt.want) || !strings.Contains(output, "job-1") {
				t.Errorf("unexpected output: %s", output)
			}
		})
	}
}

func TestJobsCommand(t *testing.T) {
	next := time.Now().Add(2 * time.Minute)
	server := jsonServer(t, http.MethodGet, "/jobs", http.StatusOK, []api.JobResponse{
		{ID: "job-1", PackageName: "com.kiosk.menu", TargetVersionCode: 4, State: "QUEUED", Attempt: 2, NotBefore: &next},
	})

	output, err := execute(t, server.URL, "jobs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "job-1") || !strings.Contains(output, "in ") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestHistoryCommand(t *testing.T) {
	var gotLimit string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		json.NewEncoder(w).Encode([]api.JobResponse{{ID: "job-7", State: "SUCCEEDED"}})
	}))
	defer server.Close()

	output, err := execute(t, server.URL, "history", "--limit", "5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotLimit != "5" {
		t.Errorf("expected limit 5, got %q", gotLimit)
	}
	if !strings.Contains(output, "job-7") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestResolveCommand(t *testing.T) {
	var got api.ResolveRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/jobs/job-5/resolve" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	output, err := execute(t, server.URL, "resolve", "job-5", "--success=false", "--failed", "--code", "3", "-m", "declined")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Success || got.Code != 3 || got.Message != "declined" {
		t.Errorf("unexpected request: %+v", got)
	}
	if !strings.Contains(output, "marked as failed") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestResolveCommand_RequiresOutcome(t *testing.T) {
	_, err := execute(t, "http://127.0.0.1:1", "resolve", "job-5", "--success=false", "--failed=false")
	if err == nil || !strings.Contains(err.Error(), "exactly one of") {
		t.Errorf("expected flag validation error, got: %v", err)
	}
}

func TestCancelAndSyncCommands(t *testing.T) {
	cancelServer := jsonServer(t, http.MethodDelete, "/jobs/job-2", http.StatusAccepted, nil)
	output, err := execute(t, cancelServer.URL, "cancel", "job-2")
	if err != nil || !strings.Contains(output, "Cancellation of job job-2 requested") {
		t.Errorf("cancel: output %q, err %v", output, err)
	}

	syncServer := jsonServer(t, http.MethodPost, "/sync", http.StatusOK, api.SyncResult{Candidates: 3, Enqueued: 1})
	output, err = execute(t, syncServer.URL, "sync")
	if err != nil || !strings.Contains(output, "3 candidates, 1 automatic updates queued") {
		t.Errorf("sync: output %q, err %v", output, err)
	}
}
