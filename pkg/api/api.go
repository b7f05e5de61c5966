// Package api contains shared JSON request/response structs.
// The fleet types describe the remote device API; the rest are served by the
// agent's local API and consumed by kioskctl.
package api

import "time"

// InstalledPackage is one entry of the installed set reported on sync.
type InstalledPackage struct {
	PackageName string `json:"package_name"`
	VersionCode int64  `json:"version_code"`
}

// DeviceSyncRequest is the body of POST /v1/devices/{deviceId}/sync.
type DeviceSyncRequest struct {
	Installed []InstalledPackage `json:"installed"`
}

// Release is one catalog entry as served by the fleet API.
type Release struct {
	AppID         string    `json:"app_id"`
	PackageName   string    `json:"package_name"`
	DisplayName   string    `json:"display_name"`
	VersionName   string    `json:"version_name"`
	VersionCode   int64     `json:"version_code"`
	FileRef       string    `json:"file_ref"`
	SHA256        string    `json:"sha256"`
	FileSizeBytes int64     `json:"file_size_bytes"`
	AutoUpdate    bool      `json:"auto_update"`
	Changelog     string    `json:"changelog,omitempty"`
	UploadedAt    time.Time `json:"uploaded_at"`
}

// DeviceSettings are server-driven agent settings.
type DeviceSettings struct {
	SyncIntervalSeconds int  `json:"sync_interval_seconds,omitempty"`
	AutoUpdateDisabled  bool `json:"auto_update_disabled,omitempty"`
}

// DeviceSyncResponse is the fleet API's answer to a sync.
type DeviceSyncResponse struct {
	Updates  []Release      `json:"updates"`
	Settings DeviceSettings `json:"settings"`
}

// CandidateResponse is an update candidate as shown by the local API.
type CandidateResponse struct {
	PackageName          string `json:"package_name"`
	AppID                string `json:"app_id"`
	DisplayName          string `json:"display_name"`
	Kind                 string `json:"kind"`
	InstalledVersionCode int64  `json:"installed_version_code"`
	TargetVersionCode    int64  `json:"target_version_code"`
	TargetVersionName    string `json:"target_version_name"`
	FileSizeBytes        int64  `json:"file_size_bytes"`
	AutoUpdate           bool   `json:"auto_update"`
	Changelog            string `json:"changelog,omitempty"`
}

// CandidatesResponse is the response body of GET /candidates.
type CandidatesResponse struct {
	Candidates []CandidateResponse `json:"candidates"`
	SyncedAt   *time.Time          `json:"synced_at,omitempty"`
	LastError  string              `json:"last_error,omitempty"`
}

// InstallRequest is the request body of POST /jobs.
type InstallRequest struct {
	PackageName string `json:"package_name"`
}

// InstallResponse is the response body after requesting an install.
type InstallResponse struct {
	JobID string `json:"job_id"`
	// Created is false when the package already had a job.
	Created bool `json:"created"`
}

// ProgressResponse is the download progress of an active job.
type ProgressResponse struct {
	BytesDone  int64 `json:"bytes_done"`
	TotalBytes int64 `json:"total_bytes"`
}

// JobResponse represents an install job in API responses.
type JobResponse struct {
	ID                string            `json:"id"`
	PackageName       string            `json:"package_name"`
	TargetVersionCode int64             `json:"target_version_code"`
	TargetVersionName string            `json:"target_version_name"`
	State             string            `json:"state"`
	Attempt           int               `json:"attempt"`
	Priority          int               `json:"priority"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	NotBefore         *time.Time        `json:"not_before,omitempty"`
	FinishedAt        *time.Time        `json:"finished_at,omitempty"`
	LastError         string            `json:"last_error,omitempty"`
	ErrorCode         string            `json:"error_code,omitempty"`
	PlatformCode      int               `json:"platform_code,omitempty"`
	Progress          *ProgressResponse `json:"progress,omitempty"`
}

// ResolveRequest is the request body of POST /jobs/{id}/resolve.
type ResolveRequest struct {
	Success bool `json:"success"`
	// Code is the platform failure code when Success is false.
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// SyncResult is the response body of POST /sync.
type SyncResult struct {
	Candidates int       `json:"candidates"`
	Enqueued   int       `json:"enqueued"`
	SyncedAt   time.Time `json:"synced_at"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
