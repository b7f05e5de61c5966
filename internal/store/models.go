// Package store contains the persistence layer for the update agent.
package store

import (
	"time"

	"appfleet/internal/catalog"

	"github.com/google/uuid"
)

// JobState is a step in the install job lifecycle.
type JobState string

const (
	JobQueued            JobState = "QUEUED"
	JobDownloading       JobState = "DOWNLOADING"
	JobDownloaded        JobState = "DOWNLOADED"
	JobVerifying         JobState = "VERIFYING"
	JobVerified          JobState = "VERIFIED"
	JobInstalling        JobState = "INSTALLING"
	JobInstallSuccess    JobState = "INSTALL_SUCCESS"
	JobPendingUserAction JobState = "INSTALL_PENDING_USER_ACTION"
	JobInstallFailed     JobState = "INSTALL_FAILED"
	JobSucceeded         JobState = "SUCCEEDED"
	JobFailed            JobState = "FAILED"
	JobCancelled         JobState = "CANCELLED"
)

// Terminal reports whether the job is finished and no longer queued.
func (s JobState) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled:
		return true
	}
	return false
}

// StageActive reports whether a stage is currently running for the job.
// At most one job system-wide may be in one of these states.
func (s JobState) StageActive() bool {
	switch s {
	case JobDownloading, JobVerifying, JobInstalling:
		return true
	}
	return false
}

// Interrupted reports whether a job found in this state at startup was cut off
// mid-pipeline and has to restart from the download stage.
func (s JobState) Interrupted() bool {
	switch s {
	case JobDownloading, JobDownloaded, JobVerifying, JobVerified, JobInstalling, JobInstallFailed:
		return true
	}
	return false
}

// Job priorities record who asked for a job. Jobs run in enqueue order
// regardless of priority.
const (
	PriorityAuto   = 50
	PriorityManual = 75
)

// InstallJob is the durable unit of work that brings one package to a target release.
type InstallJob struct {
	ID           uuid.UUID
	Seq          int64
	PackageName  string
	Target       catalog.AppRelease
	State        JobState
	Attempt      int
	Priority     int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	NotBefore    time.Time
	LastError    string
	ErrorCode    string
	PlatformCode int
	SessionID    string
	FinishedAt   *time.Time
}

// TransferRecord is the persisted state of a resumable download.
type TransferRecord struct {
	JobID      uuid.UUID
	URL        string
	PartPath   string
	BytesDone  int64
	TotalBytes int64
	ETag       string
	UpdatedAt  time.Time
}

// EventType identifies the pipeline step an outbound event describes.
type EventType string

const (
	EventSync     EventType = "sync"
	EventDownload EventType = "download"
	EventVerify   EventType = "verify"
	EventInstall  EventType = "install"
	EventResult   EventType = "result"
)

// OutboundEvent is an append-only report queued until the fleet API accepts it.
type OutboundEvent struct {
	Seq               int64             `json:"-"`
	ID                string            `json:"id"`
	DeviceID          string            `json:"device_id"`
	EventType         EventType         `json:"event_type"`
	JobID             string            `json:"job_id,omitempty"`
	PackageName       string            `json:"package_name,omitempty"`
	TargetVersionCode int64             `json:"target_version_code,omitempty"`
	Status            string            `json:"status"`
	Message           string            `json:"message,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}
