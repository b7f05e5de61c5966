// Package catalog holds the release catalog model and the reconciler that
// turns a catalog plus the locally installed versions into update candidates.
package catalog

import "time"

// AppRelease is one uploaded, versioned build of an application.
type AppRelease struct {
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

// Settings are server-driven knobs delivered alongside the catalog.
type Settings struct {
	// SyncInterval overrides the configured sync interval when non-zero.
	SyncInterval time.Duration
	// AutoUpdateDisabled suppresses automatic enqueueing of AutoUpdate releases.
	AutoUpdateDisabled bool
}

// ReleaseCatalog is an immutable snapshot fetched from the fleet API.
type ReleaseCatalog struct {
	Releases []AppRelease
	Settings Settings
}

// InstalledAppState maps a package name to the locally observed version code.
// A missing entry or a negative value means the package is not installed.
type InstalledAppState map[string]int64

// VersionOf returns the installed version code for pkg, or -1.
func (s InstalledAppState) VersionOf(pkg string) int64 {
	if v, ok := s[pkg]; ok {
		return v
	}
	return -1
}

// CandidateKind classifies an update candidate.
type CandidateKind string

const (
	CandidateNew    CandidateKind = "NEW"
	CandidateUpdate CandidateKind = "UPDATE"
)

// UpdateCandidate is a release that should be installed on this device.
// Candidates are derived on every reconciliation pass and never persisted.
type UpdateCandidate struct {
	PackageName          string        `json:"package_name"`
	AppID                string        `json:"app_id"`
	InstalledVersionCode int64         `json:"installed_version_code"`
	Target               AppRelease    `json:"target"`
	Kind                 CandidateKind `json:"kind"`
}
