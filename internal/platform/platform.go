// Package platform defines the host capabilities the agent drives but does
// not implement: the session-based package installer and the installed
// package inspector.
package platform

import (
	"context"
	"errors"
)

// SessionStatus is the terminal result of an install session.
type SessionStatus string

const (
	SessionSuccess           SessionStatus = "SUCCESS"
	SessionPendingUserAction SessionStatus = "PENDING_USER_ACTION"
	SessionFailure           SessionStatus = "FAILURE"
)

// Failure codes reported with SessionFailure.
const (
	CodeFailure      = 1
	CodeBlocked      = 2
	CodeAborted      = 3
	CodeInvalid      = 4
	CodeConflict     = 5
	CodeStorage      = 6
	CodeIncompatible = 7
	CodeTimeout      = 8
)

// SessionResult is delivered exactly once per install session.
type SessionResult struct {
	SessionID string
	Status    SessionStatus
	Code      int
	Message   string
}

// ResultSink receives the result of an install session. It may be called
// from any goroutine.
type ResultSink func(SessionResult)

// Installer asks the host to install a package file.
type Installer interface {
	// BeginInstall starts a session for the artifact at path and returns its
	// id. The result arrives later through sink. When BeginInstall returns an
	// error the sink is never called.
	BeginInstall(ctx context.Context, path string, sink ResultSink) (string, error)
}

// ErrInspectorUnavailable is returned when the host does not allow listing
// installed packages.
var ErrInspectorUnavailable = errors.New("package inspector unavailable")

// PackageInspector lists installed packages and their version codes.
type PackageInspector interface {
	ListInstalled(ctx context.Context) (map[string]int64, error)
}
