package worker

import (
	"fmt"

	"appfleet/internal/platform"
)

// InstallClass is the worker's reading of a platform install result.
type InstallClass string

const (
	InstallRetryable            InstallClass = "RETRYABLE"
	InstallTerminalIncompatible InstallClass = "TERMINAL_INCOMPATIBLE"
	InstallTerminalBlocked      InstallClass = "TERMINAL_BLOCKED"
	InstallTimeout              InstallClass = "TIMEOUT"
)

// InstallError is a failed install session.
type InstallError struct {
	Class        InstallClass
	PlatformCode int
	Message      string
}

func (e *InstallError) Error() string {
	msg := fmt.Sprintf("install failed: %s (platform code %d)", e.Class, e.PlatformCode)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// Retryable reports whether the job may be retried.
func (e *InstallError) Retryable() bool {
	return e.Class == InstallRetryable || e.Class == InstallTimeout
}

// ClassifyInstall maps a platform failure code to an install class.
// Unknown codes are treated as retryable.
func ClassifyInstall(code int) InstallClass {
	switch code {
	case platform.CodeBlocked:
		return InstallTerminalBlocked
	case platform.CodeInvalid, platform.CodeConflict, platform.CodeIncompatible:
		return InstallTerminalIncompatible
	case platform.CodeTimeout:
		return InstallTimeout
	}
	return InstallRetryable
}

func newInstallError(res platform.SessionResult) *InstallError {
	return &InstallError{Class: ClassifyInstall(res.Code), PlatformCode: res.Code, Message: res.Message}
}
