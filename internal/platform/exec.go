package platform

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultPendingExitCode is the install command exit status that means the
// host is waiting for the user to confirm.
const DefaultPendingExitCode = 10

// PathPlaceholder marks where the artifact path goes in an install command.
const PathPlaceholder = "{path}"

// ExecInstaller installs packages by running a host command. Arguments equal
// to PathPlaceholder are replaced by the artifact path; without a placeholder
// the path is appended as the last argument.
//
// Exit status 0 is success, PendingExitCode means the install waits for user
// confirmation, 1 through 8 are reported as the matching failure code and
// anything else as CodeFailure.
type ExecInstaller struct {
	Command         []string
	PendingExitCode int
	Logger          *slog.Logger
}

// NewExecInstaller creates an installer for command.
func NewExecInstaller(command []string, logger *slog.Logger) *ExecInstaller {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecInstaller{Command: command, PendingExitCode: DefaultPendingExitCode, Logger: logger}
}

// BeginInstall implements Installer.
func (e *ExecInstaller) BeginInstall(ctx context.Context, path string, sink ResultSink) (string, error) {
	if len(e.Command) == 0 {
		return "", errors.New("no install command configured")
	}

	args := installArgs(e.Command[1:], path)
	cmd := exec.CommandContext(ctx, e.Command[0], args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	cmd.WaitDelay = time.Second

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start install command: %w", err)
	}

	sessionID := uuid.NewString()
	e.Logger.Debug("install session started", "session_id", sessionID, "pid", cmd.Process.Pid, "path", path)

	go func() {
		err := cmd.Wait()
		sink(e.result(ctx, sessionID, err, output.String()))
	}()

	return sessionID, nil
}

func installArgs(command []string, path string) []string {
	args := make([]string, 0, len(command)+1)
	substituted := false
	for _, arg := range command {
		if arg == PathPlaceholder {
			arg = path
			substituted = true
		}
		args = append(args, arg)
	}
	if !substituted {
		args = append(args, path)
	}
	return args
}

func (e *ExecInstaller) result(ctx context.Context, sessionID string, err error, output string) SessionResult {
	res := SessionResult{SessionID: sessionID, Message: tail(output, 512)}
	if err == nil {
		res.Status = SessionSuccess
		return res
	}

	if ctx.Err() != nil {
		res.Status = SessionFailure
		res.Code = CodeTimeout
		res.Message = ctx.Err().Error()
		return res
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		res.Status = SessionFailure
		res.Code = CodeFailure
		res.Message = err.Error()
		return res
	}

	code := exitErr.ExitCode()
	switch {
	case code == e.PendingExitCode:
		res.Status = SessionPendingUserAction
	case code >= CodeFailure && code <= CodeTimeout:
		res.Status = SessionFailure
		res.Code = code
	default:
		res.Status = SessionFailure
		res.Code = CodeFailure
	}
	return res
}

// ExecInspector lists installed packages by running a host command that
// prints one "<package> <versionCode>" pair per line.
type ExecInspector struct {
	Command []string
}

// ListInstalled implements PackageInspector.
func (e *ExecInspector) ListInstalled(ctx context.Context) (map[string]int64, error) {
	if len(e.Command) == 0 {
		return nil, ErrInspectorUnavailable
	}

	out, err := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...).Output()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrInspectorUnavailable, err)
		}
		return nil, fmt.Errorf("inspector command failed: %w", err)
	}
	return ParseInstalled(out)
}

// ParseInstalled parses inspector output. Blank lines and lines starting
// with '#' are skipped.
func ParseInstalled(out []byte) (map[string]int64, error) {
	installed := make(map[string]int64)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: expected \"<package> <versionCode>\", got %q", line, text)
		}
		code, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid version code %q", line, fields[1])
		}
		installed[fields[0]] = code
	}
	return installed, scanner.Err()
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
