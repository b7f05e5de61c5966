// Package verify checks a staged artifact's size and SHA-256 against the
// values declared by the catalog before it is handed to the installer.
package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// MismatchKind distinguishes the two verification failures.
type MismatchKind string

const (
	SizeMismatch MismatchKind = "SIZE_MISMATCH"
	HashMismatch MismatchKind = "HASH_MISMATCH"
)

// MismatchError is returned when the artifact does not match its declaration.
type MismatchError struct {
	Kind     MismatchKind
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s: expected %s, got %s", strings.ToLower(string(e.Kind)), e.Expected, e.Actual)
}

// IsMismatch reports whether err is a verification mismatch.
func IsMismatch(err error) bool {
	var m *MismatchError
	return errors.As(err, &m)
}

// Verifier validates a staged file. It returns nil when the file matches,
// a *MismatchError when it does not, and any other error for I/O problems.
// An expectedSize of zero or less means the size is unknown and only the
// digest is checked.
type Verifier interface {
	Verify(ctx context.Context, path string, expectedSize int64, expectedSHA256 string) error
}

// HashVerifier recomputes the digest in-process with a streaming hash.
type HashVerifier struct{}

func (HashVerifier) Verify(ctx context.Context, path string, expectedSize int64, expectedSHA256 string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat artifact: %w", err)
	}
	if err := checkSize(info.Size(), expectedSize); err != nil {
		return err
	}

	h := sha256.New()
	if _, err := io.Copy(h, &ctxReader{ctx: ctx, r: f}); err != nil {
		return fmt.Errorf("hash artifact: %w", err)
	}
	return checkHash(hex.EncodeToString(h.Sum(nil)), expectedSHA256)
}

// NativeVerifier shells out to the platform digest tool. It reports the same
// outcomes as HashVerifier.
type NativeVerifier struct {
	// Tool is the executable name, normally "sha256sum".
	Tool string
}

// Available reports whether the digest tool can be found on PATH.
func (n NativeVerifier) Available() bool {
	_, err := exec.LookPath(n.tool())
	return err == nil
}

func (n NativeVerifier) tool() string {
	if n.Tool == "" {
		return "sha256sum"
	}
	return n.Tool
}

func (n NativeVerifier) Verify(ctx context.Context, path string, expectedSize int64, expectedSHA256 string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat artifact: %w", err)
	}
	if err := checkSize(info.Size(), expectedSize); err != nil {
		return err
	}

	out, err := exec.CommandContext(ctx, n.tool(), path).Output()
	if err != nil {
		return fmt.Errorf("%s failed: %w", n.tool(), err)
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return fmt.Errorf("%s returned no digest", n.tool())
	}
	return checkHash(fields[0], expectedSHA256)
}

// fallbackVerifier runs the native tool and falls back to the in-process hash
// when the tool itself fails. Mismatches from the native tool are final.
type fallbackVerifier struct {
	native   Verifier
	portable Verifier
}

func (v fallbackVerifier) Verify(ctx context.Context, path string, expectedSize int64, expectedSHA256 string) error {
	err := v.native.Verify(ctx, path, expectedSize, expectedSHA256)
	if err == nil || IsMismatch(err) || ctx.Err() != nil {
		return err
	}
	return v.portable.Verify(ctx, path, expectedSize, expectedSHA256)
}

// New returns the preferred verifier for this host: the native digest tool when
// available, with the in-process hash as fallback.
func New() Verifier {
	native := NativeVerifier{}
	if !native.Available() {
		return HashVerifier{}
	}
	return fallbackVerifier{native: native, portable: HashVerifier{}}
}

func checkSize(actual, expected int64) error {
	if expected > 0 && actual != expected {
		return &MismatchError{
			Kind:     SizeMismatch,
			Expected: fmt.Sprintf("%d bytes", expected),
			Actual:   fmt.Sprintf("%d bytes", actual),
		}
	}
	return nil
}

func checkHash(actual, expected string) error {
	if !strings.EqualFold(strings.TrimSpace(actual), strings.TrimSpace(expected)) {
		return &MismatchError{Kind: HashMismatch, Expected: expected, Actual: actual}
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
