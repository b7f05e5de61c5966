// Package staging owns the on-disk artifact directory used by the download
// and install stages.
//
// Layout:
//
//	<root>/<packageName>/<versionCode>.pkg        canonical artifact
//	<root>/<packageName>/<versionCode>.pkg.part   in-flight download
//	<root>/<packageName>/<versionCode>.verified   verification marker
//
// A file only appears under its canonical name through an atomic rename of
// the .part file.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
)

const (
	artifactExt = ".pkg"
	partExt     = ".part"
	verifiedExt = ".verified"
)

// ErrInvalidPackage is returned for package names that cannot be used as a
// directory name.
var ErrInvalidPackage = errors.New("invalid package name")

// Key identifies one staged artifact.
type Key struct {
	PackageName string
	VersionCode int64
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%d", k.PackageName, k.VersionCode)
}

// Area is the staging directory.
type Area struct {
	root   string
	logger *slog.Logger
}

// New creates the staging root if needed.
func New(root string, logger *slog.Logger) (*Area, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}
	return &Area{root: root, logger: logger}, nil
}

// Root returns the staging directory.
func (a *Area) Root() string {
	return a.root
}

// ArtifactPath returns the canonical path of an artifact.
func (a *Area) ArtifactPath(k Key) string {
	return filepath.Join(a.root, k.PackageName, strconv.FormatInt(k.VersionCode, 10)+artifactExt)
}

// PartPath returns the temporary path a download writes to.
func (a *Area) PartPath(k Key) string {
	return a.ArtifactPath(k) + partExt
}

func (a *Area) markerPath(k Key) string {
	return filepath.Join(a.root, k.PackageName, strconv.FormatInt(k.VersionCode, 10)+verifiedExt)
}

// Prepare validates the key and creates the package directory.
func (a *Area) Prepare(k Key) error {
	if err := validatePackage(k.PackageName); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(a.root, k.PackageName), 0o750); err != nil {
		return fmt.Errorf("failed to create package dir: %w", err)
	}
	return nil
}

// Commit flushes the .part file and renames it to the canonical path.
func (a *Area) Commit(k Key) (string, error) {
	part := a.PartPath(k)
	final := a.ArtifactPath(k)

	f, err := os.Open(part)
	if err != nil {
		return "", fmt.Errorf("failed to open partial file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to sync partial file: %w", err)
	}
	f.Close()

	// A stale marker must not vouch for the new bytes.
	_ = os.Remove(a.markerPath(k))

	if err := os.Rename(part, final); err != nil {
		return "", fmt.Errorf("failed to publish artifact: %w", err)
	}
	syncDir(filepath.Dir(final))
	return final, nil
}

// MarkVerified records that the canonical artifact passed verification.
func (a *Area) MarkVerified(k Key) error {
	if _, err := os.Stat(a.ArtifactPath(k)); err != nil {
		return fmt.Errorf("cannot mark missing artifact %s: %w", k, err)
	}
	if err := os.WriteFile(a.markerPath(k), nil, 0o640); err != nil {
		return fmt.Errorf("failed to write verified marker: %w", err)
	}
	syncDir(filepath.Dir(a.markerPath(k)))
	return nil
}

// Verified reports whether the canonical artifact exists and carries a marker.
func (a *Area) Verified(k Key) bool {
	if _, err := os.Stat(a.ArtifactPath(k)); err != nil {
		return false
	}
	_, err := os.Stat(a.markerPath(k))
	return err == nil
}

// DiscardUnverified removes the canonical artifact unless it is marked
// verified. Partial files are left in place for resume.
func (a *Area) DiscardUnverified(k Key) error {
	if a.Verified(k) {
		return nil
	}
	return removeAll(a.ArtifactPath(k), a.markerPath(k))
}

// Discard removes every file belonging to the artifact.
func (a *Area) Discard(k Key) error {
	return removeAll(a.ArtifactPath(k), a.PartPath(k), a.markerPath(k))
}

// Prune removes every staged file whose key is not in keep and returns the
// number of bytes freed. Package directories left empty are removed.
func (a *Area) Prune(keep map[string]int64) (int64, error) {
	entries, err := os.ReadDir(a.root)
	if err != nil {
		return 0, fmt.Errorf("failed to list staging dir: %w", err)
	}

	var freed int64
	for _, pkgDir := range entries {
		if !pkgDir.IsDir() {
			continue
		}
		pkg := pkgDir.Name()
		dir := filepath.Join(a.root, pkg)
		files, err := os.ReadDir(dir)
		if err != nil {
			return freed, err
		}

		kept := 0
		for _, f := range files {
			code, ok := versionOf(f.Name())
			if ok {
				if want, active := keep[pkg]; active && want == code {
					kept++
					continue
				}
			}
			info, err := f.Info()
			if err == nil {
				freed += info.Size()
			}
			if err := os.Remove(filepath.Join(dir, f.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return freed, err
			}
			a.logger.Debug("pruned staged file", "package", pkg, "file", f.Name())
		}
		if kept == 0 {
			_ = os.Remove(dir)
		}
	}
	return freed, nil
}

// FreeBytes reports the free space on the staging filesystem.
func (a *Area) FreeBytes(ctx context.Context) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, a.root)
	if err != nil {
		return 0, fmt.Errorf("failed to read disk usage: %w", err)
	}
	return usage.Free, nil
}

func versionOf(name string) (int64, bool) {
	base := name
	for _, ext := range []string{partExt, artifactExt, verifiedExt} {
		base = strings.TrimSuffix(base, ext)
	}
	code, err := strconv.ParseInt(base, 10, 64)
	return code, err == nil
}

func validatePackage(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidPackage, name)
	}
	return nil
}

func removeAll(paths ...string) error {
	var errs []error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	d.Close()
}
