package catalog

import (
	"errors"
	"fmt"
	"sort"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// ErrInvalidCatalogEntry is wrapped by CatalogError for malformed releases.
var ErrInvalidCatalogEntry = errors.New("invalid catalog entry")

// CatalogError reports malformed or unreachable catalog data.
// A reconciliation pass that returns it must be discarded by the caller.
type CatalogError struct {
	PackageName string
	Reason      string
	Err         error
}

func (e *CatalogError) Error() string {
	if e.PackageName != "" {
		return fmt.Sprintf("catalog error (%s): %s", e.PackageName, e.Reason)
	}
	return fmt.Sprintf("catalog error: %s", e.Reason)
}

func (e *CatalogError) Unwrap() error {
	return e.Err
}

// Options tune presentation of the reconciled list.
type Options struct {
	// Language drives the collation used to sort by display name.
	// Zero value means English.
	Language language.Tag
}

// Latest reduces a release list to one release per package: the highest
// VersionCode wins, and equal version codes are decided by the most recent upload.
func Latest(releases []AppRelease) map[string]AppRelease {
	latest := make(map[string]AppRelease, len(releases))
	for _, r := range releases {
		cur, ok := latest[r.PackageName]
		if !ok || r.VersionCode > cur.VersionCode ||
			(r.VersionCode == cur.VersionCode && r.UploadedAt.After(cur.UploadedAt)) {
			latest[r.PackageName] = r
		}
	}
	return latest
}

// Validate checks every release in the catalog.
func (c ReleaseCatalog) Validate() error {
	for _, r := range c.Releases {
		if r.PackageName == "" {
			return &CatalogError{Reason: "release without package name", Err: ErrInvalidCatalogEntry}
		}
		if r.VersionCode <= 0 {
			return &CatalogError{
				PackageName: r.PackageName,
				Reason:      fmt.Sprintf("version code %d must be positive", r.VersionCode),
				Err:         ErrInvalidCatalogEntry,
			}
		}
	}
	return nil
}

// Reconcile classifies the catalog's latest release for every package against
// the installed state. It has no side effects and returns the same list for the
// same inputs. Packages installed locally but absent from the catalog are ignored.
func Reconcile(cat ReleaseCatalog, installed InstalledAppState, opts Options) ([]UpdateCandidate, error) {
	if err := cat.Validate(); err != nil {
		return nil, err
	}

	var candidates []UpdateCandidate
	for pkg, release := range Latest(cat.Releases) {
		current := installed.VersionOf(pkg)

		var kind CandidateKind
		switch {
		case current < 0:
			kind = CandidateNew
		case current < release.VersionCode:
			kind = CandidateUpdate
		default:
			continue
		}

		candidates = append(candidates, UpdateCandidate{
			PackageName:          pkg,
			AppID:                release.AppID,
			InstalledVersionCode: current,
			Target:               release,
			Kind:                 kind,
		})
	}

	sortByDisplayName(candidates, opts.Language)
	return candidates, nil
}

func sortByDisplayName(candidates []UpdateCandidate, tag language.Tag) {
	if tag == language.Und {
		tag = language.English
	}
	// collate.Collator is not safe for concurrent use, so each pass gets its own.
	col := collate.New(tag, collate.IgnoreCase)

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if c := col.CompareString(a.Target.DisplayName, b.Target.DisplayName); c != 0 {
			return c < 0
		}
		return a.PackageName < b.PackageName
	})
}
