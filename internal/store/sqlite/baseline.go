package sqlite

import (
	"context"
	"fmt"
)

// InstalledBaseline returns the installed set recorded at the last sync.
func (s *Store) InstalledBaseline(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT package_name, version_code FROM installed_baseline`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	baseline := make(map[string]int64)
	for rows.Next() {
		var (
			pkg  string
			code int64
		)
		if err := rows.Scan(&pkg, &code); err != nil {
			return nil, err
		}
		baseline[pkg] = code
	}
	return baseline, rows.Err()
}

// ReplaceBaseline swaps the whole baseline for installed.
func (s *Store) ReplaceBaseline(ctx context.Context, installed map[string]int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM installed_baseline`); err != nil {
		return fmt.Errorf("failed to clear baseline: %w", err)
	}

	now := toNanos(s.now())
	for pkg, code := range installed {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO installed_baseline (package_name, version_code, updated_at) VALUES (?, ?, ?)`,
			pkg, code, now,
		); err != nil {
			return fmt.Errorf("failed to write baseline for %s: %w", pkg, err)
		}
	}
	return tx.Commit()
}

// SetBaselineVersion records a single package's installed version.
func (s *Store) SetBaselineVersion(ctx context.Context, packageName string, versionCode int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO installed_baseline (package_name, version_code, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(package_name) DO UPDATE SET
			version_code = excluded.version_code,
			updated_at = excluded.updated_at
	`, packageName, versionCode, toNanos(s.now()))
	return err
}
