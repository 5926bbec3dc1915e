// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package migrations

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/pgx"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

//go:embed *.sql
var migrationFiles embed.FS

const migrationTable = "gomigrate_skindb"

// RunMigrationsUp applies all up migrations using embedded migration files.
func RunMigrationsUp(ctx context.Context, pool *pgxpool.Pool) error {
	m, closeFn, err := newMigrate(pool)
	if err != nil {
		return err
	}
	defer closeFn()

	_, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get current version: %w", err)
	}
	if dirty {
		return errors.New("migration is dirty, please fix it before proceeding")
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// CheckVersion verifies that skindb is at the migration version this binary
// was built with.
func CheckVersion(ctx context.Context, pool *pgxpool.Pool, options ...CheckOption) error {
	if !checkEnabledFromEnv() {
		slog.Debug("Migration version checking disabled for skindb")
		return nil
	}

	opts := DefaultCheckOptions()
	for _, option := range options {
		option(&opts)
	}
	if opts.Mode == CheckModeSkip {
		slog.Debug("Migration version checking skipped for skindb")
		return nil
	}
	applyEnvironmentOverrides(&opts)

	return checkVersion(ctx, pool, opts)
}

func checkEnabledFromEnv() bool {
	if val := os.Getenv("SKINDB_MIGRATION_CHECK_ENABLED"); val != "" {
		return strings.ToLower(val) == "true"
	}
	return true
}

func applyEnvironmentOverrides(opts *CheckOptions) {
	if val := os.Getenv("MIGRATION_CHECK_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			opts.Timeout = d
		}
	}
	if val := os.Getenv("MIGRATION_CHECK_RETRY_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			opts.RetryInterval = d
		}
	}
	if val := os.Getenv("MIGRATION_CHECK_ALLOW_DIRTY"); val != "" {
		opts.AllowDirty = strings.ToLower(val) == "true"
	}
}

// latestVersion returns the highest version among the embedded up files,
// named like "1760000000_initial.up.sql".
func latestVersion(files embed.FS) (uint, error) {
	entries, err := files.ReadDir(".")
	if err != nil {
		return 0, fmt.Errorf("failed to read migration directory: %w", err)
	}

	var maxVersion uint
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		prefix, _, _ := strings.Cut(name, "_")
		version, err := strconv.ParseUint(prefix, 10, 64)
		if err != nil {
			continue
		}
		maxVersion = max(maxVersion, uint(version))
	}
	if maxVersion == 0 {
		return 0, errors.New("no valid migration files found")
	}
	return maxVersion, nil
}

func checkVersion(ctx context.Context, pool *pgxpool.Pool, opts CheckOptions) error {
	expected, err := latestVersion(migrationFiles)
	if err != nil {
		return fmt.Errorf("failed to extract expected migration version for skindb: %w", err)
	}

	current, dirty, err := currentVersion(pool)
	if err != nil {
		return fmt.Errorf("failed to get current migration version for skindb: %w", err)
	}
	if dirty && !opts.AllowDirty {
		if opts.Mode != CheckModeWarn {
			return errors.New("database skindb migration is in dirty state, please fix before proceeding")
		}
		slog.Warn("Database migration is in dirty state, but continuing anyway", slog.String("database", "skindb"))
	}
	if current == expected {
		return nil
	}

	if opts.Mode == CheckModeWarn {
		slog.Warn("Database version does not match, but continuing anyway",
			slog.String("database", "skindb"),
			slog.Uint64("current_version", uint64(current)),
			slog.Uint64("expected_version", uint64(expected)))
		return nil
	}
	if current > expected {
		return fmt.Errorf("database skindb version %d is newer than expected version %d - you may need to update the application",
			current, expected)
	}

	deadline := time.Now().Add(opts.Timeout)
	ticker := time.NewTicker(opts.RetryInterval)
	defer ticker.Stop()

	for {
		slog.Info("Waiting for migrations to complete",
			slog.String("database", "skindb"),
			slog.Uint64("current_version", uint64(current)),
			slog.Uint64("expected_version", uint64(expected)),
			slog.Duration("remaining_timeout", time.Until(deadline)))

		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled while waiting for skindb migrations: %w", ctx.Err())
		case <-ticker.C:
		}

		current, _, err = currentVersion(pool)
		if err != nil {
			return fmt.Errorf("failed to get current migration version for skindb: %w", err)
		}
		if current == expected {
			slog.Info("Migration version check passed",
				slog.String("database", "skindb"),
				slog.Uint64("version", uint64(current)))
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for skindb migrations: at version %d, expected %d", current, expected)
		}
	}
}

func currentVersion(pool *pgxpool.Pool) (uint, bool, error) {
	m, closeFn, err := newMigrate(pool)
	if err != nil {
		return 0, false, err
	}
	defer closeFn()

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, dirty, nil
}

func newMigrate(pool *pgxpool.Pool) (*migrate.Migrate, func(), error) {
	sourceDriver, err := iofs.New(migrationFiles, ".")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create iofs driver: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(pool)
	dbDriver, err := pgx.WithInstance(sqlDB, &pgx.Config{
		MigrationsTable: migrationTable,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create pgx driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		_ = dbDriver.Close()
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, func() {
		_ = dbDriver.Close()
		_ = sqlDB.Close()
	}, nil
}
