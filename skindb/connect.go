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

package skindb

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cardinalhq/skinrunner/internal/dbopen"
	"github.com/cardinalhq/skinrunner/skindb/migrations"
)

// ConnectToSkinDB opens a pool using the SKINDB_* environment and verifies
// the schema version.
func ConnectToSkinDB(ctx context.Context, opts ...migrations.CheckOption) (*pgxpool.Pool, error) {
	pool, err := ConnectToSkinDBUnchecked(ctx)
	if err != nil {
		return nil, err
	}

	if err := migrations.CheckVersion(ctx, pool, opts...); err != nil {
		pool.Close()
		return nil, fmt.Errorf("SKINDB migration version check failed: %w", err)
	}
	return pool, nil
}

// ConnectToSkinDBUnchecked opens a pool without looking at the schema
// version. Used by the migrate command.
func ConnectToSkinDBUnchecked(ctx context.Context) (*pgxpool.Pool, error) {
	connectionString, err := dbopen.GetDatabaseURLFromEnv("SKINDB")
	if err != nil {
		return nil, fmt.Errorf("failed to get SKINDB connection string: %w", err)
	}

	pool, err := newConnectionPool(ctx, connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to create SKINDB pool: %w", err)
	}
	return pool, nil
}
