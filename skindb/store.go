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

// Package skindb is the PostgreSQL-backed texture store and account roster.
package skindb

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jellydator/ttlcache/v3"

	"github.com/cardinalhq/skinrunner/internal/fingerprint"
	"github.com/cardinalhq/skinrunner/internal/scheduler"
)

type hashColumn int

const (
	byHash hashColumn = iota
	byFace
	byHead
)

type hitKey struct {
	column hashColumn
	fp     fingerprint.Fingerprint
}

// Store provides the queries skinrunner needs. Stored textures never change,
// so positive lookups are cached in memory.
type Store struct {
	pool *pgxpool.Pool
	hits *ttlcache.Cache[hitKey, scheduler.Texture]
}

var _ scheduler.Store = (*Store)(nil)

func NewStore(pool *pgxpool.Pool) *Store {
	s := &Store{
		pool: pool,
		hits: ttlcache.New(
			ttlcache.WithTTL[hitKey, scheduler.Texture](10*time.Minute),
			ttlcache.WithCapacity[hitKey, scheduler.Texture](10000),
		),
	}
	go s.hits.Start()
	return s
}

// Close stops the hit cache janitor. The pool is owned by the caller.
func (s *Store) Close() {
	s.hits.Stop()
}
