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
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jellydator/ttlcache/v3"

	"github.com/cardinalhq/skinrunner/internal/fingerprint"
	"github.com/cardinalhq/skinrunner/internal/scheduler"
)

const (
	lookupByHash = `SELECT skin_url, texture_value, texture_signature FROM skins WHERE hash = $1`
	lookupByFace = `SELECT skin_url, texture_value, texture_signature FROM skins WHERE hash_face = $1 ORDER BY created_at LIMIT 1`
	lookupByHead = `SELECT skin_url, texture_value, texture_signature FROM skins WHERE hash_head = $1 ORDER BY created_at LIMIT 1`

	insertSkin = `INSERT INTO skins (hash, hash_face, hash_head, skin_url, texture_value, texture_signature, account_uuid)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (hash) DO NOTHING`

	countSkins = `SELECT count(*) FROM skins`
)

// Lookup returns the texture stored for the full content fingerprint, or
// nil when there is none.
func (s *Store) Lookup(ctx context.Context, fp fingerprint.Fingerprint) (*scheduler.Texture, error) {
	return s.lookup(ctx, hitKey{column: byHash, fp: fp})
}

// LookupFace returns any texture whose 8x8 face matches fp.
func (s *Store) LookupFace(ctx context.Context, fp fingerprint.Fingerprint) (*scheduler.Texture, error) {
	return s.lookup(ctx, hitKey{column: byFace, fp: fp})
}

// LookupHead returns any texture whose 64x16 head strip matches fp.
func (s *Store) LookupHead(ctx context.Context, fp fingerprint.Fingerprint) (*scheduler.Texture, error) {
	return s.lookup(ctx, hitKey{column: byHead, fp: fp})
}

func (s *Store) lookup(ctx context.Context, key hitKey) (*scheduler.Texture, error) {
	var lookupErr error
	loader := ttlcache.LoaderFunc[hitKey, scheduler.Texture](
		func(cache *ttlcache.Cache[hitKey, scheduler.Texture], key hitKey) *ttlcache.Item[hitKey, scheduler.Texture] {
			t, err := s.lookupUncached(ctx, key)
			if err != nil || t == nil {
				lookupErr = err
				return nil
			}
			return cache.Set(key, *t, ttlcache.DefaultTTL)
		},
	)
	item := s.hits.Get(key, ttlcache.WithLoader(loader))
	if item == nil {
		return nil, lookupErr
	}
	t := item.Value()
	return &t, nil
}

func (s *Store) lookupUncached(ctx context.Context, key hitKey) (*scheduler.Texture, error) {
	query := lookupByHash
	switch key.column {
	case byFace:
		query = lookupByFace
	case byHead:
		query = lookupByHead
	}

	var t scheduler.Texture
	err := s.pool.QueryRow(ctx, query, key.fp.Bytes()).Scan(&t.URL, &t.Value, &t.Signature)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up skin %s: %w", key.fp.Short(), err)
	}
	return &t, nil
}

// Store persists a verified resolution. Storing the same content twice is
// a no-op.
func (s *Store) Store(ctx context.Context, res scheduler.Resolution) error {
	_, err := s.pool.Exec(ctx, insertSkin,
		res.Fingerprint.Bytes(),
		res.FaceFingerprint.Bytes(),
		res.HeadFingerprint.Bytes(),
		res.Texture.URL,
		res.Texture.Value,
		res.Texture.Signature,
		pgtype.UUID{Bytes: res.Account, Valid: res.Account != uuid.Nil},
	)
	if err != nil {
		return fmt.Errorf("failed to store skin %s: %w", res.Fingerprint.Short(), err)
	}
	s.hits.Set(hitKey{column: byHash, fp: res.Fingerprint}, res.Texture, ttlcache.DefaultTTL)
	return nil
}

// CountSkins returns the number of stored textures.
func (s *Store) CountSkins(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, countSkins).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count skins: %w", err)
	}
	return n, nil
}
