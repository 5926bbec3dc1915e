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

package scheduler

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/cardinalhq/skinrunner/internal/fingerprint"
)

// dedupCache maps content to its live or recently finished Record. Entries
// expire after a period without access, independent of job completion.
type dedupCache struct {
	cache *ttlcache.Cache[fingerprint.Fingerprint, *Record]
	group singleflight.Group
}

func newDedupCache(idle time.Duration) *dedupCache {
	return &dedupCache{
		cache: ttlcache.New(
			ttlcache.WithTTL[fingerprint.Fingerprint, *Record](idle),
		),
	}
}

func (d *dedupCache) start() {
	go d.cache.Start()
}

func (d *dedupCache) stop() {
	d.cache.Stop()
}

// getOrCreate returns the cached record for fp. On a miss exactly one caller
// runs create; concurrent callers for the same fp wait for it and share the
// result. created is true only for the caller whose create ran.
func (d *dedupCache) getOrCreate(fp fingerprint.Fingerprint, create func() (*Record, error)) (rec *Record, created bool, err error) {
	loader := ttlcache.LoaderFunc[fingerprint.Fingerprint, *Record](
		func(c *ttlcache.Cache[fingerprint.Fingerprint, *Record], key fingerprint.Fingerprint) *ttlcache.Item[fingerprint.Fingerprint, *Record] {
			// A previous flight may have finished between our miss and
			// joining the group.
			if item := c.Get(key); item != nil {
				return item
			}
			r, cerr := create()
			if cerr != nil {
				err = cerr
				return nil
			}
			created = true
			return c.Set(key, r, ttlcache.DefaultTTL)
		},
	)

	item := d.cache.Get(fp, ttlcache.WithLoader[fingerprint.Fingerprint, *Record](
		ttlcache.NewSuppressedLoader[fingerprint.Fingerprint, *Record](loader, &d.group),
	))
	if item == nil {
		if err == nil {
			err = ErrStoreUnavailable
		}
		return nil, false, err
	}
	return item.Value(), created, nil
}

func (d *dedupCache) len() int {
	return d.cache.Len()
}
