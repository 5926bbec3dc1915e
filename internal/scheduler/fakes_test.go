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
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/skinrunner/internal/fingerprint"
	"github.com/cardinalhq/skinrunner/internal/skinimage"
)

type fakeStore struct {
	mu          sync.Mutex
	textures    map[fingerprint.Fingerprint]Texture
	stored      []Resolution
	lookups     atomic.Int64
	lookupDelay time.Duration
	lookupErr   error
	storeErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{textures: map[fingerprint.Fingerprint]Texture{}}
}

func (f *fakeStore) Lookup(_ context.Context, fp fingerprint.Fingerprint) (*Texture, error) {
	f.lookups.Add(1)
	if f.lookupDelay > 0 {
		time.Sleep(f.lookupDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	if t, ok := f.textures[fp]; ok {
		return &t, nil
	}
	return nil, nil
}

func (f *fakeStore) Store(_ context.Context, res Resolution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeErr != nil {
		return f.storeErr
	}
	f.stored = append(f.stored, res)
	f.textures[res.Fingerprint] = res.Texture
	return nil
}

func (f *fakeStore) setLookupErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookupErr = err
}

func (f *fakeStore) storedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stored)
}

// fakeClient behaves like a well-behaved upstream: whatever was uploaded to
// an account is what its profile points at. Hooks inject failures.
type fakeClient struct {
	mu      sync.Mutex
	slots   map[uuid.UUID]*skinimage.Image
	pixels  map[string]*skinimage.Image
	uploads []uuid.UUID
	order   []*skinimage.Image
	reads   []time.Time

	uploadCalls atomic.Int64
	readCalls   atomic.Int64

	// uploadHook may override the result of the n-th upload (1-based).
	uploadHook func(n int64, account Account) *UploadResult
	// readHook may fail the n-th profile read (1-based).
	readHook func(n int64) error
	// fetchHook may replace the pixels returned by a fetch.
	fetchHook func(img *skinimage.Image) *skinimage.Image
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		slots:  map[uuid.UUID]*skinimage.Image{},
		pixels: map[string]*skinimage.Image{},
	}
}

func (c *fakeClient) UploadImage(_ context.Context, account Account, img *skinimage.Image) UploadResult {
	n := c.uploadCalls.Add(1)
	if c.uploadHook != nil {
		if res := c.uploadHook(n, account); res != nil {
			return *res
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slots[account.UUID] = img.Clone()
	c.uploads = append(c.uploads, account.UUID)
	c.order = append(c.order, img)
	return UploadResult{Status: UploadOK}
}

func (c *fakeClient) ReadProfile(_ context.Context, account Account) (Texture, error) {
	n := c.readCalls.Add(1)
	c.mu.Lock()
	c.reads = append(c.reads, time.Now())
	c.mu.Unlock()
	if c.readHook != nil {
		if err := c.readHook(n); err != nil {
			return Texture{}, err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	img, ok := c.slots[account.UUID]
	if !ok {
		return Texture{}, errors.New("no texture")
	}
	url := fmt.Sprintf("mem://%s/%d", account.UUID, n)
	c.pixels[url] = img
	return Texture{
		Value:     "value-" + fingerprint.Of(img).Short(),
		Signature: "sig-" + account.UUID.String(),
		URL:       url,
	}, nil
}

func (c *fakeClient) FetchPixels(_ context.Context, url string) (*skinimage.Image, error) {
	c.mu.Lock()
	img, ok := c.pixels[url]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown url %s", url)
	}
	if c.fetchHook != nil {
		return c.fetchHook(img), nil
	}
	return img.Clone(), nil
}

func (c *fakeClient) uploadOrder() []*skinimage.Image {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*skinimage.Image, len(c.order))
	copy(out, c.order)
	return out
}

func (c *fakeClient) readTimes() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Time, len(c.reads))
	copy(out, c.reads)
	return out
}

func testConfig() Config {
	return Config{
		IdleExpiry:       time.Minute,
		PropagationDelay: time.Millisecond,
		ReadInterval:     0,
		Cooldown:         100 * time.Millisecond,
		LookupTimeout:    time.Second,
		ListenerTimeout:  time.Second,
	}
}

func testAccounts(n int) []Account {
	out := make([]Account, n)
	for i := range out {
		out[i] = Account{
			Email:    fmt.Sprintf("account%d@example.com", i),
			Password: "hunter2",
			UUID:     uuid.New(),
		}
	}
	return out
}

// testSkin returns a 64x64 skin made unique by seed.
func testSkin(seed uint32) *skinimage.Image {
	img := skinimage.New(skinimage.SkinWidth, skinimage.SkinHeight)
	img.Set(20, 20, 0xff000000|seed)
	img.Set(21, 20, seed)
	return img
}

func newTestScheduler(t *testing.T, cfg Config, store Store, client IdentityClient, accounts int, opts ...Option) *Scheduler {
	t.Helper()
	s, err := New(cfg, store, client, testAccounts(accounts), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitDone(t *testing.T, rec *Record) RecordSnapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := rec.Wait(ctx)
	require.NoError(t, err, "record did not reach a terminal state")
	return snap
}
