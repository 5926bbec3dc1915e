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

package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/skinrunner/internal/fingerprint"
	"github.com/cardinalhq/skinrunner/internal/scheduler"
	"github.com/cardinalhq/skinrunner/internal/skinimage"
	"github.com/cardinalhq/skinrunner/internal/stats"
)

type memStore struct {
	mu       sync.Mutex
	skins    map[fingerprint.Fingerprint]scheduler.Texture
	faces    map[fingerprint.Fingerprint]scheduler.Texture
	heads    map[fingerprint.Fingerprint]scheduler.Texture
	lookups  int
	failWith error
}

func newMemStore() *memStore {
	return &memStore{
		skins: map[fingerprint.Fingerprint]scheduler.Texture{},
		faces: map[fingerprint.Fingerprint]scheduler.Texture{},
		heads: map[fingerprint.Fingerprint]scheduler.Texture{},
	}
}

func (m *memStore) get(table map[fingerprint.Fingerprint]scheduler.Texture, fp fingerprint.Fingerprint) (*scheduler.Texture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	if m.failWith != nil {
		return nil, m.failWith
	}
	if t, ok := table[fp]; ok {
		return &t, nil
	}
	return nil, nil
}

func (m *memStore) Lookup(_ context.Context, fp fingerprint.Fingerprint) (*scheduler.Texture, error) {
	return m.get(m.skins, fp)
}

func (m *memStore) LookupFace(_ context.Context, fp fingerprint.Fingerprint) (*scheduler.Texture, error) {
	return m.get(m.faces, fp)
}

func (m *memStore) LookupHead(_ context.Context, fp fingerprint.Fingerprint) (*scheduler.Texture, error) {
	return m.get(m.heads, fp)
}

func (m *memStore) Store(_ context.Context, res scheduler.Resolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skins[res.Fingerprint] = res.Texture
	return nil
}

func (m *memStore) CountSkins(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.skins)), nil
}

type idleClient struct{}

func (idleClient) UploadImage(context.Context, scheduler.Account, *skinimage.Image) scheduler.UploadResult {
	return scheduler.UploadResult{Status: scheduler.UploadTransientFailure, Err: errors.New("unused")}
}

func (idleClient) ReadProfile(context.Context, scheduler.Account) (scheduler.Texture, error) {
	return scheduler.Texture{}, errors.New("unused")
}

func (idleClient) FetchPixels(context.Context, string) (*skinimage.Image, error) {
	return nil, errors.New("unused")
}

type fixture struct {
	store   *memStore
	tracker *stats.Tracker
	handler http.Handler
}

// newFixture wires a scheduler without accounts, so anything not already
// stored stays queued.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newMemStore()
	sched, err := scheduler.New(scheduler.DefaultConfig(), store, idleClient{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sched.Close() })

	tracker, err := stats.NewTracker(sched.QueueDepth)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tracker.Close() })

	srv := NewServer(Config{Address: ":0"}, sched, store, WithTracker(tracker))
	return &fixture{store: store, tracker: tracker, handler: srv.Handler()}
}

func patterned(w, h int, seed uint32) *skinimage.Image {
	img := skinimage.New(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, 0xff000000|(seed*2654435761+uint32(y*w+x)*40503)&0xffffff)
		}
	}
	return img
}

func uploadRequest(t *testing.T, path string, img *skinimage.Image) *http.Request {
	t.Helper()
	png, err := img.EncodePNG()
	require.NoError(t, err)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "upload.png")
	require.NoError(t, err)
	_, err = part.Write(png)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPut, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.RemoteAddr = "203.0.113.7:5555"
	return req
}

func serve(f *fixture, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	return rec, body
}

var knownTexture = scheduler.Texture{Value: "val", Signature: "sig", URL: "http://textures/known"}

func TestRegisterSkin_Known(t *testing.T) {
	f := newFixture(t)
	raw := patterned(64, 64, 1)
	normalized, err := skinimage.NormalizeSkin(raw)
	require.NoError(t, err)
	f.store.skins[fingerprint.Of(normalized)] = knownTexture

	rec, body := serve(f, uploadRequest(t, "/api/v2/register_skin", raw))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "SUCCESS", body["state"])
	assert.Equal(t, "val", body["texturePropertyValue"])
	assert.Equal(t, "sig", body["texturePropertySignature"])
	assert.Equal(t, "http://textures/known", body["skinUrl"])

	sum := f.tracker.Summarize(stats.Windows[0])
	assert.Equal(t, int64(1), sum.Requests)
	assert.Equal(t, int64(1), sum.Cached)
}

func TestRegisterSkin_QueuedWithoutAccounts(t *testing.T) {
	f := newFixture(t)

	rec, body := serve(f, uploadRequest(t, "/api/v2/register_skin", patterned(64, 64, 2)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "QUEUED", body["state"])
	assert.Equal(t, float64(-1), body["timeLeft"])

	// The same content is deduplicated, not looked up again.
	_, body = serve(f, uploadRequest(t, "/api/v2/register_skin", patterned(64, 64, 2)))
	assert.Equal(t, "QUEUED", body["state"])
	assert.Equal(t, 1, f.store.lookups)
}

func TestRegisterSkin_WrongSize(t *testing.T) {
	f := newFixture(t)
	rec, body := serve(f, uploadRequest(t, "/api/v2/register_skin", patterned(32, 32, 1)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "ERROR", body["state"])
	assert.Equal(t, "Image must be 64x64 px.", body["errorMessage"])
}

func TestRegister_MissingFile(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPut, "/api/v2/register_skin", bytes.NewReader([]byte("nope")))
	rec, body := serve(f, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "ERROR", body["state"])
}

func TestRegisterFace_ShortcutSkipsScheduler(t *testing.T) {
	f := newFixture(t)
	face := patterned(8, 8, 3)
	f.store.faces[fingerprint.Of(face)] = knownTexture

	rec, body := serve(f, uploadRequest(t, "/api/v2/register_face", face))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "SUCCESS", body["state"])
	assert.Equal(t, 1, f.store.lookups, "only the face lookup should run")
}

func TestRegisterFace_WrongSize(t *testing.T) {
	f := newFixture(t)
	rec, body := serve(f, uploadRequest(t, "/api/v2/register_face", patterned(16, 8, 3)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Image must be 8x8 px.", body["errorMessage"])
}

func TestRegisterHead_LegacyWidthMatchesWideHead(t *testing.T) {
	f := newFixture(t)
	narrow := patterned(32, 16, 4)
	wide, err := skinimage.NormalizeHead(narrow)
	require.NoError(t, err)
	f.store.heads[fingerprint.Of(wide)] = knownTexture

	_, body := serve(f, uploadRequest(t, "/api/v2/register_head", narrow))
	assert.Equal(t, "SUCCESS", body["state"])
}

func TestRegisterHead_MissIsQueued(t *testing.T) {
	f := newFixture(t)
	_, body := serve(f, uploadRequest(t, "/api/v2/register_head", patterned(64, 16, 5)))
	assert.Equal(t, "QUEUED", body["state"])
	assert.Equal(t, 2, f.store.lookups)
}

func TestRegister_StoreFailure(t *testing.T) {
	f := newFixture(t)
	f.store.failWith = errors.New("db down")

	rec, body := serve(f, uploadRequest(t, "/api/v2/register_skin", patterned(64, 64, 6)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "ERROR", body["state"])
}

func customHeadBody(face *skinimage.Image) string {
	raw := make([]byte, 0, 256)
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			raw = binary.BigEndian.AppendUint32(raw, face.At(x, y))
		}
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func TestCustomHead(t *testing.T) {
	f := newFixture(t)
	face := patterned(8, 8, 7)

	req := httptest.NewRequest(http.MethodPost, "/api/customhead", bytes.NewBufferString(customHeadBody(face)))
	_, body := serve(f, req)
	assert.Equal(t, "QUEUED", body["state"])

	f.store.faces[fingerprint.Of(face)] = knownTexture
	req = httptest.NewRequest(http.MethodPost, "/api/customhead", bytes.NewBufferString(customHeadBody(face)))
	rec, body := serve(f, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "SUCCESS", body["state"])
	assert.Equal(t, "val", body["skin"])
	assert.Equal(t, "sig", body["signature"])
}

func TestCustomHead_StoredSkinUsesLegacyShape(t *testing.T) {
	f := newFixture(t)
	face := patterned(8, 8, 8)
	skin, err := skinimage.FaceSkin(face)
	require.NoError(t, err)
	f.store.skins[fingerprint.Of(skin)] = knownTexture

	req := httptest.NewRequest(http.MethodPost, "/api/customhead", bytes.NewBufferString(customHeadBody(face)))
	_, body := serve(f, req)
	assert.Equal(t, "SUCCESS", body["state"])
	assert.Equal(t, "val", body["skin"])
	assert.NotContains(t, body, "skinUrl")
}

func TestCustomHead_BadPayload(t *testing.T) {
	f := newFixture(t)
	for _, payload := range []string{"not base64!", base64.StdEncoding.EncodeToString([]byte("short"))} {
		req := httptest.NewRequest(http.MethodPost, "/api/customhead", bytes.NewBufferString(payload))
		rec, body := serve(f, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, payload)
		assert.Equal(t, "ERROR", body["state"])
	}
}

func TestStatsAndRedirect(t *testing.T) {
	f := newFixture(t)
	serve(f, uploadRequest(t, "/api/v2/register_skin", patterned(64, 64, 9)))

	rec, body := serve(f, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["queueDepth"])
	assert.Equal(t, float64(0), body["activeWorkers"])
	assert.Equal(t, float64(1), body["cachedRecords"])
	assert.Equal(t, float64(0), body["knownSkins"])
	assert.Equal(t, []any{}, body["workers"])
	windows, ok := body["windows"].([]any)
	require.True(t, ok)
	assert.Len(t, windows, len(stats.Windows))

	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/api/stats", rec.Header().Get("Location"))
}

func TestRequesterID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.2:4000"
	assert.Equal(t, "198.51.100.2", requesterID(req))
	req.RemoteAddr = "unix"
	assert.Equal(t, "unix", requesterID(req))
}
