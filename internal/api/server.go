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

// Package api is the public HTTP front end of the texture scheduler.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cardinalhq/skinrunner/internal/fingerprint"
	"github.com/cardinalhq/skinrunner/internal/scheduler"
	"github.com/cardinalhq/skinrunner/internal/skinimage"
	"github.com/cardinalhq/skinrunner/internal/stats"
)

const (
	maxUploadBytes     = 1 << 20
	maxCustomHeadBytes = 4 << 10
)

type Config struct {
	Address string `mapstructure:"address"`
}

// Resolver is the scheduler surface the API needs.
type Resolver interface {
	Submit(ctx context.Context, img *skinimage.Image, requesterID string) (*scheduler.Record, error)
	QueueDepth() int
	ActiveWorkers() int
	CachedRecords() int
	Workers() []scheduler.WorkerStatus
}

// ShortcutStore answers face and head requests that are already known
// without building a full skin.
type ShortcutStore interface {
	LookupFace(ctx context.Context, fp fingerprint.Fingerprint) (*scheduler.Texture, error)
	LookupHead(ctx context.Context, fp fingerprint.Fingerprint) (*scheduler.Texture, error)
}

// skinCounter is implemented by stores that can report how many textures
// they hold.
type skinCounter interface {
	CountSkins(ctx context.Context) (int64, error)
}

type Server struct {
	cfg      Config
	resolver Resolver
	store    ShortcutStore
	tracker  *stats.Tracker
	ll       *slog.Logger

	server *http.Server
}

type Option func(*Server)

func WithLogger(ll *slog.Logger) Option {
	return func(s *Server) { s.ll = ll }
}

// WithTracker counts requests and serves summaries on /api/stats.
func WithTracker(t *stats.Tracker) Option {
	return func(s *Server) { s.tracker = t }
}

func NewServer(cfg Config, resolver Resolver, store ShortcutStore, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		resolver: resolver,
		store:    store,
		ll:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ll = s.ll.With(slog.String("component", "api"))
	return s
}

// Handler returns the instrumented route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /api/v2/register_face", s.handleRegisterFace)
	mux.HandleFunc("PUT /api/v2/register_head", s.handleRegisterHead)
	mux.HandleFunc("PUT /api/v2/register_skin", s.handleRegisterSkin)
	mux.HandleFunc("POST /api/customhead", s.handleCustomHead)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/api/stats", http.StatusFound)
	})
	return otelhttp.NewHandler(mux, "skinrunner-api")
}

// Start serves until ctx is done, then shuts the listener down.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.ll.Info("Starting API server", slog.String("address", s.cfg.Address))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
		return s.Stop()
	}
}

func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	s.ll.Info("Stopping API server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// requesterID identifies the caller for fair admission.
func requesterID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// readUpload decodes the multipart "file" field as an image.
func readUpload(w http.ResponseWriter, r *http.Request) (*skinimage.Image, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, fmt.Errorf("missing file: %w", err)
	}
	defer file.Close()
	img, err := skinimage.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("invalid image: %w", err)
	}
	return img, nil
}

func (s *Server) countRequest() {
	if s.tracker != nil {
		s.tracker.OnRequest()
	}
}

func (s *Server) countCached() {
	if s.tracker != nil {
		s.tracker.OnCachedRequest()
	}
}

func (s *Server) handleRegisterFace(w http.ResponseWriter, r *http.Request) {
	s.countRequest()
	face, err := readUpload(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	skin, err := skinimage.FaceSkin(face)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Image must be 8x8 px.")
		return
	}
	if s.answerShortcut(w, r, s.store.LookupFace, fingerprint.Of(face)) {
		return
	}
	s.submit(w, r, skin, false)
}

func (s *Server) handleRegisterHead(w http.ResponseWriter, r *http.Request) {
	s.countRequest()
	raw, err := readUpload(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	head, err := skinimage.NormalizeHead(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Image must be 32x16 or 64x16 px.")
		return
	}
	if s.answerShortcut(w, r, s.store.LookupHead, fingerprint.Of(head)) {
		return
	}
	skin, err := skinimage.HeadSkin(head)
	if err != nil {
		s.internalError(w, "build head skin", err)
		return
	}
	s.submit(w, r, skin, false)
}

func (s *Server) handleRegisterSkin(w http.ResponseWriter, r *http.Request) {
	s.countRequest()
	raw, err := readUpload(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	skin, err := skinimage.NormalizeSkin(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Image must be 64x64 px.")
		return
	}
	s.submit(w, r, skin, false)
}

func (s *Server) handleCustomHead(w http.ResponseWriter, r *http.Request) {
	s.countRequest()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCustomHeadBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "request body too large")
		return
	}
	face, err := skinimage.DecodeCustomHead(strings.TrimSpace(string(body)))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	texture, err := s.store.LookupFace(r.Context(), fingerprint.Of(face))
	if err != nil {
		s.internalError(w, "face lookup", err)
		return
	}
	if texture != nil {
		s.countCached()
		writeJSON(w, http.StatusOK, legacySuccessResponse{State: stateSuccess, Skin: texture.Value, Signature: texture.Signature})
		return
	}

	skin, err := skinimage.FaceSkin(face)
	if err != nil {
		s.internalError(w, "build face skin", err)
		return
	}
	s.submit(w, r, skin, true)
}

type lookupFunc func(ctx context.Context, fp fingerprint.Fingerprint) (*scheduler.Texture, error)

// answerShortcut writes a success response when the partial image is
// already known. It reports whether a response was written.
func (s *Server) answerShortcut(w http.ResponseWriter, r *http.Request, lookup lookupFunc, fp fingerprint.Fingerprint) bool {
	texture, err := lookup(r.Context(), fp)
	if err != nil {
		s.internalError(w, "shortcut lookup", err)
		return true
	}
	if texture == nil {
		return false
	}
	s.countCached()
	writeJSON(w, http.StatusOK, successResponse{State: stateSuccess, Texture: *texture})
	return true
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, skin *skinimage.Image, legacy bool) {
	rec, err := s.resolver.Submit(r.Context(), skin, requesterID(r))
	if errors.Is(err, skinimage.ErrBadDimensions) {
		writeError(w, http.StatusBadRequest, "Image must be 64x64 px.")
		return
	}
	if err != nil {
		s.internalError(w, "submit", err)
		return
	}

	snap := rec.Snapshot()
	switch snap.Status {
	case scheduler.StatusFinished:
		s.countCached()
		if legacy {
			writeJSON(w, http.StatusOK, legacySuccessResponse{State: stateSuccess, Skin: snap.Result.Value, Signature: snap.Result.Signature})
			return
		}
		writeJSON(w, http.StatusOK, successResponse{State: stateSuccess, Texture: *snap.Result})
	case scheduler.StatusErrored:
		writeError(w, http.StatusInternalServerError, "Server error.")
	default:
		writeJSON(w, http.StatusOK, queuedResponse{State: stateQueued, TimeLeft: int(snap.Estimate)})
	}
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.ll.Error("Request failed", slog.String("op", op), slog.Any("error", err))
	writeError(w, http.StatusInternalServerError, "Internal server error.")
}

type statsResponse struct {
	QueueDepth    int                      `json:"queueDepth"`
	ActiveWorkers int                      `json:"activeWorkers"`
	CachedRecords int                      `json:"cachedRecords"`
	KnownSkins    *int64                   `json:"knownSkins,omitempty"`
	Workers       []scheduler.WorkerStatus `json:"workers"`
	Windows       []stats.Summary          `json:"windows,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		QueueDepth:    s.resolver.QueueDepth(),
		ActiveWorkers: s.resolver.ActiveWorkers(),
		CachedRecords: s.resolver.CachedRecords(),
		Workers:       s.resolver.Workers(),
	}
	if counter, ok := s.store.(skinCounter); ok {
		n, err := counter.CountSkins(r.Context())
		if err != nil {
			s.ll.Warn("Failed to count stored skins", slog.Any("error", err))
		} else {
			resp.KnownSkins = &n
		}
	}
	if s.tracker != nil {
		resp.Windows = s.tracker.Summaries()
	}
	writeJSON(w, http.StatusOK, resp)
}
