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

// Package mojang is the upstream identity client: account sessions, skin
// uploads, profile reads and texture downloads.
package mojang

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cardinalhq/skinrunner/internal/scheduler"
	"github.com/cardinalhq/skinrunner/internal/skinimage"
)

const maxTextureSize = 1 << 20

var (
	// ErrRateLimited is returned when the profile endpoint kept answering
	// 429 after all retries.
	ErrRateLimited = errors.New("rate limited by identity service")

	// ErrNoTexture means the profile carries no skin texture.
	ErrNoTexture = errors.New("profile has no skin texture")

	// ErrAuthRejected means the credentials were refused.
	ErrAuthRejected = errors.New("authentication rejected")
)

type Config struct {
	SessionURL     string        `mapstructure:"session_url"`
	APIURL         string        `mapstructure:"api_url"`
	AuthURL        string        `mapstructure:"auth_url"`
	ClientToken    string        `mapstructure:"client_token"`
	ProfileRetries int           `mapstructure:"profile_retries"`
	RetryWait      time.Duration `mapstructure:"retry_wait"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

func DefaultConfig() Config {
	return Config{
		SessionURL:     "https://sessionserver.mojang.com",
		APIURL:         "https://api.mojang.com",
		AuthURL:        "https://authserver.mojang.com",
		ProfileRetries: 10,
		RetryWait:      5 * time.Second,
		Timeout:        30 * time.Second,
	}
}

// SessionStore persists access tokens across restarts.
type SessionStore interface {
	LoadSession(ctx context.Context, account uuid.UUID) (string, error)
	SaveSession(ctx context.Context, account uuid.UUID, accessToken string) error
}

// Client implements scheduler.IdentityClient against the Mojang services.
type Client struct {
	cfg      Config
	http     *http.Client
	sessions SessionStore
	tokens   *ttlcache.Cache[uuid.UUID, string]
	ll       *slog.Logger
}

var _ scheduler.IdentityClient = (*Client)(nil)

type Option func(*Client)

func WithSessionStore(s SessionStore) Option {
	return func(c *Client) {
		c.sessions = s
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

func WithLogger(ll *slog.Logger) Option {
	return func(c *Client) {
		c.ll = ll
	}
}

func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.ClientToken == "" {
		cfg.ClientToken = uuid.NewString()
	}
	for _, u := range []string{cfg.SessionURL, cfg.APIURL, cfg.AuthURL} {
		if u == "" {
			return nil, errors.New("mojang endpoints must not be empty")
		}
	}
	cfg.SessionURL = strings.TrimSuffix(cfg.SessionURL, "/")
	cfg.APIURL = strings.TrimSuffix(cfg.APIURL, "/")
	cfg.AuthURL = strings.TrimSuffix(cfg.AuthURL, "/")

	c := &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		tokens: ttlcache.New(
			ttlcache.WithTTL[uuid.UUID, string](24 * time.Hour),
		),
		ll: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ll = c.ll.With(slog.String("component", "mojang"))
	return c, nil
}

// FetchPixels downloads and decodes the texture at url.
func (c *Client) FetchPixels(ctx context.Context, url string) (*skinimage.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch texture: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("texture fetch returned status %d", resp.StatusCode)
	}

	img, err := skinimage.Decode(io.LimitReader(resp.Body, maxTextureSize))
	if err != nil {
		return nil, fmt.Errorf("decode texture: %w", err)
	}
	return img, nil
}

// undashed renders a UUID the way the upstream paths expect it.
func undashed(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")
}

func drain(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return strings.TrimSpace(string(body))
}
