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

package mojang

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/cardinalhq/skinrunner/internal/scheduler"
)

// statusError is an unexpected HTTP status from an upstream endpoint.
type statusError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *statusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned status %d", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Endpoint, e.Status, e.Body)
}

// retryable reports whether the status says "later" rather than "never".
func (e *statusError) retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

type agent struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}

type authenticateRequest struct {
	Agent       agent  `json:"agent"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	ClientToken string `json:"clientToken"`
}

type tokenPair struct {
	AccessToken string `json:"accessToken"`
	ClientToken string `json:"clientToken"`
}

// accessToken returns a token usable for uploads. fresh is true when the
// token was issued during this call.
func (c *Client) accessToken(ctx context.Context, account scheduler.Account) (token string, fresh bool, err error) {
	if token = c.cachedToken(ctx, account.UUID); token != "" {
		valid, err := c.validate(ctx, token)
		if err != nil {
			return "", false, err
		}
		if valid {
			return token, false, nil
		}

		refreshed, err := c.refresh(ctx, token)
		if err == nil {
			c.remember(ctx, account.UUID, refreshed)
			return refreshed, true, nil
		}
		c.ll.Info("Refreshing session failed, authenticating", slog.Any("account", account), slog.Any("error", err))
	}

	token, err = c.authenticate(ctx, account)
	if err != nil {
		return "", false, err
	}
	c.remember(ctx, account.UUID, token)
	return token, true, nil
}

func (c *Client) cachedToken(ctx context.Context, id uuid.UUID) string {
	if item := c.tokens.Get(id); item != nil {
		return item.Value()
	}
	if c.sessions == nil {
		return ""
	}
	token, err := c.sessions.LoadSession(ctx, id)
	if err != nil {
		c.ll.Warn("Failed to load saved session", slog.String("account", id.String()), slog.Any("error", err))
		return ""
	}
	if token != "" {
		c.tokens.Set(id, token, ttlcache.DefaultTTL)
	}
	return token
}

func (c *Client) remember(ctx context.Context, id uuid.UUID, token string) {
	c.tokens.Set(id, token, ttlcache.DefaultTTL)
	if c.sessions == nil {
		return
	}
	if err := c.sessions.SaveSession(ctx, id, token); err != nil {
		c.ll.Warn("Failed to save session", slog.String("account", id.String()), slog.Any("error", err))
	}
}

func (c *Client) forget(id uuid.UUID) {
	c.tokens.Delete(id)
}

func (c *Client) authenticate(ctx context.Context, account scheduler.Account) (string, error) {
	var pair tokenPair
	status, err := c.postJSON(ctx, "/authenticate", authenticateRequest{
		Agent:       agent{Name: "Minecraft", Version: 1},
		Username:    account.Email,
		Password:    account.Password,
		ClientToken: c.cfg.ClientToken,
	}, &pair)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && !se.retryable() {
			return "", fmt.Errorf("%w: %w", ErrAuthRejected, err)
		}
		return "", err
	}
	if status != http.StatusOK || pair.AccessToken == "" {
		return "", fmt.Errorf("%w: /authenticate returned no access token", ErrAuthRejected)
	}
	c.ll.Info("Authenticated account", slog.Any("account", account))
	return pair.AccessToken, nil
}

// validate reports whether token is still accepted. 403 means it is not.
func (c *Client) validate(ctx context.Context, token string) (bool, error) {
	status, err := c.postJSON(ctx, "/validate", tokenPair{AccessToken: token, ClientToken: c.cfg.ClientToken}, nil)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && !se.retryable() {
			return false, nil
		}
		return false, err
	}
	return status == http.StatusNoContent || status == http.StatusOK, nil
}

func (c *Client) refresh(ctx context.Context, token string) (string, error) {
	var pair tokenPair
	if _, err := c.postJSON(ctx, "/refresh", tokenPair{AccessToken: token, ClientToken: c.cfg.ClientToken}, &pair); err != nil {
		return "", err
	}
	if pair.AccessToken == "" {
		return "", errors.New("/refresh returned no access token")
	}
	return pair.AccessToken, nil
}

// postJSON posts body to the auth service. Any 2xx is success; out is
// decoded only when non-nil and the response has content.
func (c *Client) postJSON(ctx context.Context, path string, body, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AuthURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &statusError{Endpoint: path, Status: resp.StatusCode, Body: drain(resp)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}
