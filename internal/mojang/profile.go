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
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/cardinalhq/skinrunner/internal/scheduler"
)

type profileProperty struct {
	Name      string `json:"name"`
	Value     string `json:"value"`
	Signature string `json:"signature"`
}

type profileResponse struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Properties []profileProperty `json:"properties"`
}

type texturesPayload struct {
	Textures struct {
		Skin *struct {
			URL string `json:"url"`
		} `json:"SKIN"`
	} `json:"textures"`
}

// ReadProfile returns the signed textures property of the account. A 429 is
// retried up to ProfileRetries times, RetryWait apart.
func (c *Client) ReadProfile(ctx context.Context, account scheduler.Account) (scheduler.Texture, error) {
	op := func() (scheduler.Texture, error) {
		t, err := c.readProfileOnce(ctx, account)
		if err != nil && !errors.Is(err, ErrRateLimited) {
			return t, backoff.Permanent(err)
		}
		return t, err
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.cfg.RetryWait)),
		backoff.WithMaxTries(uint(c.cfg.ProfileRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.ll.Warn("Profile read throttled, retrying",
				slog.String("account", account.UUID.String()),
				slog.Duration("wait", wait),
				slog.Any("error", err))
		}),
	)
}

func (c *Client) readProfileOnce(ctx context.Context, account scheduler.Account) (scheduler.Texture, error) {
	url := fmt.Sprintf("%s/session/minecraft/profile/%s?unsigned=false", c.cfg.SessionURL, undashed(account.UUID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return scheduler.Texture{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return scheduler.Texture{}, fmt.Errorf("read profile: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return scheduler.Texture{}, ErrRateLimited
	default:
		return scheduler.Texture{}, &statusError{Endpoint: "/session/minecraft/profile", Status: resp.StatusCode, Body: drain(resp)}
	}

	var profile profileResponse
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return scheduler.Texture{}, fmt.Errorf("decode profile: %w", err)
	}
	return textureFromProfile(profile)
}

func textureFromProfile(profile profileResponse) (scheduler.Texture, error) {
	if len(profile.Properties) == 0 {
		return scheduler.Texture{}, ErrNoTexture
	}
	prop := profile.Properties[0]
	for _, p := range profile.Properties {
		if p.Name == "textures" {
			prop = p
			break
		}
	}

	url, err := skinURL(prop.Value)
	if err != nil {
		return scheduler.Texture{}, err
	}
	return scheduler.Texture{
		Value:     prop.Value,
		Signature: prop.Signature,
		URL:       url,
	}, nil
}

// skinURL extracts textures.SKIN.url from a base64 texture property value.
func skinURL(value string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return "", fmt.Errorf("decode texture property: %w", err)
	}
	var payload texturesPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("parse texture property: %w", err)
	}
	if payload.Textures.Skin == nil || payload.Textures.Skin.URL == "" {
		return "", ErrNoTexture
	}
	return payload.Textures.Skin.URL, nil
}
