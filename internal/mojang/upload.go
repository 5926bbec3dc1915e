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
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"

	"github.com/cardinalhq/skinrunner/internal/scheduler"
	"github.com/cardinalhq/skinrunner/internal/skinimage"
)

// UploadImage sets img as the account's skin. A rejected token is replaced
// once; a rejection right after authenticating means the account itself
// needs attention.
func (c *Client) UploadImage(ctx context.Context, account scheduler.Account, img *skinimage.Image) scheduler.UploadResult {
	png, err := img.EncodePNG()
	if err != nil {
		return scheduler.UploadResult{Status: scheduler.UploadTransientFailure, Err: fmt.Errorf("encode png: %w", err)}
	}

	token, fresh, err := c.accessToken(ctx, account)
	if err != nil {
		return c.uploadFailed(account, err)
	}

	err = c.putSkin(ctx, account, token, png)
	var se *statusError
	if errors.As(err, &se) && !fresh && isAuthStatus(se.Status) {
		c.ll.Info("Upload token rejected, authenticating again", slog.Any("account", account))
		c.forget(account.UUID)
		if token, err = c.authenticate(ctx, account); err == nil {
			c.remember(ctx, account.UUID, token)
			err = c.putSkin(ctx, account, token, png)
		}
	}
	if err != nil {
		return c.uploadFailed(account, err)
	}
	return scheduler.UploadResult{Status: scheduler.UploadOK}
}

func (c *Client) uploadFailed(account scheduler.Account, err error) scheduler.UploadResult {
	status := classify(err)
	if status == scheduler.UploadPermanentFailure {
		c.forget(account.UUID)
	}
	return scheduler.UploadResult{Status: status, Err: err}
}

// classify maps an upload error to the account's fate. Unexpected statuses
// are permanent; throttling, server errors and transport failures are not.
func classify(err error) scheduler.UploadStatus {
	if errors.Is(err, ErrAuthRejected) {
		return scheduler.UploadPermanentFailure
	}
	var se *statusError
	if errors.As(err, &se) {
		if se.retryable() {
			return scheduler.UploadTransientFailure
		}
		return scheduler.UploadPermanentFailure
	}
	return scheduler.UploadTransientFailure
}

func isAuthStatus(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

func (c *Client) putSkin(ctx context.Context, account scheduler.Account, token string, png []byte) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="skin.png"`)
	h.Set("Content-Type", "image/png")
	part, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create multipart file: %w", err)
	}
	if _, err := part.Write(png); err != nil {
		return fmt.Errorf("write multipart file: %w", err)
	}
	if err := mw.WriteField("model", ""); err != nil {
		return fmt.Errorf("write multipart model: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart body: %w", err)
	}

	url := fmt.Sprintf("%s/user/profile/%s/skin", c.cfg.APIURL, undashed(account.UUID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, &body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload skin: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNoContent {
		return &statusError{Endpoint: "/skin", Status: resp.StatusCode, Body: drain(resp)}
	}
	return nil
}
