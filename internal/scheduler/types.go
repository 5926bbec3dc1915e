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
	"log/slog"

	"github.com/google/uuid"

	"github.com/cardinalhq/skinrunner/internal/fingerprint"
	"github.com/cardinalhq/skinrunner/internal/skinimage"
)

// Account is one upstream account a worker is bound to.
type Account struct {
	Email    string
	Password string
	UUID     uuid.UUID
}

// LogValue keeps credentials out of log lines.
func (a Account) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("email", a.Email),
		slog.String("uuid", a.UUID.String()),
	)
}

// Resolution is a verified mapping from content to a signed texture.
type Resolution struct {
	Fingerprint     fingerprint.Fingerprint
	FaceFingerprint fingerprint.Fingerprint
	HeadFingerprint fingerprint.Fingerprint
	Texture         Texture
	Skin            *skinimage.Image
	Account         uuid.UUID
}

// Store is the durable cache of verified resolutions.
// Lookup returns nil, nil when the fingerprint is unknown.
// Store must be idempotent per fingerprint.
type Store interface {
	Lookup(ctx context.Context, fp fingerprint.Fingerprint) (*Texture, error)
	Store(ctx context.Context, res Resolution) error
}

// UploadStatus classifies the result of an upload attempt.
type UploadStatus int

const (
	UploadOK UploadStatus = iota
	// UploadPermanentFailure means the account cannot be used again without
	// manual intervention.
	UploadPermanentFailure
	UploadTransientFailure
)

func (s UploadStatus) String() string {
	switch s {
	case UploadOK:
		return "ok"
	case UploadPermanentFailure:
		return "permanent_failure"
	case UploadTransientFailure:
		return "transient_failure"
	default:
		return "unknown"
	}
}

type UploadResult struct {
	Status UploadStatus
	Err    error
}

// IdentityClient talks to the upstream identity service.
type IdentityClient interface {
	UploadImage(ctx context.Context, account Account, img *skinimage.Image) UploadResult
	ReadProfile(ctx context.Context, account Account) (Texture, error)
	FetchPixels(ctx context.Context, url string) (*skinimage.Image, error)
}

// ResolutionListener is notified after a resolution has been committed.
// Errors are logged and never affect the record.
type ResolutionListener interface {
	OnResolved(ctx context.Context, res Resolution) error
}

// ResolutionListenerFunc adapts a function to ResolutionListener.
type ResolutionListenerFunc func(ctx context.Context, res Resolution) error

func (f ResolutionListenerFunc) OnResolved(ctx context.Context, res Resolution) error {
	return f(ctx, res)
}

// Fault is the closed set of outcomes for one job.
type Fault int

const (
	FaultNone Fault = iota
	// FaultPermanentAccount disables the worker for good.
	FaultPermanentAccount
	// FaultTransient disables the worker for the cooldown window.
	FaultTransient
	// FaultVerificationMismatch fails only the current job.
	FaultVerificationMismatch
)

func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultPermanentAccount:
		return "permanent_account"
	case FaultTransient:
		return "transient"
	case FaultVerificationMismatch:
		return "verification_mismatch"
	default:
		return "unknown"
	}
}
