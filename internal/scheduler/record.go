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
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cardinalhq/skinrunner/internal/fingerprint"
	"github.com/cardinalhq/skinrunner/internal/skinimage"
)

// Status is the lifecycle state of a Record.
type Status int

const (
	StatusQueued Status = iota
	StatusAdmitted
	StatusInProgress
	StatusFinished
	StatusErrored
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusAdmitted:
		return "admitted"
	case StatusInProgress:
		return "in_progress"
	case StatusFinished:
		return "finished"
	case StatusErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusErrored
}

// WaitEstimate is the number of worker turns a record is expected to wait
// before service. Unbounded means no worker is currently active.
type WaitEstimate int

const Unbounded WaitEstimate = -1

func (w WaitEstimate) IsUnbounded() bool {
	return w == Unbounded
}

// estimateFor returns ceil(position / active), or Unbounded when no worker
// is active. position is 1-based.
func estimateFor(position, active int) WaitEstimate {
	if active <= 0 {
		return Unbounded
	}
	return WaitEstimate((position + active - 1) / active)
}

// Texture is a signed texture descriptor published by the identity service.
type Texture struct {
	Value     string `json:"texturePropertyValue"`
	Signature string `json:"texturePropertySignature"`
	URL       string `json:"skinUrl"`
}

// Record is one logical resolution job. It is shared by every caller that
// submits the same content while it stays in the dedup cache.
type Record struct {
	ID          uuid.UUID
	Fingerprint fingerprint.Fingerprint
	RequesterID string
	Payload     *skinimage.Image
	CreatedAt   time.Time

	mu       sync.RWMutex
	status   Status
	estimate WaitEstimate
	result   *Texture
	done     chan struct{}
}

// RecordSnapshot is a consistent copy of a Record's mutable fields.
type RecordSnapshot struct {
	ID          uuid.UUID
	Fingerprint fingerprint.Fingerprint
	RequesterID string
	Status      Status
	Estimate    WaitEstimate
	Result      *Texture
}

func newRecord(fp fingerprint.Fingerprint, requesterID string, payload *skinimage.Image) *Record {
	return &Record{
		ID:          uuid.New(),
		Fingerprint: fp,
		RequesterID: requesterID,
		Payload:     payload,
		CreatedAt:   time.Now(),
		status:      StatusQueued,
		estimate:    1,
		done:        make(chan struct{}),
	}
}

func (r *Record) Snapshot() RecordSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := RecordSnapshot{
		ID:          r.ID,
		Fingerprint: r.Fingerprint,
		RequesterID: r.RequesterID,
		Status:      r.status,
		Estimate:    r.estimate,
	}
	if r.result != nil {
		res := *r.result
		snap.Result = &res
	}
	return snap
}

func (r *Record) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

func (r *Record) Estimate() WaitEstimate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.estimate
}

// Done is closed once the record reaches Finished or Errored.
func (r *Record) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the record is terminal or ctx is done.
func (r *Record) Wait(ctx context.Context) (RecordSnapshot, error) {
	select {
	case <-r.done:
		return r.Snapshot(), nil
	case <-ctx.Done():
		return r.Snapshot(), ctx.Err()
	}
}

// setWaiting updates the queue position of a non-terminal record.
func (r *Record) setWaiting(status Status, estimate WaitEstimate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return
	}
	r.status = status
	r.estimate = estimate
}

func (r *Record) setInProgress() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return
	}
	r.status = StatusInProgress
	r.estimate = 0
}

func (r *Record) finish(result Texture) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return
	}
	r.status = StatusFinished
	r.estimate = 0
	r.result = &result
	close(r.done)
}

func (r *Record) fail() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return
	}
	r.status = StatusErrored
	r.estimate = 0
	r.result = nil
	close(r.done)
}
