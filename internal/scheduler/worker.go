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
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/cardinalhq/skinrunner/internal/fingerprint"
	"github.com/cardinalhq/skinrunner/internal/skinimage"
)

var errVerificationMismatch = errors.New("fetched texture does not match requested content")

var tracer = otel.Tracer("github.com/cardinalhq/skinrunner/internal/scheduler")

// worker drives one account through upload, wait, fetch and verify.
// active and lastFetch are guarded by Scheduler.mu.
type worker struct {
	s       *Scheduler
	account Account
	limiter *rate.Limiter
	ll      *slog.Logger

	active    bool
	disabled  bool
	lastFetch time.Time
}

// WorkerStatus is a read-only view of a worker for reporting.
type WorkerStatus struct {
	Account   string    `json:"account"`
	Active    bool      `json:"active"`
	Disabled  bool      `json:"disabled"`
	LastFetch time.Time `json:"lastFetch"`
}

func newWorker(s *Scheduler, account Account) *worker {
	return &worker{
		s:       s,
		account: account,
		limiter: rate.NewLimiter(rate.Every(s.cfg.ReadInterval), 1),
		ll:      s.ll.With(slog.String("account", account.UUID.String())),
		active:  true,
	}
}

func (w *worker) run(ctx context.Context) {
	defer w.s.wg.Done()
	w.ll.Info("Account worker started")

	// Jobs run to completion even when shutdown is requested.
	jobCtx := context.WithoutCancel(ctx)

	for {
		rec, err := w.s.pop(ctx)
		if err != nil {
			w.s.setWorkerActive(w, false)
			w.ll.Info("Account worker stopped")
			return
		}

		switch fault := w.process(jobCtx, rec); fault {
		case FaultNone, FaultVerificationMismatch:
			continue

		case FaultPermanentAccount:
			w.s.disableWorker(w)
			w.ll.Error("Account permanently disabled, worker exiting")
			return

		case FaultTransient:
			w.s.setWorkerActive(w, false)
			w.ll.Warn("Account cooling down after failure", slog.Duration("cooldown", w.s.cfg.Cooldown))
			if err := sleepCtx(ctx, w.s.cfg.Cooldown); err != nil {
				w.ll.Info("Account worker stopped during cooldown")
				return
			}
			w.s.setWorkerActive(w, true)
			w.ll.Info("Account reactivated after cooldown")
		}
	}
}

// process runs one job and records its outcome on the record. Panics are
// treated as transient infrastructure faults.
func (w *worker) process(ctx context.Context, rec *Record) (fault Fault) {
	start := time.Now()
	ll := w.ll.With(slog.String("fingerprint", rec.Fingerprint.Short()), slog.String("requester", rec.RequesterID))

	ctx, span := tracer.Start(ctx, "scheduler.job", trace.WithAttributes(
		attribute.String("fingerprint", rec.Fingerprint.Short()),
		attribute.String("account", w.account.UUID.String()),
	))
	defer func() {
		if r := recover(); r != nil {
			ll.Error("Panic while processing job", slog.Any("panic", r))
			fault = FaultTransient
		}
		if fault != FaultNone {
			rec.fail()
			span.SetStatus(codes.Error, fault.String())
		}
		span.SetAttributes(attribute.String("fault", fault.String()))
		span.End()
		w.s.metrics.jobDuration.Record(context.Background(), time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("fault", fault.String())))
	}()

	ll.Info("Processing job")
	fault, err := w.runJob(ctx, rec)
	switch fault {
	case FaultNone:
		ll.Info("Job finished", slog.Duration("duration", time.Since(start)))
	case FaultVerificationMismatch:
		ll.Error("Job failed verification", slog.Any("error", err))
	default:
		ll.Error("Job failed", slog.String("fault", fault.String()), slog.Any("error", err))
	}
	return fault
}

func (w *worker) runJob(ctx context.Context, rec *Record) (Fault, error) {
	client := w.s.client

	up := client.UploadImage(ctx, w.account, rec.Payload)
	switch up.Status {
	case UploadOK:
	case UploadPermanentFailure:
		return FaultPermanentAccount, fmt.Errorf("upload rejected: %w", up.Err)
	case UploadTransientFailure:
		return FaultTransient, fmt.Errorf("upload failed: %w", up.Err)
	default:
		return FaultPermanentAccount, fmt.Errorf("unrecognized upload status %d: %w", up.Status, up.Err)
	}

	if err := sleepCtx(ctx, w.s.cfg.PropagationDelay); err != nil {
		return FaultTransient, err
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return FaultTransient, fmt.Errorf("waiting for read throttle: %w", err)
	}

	texture, err := client.ReadProfile(ctx, w.account)
	w.s.markFetch(w, time.Now())
	if err != nil {
		return FaultTransient, fmt.Errorf("reading profile: %w", err)
	}

	pixels, err := client.FetchPixels(ctx, texture.URL)
	if err != nil {
		return FaultTransient, fmt.Errorf("fetching texture %s: %w", texture.URL, err)
	}

	if err := verify(rec, pixels); err != nil {
		return FaultVerificationMismatch, err
	}

	res, err := newResolution(rec, texture, w.account)
	if err != nil {
		return FaultTransient, err
	}
	if err := w.s.store.Store(ctx, res); err != nil {
		return FaultTransient, fmt.Errorf("storing resolution: %w", err)
	}
	rec.finish(texture)
	w.s.onVerified(ctx, res)
	return FaultNone, nil
}

// verify compares the fetched pixels, over the requested region, against
// the fingerprint of the requested content.
func verify(rec *Record, pixels *skinimage.Image) error {
	if pixels == nil {
		return fmt.Errorf("%w: no pixels", errVerificationMismatch)
	}
	fp, err := fingerprint.OfRegion(pixels, 0, 0, rec.Payload.Width(), rec.Payload.Height())
	if err != nil {
		return fmt.Errorf("%w: %v", errVerificationMismatch, err)
	}
	if fp != rec.Fingerprint {
		return fmt.Errorf("%w: got %s", errVerificationMismatch, fp.Short())
	}
	return nil
}

func newResolution(rec *Record, texture Texture, account Account) (Resolution, error) {
	res := Resolution{
		Fingerprint: rec.Fingerprint,
		Texture:     texture,
		Skin:        rec.Payload,
		Account:     account.UUID,
	}
	var err error
	if res.FaceFingerprint, err = fingerprint.OfRegion(rec.Payload, skinimage.FaceX, skinimage.FaceY, skinimage.FaceSize, skinimage.FaceSize); err != nil {
		return res, fmt.Errorf("face fingerprint: %w", err)
	}
	if res.HeadFingerprint, err = fingerprint.OfRegion(rec.Payload, 0, 0, skinimage.HeadWidth, skinimage.HeadHeight); err != nil {
		return res, fmt.Errorf("head fingerprint: %w", err)
	}
	return res, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
