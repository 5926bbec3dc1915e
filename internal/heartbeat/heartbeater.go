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

// Package heartbeat runs a function on a fixed interval until cancelled.
package heartbeat

import (
	"context"
	"log/slog"
	"time"
)

// Func is called once per interval. Errors are logged and the loop goes on.
type Func func(ctx context.Context) error

type Heartbeater struct {
	fn        Func
	ll        *slog.Logger
	interval  time.Duration
	name      string
	immediate bool
	done      chan struct{}
}

type Option func(*Heartbeater)

func WithLogger(ll *slog.Logger) Option {
	return func(h *Heartbeater) {
		if ll != nil {
			h.ll = ll
		}
	}
}

// WithName labels log lines from this loop.
func WithName(name string) Option {
	return func(h *Heartbeater) {
		h.name = name
	}
}

// WithoutInitialBeat waits one full interval before the first call.
func WithoutInitialBeat() Option {
	return func(h *Heartbeater) {
		h.immediate = false
	}
}

func New(fn Func, interval time.Duration, opts ...Option) *Heartbeater {
	h := &Heartbeater{
		fn:        fn,
		ll:        slog.Default(),
		interval:  interval,
		name:      "heartbeater",
		immediate: true,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.ll = h.ll.With(slog.String("component", h.name))
	return h
}

// Start runs the loop in a goroutine and returns a function that stops it.
func (h *Heartbeater) Start(ctx context.Context) context.CancelFunc {
	loopCtx, cancel := context.WithCancel(ctx)
	go h.run(loopCtx)
	return cancel
}

// Done is closed once the loop has exited.
func (h *Heartbeater) Done() <-chan struct{} {
	return h.done
}

func (h *Heartbeater) run(ctx context.Context) {
	defer close(h.done)
	h.ll.Debug("Starting loop", slog.Duration("interval", h.interval))

	if h.immediate {
		h.beat(ctx)
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.ll.Debug("Context cancelled, stopping loop")
			return
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

func (h *Heartbeater) beat(ctx context.Context) {
	if err := h.fn(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		h.ll.Error("Periodic call failed (continuing)", slog.Any("error", err))
	}
}
