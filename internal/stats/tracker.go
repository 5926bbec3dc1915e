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

// Package stats keeps per-minute service counters for the last week and
// summarizes them over fixed windows.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/skinrunner/internal/heartbeat"
)

// retention is one week of one-minute buckets.
const retention = 7 * 24 * 60

// Window is a trailing period, in minutes, that counters are summed over.
type Window struct {
	Name    string
	Minutes int
}

var Windows = []Window{
	{Name: "5m", Minutes: 5},
	{Name: "1h", Minutes: 60},
	{Name: "24h", Minutes: 24 * 60},
	{Name: "7d", Minutes: retention},
}

type bucket struct {
	minute   int64
	requests int64
	cached   int64
	upstream int64
	samples  int64
	depthSum int64
	depthMax int64
}

// Summary aggregates one window.
type Summary struct {
	Window        string  `json:"window"`
	Requests      int64   `json:"requests"`
	Cached        int64   `json:"cached"`
	Upstream      int64   `json:"upstream"`
	MaxQueueDepth int64   `json:"maxQueueDepth"`
	AvgQueueDepth float64 `json:"avgQueueDepth"`
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	buckets []bucket
	depth   func() int
	now     func() time.Time
	ll      *slog.Logger
	reg     metric.Registration
}

type Option func(*Tracker)

func WithLogger(ll *slog.Logger) Option {
	return func(t *Tracker) {
		t.ll = ll
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker samples queue depth from depth.
func NewTracker(depth func() int, opts ...Option) (*Tracker, error) {
	t := &Tracker{
		buckets: make([]bucket, retention),
		depth:   depth,
		now:     time.Now,
		ll:      slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.ll = t.ll.With(slog.String("component", "stats"))

	if err := t.registerMetrics(); err != nil {
		return nil, err
	}
	return t, nil
}

// OnRequest counts an incoming resolution request.
func (t *Tracker) OnRequest() {
	t.update(func(b *bucket) { b.requests++ })
}

// OnCachedRequest counts a request answered from the store.
func (t *Tracker) OnCachedRequest() {
	t.update(func(b *bucket) { b.cached++ })
}

// OnUpstreamVerified counts a texture resolved through the upstream service.
func (t *Tracker) OnUpstreamVerified() {
	t.update(func(b *bucket) { b.upstream++ })
}

// Sample records the current queue depth.
func (t *Tracker) Sample() {
	d := int64(t.depth())
	t.update(func(b *bucket) {
		b.samples++
		b.depthSum += d
		b.depthMax = max(b.depthMax, d)
	})
}

func (t *Tracker) update(fn func(*bucket)) {
	minute := t.now().Unix() / 60
	t.mu.Lock()
	defer t.mu.Unlock()
	b := &t.buckets[minute%retention]
	if b.minute != minute {
		*b = bucket{minute: minute}
	}
	fn(b)
}

// Summarize sums the buckets of the trailing window.
func (t *Tracker) Summarize(w Window) Summary {
	cur := t.now().Unix() / 60
	s := Summary{Window: w.Name}
	var samples, depthSum int64

	t.mu.Lock()
	defer t.mu.Unlock()
	for m := cur - int64(w.Minutes) + 1; m <= cur; m++ {
		if m < 0 {
			continue
		}
		b := t.buckets[m%retention]
		if b.minute != m {
			continue
		}
		s.Requests += b.requests
		s.Cached += b.cached
		s.Upstream += b.upstream
		s.MaxQueueDepth = max(s.MaxQueueDepth, b.depthMax)
		samples += b.samples
		depthSum += b.depthSum
	}
	if samples > 0 {
		s.AvgQueueDepth = float64(depthSum) / float64(samples)
	}
	return s
}

// Summaries returns one Summary per entry of Windows.
func (t *Tracker) Summaries() []Summary {
	out := make([]Summary, 0, len(Windows))
	for _, w := range Windows {
		out = append(out, t.Summarize(w))
	}
	return out
}

// Run samples the queue every sampleInterval and logs the daily summary
// every summaryInterval until ctx is done.
func (t *Tracker) Run(ctx context.Context, sampleInterval, summaryInterval time.Duration) {
	sampler := heartbeat.New(func(context.Context) error {
		t.Sample()
		return nil
	}, sampleInterval, heartbeat.WithName("stats-sampler"), heartbeat.WithLogger(t.ll))

	summary := heartbeat.New(func(context.Context) error {
		t.logSummary(Windows[2])
		return nil
	}, summaryInterval, heartbeat.WithName("stats-summary"), heartbeat.WithLogger(t.ll), heartbeat.WithoutInitialBeat())

	stopSampler := sampler.Start(ctx)
	stopSummary := summary.Start(ctx)
	<-ctx.Done()
	stopSampler()
	stopSummary()
	<-sampler.Done()
	<-summary.Done()
}

func (t *Tracker) logSummary(w Window) {
	s := t.Summarize(w)
	t.ll.Info("Stats",
		slog.String("window", s.Window),
		slog.Int64("max_queue_depth", s.MaxQueueDepth),
		slog.String("avg_queue_depth", fmt.Sprintf("%.2f", s.AvgQueueDepth)),
		slog.Int64("requests", s.Requests),
		slog.Int64("cached", s.Cached),
		slog.Int64("upstream", s.Upstream))
}

func (t *Tracker) registerMetrics() error {
	meter := otel.Meter("github.com/cardinalhq/skinrunner/internal/stats")
	maxDepth, err := meter.Int64ObservableGauge(
		"skinrunner.queue.depth.max",
		metric.WithDescription("Largest sampled queue depth over a trailing window"),
	)
	if err != nil {
		return fmt.Errorf("failed to create queue.depth.max gauge: %w", err)
	}
	t.reg, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, w := range Windows {
			s := t.Summarize(w)
			o.ObserveInt64(maxDepth, s.MaxQueueDepth, metric.WithAttributes(attribute.String("window", w.Name)))
		}
		return nil
	}, maxDepth)
	if err != nil {
		return fmt.Errorf("failed to register stats gauges: %w", err)
	}
	return nil
}

// Close unregisters the tracker's metrics.
func (t *Tracker) Close() error {
	if t.reg == nil {
		return nil
	}
	return t.reg.Unregister()
}
