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

// Package scheduler resolves skin images into signed textures.
//
// A Scheduler deduplicates submissions by content fingerprint, answers from
// the durable store when it can, and otherwise queues the job for a pool of
// account workers. Admission is fair across requesters: a requester never
// holds more than one admitted slot while anyone else is waiting.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/skinrunner/internal/fingerprint"
	"github.com/cardinalhq/skinrunner/internal/skinimage"
)

var (
	// ErrStoreUnavailable is returned by Submit when the durable store could
	// not be consulted. No record is cached in that case.
	ErrStoreUnavailable = errors.New("texture store unavailable")

	ErrClosed = errors.New("scheduler is closed")
)

// Config holds the timing parameters of the worker protocol.
type Config struct {
	IdleExpiry       time.Duration `mapstructure:"idle_expiry"`
	PropagationDelay time.Duration `mapstructure:"propagation_delay"`
	ReadInterval     time.Duration `mapstructure:"read_interval"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	LookupTimeout    time.Duration `mapstructure:"lookup_timeout"`
	ListenerTimeout  time.Duration `mapstructure:"listener_timeout"`
}

func DefaultConfig() Config {
	return Config{
		IdleExpiry:       30 * time.Minute,
		PropagationDelay: 25 * time.Second,
		ReadInterval:     60 * time.Second,
		Cooldown:         15 * time.Minute,
		LookupTimeout:    5 * time.Second,
		ListenerTimeout:  10 * time.Second,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.IdleExpiry <= 0 {
		errs = append(errs, fmt.Errorf("idle_expiry must be positive, got %s", c.IdleExpiry))
	}
	if c.PropagationDelay < 0 {
		errs = append(errs, fmt.Errorf("propagation_delay must not be negative, got %s", c.PropagationDelay))
	}
	if c.ReadInterval < 0 {
		errs = append(errs, fmt.Errorf("read_interval must not be negative, got %s", c.ReadInterval))
	}
	if c.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("cooldown must not be negative, got %s", c.Cooldown))
	}
	if c.LookupTimeout <= 0 {
		errs = append(errs, fmt.Errorf("lookup_timeout must be positive, got %s", c.LookupTimeout))
	}
	if c.ListenerTimeout <= 0 {
		errs = append(errs, fmt.Errorf("listener_timeout must be positive, got %s", c.ListenerTimeout))
	}
	return errors.Join(errs...)
}

type Option func(*Scheduler)

// WithLogger sets the base logger. Defaults to slog.Default().
func WithLogger(ll *slog.Logger) Option {
	return func(s *Scheduler) {
		s.ll = ll
	}
}

// WithUpstreamCounter registers a hook called once per verified resolution.
func WithUpstreamCounter(fn func()) Option {
	return func(s *Scheduler) {
		s.upstreamCounters = append(s.upstreamCounters, fn)
	}
}

// WithResolutionListener registers a sink notified after each commit.
func WithResolutionListener(l ResolutionListener) Option {
	return func(s *Scheduler) {
		s.listeners = append(s.listeners, l)
	}
}

// WithWorkerStateListener registers a hook called with the new active
// worker count whenever it changes.
func WithWorkerStateListener(fn func(active int)) Option {
	return func(s *Scheduler) {
		s.workerListeners = append(s.workerListeners, fn)
	}
}

// Scheduler owns the dedup cache, the admission queue and the workers.
type Scheduler struct {
	cfg    Config
	store  Store
	client IdentityClient
	ll     *slog.Logger

	dedup *dedupCache

	// mu guards queue, activeWorkers and per-worker state.
	mu            sync.Mutex
	queue         *admissionQueue
	activeWorkers int
	workers       []*worker

	upstreamCounters []func()
	listeners        []ResolutionListener
	workerListeners  []func(active int)

	metrics *schedulerMetrics

	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// listenerWG tracks in-flight listener notifications.
	listenerWG sync.WaitGroup
}

// New builds a scheduler with one worker per account. Workers do not run
// until Start is called, but they count as active from construction.
func New(cfg Config, store Store, client IdentityClient, accounts []Account, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}
	s := &Scheduler{
		cfg:    cfg,
		store:  store,
		client: client,
		ll:     slog.Default(),
		dedup:  newDedupCache(cfg.IdleExpiry),
		queue:  newAdmissionQueue(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ll = s.ll.With(slog.String("component", "scheduler"))

	for _, account := range accounts {
		s.workers = append(s.workers, newWorker(s, account))
	}
	s.activeWorkers = len(s.workers)

	m, err := newSchedulerMetrics(s)
	if err != nil {
		return nil, err
	}
	s.metrics = m
	return s, nil
}

// Start launches the dedup cache janitor and one goroutine per account.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.dedup.start()
	s.ll.Info("Starting account workers", slog.Int("accounts", len(s.workers)))
	if len(s.workers) == 0 {
		s.ll.Warn("No accounts available; submissions will queue without completing")
	}
	for _, w := range s.workers {
		s.wg.Add(1)
		go w.run(runCtx)
	}
}

// Submit resolves img on behalf of requesterID. Identical content shares a
// single record; only the first caller consults the store and queues work.
// img must be a full SkinWidth x SkinHeight skin; anything else fails with
// skinimage.ErrBadDimensions and creates no record.
func (s *Scheduler) Submit(ctx context.Context, img *skinimage.Image, requesterID string) (*Record, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if img.Width() != skinimage.SkinWidth || img.Height() != skinimage.SkinHeight {
		s.metrics.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "invalid")))
		return nil, fmt.Errorf("%w: submissions must be %dx%d, got %dx%d",
			skinimage.ErrBadDimensions, skinimage.SkinWidth, skinimage.SkinHeight, img.Width(), img.Height())
	}
	fp := fingerprint.Of(img)

	rec, created, err := s.dedup.getOrCreate(fp, func() (*Record, error) {
		return s.create(ctx, fp, img, requesterID)
	})
	if err != nil {
		s.metrics.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "error")))
		return nil, err
	}

	outcome := "deduplicated"
	if created {
		outcome = "queued"
		if rec.Status() == StatusFinished {
			outcome = "cached"
		}
	}
	s.metrics.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	return rec, nil
}

func (s *Scheduler) create(ctx context.Context, fp fingerprint.Fingerprint, img *skinimage.Image, requesterID string) (*Record, error) {
	rec := newRecord(fp, requesterID, img.Clone())

	// Every caller in the flight shares this lookup.
	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.LookupTimeout)
	defer cancel()
	texture, err := s.store.Lookup(lookupCtx, fp)
	if err != nil {
		s.ll.Error("Texture store lookup failed", slog.String("fingerprint", fp.Short()), slog.Any("error", err))
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if texture != nil {
		rec.finish(*texture)
		return rec, nil
	}

	s.enqueue(rec)
	s.ll.Debug("Queued job",
		slog.String("fingerprint", fp.Short()),
		slog.String("requester", requesterID),
		slog.Int("estimate", int(rec.Estimate())))
	return rec, nil
}

// QueueDepth is the number of records waiting in either tier.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.depth()
}

func (s *Scheduler) ActiveWorkers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeWorkers
}

// Workers reports the state of every account worker.
func (s *Scheduler) Workers() []WorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkerStatus, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, WorkerStatus{
			Account:   w.account.UUID.String(),
			Active:    w.active,
			Disabled:  w.disabled,
			LastFetch: w.lastFetch,
		})
	}
	return out
}

// CachedRecords is the number of records currently held for dedup.
func (s *Scheduler) CachedRecords() int {
	return s.dedup.len()
}

// Close stops accepting work, lets every worker finish its current job and
// waits for them and any pending listener notifications.
func (s *Scheduler) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		s.listenerWG.Wait()
		if s.started.Load() {
			s.dedup.stop()
		}
		if err := s.metrics.unregister(); err != nil {
			s.ll.Warn("Failed to unregister scheduler metrics", slog.Any("error", err))
		}
		s.ll.Info("Scheduler stopped")
	})
	return nil
}

// setWorkerActive flips a worker's active flag, keeps the active count in
// step and refreshes wait estimates.
func (s *Scheduler) setWorkerActive(w *worker, active bool) {
	s.mu.Lock()
	if w.active == active || (active && w.disabled) {
		s.mu.Unlock()
		return
	}
	w.active = active
	if active {
		s.activeWorkers++
	} else {
		s.activeWorkers--
	}
	s.queue.admit(s.activeWorkers)
	count := s.activeWorkers
	s.mu.Unlock()

	for _, fn := range s.workerListeners {
		fn(count)
	}
}

// disableWorker deactivates a worker for good.
func (s *Scheduler) disableWorker(w *worker) {
	s.setWorkerActive(w, false)
	s.mu.Lock()
	w.disabled = true
	s.mu.Unlock()
}

func (s *Scheduler) markFetch(w *worker, at time.Time) {
	s.mu.Lock()
	w.lastFetch = at
	s.mu.Unlock()
}

func (s *Scheduler) onVerified(ctx context.Context, res Resolution) {
	for _, fn := range s.upstreamCounters {
		fn()
	}
	s.metrics.verified.Add(ctx, 1)
	if len(s.listeners) == 0 {
		return
	}

	s.listenerWG.Add(1)
	go func() {
		defer s.listenerWG.Done()
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ListenerTimeout)
		defer cancel()
		for _, l := range s.listeners {
			if err := l.OnResolved(lctx, res); err != nil {
				s.ll.Warn("Resolution listener failed",
					slog.String("fingerprint", res.Fingerprint.Short()),
					slog.Any("error", err))
			}
		}
	}()
}

type schedulerMetrics struct {
	requests    metric.Int64Counter
	verified    metric.Int64Counter
	jobDuration metric.Float64Histogram
	reg         metric.Registration
}

func newSchedulerMetrics(s *Scheduler) (*schedulerMetrics, error) {
	meter := otel.Meter("github.com/cardinalhq/skinrunner/internal/scheduler")

	requests, err := meter.Int64Counter(
		"skinrunner.requests",
		metric.WithDescription("Submissions by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requests counter: %w", err)
	}

	verified, err := meter.Int64Counter(
		"skinrunner.upstream.verified",
		metric.WithDescription("Textures fetched from upstream and verified"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream.verified counter: %w", err)
	}

	jobDuration, err := meter.Float64Histogram(
		"skinrunner.job.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of one upload/fetch/verify job by fault"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create job.duration histogram: %w", err)
	}

	depth, err := meter.Int64ObservableGauge(
		"skinrunner.queue.depth",
		metric.WithDescription("Records waiting in either admission tier"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue.depth gauge: %w", err)
	}
	active, err := meter.Int64ObservableGauge(
		"skinrunner.workers.active",
		metric.WithDescription("Account workers currently accepting jobs"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create workers.active gauge: %w", err)
	}

	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s.mu.Lock()
		d, a := s.queue.depth(), s.activeWorkers
		s.mu.Unlock()
		o.ObserveInt64(depth, int64(d))
		o.ObserveInt64(active, int64(a))
		return nil
	}, depth, active)
	if err != nil {
		return nil, fmt.Errorf("failed to register scheduler gauges: %w", err)
	}

	return &schedulerMetrics{
		requests:    requests,
		verified:    verified,
		jobDuration: jobDuration,
		reg:         reg,
	}, nil
}

func (m *schedulerMetrics) unregister() error {
	if m.reg == nil {
		return nil
	}
	return m.reg.Unregister()
}
