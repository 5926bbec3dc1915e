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

package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cardinalhq/skinrunner/config"
	"github.com/cardinalhq/skinrunner/internal/api"
	"github.com/cardinalhq/skinrunner/internal/archive"
	"github.com/cardinalhq/skinrunner/internal/events"
	"github.com/cardinalhq/skinrunner/internal/healthcheck"
	"github.com/cardinalhq/skinrunner/internal/mojang"
	"github.com/cardinalhq/skinrunner/internal/scheduler"
	"github.com/cardinalhq/skinrunner/internal/stats"
	"github.com/cardinalhq/skinrunner/skindb"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the skin resolution service",
		RunE: func(_ *cobra.Command, _ []string) error {
			return serve()
		},
	}
	rootCmd.AddCommand(cmd)
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	doneCtx, doneFx, err := setupTelemetry("skinrunner", nil)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		if err := doneFx(); err != nil {
			slog.Error("Error shutting down telemetry", slog.Any("error", err))
		}
	}()

	healthServer := healthcheck.NewServer(healthcheck.GetConfigFromEnv())
	go func() {
		if err := healthServer.Start(doneCtx); err != nil {
			slog.Error("Health check server stopped", slog.Any("error", err))
		}
	}()

	pool, err := skindb.ConnectToSkinDB(doneCtx)
	if err != nil {
		slog.Error("Failed to connect to skindb", slog.Any("error", err))
		return fmt.Errorf("failed to connect to skindb: %w", err)
	}
	defer pool.Close()
	store := skindb.NewStore(pool)
	defer store.Close()

	accounts, err := store.ListAccounts(doneCtx)
	if err != nil {
		return fmt.Errorf("failed to load account roster: %w", err)
	}

	client, err := mojang.NewClient(cfg.Mojang, mojang.WithSessionStore(store))
	if err != nil {
		return fmt.Errorf("failed to create identity client: %w", err)
	}

	// The tracker samples the scheduler and the scheduler feeds the tracker.
	var sched *scheduler.Scheduler
	tracker, err := stats.NewTracker(func() int { return sched.QueueDepth() })
	if err != nil {
		return fmt.Errorf("failed to create stats tracker: %w", err)
	}

	opts := []scheduler.Option{
		scheduler.WithUpstreamCounter(tracker.OnUpstreamVerified),
		scheduler.WithWorkerStateListener(healthServer.TrackActiveWorkers),
	}
	listenerOpts, closeListeners, err := resolutionListeners(doneCtx, cfg)
	if err != nil {
		return err
	}
	opts = append(opts, listenerOpts...)

	sched, err = scheduler.New(cfg.Scheduler, store, client, accounts, opts...)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	healthServer.TrackActiveWorkers(len(accounts))

	apiServer := api.NewServer(cfg.HTTP, sched, store, api.WithTracker(tracker))

	g, gctx := errgroup.WithContext(doneCtx)
	sched.Start(gctx)
	g.Go(func() error {
		tracker.Run(gctx, cfg.Stats.SampleInterval, cfg.Stats.SummaryInterval)
		return nil
	})
	g.Go(func() error {
		return apiServer.Start(gctx)
	})

	healthServer.SetStatus(healthcheck.StatusHealthy)
	healthServer.SetReady(true)
	slog.Info("Skin runner started", slog.Int("accounts", len(accounts)), slog.String("address", cfg.HTTP.Address))

	var result *multierror.Error
	if err := g.Wait(); err != nil {
		result = multierror.Append(result, err)
	}
	healthServer.SetReady(false)
	slog.Info("Shutting down skin runner")

	if err := sched.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("scheduler: %w", err))
	}
	if err := tracker.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("stats: %w", err))
	}
	for _, closeFn := range closeListeners {
		if err := closeFn(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// resolutionListeners builds the optional archive and event sinks.
func resolutionListeners(ctx context.Context, cfg *config.Config) ([]scheduler.Option, []func() error, error) {
	var (
		opts    []scheduler.Option
		closers []func() error
	)

	if cfg.Archive.Enabled {
		s3Client, err := archive.NewS3Client(ctx, cfg.Archive)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create archive client: %w", err)
		}
		opts = append(opts, scheduler.WithResolutionListener(archive.New(s3Client, cfg.Archive, slog.Default())))
		slog.Info("Texture archive enabled", slog.String("bucket", cfg.Archive.Bucket), slog.String("prefix", cfg.Archive.Prefix))
	}

	if cfg.Events.Enabled {
		writer, err := events.NewKafkaWriter(cfg.Events)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create event writer: %w", err)
		}
		publisher := events.NewPublisher(writer)
		opts = append(opts, scheduler.WithResolutionListener(publisher))
		closers = append(closers, func() error {
			if err := publisher.Close(); err != nil {
				return fmt.Errorf("events: %w", err)
			}
			return nil
		})
		slog.Info("Resolution events enabled", slog.Any("brokers", cfg.Events.Brokers), slog.String("topic", writer.Topic))
	}

	return opts, closers, nil
}
