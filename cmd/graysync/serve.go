package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/tracing"
)

// shutdownTimeout bounds the drain of each background component on exit.
const shutdownTimeout = 30 * time.Second

func newServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server, sync queue and scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, path)
		},
	}
}

// serve runs graysync until ctx is cancelled.
//
// Startup order is database, optional backends, registries, engine, then
// the background loops and the HTTP listener. Shutdown runs the same list
// backwards so nothing is written to a closed store.
func serve(ctx context.Context, cfg *config.Config, configPath string) error {
	log := logging.New(cfg.Logging, version)
	log.Info("starting Gray Logic Sync",
		"version", version,
		"commit", commit,
		"build_date", date,
		"config", configPath,
	)

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, version)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Error("error flushing traces", "error", err)
		}
	}()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	server, err := a.newServer()
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := a.notifier.Start(gctx); err != nil {
		return fmt.Errorf("starting notifier: %w", err)
	}
	defer a.stop("notifier", a.notifier.Stop)

	if err := a.queue.Start(gctx); err != nil {
		return fmt.Errorf("starting sync queue: %w", err)
	}
	defer a.stop("sync queue", a.queue.Stop)

	if err := a.scheduler.Start(gctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer a.stop("scheduler", a.scheduler.Stop)

	a.startMQTT(gctx)

	if err := server.Start(gctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if err := server.Close(); err != nil {
			log.Error("error closing API server", "error", err)
		}
	}()
	log.Info("API server listening", "host", cfg.API.Host, "port", cfg.API.Port)

	err = config.Watch(gctx, configPath, func(next *config.Config) {
		log.SetLevel(next.Logging.Level)
		log.Info("configuration reloaded", "log_level", next.Logging.Level)
	}, func(err error) {
		log.Warn("configuration reload failed", "error", err)
	})
	if err != nil {
		log.Warn("configuration watch disabled", "error", err)
	}

	g.Go(func() error { return a.pruneLoop(gctx) })

	log.Info("Gray Logic Sync started")
	<-gctx.Done()
	log.Info("shutdown signal received")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// stop calls a component Stop with a bounded context and logs failures.
func (a *app) stop(name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.log.Info("stopping " + name)
	if err := fn(ctx); err != nil {
		a.log.Error("error stopping "+name, "error", err)
	}
}

// pruneLoop drops log partitions past the retention window, once at start
// and then every PruneIntervalHours.
func (a *app) pruneLoop(ctx context.Context) error {
	interval := time.Duration(a.cfg.Retention.PruneIntervalHours) * time.Hour
	if a.cfg.Retention.Months <= 0 || interval <= 0 {
		a.log.Info("log retention pruning disabled")
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		a.prune(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (a *app) prune(ctx context.Context) {
	res, err := a.activity.Prune(ctx, a.cfg.Retention.Months, time.Now().UTC())
	if err != nil {
		a.log.Error("pruning logs", "error", err)
		return
	}
	if len(res.Months) > 0 {
		a.log.Info("pruned logs",
			"months", res.Months,
			"sync_logs", res.SyncLogs,
			"activity", res.Activity,
			"notifications", res.Notifications,
		)
	}
}
