// Mech is a multi-tenant job queueing and dispatch service.
// Copyright (C) 2025 Mech Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// mechd is the Mech daemon: it serves the HTTP API and runs the
// dispatcher, scheduler, event bus, and webhook deliverer in one process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"mech/internal/api"
	"mech/internal/broker"
	"mech/internal/config"
	"mech/internal/dispatch"
	"mech/internal/events"
	"mech/internal/metrics"
	"mech/internal/reasoning"
	"mech/internal/registry"
	"mech/internal/schedule"
	"mech/internal/session"
	"mech/internal/store"
	"mech/internal/vector"
	"mech/internal/webhook"
)

func main() {
	var (
		port     = flag.Int("port", 0, "HTTP server port (overrides PORT)")
		dbPath   = flag.String("db", "", "SQLite database path (overrides DB_PATH)")
		logLevel = flag.String("log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	)
	flag.Parse()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	if err := run(&cfg, log); err != nil {
		log.Error("mechd exited with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.BrokerAddr,
		Password: cfg.BrokerPassword,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping broker %s: %w", cfg.BrokerAddr, err)
	}
	br := broker.New(rdb)
	defer func() { _ = br.Close() }()

	bus := events.New(cfg.EventBusCapacity, log)
	reg := registry.New(st, br, bus, log)
	if err := reg.Load(ctx); err != nil {
		return fmt.Errorf("load queue registry: %w", err)
	}
	if err := reg.Declare(ctx); err != nil {
		return fmt.Errorf("declare startup queues: %w", err)
	}
	disp := dispatch.New(br, st, reg, bus, log, dispatch.Options{
		Visibility: cfg.VisibilityTimeout,
	})

	scheduleSvc := schedule.NewService(st, log)
	runner := schedule.NewRunner(st, br, nil, log, schedule.RunnerOptions{
		Holder:   "mechd-" + uuid.NewString(),
		LeaseTTL: cfg.SchedulerLease,
	})

	webhookSvc := webhook.NewService(st)
	deliverer := webhook.NewDeliverer(st, bus, nil, log, webhook.DelivererOptions{})
	bus.Subscribe(deliverer.HandleEvent)

	a := &api.API{
		Log:           log,
		Dispatcher:    disp,
		Queues:        reg,
		Jobs:          st,
		Schedules:     scheduleSvc,
		Runner:        runner,
		Subscriptions: webhookSvc,
		Tester:        deliverer,
		Sessions:      session.NewService(st),
		Reasoning:     reasoning.NewService(st),
		Health: map[string]func(ctx context.Context) error{
			"store":  st.Ping,
			"broker": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
	}

	if cfg.EmbeddingEnabled() {
		provider := vector.NewHTTPProvider(vector.HTTPProviderOptions{
			BaseURL:    cfg.Embedding.BaseURL,
			APIKey:     cfg.Embedding.APIKey,
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dimensions,
		}, nil)
		a.Code = vector.NewService(st, provider)
		a.Indexing = st

		indexer := vector.NewIndexer(st, provider, log)
		if _, err := reg.Ensure(ctx, registry.IndexQueue); err != nil {
			return fmt.Errorf("ensure index queue: %w", err)
		}
		disp.RegisterProcessor(registry.IndexQueue, cfg.WorkerConcurrency, indexer.Process)
		log.Info("code indexing enabled",
			"model", cfg.Embedding.Model, "dimensions", cfg.Embedding.Dimensions)
	} else {
		log.Info("code indexing disabled, no embedding provider configured")
	}

	limiter := api.NewRateLimiter(cfg.RateLimitWindow, cfg.RateLimitMax)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           a.Handler(cfg.APIKeys, cfg.CORSOrigins, limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var metricsSrv *http.Server
	if cfg.MetricsPort != 0 && cfg.MetricsPort != cfg.Port {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", metrics.Handler())
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		bus.Run(ctx)
		return nil
	})
	g.Go(func() error { return disp.Run(ctx) })
	g.Go(func() error { return runner.Run(ctx) })
	g.Go(func() error { return deliverer.Run(ctx) })
	g.Go(func() error {
		log.Info("mechd listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if metricsSrv != nil {
		g.Go(func() error {
			log.Info("metrics listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down", "grace", cfg.ShutdownGrace)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if metricsSrv != nil {
			_ = metricsSrv.Close()
		}
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
