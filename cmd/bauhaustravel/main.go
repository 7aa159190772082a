/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// The bauhaustravel service keeps travelers informed over WhatsApp. It
// ingests trip reservations over HTTP, polls flight status at a cadence
// keyed to departure proximity, and dispatches template notifications at
// most once per distinct flight event.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	// Airport zone lookups must not depend on the host zoneinfo database.
	_ "time/tzdata"

	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/valentin-ulloa/bauhaustravel/internal/alerting"
	"github.com/valentin-ulloa/bauhaustravel/internal/config"
	"github.com/valentin-ulloa/bauhaustravel/internal/ingress"
	"github.com/valentin-ulloa/bauhaustravel/internal/scheduler"
	"github.com/valentin-ulloa/bauhaustravel/pkg/flightdata"
	"github.com/valentin-ulloa/bauhaustravel/pkg/metrics"
	"github.com/valentin-ulloa/bauhaustravel/pkg/notification"
	"github.com/valentin-ulloa/bauhaustravel/pkg/notification/delivery"
	"github.com/valentin-ulloa/bauhaustravel/pkg/notification/template"
	"github.com/valentin-ulloa/bauhaustravel/pkg/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "bauhaustravel:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.DatabaseURL, logger.Named("storage"))
	if err != nil {
		return fmt.Errorf("opening trip store: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}

	// The dedup cache is optional; without Redis every sent-lookup falls
	// through to the notification log, which stays correct, just slower.
	var sentCache *storage.SentCache
	if cfg.RedisURL != "" {
		rdb, err := storage.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("opening redis: %w", err)
		}
		defer rdb.Close()
		sentCache = storage.NewSentCache(rdb, logger.Named("dedup"))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewRecorder(registry)

	flightClient, err := flightdata.NewClient(flightdata.ClientConfig{
		BaseURL: cfg.FlightAPIBaseURL,
		APIKey:  cfg.FlightAPIKey,
	}, logger.Named("flightdata"), recorder)
	if err != nil {
		return fmt.Errorf("building flight client: %w", err)
	}
	flights := flightdata.NewCachedProvider(flightClient, cfg.FlightCacheTTL, recorder)

	messenger, err := delivery.NewClient(delivery.Config{
		BaseURL: cfg.WhatsAppBaseURL,
		Token:   cfg.WhatsAppToken,
		Metrics: recorder,
	}, logger.Named("delivery"))
	if err != nil {
		return fmt.Errorf("building messaging client: %w", err)
	}

	catalogue, err := template.NewRegistry(logger.Named("templates"))
	if err != nil {
		return fmt.Errorf("building template catalogue: %w", err)
	}
	if cfg.TemplateCataloguePath != "" {
		if err := catalogue.Watch(ctx, cfg.TemplateCataloguePath); err != nil {
			return fmt.Errorf("loading template catalogue %s: %w", cfg.TemplateCataloguePath, err)
		}
	}

	alerter := alerting.New(cfg.SlackToken, cfg.SlackChannel, logger.Named("alerting"))

	engine, err := notification.NewEngine(notification.Config{
		QuietWindow:   cfg.QuietHours,
		DelayCooldown: cfg.DelayCooldown,
		SameETAWindow: cfg.SameETAWindow,
		ReminderLead:  cfg.ReminderLead,
	}, notification.Dependencies{
		Store:     store,
		Flights:   flights,
		Messenger: messenger,
		Templates: catalogue,
		Cache:     sentCache,
		Alerter:   alerter,
		Metrics:   recorder,
		Logger:    logger.Named("engine"),
	})
	if err != nil {
		return fmt.Errorf("building notification engine: %w", err)
	}

	sched, err := scheduler.New(scheduler.Config{
		Tick:         cfg.SchedulerTick,
		Workers:      cfg.SchedulerWorkers,
		CycleTimeout: cfg.CycleTimeout,
		BoardingLead: cfg.BoardingLead,
	}, scheduler.Dependencies{
		Store:   store,
		Engine:  engine,
		Metrics: recorder,
		Logger:  zapr.NewLogger(logger.Named("scheduler")),
	})
	if err != nil {
		return fmt.Errorf("building scheduler: %w", err)
	}

	api, err := ingress.New(ingress.Config{
		Addr:           cfg.HTTPAddr,
		FirstCheckLead: cfg.ReminderLead,
	}, ingress.Dependencies{
		Store:    store,
		Notifier: engine,
		Gatherer: registry,
		Logger:   logger.Named("ingress"),
	})
	if err != nil {
		return fmt.Errorf("building ingress api: %w", err)
	}

	logger.Info("bauhaustravel starting",
		zap.String("http_addr", cfg.HTTPAddr),
		zap.Duration("tick", cfg.SchedulerTick),
		zap.Int("workers", cfg.SchedulerWorkers),
		zap.Bool("dedup_cache", sentCache != nil))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return api.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(cfg.ZapLevel())
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zcfg.Build()
}
