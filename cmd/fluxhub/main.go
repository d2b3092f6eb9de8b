// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/fluxhub/clock"
	"github.com/absmach/fluxhub/compat"
	"github.com/absmach/fluxhub/config"
	"github.com/absmach/fluxhub/hub"
	"github.com/absmach/fluxhub/hub/webhook"
	"github.com/absmach/fluxhub/internal/wiring"
	"github.com/absmach/fluxhub/ratelimit"
	"github.com/absmach/fluxhub/server/health"
	"github.com/absmach/fluxhub/server/http"
	"github.com/absmach/fluxhub/server/otel"
	"github.com/absmach/fluxhub/server/websocket"
	"github.com/spf13/pflag"
	oteltrace "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const version = "0.1.0"

func main() {
	flagSet := pflag.NewFlagSet("fluxhub", pflag.ContinueOnError)
	configFile := flagSet.StringP("config", "c", "", "path to configuration file (.yaml or .toml)")
	logLevel := flagSet.String("log-level", "", "override log.level")
	dumpConfig := flagSet.String("dump-config", "", "write the effective configuration to this file and exit")
	showVersion := flagSet.Bool("version", false, "print version and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if *showVersion {
		fmt.Println("fluxhub", version)
		return
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	if *dumpConfig != "" {
		if err := cfg.Save(*dumpConfig); err != nil {
			slog.Error("Failed to write configuration", "path", *dumpConfig, "error", err)
			os.Exit(1)
		}
		return
	}

	logger, logCloser := newLogger(cfg.Log)
	defer logCloser.Close()
	slog.SetDefault(logger)

	slog.Info("Starting fluxhub", "version", version, "hub_id", cfg.Hub.ID)
	slog.Info("Configuration loaded",
		"http_listener", cfg.Server.HTTPAddr,
		"control_listener", cfg.Server.ControlAddr,
		"control_enabled", cfg.Server.ControlEnabled,
		"ws_listener", cfg.Server.WSAddr,
		"ws_enabled", cfg.Server.WSEnabled,
		"health_listener", cfg.Server.HealthAddr,
		"queue_capacity", cfg.Hub.QueueCapacity,
		"queue_max_age", cfg.Hub.QueueMaxAge,
		"heartbeat_interval", cfg.Hub.HeartbeatInterval,
		"legacy_default_zone", cfg.Compat.DefaultZone)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coarse := clock.NewCoarse(clock.Real(), cfg.Hub.ClockResolution)
	coarse.Start(ctx)
	defer coarse.Stop()

	var notifier hub.Notifier
	var webhooks *webhook.GenericNotifier
	if cfg.Webhook.Enabled {
		wh, err := webhook.NewNotifier(cfg.Webhook, cfg.Hub.ID, webhook.NewHTTPSender(), logger)
		if err != nil {
			slog.Error("Failed to initialize webhooks", "error", err)
			os.Exit(1)
		}
		webhooks = wh
		notifier = wh
		slog.Info("Webhooks enabled",
			"type", "http",
			"endpoints", len(cfg.Webhook.Endpoints),
			"workers", cfg.Webhook.Workers,
			"queue_size", cfg.Webhook.QueueSize)
	} else {
		slog.Info("Webhooks disabled")
	}

	var otelShutdown func(context.Context) error
	var metrics *otel.Metrics
	var tracer trace.Tracer

	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(cfg.Server, cfg.Hub.ID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Server.MetricsAddr)

		if cfg.Server.OtelMetricsEnabled {
			m, err := otel.NewMetrics()
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			metrics = m
			slog.Info("OTel metrics enabled")
		}

		if cfg.Server.OtelTracesEnabled {
			tracer = oteltrace.Tracer("fluxhub")
			slog.Info("Distributed tracing enabled", "sample_rate", cfg.Server.OtelTraceSampleRate)
		} else {
			slog.Info("Distributed tracing disabled (zero overhead)")
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	var limiter *ratelimit.Manager
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewManager(cfg.RateLimit)
		defer limiter.Stop()
		slog.Info("Rate limiting enabled",
			"stream", cfg.RateLimit.Stream.Enabled,
			"publish", cfg.RateLimit.Publish.Enabled,
			"control", cfg.RateLimit.Control.Enabled)
	}

	// Commands published by instances have no host consumer in the
	// standalone binary; they are logged and surfaced as events.
	dispatcher := wiring.NewLogDispatcher(logger)

	h := hub.New(cfg.Hub, hub.Options{
		Clock:      coarse,
		Normalizer: compat.New(cfg.Compat.DefaultZone),
		Receiver:   dispatcher,
		Notifier:   notifier,
		Metrics:    metrics,
		Tracer:     tracer,
		Logger:     logger,
	})

	var wg sync.WaitGroup
	serverErr := make(chan error, 4)

	start := func(name string, listen func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := listen(ctx); err != nil {
				serverErr <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	httpServer := http.New(http.Config{
		Address:         cfg.Server.HTTPAddr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		MaxBodySize:     cfg.Server.MaxBodySize,
		H2C:             cfg.Server.H2CEnabled,
	}, h, limiter, metrics, logger)
	start("http", httpServer.Listen)

	if cfg.Server.ControlEnabled {
		controlServer := http.NewControl(http.Config{
			Address:         cfg.Server.ControlAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			MaxBodySize:     cfg.Server.MaxBodySize,
			H2C:             cfg.Server.H2CEnabled,
		}, h, limiter, logger)
		start("control", controlServer.Listen)
	}

	if cfg.Server.WSEnabled {
		wsServer := websocket.New(websocket.Config{
			Address:         cfg.Server.WSAddr,
			Path:            cfg.Server.WSPath,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, h, limiter, logger)
		start("websocket", wsServer.Listen)
	}

	if cfg.Server.HealthEnabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, h, logger)
		start("health", healthServer.Listen)
	}

	slog.Info("fluxhub started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := h.Close(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}

	cancel()
	wg.Wait()

	if webhooks != nil {
		if err := webhooks.Close(); err != nil {
			slog.Error("Failed to close webhooks", "error", err)
		}
		if dropped := webhooks.Dropped(); dropped > 0 {
			slog.Warn("Webhook events dropped", "count", dropped)
		}
	}

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("fluxhub stopped")
}
