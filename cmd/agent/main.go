// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/mqttagent/config"
	"github.com/absmach/mqttagent/health"
	"github.com/absmach/mqttagent/otel"
	"go.opentelemetry.io/otel/trace"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	slog.Info("Starting MQTT agent", "version", "0.1.0")
	slog.Info("Configuration loaded",
		"broker", cfg.Broker.URL,
		"client_id", cfg.Broker.ClientID,
		"queue_size", cfg.Agent.QueueSize,
		"producers", len(cfg.Producers),
		"subscriptions", len(cfg.Subscriptions))

	var metrics *otel.Metrics
	var tracer trace.Tracer
	if cfg.Telemetry.MetricsEnabled || cfg.Telemetry.TracesEnabled {
		provider, err := otel.Setup(context.Background(), cfg.Telemetry, cfg.Broker.ClientID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := provider.Shutdown(ctx); err != nil {
				slog.Error("OpenTelemetry shutdown error", "error", err)
			}
		}()

		metrics, err = provider.Metrics()
		if err != nil {
			slog.Error("Failed to create metrics", "error", err)
			os.Exit(1)
		}
		tracer = provider.Tracer()
		slog.Info("OpenTelemetry initialized",
			"endpoint", cfg.Telemetry.Endpoint,
			"metrics", cfg.Telemetry.MetricsEnabled,
			"traces", cfg.Telemetry.TracesEnabled)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup, err := newSupervisor(cfg, logger, metrics, tracer)
	if err != nil {
		slog.Error("Failed to create supervisor", "error", err)
		os.Exit(1)
	}

	if cfg.Health.Address != "" {
		hs := health.New(health.Config{
			Address:         cfg.Health.Address,
			ShutdownTimeout: cfg.Health.ShutdownTimeout,
		}, sup, logger)
		go func() {
			if err := hs.Listen(ctx); err != nil {
				slog.Error("Health check server error", "error", err)
			}
		}()
	}

	if err := sup.run(ctx); err != nil {
		slog.Error("MQTT agent stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("MQTT agent stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}
