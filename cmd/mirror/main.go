// Command mirror copies the provider's routes and stops into the fallback
// snapshot, once or on an interval.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dragonhuntr/lokal/internal/appconf"
	"github.com/dragonhuntr/lokal/internal/logging"
	"github.com/dragonhuntr/lokal/internal/metrics"
	"github.com/dragonhuntr/lokal/internal/snapshot"
	"github.com/dragonhuntr/lokal/internal/upstream"
)

func main() {
	var (
		configPath string
		interval   time.Duration
		verbose    bool
	)
	flag.StringVar(&configPath, "config", "", "Path to a YAML config file")
	flag.DurationVar(&interval, "interval", 0, "Repeat the mirror on this interval; 0 runs once")
	flag.BoolVar(&verbose, "verbose", false, "Enable debug logging")
	flag.Parse()

	cfg, err := appconf.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}
	level := slog.LevelInfo
	if verbose || cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := logging.NewStructuredLogger(os.Stdout, level).With(slog.String("component", "mirror"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, interval, logger); err != nil {
		logging.LogError(logger, "mirror failed", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg appconf.Config, interval time.Duration, logger *slog.Logger) error {
	client, err := upstream.NewClient(upstream.Config{
		BaseURL:           cfg.Upstream.BaseURL,
		Timeout:           cfg.Upstream.Timeout,
		Timezone:          cfg.Upstream.Timezone,
		AuthHeaderKey:     cfg.Upstream.AuthHeaderKey,
		AuthHeaderValue:   cfg.Upstream.AuthHeaderValue,
		MaxRetries:        cfg.Upstream.MaxRetries,
		RequestsPerSecond: cfg.Upstream.RequestsPerSecond,
		Logger:            logger,
		Metrics:           metrics.NewWithLogger(logger),
	})
	if err != nil {
		return err
	}

	store, err := snapshot.Open(ctx, cfg.Snapshot.Driver, cfg.Snapshot.DSN, logger)
	if err != nil {
		return err
	}
	defer logging.SafeCloseWithLogging(store, logger, "snapshot")

	m := &Mirror{Provider: client, Snapshot: store, Logger: logger}
	if interval <= 0 {
		_, err := m.Run(ctx)
		return err
	}
	return m.Every(ctx, interval)
}
