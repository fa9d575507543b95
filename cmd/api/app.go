package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dragonhuntr/lokal/internal/app"
	"github.com/dragonhuntr/lokal/internal/appconf"
	"github.com/dragonhuntr/lokal/internal/cache"
	"github.com/dragonhuntr/lokal/internal/clock"
	"github.com/dragonhuntr/lokal/internal/logging"
	"github.com/dragonhuntr/lokal/internal/metrics"
	"github.com/dragonhuntr/lokal/internal/places"
	"github.com/dragonhuntr/lokal/internal/planner"
	"github.com/dragonhuntr/lokal/internal/publisher"
	"github.com/dragonhuntr/lokal/internal/restapi"
	"github.com/dragonhuntr/lokal/internal/snapshot"
	"github.com/dragonhuntr/lokal/internal/transit"
	"github.com/dragonhuntr/lokal/internal/upstream"
	"github.com/dragonhuntr/lokal/internal/webui"
)

const (
	dbStatsInterval      = 15 * time.Second
	placeSessionCapacity = 1024
	placeSessionIdle     = 10 * time.Minute
	serverDrainTimeout   = 10 * time.Second
	teardownTimeout      = 10 * time.Second
)

func newLogger(cfg appconf.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	return logging.NewStructuredLogger(os.Stdout, level).With(slog.String("env", cfg.Env.String()))
}

// BuildApplication acquires every resource the server needs. Each one
// registers its teardown on the Application; if a later step fails the
// already acquired resources are released before returning.
func BuildApplication(ctx context.Context, cfg appconf.Config) (coreApp *app.Application, err error) {
	logger := newLogger(cfg)
	clk := clock.RealClock{}
	m := metrics.NewWithLogger(logger)

	coreApp = &app.Application{
		Config:  cfg,
		Logger:  logger,
		Clock:   clk,
		Metrics: m,
	}
	defer func() {
		if err != nil {
			if serr := coreApp.Shutdown(context.Background()); serr != nil {
				logger.Error("cleanup after failed start", "error", serr)
			}
			coreApp = nil
		}
	}()

	store, err := newCacheStore(cfg, clk, logger)
	if err != nil {
		return coreApp, err
	}
	tier, err := cache.NewTier(store, cache.Options{
		KeyPrefix:          cfg.Cache.KeyPrefix,
		MaxValueBytes:      cfg.Cache.MaxValueBytes,
		CompressAboveBytes: cfg.Cache.CompressAboveBytes,
		ScanBatch:          cfg.Cache.ScanBatch,
		ShutdownTimeout:    cfg.Cache.ShutdownTimeout,
		CoalesceMisses:     cfg.Cache.CoalesceMisses,
		Clock:              clk,
		Logger:             logger,
		Metrics:            m,
	})
	if err != nil {
		_ = store.Close()
		return coreApp, fmt.Errorf("cache: %w", err)
	}
	coreApp.Cache = tier
	coreApp.OnShutdown("cache", tier.Close)

	snap, err := snapshot.Open(ctx, cfg.Snapshot.Driver, cfg.Snapshot.DSN, logger)
	if err != nil {
		return coreApp, fmt.Errorf("snapshot: %w", err)
	}
	coreApp.Snapshot = snap
	coreApp.OnShutdown("snapshot", func(context.Context) error { return snap.Close() })

	m.StartDBStatsCollector(snap.DB(), dbStatsInterval)
	coreApp.OnShutdown("metrics", func(context.Context) error {
		m.Shutdown()
		return nil
	})

	client, err := upstream.NewClient(upstream.Config{
		BaseURL:             cfg.Upstream.BaseURL,
		Timeout:             cfg.Upstream.Timeout,
		Timezone:            cfg.Upstream.Timezone,
		AuthHeaderKey:       cfg.Upstream.AuthHeaderKey,
		AuthHeaderValue:     cfg.Upstream.AuthHeaderValue,
		MaxRetries:          cfg.Upstream.MaxRetries,
		RequestsPerSecond:   cfg.Upstream.RequestsPerSecond,
		VehiclePositionsURL: cfg.Upstream.VehiclePositionsURL,
		Logger:              logger,
		Metrics:             m,
	})
	if err != nil {
		return coreApp, fmt.Errorf("upstream: %w", err)
	}

	transitCfg := transit.Config{
		Provider: client,
		Cache:    tier,
		Snapshot: snap,
		Logger:   logger,
		Metrics:  m,
	}
	if cfg.Upstream.VehiclePositionsURL != "" {
		transitCfg.Feed = client
	}
	if cfg.NATS.URL != "" {
		pub, err := publisher.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger, m)
		if err != nil {
			return coreApp, fmt.Errorf("publisher: %w", err)
		}
		transitCfg.Publisher = pub
		coreApp.OnShutdown("publisher", func(context.Context) error { return pub.Close() })
	}

	svc, err := transit.NewService(transitCfg)
	if err != nil {
		return coreApp, err
	}
	coreApp.Transit = svc

	coreApp.Planner = planner.New(planner.Config{
		Source:                      svc,
		WalkingSpeedMetersPerMinute: cfg.Planner.WalkingSpeedMetersPerMinute,
		MinutesPerStop:              cfg.Planner.MinutesPerStop,
		DefaultLimit:                cfg.Planner.DefaultLimit,
		Clock:                       clk,
		Logger:                      logger,
		Metrics:                     m,
	})

	if cfg.Places.URL != "" {
		geocoder, err := places.NewNominatimClient(places.NominatimConfig{
			BaseURL: cfg.Places.URL,
			Logger:  logger,
		})
		if err != nil {
			return coreApp, fmt.Errorf("places: %w", err)
		}
		coreApp.Places = places.NewSessions(geocoder, placeSessionCapacity, placeSessionIdle)
	}

	logging.LogOperation(logger, "application_built",
		slog.String("snapshot_driver", cfg.Snapshot.Driver),
		slog.Bool("redis", cfg.Cache.RedisURL != ""),
		slog.Bool("nats", cfg.NATS.URL != ""),
		slog.Bool("places", cfg.Places.URL != ""))
	return coreApp, nil
}

func newCacheStore(cfg appconf.Config, clk clock.Clock, logger *slog.Logger) (cache.Store, error) {
	if cfg.Cache.RedisURL == "" {
		return cache.NewMemoryStore(cfg.Cache.MemoryCapacity, clk), nil
	}
	store, err := cache.NewRedisStore(cfg.Cache.RedisURL, cache.RedisOptions{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	return store, nil
}

// CreateServer mounts the API and debug routes behind the middleware chain.
func CreateServer(coreApp *app.Application) *http.Server {
	api := restapi.NewRestAPI(coreApp)
	coreApp.OnShutdown("rate_limiter", func(context.Context) error {
		api.Shutdown()
		return nil
	})

	mux := http.NewServeMux()
	api.SetRoutes(mux)
	webUI := &webui.WebUI{Application: coreApp}
	webUI.SetWebUIRoutes(mux)

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", coreApp.Config.Port),
		Handler:           api.Middleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       time.Minute,
		ErrorLog:          slog.NewLogLogger(coreApp.Logger.Handler(), slog.LevelError),
	}
}

// Run serves until ctx is canceled or SIGINT/SIGTERM arrives, then drains
// the server and runs the application's teardowns.
func Run(ctx context.Context, srv *http.Server, coreApp *app.Application) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		coreApp.Logger.Info("starting server", "addr", srv.Addr)
		serveErr <- srv.ListenAndServe()
	}()

	var runErr error
	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	case <-ctx.Done():
		coreApp.Logger.Info("shutting down server")
	}

	runErr = errors.Join(runErr, stopServer(srv, coreApp, serverDrainTimeout, teardownTimeout))
	coreApp.Logger.Info("server stopped")
	return runErr
}

// stopServer drains srv and then runs the application's teardowns. Each
// phase gets its own deadline so a slow drain cannot starve the cache drain.
func stopServer(srv *http.Server, coreApp *app.Application, drain, teardown time.Duration) error {
	var errs []error

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drain)
	defer cancelDrain()
	if err := srv.Shutdown(drainCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}

	teardownCtx, cancelTeardown := context.WithTimeout(context.Background(), teardown)
	defer cancelTeardown()
	if err := coreApp.Shutdown(teardownCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
