package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dragonhuntr/lokal/internal/logging"
	"github.com/dragonhuntr/lokal/internal/models"
	"github.com/dragonhuntr/lokal/internal/snapshot"
)

const defaultConcurrency = 4

// Provider is the subset of the upstream client the mirror reads.
type Provider interface {
	Routes(ctx context.Context) ([]models.Route, error)
	RouteDetails(ctx context.Context, routeID string) (models.RouteDetails, error)
	Stops(ctx context.Context) ([]models.Stop, error)
}

type Mirror struct {
	Provider    Provider
	Snapshot    snapshot.Writer
	Concurrency int
	Logger      *slog.Logger
}

// Result summarises one completed mirror pass.
type Result struct {
	Routes int
	Stops  int
}

// Run pulls every route with its ordered stops plus the bulk stop list and
// replaces the snapshot with them. Any provider failure aborts the pass
// before the snapshot is touched, so a partial pull never replaces a
// complete one.
func (m *Mirror) Run(ctx context.Context) (Result, error) {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	started := time.Now()

	routes, err := m.Provider.Routes(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("fetch routes: %w", err)
	}
	stops, err := m.Provider.Stops(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("fetch stops: %w", err)
	}

	limit := m.Concurrency
	if limit <= 0 {
		limit = defaultConcurrency
	}
	full := make([]models.Route, len(routes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, r := range routes {
		g.Go(func() error {
			details, err := m.Provider.RouteDetails(gctx, r.ID)
			if err != nil {
				return fmt.Errorf("fetch route %q: %w", r.ID, err)
			}
			full[i] = details.Route
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	if err := m.Snapshot.Replace(ctx, full, stops); err != nil {
		return Result{}, fmt.Errorf("replace snapshot: %w", err)
	}

	res := Result{Routes: len(full), Stops: len(stops)}
	logging.LogOperation(logger, "snapshot_mirrored",
		slog.Int("routes", res.Routes),
		slog.Int("stops", res.Stops),
		slog.Duration("took", time.Since(started)))
	return res, nil
}

// Every runs a pass immediately and then on each tick until ctx ends.
// Failed passes are logged and retried on the next tick.
func (m *Mirror) Every(ctx context.Context, interval time.Duration) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := m.Run(ctx); err != nil && ctx.Err() == nil {
			logging.LogError(logger, "mirror pass failed", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
