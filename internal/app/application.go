package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dragonhuntr/lokal/internal/appconf"
	"github.com/dragonhuntr/lokal/internal/cache"
	"github.com/dragonhuntr/lokal/internal/clock"
	"github.com/dragonhuntr/lokal/internal/metrics"
	"github.com/dragonhuntr/lokal/internal/places"
	"github.com/dragonhuntr/lokal/internal/planner"
	"github.com/dragonhuntr/lokal/internal/snapshot"
	"github.com/dragonhuntr/lokal/internal/transit"
)

// Application holds the dependencies for our HTTP handlers, helpers,
// and middleware.
type Application struct {
	Config  appconf.Config
	Logger  *slog.Logger
	Clock   clock.Clock
	Metrics *metrics.Metrics

	Cache    *cache.Tier
	Transit  *transit.Service
	Planner  *planner.Planner
	Snapshot snapshot.Store

	// Places is nil when no geocoder is configured.
	Places *places.Sessions

	mu        sync.Mutex
	teardowns []teardown
}

type teardown struct {
	name string
	fn   func(context.Context) error
}

// OnShutdown registers fn to run when the application shuts down.
// Callbacks run in reverse registration order.
func (app *Application) OnShutdown(name string, fn func(context.Context) error) {
	app.mu.Lock()
	defer app.mu.Unlock()
	app.teardowns = append(app.teardowns, teardown{name: name, fn: fn})
}

// Shutdown runs every registered teardown once, even when earlier ones fail,
// and joins their errors.
func (app *Application) Shutdown(ctx context.Context) error {
	app.mu.Lock()
	pending := app.teardowns
	app.teardowns = nil
	app.mu.Unlock()

	var errs []error
	for i := len(pending) - 1; i >= 0; i-- {
		td := pending[i]
		if err := td.fn(ctx); err != nil {
			if app.Logger != nil {
				app.Logger.Error("shutdown step failed", slog.String("resource", td.name), slog.Any("error", err))
			}
			errs = append(errs, fmt.Errorf("%s: %w", td.name, err))
		}
	}
	return errors.Join(errs...)
}
