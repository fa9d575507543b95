package transit

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dragonhuntr/lokal/internal/models"
)

// Network is everything the planner needs in one consistent read.
type Network struct {
	// Routes carry their ordered stops.
	Routes     []models.Route
	Stops      []models.Stop
	Departures []models.Departure

	RoutesSource Source
	StopsSource  Source
}

// Network loads routes with stops, the stop list and the departure board.
// It fails with ErrDataUnavailable only when neither routes nor stops could be
// obtained from the provider or the snapshot.
func (s *Service) Network(ctx context.Context) (*Network, error) {
	routes, routesSrc, err := s.routes(ctx)
	if err != nil {
		return nil, err
	}
	stops, stopsSrc, err := s.stops(ctx)
	if err != nil {
		return nil, err
	}
	if routesSrc == SourceNone && stopsSrc == SourceNone {
		return nil, ErrDataUnavailable
	}

	detailed := make([]models.Route, 0, len(routes))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, r := range routes {
		g.Go(func() error {
			d, err := s.Route(gctx, r.ID)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				if !errors.Is(err, ErrNotFound) {
					s.logger.Warn("route skipped from network",
						slog.String("route_id", r.ID),
						slog.String("error", err.Error()))
				}
				return nil
			}
			mu.Lock()
			detailed = append(detailed, d.Route)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(detailed, func(i, j int) bool { return detailed[i].ID < detailed[j].ID })

	deps, _, err := s.departures(ctx)
	if err != nil {
		s.logger.Warn("planning without departures", slog.String("error", err.Error()))
		deps = []models.Departure{}
	}

	return &Network{
		Routes:       detailed,
		Stops:        stops,
		Departures:   deps,
		RoutesSource: routesSrc,
		StopsSource:  stopsSrc,
	}, nil
}
