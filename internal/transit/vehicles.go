package transit

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dragonhuntr/lokal/internal/cache"
	"github.com/dragonhuntr/lokal/internal/geo"
	"github.com/dragonhuntr/lokal/internal/logging"
	"github.com/dragonhuntr/lokal/internal/models"
	"github.com/dragonhuntr/lokal/internal/upstream"
)

// Vehicles returns every usable vehicle position across all routes, sorted
// by route then id.
func (s *Service) Vehicles(ctx context.Context) ([]models.Vehicle, error) {
	return cache.GetCachedWithJitter(ctx, s.cache, keyVehicles, VehiclesTTL, VehiclesJitter, s.collectVehicles)
}

// RouteVehicles returns the usable vehicles of one route.
func (s *Service) RouteVehicles(ctx context.Context, routeID string) ([]models.Vehicle, error) {
	all, err := s.Vehicles(ctx)
	if err != nil {
		return nil, err
	}
	out := []models.Vehicle{}
	for _, v := range all {
		if v.RouteID == routeID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *Service) collectVehicles(ctx context.Context) ([]models.Vehicle, error) {
	routes, err := s.Routes(ctx)
	if err != nil {
		return nil, err
	}

	keys := make([]string, len(routes))
	for i, r := range routes {
		keys[i] = keyRouteVehicle + r.ID
	}
	cached := cache.GetCachedBatch[[]models.Vehicle](ctx, s.cache, keys)

	var mu sync.Mutex
	var misses []models.Route
	byKey := make(map[string][]models.Vehicle, len(routes))
	for i, r := range routes {
		if vs, ok := cached[keys[i]]; ok {
			byKey[keys[i]] = vs
			continue
		}
		misses = append(misses, r)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, r := range misses {
		g.Go(func() error {
			vs, err := s.fetchRouteVehicles(gctx, r.ID)
			if err != nil {
				// A missing route skips its vehicles; only cancellation stops the fan-out.
				if gctx.Err() != nil {
					return gctx.Err()
				}
				return nil
			}
			mu.Lock()
			byKey[keyRouteVehicle+r.ID] = vs
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	vehicles := []models.Vehicle{}
	seen := make(map[string]struct{})
	for _, k := range keys {
		for _, v := range byKey[k] {
			if !geo.IsUsable(v.Coordinate()) {
				continue
			}
			seen[v.ID] = struct{}{}
			vehicles = append(vehicles, v)
		}
	}
	vehicles = append(vehicles, s.feedVehicles(ctx, seen)...)

	sort.Slice(vehicles, func(i, j int) bool {
		if vehicles[i].RouteID != vehicles[j].RouteID {
			return vehicles[i].RouteID < vehicles[j].RouteID
		}
		return vehicles[i].ID < vehicles[j].ID
	})
	return vehicles, nil
}

// fetchRouteVehicles reads one route's vehicles live, writes them back with a
// jittered TTL and hands them to the publisher.
func (s *Service) fetchRouteVehicles(ctx context.Context, routeID string) ([]models.Vehicle, error) {
	details, err := s.provider.RouteDetails(ctx, routeID)
	if err != nil {
		if ctx.Err() == nil {
			logging.LogError(s.logger, "failed to fetch route vehicles", err, slog.String("route_id", routeID))
		}
		return nil, err
	}
	vs := make([]models.Vehicle, len(details.Vehicles))
	copy(vs, details.Vehicles)
	for i := range vs {
		if vs[i].RouteID == "" {
			vs[i].RouteID = routeID
		}
	}
	cache.SetCached(ctx, s.cache, keyRouteVehicle+routeID, vs, s.cache.Jitter(VehiclesTTL, VehiclesJitter))

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, routeID, vs); err != nil {
			logging.LogError(s.logger, "failed to publish vehicles", err, slog.String("route_id", routeID))
		}
	}
	return vs, nil
}

// feedVehicles returns usable feed vehicles whose id is not in seen.
func (s *Service) feedVehicles(ctx context.Context, seen map[string]struct{}) []models.Vehicle {
	if s.feed == nil {
		return nil
	}
	feed, err := s.feed.FetchFeedVehicles(ctx)
	if err != nil {
		if !errors.Is(err, upstream.ErrFeedNotConfigured) {
			logging.LogError(s.logger, "failed to fetch vehicle positions feed", err)
		}
		return nil
	}
	var out []models.Vehicle
	for _, v := range feed {
		if _, dup := seen[v.ID]; dup || !geo.IsUsable(v.Coordinate()) {
			continue
		}
		seen[v.ID] = struct{}{}
		out = append(out, v)
	}
	return out
}
