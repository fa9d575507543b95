// Package transit composes the upstream client with the cache tier and the
// persisted snapshot to serve current routes, stops, departures and vehicles.
package transit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dragonhuntr/lokal/internal/cache"
	"github.com/dragonhuntr/lokal/internal/logging"
	"github.com/dragonhuntr/lokal/internal/metrics"
	"github.com/dragonhuntr/lokal/internal/models"
	"github.com/dragonhuntr/lokal/internal/snapshot"
	"github.com/dragonhuntr/lokal/internal/upstream"
)

var (
	// ErrNotFound means a requested entity exists neither at the provider
	// nor in the snapshot.
	ErrNotFound = errors.New("not found")
	// ErrDataUnavailable means neither routes nor stops could be obtained
	// from any source.
	ErrDataUnavailable = errors.New("transit data unavailable")
)

const (
	KeyNamespace = "transit:"

	keyRoutes       = KeyNamespace + "routes"
	keyRoutePrefix  = KeyNamespace + "route:"
	keyStops        = KeyNamespace + "stops"
	keyDepartures   = KeyNamespace + "departures"
	keyVehicles     = KeyNamespace + "vehicles"
	keyRouteVehicle = KeyNamespace + "vehicles:route:"
	keyTracePrefix  = KeyNamespace + "trace:"

	RoutesTTL          = 10 * time.Minute
	RouteDetailsTTL    = 5 * time.Minute
	StopsTTL           = 5 * time.Minute
	DeparturesTTL      = 30 * time.Second
	VehiclesTTL        = 10 * time.Second
	VehiclesJitter     = 20.0
	TraceTTL           = time.Hour
	DefaultConcurrency = 8
)

// Provider is the live transit source. *upstream.Client satisfies it.
type Provider interface {
	Routes(ctx context.Context) ([]models.Route, error)
	RouteDetails(ctx context.Context, routeID string) (models.RouteDetails, error)
	Departures(ctx context.Context) ([]models.Departure, error)
	Stops(ctx context.Context) ([]models.Stop, error)
	RouteTrace(ctx context.Context, routeID string) (models.RouteTrace, error)
}

// FeedSource supplies extra vehicle positions, such as a GTFS-RT feed.
type FeedSource interface {
	FetchFeedVehicles(ctx context.Context) ([]models.Vehicle, error)
}

// Publisher receives every freshly fetched per-route vehicle list.
type Publisher interface {
	Publish(ctx context.Context, routeID string, vehicles []models.Vehicle) error
}

type Config struct {
	Provider Provider
	Cache    *cache.Tier

	// Optional collaborators.
	Snapshot  snapshot.Reader
	Feed      FeedSource
	Publisher Publisher

	Concurrency int
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Source records where a result came from.
type Source int

const (
	SourceNone Source = iota
	SourceLive
	SourceSnapshot
)

func (s Source) String() string {
	switch s {
	case SourceLive:
		return "live"
	case SourceSnapshot:
		return "snapshot"
	default:
		return "none"
	}
}

type Service struct {
	provider    Provider
	cache       *cache.Tier
	snapshot    snapshot.Reader
	feed        FeedSource
	publisher   Publisher
	concurrency int
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Provider == nil {
		return nil, errors.New("transit: provider is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("transit: cache tier is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		provider:    cfg.Provider,
		cache:       cfg.Cache,
		snapshot:    cfg.Snapshot,
		feed:        cfg.Feed,
		publisher:   cfg.Publisher,
		concurrency: cfg.Concurrency,
		logger:      logger.With(slog.String("component", "transit")),
		metrics:     cfg.Metrics,
	}, nil
}

// Routes returns the visible routes, without stops.
func (s *Service) Routes(ctx context.Context) ([]models.Route, error) {
	routes, _, err := s.routes(ctx)
	return routes, err
}

func (s *Service) routes(ctx context.Context) ([]models.Route, Source, error) {
	routes, err := cache.GetCached(ctx, s.cache, keyRoutes, RoutesTTL, s.provider.Routes)
	if err == nil {
		return routes, SourceLive, nil
	}
	if !s.canFallBack(ctx, err) {
		return nil, SourceNone, err
	}
	s.logFallback("routes", err)
	if s.snapshot != nil {
		snap, serr := s.snapshot.Routes(ctx)
		if serr == nil && len(snap) > 0 {
			s.metrics.SnapshotFallback("routes")
			return snap, SourceSnapshot, nil
		}
		s.logSnapshotMiss("routes", serr)
	}
	return []models.Route{}, SourceNone, nil
}

// Route returns one route with its ordered stops and live vehicles. A route
// that can be resolved neither live nor from the snapshot is ErrNotFound.
func (s *Service) Route(ctx context.Context, routeID string) (models.RouteDetails, error) {
	details, err := cache.GetCached(ctx, s.cache, keyRoutePrefix+routeID, RouteDetailsTTL,
		func(ctx context.Context) (models.RouteDetails, error) {
			return s.provider.RouteDetails(ctx, routeID)
		})
	if err == nil {
		return details, nil
	}
	if errors.Is(err, upstream.ErrNotFound) {
		return models.RouteDetails{}, fmt.Errorf("route %q: %w", routeID, ErrNotFound)
	}
	if !s.canFallBack(ctx, err) {
		return models.RouteDetails{}, err
	}
	s.logFallback("route", err, slog.String("route_id", routeID))
	if s.snapshot != nil {
		route, serr := s.snapshot.Route(ctx, routeID)
		if serr == nil {
			s.metrics.SnapshotFallback("route")
			return models.RouteDetails{Route: route, Vehicles: []models.Vehicle{}}, nil
		}
		if !errors.Is(serr, snapshot.ErrNotFound) {
			s.logSnapshotMiss("route", serr)
		}
	}
	return models.RouteDetails{}, fmt.Errorf("route %q: %w", routeID, ErrNotFound)
}

// Stops returns the bulk stop list.
func (s *Service) Stops(ctx context.Context) ([]models.Stop, error) {
	stops, _, err := s.stops(ctx)
	return stops, err
}

func (s *Service) stops(ctx context.Context) ([]models.Stop, Source, error) {
	stops, err := cache.GetCached(ctx, s.cache, keyStops, StopsTTL, s.provider.Stops)
	if err == nil {
		return stops, SourceLive, nil
	}
	if !s.canFallBack(ctx, err) {
		return nil, SourceNone, err
	}
	s.logFallback("stops", err)
	if s.snapshot != nil {
		snap, serr := s.snapshot.Stops(ctx)
		if serr == nil && len(snap) > 0 {
			s.metrics.SnapshotFallback("stops")
			return snap, SourceSnapshot, nil
		}
		s.logSnapshotMiss("stops", serr)
	}
	return []models.Stop{}, SourceNone, nil
}

// Departures returns the whole departure board. The snapshot holds no
// real-time data, so an unreachable provider yields an empty board.
func (s *Service) Departures(ctx context.Context) ([]models.Departure, error) {
	deps, _, err := s.departures(ctx)
	return deps, err
}

func (s *Service) departures(ctx context.Context) ([]models.Departure, Source, error) {
	deps, err := cache.GetCached(ctx, s.cache, keyDepartures, DeparturesTTL, s.provider.Departures)
	if err == nil {
		return deps, SourceLive, nil
	}
	if !s.canFallBack(ctx, err) {
		return nil, SourceNone, err
	}
	s.logFallback("departures", err)
	return []models.Departure{}, SourceNone, nil
}

// StopDepartures filters the cached board down to one stop, soonest first.
func (s *Service) StopDepartures(ctx context.Context, stopID string) ([]models.Departure, error) {
	deps, err := s.Departures(ctx)
	if err != nil {
		return nil, err
	}
	out := []models.Departure{}
	for _, d := range deps {
		if d.StopID == stopID {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ExpectedTime().Before(out[j].ExpectedTime())
	})
	return out, nil
}

// RouteTrace returns the drawn geometry of a route. Traces are not kept in
// the snapshot, so provider failures other than 404 are returned.
func (s *Service) RouteTrace(ctx context.Context, routeID string) (models.RouteTrace, error) {
	trace, err := cache.GetCached(ctx, s.cache, keyTracePrefix+routeID, TraceTTL,
		func(ctx context.Context) (models.RouteTrace, error) {
			return s.provider.RouteTrace(ctx, routeID)
		})
	if errors.Is(err, upstream.ErrNotFound) {
		return models.RouteTrace{}, fmt.Errorf("trace for route %q: %w", routeID, ErrNotFound)
	}
	return trace, err
}

// Invalidate drops every cached transit key matching pattern, a glob
// relative to the transit namespace. An empty pattern drops everything.
func (s *Service) Invalidate(ctx context.Context, pattern string) int {
	if pattern == "" {
		pattern = "*"
	}
	return s.cache.DeletePattern(ctx, KeyNamespace+pattern)
}

// canFallBack reports whether err is an infrastructure failure that may be
// absorbed. Payload validation failures and caller cancellation are not.
func (s *Service) canFallBack(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var verr *upstream.ValidationError
	return !errors.As(err, &verr)
}

func (s *Service) logFallback(kind string, err error, attrs ...slog.Attr) {
	attrs = append([]slog.Attr{slog.String("kind", kind)}, attrs...)
	logging.LogError(s.logger, "provider fetch failed, falling back", err, attrs...)
}

func (s *Service) logSnapshotMiss(kind string, err error) {
	if err != nil {
		logging.LogError(s.logger, "snapshot read failed", err, slog.String("kind", kind))
		return
	}
	s.logger.Warn("snapshot has no data", slog.String("kind", kind))
}
