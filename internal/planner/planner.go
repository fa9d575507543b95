// Package planner builds walk and transit itineraries between two points
// from the current transit network.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/dragonhuntr/lokal/internal/clock"
	"github.com/dragonhuntr/lokal/internal/geo"
	"github.com/dragonhuntr/lokal/internal/logging"
	"github.com/dragonhuntr/lokal/internal/metrics"
	"github.com/dragonhuntr/lokal/internal/models"
	"github.com/dragonhuntr/lokal/internal/transit"
)

const (
	DefaultMaxWalkingDistanceMeters    = 1000.0
	DefaultWalkingSpeedMetersPerMinute = 80.0
	DefaultMinutesPerStop              = 2.0
	DefaultLimit                       = 3
	MaxLimit                           = 5
)

// ErrDataUnavailable is a planning system failure, as opposed to a trip that
// simply has no transit option.
var ErrDataUnavailable = errors.New("could not calculate a route")

// ValidationError rejects a plan request before any search.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// NetworkSource supplies the routes, stops and departures to plan over.
// *transit.Service satisfies it.
type NetworkSource interface {
	Network(ctx context.Context) (*transit.Network, error)
}

type Config struct {
	Source NetworkSource

	WalkingSpeedMetersPerMinute float64
	MinutesPerStop              float64
	DefaultLimit                int

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Planner struct {
	source       NetworkSource
	walkSpeed    float64
	perStop      float64
	defaultLimit int
	clock        clock.Clock
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

func New(cfg Config) *Planner {
	p := &Planner{
		source:       cfg.Source,
		walkSpeed:    cfg.WalkingSpeedMetersPerMinute,
		perStop:      cfg.MinutesPerStop,
		defaultLimit: cfg.DefaultLimit,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}
	if p.walkSpeed <= 0 {
		p.walkSpeed = DefaultWalkingSpeedMetersPerMinute
	}
	if p.perStop <= 0 {
		p.perStop = DefaultMinutesPerStop
	}
	if p.defaultLimit <= 0 {
		p.defaultLimit = DefaultLimit
	}
	if p.clock == nil {
		p.clock = clock.RealClock{}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With(slog.String("component", "planner"))
	return p
}

type options struct {
	maxWalk  float64
	limit    int
	departAt time.Time
}

func (p *Planner) validate(req models.PlanRequest) (options, error) {
	if err := geo.ValidateCoordinate(req.Origin); err != nil {
		return options{}, &ValidationError{Field: "origin", Message: err.Error()}
	}
	if err := geo.ValidateCoordinate(req.Destination); err != nil {
		return options{}, &ValidationError{Field: "destination", Message: err.Error()}
	}

	opts := options{
		maxWalk:  DefaultMaxWalkingDistanceMeters,
		limit:    p.defaultLimit,
		departAt: p.clock.Now(),
	}
	if req.MaxWalkingDistanceMeters != nil {
		v := *req.MaxWalkingDistanceMeters
		if math.IsNaN(v) || v < 1 {
			return options{}, &ValidationError{Field: "maxWalkingDistanceMeters", Message: "must be at least 1"}
		}
		opts.maxWalk = v
	}
	if req.Limit != nil {
		opts.limit = *req.Limit
	}
	opts.limit = min(max(opts.limit, 1), MaxLimit)
	if req.DepartureTime != nil && !req.DepartureTime.IsZero() {
		opts.departAt = *req.DepartureTime
	}
	return opts, nil
}

// Plan returns itineraries ranked by duration. When no transit option
// exists the response holds a single walk-only itinerary.
func (p *Planner) Plan(ctx context.Context, req models.PlanRequest) (*models.PlanResponse, error) {
	start := p.clock.Now()

	opts, err := p.validate(req)
	if err != nil {
		p.metrics.ObservePlan("invalid", clock.Since(p.clock, start))
		return nil, err
	}

	network, err := p.source.Network(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.metrics.ObservePlan("unavailable", clock.Since(p.clock, start))
		logging.LogError(p.logger, "planning failed, network unavailable", err)
		return nil, fmt.Errorf("%w: %v", ErrDataUnavailable, err)
	}

	itineraries := p.transitItineraries(req.Origin, req.Destination, network, opts)
	outcome := "transit"
	if len(itineraries) == 0 {
		outcome = "walk_only"
		itineraries = []models.Itinerary{p.walkOnly(req.Origin, req.Destination)}
	}

	sort.SliceStable(itineraries, func(i, j int) bool {
		a, b := itineraries[i], itineraries[j]
		if a.TotalDurationMinutes != b.TotalDurationMinutes {
			return a.TotalDurationMinutes < b.TotalDurationMinutes
		}
		if a.TotalDistanceMeters != b.TotalDistanceMeters {
			return a.TotalDistanceMeters < b.TotalDistanceMeters
		}
		return a.RouteID < b.RouteID
	})
	if len(itineraries) > opts.limit {
		itineraries = itineraries[:opts.limit]
	}

	p.metrics.ObservePlan(outcome, clock.Since(p.clock, start))
	logging.LogOperation(p.logger, "plan_completed",
		slog.String("outcome", outcome),
		slog.Int("itineraries", len(itineraries)))

	return &models.PlanResponse{GeneratedAt: p.clock.Now(), Itineraries: itineraries}, nil
}

func (p *Planner) walkOnly(from, to models.Coordinate) models.Itinerary {
	return models.NewItinerary([]models.Leg{p.walkLeg(from, to, nil)})
}

// walkLeg ends at stop when one is given.
func (p *Planner) walkLeg(from, to models.Coordinate, stop *models.Stop) models.Leg {
	d := geo.Distance(from, to)
	leg := models.Leg{
		Mode:            models.LegWalk,
		DistanceMeters:  roundTenth(d),
		DurationMinutes: roundTenth(d / p.walkSpeed),
		Start:           from,
		End:             to,
	}
	if stop != nil {
		leg.EndStopID = stop.ID
		leg.EndStopName = stop.Name
	}
	return leg
}

func roundTenth(v float64) float64 {
	return math.Round(v*10) / 10
}
