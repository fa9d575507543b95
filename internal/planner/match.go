package planner

import (
	"sort"
	"time"

	"github.com/dragonhuntr/lokal/internal/geo"
	"github.com/dragonhuntr/lokal/internal/models"
	"github.com/dragonhuntr/lokal/internal/transit"
)

// board indexes departures by route and stop, soonest first, and by trip
// and stop for ride times.
type board struct {
	byRouteStop map[[2]string][]models.Departure
	byTripStop  map[[2]string]models.Departure
}

func newBoard(deps []models.Departure) *board {
	b := &board{
		byRouteStop: make(map[[2]string][]models.Departure),
		byTripStop:  make(map[[2]string]models.Departure),
	}
	for _, d := range deps {
		if !d.Active() {
			continue
		}
		k := [2]string{d.RouteID, d.StopID}
		b.byRouteStop[k] = append(b.byRouteStop[k], d)
		if d.Trip.TripID != "" {
			b.byTripStop[[2]string{d.Trip.TripID, d.StopID}] = d
		}
	}
	for _, list := range b.byRouteStop {
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].ExpectedTime().Before(list[j].ExpectedTime())
		})
	}
	return b
}

// next returns the soonest active departure of route at stop that leaves no
// earlier than at.
func (b *board) next(routeID, stopID string, at time.Time) (models.Departure, bool) {
	for _, d := range b.byRouteStop[[2]string{routeID, stopID}] {
		if !d.ExpectedTime().Before(at) {
			return d, true
		}
	}
	return models.Departure{}, false
}

// timing is the wait at the boarding stop and the ride to the alighting
// stop, in minutes.
type timing struct {
	wait     float64
	ride     float64
	departAt *time.Time
}

// transitTiming waits for the next live departure and rides for the
// scheduled gap of the same trip, falling back to stopGap × perStop when
// the board has no matching departure.
func transitTiming(b *board, routeID string, from, to models.Stop, stopGap int, arriveAt time.Time, perStop float64) timing {
	t := timing{ride: float64(stopGap) * perStop}

	dep, ok := b.next(routeID, from.ID, arriveAt)
	if !ok {
		return t
	}
	boardAt := dep.ExpectedTime()
	t.departAt = &boardAt
	t.wait = boardAt.Sub(arriveAt).Minutes()

	if dep.Trip.TripID == "" {
		return t
	}
	if arr, ok := b.byTripStop[[2]string{dep.Trip.TripID, to.ID}]; ok {
		if gap := arr.Scheduled.Sub(dep.Scheduled); gap > 0 {
			t.ride = gap.Minutes()
		}
	}
	return t
}

// transitItineraries builds one walk, transit, walk itinerary per route that
// serves an origin candidate before a destination candidate, keeping the
// fastest combination for each route.
func (p *Planner) transitItineraries(origin, dest models.Coordinate, n *transit.Network, opts options) []models.Itinerary {
	idx := newStopIndex(n.Stops, n.Routes)
	fromCands := idx.within(origin, opts.maxWalk)
	toCands := idx.within(dest, opts.maxWalk)
	if len(fromCands) == 0 || len(toCands) == 0 {
		return nil
	}

	b := newBoard(n.Departures)
	var out []models.Itinerary
	for _, route := range n.Routes {
		pos := route.StopPositions()

		var best *models.Itinerary
		for _, fc := range fromCands {
			oi, ok := pos[fc.stop.ID]
			if !ok {
				continue
			}
			for _, tc := range toCands {
				di, ok := pos[tc.stop.ID]
				if !ok || di <= oi {
					continue
				}
				it := p.assemble(origin, dest, route, oi, di, b, opts.departAt)
				if best == nil || better(it, *best) {
					best = &it
				}
			}
		}
		if best != nil {
			out = append(out, *best)
		}
	}
	return out
}

func better(a, b models.Itinerary) bool {
	if a.TotalDurationMinutes != b.TotalDurationMinutes {
		return a.TotalDurationMinutes < b.TotalDurationMinutes
	}
	return a.TotalDistanceMeters < b.TotalDistanceMeters
}

func (p *Planner) assemble(origin, dest models.Coordinate, route models.Route, oi, di int, b *board, departAt time.Time) models.Itinerary {
	from, to := route.Stops[oi], route.Stops[di]

	walkIn := p.walkLeg(origin, from.Coordinate(), &from)
	arriveAt := departAt.Add(time.Duration(walkIn.DurationMinutes * float64(time.Minute)))
	tm := transitTiming(b, route.ID, from, to, di-oi, arriveAt, p.perStop)

	path := make([]models.Coordinate, 0, di-oi+1)
	for _, s := range route.Stops[oi : di+1] {
		path = append(path, s.Coordinate())
	}
	ride := models.Leg{
		Mode:            models.LegTransit,
		DistanceMeters:  roundTenth(geo.PathDistance(path)),
		DurationMinutes: roundTenth(tm.wait + tm.ride),
		Start:           from.Coordinate(),
		End:             to.Coordinate(),
		StartStopID:     from.ID,
		StartStopName:   from.Name,
		EndStopID:       to.ID,
		EndStopName:     to.Name,
		RouteID:         route.ID,
		RouteName:       route.DisplayName(),
		RouteNumber:     route.ShortName,
		StopCount:       di - oi,
		DepartsAt:       tm.departAt,
	}

	walkOut := p.walkLeg(to.Coordinate(), dest, nil)
	return models.NewItinerary([]models.Leg{walkIn, ride, walkOut})
}
