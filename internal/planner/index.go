package planner

import (
	"sort"

	"github.com/tidwall/rtree"

	"github.com/dragonhuntr/lokal/internal/geo"
	"github.com/dragonhuntr/lokal/internal/models"
)

// stopIndex is a spatial index over every known stop, keyed by [lat, lon].
type stopIndex struct {
	tree rtree.RTreeG[models.Stop]
}

// candidate is a stop within walking distance of a point.
type candidate struct {
	stop     models.Stop
	distance float64
}

func newStopIndex(stops []models.Stop, routes []models.Route) *stopIndex {
	idx := &stopIndex{}
	seen := make(map[string]struct{}, len(stops))
	add := func(s models.Stop) {
		if _, ok := seen[s.ID]; ok || !geo.IsUsable(s.Coordinate()) {
			return
		}
		seen[s.ID] = struct{}{}
		pt := [2]float64{s.Latitude, s.Longitude}
		idx.tree.Insert(pt, pt, s)
	}
	for _, s := range stops {
		add(s)
	}
	for _, r := range routes {
		for _, s := range r.Stops {
			add(s)
		}
	}
	return idx
}

// within returns the stops no farther than radius meters from c, nearest
// first.
func (idx *stopIndex) within(c models.Coordinate, radius float64) []candidate {
	var out []candidate
	for _, b := range geo.Bounds(c, radius).Wrapped() {
		idx.tree.Search([2]float64{b.MinLat, b.MinLon}, [2]float64{b.MaxLat, b.MaxLon},
			func(_, _ [2]float64, s models.Stop) bool {
				if d := geo.Distance(c, s.Coordinate()); d <= radius {
					out = append(out, candidate{stop: s, distance: d})
				}
				return true
			})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].distance != out[j].distance {
			return out[i].distance < out[j].distance
		}
		return out[i].stop.ID < out[j].stop.ID
	})
	return out
}

func (idx *stopIndex) Len() int { return idx.tree.Len() }
