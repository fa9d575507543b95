// Package geo holds the pure spherical-geometry helpers used by the planner
// and the transit service.
package geo

import (
	"fmt"
	"math"

	"github.com/dragonhuntr/lokal/internal/models"
)

const (
	// RadiusOfEarthInMeters is RADIUS_OF_EARTH_IN_KM * 1000
	RadiusOfEarthInMeters = 6371010.0

	degToRad = math.Pi / 180
)

// CoordinateBounds represents a bounding box with min/max latitude and longitude
type CoordinateBounds struct {
	MinLat float64
	MaxLat float64
	MinLon float64
	MaxLon float64
}

// Contains reports whether c lies inside the box, edges included.
func (b CoordinateBounds) Contains(c models.Coordinate) bool {
	return c.Latitude >= b.MinLat && c.Latitude <= b.MaxLat &&
		c.Longitude >= b.MinLon && c.Longitude <= b.MaxLon
}

// Distance returns the great-circle distance in meters using the haversine
// formula. It is symmetric and exactly zero for identical points.
func Distance(a, b models.Coordinate) float64 {
	if a == b {
		return 0
	}
	lat1 := a.Latitude * degToRad
	lat2 := b.Latitude * degToRad
	dLat := (b.Latitude - a.Latitude) * degToRad
	dLon := (b.Longitude - a.Longitude) * degToRad

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	if h > 1 {
		h = 1
	}
	return 2 * RadiusOfEarthInMeters * math.Asin(math.Sqrt(h))
}

// Bearing returns the initial bearing from a to b in degrees, in [0, 360).
func Bearing(a, b models.Coordinate) float64 {
	lat1 := a.Latitude * degToRad
	lat2 := b.Latitude * degToRad
	dLon := (b.Longitude - a.Longitude) * degToRad

	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	deg := math.Atan2(y, x) / degToRad
	deg = math.Mod(deg+360, 360)
	if deg >= 360 {
		deg = 0
	}
	return deg
}

// PathDistance sums the segment distances along an ordered path.
func PathDistance(path []models.Coordinate) float64 {
	total := 0.0
	for i := 1; i < len(path); i++ {
		total += Distance(path[i-1], path[i])
	}
	return total
}

// Bounds returns the box enclosing every point within distance meters of center.
func Bounds(center models.Coordinate, distance float64) CoordinateBounds {
	latRadians := center.Latitude * degToRad
	lonRadians := center.Longitude * degToRad

	latRadius := RadiusOfEarthInMeters
	lonRadius := math.Cos(latRadians) * RadiusOfEarthInMeters

	latOffset := distance / latRadius
	lonOffset := distance / lonRadius

	return CoordinateBounds{
		MinLat: (latRadians - latOffset) / degToRad,
		MaxLat: (latRadians + latOffset) / degToRad,
		MinLon: (lonRadians - lonOffset) / degToRad,
		MaxLon: (lonRadians + lonOffset) / degToRad,
	}
}

// Wrapped splits b into boxes that stay inside [-90, 90] x [-180, 180]. A box
// that crosses the antimeridian becomes two; one that reaches a pole spans
// every longitude.
func (b CoordinateBounds) Wrapped() []CoordinateBounds {
	out := b
	out.MinLat = math.Max(out.MinLat, -90)
	out.MaxLat = math.Min(out.MaxLat, 90)

	span := b.MaxLon - b.MinLon
	if b.MinLat <= -90 || b.MaxLat >= 90 || math.IsNaN(span) || span >= 360 {
		out.MinLon, out.MaxLon = -180, 180
		return []CoordinateBounds{out}
	}

	switch {
	case b.MinLon < -180:
		east, west := out, out
		east.MinLon, east.MaxLon = b.MinLon+360, 180
		west.MinLon = -180
		return []CoordinateBounds{west, east}
	case b.MaxLon > 180:
		east, west := out, out
		east.MaxLon = 180
		west.MinLon, west.MaxLon = -180, b.MaxLon-360
		return []CoordinateBounds{east, west}
	}
	return []CoordinateBounds{out}
}

// ValidateCoordinate rejects non-finite or out-of-range coordinates.
func ValidateCoordinate(c models.Coordinate) error {
	if math.IsNaN(c.Latitude) || math.IsInf(c.Latitude, 0) ||
		math.IsNaN(c.Longitude) || math.IsInf(c.Longitude, 0) {
		return fmt.Errorf("coordinate (%v, %v) is not finite", c.Latitude, c.Longitude)
	}
	if c.Latitude < -90 || c.Latitude > 90 {
		return fmt.Errorf("latitude %v out of range [-90, 90]", c.Latitude)
	}
	if c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("longitude %v out of range [-180, 180]", c.Longitude)
	}
	return nil
}

// IsUsable reports whether a reported position can be shown on a map.
// Providers use (0,0) as a placeholder for "no fix".
func IsUsable(c models.Coordinate) bool {
	if ValidateCoordinate(c) != nil {
		return false
	}
	return c.Latitude != 0 || c.Longitude != 0
}
