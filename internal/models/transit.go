package models

import "time"

// Coordinate is a WGS84 position in decimal degrees.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Stop is a boarding point. Sequence is its ordinal position along the route
// it was fetched with; it is zero for stops from the bulk stop list.
type Stop struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Sequence  int     `json:"sequence"`
}

func (s Stop) Coordinate() Coordinate {
	return Coordinate{Latitude: s.Latitude, Longitude: s.Longitude}
}

// Route is a visible bus route. Stops are ordered by Sequence and that order
// is the authority for direction of travel.
type Route struct {
	ID        string `json:"id"`
	ShortName string `json:"shortName"`
	LongName  string `json:"longName"`
	Color     string `json:"color"`
	Visible   bool   `json:"visible"`
	Stops     []Stop `json:"stops,omitempty"`
}

// StopPositions maps each stop ID to its first position in r.Stops.
func (r Route) StopPositions() map[string]int {
	pos := make(map[string]int, len(r.Stops))
	for i, s := range r.Stops {
		if _, dup := pos[s.ID]; !dup {
			pos[s.ID] = i
		}
	}
	return pos
}

// DisplayName prefers the long name.
func (r Route) DisplayName() string {
	if r.LongName != "" {
		return r.LongName
	}
	return r.ShortName
}

// RouteDetails is one route with its stops and the vehicles currently on it.
type RouteDetails struct {
	Route
	Vehicles []Vehicle `json:"vehicles"`
}

// TripRef identifies the trip serving a departure.
type TripRef struct {
	TripID    string `json:"tripId"`
	BlockID   string `json:"blockId"`
	Direction string `json:"direction"`
}

// Departure is one scheduled or predicted pass of a route at a stop.
// The *Raw fields hold the provider's original strings.
type Departure struct {
	StopID       string     `json:"stopId"`
	RouteID      string     `json:"routeId"`
	Direction    string     `json:"direction"`
	ScheduledRaw string     `json:"scheduledRaw"`
	Scheduled    time.Time  `json:"scheduled"`
	EstimatedRaw string     `json:"estimatedRaw,omitempty"`
	Estimated    *time.Time `json:"estimated,omitempty"`
	Completed    bool       `json:"completed"`
	Cancelled    bool       `json:"cancelled"`
	Trip         TripRef    `json:"trip"`
}

// ExpectedTime is the estimate when present, else the schedule.
func (d Departure) ExpectedTime() time.Time {
	if d.Estimated != nil && !d.Estimated.IsZero() {
		return *d.Estimated
	}
	return d.Scheduled
}

// Active reports whether the departure can still be boarded.
func (d Departure) Active() bool {
	return !d.Completed && !d.Cancelled
}

// Vehicle is a point-in-time position report.
type Vehicle struct {
	ID        string    `json:"id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Heading   float64   `json:"heading"`
	Speed     float64   `json:"speed"`
	Occupancy string    `json:"occupancy"`
	RouteID   string    `json:"routeId"`
	BlockID   string    `json:"blockId"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (v Vehicle) Coordinate() Coordinate {
	return Coordinate{Latitude: v.Latitude, Longitude: v.Longitude}
}

// Placemark is one named line of a route trace.
type Placemark struct {
	Name        string       `json:"name"`
	Coordinates []Coordinate `json:"coordinates"`
}

// RouteTrace is the drawn geometry of a route.
type RouteTrace struct {
	RouteID    string      `json:"routeId"`
	Placemarks []Placemark `json:"placemarks"`

	// Polyline is the Google encoded polyline of all placemarks joined in order.
	Polyline string `json:"polyline"`
}
