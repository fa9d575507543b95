package models

import "time"

type LegMode string

const (
	LegWalk    LegMode = "walk"
	LegTransit LegMode = "transit"
)

// Leg is one homogeneous segment of an itinerary. Route and start stop fields
// are only set on transit legs; a walk leg may name the stop it ends at.
type Leg struct {
	Mode            LegMode    `json:"type"`
	DistanceMeters  float64    `json:"distanceMeters"`
	DurationMinutes float64    `json:"durationMinutes"`
	Start           Coordinate `json:"start"`
	End             Coordinate `json:"end"`

	StartStopID   string `json:"startStopId,omitempty"`
	StartStopName string `json:"startStopName,omitempty"`
	EndStopID     string `json:"endStopId,omitempty"`
	EndStopName   string `json:"endStopName,omitempty"`

	RouteID     string     `json:"routeId,omitempty"`
	RouteName   string     `json:"routeName,omitempty"`
	RouteNumber string     `json:"routeNumber,omitempty"`
	StopCount   int        `json:"stopCount,omitempty"`
	DepartsAt   *time.Time `json:"departsAt,omitempty"`
}

// Itinerary is an ordered, non-empty list of legs with their totals.
type Itinerary struct {
	Legs                 []Leg   `json:"legs"`
	TotalDistanceMeters  float64 `json:"totalDistanceMeters"`
	TotalDurationMinutes float64 `json:"totalDurationMinutes"`
	RouteID              string  `json:"routeId,omitempty"`
	RouteName            string  `json:"routeName,omitempty"`
	RouteNumber          string  `json:"routeNumber,omitempty"`
	WalkOnly             bool    `json:"walkOnly"`
}

// NewItinerary computes totals from legs and sets the dominant route when
// exactly one transit leg is present.
func NewItinerary(legs []Leg) Itinerary {
	it := Itinerary{Legs: legs}
	transitLegs := 0
	var transit Leg
	for _, l := range legs {
		it.TotalDistanceMeters += l.DistanceMeters
		it.TotalDurationMinutes += l.DurationMinutes
		if l.Mode == LegTransit {
			transitLegs++
			transit = l
		}
	}
	if transitLegs == 1 {
		it.RouteID = transit.RouteID
		it.RouteName = transit.RouteName
		it.RouteNumber = transit.RouteNumber
	}
	it.WalkOnly = transitLegs == 0
	return it
}

// PlanRequest is the planner's input contract.
type PlanRequest struct {
	Origin                   Coordinate `json:"origin"`
	Destination              Coordinate `json:"destination"`
	DepartureTime            *time.Time `json:"departureTime,omitempty"`
	MaxWalkingDistanceMeters *float64   `json:"maxWalkingDistanceMeters,omitempty"`
	Limit                    *int       `json:"limit,omitempty"`
}

// PlanResponse is the planner's output contract.
type PlanResponse struct {
	GeneratedAt time.Time   `json:"generatedAt"`
	Itineraries []Itinerary `json:"itineraries"`
}
