package upstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/dragonhuntr/lokal/internal/models"
)

type routesPayload struct {
	Routes []wireRoute `json:"routes" validate:"required,dive"`
}

type wireRoute struct {
	ID        string `json:"id" validate:"required"`
	ShortName string `json:"shortName"`
	LongName  string `json:"longName"`
	Color     string `json:"color" validate:"max=16"`
	Visible   *bool  `json:"visible" validate:"required"`
}

type routeDetailsPayload struct {
	Route *wireRouteDetails `json:"route" validate:"required"`
}

type wireRouteDetails struct {
	wireRoute
	Stops    []wireRouteStop `json:"stops" validate:"required,dive"`
	Vehicles []wireVehicle   `json:"vehicles" validate:"dive"`
}

type wireRouteStop struct {
	ID        string   `json:"id" validate:"required"`
	Name      string   `json:"name"`
	Latitude  *float64 `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude" validate:"required,gte=-180,lte=180"`
	Sequence  *int     `json:"sequence" validate:"required,gte=0"`
}

type stopsPayload struct {
	Stops []wireStop `json:"stops" validate:"required,dive"`
}

type wireStop struct {
	ID        string   `json:"id" validate:"required"`
	Name      string   `json:"name"`
	Latitude  *float64 `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude" validate:"required,gte=-180,lte=180"`
}

type wireVehicle struct {
	ID        string  `json:"id" validate:"required"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Heading   float64 `json:"heading"`
	Speed     float64 `json:"speed"`
	Occupancy string  `json:"occupancy"`
	RouteID   string  `json:"routeId"`
	BlockID   string  `json:"blockId"`
	UpdatedAt string  `json:"updatedAt" validate:"required"`
}

type departuresPayload struct {
	Departures []wireDepartureGroup `json:"departures" validate:"required,dive"`
}

type wireDepartureGroup struct {
	StopID    string     `json:"stopId" validate:"required"`
	RouteID   string     `json:"routeId" validate:"required"`
	Direction string     `json:"direction"`
	Times     []wireTime `json:"times" validate:"required,dive"`
}

type wireTime struct {
	Scheduled string `json:"scheduled" validate:"required"`
	Estimated string `json:"estimated"`
	Completed bool   `json:"completed"`
	Cancelled bool   `json:"cancelled"`
	TripID    string `json:"tripId"`
	BlockID   string `json:"blockId"`
	Direction string `json:"direction"`
}

// decoder turns raw bodies into validated wire structs.
type decoder struct {
	validate *validator.Validate
	loc      *time.Location
}

func newDecoder(loc *time.Location) *decoder {
	return &decoder{validate: validator.New(validator.WithRequiredStructEnabled()), loc: loc}
}

func (d *decoder) decode(endpoint string, body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return &ValidationError{Endpoint: endpoint, Err: err}
	}
	if err := d.validate.Struct(out); err != nil {
		field := ""
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			field = verrs[0].Namespace()
		}
		return &ValidationError{Endpoint: endpoint, Field: field, Err: err}
	}
	return nil
}

func (d *decoder) time(endpoint, field, raw string) (time.Time, error) {
	t, err := ParseProviderTime(raw, d.loc)
	if err != nil {
		return time.Time{}, &ValidationError{Endpoint: endpoint, Field: field, Err: err}
	}
	return t, nil
}

func (d *decoder) routes(body []byte) ([]models.Route, error) {
	var p routesPayload
	if err := d.decode("routes", body, &p); err != nil {
		return nil, err
	}
	routes := make([]models.Route, 0, len(p.Routes))
	for _, r := range p.Routes {
		if !*r.Visible {
			continue
		}
		routes = append(routes, r.toModel())
	}
	return routes, nil
}

func (r wireRoute) toModel() models.Route {
	return models.Route{
		ID:        r.ID,
		ShortName: r.ShortName,
		LongName:  r.LongName,
		Color:     r.Color,
		Visible:   r.Visible != nil && *r.Visible,
	}
}

func (d *decoder) routeDetails(body []byte) (models.RouteDetails, error) {
	var p routeDetailsPayload
	if err := d.decode("route_details", body, &p); err != nil {
		return models.RouteDetails{}, err
	}

	details := models.RouteDetails{Route: p.Route.toModel()}
	details.Stops = make([]models.Stop, 0, len(p.Route.Stops))
	for _, s := range p.Route.Stops {
		details.Stops = append(details.Stops, models.Stop{
			ID:        s.ID,
			Name:      s.Name,
			Latitude:  *s.Latitude,
			Longitude: *s.Longitude,
			Sequence:  *s.Sequence,
		})
	}
	sort.SliceStable(details.Stops, func(i, j int) bool {
		return details.Stops[i].Sequence < details.Stops[j].Sequence
	})

	details.Vehicles = make([]models.Vehicle, 0, len(p.Route.Vehicles))
	for i, v := range p.Route.Vehicles {
		updated, err := d.time("route_details", fmt.Sprintf("route.vehicles[%d].updatedAt", i), v.UpdatedAt)
		if err != nil {
			return models.RouteDetails{}, err
		}
		routeID := v.RouteID
		if routeID == "" {
			routeID = details.ID
		}
		details.Vehicles = append(details.Vehicles, models.Vehicle{
			ID:        v.ID,
			Latitude:  v.Latitude,
			Longitude: v.Longitude,
			Heading:   v.Heading,
			Speed:     v.Speed,
			Occupancy: v.Occupancy,
			RouteID:   routeID,
			BlockID:   v.BlockID,
			UpdatedAt: updated,
		})
	}
	return details, nil
}

func (d *decoder) stops(body []byte) ([]models.Stop, error) {
	var p stopsPayload
	if err := d.decode("stops", body, &p); err != nil {
		return nil, err
	}
	stops := make([]models.Stop, 0, len(p.Stops))
	for _, s := range p.Stops {
		stops = append(stops, models.Stop{
			ID:        s.ID,
			Name:      s.Name,
			Latitude:  *s.Latitude,
			Longitude: *s.Longitude,
		})
	}
	return stops, nil
}

func (d *decoder) departures(body []byte) ([]models.Departure, error) {
	var p departuresPayload
	if err := d.decode("departures", body, &p); err != nil {
		return nil, err
	}

	var out []models.Departure
	for gi, g := range p.Departures {
		for ti, wt := range g.Times {
			field := fmt.Sprintf("departures[%d].times[%d]", gi, ti)
			scheduled, err := d.time("departures", field+".scheduled", wt.Scheduled)
			if err != nil {
				return nil, err
			}
			dep := models.Departure{
				StopID:       g.StopID,
				RouteID:      g.RouteID,
				Direction:    g.Direction,
				ScheduledRaw: wt.Scheduled,
				Scheduled:    scheduled,
				EstimatedRaw: wt.Estimated,
				Completed:    wt.Completed,
				Cancelled:    wt.Cancelled,
				Trip: models.TripRef{
					TripID:    wt.TripID,
					BlockID:   wt.BlockID,
					Direction: wt.Direction,
				},
			}
			if dep.Trip.Direction == "" {
				dep.Trip.Direction = g.Direction
			}
			if wt.Estimated != "" {
				est, err := d.time("departures", field+".estimated", wt.Estimated)
				if err != nil {
					return nil, err
				}
				dep.Estimated = &est
			}
			out = append(out, dep)
		}
	}
	if out == nil {
		out = []models.Departure{}
	}
	return out, nil
}
