package upstream

import (
	"context"

	"github.com/OneBusAway/go-gtfs"

	"github.com/dragonhuntr/lokal/internal/models"
)

// FetchFeedVehicles reads the optional GTFS-RT vehicle positions feed.
// Entities without an id or a position are dropped.
func (c *Client) FetchFeedVehicles(ctx context.Context) ([]models.Vehicle, error) {
	if c.cfg.VehiclePositionsURL == "" {
		return nil, ErrFeedNotConfigured
	}
	body, err := c.get(ctx, "vehicle_positions", c.cfg.VehiclePositionsURL, "application/x-protobuf")
	if err != nil {
		return nil, err
	}
	rt, err := gtfs.ParseRealtime(body, &gtfs.ParseRealtimeOptions{})
	if err != nil {
		return nil, &ValidationError{Endpoint: "vehicle_positions", Err: err}
	}

	vehicles := make([]models.Vehicle, 0, len(rt.Vehicles))
	for _, v := range rt.Vehicles {
		if v.ID == nil || v.ID.ID == "" {
			continue
		}
		if v.Position == nil || v.Position.Latitude == nil || v.Position.Longitude == nil {
			continue
		}
		mv := models.Vehicle{
			ID:        v.ID.ID,
			Latitude:  float64(*v.Position.Latitude),
			Longitude: float64(*v.Position.Longitude),
		}
		if v.Position.Bearing != nil {
			mv.Heading = float64(*v.Position.Bearing)
		}
		if v.Position.Speed != nil {
			mv.Speed = float64(*v.Position.Speed)
		}
		if v.Trip != nil {
			mv.RouteID = v.Trip.ID.RouteID
		}
		if v.OccupancyStatus != nil {
			mv.Occupancy = v.OccupancyStatus.String()
		}
		if v.Timestamp != nil {
			mv.UpdatedAt = v.Timestamp.In(c.dec.loc)
		}
		vehicles = append(vehicles, mv)
	}
	return vehicles, nil
}
