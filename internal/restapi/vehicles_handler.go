package restapi

import (
	"net/http"

	"github.com/dragonhuntr/lokal/internal/models"
)

// vehiclesHandler serves the network-wide vehicle snapshot. The optional
// routeId query parameter narrows it to one route.
func (api *RestAPI) vehiclesHandler(w http.ResponseWriter, r *http.Request) {
	var (
		vehicles []models.Vehicle
		err      error
	)
	if routeID := r.URL.Query().Get("routeId"); routeID != "" {
		vehicles, err = api.Transit.RouteVehicles(r.Context(), routeID)
	} else {
		vehicles, err = api.Transit.Vehicles(r.Context())
	}
	if err != nil {
		api.sendServiceError(w, r, err)
		return
	}
	api.sendResponse(w, r, models.NewListResponse(vehicles, api.Clock))
}
