package restapi

import (
	"net/http"

	"github.com/dragonhuntr/lokal/internal/models"
)

func (api *RestAPI) stopsHandler(w http.ResponseWriter, r *http.Request) {
	stops, err := api.Transit.Stops(r.Context())
	if err != nil {
		api.sendServiceError(w, r, err)
		return
	}
	api.sendResponse(w, r, models.NewListResponse(stops, api.Clock))
}

func (api *RestAPI) stopDeparturesHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := api.pathID(w, r)
	if !ok {
		return
	}
	departures, err := api.Transit.StopDepartures(r.Context(), id)
	if err != nil {
		api.sendServiceError(w, r, err)
		return
	}
	api.sendResponse(w, r, models.NewListResponse(departures, api.Clock))
}
