package restapi

import (
	"net/http"
	"strings"

	"github.com/dragonhuntr/lokal/internal/models"
)

func (api *RestAPI) routesHandler(w http.ResponseWriter, r *http.Request) {
	routes, err := api.Transit.Routes(r.Context())
	if err != nil {
		api.sendServiceError(w, r, err)
		return
	}
	api.sendResponse(w, r, models.NewListResponse(routes, api.Clock))
}

func (api *RestAPI) routeHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := api.pathID(w, r)
	if !ok {
		return
	}
	details, err := api.Transit.Route(r.Context(), id)
	if err != nil {
		api.sendServiceError(w, r, err)
		return
	}
	api.sendResponse(w, r, models.NewEntryResponse(details, api.Clock))
}

func (api *RestAPI) routeTraceHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := api.pathID(w, r)
	if !ok {
		return
	}
	trace, err := api.Transit.RouteTrace(r.Context(), id)
	if err != nil {
		api.sendServiceError(w, r, err)
		return
	}
	api.sendResponse(w, r, models.NewEntryResponse(trace, api.Clock))
}

func (api *RestAPI) routeVehiclesHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := api.pathID(w, r)
	if !ok {
		return
	}
	vehicles, err := api.Transit.RouteVehicles(r.Context(), id)
	if err != nil {
		api.sendServiceError(w, r, err)
		return
	}
	api.sendResponse(w, r, models.NewListResponse(vehicles, api.Clock))
}

// pathID reads the {id} wildcard, answering 400 when it is blank.
func (api *RestAPI) pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		api.validationErrorResponse(w, r, "missing id")
		return "", false
	}
	return id, true
}
