package restapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dragonhuntr/lokal/internal/transit"
)

func (api *RestAPI) SetRoutes(mux *http.ServeMux) {
	handle := func(pattern string, f freshness, h http.HandlerFunc) {
		mux.Handle(pattern, CacheControlMiddleware(f, h))
	}

	handle("GET /api/routes", freshnessFor(transit.RoutesTTL), api.routesHandler)
	handle("GET /api/routes/{id}", freshnessFor(transit.RouteDetailsTTL, transit.VehiclesTTL), api.routeHandler)
	handle("GET /api/routes/{id}/trace", freshnessFor(transit.TraceTTL), api.routeTraceHandler)
	handle("GET /api/routes/{id}/vehicles", freshnessFor(transit.VehiclesTTL), api.routeVehiclesHandler)
	handle("GET /api/stops", freshnessFor(transit.StopsTTL), api.stopsHandler)
	handle("GET /api/stops/{id}/departures", freshnessFor(transit.DeparturesTTL), api.stopDeparturesHandler)
	handle("GET /api/vehicles", freshnessFor(transit.VehiclesTTL), api.vehiclesHandler)
	handle("GET /api/current-time", uncacheable, api.currentTimeHandler)
	handle("POST /api/plan", uncacheable, api.planHandler)
	if api.Places != nil {
		handle("GET /api/places/search", uncacheable, api.placesSearchHandler)
	}
	handle("POST /api/admin/cache/invalidate", uncacheable, api.invalidateCacheHandler)

	mux.HandleFunc("GET /healthz", api.healthHandler)
	if api.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(api.Metrics.Registry, promhttp.HandlerOpts{}))
	}
}
