// Package restapi is the HTTP surface over the transit service, the trip
// planner and place search.
package restapi

import (
	"net/http"
	"time"

	"github.com/go-chi/cors"

	"github.com/dragonhuntr/lokal/internal/app"
)

type RestAPI struct {
	*app.Application
	rateLimiter *RateLimitMiddleware
}

// NewRestAPI creates the API and its per-client rate limiter. Call Shutdown
// to stop the limiter's cleanup goroutine.
func NewRestAPI(app *app.Application) *RestAPI {
	return &RestAPI{
		Application: app,
		rateLimiter: NewRateLimitMiddleware(app.Config.RateLimit, time.Second, app.Config.ApiKeys, app.Clock),
	}
}

func (api *RestAPI) Shutdown() {
	if api.rateLimiter != nil {
		api.rateLimiter.Stop()
	}
}

// Middleware wraps next in the request pipeline: request id, CORS, access
// logging, HTTP metrics, then rate limiting.
func (api *RestAPI) Middleware(next http.Handler) http.Handler {
	h := api.rateLimiter.Handler()(next)
	h = MetricsHandler(api.Metrics)(h)
	h = NewRequestLoggingMiddleware(api.Logger)(h)
	h = cors.Handler(api.corsOptions())(h)
	return RequestIDMiddleware(h)
}

func (api *RestAPI) corsOptions() cors.Options {
	origins := api.Config.CorsOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", app.APIKeyHeader, "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "Retry-After"},
		MaxAge:         300,
	}
}
