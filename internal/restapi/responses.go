package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dragonhuntr/lokal/internal/logging"
	"github.com/dragonhuntr/lokal/internal/models"
	"github.com/dragonhuntr/lokal/internal/places"
	"github.com/dragonhuntr/lokal/internal/planner"
	"github.com/dragonhuntr/lokal/internal/transit"
	"github.com/dragonhuntr/lokal/internal/upstream"
)

func (api *RestAPI) sendResponse(w http.ResponseWriter, r *http.Request, response models.ResponseModel) {
	setJSONResponseType(&w)
	if response.Code != 0 && response.Code != http.StatusOK {
		w.WriteHeader(response.Code)
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logging.LogError(api.requestLogger(r), "failed to encode response", err)
	}
}

func (api *RestAPI) sendNotFound(w http.ResponseWriter, r *http.Request) {
	api.sendError(w, r, http.StatusNotFound, "resource not found")
}

func (api *RestAPI) sendUnauthorized(w http.ResponseWriter, r *http.Request) {
	api.sendError(w, r, http.StatusUnauthorized, "permission denied")
}

func setJSONResponseType(w *http.ResponseWriter) {
	(*w).Header().Set("Content-Type", "application/json")
}

func (api *RestAPI) sendError(w http.ResponseWriter, r *http.Request, code int, message string) {
	api.sendResponse(w, r, models.NewErrorResponse(code, message, api.Clock))
}

func (api *RestAPI) serverErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	logging.LogError(api.requestLogger(r), "request failed", err,
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path))
	api.sendError(w, r, http.StatusInternalServerError, "internal server error")
}

func (api *RestAPI) validationErrorResponse(w http.ResponseWriter, r *http.Request, message string) {
	api.sendError(w, r, http.StatusBadRequest, message)
}

// sendServiceError maps domain errors onto HTTP statuses.
func (api *RestAPI) sendServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var planErr *planner.ValidationError
	var payloadErr *upstream.ValidationError

	switch {
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		// The client went away; nobody is listening for a body.
		return
	case errors.As(err, &planErr):
		api.validationErrorResponse(w, r, planErr.Error())
	case errors.Is(err, transit.ErrNotFound):
		api.sendNotFound(w, r)
	case errors.Is(err, planner.ErrDataUnavailable):
		logging.LogError(api.requestLogger(r), "plan failed", err)
		api.sendError(w, r, http.StatusServiceUnavailable, planner.ErrDataUnavailable.Error())
	case errors.Is(err, places.ErrSuperseded):
		api.sendError(w, r, http.StatusConflict, "superseded by a newer search")
	case errors.As(err, &payloadErr):
		logging.LogError(api.requestLogger(r), "invalid provider payload", err)
		api.sendError(w, r, http.StatusBadGateway, "invalid response from transit provider")
	case errors.Is(err, transit.ErrDataUnavailable), errors.Is(err, upstream.ErrUnavailable):
		logging.LogError(api.requestLogger(r), "transit data unavailable", err)
		api.sendError(w, r, http.StatusServiceUnavailable, "transit data unavailable")
	default:
		api.serverErrorResponse(w, r, err)
	}
}

// requestLogger is the request scoped logger installed by the logging
// middleware.
func (api *RestAPI) requestLogger(r *http.Request) *slog.Logger {
	return logging.FromContext(r.Context())
}
