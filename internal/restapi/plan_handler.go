package restapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/dragonhuntr/lokal/internal/models"
)

const maxPlanBodyBytes = 64 << 10

// planHandler accepts a JSON PlanRequest. Coordinate and limit checks are
// the planner's; this handler only rejects bodies it cannot decode.
func (api *RestAPI) planHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPlanBodyBytes)

	var req models.PlanRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			api.sendError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			api.validationErrorResponse(w, r, "request body is empty")
		default:
			api.validationErrorResponse(w, r, "invalid request body: "+err.Error())
		}
		return
	}

	started := time.Now()
	plan, err := api.Planner.Plan(r.Context(), req)
	if err != nil {
		api.sendServiceError(w, r, err)
		return
	}
	api.requestLogger(r).Debug("plan computed",
		"itineraries", len(plan.Itineraries),
		"duration_ms", time.Since(started).Milliseconds())
	api.sendResponse(w, r, models.NewEntryResponse(plan, api.Clock))
}
