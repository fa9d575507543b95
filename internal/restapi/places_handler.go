package restapi

import (
	"net/http"
	"strings"

	"github.com/dragonhuntr/lokal/internal/models"
)

const maxPlaceQueryLength = 200

// placesSearchHandler runs q in the caller's session stream. A newer search
// in the same session makes this one answer 409.
func (api *RestAPI) placesSearchHandler(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if len(query) > maxPlaceQueryLength {
		api.validationErrorResponse(w, r, "query too long")
		return
	}
	session := r.URL.Query().Get("session")

	results, err := api.Places.Search(r.Context(), session, query)
	if err != nil {
		api.sendServiceError(w, r, err)
		return
	}
	api.sendResponse(w, r, models.NewListResponse(results, api.Clock))
}
