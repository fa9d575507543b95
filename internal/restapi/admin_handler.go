package restapi

import (
	"log/slog"
	"net/http"

	"github.com/dragonhuntr/lokal/internal/models"
)

type invalidation struct {
	Pattern string `json:"pattern"`
	Removed int    `json:"removed"`
}

// invalidateCacheHandler drops transit cache entries matching the pattern
// query parameter, every entry when it is absent.
func (api *RestAPI) invalidateCacheHandler(w http.ResponseWriter, r *http.Request) {
	if api.RequestHasInvalidAPIKey(r) {
		api.sendUnauthorized(w, r)
		return
	}

	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		pattern = "*"
	}
	removed := api.Transit.Invalidate(r.Context(), pattern)
	api.requestLogger(r).Info("cache invalidated",
		slog.String("pattern", pattern),
		slog.Int("removed", removed))

	api.sendResponse(w, r, models.NewEntryResponse(invalidation{Pattern: pattern, Removed: removed}, api.Clock))
}
