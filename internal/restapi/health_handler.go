package restapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/dragonhuntr/lokal/internal/logging"
)

// HealthResponse represents the JSON response from the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
	Cache  string `json:"cache,omitempty"`

	// CacheSince is when the cache store last changed state.
	CacheSince string `json:"cacheSince,omitempty"`

	// SnapshotReplacedAt is empty when no snapshot has been mirrored yet.
	SnapshotReplacedAt string `json:"snapshotReplacedAt,omitempty"`
}

// healthHandler answers 503 only when the service is not wired. A degraded
// cache or an unreadable snapshot still serves traffic, so both are reported
// as detail with a 200.
func (api *RestAPI) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if api.Application == nil || api.Transit == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(HealthResponse{
			Status: "unavailable",
			Detail: "transit service not initialized",
		})
		return
	}

	resp := HealthResponse{Status: "ok"}
	if api.Cache != nil {
		resp.Cache = api.Cache.Health().Status()
		if !api.Cache.Health().Ready() {
			resp.Status = "degraded"
		}
		if since := api.Cache.Health().ChangedAt(); !since.IsZero() {
			resp.CacheSince = since.UTC().Format(time.RFC3339)
		}
	}

	if api.Snapshot != nil {
		replacedAt, err := api.Snapshot.ReplacedAt(r.Context())
		switch {
		case err != nil:
			logging.LogError(api.requestLogger(r), "snapshot health check failed", err)
			resp.Status = "degraded"
			resp.Detail = "snapshot unreadable"
		case !replacedAt.IsZero():
			resp.SnapshotReplacedAt = replacedAt.UTC().Format(time.RFC3339)
		default:
			resp.Detail = "no snapshot mirrored yet"
		}
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
