package restapi

import (
	"net/http"
	"time"

	"github.com/dragonhuntr/lokal/internal/models"
)

type currentTime struct {
	Time         int64  `json:"time"`
	ReadableTime string `json:"readableTime"`
}

// currentTimeHandler reports server time so clients can align their
// departure countdowns.
func (api *RestAPI) currentTimeHandler(w http.ResponseWriter, r *http.Request) {
	now := api.Clock.Now()
	entry := currentTime{
		Time:         now.UnixMilli(),
		ReadableTime: now.Format(time.RFC3339),
	}
	api.sendResponse(w, r, models.NewEntryResponse(entry, api.Clock))
}
