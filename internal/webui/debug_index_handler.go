package webui

import (
	"embed"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/davecgh/go-spew/spew"

	"github.com/dragonhuntr/lokal/internal/appconf"
)

//go:embed debug_index.html
var templateFS embed.FS

var debugTemplate = template.Must(template.ParseFS(templateFS, "debug_index.html"))

type debugData struct {
	Title string
	Pre   string
}

func writeDebugData(w http.ResponseWriter, title string, data interface{}) {
	w.Header().Set("Content-Type", "text/html")
	dataStruct := debugData{
		Title: title,
		Pre:   spew.Sdump(data),
	}
	if err := debugTemplate.Execute(w, dataStruct); err != nil {
		slog.Error("failed to execute debug template", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// debugIndexHandler dumps live and persisted state for one data type. It
// does not exist in production.
func (webUI *WebUI) debugIndexHandler(w http.ResponseWriter, r *http.Request) {
	if webUI.Application == nil || webUI.Config.Env == appconf.Production {
		http.NotFound(w, r)
		return
	}
	ctx := r.Context()

	var (
		data  interface{}
		title string
		err   error
	)
	switch r.URL.Query().Get("dataType") {
	case "routes":
		data, err = webUI.Transit.Routes(ctx)
		title = "Transit - Routes"
	case "stops":
		data, err = webUI.Transit.Stops(ctx)
		title = "Transit - Stops"
	case "departures":
		data, err = webUI.Transit.Departures(ctx)
		title = "Transit - Departures"
	case "vehicles":
		data, err = webUI.Transit.Vehicles(ctx)
		title = "Transit - Vehicles"
	case "snapshot_routes":
		data, err = webUI.Snapshot.Routes(ctx)
		title = "Snapshot - Routes"
	case "snapshot_stops":
		data, err = webUI.Snapshot.Stops(ctx)
		title = "Snapshot - Stops"
	case "cache":
		data = map[string]string{"status": webUI.Cache.Health().Status()}
		title = "Cache - Health"
	default:
		data = map[string]string{
			"error": "Please use one of the following: routes, stops, departures, vehicles, snapshot_routes, snapshot_stops, cache.",
		}
		title = "Choose a data type"
	}
	if err != nil {
		data = map[string]string{"error": err.Error()}
	}

	writeDebugData(w, title, data)
}
