// Package webui serves the developer debug page.
package webui

import (
	"net/http"

	"github.com/dragonhuntr/lokal/internal/app"
)

type WebUI struct {
	*app.Application
}

func (webUI *WebUI) SetWebUIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /debug", webUI.debugIndexHandler)
}
