package handlers

import (
	"net/http"

	"github.com/melodyhq/voice-gateway/pkg/gateway/live/sessions"
)

// HealthHandler answers liveness probes.
type HealthHandler struct{}

func (HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler answers readiness probes with the live session count.
type ReadyHandler struct {
	Store *sessions.Store
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if h.Store != nil {
		body["sessions"] = h.Store.Count()
	}
	writeJSON(w, http.StatusOK, body)
}
