// Package handlers holds the gateway's HTTP endpoints.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/melodyhq/voice-gateway/pkg/gateway/apierror"
	"github.com/melodyhq/voice-gateway/pkg/gateway/mw"
)

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	e, status := apierror.FromError(err, reqID)
	apierror.WriteJSON(w, status, e)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
