package utils

import (
	"encoding/json"
	"net/http"

	"github.com/triptales/triptales-server/pkg/apperr"
	"go.uber.org/zap"
)

// WriteJSON writes v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError maps an apperr kind to an HTTP status. Internal causes are
// logged but never leaked to the client.
func WriteError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		zap.L().Error("request failed", zap.Error(err))
		msg = "internal server error"
	}
	WriteJSON(w, status, map[string]string{"detail": msg})
}
