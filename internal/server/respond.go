package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err := json.NewEncoder(w).Encode(body)
	if err != nil {
		slog.Warn(fmt.Sprintf("write response: %s", err))
	}
}

func writeSuccess(w http.ResponseWriter, fields map[string]any) {
	body := map[string]any{"success": true}
	for k, v := range fields {
		body[k] = v
	}

	writeJSON(w, http.StatusOK, body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   msg,
	})
}

// recoverPanics turns unexpected panics into a generic 500 response
// without echoing internal detail back to the client.
func recoverPanics(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error(fmt.Sprintf("panic handling %s %s: %v", req.Method, req.URL.Path, r))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()

		next(w, req)
	}
}
