// Package handlers implements the gateway's HTTP API. Every handler runs
// behind the tenant middleware and scopes all reads and writes to the
// authenticated tenant.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}

// writeError emits the API error envelope. Store and crypto failures are
// collapsed to internal_error; their detail goes to the log, not the client.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func writeInternalError(w http.ResponseWriter, op string, err error) {
	slog.Error(op+" failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return false
	}
	return true
}
