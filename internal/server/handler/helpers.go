// Package handler holds the operator API handlers.
package handler

import (
	"net/http"

	"github.com/goccy/go-json"
)

// writeJSON marshals v and writes it with status. A marshal failure turns
// into a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
