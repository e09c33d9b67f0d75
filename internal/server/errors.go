package server

import (
	"encoding/json"
	"net/http"

	"github.com/marcus-qen/preflightd/internal/faults"
)

// APIError is the standard error response format.
type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeJSONError writes a consistent JSON error response.
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIError{Error: message, Code: code})
}

// writeError maps a fault kind to its HTTP status. This is the only
// place that mapping lives.
func writeError(w http.ResponseWriter, err error) {
	switch faults.KindOf(err) {
	case faults.KindPayload:
		writeJSONError(w, http.StatusBadRequest, "bad_request", err.Error())
	case faults.KindNotFound:
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
	case faults.KindAccess:
		writeJSONError(w, http.StatusForbidden, "forbidden", err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

// writeJSON writes a 200 JSON response.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONStatus writes a JSON response with an explicit status.
func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
