package server

import (
	"encoding/json"
	"net/http"

	"github.com/parallax-code/gantry/internal/errors"
)

// ErrorResponse is the API error body. Error carries the stable wire
// code (stale_claim, not_found, store_error, ...); Message is the
// human-readable detail when it is safe to expose.
type ErrorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response with an explicit code.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: message,
	})
}

// writeServiceError maps a service error onto the wire. Storage errors
// surface only as the stable store_error code; the underlying sqlite
// message goes to the log, never to the client.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := err.(*errors.Error)
	if !ok {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "error", "internal error")
		return
	}

	resp := ErrorResponse{Error: e.Kind.Code(), Suggestion: e.Suggestion}
	if e.Public() {
		resp.Message = e.Message
	} else {
		s.logger.Error("storage error", "path", r.URL.Path, "error", e)
	}
	writeJSON(w, e.HTTPStatus(), resp)
}

// decodeJSON decodes a request body.
func decodeJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}
