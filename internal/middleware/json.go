package middleware

import (
	"encoding/json"
	"net/http"

	"marketplace-api/internal/model"
)

// writeJSONError renders the standard failure envelope from middleware that
// runs before any handler.
func writeJSONError(w http.ResponseWriter, r *http.Request, status int, code string, message string) {
	var meta *model.Meta
	if id := RequestIDFromContext(r.Context()); id != "" {
		meta = &model.Meta{RequestID: id}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIResponse{
		Success: false,
		Error:   &model.APIError{Code: code, Message: message},
		Meta:    meta,
	})
}
