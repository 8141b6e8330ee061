package common

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the error payload returned by the relay endpoints.
type ErrorBody struct {
	Error    string   `json:"error"`
	Details  any      `json:"details,omitempty"`
	Type     string   `json:"type,omitempty"`
	Required []string `json:"required,omitempty"`
}

// JSON writes the provided value to the response writer as JSON.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// RawJSON writes an already encoded JSON document untouched.
func RawJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// JSONError renders an error response using the canonical error shape.
func JSONError(w http.ResponseWriter, status int, message string, details any) {
	JSON(w, status, ErrorBody{Error: message, Details: details})
}

// WriteError renders err with the status and shape of its AppError. Internal errors never
// leak their cause.
func WriteError(w http.ResponseWriter, err error) {
	appErr := AsAppError(err)
	if appErr == nil {
		JSONError(w, http.StatusInternalServerError, "Internal server error", nil)
		return
	}
	status := appErr.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	body := ErrorBody{
		Error:    appErr.Message,
		Details:  appErr.Details,
		Type:     appErr.Type,
		Required: appErr.Required,
	}
	if appErr.Code == CodeInternal {
		body = ErrorBody{Error: "Internal server error"}
	}
	JSON(w, status, body)
}
