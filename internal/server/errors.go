package server

import (
	"encoding/json"
	"net/http"

	"github.com/eugener/moria/internal/app"
)

// jsonCT is a pre-allocated Content-Type header value slice. Direct map
// assignment avoids the []string{v} alloc that Header.Set creates.
var jsonCT = []string{"application/json"}

// apiError is the Gemini-style error envelope.
type apiError struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// googleStatus maps an HTTP status code to the google.rpc status string used
// in error payloads.
func googleStatus(code int) string {
	switch code {
	case http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusForbidden:
		return "PERMISSION_DENIED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}

// errorResponse builds the error envelope for a status code and message.
func errorResponse(code int, msg string) apiError {
	return apiError{Error: errorBody{Code: code, Message: msg, Status: googleStatus(code)}}
}

// writeError writes the Gemini-style error payload for err, mapping it
// through the gateway error taxonomy.
func writeError(w http.ResponseWriter, err error) {
	code := app.StatusForError(err)
	writeJSON(w, code, errorResponse(code, err.Error()))
}

// writeJSON writes v as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
