package system

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// the sub path any API's are served over
const APISubPath = "/api/v1"

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return e.Message
}

func NewHTTPError(statusCode int, message string) *HTTPError {
	return &HTTPError{StatusCode: statusCode, Message: message}
}

func NewHTTPError400(message string) *HTTPError {
	return &HTTPError{StatusCode: http.StatusBadRequest, Message: message}
}

func NewHTTPError401(message string) *HTTPError {
	return &HTTPError{StatusCode: http.StatusUnauthorized, Message: message}
}

func NewHTTPError403(message string) *HTTPError {
	return &HTTPError{StatusCode: http.StatusForbidden, Message: message}
}

func NewHTTPError404(message string) *HTTPError {
	return &HTTPError{StatusCode: http.StatusNotFound, Message: message}
}

func NewHTTPError500(message string) *HTTPError {
	return &HTTPError{StatusCode: http.StatusInternalServerError, Message: message}
}

// WriteJSON writes a JSON response body with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("error writing json response")
	}
}

// WriteError writes a JSON error envelope.
func WriteError(w http.ResponseWriter, httpErr *HTTPError) {
	WriteJSON(w, httpErr.StatusCode, map[string]string{
		"error": httpErr.Message,
	})
}
