package http

import (
	"net/http"

	"github.com/cimillas/bookingflow/internal/domain"
)

// NotFoundHandler returns a JSON 404 response for unknown routes.
func NotFoundHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, domain.KindNotFound, "not found")
	})
}

// MethodNotAllowedHandler returns a JSON 405 response for known routes.
func MethodNotAllowedHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, domain.KindMethodNotAllowed, "method not allowed")
	})
}
