package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/cimillas/bookingflow/internal/booking"
	"github.com/cimillas/bookingflow/internal/domain"
)

type errorResponse struct {
	Type        domain.Kind `json:"@type"`
	Description string      `json:"description,omitempty"`
}

func writeError(w http.ResponseWriter, status int, kind domain.Kind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	payload, err := json.Marshal(errorResponse{
		Type:        kind,
		Description: msg,
	})
	if err != nil {
		_, _ = w.Write([]byte(`{"@type":"InternalApplicationError"}`))
		return
	}
	_, _ = w.Write(payload)
}

// writeDomainError maps err to its status code. Anything that is not a
// domain error is logged and reported without detail.
func writeDomainError(w http.ResponseWriter, r *http.Request, log zerolog.Logger, err error) {
	var derr *domain.Error
	if errors.As(err, &derr) {
		writeError(w, derr.Kind.HTTPStatus(), derr.Kind, derr.Description)
		return
	}
	var violation *booking.ContractViolation
	if errors.As(err, &violation) {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("store contract violation")
		writeError(w, http.StatusInternalServerError, domain.KindInternalLibraryConfiguration, violation.Error())
		return
	}
	log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	writeError(w, http.StatusInternalServerError, domain.KindInternal, "internal error")
}
