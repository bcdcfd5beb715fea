// Package httpapi holds response conventions shared by the agent-facing
// (serverapi) and admin-facing (adminapi) HTTP routers: error-to-status
// mapping and the envelope used for both batch and single-resource
// responses (spec §7 "Error handling").
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pocket/hexagon/identityplane/internal/domain"
	"github.com/pocket/hexagon/identityplane/internal/ports"
)

// ErrorResponse is the JSON body written on any non-2xx response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusAndCode maps a domain/ports sentinel error to an HTTP status and
// the spec §7 string code callers match on.
func StatusAndCode(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrEntryNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrEntryAlreadyExists):
		return http.StatusConflict, "ALREADY_EXISTS"
	case errors.Is(err, domain.ErrRevisionConflict):
		return http.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrInvalidEntry), errors.Is(err, domain.ErrInvalidSelectors):
		return http.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrEntryExpired):
		return http.StatusPreconditionFailed, "FAILED_PRECONDITION"
	case errors.Is(err, domain.ErrNoMatchingEntry):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrNoActiveKey):
		return http.StatusPreconditionFailed, "FAILED_PRECONDITION"
	case errors.Is(err, domain.ErrKeyUnavailable):
		return http.StatusInternalServerError, "INTERNAL"
	case errors.Is(err, domain.ErrAttestationRejected):
		return http.StatusForbidden, "ATTESTATION_REJECTED"
	case errors.Is(err, domain.ErrInvalidEvidence):
		return http.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrReplayedEvidence):
		return http.StatusForbidden, "ATTESTATION_REJECTED"
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized, "UNAUTHENTICATED"
	case errors.Is(err, domain.ErrEmptyAudience):
		return http.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, ports.ErrInvalidPageToken):
		return http.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, ports.ErrStoreUnavailable), errors.Is(err, ports.ErrKeyStoreUnavailable):
		return http.StatusInternalServerError, "INTERNAL"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

// WriteError writes the standard error envelope for err.
func WriteError(w http.ResponseWriter, err error) {
	status, code := StatusAndCode(err)
	WriteJSON(w, status, ErrorResponse{Code: code, Message: err.Error()})
}

// WriteJSON writes v as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
