// Package crisiserr maps the backend's domain error kinds to HTTP status
// codes, the way the teacher's handlers switch on sentinel errors rather
// than carrying status codes through the service layer.
package crisiserr

import (
	"errors"
	"net/http"

	"github.com/crisisline/backend/internal/alertengine"
	"github.com/crisisline/backend/internal/crypto"
	"github.com/crisisline/backend/internal/ingestion"
	"github.com/crisisline/backend/internal/models"
	"github.com/crisisline/backend/internal/services/auth"
	"github.com/crisisline/backend/internal/services/notification"
)

// Kind is one of the eight named error categories in the external
// interface contract.
type Kind string

const (
	KindValidation     Kind = "validation_error"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindRateLimited    Kind = "rate_limited"
	KindUnauthorized   Kind = "unauthorized"
	KindUpstream       Kind = "upstream_unavailable"
	KindInternal       Kind = "internal_error"
	KindInvalidState   Kind = "invalid_state_transition"
)

// StatusFor maps a domain error to the HTTP status code a handler should
// write, falling back to 500 for anything unrecognized.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrPatientNotFound),
		errors.Is(err, models.ErrFacilityNotFound),
		errors.Is(err, models.ErrSOSRequestNotFound),
		errors.Is(err, models.ErrAlertNotFound),
		errors.Is(err, models.ErrGeoEventNotFound),
		errors.Is(err, models.ErrIntelChannelNotFound),
		errors.Is(err, models.ErrIntelMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrDuplicateSOSRequest), errors.Is(err, ingestion.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ingestion.ErrBatchTooLarge),
		errors.Is(err, crypto.ErrDecryptionFailed),
		errors.Is(err, crypto.ErrMalformedEnvelope),
		errors.Is(err, crypto.ErrCiphertextTooShort),
		errors.Is(err, crypto.ErrInvalidPadding):
		return http.StatusBadRequest
	case errors.Is(err, alertengine.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, notification.ErrInvalidSignature),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrInvalidClaims):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// KindFor mirrors StatusFor but returns the named Kind for the error
// envelope's "kind" field.
func KindFor(err error) Kind {
	switch {
	case errors.Is(err, models.ErrPatientNotFound),
		errors.Is(err, models.ErrFacilityNotFound),
		errors.Is(err, models.ErrSOSRequestNotFound),
		errors.Is(err, models.ErrAlertNotFound),
		errors.Is(err, models.ErrGeoEventNotFound),
		errors.Is(err, models.ErrIntelChannelNotFound),
		errors.Is(err, models.ErrIntelMessageNotFound):
		return KindNotFound
	case errors.Is(err, models.ErrDuplicateSOSRequest), errors.Is(err, ingestion.ErrDuplicate):
		return KindConflict
	case errors.Is(err, models.ErrInvalidTransition):
		return KindInvalidState
	case errors.Is(err, ingestion.ErrBatchTooLarge),
		errors.Is(err, crypto.ErrDecryptionFailed),
		errors.Is(err, crypto.ErrMalformedEnvelope),
		errors.Is(err, crypto.ErrCiphertextTooShort),
		errors.Is(err, crypto.ErrInvalidPadding):
		return KindValidation
	case errors.Is(err, alertengine.ErrNotAuthorized):
		return KindUnauthorized
	case errors.Is(err, notification.ErrInvalidSignature),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrInvalidClaims):
		return KindUnauthorized
	default:
		return KindInternal
	}
}

// ErrorResponse is the JSON body written alongside StatusFor's code.
type ErrorResponse struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// Envelope builds the response body for err.
func Envelope(err error) ErrorResponse {
	return ErrorResponse{Kind: KindFor(err), Message: err.Error()}
}
