package crisiserr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/crisisline/backend/internal/alertengine"
	"github.com/crisisline/backend/internal/ingestion"
	"github.com/crisisline/backend/internal/models"
	"github.com/crisisline/backend/internal/services/auth"
	"github.com/crisisline/backend/internal/services/notification"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"patient not found", models.ErrPatientNotFound, http.StatusNotFound},
		{"sos not found", models.ErrSOSRequestNotFound, http.StatusNotFound},
		{"intel channel not found", models.ErrIntelChannelNotFound, http.StatusNotFound},
		{"duplicate sos", models.ErrDuplicateSOSRequest, http.StatusConflict},
		{"ingestion duplicate", ingestion.ErrDuplicate, http.StatusConflict},
		{"invalid transition", models.ErrInvalidTransition, http.StatusUnprocessableEntity},
		{"batch too large", ingestion.ErrBatchTooLarge, http.StatusBadRequest},
		{"not authorized", alertengine.ErrNotAuthorized, http.StatusForbidden},
		{"invalid signature", notification.ErrInvalidSignature, http.StatusUnauthorized},
		{"invalid token", auth.ErrInvalidToken, http.StatusUnauthorized},
		{"unrecognized error", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, StatusFor(tc.err))
		})
	}
}

func TestKindFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"patient not found", models.ErrPatientNotFound, KindNotFound},
		{"duplicate sos", models.ErrDuplicateSOSRequest, KindConflict},
		{"ingestion duplicate", ingestion.ErrDuplicate, KindConflict},
		{"invalid transition", models.ErrInvalidTransition, KindInvalidState},
		{"batch too large", ingestion.ErrBatchTooLarge, KindValidation},
		{"not authorized", alertengine.ErrNotAuthorized, KindUnauthorized},
		{"invalid signature", notification.ErrInvalidSignature, KindUnauthorized},
		{"unrecognized error", errors.New("boom"), KindInternal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, KindFor(tc.err))
		})
	}
}

func TestEnvelope(t *testing.T) {
	env := Envelope(ingestion.ErrBatchTooLarge)
	assert.Equal(t, KindValidation, env.Kind)
	assert.Equal(t, ingestion.ErrBatchTooLarge.Error(), env.Message)
}
