package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestSOSStatusCanTransitionTo(t *testing.T) {
	assert.True(t, SOSPending.CanTransitionTo(SOSAcknowledged))
	assert.True(t, SOSPending.CanTransitionTo(SOSResolved))
	assert.False(t, SOSResolved.CanTransitionTo(SOSPending))
	assert.False(t, SOSCancelled.CanTransitionTo(SOSAcknowledged))
}

func TestSOSRequestTransition(t *testing.T) {
	r := &SOSRequest{Status: SOSPending}
	now := time.Now()

	assert.NoError(t, r.Transition(SOSAcknowledged, now))
	assert.Equal(t, SOSAcknowledged, r.Status)
	assert.Nil(t, r.ResolvedAt)

	assert.NoError(t, r.Transition(SOSResolved, now))
	assert.Equal(t, SOSResolved, r.Status)
	assert.NotNil(t, r.ResolvedAt)

	assert.ErrorIs(t, r.Transition(SOSAcknowledged, now), ErrInvalidTransition)
}

func TestSOSRequestToResponse(t *testing.T) {
	patientID := uuid.New()
	r := &SOSRequest{
		ID:            uuid.New(),
		PatientID:     &patientID,
		Phone:         "+15555550100",
		Lat:           40.1,
		Lng:           -73.2,
		PatientStatus: PatientStatusInjured,
		Severity:      4,
		Message:       "pinned under rubble",
		Source:        SOSSourceSMS,
		Status:        SOSPending,
	}

	resp := r.ToResponse()

	assert.Equal(t, r.ID, resp.ID)
	assert.Equal(t, r.Lat, resp.Latitude)
	assert.Equal(t, r.Lng, resp.Longitude)
	assert.Equal(t, r.Severity, resp.Severity)
	assert.Equal(t, r.Message, resp.Details)
}

func TestSOSRequestToResolvedPayload(t *testing.T) {
	patientID := uuid.New()
	originFacilityID := uuid.New()
	resolvedAt := time.Now()
	r := &SOSRequest{
		ID:               uuid.New(),
		PatientID:        &patientID,
		Lat:              1.0,
		Lng:              2.0,
		OriginFacilityID: &originFacilityID,
		AutoResolved:     true,
		ResolvedAt:       &resolvedAt,
	}
	facility := &Facility{ID: uuid.New(), Name: "Central Hospital"}

	payload := r.ToResolvedPayload(facility)

	assert.Equal(t, r.ID, payload.SOSID)
	assert.Equal(t, r.PatientID, payload.PatientID)
	assert.Equal(t, facility.ID, payload.HospitalID)
	assert.Equal(t, facility.Name, payload.HospitalName)
	assert.Equal(t, r.OriginFacilityID, payload.OriginHospitalID)
	assert.True(t, payload.AutoResolved)
	assert.Equal(t, resolvedAt, payload.ResolvedAt)
}

func TestSOSRequestIdempotencyKey(t *testing.T) {
	meshInput := CreateSOSInput{Source: SOSSourceMesh, MeshMessageID: "mesh-1"}
	assert.Equal(t, "mesh-1", meshInput.IdempotencyKey())

	syncNoMesh := CreateSOSInput{Source: SOSSourceSync, EventID: "evt-1"}
	assert.Equal(t, "evt-1", syncNoMesh.IdempotencyKey())

	smsInput := CreateSOSInput{Source: SOSSourceSMS, Phone: "+1555", MeshMessageID: "abc"}
	assert.Equal(t, "+1555:abc", smsInput.IdempotencyKey())

	apiInput := CreateSOSInput{Source: SOSSourceAPI}
	assert.Empty(t, apiInput.IdempotencyKey())
}
