package ingestion

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/crisisline/backend/internal/models"
)

func TestClassifyPlaintextSMS(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		wantStatus   models.PatientStatus
		wantSeverity int
	}{
		{"trapped keyword", "I am trapped under debris", models.PatientStatusTrapped, 4},
		{"buried keyword", "We are buried, send help", models.PatientStatusTrapped, 4},
		{"evacuating keyword", "We are evacuating the building now", models.PatientStatusEvacuate, 3},
		{"safe keyword", "I'm ok, not hurt", models.PatientStatusSafe, 1},
		{"unharmed keyword", "unharmed but scared", models.PatientStatusSafe, 1},
		{"default to injured", "need help please", models.PatientStatusInjured, 3},
		{"empty body", "", models.PatientStatusInjured, 3},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, severity := classifyPlaintextSMS(tc.body)
			assert.Equal(t, tc.wantStatus, status)
			assert.Equal(t, tc.wantSeverity, severity)
		})
	}
}

func TestSmsStructuredBodyNonEmpty(t *testing.T) {
	lat := 40.0
	assert.False(t, smsStructuredBody{}.nonEmpty())
	assert.True(t, smsStructuredBody{Latitude: &lat}.nonEmpty())
	assert.True(t, smsStructuredBody{PatientStatus: "injured"}.nonEmpty())
	assert.True(t, smsStructuredBody{Severity: 2}.nonEmpty())
	assert.True(t, smsStructuredBody{Details: "stuck"}.nonEmpty())
}

func TestContainsAny(t *testing.T) {
	assert.True(t, containsAny("i am trapped here", "trapped", "buried"))
	assert.False(t, containsAny("all clear", "trapped", "buried"))
}
