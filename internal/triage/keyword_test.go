package triage

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/crisisline/backend/internal/models"
)

func TestClassifyDepartment(t *testing.T) {
	tests := []struct {
		name    string
		message string
		status  models.PatientStatus
		want    models.Department
	}{
		{"bomb threat phrase", "there is a bomb threat at the station", models.PatientStatusInjured, models.DepartmentPolice},
		{"suspicious package phrase", "found a suspicious package near entrance", models.PatientStatusInjured, models.DepartmentPolice},
		{"police keywords outnumber civil defense", "an armed robbery is in progress, fire nearby", models.PatientStatusInjured, models.DepartmentPolice},
		{"civil defense keyword dominates", "building on fire, smoke everywhere, rubble falling", models.PatientStatusInjured, models.DepartmentCivilDefense},
		{"trapped with no keywords routes civil defense", "stuck and can't move", models.PatientStatusTrapped, models.DepartmentCivilDefense},
		{"evacuate with no keywords routes civil defense", "need to leave now", models.PatientStatusEvacuate, models.DepartmentCivilDefense},
		{"default routes hospital", "feeling unwell", models.PatientStatusInjured, models.DepartmentHospital},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classifyDepartment(tc.message, tc.status))
		})
	}
}

func TestApplyPolicyFloors(t *testing.T) {
	tests := []struct {
		name        string
		base        models.AlertSeverity
		riskScore   int
		status      models.PatientStatus
		sosSeverity int
		want        models.AlertSeverity
	}{
		{"high risk score floors to critical", models.SeverityLow, 85, models.PatientStatusInjured, 1, models.SeverityCritical},
		{"moderate risk score floors to high", models.SeverityLow, 65, models.PatientStatusInjured, 1, models.SeverityHigh},
		{"trapped status floors to high", models.SeverityLow, 0, models.PatientStatusTrapped, 1, models.SeverityHigh},
		{"sos severity 5 forces critical", models.SeverityLow, 0, models.PatientStatusInjured, 5, models.SeverityCritical},
		{"no floor applies", models.SeverityMedium, 10, models.PatientStatusInjured, 2, models.SeverityMedium},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := applyPolicyFloors(tc.base, tc.riskScore, tc.status, tc.sosSeverity)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRunKeywordFallback(t *testing.T) {
	result := RunKeywordFallback(models.PatientStatusTrapped, 4, "building collapsed, trapped under rubble", 10)
	assert.Equal(t, models.EventBuildingCollapse, result.EventType)
	assert.Equal(t, models.SeverityHigh, result.Severity)
	assert.Equal(t, models.DepartmentCivilDefense, result.Department)
}

func TestAdjustPriorityForTrust(t *testing.T) {
	assert.Equal(t, 50, AdjustPriorityForTrust(50, 0.9))
	assert.Less(t, AdjustPriorityForTrust(50, 0.1), 50)
	assert.GreaterOrEqual(t, AdjustPriorityForTrust(5, 0.0), 0)
}

func TestAdjustPriorityForVulnerability(t *testing.T) {
	assert.Equal(t, 50, AdjustPriorityForVulnerability(50, false))
	assert.Equal(t, 60, AdjustPriorityForVulnerability(50, true))
	assert.Equal(t, 100, AdjustPriorityForVulnerability(95, true))
}

func TestAdjustPriorityForNearbyDensity(t *testing.T) {
	assert.Equal(t, 50, AdjustPriorityForNearbyDensity(50, 0))
	assert.Equal(t, 59, AdjustPriorityForNearbyDensity(50, 3))
	assert.Equal(t, 100, AdjustPriorityForNearbyDensity(95, 10))
}

func TestRiskLevelFromScore(t *testing.T) {
	assert.Equal(t, models.RiskCritical, RiskLevelFromScore(90))
	assert.Equal(t, models.RiskHigh, RiskLevelFromScore(65))
	assert.Equal(t, models.RiskModerate, RiskLevelFromScore(40))
	assert.Equal(t, models.RiskLow, RiskLevelFromScore(10))
}

func TestUrgencyFromRiskLevel(t *testing.T) {
	assert.Equal(t, models.UrgencyImmediate, UrgencyFromRiskLevel(models.RiskCritical))
	assert.Equal(t, models.UrgencyWithin1h, UrgencyFromRiskLevel(models.RiskHigh))
	assert.Equal(t, models.UrgencyWithin4h, UrgencyFromRiskLevel(models.RiskModerate))
	assert.Equal(t, models.UrgencyWhenAvailable, UrgencyFromRiskLevel(models.RiskLow))
}
