package triage

import (
	"regexp"
	"strings"

	"github.com/crisisline/backend/internal/models"
)

// eventTypeFromStatus maps a patient's self-reported condition to an
// EventType when no LLM classification is available.
var eventTypeFromStatus = map[models.PatientStatus]models.EventType{
	models.PatientStatusInjured:  models.EventMedicalEmergency,
	models.PatientStatusTrapped:  models.EventBuildingCollapse,
	models.PatientStatusEvacuate: models.EventOther,
	models.PatientStatusSafe:     models.EventOther,
}

// severityBaseFromInt is the keyword fallback's starting severity before
// the policy floors below are applied.
var severityBaseFromInt = map[int]models.AlertSeverity{
	1: models.SeverityLow,
	2: models.SeverityMedium,
	3: models.SeverityMedium,
	4: models.SeverityHigh,
	5: models.SeverityCritical,
}

// policeKeywords and civilDefenseKeywords are abridged lexicons per spec
// §4.2; word-boundary matched, case-insensitive.
var policeKeywords = []string{
	"shoot", "shot", "gun", "armed", "sniper", "kidnap", "robb", "loot",
	"hostage", "stab", "knife", "weapon", "murder", "assault", "theft", "crime",
}

var civilDefenseKeywords = []string{
	"fire", "flame", "burning", "smoke", "collaps", "rubble", "flood", "earthquake",
	"gas leak", "hazmat", "spill", "evacuat", "rescue", "ordnance", "mortar", "debris",
	"bomb", "shell", "trapped",
}

var wordBoundaryCache = map[string]*regexp.Regexp{}

func countKeywordHits(text string, keywords []string) int {
	lower := strings.ToLower(text)
	count := 0
	for _, kw := range keywords {
		re, ok := wordBoundaryCache[kw]
		if !ok {
			re = regexp.MustCompile(`\b` + regexp.QuoteMeta(kw))
			wordBoundaryCache[kw] = re
		}
		count += len(re.FindAllString(lower, -1))
	}
	return count
}

// classifyEventType derives an EventType from patient_status when no LLM
// classification is available.
func classifyEventType(status models.PatientStatus) models.EventType {
	if et, ok := eventTypeFromStatus[status]; ok {
		return et
	}
	return models.EventOther
}

// applyPolicyFloors bumps severity according to the fixed policy floors
// that hold regardless of which pipeline (LLM or keyword) produced it.
func applyPolicyFloors(base models.AlertSeverity, riskScore int, status models.PatientStatus, sosSeverity int) models.AlertSeverity {
	sev := base
	if riskScore >= 80 {
		sev = models.SeverityCritical
	} else if riskScore >= 60 && !sev.AtLeast(models.SeverityHigh) {
		sev = models.SeverityHigh
	}
	if status == models.PatientStatusTrapped && !sev.AtLeast(models.SeverityHigh) {
		sev = models.SeverityHigh
	}
	if sosSeverity == 5 {
		sev = models.SeverityCritical
	}
	return sev
}

// classifyDepartment implements the keyword fallback's department
// priority ladder, highest-priority rule first.
func classifyDepartment(message string, status models.PatientStatus) models.Department {
	lower := strings.ToLower(message)
	if strings.Contains(lower, "bomb threat") || strings.Contains(lower, "suspicious package") {
		return models.DepartmentPolice
	}

	policeHits := countKeywordHits(message, policeKeywords)
	civilHits := countKeywordHits(message, civilDefenseKeywords)
	if policeHits > 0 || civilHits > 0 {
		if policeHits >= civilHits {
			return models.DepartmentPolice
		}
		return models.DepartmentCivilDefense
	}

	if status == models.PatientStatusTrapped || status == models.PatientStatusEvacuate {
		return models.DepartmentCivilDefense
	}
	return models.DepartmentHospital
}

// KeywordResult is the keyword fallback's full output, the same shape the
// LLM-backed stages must also produce.
type KeywordResult struct {
	EventType  models.EventType
	Severity   models.AlertSeverity
	Department models.Department
}

// RunKeywordFallback classifies event type, severity, and department using
// only deterministic rules, invoked whenever the LLM pipeline fails,
// times out, or is unconfigured.
func RunKeywordFallback(status models.PatientStatus, sosSeverity int, message string, riskScore int) KeywordResult {
	eventType := classifyEventType(status)
	base := severityBaseFromInt[sosSeverity]
	if base == "" {
		base = models.SeverityLow
	}
	severity := applyPolicyFloors(base, riskScore, status, sosSeverity)
	department := classifyDepartment(message, status)

	return KeywordResult{EventType: eventType, Severity: severity, Department: department}
}

// AdjustPriorityForTrust reduces a risk score by 10-20 points when the
// reporting patient's trust score is below 0.5, a penalty that never drives
// the score below zero. Used by the keyword pipeline's rule-based priority
// assessment (spec's vulnerability/density/trust adjustment).
func AdjustPriorityForTrust(riskScore int, trustScore float64) int {
	if trustScore >= 0.5 {
		return riskScore
	}
	penalty := 10 + int((0.5-trustScore)*20)
	if penalty > 20 {
		penalty = 20
	}
	adjusted := riskScore - penalty
	if adjusted < 0 {
		adjusted = 0
	}
	return adjusted
}

// AdjustPriorityForVulnerability raises a risk score by a fixed bonus for
// vulnerable patients (restricted mobility or living alone/in care), capped
// at 100.
func AdjustPriorityForVulnerability(riskScore int, vulnerable bool) int {
	if !vulnerable {
		return riskScore
	}
	adjusted := riskScore + 10
	if adjusted > 100 {
		adjusted = 100
	}
	return adjusted
}

// AdjustPriorityForNearbyDensity raises a risk score when other alerts
// already cluster near the SOS, reflecting an active-incident area.
func AdjustPriorityForNearbyDensity(riskScore, nearbyAlertCount int) int {
	bonus := nearbyAlertCount * 3
	if bonus > 15 {
		bonus = 15
	}
	adjusted := riskScore + bonus
	if adjusted > 100 {
		adjusted = 100
	}
	return adjusted
}

// RiskLevelFromScore buckets a 0-100 risk score into the coarse levels the
// rest of the system routes on.
func RiskLevelFromScore(score int) models.RiskLevel {
	switch {
	case score >= 80:
		return models.RiskCritical
	case score >= 60:
		return models.RiskHigh
	case score >= 30:
		return models.RiskModerate
	default:
		return models.RiskLow
	}
}

// UrgencyFromRiskLevel derives a response urgency bucket when the keyword
// fallback runs (the LLM path returns its own urgency directly).
func UrgencyFromRiskLevel(level models.RiskLevel) models.ResponseUrgency {
	switch level {
	case models.RiskCritical:
		return models.UrgencyImmediate
	case models.RiskHigh:
		return models.UrgencyWithin1h
	case models.RiskModerate:
		return models.UrgencyWithin4h
	default:
		return models.UrgencyWhenAvailable
	}
}
