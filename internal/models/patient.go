package models

import (
	"time"

	"github.com/google/uuid"
)

// Patient is a registered individual tracked across SOS history. Vulnerable
// patients (restricted mobility or living alone/in a care facility) receive
// priority treatment in Alert fan-out and the Verification Loop.
type Patient struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	Phone           string          `json:"phone" db:"phone"`
	FullName        string          `json:"full_name" db:"full_name"`
	Mobility        Mobility        `json:"mobility" db:"mobility"`
	LivingSituation LivingSituation `json:"living_situation" db:"living_situation"`
	LastKnownLat    *float64        `json:"last_known_lat,omitempty" db:"last_known_lat"`
	LastKnownLng    *float64        `json:"last_known_lng,omitempty" db:"last_known_lng"`
	LastSeenAt      *time.Time      `json:"last_seen_at,omitempty" db:"last_seen_at"`
	TotalSOSCount   int             `json:"total_sos_count" db:"total_sos_count"`
	FalseAlarmCount int             `json:"false_alarm_count" db:"false_alarm_count"`
	RiskScore       int             `json:"risk_score" db:"risk_score"`
	RiskLevel       *RiskLevel      `json:"risk_level,omitempty" db:"risk_level"`
	SMSKeySalt      string          `json:"-" db:"sms_key_salt"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// IsVulnerable reports whether the patient belongs to the vulnerable subset
// that the Alert Engine enriches with a priority flag.
func (p *Patient) IsVulnerable() bool {
	return p.Mobility.IsRestricted() || p.LivingSituation == LivingAlone || p.LivingSituation == LivingCareFacility
}

// TrustScore computes the clamp(0.1, 1.0, 1 - false_alarm/max(total,1)) score
// used by the Verification Loop to decide whether a report needs corroboration.
func (p *Patient) TrustScore() float64 {
	total := p.TotalSOSCount
	if total < 1 {
		total = 1
	}
	score := 1.0 - float64(p.FalseAlarmCount)/float64(total)
	if score < 0.1 {
		return 0.1
	}
	if score > 1.0 {
		return 1.0
	}
	return score
}

// CreatePatientInput is the payload for registering or upserting a patient
// by phone number.
type CreatePatientInput struct {
	Phone           string          `json:"phone" validate:"required,e164"`
	FullName        string          `json:"full_name" validate:"required,min=1,max=200"`
	Mobility        Mobility        `json:"mobility" validate:"required"`
	LivingSituation LivingSituation `json:"living_situation" validate:"required"`
}

// PatientResponse is the read-facing projection of a Patient; it never
// exposes SMSKeySalt.
type PatientResponse struct {
	ID              uuid.UUID       `json:"id"`
	Phone           string          `json:"phone"`
	FullName        string          `json:"full_name"`
	Mobility        Mobility        `json:"mobility"`
	LivingSituation LivingSituation `json:"living_situation"`
	IsVulnerable    bool            `json:"is_vulnerable"`
	TrustScore      float64         `json:"trust_score"`
	RiskScore       int             `json:"risk_score"`
	RiskLevel       *RiskLevel      `json:"risk_level,omitempty"`
	LastKnownLat    *float64        `json:"last_known_lat,omitempty"`
	LastKnownLng    *float64        `json:"last_known_lng,omitempty"`
	LastSeenAt      *time.Time      `json:"last_seen_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ToResponse projects the patient for API consumers.
func (p *Patient) ToResponse() *PatientResponse {
	return &PatientResponse{
		ID:              p.ID,
		Phone:           p.Phone,
		FullName:        p.FullName,
		Mobility:        p.Mobility,
		LivingSituation: p.LivingSituation,
		IsVulnerable:    p.IsVulnerable(),
		TrustScore:      p.TrustScore(),
		RiskScore:       p.RiskScore,
		RiskLevel:       p.RiskLevel,
		LastKnownLat:    p.LastKnownLat,
		LastKnownLng:    p.LastKnownLng,
		LastSeenAt:      p.LastSeenAt,
		CreatedAt:       p.CreatedAt,
	}
}
