package models

import (
	"time"

	"github.com/google/uuid"
)

// AlertSource names where an Alert's provenance came from.
type AlertSource string

const (
	AlertSourceSOS      AlertSource = "sos"
	AlertSourceTelegram AlertSource = "telegram"
	AlertSourceSystem   AlertSource = "system"
)

// Alert is the Alert Engine's output: a department-routed, severity-rated
// notification fanned out over the bus and (optionally) SMS.
type Alert struct {
	ID                uuid.UUID              `json:"id" db:"id"`
	SOSRequestID      *uuid.UUID             `json:"sos_request_id,omitempty" db:"sos_request_id"`
	EventType         EventType              `json:"event_type" db:"event_type"`
	Severity          AlertSeverity          `json:"severity" db:"severity"`
	Department        *Department            `json:"department,omitempty" db:"department"`
	Lat               float64                `json:"lat" db:"lat"`
	Lng               float64                `json:"lng" db:"lng"`
	RadiusMeters      int                    `json:"radius_meters" db:"radius_meters"`
	Message           string                 `json:"message" db:"message"`
	Source            AlertSource            `json:"source" db:"source"`
	Confidence         float64               `json:"confidence" db:"confidence"`
	TargetFacilityID  *uuid.UUID             `json:"target_facility_id,omitempty" db:"target_facility_id"`
	Metadata          map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	TransferSuggested bool                   `json:"transfer_suggested" db:"transfer_suggested"`
	MatchedPatients   int                    `json:"matched_patients" db:"matched_patients"`
	AcknowledgedBy    *uuid.UUID             `json:"acknowledged_by,omitempty" db:"acknowledged_by"`
	AcknowledgedAt    *time.Time             `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
	FalseAlarm        bool                   `json:"false_alarm" db:"false_alarm"`
	ExpiresAt         time.Time              `json:"expires_at" db:"expires_at"`
	CreatedAt         time.Time              `json:"created_at" db:"created_at"`
}

// DefaultAlertRadiusMeters is the radius used when a caller does not
// override it; spec leaves this an open design choice, resolved at 1000m.
const DefaultAlertRadiusMeters = 1000

// DefaultAlertTTL is applied when a caller does not set ExpiresAt.
const DefaultAlertTTL = 24 * time.Hour

// IsAcknowledged reports whether any facility has acknowledged this alert.
func (a *Alert) IsAcknowledged() bool {
	return a.AcknowledgedBy != nil
}

// CreateAlertInput is the payload for raising an Alert, either from the
// Triage Orchestrator or a direct operator-raised crisis report.
type CreateAlertInput struct {
	SOSRequestID     *uuid.UUID             `json:"sos_request_id,omitempty"`
	EventType        EventType              `json:"event_type" validate:"required"`
	Severity         AlertSeverity          `json:"severity" validate:"required"`
	Department       *Department            `json:"department,omitempty"`
	Lat              float64                `json:"lat" validate:"required,latitude"`
	Lng              float64                `json:"lng" validate:"required,longitude"`
	RadiusMeters     *int                   `json:"radius_meters,omitempty" validate:"omitempty,min=50,max=50000"`
	Message          string                 `json:"message" validate:"required,max=1000"`
	Source           AlertSource            `json:"source" validate:"required"`
	Confidence       float64                `json:"confidence"`
	TargetFacilityID *uuid.UUID             `json:"target_facility_id,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// EffectiveRadius returns the caller-supplied radius or the default.
func (in *CreateAlertInput) EffectiveRadius() int {
	if in.RadiusMeters != nil {
		return *in.RadiusMeters
	}
	return DefaultAlertRadiusMeters
}

// AlertResponse is the read-facing projection of an Alert.
type AlertResponse struct {
	ID                uuid.UUID              `json:"id"`
	SOSRequestID      *uuid.UUID             `json:"sos_request_id,omitempty"`
	EventType         EventType              `json:"event_type"`
	Severity          AlertSeverity          `json:"severity"`
	Department        *Department            `json:"department,omitempty"`
	Lat               float64                `json:"lat"`
	Lng               float64                `json:"lng"`
	RadiusMeters      int                    `json:"radius_meters"`
	Message           string                 `json:"message"`
	Source            AlertSource            `json:"source"`
	TargetFacilityID  *uuid.UUID             `json:"target_facility_id,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
	TransferSuggested bool                   `json:"transfer_suggested"`
	MatchedPatients   int                    `json:"matched_patients"`
	AcknowledgedBy    *uuid.UUID             `json:"acknowledged_by,omitempty"`
	FalseAlarm        bool                   `json:"false_alarm"`
	CreatedAt         time.Time              `json:"created_at"`
}

func (a *Alert) ToResponse() *AlertResponse {
	return &AlertResponse{
		ID:                a.ID,
		SOSRequestID:      a.SOSRequestID,
		EventType:         a.EventType,
		Severity:          a.Severity,
		Department:        a.Department,
		Lat:               a.Lat,
		Lng:               a.Lng,
		RadiusMeters:      a.RadiusMeters,
		Message:           a.Message,
		Source:            a.Source,
		TargetFacilityID:  a.TargetFacilityID,
		Metadata:          a.Metadata,
		TransferSuggested: a.TransferSuggested,
		MatchedPatients:   a.MatchedPatients,
		AcknowledgedBy:    a.AcknowledgedBy,
		FalseAlarm:        a.FalseAlarm,
		CreatedAt:         a.CreatedAt,
	}
}
