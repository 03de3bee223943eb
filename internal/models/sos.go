package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SOSStatusTransitions mirrors the teacher's occurrence state machine: the
// set of statuses an SOSRequest may move to from its current one.
var SOSStatusTransitions = map[SOSStatus][]SOSStatus{
	SOSPending:      {SOSAcknowledged, SOSDispatched, SOSResolved, SOSCancelled},
	SOSAcknowledged: {SOSDispatched, SOSResolved, SOSCancelled},
	SOSDispatched:   {SOSResolved, SOSCancelled},
	SOSResolved:     {},
	SOSCancelled:    {},
}

// CanTransitionTo reports whether moving from s to next is a legal
// SOSRequest state transition.
func (s SOSStatus) CanTransitionTo(next SOSStatus) bool {
	for _, allowed := range SOSStatusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s SOSStatus) String() string { return string(s) }

// SOSRequest is the central record of the Ingestion Router: every SOS,
// regardless of which of the five channels it arrived on, is normalized
// into one of these.
type SOSRequest struct {
	ID                 uuid.UUID        `json:"id" db:"id"`
	PatientID          *uuid.UUID       `json:"patient_id,omitempty" db:"patient_id"`
	Phone              string           `json:"phone" db:"phone"`
	Lat                float64          `json:"lat" db:"lat"`
	Lng                float64          `json:"lng" db:"lng"`
	PatientStatus      PatientStatus    `json:"patient_status" db:"patient_status"`
	Severity           int              `json:"severity" db:"severity"`
	Message            string           `json:"message,omitempty" db:"message"`
	Source             SOSSource        `json:"source" db:"source"`
	Status             SOSStatus        `json:"status" db:"status"`
	RoutedDepartment   *Department      `json:"routed_department,omitempty" db:"routed_department"`
	FacilityNotifiedID *uuid.UUID       `json:"facility_notified_id,omitempty" db:"facility_notified_id"`
	OriginFacilityID   *uuid.UUID       `json:"origin_facility_id,omitempty" db:"origin_facility_id"`
	EventID            string           `json:"event_id,omitempty" db:"event_id"`
	MeshMessageID      string           `json:"mesh_message_id,omitempty" db:"mesh_message_id"`
	RelayDeviceID      string           `json:"relay_device_id,omitempty" db:"relay_device_id"`
	HopCount           int              `json:"hop_count,omitempty" db:"hop_count"`
	OriginalTimestamp  *time.Time       `json:"original_timestamp,omitempty" db:"original_timestamp"`
	TriageRiskLevel    *RiskLevel       `json:"triage_risk_level,omitempty" db:"triage_risk_level"`
	TriageUrgency      *ResponseUrgency `json:"triage_urgency,omitempty" db:"triage_urgency"`
	AutoResolved       bool             `json:"auto_resolved" db:"auto_resolved"`
	ResolvedAt         *time.Time       `json:"resolved_at,omitempty" db:"resolved_at"`
	CreatedAt          time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at" db:"updated_at"`
}

// IsValid reports whether the request's status field currently holds a
// known SOSStatus value.
func (r *SOSRequest) IsValid() bool {
	return r.Status.IsValid()
}

// Transition moves the request to next if the state machine allows it,
// stamping ResolvedAt when the new status is terminal.
func (r *SOSRequest) Transition(next SOSStatus, now time.Time) error {
	if !r.Status.CanTransitionTo(next) {
		return ErrInvalidTransition
	}
	r.Status = next
	r.UpdatedAt = now
	if next.IsTerminal() {
		r.ResolvedAt = &now
	}
	return nil
}

// CreateSOSInput is the normalized payload produced by every ingestion
// path before it reaches the shared finalize step.
type CreateSOSInput struct {
	PatientID     *uuid.UUID    `json:"patient_id,omitempty"`
	Phone         string        `json:"phone" validate:"required"`
	Lat           float64       `json:"lat" validate:"required,latitude"`
	Lng           float64       `json:"lng" validate:"required,longitude"`
	PatientStatus PatientStatus `json:"patient_status" validate:"required"`
	Severity      int           `json:"severity" validate:"required,min=1,max=5"`
	Message       string        `json:"message,omitempty" validate:"omitempty,max=2000"`
	Source        SOSSource     `json:"source" validate:"required"`

	EventID           string     `json:"event_id,omitempty"`
	MeshMessageID     string     `json:"mesh_message_id,omitempty"`
	RelayDeviceID     string     `json:"relay_device_id,omitempty"`
	HopCount          int        `json:"hop_count,omitempty"`
	OriginalTimestamp *time.Time `json:"original_timestamp,omitempty"`
}

// IdempotencyKey returns the dedup key for this input's source, or "" if
// the source does not dedup (direct API submissions are never deduped).
func (in *CreateSOSInput) IdempotencyKey() string {
	switch in.Source {
	case SOSSourceMesh, SOSSourceSync:
		if in.MeshMessageID != "" {
			return in.MeshMessageID
		}
		return in.EventID
	case SOSSourceSMS:
		return in.Phone + ":" + in.MeshMessageID
	default:
		return ""
	}
}

// SOSResponse is the read-facing projection of an SOSRequest, and also the
// new_sos bus envelope payload: field names follow the wire contract
// (latitude/longitude/details), not the internal SOSRequest's db-tag
// derived lat/lng/message.
type SOSResponse struct {
	ID               uuid.UUID        `json:"id"`
	PatientID        *uuid.UUID       `json:"patient_id,omitempty"`
	Phone            string           `json:"phone"`
	Latitude         float64          `json:"latitude"`
	Longitude        float64          `json:"longitude"`
	PatientStatus    PatientStatus    `json:"patient_status"`
	Severity         int              `json:"severity"`
	Details          string           `json:"details,omitempty"`
	Source           SOSSource        `json:"source"`
	Status           SOSStatus        `json:"status"`
	RoutedDepartment *Department      `json:"routed_department,omitempty"`
	TriageRiskLevel  *RiskLevel       `json:"triage_risk_level,omitempty"`
	TriageUrgency    *ResponseUrgency `json:"triage_urgency,omitempty"`
	AutoResolved     bool             `json:"auto_resolved"`
	ResolvedAt       *time.Time       `json:"resolved_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

func (r *SOSRequest) ToResponse() *SOSResponse {
	return &SOSResponse{
		ID:               r.ID,
		PatientID:        r.PatientID,
		Phone:            r.Phone,
		Latitude:         r.Lat,
		Longitude:        r.Lng,
		PatientStatus:    r.PatientStatus,
		Severity:         r.Severity,
		Details:          r.Message,
		Source:           r.Source,
		Status:           r.Status,
		RoutedDepartment: r.RoutedDepartment,
		TriageRiskLevel:  r.TriageRiskLevel,
		TriageUrgency:    r.TriageUrgency,
		AutoResolved:     r.AutoResolved,
		ResolvedAt:       r.ResolvedAt,
		CreatedAt:        r.CreatedAt,
	}
}

// SOSResolvedPayload is the sos_resolved bus envelope payload: it carries
// the resolving facility's identity, which SOSResponse has no field for.
type SOSResolvedPayload struct {
	SOSID            uuid.UUID  `json:"sos_id"`
	PatientID        *uuid.UUID `json:"patient_id,omitempty"`
	Latitude         float64    `json:"latitude"`
	Longitude        float64    `json:"longitude"`
	HospitalID       uuid.UUID  `json:"hospital_id"`
	HospitalName     string     `json:"hospital_name"`
	OriginHospitalID *uuid.UUID `json:"origin_hospital_id,omitempty"`
	ResolvedAt       time.Time  `json:"resolved_at"`
	AutoResolved     bool       `json:"auto_resolved"`
}

// ToResolvedPayload builds the sos_resolved envelope payload for r,
// attributing the resolution to the given facility.
func (r *SOSRequest) ToResolvedPayload(facility *Facility) *SOSResolvedPayload {
	resolvedAt := r.UpdatedAt
	if r.ResolvedAt != nil {
		resolvedAt = *r.ResolvedAt
	}
	return &SOSResolvedPayload{
		SOSID:            r.ID,
		PatientID:        r.PatientID,
		Latitude:         r.Lat,
		Longitude:        r.Lng,
		HospitalID:       facility.ID,
		HospitalName:     facility.Name,
		OriginHospitalID: r.OriginFacilityID,
		ResolvedAt:       resolvedAt,
		AutoResolved:     r.AutoResolved,
	}
}

// SyncEventType names the three event kinds a batch-sync item may carry.
type SyncEventType string

const (
	SyncEventSOSCreate     SyncEventType = "sos_create"
	SyncEventSOSUpdate     SyncEventType = "sos_update"
	SyncEventPatientUpdate SyncEventType = "patient_update"
)

// SyncEvent is a single entry in a batch /sync payload submitted by a
// mesh gateway or mobile client that was offline and is now flushing its
// buffer. Data is decoded against the shape implied by Type.
type SyncEvent struct {
	EventID    string          `json:"event_id" validate:"required"`
	Type       SyncEventType   `json:"type" validate:"required"`
	Data       json.RawMessage `json:"data" validate:"required"`
	DeviceTime time.Time       `json:"device_time" validate:"required"`
}

// SyncSOSCreateData is the Data payload shape for a sos_create sync event.
type SyncSOSCreateData struct {
	PatientID     *uuid.UUID `json:"patient_id,omitempty"`
	Phone         string     `json:"phone,omitempty"`
	Latitude      float64    `json:"latitude"`
	Longitude     float64    `json:"longitude"`
	PatientStatus string     `json:"patient_status"`
	Severity      int        `json:"severity"`
	Details       string     `json:"details,omitempty"`
}

// SyncItemStatus is the per-item outcome reported back from a batch sync.
type SyncItemStatus string

const (
	SyncItemCreated  SyncItemStatus = "created"
	SyncItemDuplicate SyncItemStatus = "duplicate"
	SyncItemUpdated  SyncItemStatus = "updated"
	SyncItemError    SyncItemStatus = "error"
)

// SyncItemResult reports the outcome of one SyncEvent.
type SyncItemResult struct {
	EventID string         `json:"event_id"`
	Status  SyncItemStatus `json:"status"`
	Detail  string         `json:"detail,omitempty"`
	SOSID   *uuid.UUID     `json:"sos_id,omitempty"`
}

// BatchSyncResult reports the per-item outcome of a /sync submission.
type BatchSyncResult struct {
	Items    []SyncItemResult `json:"items"`
	Accepted int               `json:"accepted"`
	Rejected int               `json:"rejected"`
}

// MaxBatchSyncItems is the spec's hard ceiling on one /sync submission.
const MaxBatchSyncItems = 100
