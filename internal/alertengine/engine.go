// Package alertengine persists Alerts, computes which patients they affect,
// and fans them out over the bus together with a paired GeoEvent so every
// alert shows up on the live map the instant it is raised.
package alertengine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/crisisline/backend/internal/broker"
	"github.com/crisisline/backend/internal/models"
	"github.com/crisisline/backend/internal/repository"
)

// ErrNotAuthorized is returned when a facility attempts to acknowledge an
// alert it does not own.
var ErrNotAuthorized = fmt.Errorf("facility is not authorized to acknowledge this alert")

// Engine is the Alert Engine: one per process, shared by the Triage
// Orchestrator, the Intel Pipeline, and the HTTP handlers that raise
// operator-authored alerts directly.
type Engine struct {
	alertRepo    *repository.AlertRepository
	patientRepo  *repository.PatientRepository
	geoEventRepo *repository.GeoEventRepository
	facilityRepo *repository.FacilityRepository
	sosRepo      *repository.SOSRepository
	bus          *broker.Broker
	logger       *log.Logger
}

func New(
	alertRepo *repository.AlertRepository,
	patientRepo *repository.PatientRepository,
	geoEventRepo *repository.GeoEventRepository,
	facilityRepo *repository.FacilityRepository,
	sosRepo *repository.SOSRepository,
	bus *broker.Broker,
) *Engine {
	return &Engine{
		alertRepo:    alertRepo,
		patientRepo:  patientRepo,
		geoEventRepo: geoEventRepo,
		facilityRepo: facilityRepo,
		sosRepo:      sosRepo,
		bus:          bus,
		logger:       log.Default(),
	}
}

func (e *Engine) SetLogger(l *log.Logger) {
	if l != nil {
		e.logger = l
	}
}

// baselineSeverity is the Alert Engine's severity classifier, applied when
// the caller (Triage Orchestrator, Intel Pipeline) has not already computed
// a severity override.
func baselineSeverity(eventType models.EventType, confidence float64) models.AlertSeverity {
	var base models.AlertSeverity
	switch eventType {
	case models.EventBombing, models.EventShooting, models.EventChemical:
		base = models.SeverityCritical
	case models.EventBuildingCollapse, models.EventEarthquake, models.EventFire:
		base = models.SeverityHigh
	case models.EventFlood, models.EventInfrastructure, models.EventMedicalEmergency:
		base = models.SeverityMedium
	default:
		base = models.SeverityLow
	}
	if confidence >= 0.8 && base != models.SeverityCritical {
		base = base.Promote()
	}
	return base
}

// Raise creates an Alert, matches affected patients, persists the count,
// fans the alert out to every relevant room, and co-emits a crisis-layer
// GeoEvent. If input.Severity is already set by the caller it is used
// as-is; otherwise Raise computes the baseline classifier's severity.
func (e *Engine) Raise(ctx context.Context, input *models.CreateAlertInput) (*models.Alert, error) {
	severity := input.Severity
	if severity == "" {
		severity = baselineSeverity(input.EventType, input.Confidence)
	}

	alert := &models.Alert{
		ID:               uuid.New(),
		SOSRequestID:     input.SOSRequestID,
		EventType:        input.EventType,
		Severity:         severity,
		Department:       input.Department,
		Lat:              input.Lat,
		Lng:              input.Lng,
		RadiusMeters:     input.EffectiveRadius(),
		Message:          input.Message,
		Source:           input.Source,
		Confidence:       input.Confidence,
		TargetFacilityID: input.TargetFacilityID,
		Metadata:         input.Metadata,
	}

	matched, _, err := e.matchAffectedPatients(ctx, alert.Lat, alert.Lng, alert.RadiusMeters)
	if err != nil {
		e.logger.Printf("[AlertEngine] Warning: patient match failed for new alert: %v", err)
	}
	alert.MatchedPatients = len(matched)

	if alert.Department != nil && *alert.Department == models.DepartmentHospital {
		alert.TransferSuggested = e.needsTransfer(ctx, alert.TargetFacilityID)
	}

	if err := e.alertRepo.Create(ctx, alert); err != nil {
		return nil, fmt.Errorf("create alert: %w", err)
	}

	e.emit(ctx, alert, matched)
	e.coEmitGeoEvent(ctx, alert)

	return alert, nil
}

// matchAffectedPatients returns every active patient within radiusMeters of
// (lat, lng) ordered by ascending distance, plus the vulnerable subset.
func (e *Engine) matchAffectedPatients(ctx context.Context, lat, lng float64, radiusMeters int) (matched, vulnerable []*models.Patient, err error) {
	all, err := e.patientRepo.ListWithinRadius(ctx, lat, lng, float64(radiusMeters))
	if err != nil {
		return nil, nil, err
	}
	for _, p := range all {
		if p.IsVulnerable() {
			vulnerable = append(vulnerable, p)
		}
	}
	return all, vulnerable, nil
}

// needsTransfer reports whether the target hospital lacks bed capacity,
// the Alert Engine's transfer_suggested enrichment.
func (e *Engine) needsTransfer(ctx context.Context, targetFacilityID *uuid.UUID) bool {
	if targetFacilityID == nil {
		return false
	}
	f, err := e.facilityRepo.GetByID(ctx, *targetFacilityID)
	if err != nil {
		return false
	}
	return !f.HasCapacity()
}

// emit publishes the alert to every relevant room: global alerts, the
// target facility's room, the routed department's room, and every affected
// patient's room.
func (e *Engine) emit(ctx context.Context, alert *models.Alert, affected []*models.Patient) {
	now := time.Now()
	resp := alert.ToResponse()

	e.publish(ctx, models.RoomAlerts, models.EnvelopeKindAlertRaised, resp, now)

	if alert.TargetFacilityID != nil {
		e.publish(ctx, models.FacilityRoom(alert.TargetFacilityID.String()), models.EnvelopeKindAlertRaised, resp, now)
	}
	if alert.Department != nil {
		e.publish(ctx, models.DepartmentRoom(*alert.Department), models.EnvelopeKindAlertRaised, resp, now)
	}
	for _, p := range affected {
		e.publish(ctx, models.PatientRoom(p.ID.String()), models.EnvelopeKindAlertRaised, resp, now)
	}
}

// coEmitGeoEvent projects the alert onto the live map, per spec's
// always-pair-an-alert-with-a-geo-event co-emission rule.
func (e *Engine) coEmitGeoEvent(ctx context.Context, alert *models.Alert) {
	geo := &models.GeoEvent{
		ID:        uuid.New(),
		Layer:     models.LayerCrisis,
		Source:    models.GeoEventSource(alert.Source),
		EventType: alert.EventType,
		Lat:       alert.Lat,
		Lng:       alert.Lng,
		Severity:  models.SeverityToInt(alert.Severity),
		RefID:     &alert.ID,
		Title:     string(alert.EventType),
		Details:   alert.Message,
	}
	if err := e.geoEventRepo.Create(ctx, geo); err != nil {
		e.logger.Printf("[AlertEngine] Warning: could not co-emit geo event for alert %s: %v", alert.ID, err)
		return
	}
	e.publish(ctx, models.RoomLivemap, models.EnvelopeKindGeoEvent, geo.ToResponse(), time.Now())
}

func (e *Engine) publish(ctx context.Context, room models.Room, kind models.EnvelopeKind, data interface{}, at time.Time) {
	env := models.BusEnvelope{Kind: kind, Room: room, Data: data, Timestamp: at}
	if err := e.bus.Publish(ctx, env); err != nil {
		e.logger.Printf("[AlertEngine] Warning: publish to room %s failed: %v", room, err)
	}
}

// Acknowledge records a facility's acknowledgement of an alert. Only the
// alert's target facility, or (when no target is set) a facility matching
// the alert's routed department, may acknowledge.
func (e *Engine) Acknowledge(ctx context.Context, alertID, facilityID uuid.UUID) (*models.Alert, error) {
	alert, err := e.alertRepo.GetByID(ctx, alertID)
	if err != nil {
		return nil, err
	}
	facility, err := e.facilityRepo.GetByID(ctx, facilityID)
	if err != nil {
		return nil, err
	}
	if !e.ownsAlert(alert, facility) {
		return nil, ErrNotAuthorized
	}
	if err := e.alertRepo.Acknowledge(ctx, alertID, facilityID); err != nil {
		return nil, err
	}
	alert.AcknowledgedBy = &facilityID
	e.publish(ctx, models.RoomAlerts, models.EnvelopeKindAlertAcked, alert.ToResponse(), time.Now())
	return alert, nil
}

func (e *Engine) ownsAlert(alert *models.Alert, facility *models.Facility) bool {
	if alert.TargetFacilityID != nil {
		return *alert.TargetFacilityID == facility.ID
	}
	if alert.Department != nil {
		return string(*alert.Department) == string(facility.Type)
	}
	return false
}

// ReportFalseAlarm sets the alert's false_alarm flag and, when
// the alert originated from an SOS, increments that patient's false-alarm
// counter so their trust score drops for future triage.
func (e *Engine) ReportFalseAlarm(ctx context.Context, alertID uuid.UUID) error {
	alert, err := e.alertRepo.GetByID(ctx, alertID)
	if err != nil {
		return err
	}
	if err := e.alertRepo.MarkFalseAlarm(ctx, alertID); err != nil {
		return err
	}
	if alert.Source != models.AlertSourceSOS || alert.SOSRequestID == nil {
		return nil
	}
	sos, err := e.sosRepo.GetByID(ctx, *alert.SOSRequestID)
	if err != nil || sos.PatientID == nil {
		return nil
	}
	if err := e.patientRepo.IncrementFalseAlarmCount(ctx, *sos.PatientID); err != nil {
		e.logger.Printf("[AlertEngine] Warning: could not increment false alarm count for patient %s: %v", *sos.PatientID, err)
	}
	return nil
}
