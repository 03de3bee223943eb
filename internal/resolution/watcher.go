// Package resolution auto-resolves an SOS once its reporting patient's
// location places them at an operational facility, synchronously triggered
// on every patient location update rather than on a timer.
package resolution

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/crisisline/backend/internal/broker"
	"github.com/crisisline/backend/internal/models"
	"github.com/crisisline/backend/internal/repository"
	"github.com/crisisline/backend/internal/services/notification"
)

// ArrivalRadiusMeters is how close a patient's reported position must be to
// a facility to count as "arrived" there.
const ArrivalRadiusMeters = 500

// MinTrustForAutoResolve gates auto-resolution on the reporting patient's
// trust score: a low-trust patient's location update should not silently
// close out their own emergency.
const MinTrustForAutoResolve = 0.3

// Watcher is the Resolution Watcher, invoked synchronously by the location
// handler on every inbound patient position update.
type Watcher struct {
	sosRepo      *repository.SOSRepository
	patientRepo  *repository.PatientRepository
	facilityRepo *repository.FacilityRepository
	bus          *broker.Broker
	sms          *notification.SMSService
	logger       *log.Logger
}

func New(
	sosRepo *repository.SOSRepository,
	patientRepo *repository.PatientRepository,
	facilityRepo *repository.FacilityRepository,
	bus *broker.Broker,
	sms *notification.SMSService,
) *Watcher {
	return &Watcher{
		sosRepo:      sosRepo,
		patientRepo:  patientRepo,
		facilityRepo: facilityRepo,
		bus:          bus,
		sms:          sms,
		logger:       log.Default(),
	}
}

func (w *Watcher) SetLogger(l *log.Logger) {
	if l != nil {
		w.logger = l
	}
}

// OnLocationUpdate records a patient's new position, then checks whether
// any of their active SOS requests should auto-resolve as a result.
func (w *Watcher) OnLocationUpdate(ctx context.Context, patientID uuid.UUID, lat, lng float64) error {
	if err := w.patientRepo.UpdateLocation(ctx, patientID, lat, lng); err != nil {
		return err
	}

	patient, err := w.patientRepo.GetByID(ctx, patientID)
	if err != nil {
		return err
	}
	if patient.TrustScore() < MinTrustForAutoResolve {
		return nil
	}

	active, err := w.sosRepo.ListActiveByPatient(ctx, patientID)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		return nil
	}

	candidates, err := w.facilityRepo.ListOperationalWithinRadius(ctx, lat, lng, ArrivalRadiusMeters)
	if err != nil || len(candidates) == 0 {
		return nil
	}
	facility := candidates[0]

	for _, sos := range active {
		if sos.OriginFacilityID != nil && *sos.OriginFacilityID == facility.ID {
			// Facility-under-attack exception: a patient reporting from the
			// same facility the crisis originated at has not "arrived
			// safely", they were already there when it happened.
			continue
		}
		w.resolve(ctx, sos, facility, patient)
	}
	return nil
}

func (w *Watcher) resolve(ctx context.Context, sos *models.SOSRequest, facility *models.Facility, patient *models.Patient) {
	now := time.Now()
	if err := w.sosRepo.UpdateStatus(ctx, sos.ID, models.SOSResolved, true, &now); err != nil {
		w.logger.Printf("[Resolution] Could not auto-resolve sos %s: %v", sos.ID, err)
		return
	}
	sos.Status = models.SOSResolved
	sos.AutoResolved = true
	sos.ResolvedAt = &now

	payload := sos.ToResolvedPayload(facility)
	env := models.BusEnvelope{Kind: models.EnvelopeKindSOSResolved, Room: models.RoomAlerts, Data: payload, Timestamp: now}
	if err := w.bus.Publish(ctx, env); err != nil {
		w.logger.Printf("[Resolution] Warning: publish sos_resolved failed: %v", err)
	}
	if sos.PatientID != nil {
		patientEnv := models.BusEnvelope{Kind: models.EnvelopeKindSOSResolved, Room: models.PatientRoom(sos.PatientID.String()), Data: payload, Timestamp: now}
		if err := w.bus.Publish(ctx, patientEnv); err != nil {
			w.logger.Printf("[Resolution] Warning: publish sos_resolved to patient room failed: %v", err)
		}
	}

	mapEvent := models.BusEnvelope{
		Kind: models.EnvelopeKindMapEvent,
		Room: models.RoomLivemap,
		Data: map[string]interface{}{
			"layer":       models.LayerSOS,
			"source":      models.GeoSourceSystem,
			"lat":         facility.Lat,
			"lng":         facility.Lng,
			"ref_id":      sos.ID,
			"resolved_at": now,
		},
		Timestamp: now,
	}
	if err := w.bus.Publish(ctx, mapEvent); err != nil {
		w.logger.Printf("[Resolution] Warning: publish map_event failed: %v", err)
	}

	if w.sms != nil && w.sms.IsConfigured() && patient != nil && patient.Phone != "" {
		msg := notification.BuildHospitalArrivalMessage(facility.Name)
		if err := w.sms.SendSMS(patient.Phone, msg); err != nil {
			w.logger.Printf("[Resolution] Warning: arrival SMS to %s failed: %v", notification.MaskPhoneForLog(patient.Phone), err)
		}
	}
}
