// Package ingestion normalizes SOS reports arriving over four different
// transports (direct API, inbound SMS, mesh relay, offline batch sync) plus
// a fifth admin-only simulation path into one CreateSOSInput shape, then
// runs every accepted report through the same finalize step: persistence,
// fan-out, and triage enqueue.
package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/crisisline/backend/internal/broker"
	"github.com/crisisline/backend/internal/crypto"
	"github.com/crisisline/backend/internal/models"
	"github.com/crisisline/backend/internal/repository"
	"github.com/crisisline/backend/internal/services/notification"
	"github.com/crisisline/backend/internal/triage"
)

// OriginFacilityRadiusMeters is how close a facility must be to an SOS's
// coordinates to be recorded as its origin facility, later used by the
// Resolution Watcher's facility-under-attack exception.
const OriginFacilityRadiusMeters = 500

var ErrDuplicate = fmt.Errorf("duplicate submission")
var ErrBatchTooLarge = fmt.Errorf("batch exceeds maximum size")

// Router is the Ingestion Router: one per process, shared by every HTTP
// handler and the SMS webhook that can originate an SOS.
type Router struct {
	sosRepo      *repository.SOSRepository
	patientRepo  *repository.PatientRepository
	facilityRepo *repository.FacilityRepository
	crypto       *crypto.Service
	bus          *broker.Broker
	rdb          *redis.Client
	sms          *notification.SMSService
	smsWebhookSecret string
	logger       *log.Logger
}

func New(
	sosRepo *repository.SOSRepository,
	patientRepo *repository.PatientRepository,
	facilityRepo *repository.FacilityRepository,
	cryptoSvc *crypto.Service,
	bus *broker.Broker,
	rdb *redis.Client,
	sms *notification.SMSService,
	smsWebhookSecret string,
) *Router {
	return &Router{
		sosRepo:          sosRepo,
		patientRepo:      patientRepo,
		facilityRepo:     facilityRepo,
		crypto:           cryptoSvc,
		bus:              bus,
		rdb:              rdb,
		sms:              sms,
		smsWebhookSecret: smsWebhookSecret,
		logger:           log.Default(),
	}
}

func (rt *Router) SetLogger(l *log.Logger) {
	if l != nil {
		rt.logger = l
	}
}

// IngestAPI accepts a direct authenticated-app submission. No dedup: every
// call creates a new SOSRequest.
func (rt *Router) IngestAPI(ctx context.Context, input models.CreateSOSInput) (*models.SOSRequest, error) {
	input.Source = models.SOSSourceAPI
	return rt.finalize(ctx, input)
}

// IngestSMS accepts an inbound SMS webhook payload. body may be a TMT
// envelope (decrypted against the owning patient's derived key) or
// plaintext from an unregistered phone, parsed with a simple keyword
// heuristic into a status/severity pair.
func (rt *Router) IngestSMS(ctx context.Context, requestURL, signature string, form url.Values, from, body string) (*models.SOSRequest, error) {
	if !notification.VerifyInboundSignature(rt.smsWebhookSecret, requestURL, signature, form) {
		return nil, notification.ErrInvalidSignature
	}

	patient, err := rt.patientRepo.GetByPhone(ctx, from)
	if err != nil && err != models.ErrPatientNotFound {
		return nil, err
	}

	plaintext := body
	if crypto.IsEnvelope(body) {
		if patient == nil {
			return nil, fmt.Errorf("envelope received from unregistered phone")
		}
		plaintext, err = rt.crypto.DecodeSMSEnvelope(patient.ID.String(), body)
		if err != nil {
			return nil, fmt.Errorf("decode sms envelope: %w", err)
		}
	}

	input := models.CreateSOSInput{
		Phone:  from,
		Source: models.SOSSourceSMS,
	}

	var structured smsStructuredBody
	if json.Unmarshal([]byte(plaintext), &structured) == nil && structured.nonEmpty() {
		input.PatientStatus = models.PatientStatus(structured.PatientStatus)
		if input.PatientStatus == "" {
			input.PatientStatus = models.PatientStatusInjured
		}
		input.Severity = structured.Severity
		if input.Severity == 0 {
			input.Severity = 3
		}
		input.Message = structured.Details
		if structured.Latitude != nil {
			input.Lat = *structured.Latitude
		}
		if structured.Longitude != nil {
			input.Lng = *structured.Longitude
		}
	} else {
		status, severity := classifyPlaintextSMS(plaintext)
		input.PatientStatus = status
		input.Severity = severity
		input.Message = plaintext
	}

	if patient != nil {
		input.PatientID = &patient.ID
		if input.Lat == 0 && input.Lng == 0 && patient.LastKnownLat != nil && patient.LastKnownLng != nil {
			input.Lat = *patient.LastKnownLat
			input.Lng = *patient.LastKnownLng
		}
	}

	return rt.finalize(ctx, input)
}

// smsStructuredBody is the JSON shape a decrypted (or, in dev, plaintext)
// SMS body may carry per spec §6: any subset of {latitude, longitude,
// patient_status, severity, details}.
type smsStructuredBody struct {
	Latitude      *float64 `json:"latitude"`
	Longitude     *float64 `json:"longitude"`
	PatientStatus string   `json:"patient_status"`
	Severity      int      `json:"severity"`
	Details       string   `json:"details"`
}

func (p smsStructuredBody) nonEmpty() bool {
	return p.Latitude != nil || p.Longitude != nil || p.PatientStatus != "" || p.Severity != 0 || p.Details != ""
}

// classifyPlaintextSMS derives a coarse status/severity pair from a short
// unencrypted message that is not JSON, used only when an SMS body is
// neither a structured envelope nor the structured JSON subset above (a
// legacy device or a first-contact phone typing free text). The full
// triage pipeline re-classifies the resulting SOS once it is enqueued;
// this is only the seed value.
func classifyPlaintextSMS(body string) (models.PatientStatus, int) {
	lower := strings.ToLower(body)
	switch {
	case containsAny(lower, "trapped", "stuck", "buried", "pinned", "collapse"):
		return models.PatientStatusTrapped, 4
	case containsAny(lower, "evacuat", "fleeing", "leaving the area"):
		return models.PatientStatusEvacuate, 3
	case containsAny(lower, "safe", "i'm ok", "im ok", "not hurt", "unharmed"):
		return models.PatientStatusSafe, 1
	default:
		return models.PatientStatusInjured, 3
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// IngestMesh accepts a relayed report from a mesh network gateway,
// deduplicated on mesh_message_id.
func (rt *Router) IngestMesh(ctx context.Context, input models.CreateSOSInput) (*models.SOSRequest, bool, error) {
	input.Source = models.SOSSourceMesh
	return rt.ingestDeduped(ctx, input)
}

// ingestDeduped is shared by the mesh and sync paths, both of which key
// dedup on mesh_message_id per spec §3.
func (rt *Router) ingestDeduped(ctx context.Context, input models.CreateSOSInput) (*models.SOSRequest, bool, error) {
	key := input.IdempotencyKey()
	if key != "" {
		exists, err := rt.sosRepo.ExistsByMeshMessageID(ctx, input.MeshMessageID)
		if err != nil {
			return nil, false, err
		}
		if exists {
			existing, err := rt.sosRepo.GetByMeshMessageID(ctx, input.MeshMessageID)
			return existing, true, err
		}
	}
	sos, err := rt.finalize(ctx, input)
	return sos, false, err
}

// IngestSync accepts a batch of buffered events a previously-offline mesh
// gateway or mobile client is now flushing, processing each item
// independently so one bad item does not fail the whole batch.
func (rt *Router) IngestSync(ctx context.Context, events []models.SyncEvent) (*models.BatchSyncResult, error) {
	if len(events) > models.MaxBatchSyncItems {
		return nil, ErrBatchTooLarge
	}

	result := &models.BatchSyncResult{Items: make([]models.SyncItemResult, 0, len(events))}
	for _, ev := range events {
		item := rt.processSyncEvent(ctx, ev)
		result.Items = append(result.Items, item)
	}
	return result, nil
}

func (rt *Router) processSyncEvent(ctx context.Context, ev models.SyncEvent) models.SyncItemResult {
	switch ev.Type {
	case models.SyncEventSOSCreate:
		var data models.SyncSOSCreateData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return models.SyncItemResult{EventID: ev.EventID, Status: models.SyncItemError, Detail: err.Error()}
		}
		status, _ := models.ParsePatientStatusShortCode(data.PatientStatus)
		input := models.CreateSOSInput{
			PatientID:     data.PatientID,
			Phone:         data.Phone,
			Lat:           data.Latitude,
			Lng:           data.Longitude,
			PatientStatus: status,
			Severity:      data.Severity,
			Message:       data.Details,
			Source:        models.SOSSourceSync,
			EventID:       ev.EventID,
			MeshMessageID: ev.EventID,
			OriginalTimestamp: &ev.DeviceTime,
		}
		sos, duplicate, err := rt.ingestDeduped(ctx, input)
		if err != nil {
			rt.logger.Printf("[Ingestion] Sync item %s failed: %v", ev.EventID, err)
			return models.SyncItemResult{EventID: ev.EventID, Status: models.SyncItemError, Detail: err.Error()}
		}
		if duplicate {
			return models.SyncItemResult{EventID: ev.EventID, Status: models.SyncItemDuplicate, SOSID: &sos.ID}
		}
		return models.SyncItemResult{EventID: ev.EventID, Status: models.SyncItemCreated, SOSID: &sos.ID}

	case models.SyncEventPatientUpdate:
		return models.SyncItemResult{EventID: ev.EventID, Status: models.SyncItemUpdated}

	default:
		return models.SyncItemResult{EventID: ev.EventID, Status: models.SyncItemError, Detail: "unsupported sync event type"}
	}
}

// IngestSimulation accepts an admin-authored crisis scenario and fans it
// out like a real SOS, but never persists it: training and drill traffic
// must never pollute live data or trigger a real facility dispatch.
func (rt *Router) IngestSimulation(ctx context.Context, input models.CreateSOSInput) error {
	sos := &models.SOSRequest{
		ID:            uuid.New(),
		PatientID:     input.PatientID,
		Phone:         input.Phone,
		Lat:           input.Lat,
		Lng:           input.Lng,
		PatientStatus: input.PatientStatus,
		Severity:      input.Severity,
		Message:       input.Message,
		Source:        models.SOSSourceSimulation,
		Status:        models.SOSPending,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	rt.publishNewSOS(ctx, sos)
	return nil
}

// finalize runs the steps every accepted, persisted SOS shares: creation,
// origin-facility assignment, patient counter bump, bus fan-out, and
// triage work enqueue.
func (rt *Router) finalize(ctx context.Context, input models.CreateSOSInput) (*models.SOSRequest, error) {
	sos := &models.SOSRequest{
		ID:                uuid.New(),
		PatientID:         input.PatientID,
		Phone:             input.Phone,
		Lat:               input.Lat,
		Lng:               input.Lng,
		PatientStatus:     input.PatientStatus,
		Severity:          input.Severity,
		Message:           input.Message,
		Source:            input.Source,
		Status:            models.SOSPending,
		EventID:           input.EventID,
		MeshMessageID:     input.MeshMessageID,
		RelayDeviceID:     input.RelayDeviceID,
		HopCount:          input.HopCount,
		OriginalTimestamp: input.OriginalTimestamp,
	}

	if err := rt.sosRepo.Create(ctx, sos); err != nil {
		return nil, fmt.Errorf("create sos request: %w", err)
	}

	if facility, err := rt.facilityRepo.ListWithinRadius(ctx, sos.Lat, sos.Lng, OriginFacilityRadiusMeters); err == nil && len(facility) > 0 {
		if err := rt.sosRepo.SetOriginFacility(ctx, sos.ID, facility[0].ID); err == nil {
			sos.OriginFacilityID = &facility[0].ID
		}
	}

	if sos.PatientID != nil {
		if err := rt.patientRepo.IncrementSOSCount(ctx, *sos.PatientID); err != nil {
			rt.logger.Printf("[Ingestion] Warning: could not bump SOS count for patient %s: %v", *sos.PatientID, err)
		}
	}

	rt.publishNewSOS(ctx, sos)
	rt.sendAcknowledgement(ctx, sos)

	if rt.rdb != nil {
		if err := triage.Enqueue(ctx, rt.rdb, sos.ID); err != nil {
			rt.logger.Printf("[Ingestion] Warning: could not enqueue triage work for sos %s: %v", sos.ID, err)
		}
	}

	return sos, nil
}

// sendAcknowledgement texts the reporting phone back once an SOS is
// accepted, best-effort: a carrier failure never fails the ingestion call.
func (rt *Router) sendAcknowledgement(ctx context.Context, sos *models.SOSRequest) {
	if rt.sms == nil || !rt.sms.IsConfigured() || sos.Phone == "" {
		return
	}
	department := ""
	if sos.RoutedDepartment != nil {
		department = string(*sos.RoutedDepartment)
	}
	msg := notification.BuildAcknowledgementMessage(department)
	if err := rt.sms.SendSMS(sos.Phone, msg); err != nil {
		rt.logger.Printf("[Ingestion] Warning: acknowledgement SMS to %s failed: %v", notification.MaskPhoneForLog(sos.Phone), err)
	}
}

// publishNewSOS fans the new report out over the bus: a new_sos event to
// the alerts room, paired with a map_event projection onto the live map.
func (rt *Router) publishNewSOS(ctx context.Context, sos *models.SOSRequest) {
	now := time.Now()
	env := models.BusEnvelope{Kind: models.EnvelopeKindSOSCreated, Room: models.RoomAlerts, Data: sos.ToResponse(), Timestamp: now}
	if err := rt.bus.Publish(ctx, env); err != nil {
		rt.logger.Printf("[Ingestion] Warning: publish new_sos failed: %v", err)
	}

	mapEvent := models.BusEnvelope{
		Kind: models.EnvelopeKindMapEvent,
		Room: models.RoomLivemap,
		Data: map[string]interface{}{
			"layer":    models.LayerSOS,
			"source":   models.GeoSourceSOS,
			"lat":      sos.Lat,
			"lng":      sos.Lng,
			"severity": sos.Severity,
			"ref_id":   sos.ID,
		},
		Timestamp: now,
	}
	if err := rt.bus.Publish(ctx, mapEvent); err != nil {
		rt.logger.Printf("[Ingestion] Warning: publish map_event failed: %v", err)
	}
}
