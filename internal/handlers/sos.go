// Package handlers wires the gin HTTP edge to the domain packages,
// following the teacher's package-level-repository-plus-Set* idiom instead
// of a DI container.
package handlers

import (
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/crisisline/backend/internal/crisiserr"
	"github.com/crisisline/backend/internal/ingestion"
	"github.com/crisisline/backend/internal/models"
	"github.com/crisisline/backend/internal/repository"
	"github.com/crisisline/backend/internal/resolution"
)

var (
	sosRouter   *ingestion.Router
	sosRepo     *repository.SOSRepository
	resolutionWatcher *resolution.Watcher
	validate    = validator.New()
)

// SetSOSDependencies wires this handler file's package-level state; called
// once from cmd/api's main at startup.
func SetSOSDependencies(router *ingestion.Router, repo *repository.SOSRepository, watcher *resolution.Watcher) {
	sosRouter = router
	sosRepo = repo
	resolutionWatcher = watcher
}

// CreateSOS handles a direct, authenticated-app SOS submission.
// POST /api/v1/sos
func CreateSOS(c *gin.Context) {
	var input models.CreateSOSInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, crisiserr.ErrorResponse{Kind: crisiserr.KindValidation, Message: err.Error()})
		return
	}
	if err := validate.Struct(&input); err != nil {
		c.JSON(http.StatusBadRequest, crisiserr.ErrorResponse{Kind: crisiserr.KindValidation, Message: err.Error()})
		return
	}

	sos, err := sosRouter.IngestAPI(c.Request.Context(), input)
	if err != nil {
		c.JSON(crisiserr.StatusFor(err), crisiserr.Envelope(err))
		return
	}
	c.JSON(http.StatusCreated, sos.ToResponse())
}

// meshRelayPayload mirrors the mesh relay wire shape from §6: short-code
// patient_status values are decoded before reaching CreateSOSInput.
type meshRelayPayload struct {
	MessageID         string     `json:"message_id" validate:"required"`
	PatientID         *uuid.UUID `json:"patient_id"`
	Latitude          *float64   `json:"latitude"`
	Longitude         *float64   `json:"longitude"`
	PatientStatus     string     `json:"patient_status"`
	Severity          int        `json:"severity"`
	Details           string     `json:"details"`
	OriginalTimestamp *int64     `json:"original_timestamp"`
	HopCount          int        `json:"hop_count"`
	RelayDeviceID     string     `json:"relay_device_id" validate:"required"`
}

// IngestMesh handles a relayed report from a mesh network gateway.
// POST /api/v1/mesh/sos
func IngestMesh(c *gin.Context) {
	var payload meshRelayPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}
	if err := validate.Struct(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}

	status := decodePatientStatusShortCode(payload.PatientStatus)
	severity := payload.Severity
	if severity == 0 {
		severity = 3
	}

	input := models.CreateSOSInput{
		PatientID:     payload.PatientID,
		PatientStatus: status,
		Severity:      severity,
		Message:       payload.Details,
		MeshMessageID: payload.MessageID,
		RelayDeviceID: payload.RelayDeviceID,
		HopCount:      payload.HopCount,
	}
	if payload.Latitude != nil {
		input.Lat = *payload.Latitude
	}
	if payload.Longitude != nil {
		input.Lng = *payload.Longitude
	}

	sos, duplicate, err := sosRouter.IngestMesh(c.Request.Context(), input)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": err.Error(), "message_id": payload.MessageID})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"sos_id":      sos.ID,
		"message_id":  payload.MessageID,
		"is_duplicate": duplicate,
		"message":     "accepted",
	})
}

// decodePatientStatusShortCode maps the single-letter short codes used in
// bandwidth-constrained mesh/sync payloads to the full enum.
func decodePatientStatusShortCode(s string) models.PatientStatus {
	switch s {
	case "S":
		return models.PatientStatusSafe
	case "I":
		return models.PatientStatusInjured
	case "T":
		return models.PatientStatusTrapped
	case "E":
		return models.PatientStatusEvacuate
	default:
		return models.PatientStatus(s)
	}
}

// IngestSync handles a batch of buffered events flushed by a previously
// offline gateway or mobile client.
// POST /api/v1/sync
func IngestSync(c *gin.Context) {
	var body struct {
		Events []models.SyncEvent `json:"events" validate:"required,max=100"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, crisiserr.ErrorResponse{Kind: crisiserr.KindValidation, Message: err.Error()})
		return
	}

	result, err := sosRouter.IngestSync(c.Request.Context(), body.Events)
	if err != nil {
		c.JSON(crisiserr.StatusFor(err), crisiserr.Envelope(err))
		return
	}
	c.JSON(http.StatusOK, result)
}

// IngestSimulation accepts an admin-authored drill scenario. It is fanned
// out like a live report but is never persisted.
// POST /api/v1/admin/simulate
func IngestSimulation(c *gin.Context) {
	var input models.CreateSOSInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, crisiserr.ErrorResponse{Kind: crisiserr.KindValidation, Message: err.Error()})
		return
	}
	if err := sosRouter.IngestSimulation(c.Request.Context(), input); err != nil {
		c.JSON(http.StatusInternalServerError, crisiserr.Envelope(err))
		return
	}
	c.Status(http.StatusAccepted)
}

// InboundSMS handles the carrier's inbound SMS webhook.
// POST /api/v1/sms/inbound
func InboundSMS(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed form body"})
		return
	}
	from := c.Request.PostFormValue("From")
	body := c.Request.PostFormValue("Body")
	signature := c.GetHeader("X-Twilio-Signature")

	requestURL := &url.URL{Scheme: "https", Host: c.Request.Host, Path: c.Request.URL.Path}
	sos, err := sosRouter.IngestSMS(c.Request.Context(), requestURL.String(), signature, c.Request.PostForm, from, body)
	if err != nil {
		c.JSON(crisiserr.StatusFor(err), crisiserr.Envelope(err))
		return
	}
	c.JSON(http.StatusOK, sos.ToResponse())
}

// GetSOS returns a single SOS request by ID, used by the mobile client to
// poll status after submission.
// GET /api/v1/sos/:id
func GetSOS(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sos id"})
		return
	}
	sos, err := sosRepo.GetByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(crisiserr.StatusFor(err), crisiserr.Envelope(err))
		return
	}
	c.JSON(http.StatusOK, sos.ToResponse())
}

// ListActiveSOSForPatient lists a patient's active (unresolved) requests,
// used by the mobile client to reconcile state after reconnecting.
// GET /api/v1/patients/:id/sos/active
func ListActiveSOSForPatient(c *gin.Context) {
	patientID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid patient id"})
		return
	}
	list, err := sosRepo.ListActiveByPatient(c.Request.Context(), patientID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, crisiserr.Envelope(err))
		return
	}
	out := make([]*models.SOSResponse, 0, len(list))
	for _, s := range list {
		out = append(out, s.ToResponse())
	}
	c.JSON(http.StatusOK, gin.H{"items": out})
}

// patientLocationUpdate is the payload for a standalone location ping,
// independent of any SOS — the trigger the Resolution Watcher listens for.
type patientLocationUpdate struct {
	Lat float64 `json:"lat" validate:"required,latitude"`
	Lng float64 `json:"lng" validate:"required,longitude"`
}

// UpdatePatientLocation records a patient's current position and runs the
// Resolution Watcher against it.
// POST /api/v1/patients/:id/location
func UpdatePatientLocation(c *gin.Context) {
	patientID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid patient id"})
		return
	}
	var body patientLocationUpdate
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, crisiserr.ErrorResponse{Kind: crisiserr.KindValidation, Message: err.Error()})
		return
	}
	if err := validate.Struct(&body); err != nil {
		c.JSON(http.StatusBadRequest, crisiserr.ErrorResponse{Kind: crisiserr.KindValidation, Message: err.Error()})
		return
	}

	if err := resolutionWatcher.OnLocationUpdate(c.Request.Context(), patientID, body.Lat, body.Lng); err != nil {
		c.JSON(crisiserr.StatusFor(err), crisiserr.Envelope(err))
		return
	}
	c.Status(http.StatusNoContent)
}
