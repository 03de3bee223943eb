package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/crisisline/backend/internal/alertengine"
	"github.com/crisisline/backend/internal/crisiserr"
	"github.com/crisisline/backend/internal/models"
	"github.com/crisisline/backend/internal/repository"
)

var (
	alertEngine *alertengine.Engine
	alertRepo   *repository.AlertRepository
)

// SetAlertDependencies wires this handler file's package-level state.
func SetAlertDependencies(engine *alertengine.Engine, repo *repository.AlertRepository) {
	alertEngine = engine
	alertRepo = repo
}

// ListAlertsByDepartment returns the recent alerts routed to a department,
// the feed a department console pulls on load before subscribing to its
// room for live updates.
// GET /api/v1/departments/:department/alerts
func ListAlertsByDepartment(c *gin.Context) {
	department := models.Department(c.Param("department"))
	if !department.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown department"})
		return
	}
	alerts, err := alertRepo.ListByDepartment(c.Request.Context(), department, 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, crisiserr.Envelope(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": alerts})
}

// ListAlertsByFacility returns the recent alerts targeting a single
// facility's dashboard.
// GET /api/v1/facilities/:id/alerts
func ListAlertsByFacility(c *gin.Context) {
	facilityID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid facility id"})
		return
	}
	alerts, err := alertRepo.ListByFacility(c.Request.Context(), facilityID, 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, crisiserr.Envelope(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": alerts})
}

type acknowledgeAlertPayload struct {
	FacilityID uuid.UUID `json:"facility_id" validate:"required"`
}

// AcknowledgeAlert lets the owning facility claim an alert. Only the
// facility the alert targeted (or, for department-wide alerts, any
// facility in that department) may acknowledge.
// POST /api/v1/alerts/:id/acknowledge
func AcknowledgeAlert(c *gin.Context) {
	alertID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert id"})
		return
	}
	var body acknowledgeAlertPayload
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, crisiserr.ErrorResponse{Kind: crisiserr.KindValidation, Message: err.Error()})
		return
	}
	if err := validate.Struct(&body); err != nil {
		c.JSON(http.StatusBadRequest, crisiserr.ErrorResponse{Kind: crisiserr.KindValidation, Message: err.Error()})
		return
	}

	alert, err := alertEngine.Acknowledge(c.Request.Context(), alertID, body.FacilityID)
	if err != nil {
		c.JSON(crisiserr.StatusFor(err), crisiserr.Envelope(err))
		return
	}
	c.JSON(http.StatusOK, alert)
}

// ReportFalseAlarm marks an alert as a false positive and, for SOS-sourced
// alerts, lowers the reporting patient's trust score that triage reads.
// POST /api/v1/alerts/:id/false-alarm
func ReportFalseAlarm(c *gin.Context) {
	alertID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert id"})
		return
	}
	if err := alertEngine.ReportFalseAlarm(c.Request.Context(), alertID); err != nil {
		c.JSON(crisiserr.StatusFor(err), crisiserr.Envelope(err))
		return
	}
	c.Status(http.StatusNoContent)
}
