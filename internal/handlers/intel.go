package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/crisisline/backend/internal/crisiserr"
	"github.com/crisisline/backend/internal/models"
	"github.com/crisisline/backend/internal/repository"
)

var intelChannelRepo *repository.IntelChannelRepository

// SetIntelDependencies wires this handler file's package-level state.
func SetIntelDependencies(repo *repository.IntelChannelRepository) {
	intelChannelRepo = repo
}

type setChannelMonitoringPayload struct {
	Status models.MonitoringStatus `json:"status" validate:"required"`
}

// SetChannelMonitoringStatus is the operator control over a channel's place
// in the Intel Pipeline's poll rotation: pause it, resume it, or blacklist
// it outright. The Verification Loop's auto-blacklist only ever writes the
// blacklisted state (via ApplyTrustUpdate); this sets any of the three.
// POST /api/v1/admin/intel/channels/:id/monitoring-status
func SetChannelMonitoringStatus(c *gin.Context) {
	channelID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channel id"})
		return
	}

	var body setChannelMonitoringPayload
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, crisiserr.ErrorResponse{Kind: crisiserr.KindValidation, Message: err.Error()})
		return
	}
	switch body.Status {
	case models.MonitoringActive, models.MonitoringPaused, models.MonitoringBlacklisted:
	default:
		c.JSON(http.StatusBadRequest, crisiserr.ErrorResponse{Kind: crisiserr.KindValidation, Message: "unknown monitoring status"})
		return
	}

	if err := intelChannelRepo.SetMonitoringStatus(c.Request.Context(), channelID, body.Status); err != nil {
		c.JSON(crisiserr.StatusFor(err), crisiserr.Envelope(err))
		return
	}
	c.Status(http.StatusNoContent)
}
