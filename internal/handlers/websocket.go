package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/crisisline/backend/internal/bus"
	"github.com/crisisline/backend/internal/models"
)

var wsHub *bus.Hub

// SetBusHub wires this handler file's package-level state.
func SetBusHub(hub *bus.Hub) {
	wsHub = hub
}

// ServeWebSocket upgrades the connection and joins it to every room named
// in the ?rooms= query parameter (comma-separated): fixed rooms (alerts,
// livemap, telegram) or dynamic ones (hospital_<id>, dept_<name>,
// patient_<id>).
// GET /ws
func ServeWebSocket(c *gin.Context) {
	raw := c.Query("rooms")
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rooms query parameter is required"})
		return
	}

	var rooms []models.Room
	for _, r := range strings.Split(raw, ",") {
		r = strings.TrimSpace(r)
		if r != "" {
			rooms = append(rooms, models.Room(r))
		}
	}
	if len(rooms) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no valid rooms requested"})
		return
	}

	if err := wsHub.ServeWS(c.Writer, c.Request, rooms); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "websocket upgrade failed"})
		return
	}
}
