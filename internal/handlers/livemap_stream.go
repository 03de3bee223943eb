package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crisisline/backend/internal/bus"
)

var liveMapSSEHub *bus.LiveMapSSEHub

// SetLiveMapSSEHub wires this handler file's package-level state.
func SetLiveMapSSEHub(hub *bus.LiveMapSSEHub) {
	liveMapSSEHub = hub
}

// LiveMapStream serves the live map's plain-EventSource surface, kept
// alongside the room-based WebSocket hub for browsers that only want a
// one-way stream.
// GET /api/v1/map/stream
func LiveMapStream(c *gin.Context) {
	if liveMapSSEHub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "live map stream not available"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	client := bus.NewSSEClient()
	liveMapSSEHub.RegisterClient(client)
	defer liveMapSSEHub.UnregisterClient(client.ID)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done:
			return
		case env, ok := <-client.Channel:
			if !ok {
				return
			}
			frame, err := bus.EncodeSSEFrame(env)
			if err != nil {
				continue
			}
			if _, err := c.Writer.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// LiveMapStreamHealth reports the SSE hub's connection and broadcast
// counters, the same health-surface shape the teacher exposes for its
// notification hub.
// GET /api/v1/health/map-stream
func LiveMapStreamHealth(c *gin.Context) {
	if liveMapSSEHub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": "hub not initialized"})
		return
	}
	stats := liveMapSSEHub.GetStats()
	status := http.StatusOK
	if !liveMapSSEHub.IsRunning() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, stats)
}
