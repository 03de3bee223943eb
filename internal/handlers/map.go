package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/crisisline/backend/internal/geostore"
	"github.com/crisisline/backend/internal/models"
)

var geoStore *geostore.Store

// SetGeoStore wires this handler file's package-level state.
func SetGeoStore(store *geostore.Store) {
	geoStore = store
}

// mapReadFilter parses the live map's common query parameters, shared by
// the raw-event and clustered reads.
func mapReadFilter(c *gin.Context) geostore.ReadFilter {
	f := geostore.ReadFilter{}
	if h := c.Query("hours_back"); h != "" {
		if n, err := strconv.Atoi(h); err == nil {
			f.HoursBack = n
		}
	}
	if s := c.Query("source"); s != "" {
		src := models.GeoEventSource(s)
		f.Source = &src
	}
	if ms := c.Query("min_severity"); ms != "" {
		if n, err := strconv.Atoi(ms); err == nil {
			f.MinSeverity = n
		}
	}
	for _, l := range c.QueryArray("layer") {
		f.Layers = append(f.Layers, models.GeoLayer(l))
	}
	return f
}

// ListMapEvents returns raw GeoEvents for the live map's default
// (not-yet-clustered) view.
// GET /api/v1/map/events
func ListMapEvents(c *gin.Context) {
	events, err := geoStore.Read(c.Request.Context(), mapReadFilter(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]*models.GeoEventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, e.ToResponse())
	}
	c.JSON(http.StatusOK, gin.H{"items": out})
}

// ListMapClusters returns the grid-clustered view used once point density
// crosses the zoomed-out threshold.
// GET /api/v1/map/clusters
func ListMapClusters(c *gin.Context) {
	precision := geostore.DefaultClusterPrecisionDeg
	if p := c.Query("precision_deg"); p != "" {
		if v, err := strconv.ParseFloat(p, 64); err == nil && v > 0 {
			precision = v
		}
	}
	clusters, err := geoStore.Cluster(c.Request.Context(), mapReadFilter(c), precision)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": clusters})
}

// ListMapEventsWithinRadius returns GeoEvents within a radius of a point,
// the query the mobile client runs for its local "near me" view.
// GET /api/v1/map/nearby
func ListMapEventsWithinRadius(c *gin.Context) {
	lat, err1 := strconv.ParseFloat(c.Query("lat"), 64)
	lng, err2 := strconv.ParseFloat(c.Query("lng"), 64)
	if err1 != nil || err2 != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lat and lng query parameters are required"})
		return
	}
	radius := 2000.0
	if r := c.Query("radius_meters"); r != "" {
		if v, err := strconv.ParseFloat(r, 64); err == nil && v > 0 {
			radius = v
		}
	}
	hoursBack := 24
	if h := c.Query("hours_back"); h != "" {
		if n, err := strconv.Atoi(h); err == nil {
			hoursBack = n
		}
	}

	events, err := geoStore.ReadWithinRadius(c.Request.Context(), lat, lng, radius, hoursBack, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]*models.GeoEventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, e.ToResponse())
	}
	c.JSON(http.StatusOK, gin.H{"items": out})
}
