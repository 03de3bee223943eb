package models

import (
	"time"

	"github.com/google/uuid"
)

// GeoEvent is one point plotted on the live map. The Geo Event Store is an
// arena-style append-only log: events are garbage collected once they age
// out of the map's display window, and the only mutation is the
// verification outcome written into Metadata.
type GeoEvent struct {
	ID        uuid.UUID              `json:"id" db:"id"`
	Layer     GeoLayer               `json:"layer" db:"layer"`
	Source    GeoEventSource         `json:"source" db:"source"`
	EventType EventType              `json:"event_type" db:"event_type"`
	Lat       float64                `json:"lat" db:"lat"`
	Lng       float64                `json:"lng" db:"lng"`
	Severity  int                    `json:"severity" db:"severity"`
	RefID     *uuid.UUID             `json:"ref_id,omitempty" db:"ref_id"`
	Title     string                 `json:"title,omitempty" db:"title"`
	Details   string                 `json:"details,omitempty" db:"details"`
	Metadata  map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	ExpiresAt time.Time              `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
}

// DefaultGeoEventTTL is applied when a caller does not set ExpiresAt.
const DefaultGeoEventTTL = 24 * time.Hour

// GeoCluster is a grid cell aggregate returned by the live map's clustered
// read path once point density crosses the clustering threshold.
type GeoCluster struct {
	Lat          float64     `json:"lat"`
	Lng          float64     `json:"lng"`
	Count        int         `json:"count"`
	MaxSeverity  int         `json:"max_severity"`
	AvgSeverity  float64     `json:"avg_severity"`
	EventIDs     []uuid.UUID `json:"event_ids"`
	Layers       []GeoLayer  `json:"layers"`
	MinLat       float64     `json:"min_lat"`
	MaxLat       float64     `json:"max_lat"`
	MinLng       float64     `json:"min_lng"`
	MaxLng       float64     `json:"max_lng"`
}

// GeoEventResponse is the read-facing projection of a GeoEvent.
type GeoEventResponse struct {
	ID        uuid.UUID              `json:"id"`
	Layer     GeoLayer               `json:"layer"`
	Source    GeoEventSource         `json:"source"`
	EventType EventType              `json:"event_type"`
	Lat       float64                `json:"lat"`
	Lng       float64                `json:"lng"`
	Severity  int                    `json:"severity"`
	Title     string                 `json:"title,omitempty"`
	Details   string                 `json:"details,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	ExpiresAt time.Time              `json:"expires_at"`
}

func (e *GeoEvent) ToResponse() *GeoEventResponse {
	return &GeoEventResponse{
		ID:        e.ID,
		Layer:     e.Layer,
		Source:    e.Source,
		EventType: e.EventType,
		Lat:       e.Lat,
		Lng:       e.Lng,
		Severity:  e.Severity,
		Title:     e.Title,
		Details:   e.Details,
		Metadata:  e.Metadata,
		CreatedAt: e.CreatedAt,
		ExpiresAt: e.ExpiresAt,
	}
}
