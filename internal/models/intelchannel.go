package models

import (
	"time"

	"github.com/google/uuid"
)

// MaxTrustNotes bounds the rolling verification-note buffer kept per channel.
const MaxTrustNotes = 50

// BlacklistTrustThreshold and BlacklistMinReports gate the auto-blacklist
// invariant: a channel goes blacklisted once its trust has fallen below
// threshold and it has accumulated enough reports to trust the signal.
const (
	BlacklistTrustThreshold = 0.15
	BlacklistMinReports     = 5
)

// TrustNote is one entry in a channel's rolling verification history.
type TrustNote struct {
	GeoEventID uuid.UUID `json:"geo_event_id"`
	Verified   bool      `json:"verified"`
	TrustDelta float64   `json:"trust_delta"`
	Reasoning  string    `json:"reasoning,omitempty"`
	At         time.Time `json:"at"`
}

// IntelChannel is an external source (a Telegram channel, a partner feed)
// that the Intel Pipeline polls on a watermark-based schedule.
type IntelChannel struct {
	ID               uuid.UUID        `json:"id" db:"id"`
	ExternalID       string           `json:"external_id" db:"external_id"`
	Name             string           `json:"name" db:"name"`
	MonitoringStatus MonitoringStatus `json:"monitoring_status" db:"monitoring_status"`
	TrustScore       float64          `json:"trust_score" db:"trust_score"`
	TotalReports     int              `json:"total_reports" db:"total_reports"`
	VerifiedReports  int              `json:"verified_reports" db:"verified_reports"`
	FalseReports     int              `json:"false_reports" db:"false_reports"`
	UnverifiedReports int             `json:"unverified_reports" db:"unverified_reports"`
	Notes            []TrustNote      `json:"notes,omitempty" db:"notes"`
	LastWatermark    string           `json:"last_watermark,omitempty" db:"last_watermark"`
	LastPolledAt     *time.Time       `json:"last_polled_at,omitempty" db:"last_polled_at"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at" db:"updated_at"`
}

// DefaultChannelTrustScore is the starting trust assigned to a newly
// registered channel, per spec.
const DefaultChannelTrustScore = 0.5

// IsPollable reports whether the channel should be visited by the next
// pipeline sweep.
func (c *IntelChannel) IsPollable() bool {
	return c.MonitoringStatus == MonitoringActive
}

// ApplyTrustDelta folds a verification outcome into the channel's rolling
// trust state and auto-blacklist policy, matching spec §4.6 steps 5-6.
func (c *IntelChannel) ApplyTrustDelta(geoEventID uuid.UUID, verified bool, confidence, trustDelta float64, reasoning string, at time.Time) {
	c.TrustScore = clamp(0, 1, c.TrustScore+trustDelta)
	c.TotalReports++
	switch {
	case confidence < 0.3:
		c.FalseReports++
	case verified:
		c.VerifiedReports++
	default:
		c.UnverifiedReports++
	}
	c.Notes = append(c.Notes, TrustNote{
		GeoEventID: geoEventID,
		Verified:   verified,
		TrustDelta: trustDelta,
		Reasoning:  reasoning,
		At:         at,
	})
	if len(c.Notes) > MaxTrustNotes {
		c.Notes = c.Notes[len(c.Notes)-MaxTrustNotes:]
	}
	if c.TrustScore < BlacklistTrustThreshold && c.TotalReports >= BlacklistMinReports {
		c.MonitoringStatus = MonitoringBlacklisted
	}
}

func clamp(lo, hi, v float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// IntelMessage is a single parsed message pulled from an IntelChannel,
// geotagged and classified before being folded into the GeoEvent store.
type IntelMessage struct {
	ID            uuid.UUID  `json:"id" db:"id"`
	ChannelID     uuid.UUID  `json:"channel_id" db:"channel_id"`
	ExternalMsgID string     `json:"external_msg_id" db:"external_msg_id"`
	RawText       string     `json:"raw_text" db:"raw_text"`
	ExtractedLat  *float64   `json:"extracted_lat,omitempty" db:"extracted_lat"`
	ExtractedLng  *float64   `json:"extracted_lng,omitempty" db:"extracted_lng"`
	EventType     *EventType `json:"event_type,omitempty" db:"event_type"`
	Confidence    float64    `json:"confidence" db:"confidence"`
	GeoEventID    *uuid.UUID `json:"geo_event_id,omitempty" db:"geo_event_id"`
	PublishedAt   time.Time  `json:"published_at" db:"published_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

// IntelChannelResponse is the read-facing projection of an IntelChannel.
type IntelChannelResponse struct {
	ID               uuid.UUID        `json:"id"`
	Name             string           `json:"name"`
	MonitoringStatus MonitoringStatus `json:"monitoring_status"`
	TrustScore       float64          `json:"trust_score"`
	TotalReports     int              `json:"total_reports"`
	LastPolledAt     *time.Time       `json:"last_polled_at,omitempty"`
}

func (c *IntelChannel) ToResponse() *IntelChannelResponse {
	return &IntelChannelResponse{
		ID:               c.ID,
		Name:             c.Name,
		MonitoringStatus: c.MonitoringStatus,
		TrustScore:       c.TrustScore,
		TotalReports:     c.TotalReports,
		LastPolledAt:     c.LastPolledAt,
	}
}
