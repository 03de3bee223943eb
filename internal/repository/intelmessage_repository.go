package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/crisisline/backend/internal/models"
)

// IntelMessageRepository persists parsed IntelMessage records and backs the
// Crypto & Dedup module's per-channel idempotency check on external
// message IDs.
type IntelMessageRepository struct {
	db *sql.DB
}

func NewIntelMessageRepository(db *sql.DB) *IntelMessageRepository {
	return &IntelMessageRepository{db: db}
}

func (r *IntelMessageRepository) Create(ctx context.Context, m *models.IntelMessage) error {
	query := `
		INSERT INTO intel_messages
			(id, channel_id, external_msg_id, raw_text, extracted_lat, extracted_lng,
			 event_type, confidence, geo_event_id, published_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		RETURNING created_at`
	return r.db.QueryRowContext(ctx, query,
		m.ID, m.ChannelID, m.ExternalMsgID, m.RawText, m.ExtractedLat, m.ExtractedLng,
		m.EventType, m.Confidence, m.GeoEventID, m.PublishedAt,
	).Scan(&m.CreatedAt)
}

// GetByGeoEventID finds the message that produced a given GeoEvent, the
// Verification Loop's way back to the channel whose trust score its
// verification outcome must update.
func (r *IntelMessageRepository) GetByGeoEventID(ctx context.Context, geoEventID uuid.UUID) (*models.IntelMessage, error) {
	query := `
		SELECT id, channel_id, external_msg_id, raw_text, extracted_lat, extracted_lng,
		       event_type, confidence, geo_event_id, published_at, created_at
		FROM intel_messages WHERE geo_event_id = $1`
	var m models.IntelMessage
	var lat, lng sql.NullFloat64
	var eventType sql.NullString
	var gid sql.NullString
	err := r.db.QueryRowContext(ctx, query, geoEventID).Scan(&m.ID, &m.ChannelID, &m.ExternalMsgID, &m.RawText,
		&lat, &lng, &eventType, &m.Confidence, &gid, &m.PublishedAt, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, models.ErrIntelMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan intel message: %w", err)
	}
	if lat.Valid {
		m.ExtractedLat = &lat.Float64
	}
	if lng.Valid {
		m.ExtractedLng = &lng.Float64
	}
	if eventType.Valid {
		et := models.EventType(eventType.String)
		m.EventType = &et
	}
	if gid.Valid {
		if id, err := uuid.Parse(gid.String); err == nil {
			m.GeoEventID = &id
		}
	}
	return &m, nil
}

// ExistsByExternalID backs dedup of re-delivered messages from the same
// channel, mirroring the SOSRepository's mesh-message idempotency check.
func (r *IntelMessageRepository) ExistsByExternalID(ctx context.Context, channelID uuid.UUID, externalMsgID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM intel_messages WHERE channel_id = $1 AND external_msg_id = $2)`,
		channelID, externalMsgID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check intel message dedup: %w", err)
	}
	return exists, nil
}

func (r *IntelMessageRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.IntelMessage, error) {
	query := `
		SELECT id, channel_id, external_msg_id, raw_text, extracted_lat, extracted_lng,
		       event_type, confidence, geo_event_id, published_at, created_at
		FROM intel_messages WHERE id = $1`
	var m models.IntelMessage
	var lat, lng sql.NullFloat64
	var eventType sql.NullString
	var geoEventID sql.NullString
	err := r.db.QueryRowContext(ctx, query, id).Scan(&m.ID, &m.ChannelID, &m.ExternalMsgID, &m.RawText,
		&lat, &lng, &eventType, &m.Confidence, &geoEventID, &m.PublishedAt, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, models.ErrIntelMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan intel message: %w", err)
	}
	if lat.Valid {
		m.ExtractedLat = &lat.Float64
	}
	if lng.Valid {
		m.ExtractedLng = &lng.Float64
	}
	if eventType.Valid {
		et := models.EventType(eventType.String)
		m.EventType = &et
	}
	if geoEventID.Valid {
		if id, err := uuid.Parse(geoEventID.String); err == nil {
			m.GeoEventID = &id
		}
	}
	return &m, nil
}
