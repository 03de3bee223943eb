package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/crisisline/backend/internal/models"
)

// IntelChannelRepository persists IntelChannel records and their polling
// watermark, the durable cursor the Intel Pipeline resumes from.
type IntelChannelRepository struct {
	db *sql.DB
}

func NewIntelChannelRepository(db *sql.DB) *IntelChannelRepository {
	return &IntelChannelRepository{db: db}
}

const baseIntelChannelSelect = `
	SELECT id, external_id, name, monitoring_status, trust_score, total_reports, verified_reports,
	       false_reports, unverified_reports, notes, last_watermark, last_polled_at, created_at, updated_at
	FROM intel_channels`

func (r *IntelChannelRepository) Create(ctx context.Context, c *models.IntelChannel) error {
	if c.TrustScore == 0 {
		c.TrustScore = models.DefaultChannelTrustScore
	}
	notes, err := json.Marshal(c.Notes)
	if err != nil {
		return fmt.Errorf("marshal intel channel notes: %w", err)
	}
	query := `
		INSERT INTO intel_channels
			(id, external_id, name, monitoring_status, trust_score, total_reports, verified_reports,
			 false_reports, unverified_reports, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, 0, 0, 0, $6, NOW(), NOW())
		RETURNING created_at, updated_at`
	return r.db.QueryRowContext(ctx, query,
		c.ID, c.ExternalID, c.Name, c.MonitoringStatus, c.TrustScore, notes,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
}

// ListPollable returns every channel whose monitoring_status allows the
// next pipeline sweep to visit it.
func (r *IntelChannelRepository) ListPollable(ctx context.Context) ([]*models.IntelChannel, error) {
	rows, err := r.db.QueryContext(ctx, baseIntelChannelSelect+` WHERE monitoring_status = 'active' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list pollable intel channels: %w", err)
	}
	defer rows.Close()

	var out []*models.IntelChannel
	for rows.Next() {
		c, err := scanIntelChannelRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanIntelChannelRow(scan func(...interface{}) error) (*models.IntelChannel, error) {
	var c models.IntelChannel
	var watermark sql.NullString
	var lastPolled sql.NullTime
	var notes []byte
	if err := scan(&c.ID, &c.ExternalID, &c.Name, &c.MonitoringStatus, &c.TrustScore, &c.TotalReports,
		&c.VerifiedReports, &c.FalseReports, &c.UnverifiedReports, &notes, &watermark, &lastPolled,
		&c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan intel channel row: %w", err)
	}
	c.LastWatermark = watermark.String
	if lastPolled.Valid {
		c.LastPolledAt = &lastPolled.Time
	}
	if len(notes) > 0 {
		_ = json.Unmarshal(notes, &c.Notes)
	}
	return &c, nil
}

func (r *IntelChannelRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.IntelChannel, error) {
	row := r.db.QueryRowContext(ctx, baseIntelChannelSelect+` WHERE id = $1`, id)
	c, err := scanIntelChannelRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, models.ErrIntelChannelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan intel channel: %w", err)
	}
	return c, nil
}

func (r *IntelChannelRepository) GetByExternalID(ctx context.Context, externalID string) (*models.IntelChannel, error) {
	row := r.db.QueryRowContext(ctx, baseIntelChannelSelect+` WHERE external_id = $1`, externalID)
	c, err := scanIntelChannelRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, models.ErrIntelChannelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan intel channel: %w", err)
	}
	return c, nil
}

// AdvanceWatermark persists the cursor after a successful poll, the same
// "save progress after each batch" idiom the pep-agent poller uses for its
// file-backed watermark, adapted here to a database column.
func (r *IntelChannelRepository) AdvanceWatermark(ctx context.Context, id uuid.UUID, watermark string, polledAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE intel_channels SET last_watermark = $1, last_polled_at = $2, updated_at = NOW() WHERE id = $3`,
		watermark, polledAt, id)
	if err != nil {
		return fmt.Errorf("advance intel channel watermark: %w", err)
	}
	return nil
}

// SetMonitoringStatus pauses, resumes, or blacklists a channel, the
// operator-facing control surface over the pipeline's trust gate.
func (r *IntelChannelRepository) SetMonitoringStatus(ctx context.Context, id uuid.UUID, status models.MonitoringStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE intel_channels SET monitoring_status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("set intel channel monitoring status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return models.ErrIntelChannelNotFound
	}
	return nil
}

// ApplyTrustUpdate persists the full post-ApplyTrustDelta state of a
// channel: trust score, counters, blacklist status, and the rolling note
// buffer, in one statement per the Verification Loop's per-event write.
func (r *IntelChannelRepository) ApplyTrustUpdate(ctx context.Context, c *models.IntelChannel) error {
	notes, err := json.Marshal(c.Notes)
	if err != nil {
		return fmt.Errorf("marshal intel channel notes: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE intel_channels
		SET trust_score = $1, total_reports = $2, verified_reports = $3, false_reports = $4,
		    unverified_reports = $5, notes = $6, monitoring_status = $7, updated_at = NOW()
		WHERE id = $8`,
		c.TrustScore, c.TotalReports, c.VerifiedReports, c.FalseReports, c.UnverifiedReports,
		notes, c.MonitoringStatus, c.ID)
	if err != nil {
		return fmt.Errorf("apply intel channel trust update: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return models.ErrIntelChannelNotFound
	}
	return nil
}
