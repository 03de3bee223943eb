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

// AlertRepository persists Alert records.
type AlertRepository struct {
	db *sql.DB
}

func NewAlertRepository(db *sql.DB) *AlertRepository {
	return &AlertRepository{db: db}
}

func (r *AlertRepository) Create(ctx context.Context, a *models.Alert) error {
	if a.ExpiresAt.IsZero() {
		a.ExpiresAt = time.Now().Add(models.DefaultAlertTTL)
	}
	meta, err := marshalMetadata(a.Metadata)
	if err != nil {
		return fmt.Errorf("marshal alert metadata: %w", err)
	}
	query := `
		INSERT INTO alerts
			(id, sos_request_id, event_type, severity, department, lat, lng, radius_meters,
			 message, source, confidence, target_facility_id, metadata, transfer_suggested,
			 matched_patients, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NOW())
		RETURNING created_at`
	return r.db.QueryRowContext(ctx, query,
		a.ID, a.SOSRequestID, a.EventType, a.Severity, a.Department, a.Lat, a.Lng, a.RadiusMeters,
		a.Message, a.Source, a.Confidence, a.TargetFacilityID, meta, a.TransferSuggested,
		a.MatchedPatients, a.ExpiresAt,
	).Scan(&a.CreatedAt)
}

const baseAlertSelect = `
	SELECT id, sos_request_id, event_type, severity, department, lat, lng, radius_meters,
	       message, source, confidence, target_facility_id, metadata, transfer_suggested,
	       matched_patients, acknowledged_by, acknowledged_at, false_alarm, expires_at, created_at
	FROM alerts`

func scanAlertRow(scan func(...interface{}) error) (*models.Alert, error) {
	var a models.Alert
	var sosID, targetFacilityID, ackBy sql.NullString
	var dept sql.NullString
	var ackAt sql.NullTime
	var meta []byte
	if err := scan(&a.ID, &sosID, &a.EventType, &a.Severity, &dept, &a.Lat, &a.Lng, &a.RadiusMeters,
		&a.Message, &a.Source, &a.Confidence, &targetFacilityID, &meta, &a.TransferSuggested,
		&a.MatchedPatients, &ackBy, &ackAt, &a.FalseAlarm, &a.ExpiresAt, &a.CreatedAt); err != nil {
		return nil, err
	}
	if sosID.Valid {
		if id, err := uuid.Parse(sosID.String); err == nil {
			a.SOSRequestID = &id
		}
	}
	if dept.Valid {
		d := models.Department(dept.String)
		a.Department = &d
	}
	if targetFacilityID.Valid {
		if id, err := uuid.Parse(targetFacilityID.String); err == nil {
			a.TargetFacilityID = &id
		}
	}
	if ackBy.Valid {
		if id, err := uuid.Parse(ackBy.String); err == nil {
			a.AcknowledgedBy = &id
		}
	}
	if ackAt.Valid {
		a.AcknowledgedAt = &ackAt.Time
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &a.Metadata)
	}
	return &a, nil
}

func (r *AlertRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Alert, error) {
	row := r.db.QueryRowContext(ctx, baseAlertSelect+` WHERE id = $1`, id)
	a, err := scanAlertRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, models.ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	return a, nil
}

// ListByDepartment returns recent alerts routed to department, the feed
// backing a department console room subscription.
func (r *AlertRepository) ListByDepartment(ctx context.Context, department models.Department, limit int) ([]*models.Alert, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		baseAlertSelect+` WHERE department = $1 ORDER BY created_at DESC LIMIT $2`, department, limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts by department: %w", err)
	}
	defer rows.Close()
	return scanAlertRows(rows)
}

// ListByFacility returns recent alerts targeting a specific facility.
func (r *AlertRepository) ListByFacility(ctx context.Context, facilityID uuid.UUID, limit int) ([]*models.Alert, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		baseAlertSelect+` WHERE target_facility_id = $1 ORDER BY created_at DESC LIMIT $2`, facilityID, limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts by facility: %w", err)
	}
	defer rows.Close()
	return scanAlertRows(rows)
}

func scanAlertRows(rows *sql.Rows) ([]*models.Alert, error) {
	var out []*models.Alert
	for rows.Next() {
		a, err := scanAlertRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan alert row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Acknowledge sets acknowledged_by, idempotently overwriting any previous
// acknowledger per spec's "most recent acknowledger wins" rule.
func (r *AlertRepository) Acknowledge(ctx context.Context, id uuid.UUID, facilityID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE alerts SET acknowledged_by = $2, acknowledged_at = NOW() WHERE id = $1`, id, facilityID)
	if err != nil {
		return fmt.Errorf("acknowledge alert: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return models.ErrAlertNotFound
	}
	return nil
}

func (r *AlertRepository) MarkFalseAlarm(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `UPDATE alerts SET false_alarm = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark alert false alarm: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return models.ErrAlertNotFound
	}
	return nil
}
