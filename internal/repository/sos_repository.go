package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crisisline/backend/internal/models"
)

// SOSFilter narrows the result set returned by List; every field is
// optional, matching the teacher's dynamic WHERE-clause builder.
type SOSFilter struct {
	Status     *models.SOSStatus
	Department *models.Department
	Source     *models.SOSSource
	PatientID  *uuid.UUID
	Since      *time.Time
	Limit      int
	Offset     int
}

// SOSRepository persists SOSRequest records.
type SOSRepository struct {
	db *sql.DB
}

func NewSOSRepository(db *sql.DB) *SOSRepository {
	return &SOSRepository{db: db}
}

func (r *SOSRepository) Create(ctx context.Context, s *models.SOSRequest) error {
	query := `
		INSERT INTO sos_requests
			(id, patient_id, phone, lat, lng, patient_status, severity, message, source, status,
			 routed_department, facility_notified_id, origin_facility_id, event_id, mesh_message_id,
			 relay_device_id, hop_count, original_timestamp, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, NOW(), NOW())
		RETURNING created_at, updated_at`
	return r.db.QueryRowContext(ctx, query,
		s.ID, s.PatientID, s.Phone, s.Lat, s.Lng, s.PatientStatus, s.Severity, s.Message, s.Source, s.Status,
		s.RoutedDepartment, s.FacilityNotifiedID, s.OriginFacilityID, nullableString(s.EventID),
		nullableString(s.MeshMessageID), nullableString(s.RelayDeviceID), s.HopCount, s.OriginalTimestamp,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// ExistsByMeshMessageID backs the Crypto & Dedup module's idempotency
// check for mesh-relayed and synced SOS reports: a message ID seen before
// must not be ingested twice, mirroring the teacher's ExistsByObitoID
// lookup. Both sources share the mesh_message_id index per spec §3.
func (r *SOSRepository) ExistsByMeshMessageID(ctx context.Context, meshMessageID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM sos_requests WHERE mesh_message_id = $1)`, meshMessageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check mesh message dedup: %w", err)
	}
	return exists, nil
}

// GetByMeshMessageID returns the row owning a mesh_message_id, used to
// return the prior sos_id on a duplicate submission.
func (r *SOSRepository) GetByMeshMessageID(ctx context.Context, meshMessageID string) (*models.SOSRequest, error) {
	row := r.db.QueryRowContext(ctx, baseSOSSelect+` WHERE mesh_message_id = $1`, meshMessageID)
	return scanSOSRow(row.Scan)
}

// GetByEventID returns the row created from a given caller-supplied
// event_id, used for sync sos_create idempotency.
func (r *SOSRepository) GetByEventID(ctx context.Context, eventID string) (*models.SOSRequest, error) {
	row := r.db.QueryRowContext(ctx, baseSOSSelect+` WHERE event_id = $1`, eventID)
	return scanSOSRow(row.Scan)
}

func (r *SOSRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SOSRequest, error) {
	row := r.db.QueryRowContext(ctx, baseSOSSelect+` WHERE id = $1`, id)
	return scanSOSRow(row.Scan)
}

const baseSOSSelect = `
	SELECT id, patient_id, phone, lat, lng, patient_status, severity, message, source, status,
	       routed_department, facility_notified_id, origin_facility_id, event_id, mesh_message_id,
	       relay_device_id, hop_count, original_timestamp, triage_risk_level, triage_urgency,
	       auto_resolved, resolved_at, created_at, updated_at
	FROM sos_requests`

func scanSOSRow(scan func(...interface{}) error) (*models.SOSRequest, error) {
	var s models.SOSRequest
	var patientID, facilityNotifiedID, originFacilityID sql.NullString
	var message, eventID, meshMessageID, relayDeviceID sql.NullString
	var routedDept, riskLevel, urgency sql.NullString
	var originalTimestamp, resolvedAt sql.NullTime

	err := scan(&s.ID, &patientID, &s.Phone, &s.Lat, &s.Lng, &s.PatientStatus, &s.Severity, &message, &s.Source, &s.Status,
		&routedDept, &facilityNotifiedID, &originFacilityID, &eventID, &meshMessageID, &relayDeviceID, &s.HopCount,
		&originalTimestamp, &riskLevel, &urgency, &s.AutoResolved, &resolvedAt, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, models.ErrSOSRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan sos request: %w", err)
	}
	if patientID.Valid {
		if id, err := uuid.Parse(patientID.String); err == nil {
			s.PatientID = &id
		}
	}
	if facilityNotifiedID.Valid {
		if id, err := uuid.Parse(facilityNotifiedID.String); err == nil {
			s.FacilityNotifiedID = &id
		}
	}
	if originFacilityID.Valid {
		if id, err := uuid.Parse(originFacilityID.String); err == nil {
			s.OriginFacilityID = &id
		}
	}
	s.Message = message.String
	s.EventID = eventID.String
	s.MeshMessageID = meshMessageID.String
	s.RelayDeviceID = relayDeviceID.String
	if routedDept.Valid {
		d := models.Department(routedDept.String)
		s.RoutedDepartment = &d
	}
	if riskLevel.Valid {
		rl := models.RiskLevel(riskLevel.String)
		s.TriageRiskLevel = &rl
	}
	if urgency.Valid {
		u := models.ResponseUrgency(urgency.String)
		s.TriageUrgency = &u
	}
	if originalTimestamp.Valid {
		s.OriginalTimestamp = &originalTimestamp.Time
	}
	if resolvedAt.Valid {
		s.ResolvedAt = &resolvedAt.Time
	}
	return &s, nil
}

// List applies SOSFilter as a dynamically-built WHERE clause, following the
// teacher's incrementing-$N placeholder pattern.
func (r *SOSRepository) List(ctx context.Context, filter SOSFilter) ([]*models.SOSRequest, error) {
	query := baseSOSSelect
	var conditions []string
	var args []interface{}
	argN := 1

	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argN))
		args = append(args, *filter.Status)
		argN++
	}
	if filter.Department != nil {
		conditions = append(conditions, fmt.Sprintf("routed_department = $%d", argN))
		args = append(args, *filter.Department)
		argN++
	}
	if filter.Source != nil {
		conditions = append(conditions, fmt.Sprintf("source = $%d", argN))
		args = append(args, *filter.Source)
		argN++
	}
	if filter.PatientID != nil {
		conditions = append(conditions, fmt.Sprintf("patient_id = $%d", argN))
		args = append(args, *filter.PatientID)
		argN++
	}
	if filter.Since != nil {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argN))
		args = append(args, *filter.Since)
		argN++
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argN, argN+1)
	args = append(args, limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sos requests: %w", err)
	}
	defer rows.Close()
	return scanSOSRows(rows)
}

// ListActiveByPatient returns the subset of a single patient's SOSRequests
// still in a non-terminal state, the Resolution Watcher's per-trigger read.
func (r *SOSRepository) ListActiveByPatient(ctx context.Context, patientID uuid.UUID) ([]*models.SOSRequest, error) {
	query := baseSOSSelect + ` WHERE patient_id = $1 AND status IN ('pending', 'acknowledged', 'dispatched') ORDER BY created_at ASC`
	rows, err := r.db.QueryContext(ctx, query, patientID)
	if err != nil {
		return nil, fmt.Errorf("list active sos requests by patient: %w", err)
	}
	defer rows.Close()
	return scanSOSRows(rows)
}

// ListActive returns every SOSRequest still in an active (non-terminal)
// state, the candidate set the Verification Loop sweeps periodically.
func (r *SOSRepository) ListActive(ctx context.Context) ([]*models.SOSRequest, error) {
	query := baseSOSSelect + ` WHERE status IN ('pending', 'acknowledged', 'dispatched') ORDER BY created_at ASC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active sos requests: %w", err)
	}
	defer rows.Close()
	return scanSOSRows(rows)
}

// ListNearActive returns SOSRequests of any status within an approximate
// square window (±0.03° by default) created since the given time, the Verification Loop's
// "related SOS set" per spec §4.6, and §9's resolved approximation choice.
func (r *SOSRepository) ListNearActive(ctx context.Context, lat, lng, degreeWindow float64, since time.Time) ([]*models.SOSRequest, error) {
	query := baseSOSSelect + `
		WHERE lat BETWEEN $1 AND $2 AND lng BETWEEN $3 AND $4 AND created_at >= $5
		ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, lat-degreeWindow, lat+degreeWindow, lng-degreeWindow, lng+degreeWindow, since)
	if err != nil {
		return nil, fmt.Errorf("list near active sos requests: %w", err)
	}
	defer rows.Close()
	return scanSOSRows(rows)
}

func scanSOSRows(rows *sql.Rows) ([]*models.SOSRequest, error) {
	var out []*models.SOSRequest
	for rows.Next() {
		s, err := scanSOSRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan sos row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateStatus persists a status transition. Callers are expected to have
// already validated the transition via SOSStatus.CanTransitionTo.
func (r *SOSRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.SOSStatus, autoResolved bool, resolvedAt *time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sos_requests SET status = $1, auto_resolved = $2, resolved_at = $3, updated_at = NOW() WHERE id = $4`,
		status, autoResolved, resolvedAt, id)
	if err != nil {
		return fmt.Errorf("update sos status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return models.ErrSOSRequestNotFound
	}
	return nil
}

// SetOriginFacility records the facility (if any) within HOSPITAL_ORIGIN_RADIUS
// of the SOS at creation time, used later to defeat auto-resolution.
func (r *SOSRepository) SetOriginFacility(ctx context.Context, id uuid.UUID, facilityID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sos_requests SET origin_facility_id = $1, updated_at = NOW() WHERE id = $2`, facilityID, id)
	if err != nil {
		return fmt.Errorf("set sos origin facility: %w", err)
	}
	return nil
}

// SetTriageResult persists the Triage Orchestrator's classification and
// routing decision.
func (r *SOSRepository) SetTriageResult(ctx context.Context, id uuid.UUID, risk models.RiskLevel, urgency models.ResponseUrgency, department models.Department, targetFacilityID *uuid.UUID) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sos_requests SET triage_risk_level = $1, triage_urgency = $2, routed_department = $3, facility_notified_id = $4, updated_at = NOW() WHERE id = $5`,
		risk, urgency, department, targetFacilityID, id)
	if err != nil {
		return fmt.Errorf("set triage result: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return models.ErrSOSRequestNotFound
	}
	return nil
}
