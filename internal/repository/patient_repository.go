package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/crisisline/backend/internal/models"
)

// PatientRepository persists Patient records with raw SQL over lib/pq,
// following the teacher's repository idiom: no ORM, dynamic WHERE clauses,
// sentinel not-found errors.
type PatientRepository struct {
	db *sql.DB
}

func NewPatientRepository(db *sql.DB) *PatientRepository {
	return &PatientRepository{db: db}
}

func (r *PatientRepository) Create(ctx context.Context, p *models.Patient) error {
	query := `
		INSERT INTO patients (id, phone, full_name, mobility, living_situation, sms_key_salt, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING created_at, updated_at`
	return r.db.QueryRowContext(ctx, query, p.ID, p.Phone, p.FullName, p.Mobility, p.LivingSituation, p.SMSKeySalt).
		Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *PatientRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Patient, error) {
	query := `
		SELECT id, phone, full_name, mobility, living_situation, last_known_lat, last_known_lng,
		       last_seen_at, total_sos_count, false_alarm_count, risk_score, risk_level, sms_key_salt, created_at, updated_at
		FROM patients WHERE id = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

func (r *PatientRepository) GetByPhone(ctx context.Context, phone string) (*models.Patient, error) {
	query := `
		SELECT id, phone, full_name, mobility, living_situation, last_known_lat, last_known_lng,
		       last_seen_at, total_sos_count, false_alarm_count, risk_score, risk_level, sms_key_salt, created_at, updated_at
		FROM patients WHERE phone = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, phone))
}

func (r *PatientRepository) scanOne(row *sql.Row) (*models.Patient, error) {
	var p models.Patient
	var lat, lng sql.NullFloat64
	var lastSeen sql.NullTime
	var riskLevel sql.NullString

	err := row.Scan(&p.ID, &p.Phone, &p.FullName, &p.Mobility, &p.LivingSituation,
		&lat, &lng, &lastSeen, &p.TotalSOSCount, &p.FalseAlarmCount, &p.RiskScore, &riskLevel, &p.SMSKeySalt,
		&p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, models.ErrPatientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan patient: %w", err)
	}
	if lat.Valid {
		p.LastKnownLat = &lat.Float64
	}
	if lng.Valid {
		p.LastKnownLng = &lng.Float64
	}
	if lastSeen.Valid {
		p.LastSeenAt = &lastSeen.Time
	}
	if riskLevel.Valid {
		rl := models.RiskLevel(riskLevel.String)
		p.RiskLevel = &rl
	}
	return &p, nil
}

// UpdateRiskProfile persists the Triage Orchestrator's per-patient risk
// output, the only field on Patient the orchestrator itself writes.
func (r *PatientRepository) UpdateRiskProfile(ctx context.Context, id uuid.UUID, riskScore int, riskLevel models.RiskLevel) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE patients SET risk_score = $1, risk_level = $2, updated_at = NOW() WHERE id = $3`,
		riskScore, riskLevel, id)
	if err != nil {
		return fmt.Errorf("update patient risk profile: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return models.ErrPatientNotFound
	}
	return nil
}

// UpdateLocation records the patient's last known position, used by the
// Resolution Watcher's trigger on every inbound location ping.
func (r *PatientRepository) UpdateLocation(ctx context.Context, id uuid.UUID, lat, lng float64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE patients SET last_known_lat = $1, last_known_lng = $2, last_seen_at = NOW(), updated_at = NOW() WHERE id = $3`,
		lat, lng, id)
	if err != nil {
		return fmt.Errorf("update patient location: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return models.ErrPatientNotFound
	}
	return nil
}

// IncrementSOSCount bumps the rolling SOS counter used by TrustScore.
func (r *PatientRepository) IncrementSOSCount(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE patients SET total_sos_count = total_sos_count + 1, updated_at = NOW() WHERE id = $1`, id)
	return err
}

// IncrementFalseAlarmCount bumps the false-alarm counter used by
// TrustScore when an Alert is reported false.
func (r *PatientRepository) IncrementFalseAlarmCount(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE patients SET false_alarm_count = false_alarm_count + 1, updated_at = NOW() WHERE id = $1`, id)
	return err
}

// ListWithinRadius returns every patient whose last known position is
// within radiusMeters of (lat, lng), used by the Alert Engine's radius
// match. Computed server-side via the earthdistance-free haversine formula
// written out as raw SQL, avoiding a PostGIS dependency the pack never uses.
func (r *PatientRepository) ListWithinRadius(ctx context.Context, lat, lng, radiusMeters float64) ([]*models.Patient, error) {
	query := `
		SELECT id, phone, full_name, mobility, living_situation, last_known_lat, last_known_lng,
		       last_seen_at, total_sos_count, false_alarm_count, risk_score, risk_level, sms_key_salt, created_at, updated_at
		FROM patients
		WHERE last_known_lat IS NOT NULL AND last_known_lng IS NOT NULL
		  AND 6371000 * acos(
		        cos(radians($1)) * cos(radians(last_known_lat)) * cos(radians(last_known_lng) - radians($2))
		        + sin(radians($1)) * sin(radians(last_known_lat))
		      ) <= $3`
	rows, err := r.db.QueryContext(ctx, query, lat, lng, radiusMeters)
	if err != nil {
		return nil, fmt.Errorf("list patients within radius: %w", err)
	}
	defer rows.Close()

	var out []*models.Patient
	for rows.Next() {
		var p models.Patient
		var plat, plng sql.NullFloat64
		var lastSeen sql.NullTime
		var riskLevel sql.NullString
		if err := rows.Scan(&p.ID, &p.Phone, &p.FullName, &p.Mobility, &p.LivingSituation,
			&plat, &plng, &lastSeen, &p.TotalSOSCount, &p.FalseAlarmCount, &p.RiskScore, &riskLevel, &p.SMSKeySalt,
			&p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan patient row: %w", err)
		}
		if plat.Valid {
			p.LastKnownLat = &plat.Float64
		}
		if plng.Valid {
			p.LastKnownLng = &plng.Float64
		}
		if lastSeen.Valid {
			p.LastSeenAt = &lastSeen.Time
		}
		if riskLevel.Valid {
			rl := models.RiskLevel(riskLevel.String)
			p.RiskLevel = &rl
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
