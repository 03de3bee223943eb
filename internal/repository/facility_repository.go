package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/crisisline/backend/internal/models"
)

// FacilityRepository persists Facility records.
type FacilityRepository struct {
	db *sql.DB
}

func NewFacilityRepository(db *sql.DB) *FacilityRepository {
	return &FacilityRepository{db: db}
}

const baseFacilitySelect = `
	SELECT id, name, type, status, lat, lng, coverage_radius_meters, bed_capacity, icu_beds,
	       available_beds, supply_levels, phone, created_at, updated_at
	FROM facilities`

func (r *FacilityRepository) Create(ctx context.Context, f *models.Facility) error {
	if f.CoverageRadiusMeters <= 0 {
		f.CoverageRadiusMeters = models.DefaultCoverageRadiusMeters
	}
	supply, err := marshalMetadataStringMap(f.SupplyLevels)
	if err != nil {
		return fmt.Errorf("marshal supply levels: %w", err)
	}
	query := `
		INSERT INTO facilities
			(id, name, type, status, lat, lng, coverage_radius_meters, bed_capacity, icu_beds,
			 available_beds, supply_levels, phone, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		RETURNING created_at, updated_at`
	return r.db.QueryRowContext(ctx, query,
		f.ID, f.Name, f.Type, f.Status, f.Lat, f.Lng, f.CoverageRadiusMeters, f.BedCapacity, f.ICUBeds,
		f.AvailableBeds, supply, f.Phone,
	).Scan(&f.CreatedAt, &f.UpdatedAt)
}

func marshalMetadataStringMap(m map[string]string) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func scanFacilityRow(scan func(...interface{}) error) (*models.Facility, error) {
	var f models.Facility
	var bedCapacity, icuBeds, availableBeds sql.NullInt64
	var supply []byte
	var phone sql.NullString
	if err := scan(&f.ID, &f.Name, &f.Type, &f.Status, &f.Lat, &f.Lng, &f.CoverageRadiusMeters,
		&bedCapacity, &icuBeds, &availableBeds, &supply, &phone, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	if bedCapacity.Valid {
		c := int(bedCapacity.Int64)
		f.BedCapacity = &c
	}
	if icuBeds.Valid {
		c := int(icuBeds.Int64)
		f.ICUBeds = &c
	}
	if availableBeds.Valid {
		c := int(availableBeds.Int64)
		f.AvailableBeds = &c
	}
	if len(supply) > 0 {
		_ = json.Unmarshal(supply, &f.SupplyLevels)
	}
	f.Phone = phone.String
	return &f, nil
}

func (r *FacilityRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Facility, error) {
	row := r.db.QueryRowContext(ctx, baseFacilitySelect+` WHERE id = $1`, id)
	f, err := scanFacilityRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, models.ErrFacilityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan facility: %w", err)
	}
	return f, nil
}

// ListByType returns every facility of the given type, used to pick an
// auto-resolution target when an SOS goes quiet near a hospital.
func (r *FacilityRepository) ListByType(ctx context.Context, t models.FacilityType) ([]*models.Facility, error) {
	rows, err := r.db.QueryContext(ctx, baseFacilitySelect+` WHERE type = $1 ORDER BY name`, t)
	if err != nil {
		return nil, fmt.Errorf("list facilities by type: %w", err)
	}
	defer rows.Close()
	return scanFacilityRows(rows)
}

func scanFacilityRows(rows *sql.Rows) ([]*models.Facility, error) {
	var out []*models.Facility
	for rows.Next() {
		f, err := scanFacilityRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan facility row: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ListWithinRadius returns every facility (any status) within radiusMeters
// of (lat, lng), the predicate the ingestion router uses to set
// origin_facility_id regardless of operational status.
func (r *FacilityRepository) ListWithinRadius(ctx context.Context, lat, lng, radiusMeters float64) ([]*models.Facility, error) {
	degreePad := radiusMeters/111000.0 + 0.01
	query := baseFacilitySelect + `
		WHERE lat BETWEEN $1 AND $2 AND lng BETWEEN $3 AND $4
		  AND 6371000 * acos(
			LEAST(1.0, cos(radians($5)) * cos(radians(lat)) * cos(radians(lng) - radians($6))
			+ sin(radians($5)) * sin(radians(lat)))
		  ) <= $7
		ORDER BY 6371000 * acos(
			LEAST(1.0, cos(radians($5)) * cos(radians(lat)) * cos(radians(lng) - radians($6))
			+ sin(radians($5)) * sin(radians(lat)))
		) ASC`
	rows, err := r.db.QueryContext(ctx, query, lat-degreePad, lat+degreePad, lng-degreePad, lng+degreePad, lat, lng, radiusMeters)
	if err != nil {
		return nil, fmt.Errorf("list facilities within radius: %w", err)
	}
	defer rows.Close()
	return scanFacilityRows(rows)
}

// ListOperationalWithinRadius is ListWithinRadius restricted to operational
// and limited-status facilities, the Resolution Watcher's candidate query.
func (r *FacilityRepository) ListOperationalWithinRadius(ctx context.Context, lat, lng, radiusMeters float64) ([]*models.Facility, error) {
	all, err := r.ListWithinRadius(ctx, lat, lng, radiusMeters)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Facility, 0, len(all))
	for _, f := range all {
		if f.Status.IsOperational() {
			out = append(out, f)
		}
	}
	return out, nil
}

// NearestOperational finds the closest operational facility of type t to
// (lat, lng), ordered by the same haversine formula used for patient radius
// matching.
func (r *FacilityRepository) NearestOperational(ctx context.Context, t models.FacilityType, lat, lng float64) (*models.Facility, error) {
	query := baseFacilitySelect + `
		WHERE type = $1 AND status IN ('operational', 'limited')
		ORDER BY 6371000 * acos(
			LEAST(1.0, cos(radians($2)) * cos(radians(lat)) * cos(radians(lng) - radians($3))
			+ sin(radians($2)) * sin(radians(lat)))
		) ASC
		LIMIT 1`
	row := r.db.QueryRowContext(ctx, query, t, lat, lng)
	f, err := scanFacilityRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, models.ErrFacilityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan facility: %w", err)
	}
	return f, nil
}

func (r *FacilityRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.FacilityStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE facilities SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("update facility status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return models.ErrFacilityNotFound
	}
	return nil
}

// UpdateAvailableBeds adjusts a hospital's available bed count, used by the
// Alert Engine's transfer_suggested enrichment's capacity snapshot and by
// admin tooling.
func (r *FacilityRepository) UpdateAvailableBeds(ctx context.Context, id uuid.UUID, availableBeds int) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE facilities SET available_beds = $1, updated_at = NOW() WHERE id = $2`, availableBeds, id)
	if err != nil {
		return fmt.Errorf("update facility available beds: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return models.ErrFacilityNotFound
	}
	return nil
}
