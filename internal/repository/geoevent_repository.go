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

// GeoEventRepository persists the append-only GeoEvent log backing the
// live map. Rows are inserted and garbage collected; the only update is
// UpdateVerification's metadata patch.
type GeoEventRepository struct {
	db *sql.DB
}

func NewGeoEventRepository(db *sql.DB) *GeoEventRepository {
	return &GeoEventRepository{db: db}
}

func (r *GeoEventRepository) Create(ctx context.Context, e *models.GeoEvent) error {
	if e.ExpiresAt.IsZero() {
		e.ExpiresAt = time.Now().Add(models.DefaultGeoEventTTL)
	}
	meta, err := marshalMetadata(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal geo event metadata: %w", err)
	}
	query := `
		INSERT INTO geo_events (id, layer, source, event_type, lat, lng, severity, ref_id, title, details, metadata, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		RETURNING created_at`
	return r.db.QueryRowContext(ctx, query, e.ID, e.Layer, e.Source, e.EventType, e.Lat, e.Lng, e.Severity,
		e.RefID, e.Title, e.Details, meta, e.ExpiresAt).
		Scan(&e.CreatedAt)
}

func marshalMetadata(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

const baseGeoEventSelect = `
	SELECT id, layer, source, event_type, lat, lng, severity, ref_id, title, details, metadata, expires_at, created_at
	FROM geo_events`

func scanGeoEventRow(scan func(...interface{}) error) (*models.GeoEvent, error) {
	var e models.GeoEvent
	var refID sql.NullString
	var title, details sql.NullString
	var meta []byte
	if err := scan(&e.ID, &e.Layer, &e.Source, &e.EventType, &e.Lat, &e.Lng, &e.Severity,
		&refID, &title, &details, &meta, &e.ExpiresAt, &e.CreatedAt); err != nil {
		return nil, err
	}
	if refID.Valid {
		if id, err := uuid.Parse(refID.String); err == nil {
			e.RefID = &id
		}
	}
	e.Title = title.String
	e.Details = details.String
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &e.Metadata)
	}
	return &e, nil
}

// GetByID returns a single GeoEvent.
func (r *GeoEventRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.GeoEvent, error) {
	row := r.db.QueryRowContext(ctx, baseGeoEventSelect+` WHERE id = $1`, id)
	e, err := scanGeoEventRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, models.ErrGeoEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan geo event: %w", err)
	}
	return e, nil
}

// ListFilter narrows a time/layer/source/severity-filtered read of the
// GeoEvent log, the shape behind the live map's main query.
type ListFilter struct {
	Since          time.Time
	Layers         []models.GeoLayer
	Source         *models.GeoEventSource
	MinSeverity    int
	IncludeExpired bool
	Limit          int
}

// List returns events matching filter, ordered by created_at desc.
func (r *GeoEventRepository) List(ctx context.Context, f ListFilter) ([]*models.GeoEvent, error) {
	limit := f.Limit
	if limit <= 0 || limit > 5000 {
		limit = 2000
	}

	query := baseGeoEventSelect + ` WHERE created_at >= $1`
	args := []interface{}{f.Since}

	if len(f.Layers) > 0 {
		args = append(args, pqLayerArray(f.Layers))
		query += fmt.Sprintf(` AND layer = ANY($%d)`, len(args))
	}
	if f.Source != nil {
		args = append(args, *f.Source)
		query += fmt.Sprintf(` AND source = $%d`, len(args))
	}
	if f.MinSeverity > 0 {
		args = append(args, f.MinSeverity)
		query += fmt.Sprintf(` AND severity >= $%d`, len(args))
	}
	if !f.IncludeExpired {
		query += ` AND expires_at >= NOW()`
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list geo events: %w", err)
	}
	defer rows.Close()

	var out []*models.GeoEvent
	for rows.Next() {
		e, err := scanGeoEventRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan geo event row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func pqLayerArray(layers []models.GeoLayer) []string {
	out := make([]string, len(layers))
	for i, l := range layers {
		out[i] = string(l)
	}
	return out
}

// ListWithinRadius returns events within radiusMeters of (lat,lng) created
// since the given time, further filtered by layer when provided. The
// distance predicate is evaluated in Go over a bounding-box-prefiltered
// candidate set, since the corpus carries no PostGIS driver.
func (r *GeoEventRepository) ListWithinRadius(ctx context.Context, lat, lng, radiusMeters float64, since time.Time, layers []models.GeoLayer) ([]*models.GeoEvent, error) {
	degreePad := radiusMeters/111000.0 + 0.01
	query := baseGeoEventSelect + `
		WHERE created_at >= $1 AND lat BETWEEN $2 AND $3 AND lng BETWEEN $4 AND $5`
	args := []interface{}{since, lat - degreePad, lat + degreePad, lng - degreePad, lng + degreePad}
	if len(layers) > 0 {
		args = append(args, pqLayerArray(layers))
		query += fmt.Sprintf(` AND layer = ANY($%d)`, len(args))
	}
	query += ` ORDER BY created_at DESC LIMIT 5000`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list geo events within radius: %w", err)
	}
	defer rows.Close()

	var out []*models.GeoEvent
	for rows.Next() {
		e, err := scanGeoEventRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan geo event row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListUnverifiedTelegram returns up to limit Telegram-sourced events from
// the last window whose metadata has no "verified" key yet, the Verification
// Loop's per-sweep candidate set.
func (r *GeoEventRepository) ListUnverifiedTelegram(ctx context.Context, since time.Time, limit int) ([]*models.GeoEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	query := baseGeoEventSelect + `
		WHERE source = $1 AND created_at >= $2 AND NOT (metadata ? 'verified')
		ORDER BY created_at ASC LIMIT $3`
	rows, err := r.db.QueryContext(ctx, query, models.GeoSourceTelegram, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list unverified telegram geo events: %w", err)
	}
	defer rows.Close()

	var out []*models.GeoEvent
	for rows.Next() {
		e, err := scanGeoEventRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan geo event row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateVerification writes the verification outcome into a GeoEvent's
// metadata. GeoEvents are otherwise immutable; this is the sole exception,
// matching spec's "metadata.verified" write path.
func (r *GeoEventRepository) UpdateVerification(ctx context.Context, id uuid.UUID, verified bool, confidence float64, reasoning string, verifiedAt time.Time) error {
	patch := map[string]interface{}{
		"verified":              verified,
		"verification_confidence": confidence,
		"verification_reasoning": reasoning,
		"verified_at":           verifiedAt,
	}
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal verification patch: %w", err)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE geo_events SET metadata = metadata || $2::jsonb WHERE id = $1`, id, patchJSON)
	if err != nil {
		return fmt.Errorf("update geo event verification: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return models.ErrGeoEventNotFound
	}
	return nil
}

// DeleteOlderThan garbage-collects GeoEvents past the map's display
// window, called periodically by the scheduler process.
func (r *GeoEventRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM geo_events WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("gc geo events: %w", err)
	}
	return res.RowsAffected()
}
