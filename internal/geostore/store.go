// Package geostore provides the live map's read path over the Geo Event
// Store: windowed/filtered reads, radius queries, deterministic grid
// clustering for zoomed-out views, and the TTL sweep the scheduler process
// invokes.
package geostore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/crisisline/backend/internal/geo"
	"github.com/crisisline/backend/internal/models"
	"github.com/crisisline/backend/internal/repository"
)

// DefaultClusterPrecisionDeg is the grid cell width in degrees, ≈1km at the
// equator, used when a caller does not override it.
const DefaultClusterPrecisionDeg = 0.01

type Store struct {
	repo *repository.GeoEventRepository
}

func New(repo *repository.GeoEventRepository) *Store {
	return &Store{repo: repo}
}

// ReadFilter narrows the live map's main read.
type ReadFilter struct {
	HoursBack      int
	Layers         []models.GeoLayer
	Source         *models.GeoEventSource
	MinSeverity    int
	IncludeExpired bool
}

// Read returns raw events matching filter, newest first.
func (s *Store) Read(ctx context.Context, f ReadFilter) ([]*models.GeoEvent, error) {
	hours := f.HoursBack
	if hours <= 0 {
		hours = 24
	}
	return s.repo.List(ctx, repository.ListFilter{
		Since:          time.Now().Add(-time.Duration(hours) * time.Hour),
		Layers:         f.Layers,
		Source:         f.Source,
		MinSeverity:    f.MinSeverity,
		IncludeExpired: f.IncludeExpired,
	})
}

// ReadWithinRadius returns events within radiusMeters of (lat, lng) over the
// last hoursBack, optionally filtered by layer.
func (s *Store) ReadWithinRadius(ctx context.Context, lat, lng, radiusMeters float64, hoursBack int, layers []models.GeoLayer) ([]*models.GeoEvent, error) {
	if hoursBack <= 0 {
		hoursBack = 24
	}
	since := time.Now().Add(-time.Duration(hoursBack) * time.Hour)
	candidates, err := s.repo.ListWithinRadius(ctx, lat, lng, radiusMeters, since, layers)
	if err != nil {
		return nil, err
	}
	out := make([]*models.GeoEvent, 0, len(candidates))
	for _, e := range candidates {
		if geo.Within(lat, lng, e.Lat, e.Lng, radiusMeters) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Cluster groups events matching filter into deterministic grid cells,
// sorted by member count descending, for the live map's zoomed-out view.
func (s *Store) Cluster(ctx context.Context, f ReadFilter, precisionDeg float64) ([]*models.GeoCluster, error) {
	if precisionDeg <= 0 {
		precisionDeg = DefaultClusterPrecisionDeg
	}
	events, err := s.Read(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("read events for clustering: %w", err)
	}

	type bucket struct {
		cell        [2]int64
		sumLat      float64
		sumLng      float64
		count       int
		maxSeverity int
		sumSeverity int
		eventIDs    []uuid.UUID
		layers      map[models.GeoLayer]struct{}
		minLat      float64
		maxLat      float64
		minLng      float64
		maxLng      float64
	}

	buckets := make(map[[2]int64]*bucket)
	for _, e := range events {
		cellLat, cellLng := geo.GridCell(e.Lat, e.Lng, precisionDeg)
		key := [2]int64{cellLat, cellLng}
		b, ok := buckets[key]
		if !ok {
			b = &bucket{
				cell:   key,
				layers: make(map[models.GeoLayer]struct{}),
				minLat: e.Lat, maxLat: e.Lat, minLng: e.Lng, maxLng: e.Lng,
			}
			buckets[key] = b
		}
		b.sumLat += e.Lat
		b.sumLng += e.Lng
		b.count++
		b.sumSeverity += e.Severity
		if e.Severity > b.maxSeverity {
			b.maxSeverity = e.Severity
		}
		if len(b.eventIDs) < 50 {
			b.eventIDs = append(b.eventIDs, e.ID)
		}
		b.layers[e.Layer] = struct{}{}
		if e.Lat < b.minLat {
			b.minLat = e.Lat
		}
		if e.Lat > b.maxLat {
			b.maxLat = e.Lat
		}
		if e.Lng < b.minLng {
			b.minLng = e.Lng
		}
		if e.Lng > b.maxLng {
			b.maxLng = e.Lng
		}
	}

	clusters := make([]*models.GeoCluster, 0, len(buckets))
	for _, b := range buckets {
		layers := make([]models.GeoLayer, 0, len(b.layers))
		for l := range b.layers {
			layers = append(layers, l)
		}
		clusters = append(clusters, &models.GeoCluster{
			Lat:         b.sumLat / float64(b.count),
			Lng:         b.sumLng / float64(b.count),
			Count:       b.count,
			MaxSeverity: b.maxSeverity,
			AvgSeverity: float64(b.sumSeverity) / float64(b.count),
			EventIDs:    b.eventIDs,
			Layers:      layers,
			MinLat:      b.minLat,
			MaxLat:      b.maxLat,
			MinLng:      b.minLng,
			MaxLng:      b.maxLng,
		})
	}

	sort.Slice(clusters, func(i, j int) bool { return clusters[i].Count > clusters[j].Count })
	return clusters, nil
}

// GC deletes every GeoEvent past its expiry, returning the number removed.
func (s *Store) GC(ctx context.Context) (int64, error) {
	return s.repo.DeleteOlderThan(ctx, time.Now())
}
