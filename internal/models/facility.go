package models

import (
	"time"

	"github.com/google/uuid"
)

// Facility is a hospital, police station, or civil-defense post that can be
// an Alert's routing target or an SOSRequest's origin.
type Facility struct {
	ID                   uuid.UUID         `json:"id" db:"id"`
	Name                 string            `json:"name" db:"name"`
	Type                 FacilityType      `json:"type" db:"type"`
	Status               FacilityStatus    `json:"status" db:"status"`
	Lat                  float64           `json:"lat" db:"lat"`
	Lng                  float64           `json:"lng" db:"lng"`
	CoverageRadiusMeters int               `json:"coverage_radius_meters" db:"coverage_radius_meters"`
	BedCapacity          *int              `json:"bed_capacity,omitempty" db:"bed_capacity"`
	ICUBeds              *int              `json:"icu_beds,omitempty" db:"icu_beds"`
	AvailableBeds        *int              `json:"available_beds,omitempty" db:"available_beds"`
	SupplyLevels         map[string]string `json:"supply_levels,omitempty" db:"supply_levels"`
	Phone                string            `json:"phone,omitempty" db:"phone"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// DefaultCoverageRadiusMeters is used when a caller does not specify a
// facility's own coverage radius at registration time.
const DefaultCoverageRadiusMeters = 5000

// HasCapacity reports whether the facility (a hospital) has at least one
// available bed; non-hospital facilities and facilities without bed
// tracking always report true.
func (f *Facility) HasCapacity() bool {
	if f.Type != FacilityTypeHospital || f.AvailableBeds == nil {
		return true
	}
	return *f.AvailableBeds > 0
}

// CreateFacilityInput is the payload for registering a Facility.
type CreateFacilityInput struct {
	Name                 string            `json:"name" validate:"required,min=1,max=200"`
	Type                 FacilityType      `json:"type" validate:"required"`
	Lat                  float64           `json:"lat" validate:"required,latitude"`
	Lng                  float64           `json:"lng" validate:"required,longitude"`
	CoverageRadiusMeters *int              `json:"coverage_radius_meters,omitempty" validate:"omitempty,min=50"`
	BedCapacity          *int              `json:"bed_capacity,omitempty" validate:"omitempty,min=0"`
	ICUBeds              *int              `json:"icu_beds,omitempty" validate:"omitempty,min=0"`
	AvailableBeds        *int              `json:"available_beds,omitempty" validate:"omitempty,min=0"`
	SupplyLevels         map[string]string `json:"supply_levels,omitempty"`
	Phone                string            `json:"phone,omitempty" validate:"omitempty,e164"`
}

// FacilityResponse is the read-facing projection of a Facility.
type FacilityResponse struct {
	ID                   uuid.UUID         `json:"id"`
	Name                 string            `json:"name"`
	Type                 FacilityType      `json:"type"`
	Status               FacilityStatus    `json:"status"`
	Lat                  float64           `json:"lat"`
	Lng                  float64           `json:"lng"`
	CoverageRadiusMeters int               `json:"coverage_radius_meters"`
	BedCapacity          *int              `json:"bed_capacity,omitempty"`
	ICUBeds              *int              `json:"icu_beds,omitempty"`
	AvailableBeds        *int              `json:"available_beds,omitempty"`
	SupplyLevels         map[string]string `json:"supply_levels,omitempty"`
	Phone                string            `json:"phone,omitempty"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

func (f *Facility) ToResponse() *FacilityResponse {
	return &FacilityResponse{
		ID:                   f.ID,
		Name:                 f.Name,
		Type:                 f.Type,
		Status:               f.Status,
		Lat:                  f.Lat,
		Lng:                  f.Lng,
		CoverageRadiusMeters: f.CoverageRadiusMeters,
		BedCapacity:          f.BedCapacity,
		ICUBeds:              f.ICUBeds,
		AvailableBeds:        f.AvailableBeds,
		SupplyLevels:         f.SupplyLevels,
		Phone:                f.Phone,
		UpdatedAt:            f.UpdatedAt,
	}
}
