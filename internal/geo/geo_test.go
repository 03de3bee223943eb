package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistanceMeters(t *testing.T) {
	tests := []struct {
		name     string
		lat1     float64
		lng1     float64
		lat2     float64
		lng2     float64
		wantZero bool
	}{
		{"same point", 40.0, -73.0, 40.0, -73.0, true},
		{"one degree latitude apart", 0.0, 0.0, 1.0, 0.0, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := DistanceMeters(tc.lat1, tc.lng1, tc.lat2, tc.lng2)
			if tc.wantZero {
				assert.InDelta(t, 0, d, 1e-6)
			} else {
				assert.Greater(t, d, 0.0)
			}
		})
	}

	// One degree of latitude is ~111km, independent of longitude.
	d := DistanceMeters(0, 0, 1, 0)
	assert.InDelta(t, 111195.0, d, 1000.0)
}

func TestWithin(t *testing.T) {
	assert.True(t, Within(0, 0, 0, 0, 1))
	assert.False(t, Within(0, 0, 10, 10, 500))
	assert.True(t, Within(0, 0, 0.001, 0.001, 500))
}

func TestGridCellAndCellCenter(t *testing.T) {
	cellLat, cellLng := GridCell(5.4, 5.6, 1.0)
	assert.Equal(t, int64(5), cellLat)
	assert.Equal(t, int64(5), cellLng)

	centerLat, centerLng := CellCenter(cellLat, cellLng, 1.0)
	assert.Equal(t, 5.5, centerLat)
	assert.Equal(t, 5.5, centerLng)

	negLat, negLng := GridCell(-0.5, -1.5, 1.0)
	assert.Equal(t, int64(-1), negLat)
	assert.Equal(t, int64(-2), negLng)
}
