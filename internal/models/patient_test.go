package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPatientTrustScore(t *testing.T) {
	tests := []struct {
		name            string
		totalSOS        int
		falseAlarms     int
		wantTrustScore  float64
	}{
		{"no history defaults to perfect trust", 0, 0, 1.0},
		{"all reports genuine", 10, 0, 1.0},
		{"half false alarms", 4, 2, 0.5},
		{"mostly false alarms clamps at floor", 10, 20, 0.1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := &Patient{TotalSOSCount: tc.totalSOS, FalseAlarmCount: tc.falseAlarms}
			assert.InDelta(t, tc.wantTrustScore, p.TrustScore(), 1e-9)
		})
	}
}

func TestPatientIsVulnerable(t *testing.T) {
	assert.True(t, (&Patient{Mobility: MobilityWheelchair, LivingSituation: LivingWithFamily}).IsVulnerable())
	assert.True(t, (&Patient{Mobility: MobilityCanWalk, LivingSituation: LivingAlone}).IsVulnerable())
	assert.True(t, (&Patient{Mobility: MobilityCanWalk, LivingSituation: LivingCareFacility}).IsVulnerable())
	assert.False(t, (&Patient{Mobility: MobilityCanWalk, LivingSituation: LivingWithFamily}).IsVulnerable())
}
