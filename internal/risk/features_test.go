package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBuildFeatures(t *testing.T) {
	// Saturday departure, 6 hour window
	departure := time.Date(2026, time.September, 5, 18, 0, 0, 0, time.UTC)
	reqCtx := RequestContext{
		Type:          "emergency",
		Destination:   "Friend's Place",
		DepartureTime: departure,
		ReturnTime:    departure.Add(6 * time.Hour),
	}
	now := departure.Add(-24 * time.Hour)
	violations := []ViolationRecord{
		{PenaltyPoints: 10, OccurredAt: now.Add(-10 * 24 * time.Hour)},
		{PenaltyPoints: 10, OccurredAt: now.Add(-100 * 24 * time.Hour)},
	}
	requests := []RequestRecord{
		{CreatedAt: now.Add(-2 * 24 * time.Hour)},
		{CreatedAt: now.Add(-20 * 24 * time.Hour)},
	}

	f := buildFeatures(reqCtx, violations, requests, now)

	assert.Equal(t, 1, f.PastViolations30d)
	assert.Equal(t, 2, f.PastViolations365d)
	assert.Equal(t, 1, f.RequestsLast7Day)
	assert.Equal(t, 18, f.RequestTimeHour)
	assert.Equal(t, 6.0, f.RequestedDurationHours)
	assert.Equal(t, "high", f.DestinationRisk)
	assert.Equal(t, 1, f.EmergencyFlag)
	assert.Equal(t, 1, f.WeekendRequest)
}

func TestBuildFeaturesDefaults(t *testing.T) {
	// Wednesday departure to an unknown destination
	departure := time.Date(2026, time.September, 2, 9, 30, 0, 0, time.UTC)
	f := buildFeatures(RequestContext{
		Type:          "regular_outing",
		Destination:   "Aunt's House",
		DepartureTime: departure,
		ReturnTime:    departure.Add(3 * time.Hour),
	}, nil, nil, departure.Add(-time.Hour))

	assert.Equal(t, "medium", f.DestinationRisk)
	assert.Equal(t, 0, f.EmergencyFlag)
	assert.Equal(t, 0, f.WeekendRequest)
	assert.Equal(t, 20, f.Age)
	assert.Equal(t, 8.0, f.GPA)
	assert.Equal(t, "A", f.HostelBlock)
}
