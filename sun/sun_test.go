package sun

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const (
	testLat = 51.5
	testLon = -0.1
)

func TestClearSkyFactorZeroAtMidnight(t *testing.T) {
	midnight := time.Date(2026, 7, 31, 0, 30, 0, 0, time.UTC)
	assert.Equal(t, 0.0, ClearSkyFactor(midnight, testLat, testLon))
}

func TestClearSkyFactorPositiveAtNoon(t *testing.T) {
	noon := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	assert.Greater(t, ClearSkyFactor(noon, testLat, testLon), 0.0)
}

func TestIsDaylightMatchesWindow(t *testing.T) {
	noon := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	w := DaylightWindow(noon, testLat, testLon)
	assert.True(t, IsDaylight(noon, testLat, testLon))
	assert.True(t, w.Sunrise.Before(noon))
	assert.True(t, w.Sunset.After(noon))
}
