package config

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigFromReaderMergesOverDefaults(t *testing.T) {
	r := strings.NewReader(`{"battery": {"capacity_kwh": 20}}`)
	cfg, err := LoadConfigFromReader(r)
	require.NoError(t, err)
	assert.Equal(t, 20.0, cfg.Battery.CapacityKWh)
	assert.Equal(t, 0.05, cfg.Battery.SOCMinHard, "unspecified fields keep their default")
}

func TestValidateRejectsBadSOCBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Battery.SOCMinSoft = 0.99
	cfg.Battery.SOCMax = 0.5
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "soc_min_hard")
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "verbose"
	err := cfg.Validate()
	require.Error(t, err)
}

func TestSaveAndReloadRoundTrips(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Battery.CapacityKWh = 17.3

	var buf bytes.Buffer
	require.NoError(t, cfg.SaveConfigToBuffer(&buf))

	reloaded, err := LoadConfigFromReader(&buf)
	require.NoError(t, err)
	assert.Equal(t, 17.3, reloaded.Battery.CapacityKWh)
}

func TestLoadLoadsYAML(t *testing.T) {
	r := strings.NewReader(`
loads:
  - name: ev_charger
    power_w: 7000
    priority_class: 3
    min_runtime_min: 60
    ideal_runtime_min: 120
    max_runtime_min: 240
    earliest_h: 22
    latest_h: 6
    days_of_week: [0, 1, 2, 3, 4, 5, 6]
    prefer_solar: true
    enabled: true
`)
	defs, err := LoadLoadsYAML(r)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "ev_charger", defs[0].Name)
	assert.Equal(t, 7000.0, defs[0].PowerW)
	assert.Len(t, defs[0].DaysOfWeek, 7)
	require.NoError(t, defs[0].Validate())
}
