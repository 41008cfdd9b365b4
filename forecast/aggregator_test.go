package forecast

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSolar struct {
	samples []SolarSample
	ttl     time.Duration
	err     error
}

func (f fakeSolar) Fetch(ctx context.Context) Result[[]SolarSample] {
	return Result[[]SolarSample]{Sample: f.samples, ProducedAt: time.Now(), Err: f.err}
}
func (f fakeSolar) TTL() time.Duration { return f.ttl }

type fakeWeather struct{ ttl time.Duration }

func (f fakeWeather) Fetch(ctx context.Context) Result[[]WeatherSample] {
	return Result[[]WeatherSample]{ProducedAt: time.Now()}
}
func (f fakeWeather) TTL() time.Duration { return f.ttl }

type fakeStorm struct{ ttl time.Duration }

func (f fakeStorm) Fetch(ctx context.Context) Result[[]StormWarning] {
	return Result[[]StormWarning]{ProducedAt: time.Now()}
}
func (f fakeStorm) TTL() time.Duration { return f.ttl }

func newTestAggregator() *Aggregator {
	logger := log.New(os.Stdout, "[TEST] ", 0)
	return NewAggregator(
		fakeSolar{ttl: time.Hour},
		fakeWeather{ttl: time.Hour},
		fakeStorm{ttl: time.Hour},
		500, 51.5, -0.1,
		logger,
	)
}

func TestSnapshotShape(t *testing.T) {
	a := newTestAggregator()
	now := time.Date(2026, 7, 31, 10, 12, 0, 0, time.UTC)
	snap := a.Snapshot(now)

	require.Len(t, snap.Points, 96)
	assert.True(t, snap.Points[0].SlotStart.Equal(time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)))
	assert.True(t, snap.Degraded(), "no provider has ever polled, so everything should be degraded")
}

func TestSnapshotUsesBaselineLoadBeforeHistory(t *testing.T) {
	a := newTestAggregator()
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	snap := a.Snapshot(now)
	assert.Equal(t, 500.0, snap.Points[0].LoadForecastW)
}

func TestSnapshotUsesHistoryMedianAfterAWeek(t *testing.T) {
	a := newTestAggregator()
	base := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 8; i++ {
		a.RecordLoad(base.AddDate(0, 0, i), 1200)
	}

	now := base.AddDate(0, 0, 8)
	snap := a.Snapshot(now)
	assert.Equal(t, 1200.0, snap.Points[0].LoadForecastW)
}

func TestSolarInterpolation(t *testing.T) {
	t0 := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	samples := []SolarSample{
		{At: t0, P10W: 0, P50W: 100, P90W: 200},
		{At: t0.Add(time.Hour), P10W: 0, P50W: 300, P90W: 400},
	}
	_, p50, _ := interpolateSolar(samples, t0.Add(30*time.Minute))
	assert.InDelta(t, 200, p50, 0.01)
}
