package forecast

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/powermaster/energy-optimiser/core"
	"github.com/powermaster/energy-optimiser/sun"
)

// cachedSolar/cachedWeather/cachedStorm hold the last good pull from each
// provider, mirroring the teacher's WeatherForecastCache{forecast,
// fetchedAt, cacheDuration} shape, one per provider.
type cachedSolar struct {
	samples    []SolarSample
	producedAt time.Time
}

type cachedWeather struct {
	samples    []WeatherSample
	producedAt time.Time
}

type cachedStorm struct {
	warnings   []StormWarning
	producedAt time.Time
}

// Aggregator merges solar, weather and storm provider feeds into a single
// 96-slot forecast snapshot, matching the orchestration in the teacher's
// buildMPCForecast/estimateSolarPowerFromWeather.
type Aggregator struct {
	logger *log.Logger

	solar   SolarProvider
	weather WeatherProvider
	storm   StormProvider

	baselineLoadW float64
	loadHistory   *LoadHistory

	lat, lon float64

	mu            sync.RWMutex
	cachedSolar   cachedSolar
	cachedWeather cachedWeather
	cachedStorm   cachedStorm
}

// NewAggregator wires the three providers, a baseline load fallback and the
// site coordinates used to geometrically clamp solar percentiles outside
// daylight hours.
func NewAggregator(solar SolarProvider, weather WeatherProvider, storm StormProvider, baselineLoadW, lat, lon float64, logger *log.Logger) *Aggregator {
	return &Aggregator{
		logger:        logger,
		solar:         solar,
		weather:       weather,
		storm:         storm,
		baselineLoadW: baselineLoadW,
		loadHistory:   NewLoadHistory(),
		lat:           lat,
		lon:           lon,
	}
}

// RecordLoad feeds one observed load sample into the rolling-median history
// used for the load forecast fallback.
func (a *Aggregator) RecordLoad(t time.Time, watts float64) {
	a.loadHistory.Record(t, watts)
}

// PollSolar pulls fresh solar samples and updates the cache. Failures are
// logged; the aggregator keeps serving the previous cache, and once that
// cache is older than the provider's TTL, Snapshot marks it "solar_stale"
// in the degraded reasons. Reports whether the poll succeeded so callers
// can drive a retry backoff.
func (a *Aggregator) PollSolar(ctx context.Context) bool {
	res := a.solar.Fetch(ctx)
	if res.Err != nil {
		a.logger.Printf("forecast: solar provider error: %v", res.Err)
		return false
	}
	a.mu.Lock()
	a.cachedSolar = cachedSolar{samples: res.Sample, producedAt: res.ProducedAt}
	a.mu.Unlock()
	return true
}

// PollWeather pulls fresh weather samples and updates the cache.
func (a *Aggregator) PollWeather(ctx context.Context) bool {
	res := a.weather.Fetch(ctx)
	if res.Err != nil {
		a.logger.Printf("forecast: weather provider error: %v", res.Err)
		return false
	}
	a.mu.Lock()
	a.cachedWeather = cachedWeather{samples: res.Sample, producedAt: res.ProducedAt}
	a.mu.Unlock()
	return true
}

// PollStorm pulls fresh storm warnings and updates the cache.
func (a *Aggregator) PollStorm(ctx context.Context) bool {
	res := a.storm.Fetch(ctx)
	if res.Err != nil {
		a.logger.Printf("forecast: storm provider error: %v", res.Err)
		return false
	}
	a.mu.Lock()
	a.cachedStorm = cachedStorm{warnings: res.Sample, producedAt: res.ProducedAt}
	a.mu.Unlock()
	return true
}

// Snapshot builds a 96-slot, 48h forecast aligned forward from
// floor_half_hour(now), per §4.1.
func (a *Aggregator) Snapshot(now time.Time) core.Forecast48h {
	a.mu.RLock()
	solar := a.cachedSolar
	weather := a.cachedWeather
	storm := a.cachedStorm
	a.mu.RUnlock()

	degraded := make(map[string]struct{})
	if solar.producedAt.IsZero() || now.Sub(solar.producedAt) > a.solar.TTL() {
		degraded["solar_stale"] = struct{}{}
	}
	if weather.producedAt.IsZero() || now.Sub(weather.producedAt) > a.weather.TTL() {
		degraded["weather_stale"] = struct{}{}
	}
	if storm.producedAt.IsZero() || now.Sub(storm.producedAt) > a.storm.TTL() {
		degraded["storm_stale"] = struct{}{}
	}

	start := core.FloorToSlot(now)
	points := make([]core.ForecastPoint, 0, core.SlotsPerHorizon)
	for i := 0; i < core.SlotsPerHorizon; i++ {
		slotStart := start.Add(time.Duration(i) * core.SlotDuration)

		p10, p50, p90 := interpolateSolar(solar.samples, slotStart)
		if clear := sun.ClearSkyFactor(slotStart, a.lat, a.lon); clear == 0 {
			p10, p50, p90 = 0, 0, 0
		}
		temp, cloud, wind, rain := interpolateWeather(weather.samples, slotStart)
		stormProb := maxStormProb(storm.warnings, slotStart)
		loadW := a.forecastLoad(slotStart)

		points = append(points, core.ForecastPoint{
			SlotStart:     slotStart,
			SolarP10W:     p10,
			SolarP50W:     p50,
			SolarP90W:     p90,
			LoadForecastW: loadW,
			TempC:         temp,
			CloudFrac:     cloud,
			WindMPS:       wind,
			RainMM:        rain,
			StormProb:     stormProb,
			ProducedAt:    earliestOf(solar.producedAt, weather.producedAt),
		})
	}

	return core.Forecast48h{
		GeneratedAt:     now,
		Points:          points,
		DegradedReasons: degraded,
	}
}

func (a *Aggregator) forecastLoad(slot time.Time) float64 {
	if a.loadHistory.HasEnoughHistory(slot) {
		if median, ok := a.loadHistory.Median(slot); ok {
			return median
		}
	}
	return a.baselineLoadW
}

func earliestOf(a, b time.Time) time.Time {
	if a.IsZero() {
		return b
	}
	if b.IsZero() {
		return a
	}
	if a.Before(b) {
		return a
	}
	return b
}

// interpolateSolar linearly interpolates percentile samples in time around
// slotStart; with one sample, or outside the sampled range, it holds the
// nearest value flat, and with zero samples it returns zeros.
func interpolateSolar(samples []SolarSample, slotStart time.Time) (p10, p50, p90 float64) {
	if len(samples) == 0 {
		return 0, 0, 0
	}
	before, after, frac := bracket(samples, slotStart, func(s SolarSample) time.Time { return s.At })
	if after < 0 {
		s := samples[before]
		return s.P10W, s.P50W, s.P90W
	}
	a, b := samples[before], samples[after]
	p10 = lerp(a.P10W, b.P10W, frac)
	p50 = lerp(a.P50W, b.P50W, frac)
	p90 = lerp(a.P90W, b.P90W, frac)
	return
}

func interpolateWeather(samples []WeatherSample, slotStart time.Time) (temp, cloud, wind, rain float64) {
	if len(samples) == 0 {
		return 0, 0, 0, 0
	}
	before, after, frac := bracket(samples, slotStart, func(s WeatherSample) time.Time { return s.At })
	if after < 0 {
		s := samples[before]
		return s.TempC, s.CloudFrac, s.WindMPS, s.RainMM
	}
	a, b := samples[before], samples[after]
	temp = lerp(a.TempC, b.TempC, frac)
	cloud = lerp(a.CloudFrac, b.CloudFrac, frac)
	wind = lerp(a.WindMPS, b.WindMPS, frac)
	rain = lerp(a.RainMM, b.RainMM, frac)
	return
}

// bracket finds the sample index at/just-before target and the index just
// after, plus the fractional position between them. after is -1 when target
// is beyond the last sample (hold flat).
func bracket[T any](samples []T, target time.Time, at func(T) time.Time) (before, after int, frac float64) {
	before = 0
	for i, s := range samples {
		if !at(s).After(target) {
			before = i
		} else {
			after = i
			span := at(samples[after]).Sub(at(samples[before]))
			if span <= 0 {
				return before, -1, 0
			}
			frac = target.Sub(at(samples[before])).Seconds() / span.Seconds()
			return before, after, frac
		}
	}
	return before, -1, 0
}

func lerp(a, b, frac float64) float64 {
	return a + (b-a)*frac
}

func maxStormProb(warnings []StormWarning, slot time.Time) float64 {
	slotEnd := slot.Add(core.SlotDuration)
	var max float64
	for _, w := range warnings {
		if w.ValidTo.After(slot) && w.ValidFrom.Before(slotEnd) {
			if w.Prob > max {
				max = w.Prob
			}
		}
	}
	return max
}
