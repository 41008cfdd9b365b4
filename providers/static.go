// Package providers supplies baseline solar, weather and storm feeds for
// installations that have not wired a metered PV plant or a paid weather
// API, generalizing the teacher's fetchCloudCoverage/estimateSolarPowerFromWeather
// clear-sky estimate into a standalone forecast.SolarProvider/WeatherProvider.
// Real provider HTTP clients (MET Norway, ENTSO-E and similar) remain
// external collaborators per the inverter/grid boundary; this package is
// the interface's reference implementation, not a vendor SDK.
package providers

import (
	"context"
	"time"

	"github.com/powermaster/energy-optimiser/forecast"
	"github.com/powermaster/energy-optimiser/sun"
)

// ClearSkySolar estimates solar production from site geometry alone
// (peak array watts scaled by sun.ClearSkyFactor), with p10/p90 spread
// applied as a fixed fraction of the p50 estimate to stand in for cloud
// uncertainty until a metered or satellite feed is wired.
type ClearSkySolar struct {
	PeakW    float64
	Lat, Lon float64
	Horizon  time.Duration
	Step     time.Duration
}

func (p ClearSkySolar) Fetch(ctx context.Context) forecast.Result[[]forecast.SolarSample] {
	now := time.Now()
	samples := make([]forecast.SolarSample, 0, int(p.Horizon/p.Step)+1)
	for t := now; t.Before(now.Add(p.Horizon)); t = t.Add(p.Step) {
		clear := sun.ClearSkyFactor(t, p.Lat, p.Lon)
		p50 := p.PeakW * clear
		samples = append(samples, forecast.SolarSample{
			At:   t,
			P10W: p50 * 0.6,
			P50W: p50,
			P90W: p50 * 1.15,
		})
	}
	return forecast.Result[[]forecast.SolarSample]{Sample: samples, ProducedAt: now, Degraded: "clear_sky_estimate"}
}

func (p ClearSkySolar) TTL() time.Duration { return 6 * time.Hour }

// FlatWeather reports a fixed ambient-condition forecast. It never fails
// and never improves on its configured baseline; real installations should
// replace it with an adapter over a metered weather feed.
type FlatWeather struct {
	TempC     float64
	CloudFrac float64
	WindMPS   float64
	Horizon   time.Duration
	Step      time.Duration
}

func (w FlatWeather) Fetch(ctx context.Context) forecast.Result[[]forecast.WeatherSample] {
	now := time.Now()
	samples := make([]forecast.WeatherSample, 0, int(w.Horizon/w.Step)+1)
	for t := now; t.Before(now.Add(w.Horizon)); t = t.Add(w.Step) {
		samples = append(samples, forecast.WeatherSample{
			At:        t,
			TempC:     w.TempC,
			CloudFrac: w.CloudFrac,
			WindMPS:   w.WindMPS,
		})
	}
	return forecast.Result[[]forecast.WeatherSample]{Sample: samples, ProducedAt: now, Degraded: "flat_estimate"}
}

func (w FlatWeather) TTL() time.Duration { return 6 * time.Hour }

// NoStorm reports no active storm warnings. It is the default when no
// severe-weather feed is configured; the storm-reserve charge behaviour in
// the planner simply never triggers.
type NoStorm struct{}

func (NoStorm) Fetch(ctx context.Context) forecast.Result[[]forecast.StormWarning] {
	return forecast.Result[[]forecast.StormWarning]{ProducedAt: time.Now()}
}

func (NoStorm) TTL() time.Duration { return 24 * time.Hour }
