package forecast

import (
	"context"
	"fmt"
	"time"
)

// YrWeatherProvider is a WeatherProvider backed by yrClient, picking the
// "instant" reading nearest each half-hour slot out of the single compact
// timeseries the API returns, following the teacher's
// fetchCloudCoverage/fetchWeatherSymbol nearest-entry lookups.
type YrWeatherProvider struct {
	client   *yrClient
	Lat, Lon float64
	Horizon  time.Duration
}

// NewYrWeatherProvider builds a provider identifying itself with userAgent,
// as MET Norway's terms of service require.
func NewYrWeatherProvider(userAgent string, lat, lon float64, horizon time.Duration) *YrWeatherProvider {
	return &YrWeatherProvider{
		client:  newYrClient(userAgent),
		Lat:     lat,
		Lon:     lon,
		Horizon: horizon,
	}
}

func (p *YrWeatherProvider) Fetch(ctx context.Context) Result[[]WeatherSample] {
	if err := ctx.Err(); err != nil {
		return Result[[]WeatherSample]{Err: err}
	}

	f, err := p.client.fetchCompact(p.Lat, p.Lon)
	if err != nil {
		return Result[[]WeatherSample]{Err: fmt.Errorf("forecast: fetch yr compact forecast: %w", err)}
	}

	now := time.Now()
	samples := make([]WeatherSample, 0, len(f.Properties.Timeseries))
	for _, step := range f.Properties.Timeseries {
		if step.Time.Before(now) || step.Time.After(now.Add(p.Horizon)) {
			continue
		}
		d := step.Data.Instant.Details
		sample := WeatherSample{At: step.Time}
		if d.AirTemperature != nil {
			sample.TempC = *d.AirTemperature
		}
		if d.CloudAreaFraction != nil {
			sample.CloudFrac = *d.CloudAreaFraction / 100
		}
		if d.WindSpeed != nil {
			sample.WindMPS = *d.WindSpeed
		}
		if step.Data.Next1Hours != nil && step.Data.Next1Hours.Details.PrecipitationAmount != nil {
			sample.RainMM = *step.Data.Next1Hours.Details.PrecipitationAmount
		}
		samples = append(samples, sample)
	}

	return Result[[]WeatherSample]{Sample: samples, ProducedAt: f.Properties.Meta.UpdatedAt}
}

func (p *YrWeatherProvider) TTL() time.Duration {
	return 2 * time.Hour
}
