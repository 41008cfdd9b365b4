// Package sun wraps sixdouglas/suncalc to provide solar position and
// daylight window queries, generalizing the teacher's
// estimateSolarPowerFromWeather altitude-factor calculation and
// server.SunInfo reporting into a reusable helper consumed by both the
// forecast aggregator (clear-sky clamping) and the dashboard.
package sun

import (
	"math"
	"time"

	"github.com/sixdouglas/suncalc"
)

// Window is a location's daylight window for a given day.
type Window struct {
	Sunrise time.Time
	Sunset  time.Time
}

// Position is a location's solar geometry at an instant.
type Position struct {
	AltitudeRad float64
	AzimuthRad  float64
}

// DaylightWindow returns the sunrise/sunset times covering t's calendar day
// at (lat, lon).
func DaylightWindow(t time.Time, lat, lon float64) Window {
	times := suncalc.GetTimes(t, lat, lon)
	return Window{
		Sunrise: times["sunrise"].Value,
		Sunset:  times["sunset"].Value,
	}
}

// PositionAt returns the sun's position at t for (lat, lon).
func PositionAt(t time.Time, lat, lon float64) Position {
	pos := suncalc.GetPosition(t, lat, lon)
	return Position{AltitudeRad: pos.Altitude, AzimuthRad: pos.Azimuth}
}

// IsDaylight reports whether t falls within the daylight window at (lat, lon).
func IsDaylight(t time.Time, lat, lon float64) bool {
	w := DaylightWindow(t, lat, lon)
	return !t.Before(w.Sunrise) && !t.After(w.Sunset)
}

// ClearSkyFactor returns a [0,1] factor for how much of peak solar power is
// geometrically available at t, following the teacher's sin(altitude)
// factor: 0 at the horizon, 1 at zenith, 0 outside daylight hours.
func ClearSkyFactor(t time.Time, lat, lon float64) float64 {
	if !IsDaylight(t, lat, lon) {
		return 0
	}
	pos := PositionAt(t, lat, lon)
	factor := math.Sin(pos.AltitudeRad)
	if factor < 0 {
		return 0
	}
	return factor
}
