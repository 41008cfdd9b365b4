package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// HashForecast produces a stable fingerprint of a forecast snapshot so the
// rebuild evaluator and the planner's determinism law can compare inputs
// without reserializing the whole structure.
func HashForecast(f Forecast48h) string {
	var sb strings.Builder
	for _, p := range f.Points {
		fmt.Fprintf(&sb, "%d:%.1f:%.1f:%.1f:%.1f:%.3f;",
			p.SlotStart.Unix(), p.SolarP10W, p.SolarP50W, p.SolarP90W, p.LoadForecastW, p.StormProb)
	}
	return shortHash(sb.String())
}

// HashTariff produces a stable fingerprint of a tariff series.
func HashTariff(points []TariffPoint) string {
	var sb strings.Builder
	for _, p := range points {
		fmt.Fprintf(&sb, "%d:%.2f:%.2f;", p.SlotStart.Unix(), p.ImportC, p.ExportC)
	}
	return shortHash(sb.String())
}

// HashParams fingerprints the battery/planning parameters that affect the
// planner's feasibility region, for the determinism law's params_hash input.
func HashParams(b BatteryParams, loads []LoadDefinition) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%.4f:%.4f:%.4f:%.4f:%.1f:%.1f:%.4f:%.4f;",
		b.CapacityKWh, b.SOCMinHard, b.SOCMinSoft, b.SOCMax, b.MaxChargeW, b.MaxDischargeW, b.RoundTripEff, b.DegradationCPerKWh)
	for _, l := range loads {
		fmt.Fprintf(&sb, "%s:%.1f:%d:%d:%d:%d:%d;", l.Name, l.PowerW, l.MinRuntimeMin, l.IdealRuntimeMin, l.MaxRuntimeMin, l.EarliestH, l.LatestH)
	}
	return shortHash(sb.String())
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}
