package milp

import (
	"testing"
	"time"

	"github.com/powermaster/energy-optimiser/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBattery() core.BatteryParams {
	return core.BatteryParams{
		CapacityKWh:        10,
		SOCMinHard:         0.05,
		SOCMinSoft:         0.15,
		SOCMax:             0.95,
		MaxChargeW:         3000,
		MaxDischargeW:      3000,
		RoundTripEff:       0.9,
		DegradationCPerKWh: 2,
	}
}

func flatForecast(n int, solar, load float64) core.Forecast48h {
	start := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	pts := make([]core.ForecastPoint, n)
	for i := range pts {
		pts[i] = core.ForecastPoint{
			SlotStart:     start.Add(time.Duration(i) * core.SlotDuration),
			SolarP10W:     solar * 0.8,
			SolarP50W:     solar,
			SolarP90W:     solar * 1.2,
			LoadForecastW: load,
			ProducedAt:    start,
		}
	}
	return core.Forecast48h{GeneratedAt: start, Points: pts, DegradedReasons: map[string]struct{}{}}
}

func flatTariff(n int, importC, exportC float64) []core.TariffPoint {
	start := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	pts := make([]core.TariffPoint, n)
	for i := range pts {
		pts[i] = core.TariffPoint{SlotStart: start.Add(time.Duration(i) * core.SlotDuration), ImportC: importC, ExportC: exportC}
	}
	return pts
}

func TestSolveProducesFullHorizonPlan(t *testing.T) {
	p := Problem{
		Now:                time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC),
		Forecast:           flatForecast(96, 2000, 500),
		Tariff:             flatTariff(96, 20, 5),
		Battery:            testBattery(),
		SOC0:               0.5,
		SolarPercentile:    "p50",
		StormReserveSOC:    0.6,
		StormProbThreshold: 0.5,
		DegradationCPerKWh: 0.5,
		BreakEvenDeltaC:    1,
	}

	sol := NewDPSolver().Solve(p)
	require.Equal(t, core.StatusOptimal, sol.Status)
	require.Len(t, sol.Slots, 96)

	for _, s := range sol.Slots {
		assert.GreaterOrEqual(t, s.ExpectedSOC, p.Battery.SOCMinHard-1e-6)
		assert.LessOrEqual(t, s.ExpectedSOC, p.Battery.SOCMax+1e-6)
	}
}

func TestSolveInfeasibleFallsBackToSelfUse(t *testing.T) {
	p := Problem{
		Now:      time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC),
		Forecast: flatForecast(4, 0, 500),
		Tariff:   flatTariff(4, 20, 5),
		Battery: core.BatteryParams{
			CapacityKWh:   10,
			SOCMinHard:    0.9, // impossible: SOCMinSoft/Hard above SOCMax
			SOCMinSoft:    0.95,
			SOCMax:        0.2,
			MaxChargeW:    100,
			MaxDischargeW: 100,
			RoundTripEff:  0.9,
		},
		SOC0:            0.1,
		SolarPercentile: "p50",
	}

	sol := NewDPSolver().Solve(p)
	assert.Equal(t, core.StatusInfeasible, sol.Status)
	for _, s := range sol.Slots {
		assert.Equal(t, core.SelfUse, s.Mode)
		assert.Empty(t, s.ScheduledLoads)
	}
}

func TestDeterminismSameInputsSamePlan(t *testing.T) {
	p := Problem{
		Now:                time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC),
		Forecast:           flatForecast(20, 1500, 600),
		Tariff:             flatTariff(20, 15, 8),
		Battery:            testBattery(),
		SOC0:               0.4,
		SolarPercentile:    "p50",
		StormReserveSOC:    0.6,
		StormProbThreshold: 0.5,
	}

	a := NewDPSolver().Solve(p)
	b := NewDPSolver().Solve(p)
	require.Equal(t, len(a.Slots), len(b.Slots))
	for i := range a.Slots {
		assert.Equal(t, a.Slots[i].Mode, b.Slots[i].Mode)
		assert.InDelta(t, a.Slots[i].ExpectedSOC, b.Slots[i].ExpectedSOC, 1e-9)
	}
}

func TestLoadSchedulerRespectsWindowAndRuntime(t *testing.T) {
	start := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	n := 48
	pts := make([]core.ForecastPoint, n)
	for i := range pts {
		slot := start.Add(time.Duration(i) * core.SlotDuration)
		solar := 0.0
		if slot.Hour() >= 10 && slot.Hour() < 14 {
			solar = 3000
		}
		pts[i] = core.ForecastPoint{SlotStart: slot, SolarP50W: solar, SolarP10W: solar, SolarP90W: solar, LoadForecastW: 300}
	}
	p := Problem{
		Forecast: core.Forecast48h{Points: pts},
		Loads: []core.LoadDefinition{
			{
				Name: "dishwasher", PowerW: 1000, PriorityClass: 5,
				MinRuntimeMin: 60, IdealRuntimeMin: 120, MaxRuntimeMin: 180,
				EarliestH: 8, LatestH: 20, PreferSolar: true, Enabled: true,
			},
		},
		SolarPercentile: "p50",
	}

	sched := scheduleLoads(p)

	var totalMinutes int
	for i, pw := range sched.powerBySlot {
		if pw > 0 {
			totalMinutes += int(core.SlotDuration.Minutes())
			_, ok := sched.namesBySlot[i]["dishwasher"]
			assert.True(t, ok)
			hour := pts[i].SlotStart.Hour()
			assert.True(t, hour >= 8 && hour < 20)
		}
	}
	assert.GreaterOrEqual(t, totalMinutes, 60)
	assert.LessOrEqual(t, totalMinutes, 180)
}
