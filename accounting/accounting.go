// Package accounting implements the WACB updater, billing-cycle rollup and
// P&L event recording, grounded on the teacher's DataSamples.IntegrateSamples
// (energy integration) and mpc_persistence.go's spot-price cost calculation.
package accounting

import (
	"time"

	"github.com/powermaster/energy-optimiser/core"
)

// TickSample is one tick's worth of measured average powers and the tariff
// in effect, the input to Engine.Apply.
type TickSample struct {
	Now       time.Time
	ElapsedS  float64
	GridW     float64 // +import, -export
	SolarW    float64
	LoadW     float64
	BatteryW  float64 // +charge, -discharge
	ImportC   float64
	ExportC   float64
	ArbitrageDischarge bool // true when this tick's export was FORCE_DISCHARGE-induced
}

// Event is one accounting P&L event recorded for the dashboard/persistence.
type Event struct {
	At                time.Time
	ImportedKWh       float64
	ExportedKWh       float64
	ChargedKWh        float64
	DischargedKWh     float64
	ImportC           float64
	ExportC           float64
	SelfConsumptionC  float64
	ArbitrageC        float64
	WACBAfter         float64
	ArchivedCycle     *core.BillingCycle // set on the tick that rolled the cycle over
}

// Engine owns the AccountingState and is the only component permitted to
// mutate it, per the ownership rule in §3.
type Engine struct {
	state core.AccountingState
	capacityKWh float64
	rolloverDay int
}

// NewEngine creates an accounting engine seeded with an initial SOC and
// battery capacity, with billing cycles rolling over on rolloverDay of each
// month (local midnight).
func NewEngine(initialSOC, capacityKWh float64, rolloverDay int, cycleStart time.Time) *Engine {
	return &Engine{
		state: core.AccountingState{
			StoredEnergyKWh: initialSOC * capacityKWh,
			Cycle:           core.BillingCycle{StartDate: cycleStart},
		},
		capacityKWh: capacityKWh,
		rolloverDay: rolloverDay,
	}
}

// State returns a copy of the current accounting state.
func (e *Engine) State() core.AccountingState {
	return e.state
}

// Apply integrates one tick's measured powers into the accounting state per
// §4.8 and returns the event recorded for this tick.
func (e *Engine) Apply(s TickSample) Event {
	archived := e.maybeRollover(s.Now)

	hours := s.ElapsedS / 3600.0
	importedKWh := maxF(s.GridW, 0) * hours / 1000
	exportedKWh := maxF(-s.GridW, 0) * hours / 1000
	chargedKWh := maxF(s.BatteryW, 0) * hours / 1000
	dischargedKWh := maxF(-s.BatteryW, 0) * hours / 1000

	importC := importedKWh * s.ImportC
	exportC := exportedKWh * s.ExportC
	selfConsumptionC := minF(s.SolarW, s.LoadW) * hours / 1000 * s.ImportC

	e.state.Cycle.ImportC += importC
	e.state.Cycle.ExportC += exportC
	e.state.Cycle.SelfConsumptionC += selfConsumptionC

	if chargedKWh > 0 {
		costC := s.ImportC
		if s.GridW <= 0 {
			costC = s.ExportC // PV-sourced charging: opportunity cost is the export price forgone
		}
		denom := e.state.StoredEnergyKWh + chargedKWh
		if denom > 0 {
			e.state.WACBCPerKWh = (e.state.WACBCPerKWh*e.state.StoredEnergyKWh + costC*chargedKWh) / denom
		}
		e.state.StoredEnergyKWh += chargedKWh
	}

	var arbitrageC float64
	if dischargedKWh > 0 {
		e.state.StoredEnergyKWh -= dischargedKWh
		if s.ArbitrageDischarge {
			arbitrageC = (s.ExportC - e.state.WACBCPerKWh) * exportedKWh
			e.state.Cycle.ArbitrageC += arbitrageC
		}
	}

	if e.state.StoredEnergyKWh < 0 {
		e.state.StoredEnergyKWh = 0
	}
	if e.state.StoredEnergyKWh > e.capacityKWh {
		e.state.StoredEnergyKWh = e.capacityKWh
	}

	return Event{
		At:               s.Now,
		ImportedKWh:      importedKWh,
		ExportedKWh:      exportedKWh,
		ChargedKWh:       chargedKWh,
		DischargedKWh:    dischargedKWh,
		ImportC:          importC,
		ExportC:          exportC,
		SelfConsumptionC: selfConsumptionC,
		ArbitrageC:       arbitrageC,
		WACBAfter:        e.state.WACBCPerKWh,
		ArchivedCycle:    archived,
	}
}

// AddFixedCost records a fixed (non-energy) charge into the current cycle,
// e.g. a standing daily connection fee.
func (e *Engine) AddFixedCost(c float64) {
	e.state.Cycle.FixedC += c
}

// maybeRollover snapshots and archives the prior cycle when now crosses the
// configured rollover day-of-month at local midnight, returning the
// archived cycle or nil if no rollover occurred this tick.
func (e *Engine) maybeRollover(now time.Time) *core.BillingCycle {
	if now.Day() != e.rolloverDay {
		return nil
	}
	cycleDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if !cycleDay.After(e.state.Cycle.StartDate) {
		return nil
	}
	prior := e.state.Cycle
	e.state.Cycle = core.BillingCycle{StartDate: cycleDay}
	return &prior
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
