// Package milp defines the planner's abstract Solver boundary and ships a
// concrete SOC-discretized dynamic-programming solver, grounded on the
// teacher's mpc.MPCController.Optimize, since no LP/MILP library appears
// anywhere in the retrieved example pack.
package milp

import (
	"time"

	"github.com/powermaster/energy-optimiser/core"
)

// Problem is the planner's input: 96 slots of forecast/tariff data plus
// battery and load parameters, matching the decision-variable constants of
// the MILP formulation (S_t, L_t, P_l, import_c_t, export_c_t).
type Problem struct {
	Now           time.Time
	Forecast      core.Forecast48h
	Tariff        []core.TariffPoint // one per slot, same order as Forecast.Points
	Battery       core.BatteryParams
	SOC0          float64
	Loads         []core.LoadDefinition
	SolarPercentile string // "p10", "p50", or "p90"
	StormReserveSOC float64
	StormProbThreshold float64
	DegradationCPerKWh float64
	PreferSolarRho     float64
	ArbitrageLambda    float64
	BreakEvenDeltaC    float64
	ForecastHash       string
	TariffHash         string
	ParamsHash         string
}

// Solution is the solver's output: a terminal status and, on success, the
// per-slot decisions needed to build a Plan.
type Solution struct {
	Status         core.SolverStatus
	Slots          []core.PlanSlot
	ObjectiveCents float64
}

// Solver is the abstract boundary the planner depends on
// (build(problem) -> {status, variable_values, objective}). Concrete
// solvers are plugged in at startup; the DP solver below is the shipped
// default.
type Solver interface {
	Solve(p Problem) Solution
}
