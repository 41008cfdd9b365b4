package milp

import (
	"math"
	"time"

	"github.com/powermaster/energy-optimiser/core"
)

// socBuckets is the SOC discretization resolution, matching the teacher's
// mpc.MPCController 200-step table.
const socBuckets = 200

// powerLevels is the number of discrete magnitudes tried for each
// force-mode action, generalizing the teacher's generateFeasibleDecisions
// enumeration.
const powerLevels = 5

// DPSolver is the shipped concrete Solver: a forward dynamic program over
// discretized SOC buckets with 17 actions per slot (2 always-on self-use
// actions plus 3 force-modes x 5 power levels), followed by backward path
// reconstruction. It fixes action enumeration order so identical inputs
// produce byte-identical plans, satisfying the determinism law.
type DPSolver struct{}

// NewDPSolver returns the default DP-relaxation solver.
func NewDPSolver() *DPSolver { return &DPSolver{} }

type flow struct {
	cPV, cGrid, dLoad, dGrid, imp, exp float64
	newSOC                             float64
}

type action struct {
	mode      core.Mode
	magnitude float64 // fraction of the relevant max power, 0..1
}

func actionSet() []action {
	acts := []action{
		{mode: core.SelfUse},
		{mode: core.SelfUseZeroExport},
	}
	for _, m := range []core.Mode{core.ForceCharge, core.ForceDischarge, core.ChargeNoImport} {
		for i := 1; i <= powerLevels; i++ {
			acts = append(acts, action{mode: m, magnitude: float64(i) / float64(powerLevels)})
		}
	}
	return acts
}

// Solve runs the DP over the 96-slot horizon, with the INFEASIBLE retry
// ladder from §4.3: soc_min_soft -> soc_min_hard, storm_reserve relaxed by
// 10%, then the all-SELF_USE fallback plan.
func (s *DPSolver) Solve(p Problem) Solution {
	sol := s.solveOnce(p, p.Battery.SOCMinSoft, p.StormReserveSOC)
	if sol.Status == core.StatusOptimal || sol.Status == core.StatusFeasible {
		return sol
	}

	sol = s.solveOnce(p, p.Battery.SOCMinHard, p.StormReserveSOC*0.9)
	if sol.Status == core.StatusOptimal || sol.Status == core.StatusFeasible {
		return sol
	}

	return fallbackPlan(p)
}

func (s *DPSolver) solveOnce(p Problem, socFloor, stormReserve float64) Solution {
	n := len(p.Forecast.Points)
	if n == 0 {
		return Solution{Status: core.StatusInfeasible}
	}

	acts := actionSet()

	const inf = math.MaxFloat64 / 2

	// cost[t][b] = best cumulative cost to be at SOC bucket b after slot t.
	cost := make([][]float64, n+1)
	from := make([][]int, n+1)   // predecessor bucket
	fromA := make([][]int, n+1)  // action index taken to arrive here
	for t := range cost {
		cost[t] = make([]float64, socBuckets+1)
		from[t] = make([]int, socBuckets+1)
		fromA[t] = make([]int, socBuckets+1)
		for b := range cost[t] {
			cost[t][b] = inf
		}
	}

	socStart := socToBucket(p.SOC0)
	cost[0][socStart] = 0

	schedule := scheduleLoads(p)

	for t := 0; t < n; t++ {
		point := p.Forecast.Points[t]
		tariffPoint := p.Tariff[t]
		solarW := selectSolar(point, p)
		loadW := point.LoadForecastW + schedule.powerBySlot[t]
		storm := point.StormProb >= p.StormProbThreshold

		for b := 0; b <= socBuckets; b++ {
			if cost[t][b] >= inf {
				continue
			}
			soc := bucketToSOC(b)

			for ai, a := range acts {
				fl, ok := simulateAction(a, solarW, loadW, p.Battery, soc, core.SlotDuration)
				if !ok {
					continue
				}
				if fl.newSOC < socFloor-1e-9 || fl.newSOC > p.Battery.SOCMax+1e-9 {
					continue
				}
				if storm && fl.newSOC < stormReserve-1e-9 {
					continue
				}

				nb := socToBucket(fl.newSOC)
				slotCost := slotCostCents(fl, tariffPoint, p, schedule.powerBySlot[t] > 0, solarW)
				total := cost[t][b] + slotCost
				if total < cost[t+1][nb] {
					cost[t+1][nb] = total
					from[t+1][nb] = b
					fromA[t+1][nb] = ai
				}
			}
		}
	}

	bestB, bestCost := -1, inf
	for b := 0; b <= socBuckets; b++ {
		if cost[n][b] < bestCost {
			bestCost = cost[n][b]
			bestB = b
		}
	}
	if bestB < 0 {
		return Solution{Status: core.StatusInfeasible}
	}

	slots := make([]core.PlanSlot, n)
	b := bestB
	for t := n; t >= 1; t-- {
		ai := fromA[t][b]
		a := acts[ai]
		soc := bucketToSOC(b)
		prevB := from[t][b]
		prevSOC := bucketToSOC(prevB)

		point := p.Forecast.Points[t-1]
		solarW := selectSolar(point, p)
		loadW := point.LoadForecastW + schedule.powerBySlot[t-1]
		fl, _ := simulateAction(a, solarW, loadW, p.Battery, prevSOC, core.SlotDuration)

		scheduled := map[string]struct{}{}
		for name := range schedule.namesBySlot[t-1] {
			scheduled[name] = struct{}{}
		}

		slots[t-1] = core.PlanSlot{
			SlotStart:      point.SlotStart,
			Mode:           a.mode,
			ChargeW:        fl.cPV + fl.cGrid,
			DischargeW:     fl.dLoad + fl.dGrid,
			ExpectedSOC:    soc,
			ScheduledLoads: scheduled,
		}
		b = prevB
	}

	status := core.StatusOptimal
	return Solution{Status: status, Slots: slots, ObjectiveCents: bestCost}
}

func socToBucket(soc float64) int {
	if soc < 0 {
		soc = 0
	}
	if soc > 1 {
		soc = 1
	}
	return int(math.Round(soc * socBuckets))
}

func bucketToSOC(b int) float64 {
	return float64(b) / float64(socBuckets)
}

// selectSolar returns the forecast solar power for the configured
// percentile, shrinking to P10 when the forecast snapshot is degraded, per
// the stale-solar penalty in §4.1.
func selectSolar(point core.ForecastPoint, p Problem) float64 {
	if p.Forecast.Degraded() {
		return point.SolarP10W
	}
	switch p.SolarPercentile {
	case "p10":
		return point.SolarP10W
	case "p90":
		return point.SolarP90W
	default:
		return point.SolarP50W
	}
}

func headroomW(soc float64, b core.BatteryParams, dt time.Duration) float64 {
	hours := dt.Hours()
	if hours <= 0 || b.ChargeEff() <= 0 {
		return 0
	}
	kwh := (b.SOCMax - soc) * b.CapacityKWh
	if kwh <= 0 {
		return 0
	}
	return kwh * 1000 / (hours * b.ChargeEff())
}

func availableW(soc float64, b core.BatteryParams, dt time.Duration) float64 {
	hours := dt.Hours()
	if hours <= 0 {
		return 0
	}
	kwh := soc * b.CapacityKWh
	if kwh <= 0 {
		return 0
	}
	return kwh * b.DischargeEff() * 1000 / hours
}

func simulateAction(a action, solarW, loadW float64, b core.BatteryParams, soc float64, dt time.Duration) (flow, bool) {
	var fl flow
	netSurplus := solarW - loadW

	switch a.mode {
	case core.SelfUse, core.SelfUseZeroExport:
		if netSurplus >= 0 {
			charge := math.Min(netSurplus, math.Min(b.MaxChargeW, headroomW(soc, b, dt)))
			fl.cPV = charge
			exportAmt := netSurplus - charge
			if a.mode == core.SelfUseZeroExport {
				exportAmt = 0
			}
			fl.exp = math.Max(exportAmt, 0)
		} else {
			deficit := -netSurplus
			discharge := math.Min(deficit, math.Min(b.MaxDischargeW, availableW(soc, b, dt)))
			fl.dLoad = discharge
			fl.imp = deficit - discharge
		}

	case core.ForceCharge:
		target := a.magnitude * b.MaxChargeW
		headroom := headroomW(soc, b, dt)
		target = math.Min(target, headroom)
		fl.cPV = math.Min(math.Max(netSurplus, 0), target)
		remaining := target - fl.cPV
		fl.cGrid = math.Max(remaining, 0)
		fl.imp = math.Max(loadW-solarW, 0) + fl.cGrid
		fl.exp = math.Max(solarW-loadW-fl.cPV, 0)

	case core.ForceDischarge:
		target := a.magnitude * b.MaxDischargeW
		target = math.Min(target, availableW(soc, b, dt))
		loadDeficit := math.Max(loadW-solarW, 0)
		fl.dLoad = math.Min(loadDeficit, target)
		fl.dGrid = target - fl.dLoad
		fl.imp = loadDeficit - fl.dLoad
		fl.exp = math.Max(solarW-loadW, 0) + fl.dGrid

	case core.ChargeNoImport:
		if netSurplus >= 0 {
			target := a.magnitude * b.MaxChargeW
			charge := math.Min(netSurplus, math.Min(target, headroomW(soc, b, dt)))
			fl.cPV = charge
			fl.exp = netSurplus - charge
		} else {
			deficit := -netSurplus
			discharge := math.Min(deficit, math.Min(b.MaxDischargeW, availableW(soc, b, dt)))
			fl.dLoad = discharge
			fl.imp = deficit - discharge
		}

	default:
		return flow{}, false
	}

	hours := dt.Hours()
	deltaKWh := b.ChargeEff()*(fl.cPV+fl.cGrid)*hours/1000 - (fl.dLoad+fl.dGrid)*hours/(1000*b.DischargeEff())
	fl.newSOC = soc + deltaKWh/b.CapacityKWh
	return fl, true
}

func slotCostCents(fl flow, tp core.TariffPoint, p Problem, loadScheduledHere bool, solarW float64) float64 {
	hours := core.SlotDuration.Hours()
	impKWh := fl.imp * hours / 1000
	expKWh := fl.exp * hours / 1000
	cycleKWh := (fl.cPV + fl.cGrid + fl.dLoad + fl.dGrid) * hours / 1000

	c := impKWh*tp.ImportC + p.DegradationCPerKWh*cycleKWh - expKWh*tp.ExportC

	if loadScheduledHere {
		c -= p.PreferSolarRho * solarW * hours / 1000
	}

	if tp.ExportC-tp.ImportC > p.BreakEvenDeltaC {
		c -= p.ArbitrageLambda
	}

	return c
}

// fallbackPlan builds the all-SELF_USE, no-scheduled-loads plan returned
// when the DP is infeasible even after the relaxation ladder.
func fallbackPlan(p Problem) Solution {
	slots := make([]core.PlanSlot, len(p.Forecast.Points))
	soc := p.SOC0
	for i, point := range p.Forecast.Points {
		solarW := selectSolar(point, p)
		fl, _ := simulateAction(action{mode: core.SelfUse}, solarW, point.LoadForecastW, p.Battery, soc, core.SlotDuration)
		soc = fl.newSOC
		slots[i] = core.PlanSlot{
			SlotStart:      point.SlotStart,
			Mode:           core.SelfUse,
			ChargeW:        fl.cPV,
			DischargeW:     fl.dLoad,
			ExpectedSOC:    soc,
			ScheduledLoads: map[string]struct{}{},
		}
	}
	return Solution{Status: core.StatusInfeasible, Slots: slots}
}
