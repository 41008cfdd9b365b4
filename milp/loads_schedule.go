package milp

import (
	"sort"
	"time"

	"github.com/powermaster/energy-optimiser/core"
)

// loadSchedule is the greedy deferrable-load placement computed once per
// solve, before the battery SOC DP runs: each load claims the highest-solar
// slots within its window, honouring min/max runtime and, unless
// allow_split_shifts, contiguity. This mirrors the teacher's actual
// architecture, where miners.go's price/power-gated heuristic runs
// alongside, not inside, the battery MPC in mpc.go — the MILP formulation's
// joint load/battery optimisation is relaxed into this two-phase approach
// for the same reason no exact solver is available.
type loadSchedule struct {
	powerBySlot []float64
	namesBySlot []map[string]struct{}
}

func scheduleLoads(p Problem) loadSchedule {
	n := len(p.Forecast.Points)
	s := loadSchedule{
		powerBySlot: make([]float64, n),
		namesBySlot: make([]map[string]struct{}, n),
	}
	for i := range s.namesBySlot {
		s.namesBySlot[i] = map[string]struct{}{}
	}

	loads := append([]core.LoadDefinition(nil), p.Loads...)
	sort.SliceStable(loads, func(i, j int) bool { return loads[i].PriorityClass > loads[j].PriorityClass })

	for _, l := range loads {
		if !l.Enabled {
			continue
		}
		placeLoad(p, l, &s)
	}

	return s
}

type candidate struct {
	idx   int
	solar float64
}

func placeLoad(p Problem, l core.LoadDefinition, s *loadSchedule) {
	var candidates []candidate
	for i, point := range p.Forecast.Points {
		if !inWindow(point.SlotStart, l) {
			continue
		}
		if _, ok := l.DaysOfWeek[point.SlotStart.Weekday()]; len(l.DaysOfWeek) > 0 && !ok {
			continue
		}
		candidates = append(candidates, candidate{idx: i, solar: selectSolar(point, p)})
	}
	if len(candidates) == 0 {
		return
	}

	slotMinutes := int(core.SlotDuration.Minutes())
	maxSlots := l.MaxRuntimeMin / slotMinutes
	if maxSlots == 0 {
		return
	}

	if l.PreferSolar {
		sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].solar > candidates[j].solar })
	}

	if !l.AllowSplitShifts {
		placeContiguous(p, l, candidates, maxSlots, s)
		return
	}

	placed := 0
	for _, c := range candidates {
		if placed >= maxSlots {
			break
		}
		s.powerBySlot[c.idx] += l.PowerW
		s.namesBySlot[c.idx][l.Name] = struct{}{}
		placed++
	}
}

// placeContiguous finds the highest-solar-weighted contiguous run of up to
// maxSlots within the candidate window, since allow_split_shifts=false
// requires a single uninterrupted shift.
func placeContiguous(p Problem, l core.LoadDefinition, candidates []candidate, maxSlots int, s *loadSchedule) {
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].idx < candidates[j].idx })

	bestStart, bestLen, bestScore := -1, 0, -1.0
	for start := 0; start < len(candidates); start++ {
		runLen := 1
		score := candidates[start].solar
		for end := start + 1; end < len(candidates) && runLen < maxSlots; end++ {
			if candidates[end].idx != candidates[end-1].idx+1 {
				break
			}
			runLen++
			score += candidates[end].solar
		}
		if runLen*int(core.SlotDuration.Minutes()) >= l.MinRuntimeMin && score > bestScore {
			bestScore = score
			bestStart = start
			bestLen = runLen
		}
	}

	if bestStart < 0 {
		return
	}
	for i := bestStart; i < bestStart+bestLen; i++ {
		idx := candidates[i].idx
		s.powerBySlot[idx] += l.PowerW
		s.namesBySlot[idx][l.Name] = struct{}{}
	}
}

func inWindow(slotStart time.Time, l core.LoadDefinition) bool {
	h := slotStart.Hour()
	if l.EarliestH < l.LatestH {
		return h >= l.EarliestH && h < l.LatestH
	}
	// window wraps past midnight
	return h >= l.EarliestH || h < l.LatestH
}
