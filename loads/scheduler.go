// Package loads implements the per-device deferrable-load state machine
// run inside the tick loop after arbitration, generalizing the teacher's
// scheduler.manageMiners / controlMiner per-device control idiom from
// Bitcoin miners to arbitrary household loads.
package loads

import (
	"log"
	"time"

	"github.com/powermaster/energy-optimiser/core"
)

// Action is an emitted device action; the scheduler never hands the driver
// a bare state, only a turn_on/turn_off instruction.
type Action struct {
	Name   string
	TurnOn bool
}

// DriverFault reports whether a device's driver last reported a fault.
type DriverFault func(name string) bool

// Scheduler runs the IDLE/RUNNING/COMPLETED/LOCKED_OUT state machine for a
// configured set of loads.
type Scheduler struct {
	logger *log.Logger
	defs   map[string]core.LoadDefinition
	states map[string]*core.LoadRuntimeState
	lastDay time.Time
}

// NewScheduler builds a scheduler for the given load definitions.
func NewScheduler(defs []core.LoadDefinition, logger *log.Logger) *Scheduler {
	s := &Scheduler{
		logger: logger,
		defs:   make(map[string]core.LoadDefinition, len(defs)),
		states: make(map[string]*core.LoadRuntimeState, len(defs)),
	}
	for _, d := range defs {
		s.defs[d.Name] = d
		s.states[d.Name] = &core.LoadRuntimeState{Name: d.Name, State: core.LoadIdle}
	}
	return s
}

// State returns a copy of one device's current runtime state.
func (s *Scheduler) State(name string) (core.LoadRuntimeState, bool) {
	st, ok := s.states[name]
	if !ok {
		return core.LoadRuntimeState{}, false
	}
	return *st, true
}

// Tick runs one scheduling pass: resets daily runtime at local midnight,
// applies the per-device fault/plan/runtime transitions, and returns the
// turn_on/turn_off actions to send to the device driver.
func (s *Scheduler) Tick(now time.Time, planSaysOn map[string]bool, faulted DriverFault, elapsedSinceLastTick time.Duration) []Action {
	s.resetAtMidnight(now)

	var actions []Action
	for name, def := range s.defs {
		if !def.Enabled {
			continue
		}
		st := s.states[name]
		prev := st.State

		if faulted(name) {
			st.State = core.LoadLockedOut
		} else {
			s.transition(def, st, now, planSaysOn[name], elapsedSinceLastTick)
		}

		if st.State != prev {
			st.LastTransitionAt = now
			s.logger.Printf("load %s: %s -> %s", name, prev, st.State)
		}

		switch {
		case prev != core.LoadRunning && st.State == core.LoadRunning:
			actions = append(actions, Action{Name: name, TurnOn: true})
		case prev == core.LoadRunning && st.State != core.LoadRunning:
			actions = append(actions, Action{Name: name, TurnOn: false})
		}
	}
	return actions
}

func (s *Scheduler) transition(def core.LoadDefinition, st *core.LoadRuntimeState, now time.Time, planOn bool, elapsed time.Duration) {
	withinWindow := inWindow(now, def)
	dayOK := dayAllowed(now, def)
	atMax := st.RuntimeMinutesToday >= def.MaxRuntimeMin
	metMin := st.RuntimeMinutesToday >= def.MinRuntimeMin

	switch st.State {
	case core.LoadIdle:
		if atMax {
			st.State = core.LoadCompleted
			return
		}
		if planOn && withinWindow && dayOK {
			st.State = core.LoadRunning
			st.CurrentShiftStart = now
		}

	case core.LoadRunning:
		st.RuntimeMinutesToday += int(elapsed.Minutes())
		if st.RuntimeMinutesToday >= def.MaxRuntimeMin {
			st.State = core.LoadCompleted
			return
		}
		if !planOn {
			if def.AllowSplitShifts && metMin {
				st.State = core.LoadIdle
				return
			}
			if !def.AllowSplitShifts {
				st.State = core.LoadLockedOut
				return
			}
			// split shifts allowed but min runtime not yet met: keep running
		}

	case core.LoadCompleted, core.LoadLockedOut:
		// terminal for the day; only the midnight reset clears these.
	}
}

func (s *Scheduler) resetAtMidnight(now time.Time) {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if s.lastDay.Equal(day) {
		return
	}
	if !s.lastDay.IsZero() {
		for _, st := range s.states {
			st.State = core.LoadIdle
			st.RuntimeMinutesToday = 0
		}
	}
	s.lastDay = day
}

func inWindow(now time.Time, def core.LoadDefinition) bool {
	h := now.Hour()
	if def.EarliestH < def.LatestH {
		return h >= def.EarliestH && h < def.LatestH
	}
	return h >= def.EarliestH || h < def.LatestH
}

func dayAllowed(now time.Time, def core.LoadDefinition) bool {
	if len(def.DaysOfWeek) == 0 {
		return true
	}
	_, ok := def.DaysOfWeek[now.Weekday()]
	return ok
}
