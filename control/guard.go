package control

import (
	"fmt"
	"sync"
	"time"

	"github.com/powermaster/energy-optimiser/core"
)

// appliedCommand is the last command the tick loop actually pushed to the
// inverter driver.
type appliedCommand struct {
	mode      core.Mode
	powerW    float64
	appliedAt time.Time
}

// transitionWindow is a 60-minute rolling bucket counter of mode
// transitions, generalizing governor.RollingMinMax's minute-bucket design
// to a fixed-size ring instead of min/max tracking.
type transitionWindow struct {
	buckets [60]int
	lastMin int64
}

func (w *transitionWindow) record(now time.Time) {
	w.rotate(now)
	w.buckets[now.Unix()/60%60]++
}

func (w *transitionWindow) count(now time.Time) int {
	w.rotate(now)
	total := 0
	for _, c := range w.buckets {
		total += c
	}
	return total
}

func (w *transitionWindow) rotate(now time.Time) {
	curMin := now.Unix() / 60
	if w.lastMin == 0 {
		w.lastMin = curMin
		return
	}
	elapsed := curMin - w.lastMin
	if elapsed <= 0 {
		return
	}
	if elapsed >= 60 {
		w.buckets = [60]int{}
	} else {
		for i := int64(0); i < elapsed; i++ {
			idx := (w.lastMin + i + 1) % 60
			w.buckets[idx] = 0
		}
	}
	w.lastMin = curMin
}

// Guard suppresses mode transitions that would oscillate the inverter,
// implementing §4.6's anti-oscillation rules: minimum dwell time, power
// hysteresis, and a rolling max-transitions-per-hour cap.
type Guard struct {
	mu sync.Mutex

	MinModeDwell        time.Duration
	PowerHysteresisW    float64
	MaxModeChangesPerHr int

	applied *appliedCommand
	window  transitionWindow
}

// NewGuard returns a guard with the given thresholds.
func NewGuard(minDwell time.Duration, powerHysteresisW float64, maxChangesPerHour int) *Guard {
	return &Guard{
		MinModeDwell:        minDwell,
		PowerHysteresisW:    powerHysteresisW,
		MaxModeChangesPerHr: maxChangesPerHour,
	}
}

// Apply evaluates a newly arbitrated decision against the currently applied
// command. It returns the command that should actually be sent (which may
// be the previous one, unchanged) plus a bool indicating whether the
// decision was suppressed, and an updated rationale when it was.
func (g *Guard) Apply(now time.Time, d core.Decision) (core.Decision, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.applied == nil {
		g.commitLocked(now, d)
		return d, false
	}

	isPriority := d.Source == core.SourceSafety || d.Source == core.SourceOverride

	if d.TargetMode != g.applied.mode {
		if !isPriority && now.Sub(g.applied.appliedAt) < g.MinModeDwell {
			return g.suppressedLocked(d, "dwell")
		}
		if !isPriority && g.window.count(now) >= g.MaxModeChangesPerHr {
			return g.suppressedLocked(d, "max_mode_changes_per_hour reached")
		}
		g.commitLocked(now, d)
		if !isPriority {
			g.window.record(now)
		}
		return d, false
	}

	if absFloat(d.PowerW-g.applied.powerW) < g.PowerHysteresisW {
		return g.suppressedLocked(d, "power_hysteresis")
	}

	g.commitLocked(now, d)
	return d, false
}

func (g *Guard) commitLocked(now time.Time, d core.Decision) {
	g.applied = &appliedCommand{mode: d.TargetMode, powerW: d.PowerW, appliedAt: now}
}

func (g *Guard) suppressedLocked(d core.Decision, reason string) (core.Decision, bool) {
	prev := *g.applied
	suppressed := core.Decision{
		TargetMode: prev.mode,
		PowerW:     prev.powerW,
		ExportCapW: d.ExportCapW,
		Source:     d.Source,
		Rationale:  fmt.Sprintf("suppressed (%s): %s", reason, d.Rationale),
	}
	return suppressed, true
}

// LastApplied returns the currently applied command, for the
// command-refresh loop to re-send.
func (g *Guard) LastApplied() (core.Mode, float64, time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.applied == nil {
		return 0, 0, time.Time{}, false
	}
	return g.applied.mode, g.applied.powerW, g.applied.appliedAt, true
}

func absFloat(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
