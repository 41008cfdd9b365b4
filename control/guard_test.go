package control

import (
	"testing"
	"time"

	"github.com/powermaster/energy-optimiser/core"
	"github.com/stretchr/testify/assert"
)

func TestAntiOscillationDwellScenario(t *testing.T) {
	// From spec.md scenario 3: SELF_USE at t=0; at t=4min plan says
	// FORCE_CHARGE. Expected: suppressed until t=11min (dwell 600s = 10min).
	g := NewGuard(600*time.Second, 200, 6)
	t0 := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	applied, suppressed := g.Apply(t0, core.Decision{TargetMode: core.SelfUse, Source: core.SourcePlan})
	assert.False(t, suppressed)
	assert.Equal(t, core.SelfUse, applied.TargetMode)

	t4 := t0.Add(4 * time.Minute)
	applied, suppressed = g.Apply(t4, core.Decision{TargetMode: core.ForceCharge, Source: core.SourcePlan, Rationale: "plan"})
	assert.True(t, suppressed)
	assert.Equal(t, core.SelfUse, applied.TargetMode)

	t11 := t0.Add(11 * time.Minute)
	applied, suppressed = g.Apply(t11, core.Decision{TargetMode: core.ForceCharge, Source: core.SourcePlan, Rationale: "plan"})
	assert.False(t, suppressed)
	assert.Equal(t, core.ForceCharge, applied.TargetMode)
}

func TestSafetyBypassesDwell(t *testing.T) {
	g := NewGuard(600*time.Second, 200, 6)
	t0 := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	g.Apply(t0, core.Decision{TargetMode: core.SelfUse, Source: core.SourcePlan})

	t1 := t0.Add(time.Minute)
	applied, suppressed := g.Apply(t1, core.Decision{TargetMode: core.SelfUse, Source: core.SourceSafety, ExportCapW: 0})
	assert.False(t, suppressed)
	_ = applied
}

func TestPowerHysteresisSuppressesSmallChange(t *testing.T) {
	g := NewGuard(600*time.Second, 200, 6)
	t0 := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	g.Apply(t0, core.Decision{TargetMode: core.ForceCharge, PowerW: 1000, Source: core.SourcePlan})

	t1 := t0.Add(time.Minute)
	applied, suppressed := g.Apply(t1, core.Decision{TargetMode: core.ForceCharge, PowerW: 1100, Source: core.SourcePlan})
	assert.True(t, suppressed)
	assert.Equal(t, 1000.0, applied.PowerW)

	applied, suppressed = g.Apply(t1, core.Decision{TargetMode: core.ForceCharge, PowerW: 1300, Source: core.SourcePlan})
	assert.False(t, suppressed)
	assert.Equal(t, 1300.0, applied.PowerW)
}

func TestMaxModeChangesPerHour(t *testing.T) {
	g := NewGuard(0, 0, 2)
	t0 := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	g.Apply(t0, core.Decision{TargetMode: core.SelfUse, Source: core.SourcePlan})
	_, s1 := g.Apply(t0.Add(1*time.Minute), core.Decision{TargetMode: core.ForceCharge, Source: core.SourcePlan})
	assert.False(t, s1)
	_, s2 := g.Apply(t0.Add(2*time.Minute), core.Decision{TargetMode: core.SelfUse, Source: core.SourcePlan})
	assert.False(t, s2)
	_, s3 := g.Apply(t0.Add(3*time.Minute), core.Decision{TargetMode: core.ForceCharge, Source: core.SourcePlan})
	assert.True(t, s3, "third transition within the hour should be suppressed")
}
