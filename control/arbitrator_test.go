package control

import (
	"testing"
	"time"

	"github.com/powermaster/energy-optimiser/core"
	"github.com/stretchr/testify/assert"
)

func TestSafetyBeatsEverything(t *testing.T) {
	d := Decide(Inputs{
		InverterFault: true,
		SOC:           0.5,
		SOCMinHard:    0.1,
		SOCMax:        0.95,
		Plan:          &core.PlanSlot{Mode: core.ForceDischarge},
	})
	assert.Equal(t, core.SourceSafety, d.Source)
	assert.Equal(t, core.SelfUse, d.TargetMode)
	assert.Equal(t, 0.0, d.ExportCapW)
}

func TestSpikeArbitrageScenario(t *testing.T) {
	// From spec.md scenario 1: soc_0=0.80, next slot import_c=5, export_c=95,
	// spike_threshold=80, storm off.
	d := Decide(Inputs{
		SOC:                 0.80,
		SOCMinHard:           0.05,
		SOCMax:               0.95,
		SOCMinSoft:           0.15,
		StormProbNextN:       0,
		StormThreshold:       0.5,
		ExportC:              95,
		SpikeThresholdC:      80,
		OpportunisticMinSOC:  0.5,
		OpportunisticW:       2000,
		Plan:                 &core.PlanSlot{Mode: core.SelfUse},
	})
	assert.Equal(t, core.SourceOpportunistic, d.Source)
	assert.Equal(t, core.ForceDischarge, d.TargetMode)
}

func TestStormReserveScenario(t *testing.T) {
	// Scenario 2: storm_prob=0.7, threshold=0.5, storm_reserve_soc=0.60, soc_0=0.35.
	d := Decide(Inputs{
		SOC:             0.35,
		SOCMinHard:      0.05,
		SOCMax:          0.95,
		SOCMinSoft:      0.15,
		StormProbNextN:  0.7,
		StormThreshold:  0.5,
		StormReserveSOC: 0.60,
		StormChargeW:    1500,
		Plan:            &core.PlanSlot{Mode: core.SelfUse},
	})
	assert.Equal(t, core.SourceStorm, d.Source)
	assert.Equal(t, core.ForceCharge, d.TargetMode)
	assert.Equal(t, 1500.0, d.PowerW)
}

func TestOverrideExpiry(t *testing.T) {
	t0 := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	override := &core.Override{Mode: core.ForceCharge, ExpiresAt: t0.Add(3600 * time.Second)}

	before := Decide(Inputs{
		SOC: 0.5, SOCMinHard: 0.05, SOCMax: 0.95, SOCMinSoft: 0.15,
		Override: override, Now: t0.Add(3599 * time.Second),
		Plan: &core.PlanSlot{Mode: core.SelfUse},
	})
	assert.Equal(t, core.SourceOverride, before.Source)

	after := Decide(Inputs{
		SOC: 0.5, SOCMinHard: 0.05, SOCMax: 0.95, SOCMinSoft: 0.15,
		Override: override, Now: t0.Add(3601 * time.Second),
		Plan: &core.PlanSlot{Mode: core.SelfUse},
	})
	assert.Equal(t, core.SourcePlan, after.Source)
}

func TestArbitratorMonotonicity(t *testing.T) {
	base := Inputs{
		SOC: 0.5, SOCMinHard: 0.05, SOCMax: 0.95, SOCMinSoft: 0.15,
		Plan: &core.PlanSlot{Mode: core.SelfUse},
	}
	planOnly := Decide(base)
	assert.Equal(t, core.SourcePlan, planOnly.Source)

	withFault := base
	withFault.InverterFault = true
	fault := Decide(withFault)
	assert.True(t, fault.Source.HigherOrEqual(planOnly.Source))
	assert.Equal(t, core.SourceSafety, fault.Source)
}
