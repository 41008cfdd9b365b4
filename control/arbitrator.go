// Package control implements the prioritised decision hierarchy
// (Arbitrator) and the anti-oscillation guard that gates commands actually
// sent to the inverter driver.
package control

import (
	"fmt"
	"time"

	"github.com/powermaster/energy-optimiser/core"
)

// Inputs bundles the arbitrator's pure-function inputs: safety state, storm
// state, current SOC, the plan slot covering now, any user override, and
// the opportunistic export signal.
type Inputs struct {
	InverterFault   bool
	SOC             float64
	SOCMinHard      float64
	SOCMax          float64
	StormProbNextN  float64
	StormThreshold  float64
	StormReserveSOC float64
	StormChargeW    float64
	SOCMinSoft      float64
	SOCFloorChargeW float64
	TariffSpikeActive bool
	Override        *core.Override
	Now             time.Time
	Plan            *core.PlanSlot
	ExportC         float64
	SpikeThresholdC float64
	OpportunisticMinSOC float64
	OpportunisticW      float64
}

// Decide applies the seven-level hierarchy of §4.5, highest priority first.
// It is a pure function: the same Inputs always produce the same Decision.
func Decide(in Inputs) core.Decision {
	if in.InverterFault || in.SOC < in.SOCMinHard {
		return core.Decision{
			TargetMode: core.SelfUse,
			ExportCapW: 0,
			Source:     core.SourceSafety,
			Rationale:  safetyRationale(in),
		}
	}
	if in.SOC > in.SOCMax {
		return core.Decision{
			TargetMode: core.SelfUse,
			ExportCapW: -1,
			Source:     core.SourceSafety,
			Rationale:  "SOC above soc_max, unrestricted export",
		}
	}

	if in.StormProbNextN >= in.StormThreshold && in.SOC < in.StormReserveSOC {
		return core.Decision{
			TargetMode: core.ForceCharge,
			PowerW:     in.StormChargeW,
			ExportCapW: 0,
			Source:     core.SourceStorm,
			Rationale:  fmt.Sprintf("storm probability %.2f >= threshold %.2f, charging to reserve", in.StormProbNextN, in.StormThreshold),
		}
	}

	if in.SOC < in.SOCMinSoft && !in.TariffSpikeActive {
		return core.Decision{
			TargetMode: core.ForceCharge,
			PowerW:     in.SOCFloorChargeW,
			ExportCapW: 0,
			Source:     core.SourceSOCFloor,
			Rationale:  fmt.Sprintf("SOC %.3f below soc_min_soft %.3f", in.SOC, in.SOCMinSoft),
		}
	}

	if in.Override != nil && in.Override.Active(in.Now) {
		powerW := 0.0
		if in.Override.PowerW != nil {
			powerW = *in.Override.PowerW
		}
		return core.Decision{
			TargetMode: in.Override.Mode,
			PowerW:     powerW,
			ExportCapW: -1,
			Source:     core.SourceOverride,
			Rationale:  "user override active",
		}
	}

	if in.Plan != nil {
		if in.Plan.Mode == core.SelfUse && in.ExportC >= in.SpikeThresholdC && in.SOC >= in.OpportunisticMinSOC {
			return core.Decision{
				TargetMode: core.ForceDischarge,
				PowerW:     in.OpportunisticW,
				ExportCapW: -1,
				Source:     core.SourceOpportunistic,
				Rationale:  fmt.Sprintf("export price %.1f >= spike threshold %.1f, SOC %.3f sufficient", in.ExportC, in.SpikeThresholdC, in.SOC),
			}
		}
		return core.Decision{
			TargetMode: in.Plan.Mode,
			PowerW:     planPowerW(*in.Plan),
			ExportCapW: -1,
			Source:     core.SourcePlan,
			Rationale:  "following active plan slot",
		}
	}

	return core.Decision{
		TargetMode: core.SelfUse,
		ExportCapW: -1,
		Source:     core.SourceDefault,
		Rationale:  "no plan available, no override, defaulting to self-use",
	}
}

func planPowerW(slot core.PlanSlot) float64 {
	if slot.ChargeW > 0 {
		return slot.ChargeW
	}
	return slot.DischargeW
}

func safetyRationale(in Inputs) string {
	if in.InverterFault {
		return "inverter fault reported"
	}
	return fmt.Sprintf("SOC %.3f below soc_min_hard %.3f", in.SOC, in.SOCMinHard)
}
