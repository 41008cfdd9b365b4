// Package inverter defines the driver boundary consumed by the core
// (read_telemetry/set_mode) and a concrete Modbus implementation grounded
// on the teacher's sigenergy.SigenModbusClient, generalized from the
// Sigenergy-specific register map to the abstract mode/power surface the
// planner and arbitrator depend on.
package inverter

import (
	"context"

	"github.com/powermaster/energy-optimiser/core"
)

// Driver is the boundary the tick loop depends on. All operations must
// honour the caller's context deadline (Modbus read budget is 2s per §5).
type Driver interface {
	ReadTelemetry(ctx context.Context) (core.Telemetry, error)
	SetMode(ctx context.Context, mode core.Mode, powerW *float64, exportCapW *float64) error
	Close() error
}
