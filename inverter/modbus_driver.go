package inverter

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/powermaster/energy-optimiser/core"
	"github.com/powermaster/energy-optimiser/resilience"
)

// maxRegisterAttempts bounds retries on a single register read/write; beyond
// this the caller should treat the connection as down rather than keep
// stalling the tick loop.
const maxRegisterAttempts = 4

// withRetry runs op, retrying transient Modbus I/O errors with the same
// exponential jittered backoff (200ms -> 30s) used for the forecast
// provider polls, per §7's transient-I/O retry policy.
func withRetry(op func() error) error {
	var err error
	for attempt := 0; attempt < maxRegisterAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt == maxRegisterAttempts-1 {
			break
		}
		time.Sleep(resilience.Backoff(attempt, rand.Float64))
	}
	return err
}

// Register addresses for the hybrid inverter's Modbus map, named the way
// the teacher's sigenergy package names its plant/EMS registers. Holding
// registers are big-endian 32-bit fixed point, scaled by the given factor,
// following ReadPlantRunningInfo's byte-conversion helpers.
const (
	regBatterySOC     = 30100 // uint16, 0-1000 -> fraction
	regSolarPowerW    = 30102 // int32, watts
	regLoadPowerW     = 30104 // int32, watts
	regGridPowerW     = 30106 // int32, +import/-export, watts
	regBatteryPowerW  = 30108 // int32, +charge/-discharge, watts
	regFaultFlags     = 30110 // uint16 bitmask
	regInverterMode   = 40200 // uint16, remote EMS mode
	regSetMode        = 40200
	regSetPowerW      = 40202 // int32, watts
	regSetExportCapW  = 40204 // int32, watts; 0xFFFFFFFF = unrestricted
)

// emsModeFor maps a core.Mode to the device's remote-EMS mode code,
// following the semantics documented on sigenergy.SetRemoteEMSMode: standby,
// self-consumption, command-charging, command-discharging.
func emsModeFor(m core.Mode) uint16 {
	switch m {
	case core.SelfUse, core.SelfUseZeroExport:
		return 2
	case core.ForceCharge, core.ChargeNoImport:
		return 4
	case core.ForceDischarge:
		return 6
	default:
		return 1
	}
}

// ModbusDriver is a TCP Modbus inverter driver. All reads and writes are
// serialised through a single mutex, per the exclusive inverter-connection
// resource policy in §5.
type ModbusDriver struct {
	mu     sync.Mutex
	client modbus.Client
	handler *modbus.TCPClientHandler
	logger *log.Logger
}

// NewModbusTCPDriver dials a hybrid inverter over Modbus TCP at addr
// (host:port), with a 2s per-call timeout per §5.
func NewModbusTCPDriver(addr string, unitID byte, logger *log.Logger) (*ModbusDriver, error) {
	handler := modbus.NewTCPClientHandler(addr)
	handler.Timeout = 2 * time.Second
	handler.SlaveId = unitID

	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("inverter: connect %s: %w", addr, err)
	}

	return &ModbusDriver{
		client:  modbus.NewClient(handler),
		handler: handler,
		logger:  logger,
	}, nil
}

// Close releases the underlying TCP connection.
func (d *ModbusDriver) Close() error {
	return d.handler.Close()
}

// ReadTelemetry reads the live telemetry block. The context deadline is
// advisory here since goburrow/modbus has no native context support; the
// handler's fixed Timeout enforces the 2s budget regardless.
func (d *ModbusDriver) ReadTelemetry(ctx context.Context) (core.Telemetry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	socRaw, err := d.readUint16(regBatterySOC)
	if err != nil {
		return core.Telemetry{}, fmt.Errorf("inverter: read soc: %w", err)
	}
	solarW, err := d.readInt32(regSolarPowerW)
	if err != nil {
		return core.Telemetry{}, fmt.Errorf("inverter: read solar power: %w", err)
	}
	loadW, err := d.readInt32(regLoadPowerW)
	if err != nil {
		return core.Telemetry{}, fmt.Errorf("inverter: read load power: %w", err)
	}
	gridW, err := d.readInt32(regGridPowerW)
	if err != nil {
		return core.Telemetry{}, fmt.Errorf("inverter: read grid power: %w", err)
	}
	battW, err := d.readInt32(regBatteryPowerW)
	if err != nil {
		return core.Telemetry{}, fmt.Errorf("inverter: read battery power: %w", err)
	}
	faultRaw, err := d.readUint16(regFaultFlags)
	if err != nil {
		return core.Telemetry{}, fmt.Errorf("inverter: read fault flags: %w", err)
	}
	modeRaw, err := d.readUint16(regInverterMode)
	if err != nil {
		return core.Telemetry{}, fmt.Errorf("inverter: read mode: %w", err)
	}

	return core.Telemetry{
		SOC:          float64(socRaw) / 1000.0,
		SolarW:       float64(solarW),
		LoadW:        float64(loadW),
		GridW:        float64(gridW),
		BatteryW:     float64(battW),
		InverterMode: decodeMode(modeRaw),
		FaultFlags:   decodeFaults(faultRaw),
		ReadAt:       time.Now(),
	}, nil
}

// SetMode writes the target mode and power setpoints. powerW and
// exportCapW are optional (nil leaves the corresponding register
// unwritten); exportCapW < 0 means unrestricted export.
func (d *ModbusDriver) SetMode(ctx context.Context, mode core.Mode, powerW *float64, exportCapW *float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.writeUint16(regSetMode, emsModeFor(mode)); err != nil {
		return fmt.Errorf("inverter: set mode: %w", err)
	}
	if powerW != nil {
		if err := d.writeInt32(regSetPowerW, int32(*powerW)); err != nil {
			return fmt.Errorf("inverter: set power: %w", err)
		}
	}
	if exportCapW != nil {
		val := int32(*exportCapW)
		if *exportCapW < 0 {
			val = math.MaxInt32
		}
		if err := d.writeInt32(regSetExportCapW, val); err != nil {
			return fmt.Errorf("inverter: set export cap: %w", err)
		}
	}
	return nil
}

func (d *ModbusDriver) readUint16(addr uint16) (uint16, error) {
	var v uint16
	err := withRetry(func() error {
		b, err := d.client.ReadHoldingRegisters(addr, 1)
		if err != nil {
			return err
		}
		v = binary.BigEndian.Uint16(b)
		return nil
	})
	return v, err
}

func (d *ModbusDriver) readInt32(addr uint16) (int32, error) {
	var v int32
	err := withRetry(func() error {
		b, err := d.client.ReadHoldingRegisters(addr, 2)
		if err != nil {
			return err
		}
		v = int32(binary.BigEndian.Uint32(b))
		return nil
	})
	return v, err
}

func (d *ModbusDriver) writeUint16(addr uint16, v uint16) error {
	return withRetry(func() error {
		_, err := d.client.WriteSingleRegister(addr, v)
		return err
	})
}

func (d *ModbusDriver) writeInt32(addr uint16, v int32) error {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(v))
	return withRetry(func() error {
		_, err := d.client.WriteMultipleRegisters(addr, 2, b)
		return err
	})
}

func decodeMode(raw uint16) core.Mode {
	switch raw {
	case 2:
		return core.SelfUse
	case 4:
		return core.ForceCharge
	case 6:
		return core.ForceDischarge
	default:
		return core.SelfUse
	}
}

func decodeFaults(raw uint16) []string {
	var flags []string
	names := []string{"overvoltage", "undervoltage", "overtemp", "comm_loss", "ground_fault", "over_current", "isolation", "grid_fault"}
	for i, name := range names {
		if raw&(1<<uint(i)) != 0 {
			flags = append(flags, name)
		}
	}
	return flags
}
