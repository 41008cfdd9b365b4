package inverter

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powermaster/energy-optimiser/core"
)

// fakeModbusClient is an in-memory holding-register store satisfying
// modbus.Client, standing in for the real TCP transport in tests.
type fakeModbusClient struct {
	holding     map[uint16]uint16
	readErr     error
	writeErr    error
	lastWritten map[uint16]uint16
}

func newFakeModbusClient() *fakeModbusClient {
	return &fakeModbusClient{
		holding:     make(map[uint16]uint16),
		lastWritten: make(map[uint16]uint16),
	}
}

func (f *fakeModbusClient) setU16(addr uint16, v uint16) { f.holding[addr] = v }

func (f *fakeModbusClient) setS32(addr uint16, v int32) {
	f.holding[addr] = uint16(uint32(v) >> 16)
	f.holding[addr+1] = uint16(uint32(v))
}

func (f *fakeModbusClient) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	buf := make([]byte, 2*quantity)
	for i := uint16(0); i < quantity; i++ {
		binary.BigEndian.PutUint16(buf[2*i:], f.holding[address+i])
	}
	return buf, nil
}

func (f *fakeModbusClient) WriteSingleRegister(address, value uint16) ([]byte, error) {
	if f.writeErr != nil {
		return nil, f.writeErr
	}
	f.lastWritten[address] = value
	return nil, nil
}

func (f *fakeModbusClient) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	if f.writeErr != nil {
		return nil, f.writeErr
	}
	for i := uint16(0); i < quantity; i++ {
		f.lastWritten[address+i] = binary.BigEndian.Uint16(value[2*i:])
	}
	return nil, nil
}

func (f *fakeModbusClient) ReadCoils(address, quantity uint16) ([]byte, error) { return nil, nil }
func (f *fakeModbusClient) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	return nil, nil
}
func (f *fakeModbusClient) WriteSingleCoil(address, value uint16) ([]byte, error) { return nil, nil }
func (f *fakeModbusClient) WriteMultipleCoils(address, quantity uint16, value []byte) ([]byte, error) {
	return nil, nil
}
func (f *fakeModbusClient) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return nil, nil
}
func (f *fakeModbusClient) ReadWriteMultipleRegisters(readAddress, readQuantity, writeAddress, writeQuantity uint16, value []byte) ([]byte, error) {
	return nil, nil
}
func (f *fakeModbusClient) MaskWriteRegister(address, andMask, orMask uint16) ([]byte, error) {
	return nil, nil
}
func (f *fakeModbusClient) ReadFIFOQueue(address uint16) ([]byte, error) { return nil, nil }

func TestReadTelemetryDecodesRegisters(t *testing.T) {
	fake := newFakeModbusClient()
	fake.setU16(regBatterySOC, 550)
	fake.setS32(regSolarPowerW, 3200)
	fake.setS32(regLoadPowerW, 900)
	fake.setS32(regGridPowerW, -2100)
	fake.setS32(regBatteryPowerW, 2300)
	fake.setU16(regFaultFlags, 0)
	fake.setU16(regInverterMode, 2)

	d := &ModbusDriver{client: fake}

	tel, err := d.ReadTelemetry(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.55, tel.SOC, 1e-9)
	assert.Equal(t, 3200.0, tel.SolarW)
	assert.Equal(t, 900.0, tel.LoadW)
	assert.Equal(t, -2100.0, tel.GridW)
	assert.Equal(t, 2300.0, tel.BatteryW)
	assert.Equal(t, core.SelfUse, tel.InverterMode)
	assert.False(t, tel.HasFault())
}

func TestReadTelemetryPropagatesReadError(t *testing.T) {
	fake := newFakeModbusClient()
	fake.readErr = errors.New("i/o timeout")

	d := &ModbusDriver{client: fake}
	_, err := d.ReadTelemetry(context.Background())
	require.Error(t, err)
}

func TestReadTelemetryDecodesFaultFlags(t *testing.T) {
	fake := newFakeModbusClient()
	fake.setU16(regFaultFlags, (1<<0)|(1<<3))
	d := &ModbusDriver{client: fake}

	tel, err := d.ReadTelemetry(context.Background())
	require.NoError(t, err)
	assert.True(t, tel.HasFault())
	assert.Contains(t, tel.FaultFlags, "overvoltage")
	assert.Contains(t, tel.FaultFlags, "comm_loss")
}

func TestSetModeWritesExpectedRegisters(t *testing.T) {
	fake := newFakeModbusClient()
	d := &ModbusDriver{client: fake}

	power := 2500.0
	err := d.SetMode(context.Background(), core.ForceCharge, &power, nil)
	require.NoError(t, err)

	assert.Equal(t, emsModeFor(core.ForceCharge), fake.lastWritten[regSetMode])
	gotPower := int32(uint32(fake.lastWritten[regSetPowerW])<<16 | uint32(fake.lastWritten[regSetPowerW+1]))
	assert.Equal(t, int32(2500), gotPower)
}

func TestSetModeUnrestrictedExportCap(t *testing.T) {
	fake := newFakeModbusClient()
	d := &ModbusDriver{client: fake}

	unrestricted := -1.0
	err := d.SetMode(context.Background(), core.SelfUse, nil, &unrestricted)
	require.NoError(t, err)

	gotCap := int32(uint32(fake.lastWritten[regSetExportCapW])<<16 | uint32(fake.lastWritten[regSetExportCapW+1]))
	assert.Equal(t, int32(2147483647), gotCap)
}

func TestSetModePropagatesWriteError(t *testing.T) {
	fake := newFakeModbusClient()
	fake.writeErr = errors.New("connection reset")
	d := &ModbusDriver{client: fake}

	err := d.SetMode(context.Background(), core.SelfUse, nil, nil)
	require.Error(t, err)
}
