package lumentree

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"lumentree/pkg/protocol/lumentree/runtime"
	"lumentree/pkg/utils/binutil"
)

// tableWith builds a 95-register table with the given raw values.
func tableWith(values map[uint16]uint16) runtime.RegisterTable {
	data := make([]byte, int(runtime.PollRegisterCount)*2)
	for address, value := range values {
		binutil.WriteUint16(data[int(address)*2:], value)
	}
	return runtime.NewRegisterTable(data)
}

func TestReadRegisters(t *testing.T) {
	table := tableWith(map[uint16]uint16{0: 100, runtime.RegBatteryPower: 0xFF9C})

	assert.Equal(t, uint16(100), ReadUnsigned16(table, 0))
	assert.Equal(t, int16(100), ReadSigned16(table, 0))
	assert.Equal(t, uint16(0xFF9C), ReadUnsigned16(table, runtime.RegBatteryPower))
	assert.Equal(t, int16(-100), ReadSigned16(table, runtime.RegBatteryPower))
}

func TestReadRegistersOutOfRange(t *testing.T) {
	table := runtime.NewRegisterTable([]byte{0x00, 0x64, 0x12})

	assert.Equal(t, uint16(100), ReadUnsigned16(table, 0))
	// address 1 has only its high byte
	assert.Equal(t, uint16(0), ReadUnsigned16(table, 1))
	assert.Equal(t, int16(0), ReadSigned16(table, 1))
	assert.Equal(t, uint16(0), ReadUnsigned16(table, 0xFFFF))
	assert.Equal(t, int16(0), ReadSigned16(runtime.RegisterTable{}, 0))
}

func TestReadRegistersArePure(t *testing.T) {
	table := tableWith(map[uint16]uint16{runtime.RegGridPower: 0x8000})
	for i := 0; i < 2; i++ {
		assert.Equal(t, int16(-32768), ReadSigned16(table, runtime.RegGridPower))
		assert.Equal(t, uint16(0x8000), ReadUnsigned16(table, runtime.RegGridPower))
	}
}

func TestDeriveSample(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	table := tableWith(map[uint16]uint16{
		runtime.RegGridVoltage:       2305,
		runtime.RegPv1Voltage:        320,
		runtime.RegPv1Power:          1500,
		runtime.RegDeviceTemperature: 1352,
		runtime.RegBatteryPercent:    87,
		runtime.RegBatteryVoltage:    532,
		runtime.RegGridPower:         0xFF38, // -200
		runtime.RegBatteryPower:      450,
		runtime.RegLoadPower:         1200,
		runtime.RegPv2Voltage:        310,
		runtime.RegPv2Power:          700,
	})

	sample := DeriveSample(table, at)

	assert.Equal(t, runtime.TelemetrySample{
		Pv1Power:           1500,
		Pv1Voltage:         320,
		Pv2Power:           700,
		Pv2Voltage:         310,
		PvTotalPower:       2200,
		GridPower:          -200,
		GridVoltage:        230.5,
		BatteryPower:       450,
		BatteryDirection:   runtime.Discharging,
		BatteryMagnitude:   450,
		BatteryPercent:     87,
		BatteryVoltage:     53.2,
		DeviceTemperatureC: 35.2,
		LoadPower:          1200,
		Timestamp:          at,
	}, sample)
	assert.Equal(t, sample, DeriveSample(table, at))
}

func TestDeriveSampleBatteryCharging(t *testing.T) {
	table := runtime.NewRegisterTable(append(make([]byte, int(runtime.RegBatteryPower)*2), 0xFF, 0x9C))
	sample := DeriveSample(table, time.Time{})
	assert.Equal(t, runtime.Charging, sample.BatteryDirection)
	assert.Equal(t, 100, sample.BatteryMagnitude)
	assert.Equal(t, -100, sample.BatteryPower)
}

func TestDeriveSamplePv2WithoutVoltage(t *testing.T) {
	table := tableWith(map[uint16]uint16{
		runtime.RegPv1Power:   500,
		runtime.RegPv2Voltage: 0,
		runtime.RegPv2Power:   300,
	})
	sample := DeriveSample(table, time.Time{})
	assert.Equal(t, 500, sample.PvTotalPower)
	assert.Equal(t, 300, sample.Pv2Power)
}

func TestDeriveSampleShortTable(t *testing.T) {
	sample := DeriveSample(runtime.NewRegisterTable([]byte{0x00, 0x64}), time.Time{})
	assert.Equal(t, 0, sample.LoadPower)
	assert.Equal(t, 0.0, sample.GridVoltage)
	assert.Equal(t, -100.0, sample.DeviceTemperatureC)
	assert.Equal(t, runtime.Discharging, sample.BatteryDirection)
}

func TestBatteryFlow(t *testing.T) {
	tests := []struct {
		raw       int
		direction runtime.BatteryDirection
		magnitude int
	}{
		{raw: -100, direction: runtime.Charging, magnitude: 100},
		{raw: 0, direction: runtime.Discharging, magnitude: 0},
		{raw: 250, direction: runtime.Discharging, magnitude: 250},
		{raw: -32768, direction: runtime.Charging, magnitude: 32768},
	}
	for _, tt := range tests {
		direction, magnitude := BatteryFlow(tt.raw)
		assert.Equal(t, tt.direction, direction, "raw=%d", tt.raw)
		assert.Equal(t, tt.magnitude, magnitude, "raw=%d", tt.raw)
	}
}

func TestPvTotalPower(t *testing.T) {
	assert.Equal(t, 500, PvTotalPower(500, 0, 300))
	assert.Equal(t, 800, PvTotalPower(500, 1, 300))
	assert.Equal(t, 0, PvTotalPower(0, 0, 0))
}
