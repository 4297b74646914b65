package lumentree

import (
	"time"

	"lumentree/pkg/protocol/lumentree/runtime"
	"lumentree/pkg/utils/binutil"
)

// ReadUnsigned16 returns the big-endian value at address, 0 when out of range.
func ReadUnsigned16(table runtime.RegisterTable, address uint16) uint16 {
	raw := table.Raw(address)
	if raw == nil {
		return 0
	}
	return binutil.ParseUint16(raw)
}

// ReadSigned16 returns the two's-complement value at address, 0 when out of range.
func ReadSigned16(table runtime.RegisterTable, address uint16) int16 {
	raw := table.Raw(address)
	if raw == nil {
		return 0
	}
	return binutil.ParseInt16(raw)
}

// DeriveSample maps a register table to a telemetry sample stamped with at.
// The result depends only on table and at.
func DeriveSample(table runtime.RegisterTable, at time.Time) runtime.TelemetrySample {
	s := runtime.TelemetrySample{
		Pv1Power:           int(ReadUnsigned16(table, runtime.RegPv1Power)),
		Pv1Voltage:         int(ReadUnsigned16(table, runtime.RegPv1Voltage)),
		Pv2Power:           int(ReadUnsigned16(table, runtime.RegPv2Power)),
		Pv2Voltage:         int(ReadUnsigned16(table, runtime.RegPv2Voltage)),
		GridPower:          int(ReadSigned16(table, runtime.RegGridPower)),
		GridVoltage:        float64(ReadUnsigned16(table, runtime.RegGridVoltage)) / 10,
		BatteryPower:       int(ReadSigned16(table, runtime.RegBatteryPower)),
		BatteryPercent:     int(ReadUnsigned16(table, runtime.RegBatteryPercent)),
		BatteryVoltage:     float64(ReadUnsigned16(table, runtime.RegBatteryVoltage)) / 10,
		DeviceTemperatureC: (float64(ReadUnsigned16(table, runtime.RegDeviceTemperature)) - 1000) / 10,
		LoadPower:          int(ReadUnsigned16(table, runtime.RegLoadPower)),
		Timestamp:          at,
	}
	s.PvTotalPower = PvTotalPower(s.Pv1Power, s.Pv2Voltage, s.Pv2Power)
	s.BatteryDirection, s.BatteryMagnitude = BatteryFlow(s.BatteryPower)
	return s
}

// PvTotalPower counts pv2 only when its string shows a voltage.
func PvTotalPower(pv1Power, pv2Voltage, pv2Power int) int {
	if pv2Voltage > 0 {
		return pv1Power + pv2Power
	}
	return pv1Power
}

// BatteryFlow splits a signed battery power into direction and magnitude.
// Zero counts as discharging.
func BatteryFlow(raw int) (runtime.BatteryDirection, int) {
	if raw < 0 {
		return runtime.Charging, -raw
	}
	return runtime.Discharging, raw
}
