package pv

import (
	"github.com/willglynn/taptap/internal/domain"
)

// PowerReport is a decoded per-module measurement (packet type 0x31).
//
// Raw values are kept alongside their physical interpretations so diagnostic
// consumers can see exactly what was on the wire.
type PowerReport struct {
	VoltageInRaw   uint16 // 12 bits, 0.05 V units
	VoltageOutRaw  uint16 // 12 bits, 0.10 V units
	DutyCycleRaw   uint8  // 1/255 units
	CurrentRaw     uint16 // 12 bits, 0.005 A units
	TemperatureRaw uint16 // 12 bits, 0.1 degC units, two's complement
	Unknown        [3]byte
	SlotCounter    domain.SlotCounter
	RSSI           domain.RSSI
}

const powerReportSize = 13

// ParsePowerReport interprets a 13-byte power report.
func ParsePowerReport(data []byte) (PowerReport, error) {
	if len(data) != powerReportSize {
		return PowerReport{}, &PacketFramingError{Offset: len(data)}
	}

	voltageIn, voltageOut := u12Pair(data[0], data[1], data[2])
	current, temperature := u12Pair(data[4], data[5], data[6])

	return PowerReport{
		VoltageInRaw:   voltageIn,
		VoltageOutRaw:  voltageOut,
		DutyCycleRaw:   data[3],
		CurrentRaw:     current,
		TemperatureRaw: temperature,
		Unknown:        [3]byte{data[7], data[8], data[9]},
		SlotCounter:    domain.SlotCounter(uint16(data[10])<<8 | uint16(data[11])),
		RSSI:           domain.RSSI(data[12]),
	}, nil
}

// u12Pair unpacks two 12-bit unsigned integers from three bytes.
func u12Pair(b0, b1, b2 byte) (uint16, uint16) {
	return uint16(b0)<<4 | uint16(b1)>>4, uint16(b1&0x0F)<<8 | uint16(b2)
}

// VoltageIn returns the input voltage in volts.
func (r PowerReport) VoltageIn() float64 {
	return float64(r.VoltageInRaw) * 0.05
}

// VoltageOut returns the output voltage in volts.
func (r PowerReport) VoltageOut() float64 {
	return float64(r.VoltageOutRaw) * 0.10
}

// DutyCycle returns the DC-DC duty cycle in [0.0, 1.0].
func (r PowerReport) DutyCycle() float64 {
	duty := float64(r.DutyCycleRaw) / 255.0
	if duty > 1.0 {
		duty = 1.0
	}
	return duty
}

// Current returns the input current in amperes.
func (r PowerReport) Current() float64 {
	return float64(r.CurrentRaw) * 0.005
}

// Temperature returns the temperature in degrees Celsius, sign-extending the
// 12-bit raw value.
func (r PowerReport) Temperature() float64 {
	raw := int16(r.TemperatureRaw)
	if r.TemperatureRaw&0x800 != 0 {
		raw = int16(r.TemperatureRaw | 0xF000)
	}
	return float64(raw) / 10.0
}
