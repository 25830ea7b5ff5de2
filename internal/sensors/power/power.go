// Package power reads battery voltage and current from a two-channel analog
// power sensor.
package power

import "aeroquad-ng/internal/analog"

const (
	chVoltage = 0
	chCurrent = 1
)

// AttoPilot 90A breakout scaling at 3.3V ADC reference.
const (
	attoVoltageMvPerVolt = 63.69
	attoCurrentMvPerAmp  = 36.60

	DefaultReferenceMv   = 3300
	DefaultPrecisionBits = 12
)

type Config struct {
	VoltagePin    int
	CurrentPin    int
	ReferenceMv   float64
	PrecisionBits uint
}

// AttoPilot is a voltage+current sensor multiplexed onto two ADC channels.
type AttoPilot struct {
	in *analog.Input
}

func NewAttoPilot(r analog.Reader, cfg Config) *AttoPilot {
	if cfg.ReferenceMv <= 0 {
		cfg.ReferenceMv = DefaultReferenceMv
	}
	if cfg.PrecisionBits == 0 {
		cfg.PrecisionBits = DefaultPrecisionBits
	}
	return &AttoPilot{in: analog.NewInput(r,
		analog.Channel{
			SensitivityMvPerUnit: attoVoltageMvPerVolt,
			ReferenceMv:          cfg.ReferenceMv,
			PrecisionBits:        cfg.PrecisionBits,
			Pin:                  cfg.VoltagePin,
			InUse:                true,
		},
		analog.Channel{
			SensitivityMvPerUnit: attoCurrentMvPerAmp,
			ReferenceMv:          cfg.ReferenceMv,
			PrecisionBits:        cfg.PrecisionBits,
			Pin:                  cfg.CurrentPin,
			InUse:                true,
		},
	)}
}

func (a *AttoPilot) Initialize() error { return a.in.Initialize() }

func (a *AttoPilot) Process(nowMs uint32) error { return a.in.Process() }

// Voltage returns battery voltage in volts.
func (a *AttoPilot) Voltage() float32 { return a.in.Reading(chVoltage) }

// Current returns battery current in amperes.
func (a *AttoPilot) Current() float32 { return a.in.Reading(chCurrent) }
