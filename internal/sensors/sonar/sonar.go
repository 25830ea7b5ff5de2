// Package sonar reads height above ground from a Maxbotix ultrasonic
// rangefinder wired to an analog input.
package sonar

import "aeroquad-ng/internal/analog"

// Maxbotix LV-EZ analog output at 3.3V supply.
const (
	DefaultReferenceMv   = 3300
	DefaultPrecisionBits = 12
	// 9.765625 mV/in
	sensitivityMvPerMeter = 384.473425
)

type Config struct {
	Pin           int
	ReferenceMv   float64
	PrecisionBits uint
}

type Maxbotix struct {
	in *analog.Input
}

func New(r analog.Reader, cfg Config) *Maxbotix {
	if cfg.ReferenceMv <= 0 {
		cfg.ReferenceMv = DefaultReferenceMv
	}
	if cfg.PrecisionBits == 0 {
		cfg.PrecisionBits = DefaultPrecisionBits
	}
	ch := analog.Channel{
		ZeroLevelMv:          0,
		SensitivityMvPerUnit: sensitivityMvPerMeter,
		ReferenceMv:          cfg.ReferenceMv,
		PrecisionBits:        cfg.PrecisionBits,
		Pin:                  cfg.Pin,
		InUse:                true,
	}
	return &Maxbotix{in: analog.NewInput(r, ch)}
}

func (m *Maxbotix) Initialize() error { return m.in.Initialize() }

func (m *Maxbotix) Process(nowMs uint32) error { return m.in.Process() }

// Height returns the last measured distance in meters.
func (m *Maxbotix) Height() float32 { return m.in.Reading(0) }
