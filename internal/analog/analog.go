// Package analog converts raw ADC counts into physical units using a fixed
// per-channel calibration.
package analog

import (
	"errors"
	"fmt"
)

// Reader returns a raw conversion result for a hardware pin.
type Reader interface {
	ReadRaw(pin int) (int32, error)
}

// Channel is the calibration for one analog input. It is copied into an
// Input at construction and never changes afterwards.
type Channel struct {
	// ZeroLevelMv is the sensor output (mV) at zero physical quantity.
	ZeroLevelMv float64
	// SensitivityMvPerUnit is the sensor output slope (mV per physical unit).
	SensitivityMvPerUnit float64
	// ReferenceMv is the ADC full-scale reference voltage.
	ReferenceMv float64
	// PrecisionBits is the ADC resolution; raw counts are capped to it.
	PrecisionBits uint
	Pin           int
	InUse         bool
}

// FullScale returns the number of counts at the configured resolution.
func (c Channel) FullScale() int32 {
	if c.PrecisionBits == 0 || c.PrecisionBits > 31 {
		return 0
	}
	return int32(1) << c.PrecisionBits
}

// Cap limits raw to the channel resolution [0, FullScale-1].
func (c Channel) Cap(raw int32) int32 {
	fs := c.FullScale()
	if raw < 0 {
		return 0
	}
	if fs > 0 && raw >= fs {
		return fs - 1
	}
	return raw
}

// Convert maps a raw count to physical units:
//
//	(raw*ReferenceMv/FullScale - ZeroLevelMv) / SensitivityMvPerUnit
func (c Channel) Convert(raw int32) float32 {
	fs := c.FullScale()
	if fs == 0 || c.SensitivityMvPerUnit == 0 {
		return 0
	}
	mv := float64(c.Cap(raw)) * c.ReferenceMv / float64(fs)
	return float32((mv - c.ZeroLevelMv) / c.SensitivityMvPerUnit)
}

func (c Channel) validate() error {
	if !c.InUse {
		return nil
	}
	if c.FullScale() == 0 {
		return fmt.Errorf("analog: pin %d: precision bits %d out of range", c.Pin, c.PrecisionBits)
	}
	if c.SensitivityMvPerUnit == 0 {
		return fmt.Errorf("analog: pin %d: sensitivity must be non-zero", c.Pin)
	}
	if c.ReferenceMv <= 0 {
		return fmt.Errorf("analog: pin %d: reference voltage must be > 0", c.Pin)
	}
	return nil
}

// Input is a set of channels multiplexed onto one physical sensor, e.g. a
// power sensor with a voltage and a current channel. Each channel keeps its
// own calibration and last reading.
//
// Not safe for concurrent use.
type Input struct {
	reader   Reader
	channels []Channel
	readings []float32
	raw      []int32

	initialized bool
}

func NewInput(r Reader, channels ...Channel) *Input {
	in := &Input{
		reader:   r,
		channels: append([]Channel(nil), channels...),
		readings: make([]float32, len(channels)),
		raw:      make([]int32, len(channels)),
	}
	return in
}

// Initialize validates the calibration of every in-use channel. Channels are
// never read before Initialize succeeds.
func (in *Input) Initialize() error {
	if in.reader == nil {
		return errors.New("analog: reader is nil")
	}
	for _, c := range in.channels {
		if err := c.validate(); err != nil {
			return err
		}
	}
	in.initialized = true
	return nil
}

// Process samples every in-use channel once. A failed read leaves that
// channel's previous reading in place; the errors are joined and returned.
func (in *Input) Process() error {
	if !in.initialized {
		return nil
	}
	var errs []error
	for i, c := range in.channels {
		if !c.InUse {
			continue
		}
		raw, err := in.reader.ReadRaw(c.Pin)
		if err != nil {
			errs = append(errs, fmt.Errorf("analog: pin %d: %w", c.Pin, err))
			continue
		}
		in.raw[i] = c.Cap(raw)
		in.readings[i] = c.Convert(raw)
	}
	return errors.Join(errs...)
}

// Reading returns the last converted value of channel i, or 0 when the
// channel is unused or out of range.
func (in *Input) Reading(i int) float32 {
	if i < 0 || i >= len(in.readings) || !in.channels[i].InUse {
		return 0
	}
	return in.readings[i]
}

// Raw returns the last capped raw count of channel i.
func (in *Input) Raw(i int) int32 {
	if i < 0 || i >= len(in.raw) || !in.channels[i].InUse {
		return 0
	}
	return in.raw[i]
}

func (in *Input) Channels() int { return len(in.channels) }
