package bmp085

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"aeroquad-ng/internal/i2c"
)

var sleep = time.Sleep

// BMP085/BMP180 barometric pressure sensor.
//
// Conversions take several milliseconds, longer than one scheduler tick, so
// acquisition is a two-phase state machine advanced by Process: temperature
// conversion, then pressure conversion. Process never waits on the device.

const (
	addrDefault = 0x77

	regChipID = 0xD0
	chipID    = 0x55

	regCalib = 0xAA
	calibLen = 22

	regControl = 0xF4
	regData    = 0xF6

	cmdTemperature = 0x2E
	cmdPressure    = 0x34
)

var (
	ErrNotInitialized    = errors.New("bmp085: not initialized")
	ErrChipID            = errors.New("bmp085: unexpected chip id")
	ErrBadCalibration    = errors.New("bmp085: calibration invalid")
	ErrConversionTimeout = errors.New("bmp085: conversion timeout")

	errOversamplingRange = errors.New("bmp085: oversampling must be 0..3")
)

const (
	defaultConversionTimeout = 100 * time.Millisecond
	defaultFaultRetry        = time.Second

	temperatureConversion = 5 * time.Millisecond
)

// Datasheet max pressure conversion time per oversampling setting, rounded up.
var pressureConversion = [4]time.Duration{
	5 * time.Millisecond,
	8 * time.Millisecond,
	14 * time.Millisecond,
	26 * time.Millisecond,
}

// MinConversionTimeout is the shortest ConversionTimeout that lets a timed
// pressure phase complete at the given oversampling setting.
func MinConversionTimeout(oversampling uint8) time.Duration {
	if int(oversampling) >= len(pressureConversion) {
		return pressureConversion[len(pressureConversion)-1]
	}
	return pressureConversion[oversampling]
}

// State is the acquisition phase.
type State int

const (
	StateUninitialized State = iota
	StateAwaitingTemperature
	StateAwaitingPressure
	StateFault
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateAwaitingTemperature:
		return "awaiting_temperature"
	case StateAwaitingPressure:
		return "awaiting_pressure"
	case StateFault:
		return "fault"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type regIO interface {
	ReadRegU8(reg byte) (byte, error)
	ReadReg(reg byte, dst []byte) error
	WriteReg(reg, value byte) error
}

// ReadySignal is the end-of-conversion line. Ready reports true once the
// current conversion result is safe to read.
type ReadySignal interface {
	Ready() bool
}

type Config struct {
	// Oversampling is 0..3 (ultra low power .. ultra high resolution).
	Oversampling uint8
	// ConversionTimeout bounds the wait for one phase before faulting.
	ConversionTimeout time.Duration
	// FaultRetry is how long a faulted device waits before restarting acquisition.
	FaultRetry time.Duration
}

// Reading is one completed temperature+pressure cycle. It is replaced as a
// whole at the end of the pressure phase.
type Reading struct {
	RawTemperature int32
	RawPressure    int32
	// Temperature in 0.1 degC.
	Temperature int32
	// Pressure in Pa.
	Pressure int32
	AtMs     uint32
	Valid    bool
}

type Device struct {
	dev   regIO
	ready ReadySignal
	cfg   Config

	cal   Calibration
	state State

	// sinceMs is when the current phase began. sinceSet is false when the
	// phase was started outside Process and has not been timestamped yet.
	sinceMs  uint32
	sinceSet bool

	pendingRawTemperature int32
	reading               Reading
	fault                 error
	cycles                uint64
}

func DefaultAddress() uint16 { return addrDefault }

// New returns a device bound to dev. ready may be nil, in which case a phase
// is considered complete after the datasheet maximum conversion time.
// The bus is not touched until Initialize.
func New(dev *i2c.Dev, ready ReadySignal, cfg Config) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("bmp085: dev is nil")
	}
	return newWithIO(dev, ready, cfg)
}

func newWithIO(dev regIO, ready ReadySignal, cfg Config) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("bmp085: dev is nil")
	}
	if cfg.Oversampling > 3 {
		return nil, errOversamplingRange
	}
	if cfg.ConversionTimeout <= 0 {
		cfg.ConversionTimeout = defaultConversionTimeout
	}
	if floor := MinConversionTimeout(cfg.Oversampling); cfg.ConversionTimeout < floor {
		return nil, fmt.Errorf("bmp085: conversion timeout %s shorter than the %s conversion at oversampling %d", cfg.ConversionTimeout, floor, cfg.Oversampling)
	}
	if cfg.FaultRetry <= 0 {
		cfg.FaultRetry = defaultFaultRetry
	}
	return &Device{dev: dev, ready: ready, cfg: cfg}, nil
}

// Initialize probes the chip, reads the calibration coefficients and starts
// the first temperature conversion.
func (d *Device) Initialize() error {
	id, err := d.dev.ReadRegU8(regChipID)
	if err != nil {
		return fmt.Errorf("bmp085: id read failed: %w", err)
	}
	if id != chipID {
		return fmt.Errorf("%w: 0x%02X want 0x%02X", ErrChipID, id, chipID)
	}

	var calErr error
	for i := 0; i < 3; i++ {
		var cal Calibration
		cal, calErr = d.readCalibration()
		if calErr == nil {
			d.cal = cal
			break
		}
		sleep(5 * time.Millisecond)
	}
	if calErr != nil {
		return calErr
	}

	if err := d.startTemperature(); err != nil {
		return err
	}
	d.state = StateAwaitingTemperature
	d.sinceSet = false
	d.fault = nil
	return nil
}

func (d *Device) readCalibration() (Calibration, error) {
	buf := make([]byte, calibLen)
	if err := d.dev.ReadReg(regCalib, buf); err != nil {
		return Calibration{}, fmt.Errorf("bmp085: read calib failed: %w", err)
	}
	// Datasheet: no word is ever 0x0000 or 0xFFFF; seeing one means the
	// transfer failed.
	for i := 0; i < calibLen; i += 2 {
		w := binary.BigEndian.Uint16(buf[i : i+2])
		if w == 0x0000 || w == 0xFFFF {
			return Calibration{}, fmt.Errorf("%w: word %d=0x%04X", ErrBadCalibration, i/2, w)
		}
	}
	word := func(i int) uint16 { return binary.BigEndian.Uint16(buf[2*i : 2*i+2]) }
	return Calibration{
		AC1: int16(word(0)),
		AC2: int16(word(1)),
		AC3: int16(word(2)),
		AC4: word(3),
		AC5: word(4),
		AC6: word(5),
		B1:  int16(word(6)),
		B2:  int16(word(7)),
		MB:  int16(word(8)),
		MC:  int16(word(9)),
		MD:  int16(word(10)),
	}, nil
}

func (d *Device) startTemperature() error {
	if err := d.dev.WriteReg(regControl, cmdTemperature); err != nil {
		return fmt.Errorf("bmp085: start temperature: %w", err)
	}
	return nil
}

func (d *Device) startPressure() error {
	if err := d.dev.WriteReg(regControl, cmdPressure+(d.cfg.Oversampling<<6)); err != nil {
		return fmt.Errorf("bmp085: start pressure: %w", err)
	}
	return nil
}

func (d *Device) readRawTemperature() (int32, error) {
	var b [2]byte
	if err := d.dev.ReadReg(regData, b[:]); err != nil {
		return 0, fmt.Errorf("bmp085: read temperature: %w", err)
	}
	return int32(b[0])<<8 | int32(b[1]), nil
}

func (d *Device) readRawPressure() (int32, error) {
	var b [3]byte
	if err := d.dev.ReadReg(regData, b[:]); err != nil {
		return 0, fmt.Errorf("bmp085: read pressure: %w", err)
	}
	return (int32(b[0])<<16 | int32(b[1])<<8 | int32(b[2])) >> (8 - d.cfg.Oversampling), nil
}

func (d *Device) enter(s State, nowMs uint32) {
	d.state = s
	d.sinceMs = nowMs
	d.sinceSet = true
}

func (d *Device) elapsed(nowMs uint32) time.Duration {
	return time.Duration(nowMs-d.sinceMs) * time.Millisecond
}

func (d *Device) conversionReady(nowMs uint32) bool {
	if d.ready != nil {
		return d.ready.Ready()
	}
	want := temperatureConversion
	if d.state == StateAwaitingPressure {
		want = pressureConversion[d.cfg.Oversampling]
	}
	return d.elapsed(nowMs) >= want
}

// Process advances the state machine by at most one phase. It returns an
// error when a bus transfer fails or when a phase exceeds the conversion
// timeout; in the latter case the device enters StateFault and restarts
// acquisition after FaultRetry. The last completed Reading is kept.
func (d *Device) Process(nowMs uint32) error {
	if d.state == StateUninitialized {
		return ErrNotInitialized
	}
	if !d.sinceSet {
		d.sinceMs = nowMs
		d.sinceSet = true
	}

	switch d.state {
	case StateAwaitingTemperature:
		if d.conversionReady(nowMs) {
			raw, err := d.readRawTemperature()
			if err == nil {
				err = d.startPressure()
			}
			if err == nil {
				d.pendingRawTemperature = raw
				d.enter(StateAwaitingPressure, nowMs)
				return nil
			}
			return d.checkTimeout(nowMs, err)
		}
		return d.checkTimeout(nowMs, nil)

	case StateAwaitingPressure:
		if d.conversionReady(nowMs) {
			raw, err := d.readRawPressure()
			if err != nil {
				return d.checkTimeout(nowMs, err)
			}
			d.publish(raw, nowMs)
			if err := d.startTemperature(); err != nil {
				d.setFault(nowMs, err)
				return err
			}
			d.enter(StateAwaitingTemperature, nowMs)
			return nil
		}
		return d.checkTimeout(nowMs, nil)

	case StateFault:
		if d.elapsed(nowMs) < d.cfg.FaultRetry {
			return nil
		}
		if err := d.startTemperature(); err != nil {
			d.enter(StateFault, nowMs)
			return err
		}
		d.fault = nil
		d.enter(StateAwaitingTemperature, nowMs)
		return nil
	}
	return nil
}

func (d *Device) checkTimeout(nowMs uint32, busErr error) error {
	if d.elapsed(nowMs) <= d.cfg.ConversionTimeout {
		return busErr
	}
	err := fmt.Errorf("%w: %s for %s", ErrConversionTimeout, d.state, d.elapsed(nowMs))
	if busErr != nil {
		err = errors.Join(err, busErr)
	}
	d.setFault(nowMs, err)
	return err
}

func (d *Device) setFault(nowMs uint32, err error) {
	d.fault = err
	d.enter(StateFault, nowMs)
}

func (d *Device) publish(rawPressure int32, nowMs uint32) {
	t, p := Compensate(d.cal, d.pendingRawTemperature, rawPressure, d.cfg.Oversampling)
	d.reading = Reading{
		RawTemperature: d.pendingRawTemperature,
		RawPressure:    rawPressure,
		Temperature:    t,
		Pressure:       p,
		AtMs:           nowMs,
		Valid:          true,
	}
	d.cycles++
}

func (d *Device) State() State             { return d.state }
func (d *Device) Calibration() Calibration { return d.cal }
func (d *Device) Reading() Reading         { return d.reading }
func (d *Device) Cycles() uint64           { return d.cycles }

// Fault returns the error that put the device into StateFault, or nil.
func (d *Device) Fault() error { return d.fault }

// Temperature returns the last completed temperature in 0.1 degC.
func (d *Device) Temperature() int32 { return d.reading.Temperature }

// Pressure returns the last completed pressure in Pa.
func (d *Device) Pressure() int32 { return d.reading.Pressure }

// Altitude returns the pressure altitude (m) of the last completed reading,
// or 0 before the first cycle completes.
func (d *Device) Altitude() float32 {
	if !d.reading.Valid {
		return 0
	}
	return Altitude(d.reading.Pressure)
}
