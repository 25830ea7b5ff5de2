// Package bmp280 drives a BMP280 barometer in normal (free-running) mode.
// Unlike the BMP085 there is no conversion handshake: every Process reads the
// latest result registers.
package bmp280

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"aeroquad-ng/internal/i2c"
	"aeroquad-ng/internal/sensors/bmp085"
)

var sleep = time.Sleep

const (
	addrDefault = 0x77

	regID        = 0xD0
	chipIDBMP280 = 0x58

	regReset = 0xE0
	resetCmd = 0xB6

	regCalib00 = 0x88
	calibLen   = 24

	regCtrlMeas = 0xF4
	regConfig   = 0xF5
	regPressMsb = 0xF7
)

type regIO interface {
	ReadRegU8(reg byte) (byte, error)
	ReadReg(reg byte, dst []byte) error
	WriteReg(reg, value byte) error
}

type Calibration struct {
	T1         uint16
	T2, T3     int16
	P1         uint16
	P2, P3, P4 int16
	P5, P6, P7 int16
	P8, P9     int16
}

type Device struct {
	dev regIO
	cal Calibration

	temperature int32
	pressure    int32
	valid       bool
	fault       error
}

func DefaultAddress() uint16 { return addrDefault }

// New returns an uninitialized device; Initialize talks to the chip.
func New(dev *i2c.Dev) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("bmp280: dev is nil")
	}
	return newWithIO(dev), nil
}

func newWithIO(dev regIO) *Device { return &Device{dev: dev} }

// Initialize checks the chip id, resets it, loads calibration and starts
// continuous measurement.
func (d *Device) Initialize() error {
	id, err := d.dev.ReadRegU8(regID)
	if err != nil {
		return fmt.Errorf("bmp280: id read failed: %w", err)
	}
	if id != chipIDBMP280 {
		return fmt.Errorf("bmp280: chip id=0x%02X want 0x%02X", id, chipIDBMP280)
	}

	// NVM coefficients are copied after reset; reading too early yields zeros.
	_ = d.dev.WriteReg(regReset, resetCmd)
	sleep(5 * time.Millisecond)

	var calErr error
	for i := 0; i < 3; i++ {
		var c Calibration
		c, calErr = d.readCalibration()
		if calErr == nil && c.T1 != 0 && c.P1 != 0 {
			d.cal = c
			break
		}
		if calErr == nil {
			calErr = fmt.Errorf("bmp280: calibration invalid (T1=%d P1=%d)", c.T1, c.P1)
		}
		sleep(5 * time.Millisecond)
	}
	if d.cal.T1 == 0 {
		return calErr
	}

	// t_sb 0.5ms, IIR off.
	if err := d.dev.WriteReg(regConfig, 0x00); err != nil {
		return fmt.Errorf("bmp280: config write failed: %w", err)
	}
	// osrs_t x2, osrs_p x16, normal mode.
	ctrl := byte(0x02<<5) | byte(0x05<<2) | 0x03
	if err := d.dev.WriteReg(regCtrlMeas, ctrl); err != nil {
		return fmt.Errorf("bmp280: ctrl_meas write failed: %w", err)
	}
	return nil
}

func (d *Device) readCalibration() (Calibration, error) {
	buf := make([]byte, calibLen)
	if err := d.dev.ReadReg(regCalib00, buf); err != nil {
		return Calibration{}, fmt.Errorf("bmp280: read calib failed: %w", err)
	}
	u := func(i int) uint16 { return binary.LittleEndian.Uint16(buf[i : i+2]) }
	s := func(i int) int16 { return int16(u(i)) }
	return Calibration{
		T1: u(0), T2: s(2), T3: s(4),
		P1: u(6), P2: s(8), P3: s(10), P4: s(12), P5: s(14),
		P6: s(16), P7: s(18), P8: s(20), P9: s(22),
	}, nil
}

// Process reads one result burst. On a bus error the previous reading is kept
// and the error is latched as the device fault until a read succeeds.
func (d *Device) Process(nowMs uint32) error {
	buf := make([]byte, 6)
	if err := d.dev.ReadReg(regPressMsb, buf); err != nil {
		d.fault = fmt.Errorf("bmp280: read data failed: %w", err)
		return d.fault
	}
	d.fault = nil

	adcP := int32(buf[0])<<12 | int32(buf[1])<<4 | int32(buf[2])>>4
	adcT := int32(buf[3])<<12 | int32(buf[4])<<4 | int32(buf[5])>>4

	t, p := Compensate(d.cal, adcT, adcP)
	d.temperature = int32(math.Round(t * 10))
	d.pressure = int32(math.Round(p))
	d.valid = true
	return nil
}

// Compensate returns temperature in degC and pressure in Pa using the
// floating point formulas from the datasheet.
func Compensate(c Calibration, adcT, adcP int32) (tempC, pressPa float64) {
	var1 := (float64(adcT)/16384.0 - float64(c.T1)/1024.0) * float64(c.T2)
	var2 := float64(adcT)/131072.0 - float64(c.T1)/8192.0
	var2 = var2 * var2 * float64(c.T3)
	tFine := float64(int32(var1 + var2))
	tempC = (var1 + var2) / 5120.0

	var1 = tFine/2.0 - 64000.0
	var2 = var1 * var1 * float64(c.P6) / 32768.0
	var2 = var2 + var1*float64(c.P5)*2.0
	var2 = var2/4.0 + float64(c.P4)*65536.0
	var1 = (float64(c.P3)*var1*var1/524288.0 + float64(c.P2)*var1) / 524288.0
	var1 = (1.0 + var1/32768.0) * float64(c.P1)
	if var1 == 0 {
		return tempC, 0
	}
	p := 1048576.0 - float64(adcP)
	p = (p - var2/4096.0) * 6250.0 / var1
	var1 = float64(c.P9) * p * p / 2147483648.0
	var2 = p * float64(c.P8) / 32768.0
	return tempC, p + (var1+var2+float64(c.P7))/16.0
}

func (d *Device) Calibration() Calibration { return d.cal }

func (d *Device) Fault() error { return d.fault }

// Temperature in 0.1 degC.
func (d *Device) Temperature() int32 { return d.temperature }

// Pressure in Pa.
func (d *Device) Pressure() int32 { return d.pressure }

// Altitude is 0 until the first successful read.
func (d *Device) Altitude() float32 {
	if !d.valid {
		return 0
	}
	return bmp085.Altitude(d.pressure)
}
