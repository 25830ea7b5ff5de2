package bmp085

import "github.com/chewxy/math32"

// Calibration holds the eleven factory coefficients read once from the
// device EEPROM. AC4..AC6 are unsigned per the datasheet.
type Calibration struct {
	AC1, AC2, AC3 int16
	AC4, AC5, AC6 uint16
	B1, B2        int16
	MB, MC, MD    int16
}

// Compensate converts raw counts into temperature (0.1 degC) and pressure
// (Pa) with the datasheet integer algorithm. Truncating shifts and divisions
// are part of the result; do not replace with floating point.
//
// The algorithm has no guard against a zero b4 denominator (or x1+MD == 0).
// Such calibration never occurs on a working device and is an unhandled
// precondition: the integer division panics.
func Compensate(c Calibration, rawTemperature, rawPressure int32, oss uint8) (temperature, pressure int32) {
	b5, temperature := compensateTemperature(c, rawTemperature)

	b6 := b5 - 4000
	x1 := (int32(c.B2) * ((b6 * b6) >> 12)) >> 11
	x2 := (int32(c.AC2) * b6) >> 11
	x3 := x1 + x2
	b3 := (((int32(c.AC1)*4 + x3) << oss) + 2) >> 2

	x1 = (int32(c.AC3) * b6) >> 13
	x2 = (int32(c.B1) * ((b6 * b6) >> 12)) >> 16
	x3 = ((x1 + x2) + 2) >> 2
	b4 := (uint32(c.AC4) * uint32(x3+32768)) >> 15
	b7 := (uint32(rawPressure) - uint32(b3)) * (50000 >> oss)

	var p int32
	if b7 < 0x80000000 {
		p = int32((b7 * 2) / b4)
	} else {
		p = int32((b7 / b4) * 2)
	}

	x1 = (p >> 8) * (p >> 8)
	x1 = (x1 * 3038) >> 16
	x2 = (-7357 * p) >> 16
	pressure = p + ((x1 + x2 + 3791) >> 4)
	return temperature, pressure
}

func compensateTemperature(c Calibration, rawTemperature int32) (b5, temperature int32) {
	x1 := ((rawTemperature - int32(c.AC6)) * int32(c.AC5)) >> 15
	x2 := (int32(c.MC) << 11) / (x1 + int32(c.MD))
	b5 = x1 + x2
	return b5, (b5 + 8) >> 4
}

const seaLevelPa = 101325.0

// Altitude returns the barometric altitude (m) for pressure in Pa using the
// international barometric formula referenced to standard sea level.
func Altitude(pressurePa int32) float32 {
	return 44330 * (1 - math32.Pow(float32(pressurePa)/seaLevelPa, 0.190295))
}
