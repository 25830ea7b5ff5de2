// Package sensors owns at most one sensor per category (pressure, height,
// power) and drives them from the scheduler.
package sensors

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"aeroquad-ng/internal/analog"
	"aeroquad-ng/internal/scheduler"
	"aeroquad-ng/internal/sensors/power"
	"aeroquad-ng/internal/sensors/sonar"
)

// Sensor is the capability every owned sensor provides. Process must not
// block; sensors with multi-tick acquisition keep their own state.
type Sensor interface {
	Initialize() error
	Process(nowMs uint32) error
}

type PressureSensor interface {
	Sensor
	// Temperature in 0.1 degC.
	Temperature() int32
	// Pressure in Pa.
	Pressure() int32
	// Altitude in meters derived from pressure.
	Altitude() float32
}

type HeightSensor interface {
	Sensor
	// Height above ground in meters.
	Height() float32
}

type PowerSensor interface {
	Sensor
	Voltage() float32
	Current() float32
}

// Hardware variants. The empty string leaves a category unconfigured.
const (
	PressureBMP085    = "bmp085"
	PressureBMP280    = "bmp280"
	HeightMaxbotix    = "maxbotix"
	PowerAttoPilot90A = "attopilot90a"
)

// Hardware is what the hub needs to build the concrete variants.
type Hardware struct {
	// BMP085 and BMP280 open the barometer. Nil when no two-wire bus is
	// available.
	BMP085 func() (PressureSensor, error)
	BMP280 func() (PressureSensor, error)
	// ADC backs the analog sensors.
	ADC   analog.Reader
	Sonar sonar.Config
	Power power.Config
}

// Snapshot is the latest published state of all sensor slots.
type Snapshot struct {
	PressurePresent      bool    `json:"pressure_present"`
	Temperature          int32   `json:"temperature_decic"`
	Pressure             int32   `json:"pressure_pa"`
	AltitudeFromPressure float32 `json:"altitude_pressure_m"`
	PressureFault        string  `json:"pressure_fault,omitempty"`

	HeightPresent      bool    `json:"height_present"`
	AltitudeFromHeight float32 `json:"altitude_height_m"`
	HeightFault        string  `json:"height_fault,omitempty"`

	PowerPresent bool    `json:"power_present"`
	Voltage      float32 `json:"voltage_v"`
	Current      float32 `json:"current_a"`
	PowerFault   string  `json:"power_fault,omitempty"`

	UpdatedMs uint32 `json:"updated_ms"`
}

type slot struct {
	name  string
	fault error
}

// Hub processes its sensors from the scheduler goroutine and publishes a
// Snapshot that other goroutines may read.
type Hub struct {
	task *scheduler.Task
	hw   Hardware

	pressure PressureSensor
	height   HeightSensor
	power    PowerSensor

	pressureSlot slot
	heightSlot   slot
	powerSlot    slot

	logf func(format string, args ...any)

	mu          sync.RWMutex
	snap        Snapshot
	diagnostics []string
}

func NewHub(task *scheduler.Task, hw Hardware) *Hub {
	return &Hub{
		task:         task,
		hw:           hw,
		logf:         log.Printf,
		pressureSlot: slot{name: "pressure"},
		heightSlot:   slot{name: "height"},
		powerSlot:    slot{name: "power"},
	}
}

// Task implements scheduler.Subsystem.
func (h *Hub) Task() *scheduler.Task {
	if h == nil {
		return nil
	}
	return h.task
}

func (h *Hub) diagnose(msg string) {
	h.logf("%s", msg)
	h.mu.Lock()
	h.diagnostics = append(h.diagnostics, msg)
	h.mu.Unlock()
}

// Diagnostics returns configuration diagnostics emitted so far.
func (h *Hub) Diagnostics() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.diagnostics...)
}

// SetPressureType selects the pressure sensor variant. An unknown variant
// reports a diagnostic and leaves the slot absent.
func (h *Hub) SetPressureType(variant string) {
	h.pressure = nil
	switch variant {
	case "":
	case PressureBMP085:
		h.pressure = h.openPressure(variant, h.hw.BMP085)
	case PressureBMP280:
		h.pressure = h.openPressure(variant, h.hw.BMP280)
	default:
		h.diagnose("ERROR: Unknown Pressure Sensor type selected.")
	}
}

func (h *Hub) openPressure(variant string, open func() (PressureSensor, error)) PressureSensor {
	if open == nil {
		h.diagnose(fmt.Sprintf("ERROR: Pressure Sensor %s selected without a two-wire bus.", variant))
		return nil
	}
	s, err := open()
	if err != nil {
		h.diagnose(fmt.Sprintf("ERROR: Pressure Sensor %s unavailable: %v", variant, err))
		return nil
	}
	return s
}

// SetHeightType selects the height sensor variant.
func (h *Hub) SetHeightType(variant string) {
	h.height = nil
	switch variant {
	case "":
	case HeightMaxbotix:
		h.height = sonar.New(h.hw.ADC, h.hw.Sonar)
	default:
		h.diagnose("ERROR: Unknown Height Sensor type selected.")
	}
}

// SetPowerType selects the power sensor variant.
func (h *Hub) SetPowerType(variant string) {
	h.power = nil
	switch variant {
	case "":
	case PowerAttoPilot90A:
		h.power = power.NewAttoPilot(h.hw.ADC, h.hw.Power)
	default:
		h.diagnose("ERROR: Unknown Power Sensor type selected.")
	}
}

// Initialize initializes every selected sensor. A sensor that fails to
// initialize is reported and dropped, so no half-initialized instance is
// ever processed. The returned error joins all failures.
func (h *Hub) Initialize() error {
	var errs []error
	if h.pressure != nil {
		if err := h.pressure.Initialize(); err != nil {
			errs = append(errs, fmt.Errorf("pressure: %w", err))
			h.diagnose(fmt.Sprintf("ERROR: Pressure Sensor init failed: %v", err))
			h.pressure = nil
		}
	}
	if h.power != nil {
		if err := h.power.Initialize(); err != nil {
			errs = append(errs, fmt.Errorf("power: %w", err))
			h.diagnose(fmt.Sprintf("ERROR: Power Sensor init failed: %v", err))
			h.power = nil
		}
	}
	if h.height != nil {
		if err := h.height.Initialize(); err != nil {
			errs = append(errs, fmt.Errorf("height: %w", err))
			h.diagnose(fmt.Sprintf("ERROR: Height Sensor init failed: %v", err))
			h.height = nil
		}
	}
	h.publish(0)
	return errors.Join(errs...)
}

// Process runs when the hub's task admits nowMs and calls Process on every
// present sensor. Sensor errors are recorded as slot faults; they never stop
// the tick.
func (h *Hub) Process(nowMs uint32) {
	if !h.task.Admit(nowMs) {
		return
	}
	defer h.task.Done()

	if h.pressure != nil {
		h.record(&h.pressureSlot, h.pressure, h.pressure.Process(nowMs))
	}
	if h.power != nil {
		h.record(&h.powerSlot, h.power, h.power.Process(nowMs))
	}
	if h.height != nil {
		h.record(&h.heightSlot, h.height, h.height.Process(nowMs))
	}
	h.publish(nowMs)
}

// faulter is implemented by sensors that latch a hardware fault state.
type faulter interface {
	Fault() error
}

// record tracks slot fault transitions. A sensor that latches its own fault
// state stays faulted while that latch is set, even on ticks where Process
// returns nil.
func (h *Hub) record(s *slot, sensor any, err error) {
	if err == nil {
		if f, ok := sensor.(faulter); ok {
			err = f.Fault()
		}
	}
	switch {
	case err != nil && s.fault == nil:
		h.logf("sensors %s fault err=%v", s.name, err)
	case err == nil && s.fault != nil:
		h.logf("sensors %s recovered", s.name)
	}
	s.fault = err
}

func (h *Hub) slotFault(s *slot, sensor any) string {
	if f, ok := sensor.(faulter); ok {
		if err := f.Fault(); err != nil {
			return err.Error()
		}
	}
	if s.fault != nil {
		return s.fault.Error()
	}
	return ""
}

func (h *Hub) publish(nowMs uint32) {
	var sn Snapshot
	if h.pressure != nil {
		sn.PressurePresent = true
		sn.Temperature = h.pressure.Temperature()
		sn.Pressure = h.pressure.Pressure()
		sn.AltitudeFromPressure = h.pressure.Altitude()
		sn.PressureFault = h.slotFault(&h.pressureSlot, h.pressure)
	}
	if h.height != nil {
		sn.HeightPresent = true
		sn.AltitudeFromHeight = h.height.Height()
		sn.HeightFault = h.slotFault(&h.heightSlot, h.height)
	}
	if h.power != nil {
		sn.PowerPresent = true
		sn.Voltage = h.power.Voltage()
		sn.Current = h.power.Current()
		sn.PowerFault = h.slotFault(&h.powerSlot, h.power)
	}
	sn.UpdatedMs = nowMs

	h.mu.Lock()
	h.snap = sn
	h.mu.Unlock()
}

// Snapshot returns the latest published readings. Absent sensors read as zero.
func (h *Hub) Snapshot() Snapshot {
	if h == nil {
		return Snapshot{}
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snap
}

// Temperature returns 0.1 degC, or 0 without a pressure sensor.
func (h *Hub) Temperature() int32 { return h.Snapshot().Temperature }

// Pressure returns Pa, or 0 without a pressure sensor.
func (h *Hub) Pressure() int32 { return h.Snapshot().Pressure }

func (h *Hub) AltitudeFromPressure() float32 { return h.Snapshot().AltitudeFromPressure }

func (h *Hub) AltitudeFromHeightSensor() float32 { return h.Snapshot().AltitudeFromHeight }

func (h *Hub) Voltage() float32 { return h.Snapshot().Voltage }

func (h *Hub) Current() float32 { return h.Snapshot().Current }

// MonitorLine formats the snapshot as
// temperature,pressure,altitudeFromPressure,altitudeFromHeightSensor.
func (h *Hub) MonitorLine() string {
	return FormatMonitorLine(h.Snapshot())
}

func FormatMonitorLine(sn Snapshot) string {
	return fmt.Sprintf("%d,%d,%.2f,%.2f", sn.Temperature, sn.Pressure, sn.AltitudeFromPressure, sn.AltitudeFromHeight)
}
