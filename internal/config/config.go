package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"aeroquad-ng/internal/sensors/bmp085"
)

type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Sensors   SensorsConfig   `yaml:"sensors"`
	Motors    MotorsConfig    `yaml:"motors"`
	Link      LinkConfig      `yaml:"link"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Console   ConsoleConfig   `yaml:"console"`
}

type SchedulerConfig struct {
	Tick      time.Duration `yaml:"tick"`
	Sensors   TaskConfig    `yaml:"sensors"`
	Flight    TaskConfig    `yaml:"flight"`
	Telemetry TaskConfig    `yaml:"telemetry"`
}

// TaskConfig gates one subsystem. A zero period means the block was omitted;
// both period and offset then take their defaults.
type TaskConfig struct {
	Period time.Duration `yaml:"period"`
	Offset time.Duration `yaml:"offset"`
}

type SensorsConfig struct {
	Pressure PressureConfig `yaml:"pressure"`
	Height   HeightConfig   `yaml:"height"`
	Power    PowerConfig    `yaml:"power"`
	ADC      ADCConfig      `yaml:"adc"`
}

// PressureConfig selects the barometer. Type is passed to the sensor hub
// unchanged; unknown types are reported there, not here.
type PressureConfig struct {
	Type    string `yaml:"type"`
	I2CBus  int    `yaml:"i2c_bus"`
	Address uint16 `yaml:"address"`
	// Oversampling is 0..3; nil means the default (3).
	Oversampling *int `yaml:"oversampling"`

	// EOCChip/EOCLine name the end-of-conversion input. Empty line means
	// readiness is derived from datasheet conversion times.
	EOCChip      string `yaml:"eoc_chip"`
	EOCLine      string `yaml:"eoc_line"`
	EOCActiveLow bool   `yaml:"eoc_active_low"`

	ConversionTimeout time.Duration `yaml:"conversion_timeout"`
	FaultRetry        time.Duration `yaml:"fault_retry"`
}

type HeightConfig struct {
	Type          string  `yaml:"type"`
	Pin           *int    `yaml:"pin"`
	ReferenceMv   float64 `yaml:"reference_mv"`
	PrecisionBits uint    `yaml:"precision_bits"`
}

type PowerConfig struct {
	Type          string  `yaml:"type"`
	VoltagePin    *int    `yaml:"voltage_pin"`
	CurrentPin    *int    `yaml:"current_pin"`
	ReferenceMv   float64 `yaml:"reference_mv"`
	PrecisionBits uint    `yaml:"precision_bits"`
}

type ADCConfig struct {
	I2CBus      string `yaml:"i2c_bus"`
	Address     uint16 `yaml:"address"`
	FullScaleMv int    `yaml:"full_scale_mv"`
}

type MotorsConfig struct {
	MinThrottle  int    `yaml:"min_throttle"`
	MaxCommand   int    `yaml:"max_command"`
	MaxCheck     int    `yaml:"max_check"`
	YawDirection int    `yaml:"yaw_direction"`
	Layout       string `yaml:"layout"`

	// Driver is "sysfs" or "recorder" (dry run, no hardware).
	Driver         string        `yaml:"driver"`
	PWMChip        *int          `yaml:"pwm_chip"`
	PWMChannels    []int         `yaml:"pwm_channels"`
	PWMFrequencyHz int           `yaml:"pwm_frequency_hz"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

type LinkConfig struct {
	Enable          bool          `yaml:"enable"`
	Broker          string        `yaml:"broker"`
	ClientID        string        `yaml:"client_id"`
	QoS             int           `yaml:"qos"`
	CommandTopic    string        `yaml:"command_topic"`
	StatusTopic     string        `yaml:"status_topic"`
	MonitorTopic    string        `yaml:"monitor_topic"`
	PublishInterval time.Duration `yaml:"publish_interval"`
}

type TelemetryConfig struct {
	UDPDest string `yaml:"udp_dest"`
}

type ConsoleConfig struct {
	SerialPort     string        `yaml:"serial_port"`
	Baud           int           `yaml:"baud"`
	RepeatInterval time.Duration `yaml:"repeat_interval"`
}

// Load reads path strictly (unknown fields are errors), then applies
// defaults and validation.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, unknownFieldsErr(err)
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// unknownFieldsErr rewrites yaml's strict-mode errors without line prefixes.
func unknownFieldsErr(err error) error {
	var te *yaml.TypeError
	if !errors.As(err, &te) {
		return err
	}
	msgs := make([]string, 0, len(te.Errors))
	for _, e := range te.Errors {
		if !strings.Contains(e, "not found in type") {
			return err
		}
		if i := strings.Index(e, ": "); i >= 0 && strings.HasPrefix(e, "line ") {
			e = e[i+2:]
		}
		msgs = append(msgs, e)
	}
	return fmt.Errorf("config contains unknown fields: %s", strings.Join(msgs, "; "))
}

func intPtr(v int) *int { return &v }

func defaultTask(t *TaskConfig, name string, period, offset time.Duration) error {
	if t.Period == 0 {
		t.Period = period
		t.Offset = offset
	}
	if t.Period < 0 {
		return fmt.Errorf("scheduler.%s.period must be > 0", name)
	}
	if t.Offset < 0 {
		return fmt.Errorf("scheduler.%s.offset must be >= 0", name)
	}
	if t.Period%time.Millisecond != 0 || t.Offset%time.Millisecond != 0 {
		return fmt.Errorf("scheduler.%s period and offset must be whole milliseconds", name)
	}
	return nil
}

func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	s := &cfg.Scheduler
	if s.Tick == 0 {
		s.Tick = time.Millisecond
	}
	if s.Tick < 0 {
		return fmt.Errorf("scheduler.tick must be > 0")
	}
	if err := defaultTask(&s.Sensors, "sensors", 10*time.Millisecond, 0); err != nil {
		return err
	}
	if err := defaultTask(&s.Flight, "flight", 10*time.Millisecond, 5*time.Millisecond); err != nil {
		return err
	}
	if err := defaultTask(&s.Telemetry, "telemetry", 100*time.Millisecond, 7*time.Millisecond); err != nil {
		return err
	}

	if err := defaultSensors(&cfg.Sensors); err != nil {
		return err
	}
	if err := defaultMotors(&cfg.Motors); err != nil {
		return err
	}

	l := &cfg.Link
	if l.Enable {
		if strings.TrimSpace(l.Broker) == "" {
			return fmt.Errorf("link.broker is required when link.enable is true")
		}
		if l.ClientID == "" {
			l.ClientID = "aeroquad-ng"
		}
		if l.QoS < 0 || l.QoS > 2 {
			return fmt.Errorf("link.qos must be 0..2")
		}
		if l.CommandTopic == "" {
			l.CommandTopic = "aeroquad/command"
		}
		if l.StatusTopic == "" {
			l.StatusTopic = "aeroquad/status"
		}
		if l.MonitorTopic == "" {
			l.MonitorTopic = "aeroquad/monitor"
		}
		if l.PublishInterval <= 0 {
			l.PublishInterval = 100 * time.Millisecond
		}
	}

	if cfg.Console.Baud == 0 {
		cfg.Console.Baud = 115200
	}
	if cfg.Console.Baud < 0 {
		return fmt.Errorf("console.baud must be > 0")
	}
	if cfg.Console.RepeatInterval <= 0 {
		cfg.Console.RepeatInterval = 100 * time.Millisecond
	}
	return nil
}

func defaultSensors(sc *SensorsConfig) error {
	p := &sc.Pressure
	p.Type = strings.ToLower(strings.TrimSpace(p.Type))
	if p.I2CBus == 0 {
		p.I2CBus = 1
	}
	if p.I2CBus < 0 {
		return fmt.Errorf("sensors.pressure.i2c_bus must be >= 0")
	}
	if p.Address == 0 {
		p.Address = 0x77
	}
	if p.Address > 0x7F {
		return fmt.Errorf("sensors.pressure.address must be a 7-bit address")
	}
	if p.Oversampling == nil {
		p.Oversampling = intPtr(3)
	}
	if *p.Oversampling < 0 || *p.Oversampling > 3 {
		return fmt.Errorf("sensors.pressure.oversampling must be 0..3")
	}
	if p.ConversionTimeout == 0 {
		p.ConversionTimeout = 100 * time.Millisecond
	}
	if p.ConversionTimeout < 0 {
		return fmt.Errorf("sensors.pressure.conversion_timeout must be > 0")
	}
	if floor := bmp085.MinConversionTimeout(uint8(*p.Oversampling)); p.ConversionTimeout < floor {
		return fmt.Errorf("sensors.pressure.conversion_timeout must be >= %s at sensors.pressure.oversampling %d", floor, *p.Oversampling)
	}
	if p.FaultRetry == 0 {
		p.FaultRetry = time.Second
	}
	if p.FaultRetry < 0 {
		return fmt.Errorf("sensors.pressure.fault_retry must be > 0")
	}
	if p.EOCChip != "" && p.EOCLine == "" {
		return fmt.Errorf("sensors.pressure.eoc_line is required when sensors.pressure.eoc_chip is set")
	}

	a := &sc.ADC
	if a.I2CBus == "" {
		a.I2CBus = "1"
	}
	if a.Address == 0 {
		a.Address = 0x48
	}
	if a.FullScaleMv == 0 {
		a.FullScaleMv = 4096
	}
	if a.FullScaleMv < 0 {
		return fmt.Errorf("sensors.adc.full_scale_mv must be > 0")
	}

	h := &sc.Height
	h.Type = strings.ToLower(strings.TrimSpace(h.Type))
	if h.Pin == nil {
		h.Pin = intPtr(2)
	}
	if h.ReferenceMv == 0 {
		h.ReferenceMv = float64(a.FullScaleMv)
	}
	if h.PrecisionBits == 0 {
		h.PrecisionBits = 15
	}

	pw := &sc.Power
	pw.Type = strings.ToLower(strings.TrimSpace(pw.Type))
	if pw.VoltagePin == nil {
		pw.VoltagePin = intPtr(0)
	}
	if pw.CurrentPin == nil {
		pw.CurrentPin = intPtr(1)
	}
	if pw.ReferenceMv == 0 {
		pw.ReferenceMv = float64(a.FullScaleMv)
	}
	if pw.PrecisionBits == 0 {
		pw.PrecisionBits = 15
	}

	pins := map[int]string{}
	claim := func(name string, pin int, used bool) error {
		if !used {
			return nil
		}
		if pin < 0 || pin > 3 {
			return fmt.Errorf("sensors.%s must be 0..3", name)
		}
		if other, ok := pins[pin]; ok {
			return fmt.Errorf("sensors.%s conflicts with sensors.%s (pin %d)", name, other, pin)
		}
		pins[pin] = name
		return nil
	}
	if err := claim("power.voltage_pin", *pw.VoltagePin, pw.Type != ""); err != nil {
		return err
	}
	if err := claim("power.current_pin", *pw.CurrentPin, pw.Type != ""); err != nil {
		return err
	}
	if err := claim("height.pin", *h.Pin, h.Type != ""); err != nil {
		return err
	}
	return nil
}

func defaultMotors(m *MotorsConfig) error {
	if m.MinThrottle == 0 {
		m.MinThrottle = 1100
	}
	if m.MaxCommand == 0 {
		m.MaxCommand = 2000
	}
	if m.MaxCheck == 0 {
		m.MaxCheck = 1900
	}
	if m.YawDirection == 0 {
		m.YawDirection = 1
	}
	if m.Layout == "" {
		m.Layout = "x"
	}
	if m.Driver == "" {
		m.Driver = "sysfs"
	}
	if m.PWMChip == nil {
		m.PWMChip = intPtr(-1)
	}
	if len(m.PWMChannels) == 0 {
		m.PWMChannels = []int{0, 1, 2, 3}
	}
	if m.PWMFrequencyHz == 0 {
		m.PWMFrequencyHz = 400
	}
	if m.CommandTimeout == 0 {
		m.CommandTimeout = 500 * time.Millisecond
	}

	if m.MinThrottle >= m.MaxCheck {
		return fmt.Errorf("motors.min_throttle must be < motors.max_check")
	}
	if m.MaxCheck > m.MaxCommand {
		return fmt.Errorf("motors.max_check must be <= motors.max_command")
	}
	if m.YawDirection != 1 && m.YawDirection != -1 {
		return fmt.Errorf("motors.yaw_direction must be 1 or -1")
	}
	switch m.Layout {
	case "x", "x_legacy":
	default:
		return fmt.Errorf("motors.layout must be x or x_legacy")
	}
	switch m.Driver {
	case "sysfs", "recorder":
	default:
		return fmt.Errorf("motors.driver must be sysfs or recorder")
	}
	if len(m.PWMChannels) != 4 {
		return fmt.Errorf("motors.pwm_channels must list 4 channels")
	}
	seen := map[int]bool{}
	for _, ch := range m.PWMChannels {
		if ch < 0 || seen[ch] {
			return fmt.Errorf("motors.pwm_channels must be 4 distinct non-negative channels")
		}
		seen[ch] = true
	}
	if m.PWMFrequencyHz < 0 {
		return fmt.Errorf("motors.pwm_frequency_hz must be > 0")
	}
	// One period must fit the longest pulse.
	if time.Second/time.Duration(m.PWMFrequencyHz) < time.Duration(m.MaxCommand)*time.Microsecond {
		return fmt.Errorf("motors.pwm_frequency_hz too high for motors.max_command")
	}
	if m.CommandTimeout < 0 {
		return fmt.Errorf("motors.command_timeout must be > 0")
	}
	return nil
}
