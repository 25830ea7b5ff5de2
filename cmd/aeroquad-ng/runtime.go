package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"

	"aeroquad-ng/internal/analog"
	"aeroquad-ng/internal/config"
	"aeroquad-ng/internal/console"
	"aeroquad-ng/internal/flightcontrol"
	"aeroquad-ng/internal/gpio"
	"aeroquad-ng/internal/i2c"
	"aeroquad-ng/internal/link"
	"aeroquad-ng/internal/mixer"
	"aeroquad-ng/internal/motors"
	"aeroquad-ng/internal/scheduler"
	"aeroquad-ng/internal/sensors"
	"aeroquad-ng/internal/sensors/bmp085"
	"aeroquad-ng/internal/sensors/bmp280"
	"aeroquad-ng/internal/sensors/power"
	"aeroquad-ng/internal/sensors/sonar"
	"aeroquad-ng/internal/udp"
)

type adcReadCloser interface {
	analog.Reader
	io.Closer
}

// Hardware seams, replaced in tests.
var (
	openI2CFn = i2c.Open
	openEOCFn = func(cfg gpio.InputConfig) (bmp085.ReadySignal, io.Closer, error) {
		in, err := gpio.OpenInput(cfg)
		if err != nil {
			return nil, nil, err
		}
		return in, in, nil
	}
	openADCFn = func(cfg analog.ADS1115Config) (adcReadCloser, error) {
		a, err := analog.OpenADS1115(cfg)
		if err != nil {
			return nil, err
		}
		return a, nil
	}
	openPWMFn = func(cfg motors.SysfsConfig) (motors.Driver, error) {
		d, err := motors.OpenSysfs(cfg)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	openSerialFn = func(port string, baud int) (io.ReadWriteCloser, error) {
		return console.OpenSerial(port, baud)
	}
)

type runtime struct {
	cfg   config.Config
	hub   *sensors.Hub
	ctl   *flightcontrol.Controller
	shell *console.Shell
	link  *link.Link

	consoleRW io.ReadWriter

	mu      sync.Mutex
	closers []io.Closer
}

func (rt *runtime) addCloser(c io.Closer) {
	rt.mu.Lock()
	rt.closers = append(rt.closers, c)
	rt.mu.Unlock()
}

// Close releases hardware in reverse acquisition order.
func (rt *runtime) Close() {
	rt.mu.Lock()
	cs := rt.closers
	rt.closers = nil
	rt.mu.Unlock()
	for i := len(cs) - 1; i >= 0; i-- {
		if err := cs[i].Close(); err != nil {
			log.Printf("close failed err=%v", err)
		}
	}
}

func newRuntime(cfg config.Config) (*runtime, error) {
	rt := &runtime{cfg: cfg}
	sc := cfg.Scheduler

	rt.hub = sensors.NewHub(scheduler.NewTask("sensors", sc.Sensors.Period, sc.Sensors.Offset), rt.sensorHardware())
	rt.hub.SetPressureType(cfg.Sensors.Pressure.Type)
	rt.hub.SetPowerType(cfg.Sensors.Power.Type)
	rt.hub.SetHeightType(cfg.Sensors.Height.Type)
	if err := rt.hub.Initialize(); err != nil {
		log.Printf("sensors init incomplete err=%v", err)
	}

	drv, err := rt.motorDriver()
	if err != nil {
		rt.Close()
		return nil, err
	}
	layout, err := mixer.LayoutByName(cfg.Motors.Layout)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.ctl, err = flightcontrol.New(flightcontrol.Config{
		Mixer: mixer.Config{
			MinThrottle:  cfg.Motors.MinThrottle,
			MaxCommand:   cfg.Motors.MaxCommand,
			MaxCheck:     cfg.Motors.MaxCheck,
			YawDirection: cfg.Motors.YawDirection,
			Layout:       layout,
		},
		Period:         sc.Flight.Period,
		Offset:         sc.Flight.Offset,
		CommandTimeout: cfg.Motors.CommandTimeout,
	}, rt.hub, drv)
	if err != nil {
		_ = drv.Close()
		rt.Close()
		return nil, err
	}

	if cfg.Telemetry.UDPDest != "" {
		b, err := udp.NewBroadcaster(cfg.Telemetry.UDPDest)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.addCloser(b)
		rt.ctl.Add(udp.NewTelemetry(scheduler.NewTask("telemetry", sc.Telemetry.Period, sc.Telemetry.Offset), b, rt.hub.MonitorLine))
		log.Printf("telemetry udp dest=%s period=%s", cfg.Telemetry.UDPDest, sc.Telemetry.Period)
	}

	rt.shell = console.New(cfg.Console.RepeatInterval)
	if err := console.RegisterFlightKeywords(rt.shell, rt.hub, rt.ctl, rt.hub); err != nil {
		rt.Close()
		return nil, err
	}

	if l := cfg.Link; l.Enable {
		rt.link, err = link.New(link.Config{
			Broker:          l.Broker,
			ClientID:        l.ClientID,
			QoS:             byte(l.QoS),
			CommandTopic:    l.CommandTopic,
			StatusTopic:     l.StatusTopic,
			MonitorTopic:    l.MonitorTopic,
			PublishInterval: l.PublishInterval,
		}, rt.ctl, func() any { return rt.ctl.Snapshot() }, rt.hub.MonitorLine)
		if err != nil {
			rt.Close()
			return nil, err
		}
	}
	return rt, nil
}

func (rt *runtime) sensorHardware() sensors.Hardware {
	s := rt.cfg.Sensors
	hw := sensors.Hardware{
		Sonar: sonar.Config{
			Pin:           *s.Height.Pin,
			ReferenceMv:   s.Height.ReferenceMv,
			PrecisionBits: s.Height.PrecisionBits,
		},
		Power: power.Config{
			VoltagePin:    *s.Power.VoltagePin,
			CurrentPin:    *s.Power.CurrentPin,
			ReferenceMv:   s.Power.ReferenceMv,
			PrecisionBits: s.Power.PrecisionBits,
		},
	}

	if s.Height.Type != "" || s.Power.Type != "" {
		adc, err := openADCFn(analog.ADS1115Config{
			Bus:         s.ADC.I2CBus,
			Address:     s.ADC.Address,
			FullScaleMv: s.ADC.FullScaleMv,
		})
		if err != nil {
			// Analog sensors fail Initialize and are dropped by the hub.
			log.Printf("sensors adc unavailable err=%v", err)
		} else {
			rt.addCloser(adc)
			hw.ADC = adc
		}
	}

	hw.BMP085 = func() (sensors.PressureSensor, error) {
		dev, err := rt.openPressureDev()
		if err != nil {
			return nil, err
		}
		p := s.Pressure

		// Keep ready an untyped nil unless a line is configured; a typed nil
		// would read as "never ready".
		var ready bmp085.ReadySignal
		if p.EOCLine != "" {
			sig, closer, err := openEOCFn(gpio.InputConfig{
				Chip:      p.EOCChip,
				Line:      p.EOCLine,
				ActiveLow: p.EOCActiveLow,
				Consumer:  "aeroquad-ng-bmp085",
			})
			if err != nil {
				return nil, fmt.Errorf("eoc line: %w", err)
			}
			rt.addCloser(closer)
			ready = sig
		}
		d, err := bmp085.New(dev, ready, bmp085.Config{
			Oversampling:      uint8(*p.Oversampling),
			ConversionTimeout: p.ConversionTimeout,
			FaultRetry:        p.FaultRetry,
		})
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	hw.BMP280 = func() (sensors.PressureSensor, error) {
		dev, err := rt.openPressureDev()
		if err != nil {
			return nil, err
		}
		d, err := bmp280.New(dev)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	return hw
}

func (rt *runtime) openPressureDev() (*i2c.Dev, error) {
	p := rt.cfg.Sensors.Pressure
	bus, err := openI2CFn(p.I2CBus)
	if err != nil {
		return nil, err
	}
	rt.addCloser(bus)
	dev := bus.Dev(p.Address)
	log.Printf("sensors pressure type=%s bus=%s addr=0x%02X", p.Type, bus.Path(), dev.Addr())
	return dev, nil
}

func (rt *runtime) motorDriver() (motors.Driver, error) {
	m := rt.cfg.Motors
	switch m.Driver {
	case "recorder":
		log.Printf("motors dry run: commands are recorded, not output")
		return motors.NewRecorder(), nil
	default:
		var chans [motors.NumChannels]int
		copy(chans[:], m.PWMChannels)
		return openPWMFn(motors.SysfsConfig{
			Chip:        *m.PWMChip,
			Channels:    chans,
			FrequencyHz: m.PWMFrequencyHz,
		})
	}
}

// Run starts the optional link and console, then runs the scheduler on the
// calling goroutine until ctx is done.
func (rt *runtime) Run(ctx context.Context) error {
	if rt.link != nil {
		if err := rt.link.Start(ctx); err != nil {
			log.Printf("link disabled err=%v", err)
		} else {
			defer rt.link.Wait()
		}
	}

	if rt.consoleRW == nil && rt.cfg.Console.SerialPort != "" {
		port, err := openSerialFn(rt.cfg.Console.SerialPort, rt.cfg.Console.Baud)
		if err != nil {
			log.Printf("console disabled err=%v", err)
		} else {
			rt.addCloser(port)
			rt.consoleRW = port
		}
	}
	if rt.consoleRW != nil {
		go func() {
			if err := rt.shell.Serve(ctx, rt.consoleRW); err != nil && ctx.Err() == nil {
				log.Printf("console stopped err=%v", err)
			}
		}()
	}

	return rt.ctl.Run(ctx, rt.cfg.Scheduler.Tick)
}
