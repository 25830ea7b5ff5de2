package analog

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/ads1x15"
	"periph.io/x/host/v3"
)

// ADS1115 reads single-ended channels 0..3 of an ADS1115 over I2C.
type ADS1115 struct {
	bus i2c.BusCloser
	dev *ads1x15.Dev

	fullScale physic.ElectricPotential
	rate      physic.Frequency

	mu   sync.Mutex
	pins map[int]ads1x15.PinADC
}

// ADS1115Config selects the bus and conversion range.
type ADS1115Config struct {
	// Bus is a periph bus name, e.g. "1" or "/dev/i2c-1". Empty selects the first bus.
	Bus     string
	Address uint16
	// FullScaleMv is the PGA range; it should match the channels' ReferenceMv.
	FullScaleMv int
}

func OpenADS1115(cfg ADS1115Config) (*ADS1115, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("analog: periph host init: %w", err)
	}
	bus, err := i2creg.Open(cfg.Bus)
	if err != nil {
		return nil, fmt.Errorf("analog: open i2c bus %q: %w", cfg.Bus, err)
	}
	opts := ads1x15.DefaultOpts
	if cfg.Address != 0 {
		opts.I2cAddress = cfg.Address
	}
	dev, err := ads1x15.NewADS1115(bus, &opts)
	if err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("analog: ads1115 init: %w", err)
	}
	fs := cfg.FullScaleMv
	if fs <= 0 {
		fs = 4096
	}
	return &ADS1115{
		bus:       bus,
		dev:       dev,
		fullScale: physic.ElectricPotential(fs) * physic.MilliVolt,
		rate:      860 * physic.Hertz,
		pins:      make(map[int]ads1x15.PinADC, 4),
	}, nil
}

// ReadRaw performs one single-shot conversion on pin (0..3).
func (a *ADS1115) ReadRaw(pin int) (int32, error) {
	p, err := a.pin(pin)
	if err != nil {
		return 0, err
	}
	s, err := p.Read()
	if err != nil {
		return 0, fmt.Errorf("ads1115 read: %w", err)
	}
	return s.Raw, nil
}

func (a *ADS1115) pin(n int) (ads1x15.PinADC, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.pins[n]; ok {
		return p, nil
	}
	var ch ads1x15.Channel
	switch n {
	case 0:
		ch = ads1x15.Channel0
	case 1:
		ch = ads1x15.Channel1
	case 2:
		ch = ads1x15.Channel2
	case 3:
		ch = ads1x15.Channel3
	default:
		return nil, fmt.Errorf("ads1115: pin %d out of range 0..3", n)
	}
	p, err := a.dev.PinForChannel(ch, a.fullScale, a.rate, ads1x15.BestQuality)
	if err != nil {
		return nil, fmt.Errorf("ads1115: pin %d: %w", n, err)
	}
	a.pins[n] = p
	return p, nil
}

func (a *ADS1115) Close() error {
	if a == nil || a.bus == nil {
		return nil
	}
	a.mu.Lock()
	for _, p := range a.pins {
		_ = p.Halt()
	}
	a.pins = nil
	a.mu.Unlock()
	err := a.bus.Close()
	a.bus = nil
	return err
}
