package main

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"aeroquad-ng/internal/analog"
	"aeroquad-ng/internal/config"
	"aeroquad-ng/internal/i2c"
	"aeroquad-ng/internal/mixer"
	"aeroquad-ng/internal/motors"
)

type fakeADC struct {
	counts map[int]int32
	closed bool
}

func (f *fakeADC) ReadRaw(pin int) (int32, error) { return f.counts[pin], nil }
func (f *fakeADC) Close() error                   { f.closed = true; return nil }

func loadTestConfig(t *testing.T, body string) config.Config {
	t.Helper()
	var cfg config.Config
	if body != "" {
		path := writeConfig(t, body)
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			t.Fatalf("Load() error: %v", err)
		}
		return cfg
	}
	if err := config.DefaultAndValidate(&cfg); err != nil {
		t.Fatalf("DefaultAndValidate() error: %v", err)
	}
	return cfg
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := t.TempDir() + "/cfg.yaml"
	if err := writeFile(path, body); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func withFakeADC(t *testing.T, adc *fakeADC) {
	t.Helper()
	old := openADCFn
	openADCFn = func(analog.ADS1115Config) (adcReadCloser, error) { return adc, nil }
	t.Cleanup(func() { openADCFn = old })
}

func TestRuntime_DryRunMixesAndReadsSensors(t *testing.T) {
	adc := &fakeADC{counts: map[int]int32{0: 3000, 1: 2000, 2: 8000}}
	withFakeADC(t, adc)

	cfg := loadTestConfig(t, "motors:\n  driver: recorder\nsensors:\n  height:\n    type: maxbotix\n  power:\n    type: attopilot90a\n")
	rt, err := newRuntime(cfg)
	if err != nil {
		t.Fatalf("newRuntime() error: %v", err)
	}

	rt.ctl.SetCommand(mixer.FlightCommand{Throttle: 1500, ReceiverThrottle: 1500, Yaw: 40})
	for now := uint32(0); now <= 5; now++ {
		rt.ctl.Tick(now)
	}

	sn := rt.ctl.Snapshot()
	if sn.Failsafe {
		t.Fatalf("unexpected failsafe")
	}
	if sn.Motors != (mixer.Commands{1440, 1520, 1520, 1440}) {
		t.Fatalf("motors=%v", sn.Motors)
	}
	if !sn.Sensors.HeightPresent || !sn.Sensors.PowerPresent || sn.Sensors.PressurePresent {
		t.Fatalf("presence=%+v", sn.Sensors)
	}
	// 8000/32768*4096mV / 384.47 mV/m
	if h := sn.Sensors.AltitudeFromHeight; h < 2.59 || h > 2.61 {
		t.Fatalf("height=%v want ~2.60", h)
	}
	if !strings.HasPrefix(rt.hub.MonitorLine(), "0,0,0.00,2.6") {
		t.Fatalf("monitor=%q", rt.hub.MonitorLine())
	}

	rt.Close()
	if !adc.closed {
		t.Fatalf("adc not closed")
	}
}

func TestRuntime_UnknownVariantDiagnosed(t *testing.T) {
	cfg := loadTestConfig(t, "motors:\n  driver: recorder\nsensors:\n  pressure:\n    type: ms5611\n")
	rt, err := newRuntime(cfg)
	if err != nil {
		t.Fatalf("newRuntime() error: %v", err)
	}
	defer rt.Close()

	d := rt.hub.Diagnostics()
	if len(d) != 1 || d[0] != "ERROR: Unknown Pressure Sensor type selected." {
		t.Fatalf("diagnostics=%q", d)
	}
	if rt.hub.Pressure() != 0 || rt.hub.Temperature() != 0 || rt.hub.AltitudeFromPressure() != 0 {
		t.Fatalf("absent pressure sensor should read zero")
	}
}

func TestRuntime_BarometerBusFailureLeavesSlotAbsent(t *testing.T) {
	old := openI2CFn
	openI2CFn = func(int) (*i2c.Bus, error) { return nil, errors.New("no such bus") }
	t.Cleanup(func() { openI2CFn = old })

	cfg := loadTestConfig(t, "motors:\n  driver: recorder\nsensors:\n  pressure:\n    type: bmp085\n")
	rt, err := newRuntime(cfg)
	if err != nil {
		t.Fatalf("newRuntime() error: %v", err)
	}
	defer rt.Close()

	if rt.hub.Snapshot().PressurePresent {
		t.Fatalf("pressure sensor should be absent")
	}
	d := rt.hub.Diagnostics()
	if len(d) != 1 || !strings.Contains(d[0], "no such bus") {
		t.Fatalf("diagnostics=%q", d)
	}
}

func TestRuntime_PWMOpenFailureIsFatal(t *testing.T) {
	old := openPWMFn
	openPWMFn = func(motors.SysfsConfig) (motors.Driver, error) { return nil, errors.New("no pwmchip") }
	t.Cleanup(func() { openPWMFn = old })

	cfg := loadTestConfig(t, "")
	if _, err := newRuntime(cfg); err == nil || !strings.Contains(err.Error(), "no pwmchip") {
		t.Fatalf("err=%v want no pwmchip", err)
	}
}

func TestRuntime_RunServesConsole(t *testing.T) {
	cfg := loadTestConfig(t, "motors:\n  driver: recorder\n")
	rt, err := newRuntime(cfg)
	if err != nil {
		t.Fatalf("newRuntime() error: %v", err)
	}
	defer rt.Close()

	pr, pw := io.Pipe()
	out := &lockedBuffer{}
	rt.consoleRW = struct {
		io.Reader
		io.Writer
	}{pr, out}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	// Ask repeatedly: the first flight tick may not have run yet.
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), "failsafe=true") {
		if time.Now().After(deadline) {
			t.Fatalf("no failsafe status; got %q", out.String())
		}
		if _, err := io.WriteString(pw, "status\n"); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	_ = pw.Close()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() err=%v want context.Canceled", err)
	}
}
