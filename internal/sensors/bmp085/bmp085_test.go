package bmp085

import (
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

// Datasheet example coefficients.
var datasheetCal = Calibration{
	AC1: 408, AC2: -72, AC3: -14383,
	AC4: 32741, AC5: 32757, AC6: 23153,
	B1: 6190, B2: 4,
	MB: -32768, MC: -8711, MD: 2868,
}

func calibBytes(c Calibration) []byte {
	words := []uint16{
		uint16(c.AC1), uint16(c.AC2), uint16(c.AC3),
		c.AC4, c.AC5, c.AC6,
		uint16(c.B1), uint16(c.B2),
		uint16(c.MB), uint16(c.MC), uint16(c.MD),
	}
	b := make([]byte, calibLen)
	for i, w := range words {
		binary.BigEndian.PutUint16(b[2*i:], w)
	}
	return b
}

type fakeBus struct {
	chipID byte

	calibReads int
	calibSeq   [][]byte

	// Data register contents per conversion kind.
	temperature []byte
	pressure    []byte
	readErr     error
	writeErr    error

	lastCmd byte
	writes  []byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		chipID:      chipID,
		calibSeq:    [][]byte{calibBytes(datasheetCal)},
		temperature: []byte{0x6C, 0xFA},       // 27898
		pressure:    []byte{0x5D, 0x23, 0x00}, // 23843 << 8
	}
}

func (f *fakeBus) ReadRegU8(reg byte) (byte, error) {
	if reg != regChipID {
		return 0, errors.New("no reg")
	}
	return f.chipID, nil
}

func (f *fakeBus) ReadReg(reg byte, dst []byte) error {
	switch reg {
	case regCalib:
		f.calibReads++
		idx := f.calibReads - 1
		if idx >= len(f.calibSeq) {
			idx = len(f.calibSeq) - 1
		}
		copy(dst, f.calibSeq[idx])
		return nil
	case regData:
		if f.readErr != nil {
			return f.readErr
		}
		if f.lastCmd == cmdTemperature {
			copy(dst, f.temperature)
		} else {
			copy(dst, f.pressure)
		}
		return nil
	}
	return errors.New("no reg")
}

func (f *fakeBus) WriteReg(reg, value byte) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	if reg == regControl {
		f.lastCmd = value
		f.writes = append(f.writes, value)
	}
	return nil
}

type scriptedReady struct {
	seq []bool
	i   int
}

func (s *scriptedReady) Ready() bool {
	if s.i >= len(s.seq) {
		return false
	}
	v := s.seq[s.i]
	s.i++
	return v
}

func noSleep(t *testing.T) {
	t.Helper()
	old := sleep
	sleep = func(time.Duration) {}
	t.Cleanup(func() { sleep = old })
}

func newInitialized(t *testing.T, bus *fakeBus, ready ReadySignal, cfg Config) *Device {
	t.Helper()
	noSleep(t)
	d, err := newWithIO(bus, ready, cfg)
	if err != nil {
		t.Fatalf("newWithIO: %v", err)
	}
	if err := d.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return d
}

func TestCompensate_DatasheetFixture(t *testing.T) {
	temp, press := Compensate(datasheetCal, 27898, 23843, 0)
	if temp != 150 {
		t.Fatalf("temperature=%d want 150", temp)
	}
	if press != 69964 {
		t.Fatalf("pressure=%d want 69964", press)
	}
}

func TestAltitude(t *testing.T) {
	if alt := Altitude(101325); math.Abs(float64(alt)) > 0.01 {
		t.Fatalf("alt=%v want ~0", alt)
	}
	if alt := Altitude(69964); math.Abs(float64(alt)-3016.66) > 0.5 {
		t.Fatalf("alt=%v want ~3016.66", alt)
	}
}

func TestProcess_BeforeInitialize(t *testing.T) {
	bus := newFakeBus()
	d, err := newWithIO(bus, nil, Config{})
	if err != nil {
		t.Fatalf("newWithIO: %v", err)
	}
	if err := d.Process(10); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("err=%v want ErrNotInitialized", err)
	}
	if len(bus.writes) != 0 || bus.calibReads != 0 {
		t.Fatalf("bus touched before Initialize: writes=%v calibReads=%d", bus.writes, bus.calibReads)
	}
}

func TestProcess_ScriptedReadySequence(t *testing.T) {
	bus := newFakeBus()
	ready := &scriptedReady{seq: []bool{false, true, false, true}}
	d := newInitialized(t, bus, ready, Config{Oversampling: 0})

	if d.State() != StateAwaitingTemperature {
		t.Fatalf("state=%s want awaiting_temperature", d.State())
	}
	if got := d.Calibration(); got != datasheetCal {
		t.Fatalf("calibration=%+v want %+v", got, datasheetCal)
	}

	steps := []struct {
		now   uint32
		state State
		valid bool
	}{
		{now: 0, state: StateAwaitingTemperature, valid: false},
		{now: 10, state: StateAwaitingPressure, valid: false},
		{now: 20, state: StateAwaitingPressure, valid: false},
		{now: 30, state: StateAwaitingTemperature, valid: true},
	}
	for i, st := range steps {
		if err := d.Process(st.now); err != nil {
			t.Fatalf("step %d: Process: %v", i, err)
		}
		if d.State() != st.state {
			t.Fatalf("step %d: state=%s want %s", i, d.State(), st.state)
		}
		if d.Reading().Valid != st.valid {
			t.Fatalf("step %d: valid=%v want %v", i, d.Reading().Valid, st.valid)
		}
	}

	r := d.Reading()
	if r.Temperature != 150 || r.Pressure != 69964 {
		t.Fatalf("reading=%+v want T=150 P=69964", r)
	}
	if r.RawTemperature != 27898 || r.RawPressure != 23843 {
		t.Fatalf("raw=%d/%d want 27898/23843", r.RawTemperature, r.RawPressure)
	}
	if r.AtMs != 30 {
		t.Fatalf("at=%d want 30", r.AtMs)
	}
	if d.Cycles() != 1 {
		t.Fatalf("cycles=%d want 1", d.Cycles())
	}
	want := []byte{cmdTemperature, cmdPressure, cmdTemperature}
	if string(bus.writes) != string(want) {
		t.Fatalf("commands=%X want %X", bus.writes, want)
	}
}

func TestProcess_TimedReadinessWithoutEOC(t *testing.T) {
	bus := newFakeBus()
	d := newInitialized(t, bus, nil, Config{Oversampling: 1})
	bus.pressure = []byte{0x5D, 0x23, 0x00}

	for _, now := range []uint32{100, 104} {
		if err := d.Process(now); err != nil {
			t.Fatalf("Process(%d): %v", now, err)
		}
		if d.State() != StateAwaitingTemperature {
			t.Fatalf("now=%d state=%s want awaiting_temperature", now, d.State())
		}
	}
	if err := d.Process(105); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if d.State() != StateAwaitingPressure {
		t.Fatalf("state=%s want awaiting_pressure", d.State())
	}
	// oss=1 waits 8ms.
	if err := d.Process(112); err != nil || d.State() != StateAwaitingPressure {
		t.Fatalf("state=%s err=%v want still awaiting_pressure", d.State(), err)
	}
	if err := d.Process(113); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !d.Reading().Valid {
		t.Fatalf("expected reading after timed pressure phase")
	}
	if got := bus.writes[1]; got != cmdPressure+(1<<6) {
		t.Fatalf("pressure cmd=0x%02X want 0x%02X", got, cmdPressure+(1<<6))
	}
	// 0x5D2300 >> 7
	if got := d.Reading().RawPressure; got != 0x5D2300>>7 {
		t.Fatalf("raw pressure=%d want %d", got, 0x5D2300>>7)
	}
}

func TestProcess_TimeoutEntersFaultAndRetries(t *testing.T) {
	bus := newFakeBus()
	d := newInitialized(t, bus, &scriptedReady{}, Config{
		ConversionTimeout: 50 * time.Millisecond,
		FaultRetry:        200 * time.Millisecond,
	})

	if err := d.Process(0); err != nil {
		t.Fatalf("Process(0): %v", err)
	}
	if err := d.Process(50); err != nil {
		t.Fatalf("Process(50): %v", err)
	}
	err := d.Process(51)
	if !errors.Is(err, ErrConversionTimeout) {
		t.Fatalf("err=%v want ErrConversionTimeout", err)
	}
	if d.State() != StateFault || !errors.Is(d.Fault(), ErrConversionTimeout) {
		t.Fatalf("state=%s fault=%v want fault", d.State(), d.Fault())
	}

	// Stays faulted without error noise until the retry interval passes.
	if err := d.Process(200); err != nil || d.State() != StateFault {
		t.Fatalf("state=%s err=%v want quiet fault", d.State(), err)
	}
	if err := d.Process(251); err != nil {
		t.Fatalf("Process(251): %v", err)
	}
	if d.State() != StateAwaitingTemperature || d.Fault() != nil {
		t.Fatalf("state=%s fault=%v want restarted", d.State(), d.Fault())
	}
	if n := len(bus.writes); n != 2 || bus.writes[1] != cmdTemperature {
		t.Fatalf("commands=%X want restart temperature command", bus.writes)
	}
}

func TestProcess_FaultKeepsLastReading(t *testing.T) {
	bus := newFakeBus()
	ready := &scriptedReady{seq: []bool{true, true}}
	d := newInitialized(t, bus, ready, Config{ConversionTimeout: 20 * time.Millisecond})

	_ = d.Process(0)
	_ = d.Process(1)
	if !d.Reading().Valid {
		t.Fatalf("expected a completed reading")
	}
	before := d.Reading()

	if err := d.Process(100); !errors.Is(err, ErrConversionTimeout) {
		t.Fatalf("err=%v want ErrConversionTimeout", err)
	}
	if d.Reading() != before {
		t.Fatalf("reading changed on fault: %+v", d.Reading())
	}
	if d.Temperature() != 150 || d.Pressure() != 69964 || d.Altitude() == 0 {
		t.Fatalf("accessors T=%d P=%d alt=%v", d.Temperature(), d.Pressure(), d.Altitude())
	}
}

func TestProcess_BusErrorRetriesSamePhase(t *testing.T) {
	bus := newFakeBus()
	ready := &scriptedReady{seq: []bool{true, true}}
	d := newInitialized(t, bus, ready, Config{})

	boom := errors.New("nak")
	bus.readErr = boom
	if err := d.Process(0); !errors.Is(err, boom) {
		t.Fatalf("err=%v want %v", err, boom)
	}
	if d.State() != StateAwaitingTemperature {
		t.Fatalf("state=%s want awaiting_temperature", d.State())
	}

	bus.readErr = nil
	if err := d.Process(1); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if d.State() != StateAwaitingPressure {
		t.Fatalf("state=%s want awaiting_pressure", d.State())
	}
}

func TestInitialize_ChipIDMismatch(t *testing.T) {
	noSleep(t)
	bus := newFakeBus()
	bus.chipID = 0x58
	d, _ := newWithIO(bus, nil, Config{})
	if err := d.Initialize(); !errors.Is(err, ErrChipID) {
		t.Fatalf("err=%v want ErrChipID", err)
	}
	if d.State() != StateUninitialized {
		t.Fatalf("state=%s want uninitialized", d.State())
	}
}

func TestInitialize_RetriesCalibration(t *testing.T) {
	noSleep(t)
	bus := newFakeBus()
	bus.calibSeq = [][]byte{make([]byte, calibLen), calibBytes(datasheetCal)}
	d, _ := newWithIO(bus, nil, Config{})
	if err := d.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if bus.calibReads != 2 {
		t.Fatalf("calibReads=%d want 2", bus.calibReads)
	}
}

func TestInitialize_FailsOnInvalidCalibration(t *testing.T) {
	noSleep(t)
	bus := newFakeBus()
	ff := make([]byte, calibLen)
	for i := range ff {
		ff[i] = 0xFF
	}
	bus.calibSeq = [][]byte{ff}
	d, _ := newWithIO(bus, nil, Config{})
	if err := d.Initialize(); !errors.Is(err, ErrBadCalibration) {
		t.Fatalf("err=%v want ErrBadCalibration", err)
	}
	if len(bus.writes) != 0 {
		t.Fatalf("conversion started with bad calibration: %X", bus.writes)
	}
}

func TestNew_RejectsTimeoutShorterThanConversion(t *testing.T) {
	_, err := newWithIO(newFakeBus(), nil, Config{Oversampling: 3, ConversionTimeout: 10 * time.Millisecond})
	if err == nil || !strings.Contains(err.Error(), "shorter than the 26ms conversion") {
		t.Fatalf("err=%v want conversion timeout rejected", err)
	}
}

func TestProcess_MinimumTimeoutStillCompletesCycles(t *testing.T) {
	bus := newFakeBus()
	d := newInitialized(t, bus, nil, Config{Oversampling: 3, ConversionTimeout: MinConversionTimeout(3)})
	for now := uint32(0); now <= 500; now += 10 {
		if err := d.Process(now); err != nil {
			t.Fatalf("Process(%d): %v", now, err)
		}
	}
	if d.State() == StateFault || d.Cycles() == 0 {
		t.Fatalf("state=%s cycles=%d want completed cycles", d.State(), d.Cycles())
	}
}

func TestNew_RejectsOversampling(t *testing.T) {
	if _, err := newWithIO(newFakeBus(), nil, Config{Oversampling: 4}); err == nil {
		t.Fatalf("expected oversampling error")
	}
}
