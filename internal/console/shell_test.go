package console

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aeroquad-ng/internal/flightcontrol"
	"aeroquad-ng/internal/mixer"
	"aeroquad-ng/internal/scheduler"
	"aeroquad-ng/internal/sensors"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type pipeRW struct {
	io.Reader
	io.Writer
}

type fixedMonitor string

func (m fixedMonitor) MonitorLine() string { return string(m) }

type fixedStatus flightcontrol.Snapshot

func (s fixedStatus) Snapshot() flightcontrol.Snapshot { return flightcontrol.Snapshot(s) }

type fixedDiag []string

func (d fixedDiag) Diagnostics() []string { return d }

func TestShell_HelpAndUnknown(t *testing.T) {
	s := New(0)
	require.NoError(t, s.Register(Keyword{Name: "status", Help: "show status", Run: func(io.Writer, []string) error { return nil }}))

	var out bytes.Buffer
	k, _, err := s.Exec(&out, "help")
	require.NoError(t, err)
	assert.Nil(t, k)
	assert.Equal(t, "help             list keywords\r\nstatus           show status\r\n", out.String())

	out.Reset()
	_, _, err = s.Exec(&out, "reboot now")
	require.NoError(t, err)
	assert.Equal(t, "Unknown command: reboot\r\n", out.String())

	out.Reset()
	_, _, err = s.Exec(&out, "   ")
	require.NoError(t, err)
	assert.Empty(t, out.String())
}

func TestShell_RegisterErrors(t *testing.T) {
	s := New(0)
	noop := func(io.Writer, []string) error { return nil }
	assert.Error(t, s.Register(Keyword{Name: "help", Run: noop}))
	assert.Error(t, s.Register(Keyword{Name: "two words", Run: noop}))
	assert.Error(t, s.Register(Keyword{Name: "x"}))
}

func TestShell_ExecPassesArgsAndWrapsErrors(t *testing.T) {
	s := New(0)
	var got []string
	require.NoError(t, s.Register(Keyword{Name: "echo", Run: func(w io.Writer, args []string) error {
		got = args
		return errors.New("nope")
	}}))
	_, _, err := s.Exec(io.Discard, "echo a b")
	assert.Equal(t, []string{"a", "b"}, got)
	assert.EqualError(t, err, "console: echo: nope")
}

func TestShell_ServeRepeatsUntilInput(t *testing.T) {
	s := New(5 * time.Millisecond)
	require.NoError(t, RegisterFlightKeywords(s, fixedMonitor("150,69964,3016.66,0.00"), fixedStatus{}, nil))

	pr, pw := io.Pipe()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background(), pipeRW{Reader: pr, Writer: out}) }()

	_, err := io.WriteString(pw, "monitorSensors\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Count(out.String(), "150,69964,3016.66,0.00\r\n") >= 3
	}, time.Second, time.Millisecond)

	_, err = io.WriteString(pw, "\n")
	require.NoError(t, err)
	require.NoError(t, pw.Close())
	require.NoError(t, <-done)

	n := strings.Count(out.String(), "\r\n")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, strings.Count(out.String(), "\r\n"), "monitor kept running after input")
}

func TestShell_ServeStopsOnContext(t *testing.T) {
	s := New(0)
	pr, _ := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, pipeRW{Reader: pr, Writer: io.Discard}) }()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestStatusKeyword(t *testing.T) {
	s := New(0)
	sn := flightcontrol.Snapshot{
		NowMs:    1234,
		Ticks:    1235,
		Failsafe: true,
		Motors:   mixer.Commands{1100, 1100, 1100, 1100},
		Channels: [4]int{1100, 1100, 1100, 1100},
		Tasks: []scheduler.Stats{
			{Name: "sensors", Period: 10 * time.Millisecond, Enabled: true, Runs: 124, LastDuration: 40 * time.Microsecond, MaxDuration: 90 * time.Microsecond},
		},
		Sensors: sensors.Snapshot{PressurePresent: true, Temperature: 150, Pressure: 69964, AltitudeFromPressure: 3016.66},
	}
	diag := fixedDiag{"ERROR: Unknown Height Sensor type selected."}
	require.NoError(t, RegisterFlightKeywords(s, fixedMonitor(""), fixedStatus(sn), diag))

	var out bytes.Buffer
	_, _, err := s.Exec(&out, "status")
	require.NoError(t, err)
	got := out.String()
	assert.Contains(t, got, "now_ms=1234 ticks=1235 failsafe=true command_age_ms=0\r\n")
	assert.Contains(t, got, "motors=1100,1100,1100,1100 channels=1100,1100,1100,1100\r\n")
	assert.Contains(t, got, "task=sensors period=10ms offset=0s enabled=true runs=124 last=40µs max=90µs\r\n")
	assert.Contains(t, got, "pressure present=true temperature=150 pressure=69964 altitude=3016.66")
	assert.Contains(t, got, "ERROR: Unknown Height Sensor type selected.\r\n")
}

func TestOpenSerial_RequiresPort(t *testing.T) {
	_, err := OpenSerial("", 0)
	assert.EqualError(t, err, "console: serial port is required")
}
