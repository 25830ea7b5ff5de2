package udp

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aeroquad-ng/internal/scheduler"
)

type recConn struct {
	payloads [][]byte
	failWith error
	attempts int
	closed   bool
}

func (c *recConn) Write(p []byte) (int, error) {
	c.attempts++
	if c.failWith != nil {
		return 0, c.failWith
	}
	c.payloads = append(c.payloads, append([]byte(nil), p...))
	return len(p), nil
}

func (c *recConn) Close() error {
	c.closed = true
	return nil
}

func TestNewBroadcaster_LoopbackDelivery(t *testing.T) {
	ln, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer ln.Close()

	b, err := NewBroadcaster(ln.LocalAddr().String())
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, ln.LocalAddr().String(), b.Dest())

	require.NoError(t, b.Send([]byte("0,0,0.00,1.25\r\n")))
	require.NoError(t, ln.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 64)
	n, _, err := ln.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "0,0,0.00,1.25\r\n", string(buf[:n]))
}

func TestNewBroadcaster_Errors(t *testing.T) {
	boom := errors.New("boom")
	okResolve := func(network, address string) (*net.UDPAddr, error) { return net.ResolveUDPAddr(network, address) }
	okDial := func(string, *net.UDPAddr, *net.UDPAddr) (udpConn, error) { return &recConn{}, nil }

	tests := []struct {
		name    string
		resolve resolveFunc
		dial    dialFunc
		wantMsg string
	}{
		{"resolve", func(string, string) (*net.UDPAddr, error) { return nil, boom }, okDial, "udp: resolve"},
		{"dial", okResolve, func(string, *net.UDPAddr, *net.UDPAddr) (udpConn, error) { return nil, boom }, "udp: dial"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newBroadcaster("127.0.0.1:4000", tt.resolve, tt.dial)
			require.ErrorIs(t, err, boom)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestBroadcaster_Send(t *testing.T) {
	c := &recConn{}
	b := &Broadcaster{dest: "x", conn: c}

	require.NoError(t, b.Send(nil))
	assert.Zero(t, c.attempts, "empty payloads are not written")

	require.NoError(t, b.Send([]byte{1, 2, 3}))
	assert.Equal(t, [][]byte{{1, 2, 3}}, c.payloads)

	c.failWith = errors.New("refused")
	assert.ErrorIs(t, b.Send([]byte{4}), c.failWith)

	require.NoError(t, b.Close())
	assert.True(t, c.closed)
	assert.NoError(t, (&Broadcaster{}).Close())
}

func TestTelemetry_SendsLineWhenDue(t *testing.T) {
	fc := &recConn{}
	b := &Broadcaster{dest: "x", conn: fc}
	n := 0
	tel := NewTelemetry(scheduler.NewTask("telemetry", 100*time.Millisecond, 7*time.Millisecond), b, func() string {
		n++
		return "150,69964,3016.66,0.00"
	})

	for now := uint32(0); now < 250; now++ {
		tel.Process(now)
	}
	if n != 3 {
		t.Fatalf("line calls=%d want 3", n)
	}
	if tel.Sent() != 3 || len(fc.payloads) != 3 {
		t.Fatalf("sent=%d writes=%d want 3", tel.Sent(), len(fc.payloads))
	}
	if got := string(fc.payloads[0]); got != "150,69964,3016.66,0.00\r\n" {
		t.Fatalf("payload=%q", got)
	}
}

func TestTelemetry_SendErrorDoesNotCount(t *testing.T) {
	fc := &recConn{failWith: errors.New("unreachable")}
	b := &Broadcaster{dest: "x", conn: fc}
	tel := NewTelemetry(scheduler.NewTask("telemetry", 0, 0), b, func() string { return "x" })

	tel.Process(0)
	tel.Process(1)
	if tel.Sent() != 0 || fc.attempts != 2 {
		t.Fatalf("sent=%d hits=%d", tel.Sent(), fc.attempts)
	}
}

func TestTelemetry_AbsentWithoutBroadcaster(t *testing.T) {
	tel := NewTelemetry(scheduler.NewTask("telemetry", 0, 0), nil, nil)
	if tel.Task() != nil {
		t.Fatalf("expected absent subsystem")
	}
	var nilTel *Telemetry
	if nilTel.Task() != nil {
		t.Fatalf("expected nil task")
	}
}
