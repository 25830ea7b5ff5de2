// Package udp sends telemetry lines to a UDP destination.
package udp

import (
	"fmt"
	"io"
	"log"
	"net"

	"aeroquad-ng/internal/scheduler"
)

type udpConn interface {
	io.Writer
	io.Closer
}

type resolveFunc func(network, address string) (*net.UDPAddr, error)
type dialFunc func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)

type Broadcaster struct {
	dest string
	conn udpConn
}

func NewBroadcaster(dest string) (*Broadcaster, error) {
	return newBroadcaster(dest, net.ResolveUDPAddr, func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		return net.DialUDP(network, laddr, raddr)
	})
}

func newBroadcaster(dest string, resolve resolveFunc, dial dialFunc) (*Broadcaster, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("udp: resolve %s: %w", dest, err)
	}
	// A nil laddr lets the kernel pick the local address.
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("udp: dial %s: %w", dest, err)
	}
	return &Broadcaster{dest: dest, conn: conn}, nil
}

func (b *Broadcaster) Dest() string { return b.dest }

func (b *Broadcaster) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	_, err := b.conn.Write(payload)
	return err
}

func (b *Broadcaster) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}

// Telemetry is a scheduled subsystem that sends one line per admitted run.
type Telemetry struct {
	task *scheduler.Task
	b    *Broadcaster
	line func() string

	sent    uint64
	sendErr error
}

func NewTelemetry(task *scheduler.Task, b *Broadcaster, line func() string) *Telemetry {
	return &Telemetry{task: task, b: b, line: line}
}

// Task implements scheduler.Subsystem. Without a broadcaster the subsystem
// is absent.
func (t *Telemetry) Task() *scheduler.Task {
	if t == nil || t.b == nil {
		return nil
	}
	return t.task
}

func (t *Telemetry) Process(nowMs uint32) {
	if !t.task.Admit(nowMs) {
		return
	}
	defer t.task.Done()

	err := t.b.Send([]byte(t.line() + "\r\n"))
	switch {
	case err != nil && t.sendErr == nil:
		log.Printf("telemetry udp send failed dest=%s err=%v", t.b.dest, err)
	case err == nil && t.sendErr != nil:
		log.Printf("telemetry udp send recovered dest=%s", t.b.dest)
	}
	t.sendErr = err
	if err == nil {
		t.sent++
	}
}

func (t *Telemetry) Sent() uint64 { return t.sent }
