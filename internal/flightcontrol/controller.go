// Package flightcontrol owns the real-time pipeline: scheduler, sensor hub,
// mixer and motor driver.
package flightcontrol

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"aeroquad-ng/internal/mixer"
	"aeroquad-ng/internal/motors"
	"aeroquad-ng/internal/scheduler"
	"aeroquad-ng/internal/sensors"
)

const defaultCommandTimeout = 500 * time.Millisecond

type Config struct {
	Mixer mixer.Config

	// Period and Offset gate the control loop.
	Period time.Duration
	Offset time.Duration

	// CommandTimeout is how long the last FlightCommand stays valid. After
	// that every motor is commanded to MinThrottle until a new one arrives.
	CommandTimeout time.Duration
}

type Snapshot struct {
	Command      mixer.FlightCommand     `json:"command"`
	CommandAgeMs uint32                  `json:"command_age_ms"`
	Failsafe     bool                    `json:"failsafe"`
	Motors       mixer.Commands          `json:"motors"`
	Channels     [motors.NumChannels]int `json:"channels"`

	Sensors sensors.Snapshot  `json:"sensors"`
	Tasks   []scheduler.Stats `json:"tasks"`
	Ticks   uint64            `json:"ticks"`
	NowMs   uint32            `json:"now_ms"`

	LastError string `json:"last_error,omitempty"`
}

// Controller is the flight-controller context. Everything except SetCommand
// and Snapshot runs on the scheduler goroutine.
type Controller struct {
	cfg   Config
	task  *scheduler.Task
	sched *scheduler.Scheduler
	hub   *sensors.Hub
	mix   *mixer.Mixer
	drv   motors.Driver

	cmdMu      sync.Mutex
	pending    mixer.FlightCommand
	pendingNew bool

	command   mixer.FlightCommand
	haveCmd   bool
	lastCmdMs uint32
	failsafe  bool
	writeErr  error

	mu   sync.RWMutex
	snap Snapshot
}

// New builds the controller and registers the hub then the control loop, so
// each tick mixes against the freshest completed sensor readings. hub may be
// nil when no sensors are configured.
func New(cfg Config, hub *sensors.Hub, drv motors.Driver) (*Controller, error) {
	if drv == nil {
		return nil, fmt.Errorf("flightcontrol: motor driver is nil")
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	mix, err := mixer.New(cfg.Mixer)
	if err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:      cfg,
		task:     scheduler.NewTask("flight", cfg.Period, cfg.Offset),
		sched:    scheduler.New(),
		hub:      hub,
		mix:      mix,
		drv:      drv,
		failsafe: true,
	}
	c.sched.Add(hub)
	c.sched.Add(c)
	return c, nil
}

// Add registers an extra subsystem after the control loop.
func (c *Controller) Add(sub scheduler.Subsystem) { c.sched.Add(sub) }

// Task implements scheduler.Subsystem.
func (c *Controller) Task() *scheduler.Task {
	if c == nil {
		return nil
	}
	return c.task
}

// SetCommand hands the controller the latest attitude-controller output.
// Safe for concurrent use.
func (c *Controller) SetCommand(fc mixer.FlightCommand) {
	c.cmdMu.Lock()
	c.pending = fc
	c.pendingNew = true
	c.cmdMu.Unlock()
}

func (c *Controller) takeCommand(nowMs uint32) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	if !c.pendingNew {
		return
	}
	c.command = c.pending
	c.pendingNew = false
	c.haveCmd = true
	c.lastCmdMs = nowMs
}

// Process runs one control-loop iteration when the flight task admits nowMs.
func (c *Controller) Process(nowMs uint32) {
	if !c.task.Admit(nowMs) {
		return
	}

	c.takeCommand(nowMs)

	age := nowMs - c.lastCmdMs
	stale := !c.haveCmd || time.Duration(age)*time.Millisecond > c.cfg.CommandTimeout
	if stale != c.failsafe {
		if stale {
			log.Printf("flight failsafe engaged command_age_ms=%d", age)
		} else {
			log.Printf("flight failsafe cleared")
		}
		c.failsafe = stale
	}

	var out mixer.Commands
	if c.failsafe {
		out = c.mix.Idle()
	} else {
		out = c.mix.Apply(c.command)
	}
	channels := c.cfg.Mixer.Layout.Channels(out)

	err := c.drv.Write(channels)
	switch {
	case err != nil && c.writeErr == nil:
		log.Printf("flight motor write failed err=%v", err)
	case err == nil && c.writeErr != nil:
		log.Printf("flight motor write recovered")
	}
	c.writeErr = err

	// Done before publish so the snapshot carries this run's stats.
	c.task.Done()
	c.publish(nowMs, age, out, channels)
}

func (c *Controller) publish(nowMs, age uint32, out mixer.Commands, channels [motors.NumChannels]int) {
	sn := Snapshot{
		Command:  c.command,
		Failsafe: c.failsafe,
		Motors:   out,
		Channels: channels,
		Sensors:  c.hub.Snapshot(),
		Tasks:    c.sched.Stats(),
		Ticks:    c.sched.Ticks(),
		NowMs:    nowMs,
	}
	if c.haveCmd {
		sn.CommandAgeMs = age
	}
	if c.writeErr != nil {
		sn.LastError = c.writeErr.Error()
	}
	c.mu.Lock()
	c.snap = sn
	c.mu.Unlock()
}

// Snapshot returns the state published by the last control-loop iteration.
func (c *Controller) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Tick advances the scheduler once at nowMs.
func (c *Controller) Tick(nowMs uint32) { c.sched.Tick(nowMs) }

// Run drives the scheduler until ctx is done, then idles the motors and
// closes the driver.
func (c *Controller) Run(ctx context.Context, tick time.Duration) error {
	err := c.sched.Run(ctx, tick)

	idle := c.cfg.Mixer.Layout.Channels(c.mix.Idle())
	if werr := c.drv.Write(idle); werr != nil {
		log.Printf("flight final idle write failed err=%v", werr)
	}
	if cerr := c.drv.Close(); cerr != nil {
		log.Printf("flight driver close failed err=%v", cerr)
	}
	return err
}
