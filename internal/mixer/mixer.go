// Package mixer turns throttle and attitude corrections into four motor
// commands for an X quad and rebalances opposing diagonal pairs when one of
// them saturates.
package mixer

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/exp/constraints"
)

type Motor int

const (
	FrontLeft Motor = iota
	FrontRight
	RearLeft
	RearRight

	NumMotors = 4
)

func (m Motor) String() string {
	switch m {
	case FrontLeft:
		return "front_left"
	case FrontRight:
		return "front_right"
	case RearLeft:
		return "rear_left"
	case RearRight:
		return "rear_right"
	default:
		return fmt.Sprintf("motor(%d)", int(m))
	}
}

// Motors lists the logical positions in index order.
var Motors = [NumMotors]Motor{FrontLeft, FrontRight, RearLeft, RearRight}

// Commands holds one value per logical motor, indexed by Motor.
type Commands [NumMotors]int

// Layout maps a logical motor position to its output channel (0-based).
type Layout [NumMotors]int

var layouts = map[string]Layout{
	// Motor 1..4 = FL, FR, RR, RL.
	"x": {FrontLeft: 0, FrontRight: 1, RearRight: 2, RearLeft: 3},
	// Older numbering: motor 1..4 = FL, RR, FR, RL.
	"x_legacy": {FrontLeft: 0, RearRight: 1, FrontRight: 2, RearLeft: 3},
}

// LayoutByName returns the named airframe layout table.
func LayoutByName(name string) (Layout, error) {
	l, ok := layouts[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Layout{}, fmt.Errorf("mixer: unknown layout %q (want one of %s)", name, strings.Join(LayoutNames(), ", "))
	}
	return l, nil
}

func LayoutNames() []string {
	out := make([]string, 0, len(layouts))
	for name := range layouts {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Channels reorders per-motor values into output channel order.
func (l Layout) Channels(c Commands) [NumMotors]int {
	var out [NumMotors]int
	for _, m := range Motors {
		out[l[m]] = c[m]
	}
	return out
}

// FlightCommand is produced by the attitude controller each control tick.
// ReceiverThrottle is the pilot's raw throttle stick, used as the pivot for
// saturation compensation.
type FlightCommand struct {
	Throttle         int `json:"throttle"`
	ReceiverThrottle int `json:"receiver_throttle"`
	Pitch            int `json:"pitch"`
	Roll             int `json:"roll"`
	Yaw              int `json:"yaw"`
}

type Config struct {
	MinThrottle  int
	MaxCommand   int
	MaxCheck     int
	YawDirection int
	Layout       Layout
}

func (c Config) validate() error {
	if c.YawDirection != 1 && c.YawDirection != -1 {
		return fmt.Errorf("mixer: yaw direction must be 1 or -1, got %d", c.YawDirection)
	}
	if c.MinThrottle >= c.MaxCheck {
		return fmt.Errorf("mixer: min throttle %d must be < max check %d", c.MinThrottle, c.MaxCheck)
	}
	if c.MaxCheck > c.MaxCommand {
		return fmt.Errorf("mixer: max check %d must be <= max command %d", c.MaxCheck, c.MaxCommand)
	}
	seen := [NumMotors]bool{}
	for _, ch := range c.Layout {
		if ch < 0 || ch >= NumMotors || seen[ch] {
			return fmt.Errorf("mixer: layout %v is not a permutation of 0..%d", c.Layout, NumMotors-1)
		}
		seen[ch] = true
	}
	return nil
}

// Mixer owns the motor command set and the per-motor saturation windows.
// Not safe for concurrent use.
type Mixer struct {
	cfg Config

	command  Commands
	minBound Commands
	maxBound Commands
	output   Commands
}

func New(cfg Config) (*Mixer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m := &Mixer{cfg: cfg}
	m.Reset()
	return m, nil
}

func (m *Mixer) Config() Config { return m.cfg }

// Reset opens every saturation window to [MinThrottle, MaxCommand] and parks
// the outputs at MinThrottle.
func (m *Mixer) Reset() {
	for _, mo := range Motors {
		m.command[mo] = m.cfg.MinThrottle
		m.minBound[mo] = m.cfg.MinThrottle
		m.maxBound[mo] = m.cfg.MaxCommand
		m.output[mo] = m.cfg.MinThrottle
	}
}

// Apply mixes fc, updates the saturation windows and returns the emitted
// commands. Every emitted value lies in [MinThrottle, MaxCommand].
func (m *Mixer) Apply(fc FlightCommand) Commands {
	m.mix(fc)
	m.processMinMax(fc.ReceiverThrottle)
	for _, mo := range Motors {
		v := constrain(m.command[mo], m.minBound[mo], m.maxBound[mo])
		m.output[mo] = constrain(v, m.cfg.MinThrottle, m.cfg.MaxCommand)
	}
	return m.output
}

// Idle commands every motor to MinThrottle without touching the windows.
func (m *Mixer) Idle() Commands {
	for _, mo := range Motors {
		m.output[mo] = m.cfg.MinThrottle
	}
	return m.output
}

func (m *Mixer) mix(fc FlightCommand) {
	yaw := m.cfg.YawDirection * fc.Yaw
	throttleCorrection := abs(fc.Yaw * 2 / 4)
	base := fc.Throttle - throttleCorrection

	m.command[FrontLeft] = base - fc.Pitch + fc.Roll - yaw
	m.command[FrontRight] = base - fc.Pitch - fc.Roll + yaw
	m.command[RearLeft] = base + fc.Pitch + fc.Roll + yaw
	m.command[RearRight] = base + fc.Pitch - fc.Roll - yaw
}

// processMinMax shifts the window of each diagonal pair by the amount the
// opposite pair is being clamped.
func (m *Mixer) processMinMax(receiverThrottle int) {
	m.balance(receiverThrottle, FrontLeft, RearRight, FrontRight, RearLeft)
	m.balance(receiverThrottle, RearLeft, FrontRight, FrontLeft, RearRight)
}

func (m *Mixer) balance(receiverThrottle int, a1, a2, b1, b2 Motor) {
	c := m.cfg
	switch {
	case m.command[a1] <= c.MinThrottle || m.command[a2] <= c.MinThrottle:
		delta := receiverThrottle - c.MinThrottle
		hi := constrain(receiverThrottle+delta, c.MinThrottle, c.MaxCheck)
		m.maxBound[b1] = hi
		m.maxBound[b2] = hi
	case m.command[a1] >= c.MaxCommand || m.command[a2] >= c.MaxCommand:
		delta := c.MaxCommand - receiverThrottle
		lo := constrain(receiverThrottle-delta, c.MinThrottle, c.MaxCommand)
		m.minBound[b1] = lo
		m.minBound[b2] = lo
	default:
		m.maxBound[b1] = c.MaxCommand
		m.maxBound[b2] = c.MaxCommand
		m.minBound[b1] = c.MinThrottle
		m.minBound[b2] = c.MinThrottle
	}
}

// Raw returns the mixed commands before any clamping.
func (m *Mixer) Raw() Commands { return m.command }

// Bounds returns the current per-motor saturation windows.
func (m *Mixer) Bounds() (min, max Commands) { return m.minBound, m.maxBound }

// Output returns the last emitted commands.
func (m *Mixer) Output() Commands { return m.output }

func constrain[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs[T constraints.Signed](v T) T {
	if v < 0 {
		return -v
	}
	return v
}
