package scheduler

import (
	"context"
	"fmt"
	"time"
)

// Subsystem is anything the scheduler drives. Process must return promptly;
// multi-step work resumes on the next admitted call. Implementations gate
// themselves with their Task (see Task.Admit).
type Subsystem interface {
	Task() *Task
	Process(nowMs uint32)
}

// Scheduler runs subsystems cooperatively in registration order on a single
// goroutine. There is no preemption: one Tick visits every subsystem once.
type Scheduler struct {
	subsystems []Subsystem
	ticks      uint64

	nowMs func() uint32
}

func New() *Scheduler {
	return &Scheduler{nowMs: MillisSinceBoot}
}

// Add registers sub. A subsystem that is configured but has no underlying
// instance (nil, or a nil Task) is skipped silently. Task must therefore be
// safe to call on a nil receiver.
func (s *Scheduler) Add(sub Subsystem) {
	if sub == nil || sub.Task() == nil {
		return
	}
	s.subsystems = append(s.subsystems, sub)
}

// Tick offers nowMs to every registered subsystem.
func (s *Scheduler) Tick(nowMs uint32) {
	s.ticks++
	for _, sub := range s.subsystems {
		sub.Process(nowMs)
	}
}

func (s *Scheduler) Ticks() uint64 { return s.ticks }

// Stats returns timing diagnostics for each registered subsystem.
func (s *Scheduler) Stats() []Stats {
	out := make([]Stats, 0, len(s.subsystems))
	for _, sub := range s.subsystems {
		out = append(out, sub.Task().Stats())
	}
	return out
}

// Run drives Tick from a host ticker until ctx is done.
func (s *Scheduler) Run(ctx context.Context, tick time.Duration) error {
	if s == nil {
		return fmt.Errorf("scheduler: nil")
	}
	if tick <= 0 {
		return fmt.Errorf("scheduler: invalid tick %s", tick)
	}
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.Tick(s.nowMs())
		}
	}
}

// MillisSinceBoot is the default millisecond clock. It wraps after ~49 days,
// which Task handles through unsigned subtraction.
func MillisSinceBoot() uint32 {
	return uint32(monotonic() / time.Millisecond)
}
