package scheduler

import "time"

// Task gates a subsystem's process call by period and phase offset.
//
// Times are milliseconds from a monotonic clock that wraps at 2^32, so all
// comparisons are done on unsigned differences.
//
// Not safe for concurrent use.
type Task struct {
	Name string

	periodMs uint32
	offsetMs uint32
	enabled  bool

	started   bool
	lastRunMs uint32

	startedAt    time.Duration
	lastDuration time.Duration
	maxDuration  time.Duration
	runs         uint64

	now func() time.Duration
}

// NewTask returns an enabled task. A zero period admits the task on every
// tick once its offset has elapsed.
func NewTask(name string, period, offset time.Duration) *Task {
	return &Task{
		Name:     name,
		periodMs: uint32(period / time.Millisecond),
		offsetMs: uint32(offset / time.Millisecond),
		enabled:  true,
		now:      monotonic,
	}
}

func (t *Task) Period() time.Duration { return time.Duration(t.periodMs) * time.Millisecond }
func (t *Task) Offset() time.Duration { return time.Duration(t.offsetMs) * time.Millisecond }

func (t *Task) Enabled() bool { return t.enabled }

func (t *Task) SetEnabled(v bool) { t.enabled = v }

// Due reports whether the task may run at nowMs. The first run is admitted
// once nowMs reaches the phase offset; later runs once a full period has
// elapsed since the previous admitted run.
func (t *Task) Due(nowMs uint32) bool {
	if !t.enabled {
		return false
	}
	if !t.started {
		return nowMs >= t.offsetMs
	}
	return nowMs-t.lastRunMs >= t.periodMs
}

// Admit checks Due and, when due, marks the run at nowMs and starts the
// duration measurement. Callers must call Done when the admitted run returns.
func (t *Task) Admit(nowMs uint32) bool {
	if !t.Due(nowMs) {
		return false
	}
	t.started = true
	t.lastRunMs = nowMs
	t.startedAt = t.now()
	return true
}

// Done records the processing duration of the run started by Admit.
func (t *Task) Done() {
	d := t.now() - t.startedAt
	if d < 0 {
		d = 0
	}
	t.lastDuration = d
	if d > t.maxDuration {
		t.maxDuration = d
	}
	t.runs++
}

// Reset forgets the last run so the task is admitted again on the next due
// check at or after its offset.
func (t *Task) Reset() {
	t.started = false
	t.lastRunMs = 0
}

// Stats is a copy of a task's timing diagnostics.
type Stats struct {
	Name         string        `json:"name"`
	Period       time.Duration `json:"period"`
	Offset       time.Duration `json:"offset"`
	Enabled      bool          `json:"enabled"`
	LastRunMs    uint32        `json:"last_run_ms"`
	LastDuration time.Duration `json:"last_duration"`
	MaxDuration  time.Duration `json:"max_duration"`
	Runs         uint64        `json:"runs"`
}

func (t *Task) Stats() Stats {
	return Stats{
		Name:         t.Name,
		Period:       t.Period(),
		Offset:       t.Offset(),
		Enabled:      t.enabled,
		LastRunMs:    t.lastRunMs,
		LastDuration: t.lastDuration,
		MaxDuration:  t.maxDuration,
		Runs:         t.runs,
	}
}

var bootTime = time.Now()

func monotonic() time.Duration { return time.Since(bootTime) }
