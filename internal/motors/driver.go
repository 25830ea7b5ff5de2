// Package motors writes motor commands to electronic speed controllers.
package motors

import (
	"fmt"
	"sync"
)

// NumChannels is the number of ESC outputs.
const NumChannels = 4

// Driver accepts one pulse width per output channel, in microseconds.
//
// Close should be best-effort and leave the ESCs without a drive signal.
type Driver interface {
	Write(pulsesUs [NumChannels]int) error
	Close() error
}

// Recorder is an in-memory Driver. It backs dry runs on hosts without PWM
// hardware and lets tests observe what the control loop emitted.
type Recorder struct {
	mu     sync.Mutex
	last   [NumChannels]int
	writes uint64
	closed bool
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Write(pulsesUs [NumChannels]int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("motors: recorder closed")
	}
	r.last = pulsesUs
	r.writes++
	return nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// Last returns the most recent write and the total number of writes.
func (r *Recorder) Last() ([NumChannels]int, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.writes
}
