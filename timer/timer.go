// Package timer provides the monotonic microsecond clock and the
// timer-interrupt scheduling that form the kernel's only coupling to
// the SBI/platform layer.
package timer

import (
	"sync"
	"time"
)

// Clock abstracts the monotonic time source so tests can supply a fake
// one instead of depending on wall-clock time.
type Clock interface {
	NowUs() int64
}

// System is the real clock, measuring microseconds elapsed since it
// was constructed (process start); monotonic, with no particular epoch.
type System struct {
	epoch time.Time
}

// NewSystem returns a System clock epoched at the current instant.
func NewSystem() *System {
	return &System{epoch: time.Now()}
}

// NowUs returns microseconds elapsed since the clock's epoch.
func (s *System) NowUs() int64 {
	return time.Since(s.epoch).Microseconds()
}

// QuantumUs is one scheduling quantum, the interval set_next_trigger
// arms the next timer interrupt for: 10ms, 100 ticks per second.
const QuantumUs = 10_000

// Timer programs and tracks the next scheduling-quantum deadline. It
// stands in for the hardware timer-interrupt-enable/stval machinery:
// SetNextTrigger is pure bookkeeping here since no real interrupt
// fires, but the trap handler still calls it on every SupervisorTimer
// cause.
type Timer struct {
	mu       sync.Mutex
	clock    Clock
	deadline int64
}

// New creates a Timer driven by clock, with its first deadline already
// armed one quantum out.
func New(clock Clock) *Timer {
	t := &Timer{clock: clock}
	t.SetNextTrigger()
	return t
}

// SetNextTrigger arms the next timer interrupt one scheduling quantum
// ahead of the current time.
func (t *Timer) SetNextTrigger() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deadline = t.clock.NowUs() + QuantumUs
}

// Deadline returns the currently armed trigger time, in microseconds
// against the clock's epoch.
func (t *Timer) Deadline() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deadline
}

// Due reports whether the clock has reached the armed deadline.
func (t *Timer) Due() bool {
	return t.clock.NowUs() >= t.Deadline()
}

// GetTimeUs returns the clock's current monotonic microsecond reading,
// backing the get_time syscall.
func GetTimeUs(clock Clock) int64 {
	return clock.NowUs()
}

// SecUsec splits a microsecond reading into (seconds, microseconds),
// the TimeVal fields sys_get_time writes to user memory.
func SecUsec(us int64) (sec, usec uint64) {
	return uint64(us / 1_000_000), uint64(us % 1_000_000)
}
