// Package accnt tracks stride-scheduling accounting for a task: its
// priority-derived stride, its running pass, and the wrap-safe
// comparison used when picking the next task to run.
package accnt

import (
	"sync"

	"rvcore/limits"
)

// Stride holds one task's scheduling accounting. The embedded mutex
// lets callers take a consistent (stride, pass) snapshot when the
// scheduler compares candidates.
type Stride struct {
	sync.Mutex
	stride uint64
	pass   uint64
}

// New returns accounting for a freshly created task at the given
// priority, pass starting at zero.
func New(priority int64) *Stride {
	s := &Stride{}
	s.SetPriority(priority)
	return s
}

// SetPriority recomputes stride = BIG_STRIDE / priority. Callers (the
// set_priority syscall) are responsible for rejecting priority <= 1
// before calling this.
func (s *Stride) SetPriority(priority int64) {
	s.Lock()
	defer s.Unlock()
	s.stride = limits.BigStride / uint64(priority)
}

// Pass returns the current pass value.
func (s *Stride) Pass() uint64 {
	s.Lock()
	defer s.Unlock()
	return s.pass
}

// Advance adds stride to pass, called once per dispatch.
func (s *Stride) Advance() {
	s.Lock()
	defer s.Unlock()
	s.pass += s.stride
}

// Less reports whether a's pass is strictly less than b's under the
// wrap-safe signed-difference predicate: the difference b-a,
// interpreted as a signed quantity, must be positive and at most
// BIG_STRIDE/2. This tolerates wraparound of the pass counter without
// requiring modular arithmetic at every call site, and is the predicate
// sched.Manager.Fetch uses to find the global minimum.
func Less(a, b uint64) bool {
	delta := int64(b) - int64(a)
	return delta > 0 && delta <= int64(limits.BigStride/2)
}
