// Package sched implements the generic single-threaded exclusive-access
// cell, the stride-scheduling ready queue, and the per-hart processor
// singleton that owns the current-task slot and the idle context.
package sched

import (
	"sync"

	"rvcore/accnt"
)

// Cell is a single-threaded exclusive-access wrapper: it yields at most
// one live Access at a time, panicking if a second is requested while
// the first is still held. Callers must Release an Access before any
// operation that might switch tasks — the scheduler's switch point does
// not, and must not, save an outstanding borrow across it.
type Cell[T any] struct {
	mu  sync.Mutex
	val T
}

// NewCell wraps v for single-threaded exclusive access.
func NewCell[T any](v T) *Cell[T] {
	return &Cell[T]{val: v}
}

// Access is an outstanding exclusive borrow of a Cell's value. It must
// be Released exactly once.
type Access[T any] struct {
	cell *Cell[T]
}

// Access acquires the cell's single borrow slot, panicking if one is
// already outstanding: a double exclusive access is kernel-fatal.
func (c *Cell[T]) Access() *Access[T] {
	if !c.mu.TryLock() {
		panic("sched: reentrant Cell access")
	}
	return &Access[T]{cell: c}
}

// Get returns a pointer to the guarded value, valid only until Release.
func (a *Access[T]) Get() *T { return &a.cell.val }

// Release ends the borrow, permitting a subsequent Access.
func (a *Access[T]) Release() { a.cell.mu.Unlock() }

// Strider is satisfied by anything the ready queue can compare by
// stride-scheduling pass, typically a *task.TCB.
type Strider interface {
	Pass() uint64
}

// Manager is the stride-scheduling ready queue: a FIFO-ordered
// container scanned at fetch time for the task with the globally
// minimal pass under the wrap-safe predicate.
type Manager[T Strider] struct {
	mu    sync.Mutex
	ready []T
}

// NewManager returns an empty ready queue.
func NewManager[T Strider]() *Manager[T] {
	return &Manager[T]{}
}

// Add appends t to the back of the ready queue.
func (m *Manager[T]) Add(t T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = append(m.ready, t)
}

// Len reports how many tasks are currently ready.
func (m *Manager[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ready)
}

// Fetch removes and returns the ready task with the smallest pass,
// comparing every candidate against the running minimum with
// accnt.Less so wraparound of the pass counter never produces a wrong
// answer. It reports false if the ready queue is empty.
func (m *Manager[T]) Fetch() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zero T
	if len(m.ready) == 0 {
		return zero, false
	}
	minIdx := 0
	minPass := m.ready[0].Pass()
	for i := 1; i < len(m.ready); i++ {
		p := m.ready[i].Pass()
		if accnt.Less(p, minPass) {
			minIdx = i
			minPass = p
		}
	}
	t := m.ready[minIdx]
	m.ready = append(m.ready[:minIdx:minIdx], m.ready[minIdx+1:]...)
	return t, true
}

// Processor owns the current-task slot and the idle task context for
// one hart (no SMP, so exactly one Processor exists). T is
// the task type (*task.TCB); C is the task-context type (*task.Context)
// standing in for the idle control flow that run_tasks() switches from
// and to.
type Processor[T any, C any] struct {
	mu      sync.Mutex
	current T
	has     bool
	idle    C
}

// NewProcessor returns a Processor with no current task and a
// zero-valued idle context; callers set the idle context once at boot.
func NewProcessor[T any, C any]() *Processor[T, C] {
	return &Processor[T, C]{}
}

// SetCurrent installs t as the running task.
func (p *Processor[T, C]) SetCurrent(t T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = t
	p.has = true
}

// TakeCurrent removes and returns the current task, leaving the slot
// empty.
func (p *Processor[T, C]) TakeCurrent() (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var zero T
	if !p.has {
		return zero, false
	}
	t := p.current
	p.current = zero
	p.has = false
	return t, true
}

// Current returns the current task without clearing the slot.
func (p *Processor[T, C]) Current() (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, p.has
}

// IdleContext returns a pointer to the processor's idle task context,
// the switch target run_tasks() loops back to between dispatches.
func (p *Processor[T, C]) IdleContext() *C {
	return &p.idle
}
