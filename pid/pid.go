// Package pid allocates task identifiers and their kernel stacks. Each
// PID owns exactly one KernelStack, mapped into the kernel address
// space at a position derived deterministically from the PID, with a
// guard gap separating consecutive stacks so a stack overflow faults
// instead of corrupting its neighbor.
package pid

import (
	"sync"

	"rvcore/as"
	"rvcore/defs"
	"rvcore/limits"
	"rvcore/mem"
)

// Allocator hands out and recycles PIDs starting at 0.
type Allocator struct {
	sync.Mutex
	free []defs.Pid_t
	next defs.Pid_t
}

// NewAllocator creates an empty allocator; the first Alloc returns pid 0.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// Alloc returns a free pid, reusing a previously Dealloc'd one if
// available before minting a new one.
func (a *Allocator) Alloc() defs.Pid_t {
	a.Lock()
	defer a.Unlock()
	if n := len(a.free); n > 0 {
		p := a.free[n-1]
		a.free = a.free[:n-1]
		return p
	}
	p := a.next
	a.next++
	return p
}

// Dealloc returns pid to the free list, making it eligible for reuse
// by a later Alloc.
func (a *Allocator) Dealloc(p defs.Pid_t) {
	a.Lock()
	defer a.Unlock()
	a.free = append(a.free, p)
}

// KernelStack is the contiguous kernel-space region backing one task's
// in-kernel execution, unmapped (and its frames reclaimed) when the
// owning TCB is dropped.
type KernelStack struct {
	Pid    defs.Pid_t
	Bottom uint64
	Top    uint64
	frames []mem.FrameNum
}

// position computes [bottom, top) for pid's kernel stack, counting down
// from the trampoline with a guard-page gap between consecutive slots.
func position(p defs.Pid_t) (bottom, top uint64) {
	gap := uint64(limits.GuardPages) * limits.PageSize
	slot := uint64(limits.KernelStackSize) + gap
	top = limits.Trampoline - uint64(p)*slot - gap
	bottom = top - limits.KernelStackSize
	return
}

// NewKernelStack allocates frames for and maps pid's kernel stack into
// kernelSpace, R|W without U: kernel-only memory, never a
// user-removable framed area.
func NewKernelStack(p defs.Pid_t, kernelSpace *as.AddressSpace, alloc *mem.Allocator) (*KernelStack, defs.Err_t) {
	bottom, top := position(p)
	npages := limits.KernelStackSize / limits.PageSize
	frames := make([]mem.FrameNum, 0, npages)
	for i := 0; i < npages; i++ {
		fn, err := alloc.Alloc()
		if err != 0 {
			for _, f := range frames {
				alloc.Dealloc(f)
			}
			return nil, err
		}
		frames = append(frames, fn)
	}
	if err := kernelSpace.MapReserved(bottom, frames, as.PermRead|as.PermWrite); err != 0 {
		for _, f := range frames {
			alloc.Dealloc(f)
		}
		return nil, err
	}
	return &KernelStack{Pid: p, Bottom: bottom, Top: top, frames: frames}, 0
}

// Release unmaps the stack from kernelSpace and returns its frames to
// alloc. Called when the owning TCB (and therefore its pid) is dropped.
func (ks *KernelStack) Release(kernelSpace *as.AddressSpace, alloc *mem.Allocator) {
	kernelSpace.UnmapReserved(ks.Bottom, len(ks.frames))
	for _, f := range ks.frames {
		alloc.Dealloc(f)
	}
}
