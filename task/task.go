// Package task implements the task control block lifecycle: the
// two-layer TCB, the scheduling singletons bound together at boot, and
// the operations the syscall layer drives (fork/exec/spawn/exit/
// waitpid/mmap/munmap/set_priority). The mutable half of the TCB is
// guarded by sched.Cell, and the ready queue and current-task slot are
// built on the generic sched.Manager and sched.Processor so this
// package need not be imported back by sched.
package task

import (
	"sync"

	"rvcore/accnt"
	"rvcore/as"
	"rvcore/defs"
	"rvcore/limits"
	"rvcore/mem"
	"rvcore/pid"
	"rvcore/sched"
	"rvcore/stats"
	"rvcore/timer"
	"rvcore/trap"
)

// trapHandlerVA stands in for the trap handler's kernel virtual
// address: a real hart would jump there after the restore stub, but
// this hosted kernel never executes user instructions, so the value is
// carried only to keep the trap-context field set complete.
const trapHandlerVA uint64 = 0xffffffffc0001000

// userStackPages is the number of guard-separated user stack pages
// every freshly loaded or exec'd task is given.
const userStackPages = 2

// Context is the callee-saved control-flow record the (simulated)
// switch primitive would transfer between. It records the task's
// kernel stack pointer and whether the task's first dispatch should
// enter through trap_return (every task does, in this kernel; there is
// no separate kernel thread entry point), without the register set a
// real switch would need.
type Context struct {
	KernelSp         uintptr
	EntersTrapReturn bool
}

// GotoTrapReturn builds the initial task context a freshly created or
// forked task's first dispatch switches to: the first switch "returns"
// straight into user mode via trap_return.
func GotoTrapReturn(kernelSp uintptr) Context {
	return Context{KernelSp: kernelSp, EntersTrapReturn: true}
}

// Inner is the mutable half of a TCB, guarded by a sched.Cell so
// concurrent access panics instead of corrupting state.
type Inner struct {
	TrapCxFrame     mem.FrameNum
	BaseSize        uint64
	TaskCx          Context
	Status          defs.TaskStatus
	Space           *as.AddressSpace
	Parent          *TCB
	Children        []*TCB
	ExitCode        int32
	FirstDispatchUs int64
	SyscallTimes    [limits.MaxSyscallNum]stats.Counter_t
}

// TCB is a task control block: pid and kernel stack never change across
// the task's lifetime, so they live outside the Cell; everything that
// does change lives in Inner. Stride accounting is its own small
// mutex-guarded object (accnt.Stride) rather than two Inner fields,
// since nothing needs it locked in lockstep with the rest of Inner and
// the ready-queue's Fetch must read Pass() without ever touching Inner.
type TCB struct {
	Pid         defs.Pid_t
	KernelStack *pid.KernelStack
	stride      *accnt.Stride
	inner       *sched.Cell[Inner]
}

// Pass satisfies sched.Strider so *TCB can live in a sched.Manager.
func (t *TCB) Pass() uint64 { return t.stride.Pass() }

// Access borrows the task's mutable inner state. Callers must Release
// before anything that might switch tasks.
func (t *TCB) Access() *sched.Access[Inner] { return t.inner.Access() }

// Status reports the task's current lifecycle state.
func (t *TCB) Status() defs.TaskStatus {
	a := t.inner.Access()
	defer a.Release()
	return a.Get().Status
}

// Space returns the task's address space. The AddressSpace has its own
// internal mutex, so it is safe to use after the Inner access that
// fetched the pointer has been released.
func (t *TCB) Space() *as.AddressSpace {
	a := t.inner.Access()
	defer a.Release()
	return a.Get().Space
}

// FirstDispatchUs reports the microsecond timestamp of the task's first
// dispatch, or zero if it has never run.
func (t *TCB) FirstDispatchUs() int64 {
	a := t.inner.Access()
	defer a.Release()
	return a.Get().FirstDispatchUs
}

// IncSyscall bumps syscall id's per-task counter. The pre-dispatch
// increment happens for every id below MaxSyscallNum, including the
// call that reads task_info itself.
func (t *TCB) IncSyscall(id int64) {
	if id < 0 || id >= limits.MaxSyscallNum {
		return
	}
	a := t.inner.Access()
	defer a.Release()
	a.Get().SyscallTimes[id].Inc()
}

// SyscallCount reads syscall id's per-task counter.
func (t *TCB) SyscallCount(id int64) int64 {
	if id < 0 || id >= limits.MaxSyscallNum {
		return 0
	}
	a := t.inner.Access()
	defer a.Release()
	return a.Get().SyscallTimes[id].Get()
}

// SetPriority rejects priorities <= 1, otherwise recomputes the
// task's stride.
func (t *TCB) SetPriority(prio int64) defs.Err_t {
	if prio <= 1 {
		return -defs.EPERM
	}
	t.stride.SetPriority(prio)
	return 0
}

// TrapContext reads the task's whole trap context out of its backing
// frame, the handler side of the trampoline's save/restore channel.
func (t *TCB) TrapContext() trap.Context {
	a := t.inner.Access()
	frame := a.Get().TrapCxFrame
	a.Release()
	return readTrapCx(frame)
}

// SetTrapContext writes cx into the task's trap-context frame.
func (t *TCB) SetTrapContext(cx trap.Context) {
	a := t.inner.Access()
	frame := a.Get().TrapCxFrame
	a.Release()
	writeTrapCx(frame, cx)
}

// TrapReg reads register index idx out of the task's trap context.
func (t *TCB) TrapReg(idx int) uint64 {
	a := t.inner.Access()
	frame := a.Get().TrapCxFrame
	a.Release()
	cx := readTrapCx(frame)
	return cx.X[idx]
}

// SetTrapReg writes register index idx into the task's trap context,
// used by the syscall return path to park a result in x[10] and by
// sys_fork to zero the child's x[10] before it first runs.
func (t *TCB) SetTrapReg(idx int, val uint64) {
	a := t.inner.Access()
	frame := a.Get().TrapCxFrame
	a.Release()
	cx := readTrapCx(frame)
	cx.X[idx] = val
	writeTrapCx(frame, cx)
}

// Package-level scheduling singletons, bound together by InitKernel.
// Each already serializes its own access (Allocator/AddressSpace/
// Manager/Processor all carry an internal mutex), so exclusive access
// holds per-singleton without a second layer of sched.Cell around all
// of them; the reentrant-panic semantics of Cell are reserved for a
// task's own Inner.
var (
	kernelAlloc     *mem.Allocator
	kernelSpace     *as.AddressSpace
	trampolineFrame mem.FrameNum
	pidAlloc        = pid.NewAllocator()
	ready           = sched.NewManager[*TCB]()
	proc            = sched.NewProcessor[*TCB, *Context]()

	initMu   sync.Mutex
	initproc *TCB
)

// InitKernel brings up the physical allocator, the kernel address
// space, and the shared trampoline frame. It must be called exactly
// once before any task is created.
func InitKernel(physPages int) defs.Err_t {
	kernelAlloc = mem.NewAllocator(physPages)
	kernelSpace = as.New(kernelAlloc)
	fn, err := kernelAlloc.Alloc()
	if err != 0 {
		return err
	}
	trampolineFrame = fn
	return kernelSpace.MapReserved(limits.Trampoline, []mem.FrameNum{trampolineFrame}, as.PermRead|as.PermExec)
}

func readTrapCx(frame mem.FrameNum) trap.Context {
	var cx trap.Context
	cx.Decode(kernelAlloc.Bytes(frame)[:trap.EncodedSize])
	return cx
}

func writeTrapCx(frame mem.FrameNum, cx trap.Context) {
	buf := kernelAlloc.Bytes(frame)
	cx.Encode(buf[:trap.EncodedSize])
}

// buildUserSpace loads elf into a fresh address space and maps in the
// shared trampoline plus a newly allocated trap-context page, the three
// ingredients every freshly loaded task needs.
func buildUserSpace(elf []byte) (space *as.AddressSpace, entry, sp uint64, trapFrame mem.FrameNum, err defs.Err_t) {
	space, entry, sp, err = as.FromELF(kernelAlloc, elf, userStackPages)
	if err != 0 {
		return nil, 0, 0, 0, err
	}
	if err = space.MapReserved(limits.Trampoline, []mem.FrameNum{trampolineFrame}, as.PermRead|as.PermExec); err != 0 {
		return nil, 0, 0, 0, err
	}
	trapFrame, err = kernelAlloc.Alloc()
	if err != 0 {
		return nil, 0, 0, 0, err
	}
	if err = space.MapReserved(limits.TrapContext, []mem.FrameNum{trapFrame}, as.PermRead|as.PermWrite); err != 0 {
		return nil, 0, 0, 0, err
	}
	return space, entry, sp, trapFrame, 0
}

// forkUserSpace deep-copies parentSpace (per as.FromExistedUser), then
// installs the shared trampoline and a fresh trap-context page whose
// contents start as a byte-for-byte copy of the parent's. The copy is
// explicit since trap-context frames live outside the area bookkeeping
// FromExistedUser walks.
func forkUserSpace(parentSpace *as.AddressSpace, parentTrapFrame mem.FrameNum) (space *as.AddressSpace, trapFrame mem.FrameNum, err defs.Err_t) {
	space, err = as.FromExistedUser(kernelAlloc, parentSpace)
	if err != 0 {
		return nil, 0, err
	}
	if err = space.MapReserved(limits.Trampoline, []mem.FrameNum{trampolineFrame}, as.PermRead|as.PermExec); err != 0 {
		return nil, 0, err
	}
	trapFrame, err = kernelAlloc.Alloc()
	if err != 0 {
		return nil, 0, err
	}
	copy(kernelAlloc.Bytes(trapFrame), kernelAlloc.Bytes(parentTrapFrame))
	if err = space.MapReserved(limits.TrapContext, []mem.FrameNum{trapFrame}, as.PermRead|as.PermWrite); err != 0 {
		return nil, 0, err
	}
	return space, trapFrame, 0
}

// New creates a task from an ELF image with no parent. AddInitproc uses
// it for initproc, and Spawn uses it for a child before linking the
// parent.
func New(elf []byte) (*TCB, defs.Err_t) {
	space, entry, sp, trapFrame, err := buildUserSpace(elf)
	if err != 0 {
		return nil, err
	}
	p := pidAlloc.Alloc()
	ks, err := pid.NewKernelStack(p, kernelSpace, kernelAlloc)
	if err != 0 {
		return nil, err
	}
	writeTrapCx(trapFrame, trap.AppInitContext(entry, sp, kernelSpace.Token(), ks.Top, trapHandlerVA))
	t := &TCB{
		Pid:         p,
		KernelStack: ks,
		stride:      accnt.New(limits.DefaultPriority),
		inner: sched.NewCell(Inner{
			TrapCxFrame: trapFrame,
			BaseSize:    sp,
			TaskCx:      GotoTrapReturn(uintptr(ks.Top)),
			Status:      defs.TaskReady,
			Space:       space,
		}),
	}
	return t, 0
}

// AddInitproc creates the init process from elf, installs it as the
// reparenting target for future orphans, and places it on the ready
// queue. It must be called exactly once, after InitKernel.
func AddInitproc(elf []byte) (*TCB, defs.Err_t) {
	t, err := New(elf)
	if err != 0 {
		return nil, err
	}
	initMu.Lock()
	initproc = t
	initMu.Unlock()
	ready.Add(t)
	return t, 0
}

// Exec replaces t's address space and trap context with a freshly
// loaded elf image, discarding the old one. The pid, kernel stack, and
// parent link are unchanged.
func (t *TCB) Exec(elf []byte) defs.Err_t {
	space, entry, sp, trapFrame, err := buildUserSpace(elf)
	if err != 0 {
		return err
	}
	a := t.inner.Access()
	inner := a.Get()
	oldSpace := inner.Space
	oldTrapFrame := inner.TrapCxFrame
	inner.Space = space
	inner.TrapCxFrame = trapFrame
	inner.BaseSize = sp
	a.Release()

	writeTrapCx(trapFrame, trap.AppInitContext(entry, sp, kernelSpace.Token(), t.KernelStack.Top, trapHandlerVA))

	oldSpace.RecycleDataPages()
	kernelAlloc.Dealloc(oldTrapFrame)
	return 0
}

// Fork creates a child that is a deep copy of t's address space, linked
// into t's children with a non-owning back-reference to t as parent.
// The caller is responsible for zeroing the child's x[10] and adding it
// to the ready queue; both are per-syscall concerns, not part of fork
// itself.
func (t *TCB) Fork() (*TCB, defs.Err_t) {
	a := t.inner.Access()
	parentSpace := a.Get().Space
	parentTrapFrame := a.Get().TrapCxFrame
	parentBaseSize := a.Get().BaseSize
	a.Release()

	space, trapFrame, err := forkUserSpace(parentSpace, parentTrapFrame)
	if err != 0 {
		return nil, err
	}

	p := pidAlloc.Alloc()
	ks, err := pid.NewKernelStack(p, kernelSpace, kernelAlloc)
	if err != 0 {
		kernelAlloc.Dealloc(trapFrame)
		pidAlloc.Dealloc(p)
		return nil, err
	}

	cx := readTrapCx(trapFrame)
	cx.KernelSp = ks.Top
	writeTrapCx(trapFrame, cx)

	child := &TCB{
		Pid:         p,
		KernelStack: ks,
		stride:      accnt.New(limits.DefaultPriority),
		inner: sched.NewCell(Inner{
			TrapCxFrame: trapFrame,
			BaseSize:    parentBaseSize,
			TaskCx:      GotoTrapReturn(uintptr(ks.Top)),
			Status:      defs.TaskReady,
			Space:       space,
			Parent:      t,
		}),
	}

	pa := t.inner.Access()
	pa.Get().Children = append(pa.Get().Children, child)
	pa.Release()

	return child, 0
}

// Spawn creates a fresh task from elf and links it as t's child in one
// step, behaving like fork immediately followed by exec but without
// ever copying t's address space.
func (t *TCB) Spawn(elf []byte) (*TCB, defs.Err_t) {
	child, err := New(elf)
	if err != 0 {
		return nil, err
	}
	ca := child.inner.Access()
	ca.Get().Parent = t
	ca.Release()

	a := t.inner.Access()
	a.Get().Children = append(a.Get().Children, child)
	a.Release()

	return child, 0
}

// AddTask places t on the ready queue.
func AddTask(t *TCB) { ready.Add(t) }

// CurrentTask returns the task installed as current, if any.
func CurrentTask() (*TCB, bool) { return proc.Current() }

// Dispatch performs one scheduling cycle: fetch the ready task with the
// smallest pass, mark it Running (recording its first-dispatch
// timestamp the first time), advance its pass, and install it as
// current. It reports false if the ready queue is empty.
func Dispatch(clock timer.Clock) (*TCB, bool) {
	t, ok := ready.Fetch()
	if !ok {
		return nil, false
	}
	a := t.inner.Access()
	inner := a.Get()
	inner.Status = defs.TaskRunning
	if inner.FirstDispatchUs == 0 {
		inner.FirstDispatchUs = clock.NowUs()
	}
	a.Release()
	t.stride.Advance()
	proc.SetCurrent(t)
	trap.TrapReturn(t.Space().Token())
	return t, true
}

// RunTasks is the idle-loop scheduler: while a task is
// current it keeps running (step drives one simulated trap per call);
// once it suspends or exits, the next ready task is dispatched. The
// loop ends when the ready queue is exhausted and no task is current —
// the point at which a real hart would sit in WFI.
func RunTasks(clock timer.Clock, step func(*TCB)) {
	for {
		if t, ok := proc.Current(); ok {
			step(t)
			continue
		}
		t, ok := Dispatch(clock)
		if !ok {
			return
		}
		step(t)
	}
}

// Suspend moves the current task back onto the ready queue in Ready
// state and clears the current slot. There is no context switch to
// perform: the caller simply returns to RunTasks's loop.
func Suspend() {
	t, ok := proc.TakeCurrent()
	if !ok {
		return
	}
	a := t.inner.Access()
	a.Get().Status = defs.TaskReady
	a.Release()
	ready.Add(t)
}

// Exit marks the current task Zombie, records its exit code,
// reparents its children to initproc, and recycles its address space's
// data pages. The TCB itself, its pid, and
// its kernel stack live on until a waitpid reaps it.
func Exit(code int32) {
	t, ok := proc.TakeCurrent()
	if !ok {
		return
	}
	a := t.inner.Access()
	inner := a.Get()
	inner.Status = defs.TaskZombie
	inner.ExitCode = code

	initMu.Lock()
	ip := initproc
	initMu.Unlock()
	if ip != nil && ip != t && len(inner.Children) > 0 {
		ia := ip.inner.Access()
		for _, c := range inner.Children {
			ca := c.inner.Access()
			ca.Get().Parent = ip
			ca.Release()
			ia.Get().Children = append(ia.Get().Children, c)
		}
		ia.Release()
	}
	inner.Children = nil
	inner.Space.RecycleDataPages()
	a.Release()
}

// Waitpid looks for a matching child of t (pid == -1 matches any). It
// returns -1 if t has no such child at all, -2 if a matching child
// exists but has not exited yet, or the reaped child's pid on success,
// after writing its exit code via writeExitCode. err is nonzero only if
// writeExitCode itself failed (a bad user pointer).
func (t *TCB) Waitpid(pid int64, writeExitCode func(code int32) defs.Err_t) (int64, defs.Err_t) {
	a := t.inner.Access()
	inner := a.Get()

	anyMatch := false
	zombieIdx := -1
	for i, c := range inner.Children {
		if pid != -1 && int64(c.Pid) != pid {
			continue
		}
		anyMatch = true
		ca := c.inner.Access()
		isZombie := ca.Get().Status == defs.TaskZombie
		ca.Release()
		if isZombie {
			zombieIdx = i
			break
		}
	}
	if !anyMatch {
		a.Release()
		return -1, 0
	}
	if zombieIdx < 0 {
		a.Release()
		return -2, 0
	}
	child := inner.Children[zombieIdx]
	inner.Children = append(inner.Children[:zombieIdx:zombieIdx], inner.Children[zombieIdx+1:]...)
	a.Release()

	ca := child.inner.Access()
	exitCode := ca.Get().ExitCode
	trapFrame := ca.Get().TrapCxFrame
	ca.Release()

	if err := writeExitCode(exitCode); err != 0 {
		return -1, err
	}

	pidAlloc.Dealloc(child.Pid)
	child.KernelStack.Release(kernelSpace, kernelAlloc)
	kernelAlloc.Dealloc(trapFrame)

	return int64(child.Pid), 0
}

// Mmap installs a user-space anonymous mapping in t's address space.
// port bit 0/1/2 request read/write/execute; every other bit must be
// zero and at least one of the three must be set.
func (t *TCB) Mmap(start, length, port uint64) defs.Err_t {
	if port & ^uint64(0x7) != 0 || port&0x7 == 0 {
		return -defs.EINVAL
	}
	perm := as.PermUser
	if port&0x1 != 0 {
		perm |= as.PermRead
	}
	if port&0x2 != 0 {
		perm |= as.PermWrite
	}
	if port&0x4 != 0 {
		perm |= as.PermExec
	}
	return t.Space().InsertFramedArea(start, length, perm)
}

// Munmap removes a user-space mapping previously installed by Mmap.
func (t *TCB) Munmap(start, length uint64) defs.Err_t {
	return t.Space().RemoveFramedArea(start, length)
}
