// Package syscall is the dispatch layer between the trap handler and
// the task/memory subsystems: it decodes syscall ids and arguments out
// of the trapping task's registers, translates every user pointer
// through that task's page table, and returns an isize-style int64 the
// handler parks back in x10. Layouts crossing the user/kernel boundary
// (TimeVal, TaskInfo) are packed manually with util.Writen.
package syscall

import (
	"fmt"

	"github.com/google/pprof/profile"

	"rvcore/console"
	"rvcore/defs"
	"rvcore/limits"
	"rvcore/loader"
	"rvcore/stats"
	"rvcore/task"
	"rvcore/timer"
	"rvcore/trap"
	"rvcore/util"
)

// maxPathLen bounds how many bytes of a NUL-terminated path exec/spawn
// will read from user memory.
const maxPathLen = 256

// Names maps syscall ids to their printable names, used by the pprof
// export of the kernel-wide syscall counters.
var Names = map[int]string{
	defs.SYS_READ:         "read",
	defs.SYS_WRITE:        "write",
	defs.SYS_EXIT:         "exit",
	defs.SYS_YIELD:        "yield",
	defs.SYS_SET_PRIORITY: "set_priority",
	defs.SYS_GET_TIME:     "get_time",
	defs.SYS_GETPID:       "getpid",
	defs.SYS_MUNMAP:       "munmap",
	defs.SYS_FORK:         "fork",
	defs.SYS_EXEC:         "exec",
	defs.SYS_MMAP:         "mmap",
	defs.SYS_WAITPID:      "waitpid",
	defs.SYS_SPAWN:        "spawn",
	defs.SYS_TASK_INFO:    "task_info",
}

// TimeVal is the get_time result layout: seconds and microseconds,
// both usize-wide.
type TimeVal struct {
	Sec  uint64
	Usec uint64
}

// TimeValBytes is TimeVal's packed size.
const TimeValBytes = 16

// Encode packs the TimeVal into buf.
func (tv *TimeVal) Encode(buf []byte) {
	util.Writen(buf, 8, 0, int(tv.Sec))
	util.Writen(buf, 8, 8, int(tv.Usec))
}

// Decode is the inverse of Encode.
func (tv *TimeVal) Decode(buf []byte) {
	tv.Sec = uint64(util.Readn(buf, 8, 0))
	tv.Usec = uint64(util.Readn(buf, 8, 8))
}

// TaskInfo is the task_info result layout: the running status, the
// per-id syscall counters, and milliseconds elapsed since the task's
// first dispatch. Packed by natural alignment: a 4-byte status, the u32
// counter array, 4 bytes of padding, then the 8-byte time.
type TaskInfo struct {
	Status       defs.TaskStatus
	SyscallTimes [limits.MaxSyscallNum]uint32
	TimeMs       uint64
}

// TaskInfoBytes is TaskInfo's packed size, padding included.
const TaskInfoBytes = 4 + limits.MaxSyscallNum*4 + 4 + 8

// Encode packs the TaskInfo into buf.
func (ti *TaskInfo) Encode(buf []byte) {
	util.Writen(buf, 4, 0, int(ti.Status))
	off := 4
	for _, n := range ti.SyscallTimes {
		util.Writen(buf, 4, off, int(n))
		off += 4
	}
	off += 4 // pad to 8-byte alignment for TimeMs
	util.Writen(buf, 8, off, int(ti.TimeMs))
}

// Decode is the inverse of Encode.
func (ti *TaskInfo) Decode(buf []byte) {
	ti.Status = defs.TaskStatus(util.Readn(buf, 4, 0))
	off := 4
	for i := range ti.SyscallTimes {
		ti.SyscallTimes[i] = uint32(util.Readn(buf, 4, off))
		off += 4
	}
	off += 4
	ti.TimeMs = uint64(util.Readn(buf, 8, off))
}

// Kernel binds the syscall layer to its collaborators: the console
// device behind fds 0/1, the embedded-application registry behind
// exec/spawn, and the clock/timer pair behind get_time and preemption.
type Kernel struct {
	Console *console.Console
	Apps    *loader.Registry
	Clock   timer.Clock
	Timer   *timer.Timer

	counts [limits.MaxSyscallNum]stats.Counter_t
}

// New wires up a Kernel. InitKernel and AddInitproc remain the task
// package's responsibility; this only binds the syscall surface.
func New(cons *console.Console, apps *loader.Registry, clock timer.Clock) *Kernel {
	return &Kernel{
		Console: cons,
		Apps:    apps,
		Clock:   clock,
		Timer:   timer.New(clock),
	}
}

// Trap runs the trap handler for the current task. The Env hooks close
// over the task that was current at trap entry, so a syscall that
// suspends (yield, spawn) still writes its return value into the right
// trap context afterwards.
func (k *Kernel) Trap(cause trap.Cause, stval uint64) {
	t, ok := task.CurrentTask()
	if !ok {
		trap.FromKernel(cause, stval)
		return
	}
	env := trap.Env{
		Syscall: func(id int64, args [3]uint64) int64 {
			return k.Dispatch(t, id, args)
		},
		ExitCurrent:    task.Exit,
		SuspendCurrent: task.Suspend,
		SetNextTrigger: k.Timer.SetNextTrigger,
		ReadCx:         t.TrapContext,
		WriteCx:        t.SetTrapContext,
	}
	env.Handle(cause, stval)
	// Return to user mode via trap_return if the trap left a task
	// running; exit and suspend paths fall back to the idle loop with
	// the kernel vector still installed.
	if cur, ok := task.CurrentTask(); ok {
		trap.TrapReturn(cur.Space().Token())
	}
}

// errRet collapses an internal error code to the -1 every syscall
// reports to user mode; the finer-grained sentinel stays
// kernel-internal.
func errRet(err defs.Err_t) int64 {
	if err != 0 {
		return -1
	}
	return 0
}

// Dispatch decodes and runs one syscall on behalf of t. The pre-dispatch
// counter bump happens for every id below MaxSyscallNum, including
// task_info itself.
func (k *Kernel) Dispatch(t *task.TCB, id int64, args [3]uint64) int64 {
	if id >= 0 && id < limits.MaxSyscallNum {
		t.IncSyscall(id)
		k.counts[id].Inc()
	}
	switch id {
	case defs.SYS_READ:
		return k.sysRead(t, args[0], args[1], args[2])
	case defs.SYS_WRITE:
		return k.sysWrite(t, args[0], args[1], args[2])
	case defs.SYS_EXIT:
		task.Exit(int32(args[0]))
		return 0
	case defs.SYS_YIELD:
		task.Suspend()
		return 0
	case defs.SYS_SET_PRIORITY:
		prio := int64(args[0])
		if err := t.SetPriority(prio); err != 0 {
			return -1
		}
		return prio
	case defs.SYS_GET_TIME:
		return k.sysGetTime(t, args[0])
	case defs.SYS_GETPID:
		return int64(t.Pid)
	case defs.SYS_MUNMAP:
		return errRet(t.Munmap(args[0], args[1]))
	case defs.SYS_FORK:
		return k.sysFork(t)
	case defs.SYS_EXEC:
		return k.sysExec(t, args[0])
	case defs.SYS_MMAP:
		return errRet(t.Mmap(args[0], args[1], args[2]))
	case defs.SYS_WAITPID:
		return k.sysWaitpid(t, int64(args[0]), args[1])
	case defs.SYS_SPAWN:
		return k.sysSpawn(t, args[0])
	case defs.SYS_TASK_INFO:
		return k.sysTaskInfo(t, args[0])
	default:
		panic(fmt.Sprintf("unsupported syscall id %d", id))
	}
}

func (k *Kernel) sysRead(t *task.TCB, fd, va, n uint64) int64 {
	if fd != 0 {
		return -1
	}
	buf := make([]byte, n)
	got := k.Console.Read(buf)
	if err := t.Space().UserWriteBytes(va, buf[:got]); err != 0 {
		return -1
	}
	return int64(got)
}

func (k *Kernel) sysWrite(t *task.TCB, fd, va, n uint64) int64 {
	if fd != 1 {
		return -1
	}
	data, err := t.Space().UserReadBytes(va, int(n))
	if err != 0 {
		return -1
	}
	return int64(k.Console.Write(data))
}

func (k *Kernel) sysGetTime(t *task.TCB, va uint64) int64 {
	sec, usec := timer.SecUsec(timer.GetTimeUs(k.Clock))
	tv := TimeVal{Sec: sec, Usec: usec}
	var buf [TimeValBytes]byte
	tv.Encode(buf[:])
	return errRet(t.Space().UserWriteBytes(va, buf[:]))
}

func (k *Kernel) sysFork(t *task.TCB) int64 {
	child, err := t.Fork()
	if err != 0 {
		return -1
	}
	// The child observes fork returning 0.
	child.SetTrapReg(10, 0)
	task.AddTask(child)
	return int64(child.Pid)
}

func (k *Kernel) sysExec(t *task.TCB, pathVA uint64) int64 {
	path, err := t.Space().UserStr(pathVA, maxPathLen)
	if err != 0 {
		return -1
	}
	elf, err := k.Apps.Lookup(path)
	if err != 0 {
		return -1
	}
	return errRet(t.Exec(elf))
}

func (k *Kernel) sysWaitpid(t *task.TCB, pid int64, exitCodeVA uint64) int64 {
	n, err := t.Waitpid(pid, func(code int32) defs.Err_t {
		var buf [4]byte
		util.Writen(buf[:], 4, 0, int(code))
		return t.Space().UserWriteBytes(exitCodeVA, buf[:])
	})
	if err != 0 {
		return -1
	}
	return n
}

func (k *Kernel) sysSpawn(t *task.TCB, pathVA uint64) int64 {
	path, err := t.Space().UserStr(pathVA, maxPathLen)
	if err != 0 {
		return -1
	}
	elf, err := k.Apps.Lookup(path)
	if err != 0 {
		return -1
	}
	child, err := t.Spawn(elf)
	if err != 0 {
		return -1
	}
	task.AddTask(child)
	// spawn parks the parent back on the ready queue before returning,
	// unlike fork, so the child gets a chance to run first.
	task.Suspend()
	return int64(child.Pid)
}

func (k *Kernel) sysTaskInfo(t *task.TCB, va uint64) int64 {
	ti := TaskInfo{Status: defs.TaskRunning}
	for i := range ti.SyscallTimes {
		ti.SyscallTimes[i] = uint32(t.SyscallCount(int64(i)))
	}
	first := t.FirstDispatchUs()
	if first != 0 {
		ti.TimeMs = uint64((k.Clock.NowUs() - first) / 1000)
	}
	buf := make([]byte, TaskInfoBytes)
	ti.Encode(buf)
	return errRet(t.Space().UserWriteBytes(va, buf))
}

// Counts returns the kernel-wide invocation count for one syscall id.
func (k *Kernel) Counts(id int) int64 {
	if id < 0 || id >= limits.MaxSyscallNum {
		return 0
	}
	return k.counts[id].Get()
}

// Profile exports the kernel-wide syscall counters as a pprof profile,
// one sample per id with a nonzero count.
func (k *Kernel) Profile() *profile.Profile {
	return stats.SyscallProfile(Names, k.counts[:])
}
