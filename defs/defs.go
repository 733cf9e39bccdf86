// Package defs holds the sentinel types and constants shared across the
// kernel: error codes, PID/TID types, and syscall numbers. It has no
// internal dependencies so every other package may import it.
package defs

// Err_t is a negative-sentinel error code: callers return -defs.EFAULT
// etc. rather than wrapping an error interface.
type Err_t int64

// Pid_t identifies a task. Pids start at 0: the first task created gets
// pid 0.
type Pid_t int64

// Tid_t identifies a kernel stack / scheduling slot, recycled as tasks
// exit and are reaped.
type Tid_t int64

// Error sentinels returned (negated) from syscalls and internal
// translation helpers. Values follow common errno numbering, but
// nothing outside this package depends on the exact numbers.
const (
	EINVAL Err_t = 1 // invalid argument
	ESRCH  Err_t = 2 // no such task
	EFAULT Err_t = 3 // bad user address
	ENOMEM Err_t = 4 // out of memory / frames
	EAGAIN Err_t = 5 // try again (no zombie child yet)
	ENOENT Err_t = 6 // no such embedded application
	EEXIST Err_t = 7 // address range already mapped
	EPERM  Err_t = 8 // not permitted (e.g. priority <= 1)
)

// Syscall numbers, Linux-derived where an equivalent call exists.
const (
	SYS_READ         = 63
	SYS_WRITE        = 64
	SYS_EXIT         = 93
	SYS_YIELD        = 124
	SYS_SET_PRIORITY = 140
	SYS_GET_TIME     = 169
	SYS_GETPID       = 172
	SYS_MUNMAP       = 215
	SYS_FORK         = 220
	SYS_EXEC         = 221
	SYS_MMAP         = 222
	SYS_WAITPID      = 260
	SYS_SPAWN        = 400
	SYS_TASK_INFO    = 410
)

// TaskStatus enumerates the lifecycle states of a task's TCB.
type TaskStatus int

const (
	TaskUnInit TaskStatus = iota
	TaskReady
	TaskRunning
	TaskZombie
)

func (s TaskStatus) String() string {
	switch s {
	case TaskUnInit:
		return "UnInit"
	case TaskReady:
		return "Ready"
	case TaskRunning:
		return "Running"
	case TaskZombie:
		return "Zombie"
	default:
		return "Unknown"
	}
}
