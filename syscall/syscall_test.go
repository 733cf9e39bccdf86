package syscall

import (
	"bytes"
	"encoding/binary"
	"os"
	"testing"

	"rvcore/console"
	"rvcore/defs"
	"rvcore/limits"
	"rvcore/loader"
	"rvcore/task"
	"rvcore/trap"
	"rvcore/util"
)

// buildTestELF assembles a minimal ELF64/RISC-V executable with a
// single PT_LOAD segment; debug/elf only needs a well-formed header and
// one loadable segment to hand FromELF an entry point and some bytes.
func buildTestELF(vaddr uint64, code []byte) []byte {
	const ehsize = 64
	const phsize = 56
	offset := uint64(ehsize + phsize)

	var buf bytes.Buffer
	ident := [16]byte{0x7f, 'E', 'L', 'F', 2 /* ELFCLASS64 */, 1 /* LSB */, 1 /* EV_CURRENT */}
	buf.Write(ident[:])
	binary.Write(&buf, binary.LittleEndian, uint16(2))      // e_type = ET_EXEC
	binary.Write(&buf, binary.LittleEndian, uint16(243))    // e_machine = EM_RISCV
	binary.Write(&buf, binary.LittleEndian, uint32(1))      // e_version
	binary.Write(&buf, binary.LittleEndian, vaddr)          // e_entry
	binary.Write(&buf, binary.LittleEndian, uint64(ehsize)) // e_phoff
	binary.Write(&buf, binary.LittleEndian, uint64(0))      // e_shoff
	binary.Write(&buf, binary.LittleEndian, uint32(0))      // e_flags
	binary.Write(&buf, binary.LittleEndian, uint16(ehsize))
	binary.Write(&buf, binary.LittleEndian, uint16(phsize))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // e_phnum
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(0))

	binary.Write(&buf, binary.LittleEndian, uint32(1))         // p_type = PT_LOAD
	binary.Write(&buf, binary.LittleEndian, uint32(1|4))       // p_flags = X|R
	binary.Write(&buf, binary.LittleEndian, offset)            // p_offset
	binary.Write(&buf, binary.LittleEndian, vaddr)             // p_vaddr
	binary.Write(&buf, binary.LittleEndian, vaddr)             // p_paddr
	binary.Write(&buf, binary.LittleEndian, uint64(len(code))) // p_filesz
	binary.Write(&buf, binary.LittleEndian, uint64(len(code))) // p_memsz
	binary.Write(&buf, binary.LittleEndian, uint64(0x1000))    // p_align
	buf.Write(code)
	return buf.Bytes()
}

var (
	testELF  = buildTestELF(0x1000, []byte{0x13, 0x00, 0x00, 0x00}) // nop
	otherELF = buildTestELF(0x7000, []byte{0x13, 0x00, 0x00, 0x00})
)

type fakeClock struct{ us int64 }

func (f *fakeClock) NowUs() int64 { return f.us }

func TestMain(m *testing.M) {
	if err := task.InitKernel(4096); err != 0 {
		panic("InitKernel failed")
	}
	os.Exit(m.Run())
}

// newKernel builds a fresh syscall layer plus one dispatched (Running)
// task to issue syscalls from.
func newKernel(t *testing.T, clock *fakeClock) (*Kernel, *task.TCB) {
	t.Helper()
	drainReady(clock)
	k := New(console.New(), loader.NewRegistry(), clock)
	tcb, err := task.New(testELF)
	if err != 0 {
		t.Fatalf("task.New failed: %v", err)
	}
	task.AddTask(tcb)
	got, ok := task.Dispatch(clock)
	if !ok || got != tcb {
		t.Fatal("Dispatch did not install the test task")
	}
	return k, tcb
}

func drainReady(clock *fakeClock) {
	for {
		if _, ok := task.Dispatch(clock); !ok {
			break
		}
		task.Exit(0)
	}
}

// trapSyscall arms the task's trap context for one environment call and
// runs the full trap path, returning the value parked in x10.
func trapSyscall(t *testing.T, k *Kernel, tcb *task.TCB, id int64, args [3]uint64) int64 {
	t.Helper()
	cx := tcb.TrapContext()
	cx.X[17] = uint64(id)
	cx.X[10] = args[0]
	cx.X[11] = args[1]
	cx.X[12] = args[2]
	tcb.SetTrapContext(cx)
	k.Trap(trap.UserEnvCall, 0)
	return int64(tcb.TrapReg(10))
}

// userPage mmaps one writable page into tcb's space for test buffers.
func userPage(t *testing.T, tcb *task.TCB, va uint64) {
	t.Helper()
	if err := tcb.Mmap(va, limits.PageSize, 0x3); err != 0 {
		t.Fatalf("Mmap scratch page failed: %v", err)
	}
}

func TestWriteSyscallReachesConsole(t *testing.T) {
	clock := &fakeClock{us: 100}
	k, tcb := newKernel(t, clock)
	const va = 0x10000000
	userPage(t, tcb, va)
	msg := []byte("hello console")
	if err := tcb.Space().UserWriteBytes(va, msg); err != 0 {
		t.Fatalf("seeding user buffer failed: %v", err)
	}
	sepcBefore := tcb.TrapContext().Sepc

	ret := trapSyscall(t, k, tcb, defs.SYS_WRITE, [3]uint64{1, va, uint64(len(msg))})
	if ret != int64(len(msg)) {
		t.Fatalf("write returned %d, want %d", ret, len(msg))
	}
	if got := tcb.TrapContext().Sepc; got != sepcBefore+4 {
		t.Fatalf("sepc = %#x, want %#x (advanced past ecall)", got, sepcBefore+4)
	}
	out := make([]byte, len(msg))
	k.Console.Read(out)
	if string(out) != string(msg) {
		t.Fatalf("console got %q, want %q", out, msg)
	}
	task.Exit(0)
}

func TestWriteBadFdAndBadPointer(t *testing.T) {
	clock := &fakeClock{us: 100}
	k, tcb := newKernel(t, clock)
	if ret := trapSyscall(t, k, tcb, defs.SYS_WRITE, [3]uint64{7, 0x10000000, 4}); ret != -1 {
		t.Fatalf("write to fd 7 = %d, want -1", ret)
	}
	if ret := trapSyscall(t, k, tcb, defs.SYS_WRITE, [3]uint64{1, 0xdead0000, 4}); ret != -1 {
		t.Fatalf("write from unmapped buffer = %d, want -1", ret)
	}
	task.Exit(0)
}

func TestReadSyscallDrainsConsole(t *testing.T) {
	clock := &fakeClock{us: 100}
	k, tcb := newKernel(t, clock)
	const va = 0x10000000
	userPage(t, tcb, va)
	k.Console.Write([]byte("input"))

	ret := trapSyscall(t, k, tcb, defs.SYS_READ, [3]uint64{0, va, 5})
	if ret != 5 {
		t.Fatalf("read returned %d, want 5", ret)
	}
	got, err := tcb.Space().UserReadBytes(va, 5)
	if err != 0 || string(got) != "input" {
		t.Fatalf("user buffer = %q (err %v), want \"input\"", got, err)
	}
	task.Exit(0)
}

func TestGetTimeWritesTimeVal(t *testing.T) {
	clock := &fakeClock{us: 3_500_042}
	k, tcb := newKernel(t, clock)
	const va = 0x10000000
	userPage(t, tcb, va)

	if ret := trapSyscall(t, k, tcb, defs.SYS_GET_TIME, [3]uint64{va, 0, 0}); ret != 0 {
		t.Fatalf("get_time = %d, want 0", ret)
	}
	buf, err := tcb.Space().UserReadBytes(va, TimeValBytes)
	if err != 0 {
		t.Fatalf("reading TimeVal back failed: %v", err)
	}
	var tv TimeVal
	tv.Decode(buf)
	if tv.Sec != 3 || tv.Usec != 500_042 {
		t.Fatalf("TimeVal = %+v, want {3 500042}", tv)
	}
	task.Exit(0)
}

func TestGetpid(t *testing.T) {
	clock := &fakeClock{us: 100}
	k, tcb := newKernel(t, clock)
	if ret := trapSyscall(t, k, tcb, defs.SYS_GETPID, [3]uint64{}); ret != int64(tcb.Pid) {
		t.Fatalf("getpid = %d, want %d", ret, tcb.Pid)
	}
	task.Exit(0)
}

func TestMmapMunmapScenarios(t *testing.T) {
	clock := &fakeClock{us: 100}
	k, tcb := newKernel(t, clock)

	if ret := trapSyscall(t, k, tcb, defs.SYS_MMAP, [3]uint64{0x10000000, 0x4000, 0b011}); ret != 0 {
		t.Fatalf("mmap = %d, want 0", ret)
	}
	if ret := trapSyscall(t, k, tcb, defs.SYS_MMAP, [3]uint64{0x10000000, 0x4000, 0b011}); ret != -1 {
		t.Fatalf("repeated mmap = %d, want -1", ret)
	}
	if ret := trapSyscall(t, k, tcb, defs.SYS_MUNMAP, [3]uint64{0x10000000, 0x4000, 0}); ret != 0 {
		t.Fatalf("munmap = %d, want 0", ret)
	}
	if ret := trapSyscall(t, k, tcb, defs.SYS_MUNMAP, [3]uint64{0x10000000, 0x4000, 0}); ret != -1 {
		t.Fatalf("repeated munmap = %d, want -1", ret)
	}
	if ret := trapSyscall(t, k, tcb, defs.SYS_MMAP, [3]uint64{0x10000001, 0x1000, 0b001}); ret != -1 {
		t.Fatalf("misaligned mmap = %d, want -1", ret)
	}
	if ret := trapSyscall(t, k, tcb, defs.SYS_MMAP, [3]uint64{0x10000000, 0x1000, 0x8}); ret != -1 {
		t.Fatalf("reserved-bit mmap = %d, want -1", ret)
	}
	task.Exit(0)
}

func TestForkReturnsZeroInChild(t *testing.T) {
	clock := &fakeClock{us: 100}
	k, parent := newKernel(t, clock)

	ret := trapSyscall(t, k, parent, defs.SYS_FORK, [3]uint64{})
	if ret <= 0 {
		t.Fatalf("fork = %d, want a positive child pid", ret)
	}
	// Yield the parent so the child (lowest pass, never dispatched) is
	// fetched next.
	trapSyscall(t, k, parent, defs.SYS_YIELD, [3]uint64{})
	child, ok := task.Dispatch(clock)
	if !ok {
		t.Fatal("child was not placed on the ready queue")
	}
	if int64(child.Pid) != ret {
		t.Fatalf("dispatched child pid = %d, want %d", child.Pid, ret)
	}
	if got := child.TrapReg(10); got != 0 {
		t.Fatalf("child x[10] = %d, want 0", got)
	}
	task.Exit(0) // child
	drainReady(clock)
}

func TestForkWaitpidThroughSyscalls(t *testing.T) {
	clock := &fakeClock{us: 100}
	k, parent := newKernel(t, clock)
	const ecVA = 0x10000000
	userPage(t, parent, ecVA)

	childPid := trapSyscall(t, k, parent, defs.SYS_FORK, [3]uint64{})
	if childPid <= 0 {
		t.Fatalf("fork = %d, want positive pid", childPid)
	}

	// Child has not exited: waitpid reports -2.
	if ret := trapSyscall(t, k, parent, defs.SYS_WAITPID, [3]uint64{uint64(childPid), ecVA, 0}); ret != -2 {
		t.Fatalf("waitpid before child exit = %d, want -2", ret)
	}
	if ret := trapSyscall(t, k, parent, defs.SYS_WAITPID, [3]uint64{^uint64(0) - 41, ecVA, 0}); ret != -1 {
		t.Fatalf("waitpid for nonexistent pid = %d, want -1", ret)
	}

	// Yield the parent, run the child to exit(7), then resume the
	// parent to reap it.
	trapSyscall(t, k, parent, defs.SYS_YIELD, [3]uint64{})
	child, ok := task.Dispatch(clock)
	if !ok || int64(child.Pid) != childPid {
		t.Fatal("could not dispatch forked child")
	}
	cx := child.TrapContext()
	cx.X[17] = defs.SYS_EXIT
	cx.X[10] = 7
	child.SetTrapContext(cx)
	k.Trap(trap.UserEnvCall, 0)
	if child.Status() != defs.TaskZombie {
		t.Fatalf("child status = %v, want Zombie", child.Status())
	}

	if got, ok := task.Dispatch(clock); !ok || got != parent {
		t.Fatal("parent should be the next dispatch after the child exits")
	}
	ret := trapSyscall(t, k, parent, defs.SYS_WAITPID, [3]uint64{^uint64(0), ecVA, 0})
	if ret != childPid {
		t.Fatalf("waitpid(-1) = %d, want %d", ret, childPid)
	}
	buf, err := parent.Space().UserReadBytes(ecVA, 4)
	if err != 0 {
		t.Fatalf("reading exit code back failed: %v", err)
	}
	if code := int32(util.Readn(buf, 4, 0)); code != 7 {
		t.Fatalf("exit code written = %d, want 7", code)
	}
	task.Exit(0)
}

func TestSpawnSuspendsParent(t *testing.T) {
	clock := &fakeClock{us: 100}
	k, parent := newKernel(t, clock)
	k.Apps.Register("child_app", otherELF)

	const pathVA = 0x10000000
	userPage(t, parent, pathVA)
	if err := parent.Space().UserWriteBytes(pathVA, append([]byte("child_app"), 0)); err != 0 {
		t.Fatalf("seeding path failed: %v", err)
	}

	ret := trapSyscall(t, k, parent, defs.SYS_SPAWN, [3]uint64{pathVA, 0, 0})
	if ret <= 0 {
		t.Fatalf("spawn = %d, want positive child pid", ret)
	}
	// spawn suspends the caller before returning: the parent went back
	// to Ready and the current slot is empty.
	if parent.Status() != defs.TaskReady {
		t.Fatalf("parent status after spawn = %v, want Ready", parent.Status())
	}
	if _, ok := task.CurrentTask(); ok {
		t.Fatal("current slot should be empty after spawn suspends the parent")
	}

	pa := parent.Access()
	nchildren := len(pa.Get().Children)
	pa.Release()
	if nchildren != 1 {
		t.Fatalf("parent has %d children, want 1", nchildren)
	}
	drainReady(clock)
}

func TestSpawnUnknownAppFails(t *testing.T) {
	clock := &fakeClock{us: 100}
	k, parent := newKernel(t, clock)
	const pathVA = 0x10000000
	userPage(t, parent, pathVA)
	if err := parent.Space().UserWriteBytes(pathVA, append([]byte("no_such_app"), 0)); err != 0 {
		t.Fatalf("seeding path failed: %v", err)
	}
	if ret := trapSyscall(t, k, parent, defs.SYS_SPAWN, [3]uint64{pathVA, 0, 0}); ret != -1 {
		t.Fatalf("spawn of unknown app = %d, want -1", ret)
	}
	task.Exit(0)
}

func TestExecReplacesSpaceKeepsPid(t *testing.T) {
	clock := &fakeClock{us: 100}
	k, tcb := newKernel(t, clock)
	k.Apps.Register("next_image", otherELF)

	pidBefore := trapSyscall(t, k, tcb, defs.SYS_GETPID, [3]uint64{})
	tokenBefore := tcb.Space().Token()

	const pathVA = 0x10000000
	userPage(t, tcb, pathVA)
	if err := tcb.Space().UserWriteBytes(pathVA, append([]byte("next_image"), 0)); err != 0 {
		t.Fatalf("seeding path failed: %v", err)
	}
	if ret := trapSyscall(t, k, tcb, defs.SYS_EXEC, [3]uint64{pathVA, 0, 0}); ret != 0 {
		t.Fatalf("exec = %d, want 0", ret)
	}

	if tcb.Space().Token() == tokenBefore {
		t.Fatal("exec did not replace the address space")
	}
	// The "skip over ecall" advance landed on the old context before
	// dispatch; the freshly written context starts exactly at the new
	// image's entry point.
	if got := tcb.TrapContext().Sepc; got != 0x7000 {
		t.Fatalf("sepc after exec = %#x, want %#x", got, 0x7000)
	}
	pidAfter := trapSyscall(t, k, tcb, defs.SYS_GETPID, [3]uint64{})
	if pidAfter != pidBefore {
		t.Fatalf("pid changed across exec: %d -> %d", pidBefore, pidAfter)
	}
	task.Exit(0)
}

func TestYieldAndTimerSuspend(t *testing.T) {
	clock := &fakeClock{us: 100}
	k, tcb := newKernel(t, clock)

	if ret := trapSyscall(t, k, tcb, defs.SYS_YIELD, [3]uint64{}); ret != 0 {
		t.Fatalf("yield = %d, want 0", ret)
	}
	if tcb.Status() != defs.TaskReady {
		t.Fatalf("status after yield = %v, want Ready", tcb.Status())
	}

	if got, ok := task.Dispatch(clock); !ok || got != tcb {
		t.Fatal("yielded task should be re-dispatchable")
	}
	clock.us = 50_000
	deadlineBefore := k.Timer.Deadline()
	k.Trap(trap.SupervisorTimer, 0)
	if tcb.Status() != defs.TaskReady {
		t.Fatalf("status after timer trap = %v, want Ready", tcb.Status())
	}
	if k.Timer.Deadline() <= deadlineBefore {
		t.Fatal("timer trap did not rearm the next trigger")
	}
	drainReady(clock)
}

func TestFaultAndIllegalInstructionKillTask(t *testing.T) {
	clock := &fakeClock{us: 100}
	k, tcb := newKernel(t, clock)

	k.Trap(trap.StorePageFault, 0xdead_beef)
	if tcb.Status() != defs.TaskZombie {
		t.Fatalf("status after store fault = %v, want Zombie", tcb.Status())
	}
	a := tcb.Access()
	code := a.Get().ExitCode
	a.Release()
	if code != trap.ExitFault {
		t.Fatalf("exit code after fault = %d, want %d", code, trap.ExitFault)
	}

	k2, tcb2 := newKernel(t, clock)
	k2.Trap(trap.IllegalInstruction, 0)
	if tcb2.Status() != defs.TaskZombie {
		t.Fatalf("status after illegal instruction = %v, want Zombie", tcb2.Status())
	}
	a = tcb2.Access()
	code = a.Get().ExitCode
	a.Release()
	if code != trap.ExitIllegal {
		t.Fatalf("exit code after illegal instruction = %d, want %d", code, trap.ExitIllegal)
	}
}

func TestSetPriorityReturnsPrioOrError(t *testing.T) {
	clock := &fakeClock{us: 100}
	k, tcb := newKernel(t, clock)
	if ret := trapSyscall(t, k, tcb, defs.SYS_SET_PRIORITY, [3]uint64{8, 0, 0}); ret != 8 {
		t.Fatalf("set_priority(8) = %d, want 8", ret)
	}
	if ret := trapSyscall(t, k, tcb, defs.SYS_SET_PRIORITY, [3]uint64{1, 0, 0}); ret != -1 {
		t.Fatalf("set_priority(1) = %d, want -1", ret)
	}
	task.Exit(0)
}

func TestTaskInfoCountsAndElapsedTime(t *testing.T) {
	clock := &fakeClock{us: 2_000}
	k, tcb := newKernel(t, clock) // first dispatch at 2000us
	const va = 0x10000000
	userPage(t, tcb, va)

	trapSyscall(t, k, tcb, defs.SYS_GETPID, [3]uint64{})
	trapSyscall(t, k, tcb, defs.SYS_GETPID, [3]uint64{})
	clock.us = 15_000

	if ret := trapSyscall(t, k, tcb, defs.SYS_TASK_INFO, [3]uint64{va, 0, 0}); ret != 0 {
		t.Fatalf("task_info = %d, want 0", ret)
	}
	buf, err := tcb.Space().UserReadBytes(va, TaskInfoBytes)
	if err != 0 {
		t.Fatalf("reading TaskInfo back failed: %v", err)
	}
	var ti TaskInfo
	ti.Decode(buf)
	if ti.Status != defs.TaskRunning {
		t.Fatalf("TaskInfo.Status = %v, want Running", ti.Status)
	}
	if ti.SyscallTimes[defs.SYS_GETPID] != 2 {
		t.Fatalf("getpid count = %d, want 2", ti.SyscallTimes[defs.SYS_GETPID])
	}
	// The counter bump precedes dispatch, so task_info observes itself.
	if ti.SyscallTimes[defs.SYS_TASK_INFO] != 1 {
		t.Fatalf("task_info count = %d, want 1", ti.SyscallTimes[defs.SYS_TASK_INFO])
	}
	if ti.TimeMs != 13 {
		t.Fatalf("TaskInfo.TimeMs = %d, want 13", ti.TimeMs)
	}
	task.Exit(0)
}

func TestSyscallProfileExport(t *testing.T) {
	clock := &fakeClock{us: 100}
	k, tcb := newKernel(t, clock)
	trapSyscall(t, k, tcb, defs.SYS_GETPID, [3]uint64{})
	trapSyscall(t, k, tcb, defs.SYS_GETPID, [3]uint64{})

	if got := k.Counts(defs.SYS_GETPID); got != 2 {
		t.Fatalf("Counts(getpid) = %d, want 2", got)
	}
	p := k.Profile()
	found := false
	for i, s := range p.Sample {
		fn := p.Location[i].Line[0].Function.Name
		if fn == "getpid" && s.Value[0] == 2 {
			found = true
		}
	}
	if !found {
		t.Fatal("profile export missing the getpid sample")
	}
	if err := p.CheckValid(); err != nil {
		t.Fatalf("profile does not validate: %v", err)
	}
	task.Exit(0)
}
