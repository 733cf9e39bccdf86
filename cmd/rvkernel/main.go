// Command rvkernel boots the task subsystem and runs a small scripted
// workload against it: an init process that spawns a child, the child
// writing to the console and exiting, init reaping it. Because no hart
// executes user instructions in this hosted kernel, each application is
// a scripted sequence of syscalls — one trap per scheduler step —
// standing in for the user code that would issue them.
package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"rvcore/console"
	"rvcore/defs"
	"rvcore/limits"
	"rvcore/loader"
	"rvcore/syscall"
	"rvcore/task"
	"rvcore/timer"
	"rvcore/trap"
)

// buildELF assembles a minimal ELF64/RISC-V image with one loadable
// code page, enough for FromELF to derive an entry point and a stack.
func buildELF(vaddr uint64, code []byte) []byte {
	const ehsize = 64
	const phsize = 56
	offset := uint64(ehsize + phsize)

	var buf bytes.Buffer
	ident := [16]byte{0x7f, 'E', 'L', 'F', 2, 1, 1}
	buf.Write(ident[:])
	binary.Write(&buf, binary.LittleEndian, uint16(2))   // ET_EXEC
	binary.Write(&buf, binary.LittleEndian, uint16(243)) // EM_RISCV
	binary.Write(&buf, binary.LittleEndian, uint32(1))
	binary.Write(&buf, binary.LittleEndian, vaddr)
	binary.Write(&buf, binary.LittleEndian, uint64(ehsize))
	binary.Write(&buf, binary.LittleEndian, uint64(0))
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	binary.Write(&buf, binary.LittleEndian, uint16(ehsize))
	binary.Write(&buf, binary.LittleEndian, uint16(phsize))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(0))

	binary.Write(&buf, binary.LittleEndian, uint32(1))   // PT_LOAD
	binary.Write(&buf, binary.LittleEndian, uint32(1|4)) // X|R
	binary.Write(&buf, binary.LittleEndian, offset)
	binary.Write(&buf, binary.LittleEndian, vaddr)
	binary.Write(&buf, binary.LittleEndian, vaddr)
	binary.Write(&buf, binary.LittleEndian, uint64(len(code)))
	binary.Write(&buf, binary.LittleEndian, uint64(len(code)))
	binary.Write(&buf, binary.LittleEndian, uint64(0x1000))
	buf.Write(code)
	return buf.Bytes()
}

// step is one simulated trap: prepare the task's registers (and any
// user memory the "user code" would have written beforehand), then
// report the syscall to issue. advance reports whether the script moves
// on, letting waitpid spin on -2.
type step struct {
	prepare func(t *task.TCB)
	id      int64
	args    func(t *task.TCB) [3]uint64
	advance func(ret int64) bool
}

type script struct {
	steps []step
	pc    int
}

// run issues the task's next scripted syscall through the full trap
// path. Exhausted scripts exit 0.
func (s *script) run(k *syscall.Kernel, t *task.TCB) {
	if s.pc >= len(s.steps) {
		doTrap(k, t, defs.SYS_EXIT, [3]uint64{0, 0, 0})
		return
	}
	st := s.steps[s.pc]
	if st.prepare != nil {
		st.prepare(t)
	}
	var args [3]uint64
	if st.args != nil {
		args = st.args(t)
	}
	doTrap(k, t, st.id, args)
	ret := int64(t.TrapReg(10))
	if st.advance == nil || st.advance(ret) {
		s.pc++
		return
	}
	// Retry path: yield so whoever we are waiting on gets to run.
	doTrap(k, t, defs.SYS_YIELD, [3]uint64{})
}

func doTrap(k *syscall.Kernel, t *task.TCB, id int64, args [3]uint64) {
	cx := t.TrapContext()
	cx.X[17] = uint64(id)
	cx.X[10] = args[0]
	cx.X[11] = args[1]
	cx.X[12] = args[2]
	t.SetTrapContext(cx)
	k.Trap(trap.UserEnvCall, 0)
}

const scratchVA = 0x10000000

// initprocScript spawns the hello app, then calls waitpid(-1) once,
// retrying while it reports -2; as soon as it returns anything else
// the script is done and initproc exits.
func initprocScript() *script {
	return &script{steps: []step{
		{id: defs.SYS_MMAP, args: func(*task.TCB) [3]uint64 { return [3]uint64{scratchVA, limits.PageSize, 0x3} }},
		{
			prepare: func(t *task.TCB) {
				t.Space().UserWriteBytes(scratchVA, append([]byte("hello"), 0))
			},
			id:   defs.SYS_SPAWN,
			args: func(*task.TCB) [3]uint64 { return [3]uint64{scratchVA, 0, 0} },
		},
		{
			id:      defs.SYS_WAITPID,
			args:    func(*task.TCB) [3]uint64 { return [3]uint64{^uint64(0), scratchVA + 0x100, 0} },
			advance: func(ret int64) bool { return ret != -2 },
		},
	}}
}

// helloScript maps a scratch page, asks for the time, prints a line,
// and exits (the script runner issues exit once the steps run out).
func helloScript() *script {
	msg := []byte("hello from user space\n")
	return &script{steps: []step{
		{id: defs.SYS_MMAP, args: func(*task.TCB) [3]uint64 { return [3]uint64{scratchVA, limits.PageSize, 0x3} }},
		{id: defs.SYS_GET_TIME, args: func(*task.TCB) [3]uint64 { return [3]uint64{scratchVA, 0, 0} }},
		{
			prepare: func(t *task.TCB) {
				t.Space().UserWriteBytes(scratchVA+0x100, msg)
			},
			id:   defs.SYS_WRITE,
			args: func(*task.TCB) [3]uint64 { return [3]uint64{1, scratchVA + 0x100, uint64(len(msg))} },
		},
	}}
}

func main() {
	clock := timer.NewSystem()
	if err := task.InitKernel(16384); err != 0 {
		fmt.Fprintf(os.Stderr, "rvkernel: InitKernel failed: %v\n", err)
		os.Exit(1)
	}

	cons := console.New()
	apps := loader.NewRegistry()
	apps.Register("initproc", buildELF(0x1000, []byte{0x13, 0x00, 0x00, 0x00}))
	apps.Register("hello", buildELF(0x5000, []byte{0x13, 0x00, 0x00, 0x00}))
	k := syscall.New(cons, apps, clock)

	initELF, errc := apps.Lookup("initproc")
	if errc != 0 {
		fmt.Fprintf(os.Stderr, "rvkernel: no initproc image\n")
		os.Exit(1)
	}
	initTCB, errc := task.AddInitproc(initELF)
	if errc != 0 {
		fmt.Fprintf(os.Stderr, "rvkernel: AddInitproc failed: %v\n", errc)
		os.Exit(1)
	}

	scripts := map[defs.Pid_t]*script{initTCB.Pid: initprocScript()}
	task.RunTasks(clock, func(t *task.TCB) {
		s := scripts[t.Pid]
		if s == nil {
			// A freshly spawned task: give it the hello workload.
			s = helloScript()
			scripts[t.Pid] = s
		}
		if k.Timer.Due() {
			k.Trap(trap.SupervisorTimer, 0)
			return
		}
		s.run(k, t)
	})

	out := make([]byte, cons.Len())
	cons.Read(out)
	fmt.Printf("console output:\n%s", out)
	fmt.Printf("syscall counts:\n")
	for id, name := range syscall.Names {
		if n := k.Counts(id); n > 0 {
			fmt.Printf("\t#%s: %d\n", name, n)
		}
	}
}
