// Package trap defines the trap-context record, the trampoline's
// save/restore pair, and the supervisor trap handler that demultiplexes
// user traps into syscall dispatch, task termination, and preemption.
// The package has no dependency on task scheduling: the handler reaches
// the scheduler only through the hooks its Env carries, so the task
// layer can import this package for the Context layout.
package trap

import "rvcore/util"

// NumRegs is the integer register file size (x0..x31).
const NumRegs = 32

// Context is the fixed-layout record the trampoline parks user state
// into during a trap: the general registers, supervisor status and
// saved pc, the kernel address-space token, the owning task's
// kernel-stack top, and the kernel VA of the trap handler — the only
// fields the trampoline (which knows nothing about page tables) needs
// to hand control back to the kernel.
type Context struct {
	X           [NumRegs]uint64
	Sstatus     uint64
	Sepc        uint64
	KernelSatp  uint64
	KernelSp    uint64
	TrapHandler uint64
}

// EncodedSize is the byte length of Context's wire encoding, small
// enough to live entirely within one page-sized trap-context frame.
const EncodedSize = (NumRegs + 5) * 8

// AppInitContext builds the trap context a freshly created or exec'd
// task starts from: sepc at the entry point, x[2] (sp) at the initial
// user stack top, and the bookkeeping the trampoline needs to reach
// back into the kernel after the first (and every subsequent) trap.
func AppInitContext(entry, sp, kernelSatp, kernelSp, trapHandler uint64) Context {
	var cx Context
	cx.Sepc = entry
	cx.KernelSatp = kernelSatp
	cx.KernelSp = kernelSp
	cx.TrapHandler = trapHandler
	cx.SetSp(sp)
	return cx
}

// SetSp writes sp into x[2], the stack-pointer register slot.
func (c *Context) SetSp(sp uint64) { c.X[2] = sp }

// SaveUser plays the trampoline's save-stub role: it parks the user
// register file and saved pc into the trap context. Because no real
// hart executes user instructions in this hosted kernel, "the user
// register file" is whatever the caller captured immediately before
// trapping; the bookkeeping this function performs is otherwise
// identical to the real trampoline's.
func SaveUser(cx *Context, regs [NumRegs]uint64, sepc uint64) {
	cx.X = regs
	cx.Sepc = sepc
}

// RestoreUser plays the trampoline's restore-stub role: it hands back the
// register file and resume pc trap_return would jump to in user mode.
func RestoreUser(cx *Context) (regs [NumRegs]uint64, sepc uint64) {
	return cx.X, cx.Sepc
}

// Encode packs the context into buf by manual byte-packing (no
// encoding/binary, no reflection) so copying a Context across the
// user/kernel boundary is just a slice copy.
func (c *Context) Encode(buf []byte) {
	off := 0
	for _, x := range c.X {
		util.Writen(buf, 8, off, int(x))
		off += 8
	}
	for _, v := range []uint64{c.Sstatus, c.Sepc, c.KernelSatp, c.KernelSp, c.TrapHandler} {
		util.Writen(buf, 8, off, int(v))
		off += 8
	}
}

// Decode is the inverse of Encode.
func (c *Context) Decode(buf []byte) {
	off := 0
	for i := range c.X {
		c.X[i] = uint64(util.Readn(buf, 8, off))
		off += 8
	}
	fields := [5]*uint64{&c.Sstatus, &c.Sepc, &c.KernelSatp, &c.KernelSp, &c.TrapHandler}
	for _, f := range fields {
		*f = uint64(util.Readn(buf, 8, off))
		off += 8
	}
}
