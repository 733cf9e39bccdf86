// Package as implements a task's address space: framed-area tracking,
// user/kernel pointer translation, and ELF program loading. There is
// no copy-on-write and no demand paging; every page fault is fatal to
// the faulting task, so InsertFramedArea eagerly allocates frames.
package as

import (
	"debug/elf"
	"io"
	"sync"

	"rvcore/defs"
	"rvcore/limits"
	"rvcore/mem"
	"rvcore/pagetable"
)

// Permission is the page-table flag set a framed area is mapped with.
// Its bit values are pagetable's, not sys_mmap's port bits (bit 0 read,
// bit 1 write, bit 2 execute); task.Mmap translates one into the other.
// User is implicit for every framed area created via mmap.
type Permission = pagetable.Flags

const (
	PermRead  = pagetable.FlagRead
	PermWrite = pagetable.FlagWrite
	PermExec  = pagetable.FlagExec
	PermUser  = pagetable.FlagUser
)

// area records one user-visible mapped range, [Start, End) in page
// numbers, so overlap and munmap validation can walk whole areas
// instead of scanning every page.
type area struct {
	start, end pagetable.Vpn
	perm       pagetable.Flags
}

// AddressSpace is one task's virtual memory: its page table plus the
// list of framed areas that were added by the loader or by mmap.
type AddressSpace struct {
	sync.Mutex
	PT    *pagetable.PageTable
	alloc *mem.Allocator
	areas []area
}

// New creates an empty address space backed by the given frame
// allocator.
func New(alloc *mem.Allocator) *AddressSpace {
	return &AddressSpace{PT: pagetable.New(), alloc: alloc}
}

// Token returns the address space's page-table identity, used by the
// trap path to detect whether a trampoline switch actually changed
// address spaces.
func (as *AddressSpace) Token() uint64 { return as.PT.Token }

func pageAligned(addr uint64) bool { return addr%limits.PageSize == 0 }

// InsertFramedArea maps [start, start+len) with exactly the given
// permission bits (callers pass PermUser explicitly; nothing here adds
// it implicitly), eagerly allocating and zeroing a frame per page. It returns
// defs.EINVAL if start is misaligned or the range overlaps an existing
// area, defs.ENOMEM if frames are exhausted (in which case any pages
// already installed for this call are rolled back).
func (as *AddressSpace) InsertFramedArea(start, length uint64, perm pagetable.Flags) defs.Err_t {
	if !pageAligned(start) || length == 0 {
		return -defs.EINVAL
	}
	as.Lock()
	defer as.Unlock()

	end := start + length
	svpn := pagetable.Vpn(start / limits.PageSize)
	evpn := pagetable.Vpn((end + limits.PageSize - 1) / limits.PageSize)
	for _, a := range as.areas {
		if svpn < a.end && a.start < evpn {
			return -defs.EINVAL
		}
	}

	mapped := make([]pagetable.Vpn, 0, int(evpn-svpn))
	for vpn := svpn; vpn < evpn; vpn++ {
		fn, err := as.alloc.Alloc()
		if err != 0 {
			for _, m := range mapped {
				as.PT.Unmap(m)
			}
			return err
		}
		if err := as.PT.Map(vpn, fn, perm); err != 0 {
			for _, m := range mapped {
				as.PT.Unmap(m)
			}
			return err
		}
		mapped = append(mapped, vpn)
	}
	as.areas = append(as.areas, area{start: svpn, end: evpn, perm: perm})
	return 0
}

// RemoveFramedArea unmaps every page in [start, start+len). The range
// must lie entirely within framed areas; if any page in it is not
// currently mapped, nothing is changed and defs.EINVAL is returned.
// A partial unmap shrinks or splits the areas it cuts through.
func (as *AddressSpace) RemoveFramedArea(start, length uint64) defs.Err_t {
	if !pageAligned(start) || length == 0 {
		return -defs.EINVAL
	}
	as.Lock()
	defer as.Unlock()

	end := start + length
	svpn := pagetable.Vpn(start / limits.PageSize)
	evpn := pagetable.Vpn((end + limits.PageSize - 1) / limits.PageSize)
	for vpn := svpn; vpn < evpn; vpn++ {
		inArea := false
		for _, a := range as.areas {
			if vpn >= a.start && vpn < a.end {
				inArea = true
				break
			}
		}
		if !inArea {
			return -defs.EINVAL
		}
	}

	for vpn := svpn; vpn < evpn; vpn++ {
		if pte, ok := as.PT.Translate(vpn); ok {
			as.alloc.Dealloc(pte.Frame)
			as.PT.Unmap(vpn)
		}
	}
	var kept []area
	for _, a := range as.areas {
		if a.end <= svpn || a.start >= evpn {
			kept = append(kept, a)
			continue
		}
		if a.start < svpn {
			kept = append(kept, area{start: a.start, end: svpn, perm: a.perm})
		}
		if a.end > evpn {
			kept = append(kept, area{start: evpn, end: a.end, perm: a.perm})
		}
	}
	as.areas = kept
	return 0
}

// translate resolves a byte range [va, va+n) to the backing frames,
// requiring every covered page to be mapped, user-accessible, and
// readable (and writable, if needWrite). A bad user pointer yields
// defs.EFAULT rather than a kernel panic. Pages without the U bit (the
// trampoline, the trap-context page) are never valid targets for a
// user-pointer syscall argument, even though the kernel itself reaches
// them directly by physical frame.
func (as *AddressSpace) translate(va uint64, n int, needWrite bool) ([]pagetable.PTE, defs.Err_t) {
	if n < 0 {
		return nil, -defs.EFAULT
	}
	svpn := pagetable.Vpn(va / limits.PageSize)
	evpn := pagetable.Vpn((va + uint64(n) + limits.PageSize - 1) / limits.PageSize)
	if evpn == svpn {
		evpn = svpn + 1
	}
	ptes := make([]pagetable.PTE, 0, int(evpn-svpn))
	for vpn := svpn; vpn < evpn; vpn++ {
		pte, ok := as.PT.Translate(vpn)
		if !ok || !pte.Readable() || !pte.User() {
			return nil, -defs.EFAULT
		}
		if needWrite && !pte.Writable() {
			return nil, -defs.EFAULT
		}
		ptes = append(ptes, pte)
	}
	return ptes, 0
}

// loadSegment copies data into the frames backing [vaddr, vaddr+len(data)),
// bypassing the writable-permission check translate() enforces for user
// pointers: the kernel has direct physical access to a page it is still
// populating, regardless of the permissions that page will carry once
// the task starts running (a .text segment is never write-mapped, yet
// FromELF still has to place its bytes).
func (as *AddressSpace) loadSegment(vaddr uint64, data []byte) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	off := 0
	pageOff := int(vaddr % limits.PageSize)
	vpn := pagetable.Vpn(vaddr / limits.PageSize)
	for off < len(data) {
		pte, ok := as.PT.Translate(vpn)
		if !ok {
			return -defs.EFAULT
		}
		frame := as.alloc.Bytes(pte.Frame)
		c := copy(frame[pageOff:], data[off:])
		off += c
		pageOff = 0
		vpn++
	}
	return 0
}

// MapReserved installs frames[i] at vpn (start/limits.PageSize)+i with
// exactly the given flags, bypassing the user-mmap overlap bookkeeping
// InsertFramedArea performs. It is used for mappings the kernel itself
// manages rather than a user syscall: the trampoline (whose frame is
// shared, by construction, across every address space) and the
// trap-context page. It returns defs.EEXIST if
// any target page is already mapped.
func (as *AddressSpace) MapReserved(start uint64, frames []mem.FrameNum, flags pagetable.Flags) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	svpn := pagetable.Vpn(start / limits.PageSize)
	mapped := make([]pagetable.Vpn, 0, len(frames))
	for i, fn := range frames {
		vpn := svpn + pagetable.Vpn(i)
		if err := as.PT.Map(vpn, fn, flags); err != 0 {
			for _, m := range mapped {
				as.PT.Unmap(m)
			}
			return err
		}
		mapped = append(mapped, vpn)
	}
	return 0
}

// UnmapReserved removes the len(frames) consecutive mappings starting
// at start's page, the inverse of MapReserved. It does not touch the
// areas bookkeeping RemoveFramedArea relies on, since reserved mappings
// never appear there.
func (as *AddressSpace) UnmapReserved(start uint64, frames int) {
	as.Lock()
	defer as.Unlock()
	svpn := pagetable.Vpn(start / limits.PageSize)
	for i := 0; i < frames; i++ {
		as.PT.Unmap(svpn + pagetable.Vpn(i))
	}
}

// FromExistedUser deep-copies another address space: fresh frames,
// byte-for-byte identical contents, identical permissions, no frame
// sharing (this kernel has no copy-on-write — an explicit Non-goal).
// Reserved mappings (trampoline, trap context) are NOT copied; the
// caller installs them exactly as it would for a freshly created space,
// since the trampoline frame must stay the single shared physical page
// and the trap context is rewritten by fork() immediately afterward.
func FromExistedUser(alloc *mem.Allocator, other *AddressSpace) (*AddressSpace, defs.Err_t) {
	other.Lock()
	areas := make([]area, len(other.areas))
	copy(areas, other.areas)
	other.Unlock()

	space := New(alloc)
	for _, a := range areas {
		start := uint64(a.start) * limits.PageSize
		length := uint64(a.end-a.start) * limits.PageSize
		if err := space.InsertFramedArea(start, length, a.perm); err != 0 {
			return nil, err
		}
		for vpn := a.start; vpn < a.end; vpn++ {
			srcPte, ok := other.PT.Translate(vpn)
			if !ok {
				continue
			}
			dstPte, _ := space.PT.Translate(vpn)
			copy(space.alloc.Bytes(dstPte.Frame), other.alloc.Bytes(srcPte.Frame))
		}
	}
	return space, 0
}

// RecycleDataPages drops every non-reserved (non-trampoline,
// non-trap-context) mapping and returns its frame: called on exit, it
// releases user-space memory while the TCB (and its page table)
// lingers until the parent reaps it via waitpid.
func (as *AddressSpace) RecycleDataPages() {
	as.Lock()
	defer as.Unlock()
	for _, a := range as.areas {
		for vpn := a.start; vpn < a.end; vpn++ {
			if pte, ok := as.PT.Translate(vpn); ok {
				as.alloc.Dealloc(pte.Frame)
				as.PT.Unmap(vpn)
			}
		}
	}
	as.areas = nil
}

// UserReadBytes copies n bytes starting at user virtual address va into
// a fresh kernel buffer.
func (as *AddressSpace) UserReadBytes(va uint64, n int) ([]byte, defs.Err_t) {
	as.Lock()
	defer as.Unlock()
	ptes, err := as.translate(va, n, false)
	if err != 0 {
		return nil, err
	}
	out := make([]byte, n)
	off := 0
	pageOff := int(va % limits.PageSize)
	for _, pte := range ptes {
		frame := as.alloc.Bytes(pte.Frame)
		c := copy(out[off:], frame[pageOff:])
		off += c
		pageOff = 0
		if off >= n {
			break
		}
	}
	return out, 0
}

// UserWriteBytes copies src into the user address space starting at va.
func (as *AddressSpace) UserWriteBytes(va uint64, src []byte) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	ptes, err := as.translate(va, len(src), true)
	if err != 0 {
		return err
	}
	off := 0
	pageOff := int(va % limits.PageSize)
	for _, pte := range ptes {
		frame := as.alloc.Bytes(pte.Frame)
		c := copy(frame[pageOff:], src[off:])
		off += c
		pageOff = 0
		if off >= len(src) {
			break
		}
	}
	return 0
}

// UserStr reads a NUL-terminated string from user memory, at most
// lenmax bytes.
func (as *AddressSpace) UserStr(va uint64, lenmax int) (string, defs.Err_t) {
	buf, err := as.UserReadBytes(va, lenmax)
	if err != 0 {
		return "", err
	}
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i]), 0
		}
	}
	return string(buf), 0
}

// FromELF loads an ELF64 executable's PT_LOAD segments into a fresh
// address space, returning the entry point and the top of its initial
// user stack area.
func FromELF(alloc *mem.Allocator, data []byte, userStackPages int) (*AddressSpace, uint64, uint64, defs.Err_t) {
	f, err := elf.NewFile(&sliceReaderAt{data})
	if err != nil {
		return nil, 0, 0, -defs.EINVAL
	}
	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_RISCV {
		return nil, 0, 0, -defs.EINVAL
	}

	space := New(alloc)
	var maxEnd uint64
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		start := prog.Vaddr - prog.Vaddr%limits.PageSize
		length := (prog.Vaddr + prog.Memsz) - start
		length = ((length + limits.PageSize - 1) / limits.PageSize) * limits.PageSize

		var perm pagetable.Flags = PermRead | PermUser
		if prog.Flags&elf.PF_W != 0 {
			perm |= PermWrite
		}
		if prog.Flags&elf.PF_X != 0 {
			perm |= PermExec
		}
		if errc := space.InsertFramedArea(start, length, perm); errc != 0 {
			return nil, 0, 0, errc
		}
		secData := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(secData, 0); err != nil && prog.Filesz > 0 {
			return nil, 0, 0, -defs.EINVAL
		}
		if errc := space.loadSegment(prog.Vaddr, secData); errc != 0 {
			return nil, 0, 0, errc
		}
		if end := start + length; end > maxEnd {
			maxEnd = end
		}
	}

	guard := uint64(limits.PageSize)
	stackBottom := maxEnd + guard
	stackSize := uint64(userStackPages) * limits.PageSize
	if errc := space.InsertFramedArea(stackBottom, stackSize, PermRead|PermWrite|PermUser); errc != 0 {
		return nil, 0, 0, errc
	}
	stackTop := stackBottom + stackSize
	return space, f.Entry, stackTop, 0
}

// sliceReaderAt adapts a byte slice to io.ReaderAt for debug/elf.
type sliceReaderAt struct{ b []byte }

func (s *sliceReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(s.b)) {
		return 0, io.EOF
	}
	n := copy(p, s.b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
