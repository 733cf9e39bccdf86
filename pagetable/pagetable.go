// Package pagetable implements a software page table mapping virtual
// page numbers to physical frames with permission bits. The SV39 bit
// layout is a trusted hardware primitive rather than something to
// re-derive here, so the table is a portable map keyed by page number
// with a valid/read/write/execute/user flag vocabulary.
package pagetable

import (
	"sync"

	"rvcore/defs"
	"rvcore/limits"
	"rvcore/mem"
)

// Vpn is a virtual page number (virtual address >> limits.PageShift).
type Vpn uint64

// Flags records the permission bits of one page table entry.
type Flags uint8

const (
	FlagValid Flags = 1 << iota
	FlagRead
	FlagWrite
	FlagExec
	FlagUser
)

// PTE is one page table entry: a frame plus its permission bits.
type PTE struct {
	Frame mem.FrameNum
	Flags Flags
}

func (p PTE) Valid() bool      { return p.Flags&FlagValid != 0 }
func (p PTE) Writable() bool   { return p.Flags&FlagWrite != 0 }
func (p PTE) Readable() bool   { return p.Flags&FlagRead != 0 }
func (p PTE) Executable() bool { return p.Flags&FlagExec != 0 }
func (p PTE) User() bool       { return p.Flags&FlagUser != 0 }

// PageTable is a single address space's virtual-to-physical mapping.
// Token is an opaque identity used by the trap path to recognize
// "the same address space" across a trampoline switch.
type PageTable struct {
	sync.Mutex
	Token   uint64
	entries map[Vpn]PTE
}

var nextToken uint64
var tokenMu sync.Mutex

func allocToken() uint64 {
	tokenMu.Lock()
	defer tokenMu.Unlock()
	nextToken++
	return nextToken
}

// New creates an empty page table with a fresh token.
func New() *PageTable {
	return &PageTable{
		Token:   allocToken(),
		entries: make(map[Vpn]PTE),
	}
}

// VpnOf truncates a virtual address down to its page number.
func VpnOf(va uintptr) Vpn { return Vpn(va >> limits.PageShift) }

// Map installs vpn -> frame with the given flags. It returns
// defs.EEXIST if the slot is already mapped; a mapping is never
// silently overwritten.
func (pt *PageTable) Map(vpn Vpn, fn mem.FrameNum, flags Flags) defs.Err_t {
	pt.Lock()
	defer pt.Unlock()
	if _, ok := pt.entries[vpn]; ok {
		return -defs.EEXIST
	}
	pt.entries[vpn] = PTE{Frame: fn, Flags: flags | FlagValid}
	return 0
}

// Unmap removes the mapping for vpn. It returns defs.EINVAL if no
// mapping exists.
func (pt *PageTable) Unmap(vpn Vpn) defs.Err_t {
	pt.Lock()
	defer pt.Unlock()
	if _, ok := pt.entries[vpn]; !ok {
		return -defs.EINVAL
	}
	delete(pt.entries, vpn)
	return 0
}

// Translate looks up the PTE mapping vpn, reporting whether it exists.
func (pt *PageTable) Translate(vpn Vpn) (PTE, bool) {
	pt.Lock()
	defer pt.Unlock()
	p, ok := pt.entries[vpn]
	return p, ok
}

// Mapped reports whether vpn currently has a valid mapping.
func (pt *PageTable) Mapped(vpn Vpn) bool {
	_, ok := pt.Translate(vpn)
	return ok
}
