package as

import (
	"testing"

	"rvcore/defs"
	"rvcore/limits"
	"rvcore/mem"
	"rvcore/pagetable"
)

func newTestSpace(t *testing.T) *AddressSpace {
	t.Helper()
	alloc := mem.NewAllocator(64)
	return New(alloc)
}

func TestInsertAndReadWrite(t *testing.T) {
	space := newTestSpace(t)
	if err := space.InsertFramedArea(0x1000, limits.PageSize, PermRead|PermWrite|PermUser); err != 0 {
		t.Fatalf("InsertFramedArea failed: %v", err)
	}
	data := []byte("hello kernel")
	if err := space.UserWriteBytes(0x1000, data); err != 0 {
		t.Fatalf("UserWriteBytes failed: %v", err)
	}
	got, err := space.UserReadBytes(0x1000, len(data))
	if err != 0 {
		t.Fatalf("UserReadBytes failed: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("roundtrip = %q, want %q", got, data)
	}
}

func TestInsertOverlapRejected(t *testing.T) {
	space := newTestSpace(t)
	if err := space.InsertFramedArea(0x2000, limits.PageSize, PermRead|PermUser); err != 0 {
		t.Fatalf("first insert failed: %v", err)
	}
	if err := space.InsertFramedArea(0x2000, limits.PageSize, PermRead|PermUser); err != -defs.EINVAL {
		t.Fatalf("overlapping insert = %v, want -EINVAL", err)
	}
}

func TestRemoveFramedArea(t *testing.T) {
	space := newTestSpace(t)
	if err := space.InsertFramedArea(0x3000, limits.PageSize, PermRead|PermWrite|PermUser); err != 0 {
		t.Fatalf("insert failed: %v", err)
	}
	if err := space.RemoveFramedArea(0x3000, limits.PageSize); err != 0 {
		t.Fatalf("remove failed: %v", err)
	}
	if err := space.RemoveFramedArea(0x3000, limits.PageSize); err != -defs.EINVAL {
		t.Fatalf("double remove = %v, want -EINVAL", err)
	}
	if space.PT.Mapped(pagetable.VpnOf(0x3000)) {
		t.Fatal("page still mapped after remove")
	}
}

func TestRemovePartialRangeSplitsArea(t *testing.T) {
	space := newTestSpace(t)
	if err := space.InsertFramedArea(0x8000, 4*limits.PageSize, PermRead|PermWrite|PermUser); err != 0 {
		t.Fatalf("insert failed: %v", err)
	}
	// Unmap the middle two pages; the outer two must survive.
	if err := space.RemoveFramedArea(0x9000, 2*limits.PageSize); err != 0 {
		t.Fatalf("partial remove failed: %v", err)
	}
	if !space.PT.Mapped(pagetable.VpnOf(0x8000)) || !space.PT.Mapped(pagetable.VpnOf(0xB000)) {
		t.Fatal("pages outside the removed range were unmapped")
	}
	if space.PT.Mapped(pagetable.VpnOf(0x9000)) || space.PT.Mapped(pagetable.VpnOf(0xA000)) {
		t.Fatal("pages inside the removed range are still mapped")
	}
	// The hole is no longer removable, the split halves still are.
	if err := space.RemoveFramedArea(0x9000, limits.PageSize); err != -defs.EINVAL {
		t.Fatalf("remove of hole = %v, want -EINVAL", err)
	}
	if err := space.RemoveFramedArea(0x8000, limits.PageSize); err != 0 {
		t.Fatalf("remove of split head failed: %v", err)
	}
	if err := space.RemoveFramedArea(0xB000, limits.PageSize); err != 0 {
		t.Fatalf("remove of split tail failed: %v", err)
	}
}

func TestUserReadBytesUnmappedFaults(t *testing.T) {
	space := newTestSpace(t)
	if _, err := space.UserReadBytes(0xdead0000, 8); err != -defs.EFAULT {
		t.Fatalf("read from unmapped va = %v, want -EFAULT", err)
	}
}

func TestUserWriteReadOnlyFaults(t *testing.T) {
	space := newTestSpace(t)
	if err := space.InsertFramedArea(0x4000, limits.PageSize, PermRead|PermUser); err != 0 {
		t.Fatalf("insert failed: %v", err)
	}
	if err := space.UserWriteBytes(0x4000, []byte("x")); err != -defs.EFAULT {
		t.Fatalf("write to read-only page = %v, want -EFAULT", err)
	}
}
