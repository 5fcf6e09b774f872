package vm

import (
	"testing"

	"weenix/src/defs"
	"weenix/src/mem"
	"weenix/src/mobj"
	"weenix/src/pgtable"
)

func newTestVm(t *testing.T) *Vm {
	t.Helper()
	pager := mem.NewPager(256)
	pmap := pgtable.NewSoftTable()
	return NewVm(pmap, pager)
}

func TestMmapWriteReadRoundTrip(t *testing.T) {
	vm := newTestVm(t)
	v, err := vm.Mmap(0, 2, ProtRead|ProtWrite, MapAnon, nil, 0, LoHi)
	if err != 0 {
		t.Fatalf("Mmap: %d", err)
	}

	src := make([]byte, 2*mem.PGSIZE)
	for i := range src {
		src[i] = byte(i)
	}
	if err := vm.Write(v.Start, 2, src); err != 0 {
		t.Fatalf("Write: %d", err)
	}

	dst := make([]byte, 2*mem.PGSIZE)
	if err := vm.Read(v.Start, 2, dst); err != 0 {
		t.Fatalf("Read: %d", err)
	}
	for i := range src {
		if dst[i] != src[i] {
			t.Fatalf("byte %d = %d, want %d", i, dst[i], src[i])
		}
	}
}

func TestMunmapThenFaultIsEFAULT(t *testing.T) {
	vm := newTestVm(t)
	v, err := vm.Mmap(0, 1, ProtRead|ProtWrite, MapAnon, nil, 0, LoHi)
	if err != 0 {
		t.Fatalf("Mmap: %d", err)
	}
	buf := make([]byte, mem.PGSIZE)
	if err := vm.Write(v.Start, 1, buf); err != 0 {
		t.Fatalf("Write before unmap: %d", err)
	}

	if err := vm.Munmap(v.Start, 1); err != 0 {
		t.Fatalf("Munmap: %d", err)
	}
	if err := vm.Read(v.Start, 1, buf); err != -defs.EFAULT {
		t.Fatalf("Read after munmap = %d, want EFAULT", err)
	}

	// Unmapping an already-unmapped range is a no-op success.
	if err := vm.Munmap(v.Start, 1); err != 0 {
		t.Fatalf("Munmap of already-unmapped range: %d", err)
	}
}

func TestMmapFixedEvictsExisting(t *testing.T) {
	vm := newTestVm(t)
	first, err := vm.Mmap(10, 4, ProtRead|ProtWrite, MapAnon, nil, 0, LoHi)
	if err != 0 || first.Start != 10 {
		t.Fatalf("Mmap first: start=%d err=%d", first.Start, err)
	}

	buf := make([]byte, mem.PGSIZE)
	if err := vm.Write(10, 1, buf); err != 0 {
		t.Fatalf("Write first: %d", err)
	}

	second, err := vm.Mmap(10, 2, ProtRead|ProtWrite, MapAnon|MapFixed, nil, 0, LoHi)
	if err != 0 {
		t.Fatalf("Mmap fixed: %d", err)
	}
	if second.Start != 10 || second.Npages != 2 {
		t.Fatalf("fixed mapping = {%d,%d}, want {10,2}", second.Start, second.Npages)
	}

	for _, a := range vm.Region.All() {
		if a.Start < 12 && a.Start+a.Npages > 10 && a.Obj != second.Obj {
			t.Fatalf("old mapping at %d..%d survived the FIXED mmap", a.Start, a.end())
		}
	}
}

func TestRemoveRangeFourWayTransform(t *testing.T) {
	r := NewVmregion()
	pager := mem.NewPager(64)
	mk := func(start, npages int) *Vminfo {
		v := &Vminfo{Start: start, Npages: npages, Prot: ProtRead | ProtWrite, Flags: Private, Obj: mobj.NewAnon(pager)}
		if err := r.Insert(v); err != 0 {
			t.Fatalf("Insert(%d,%d): %d", start, npages, err)
		}
		return v
	}

	contained := mk(10, 2)   // [10,12): fully removed by [8,12)
	headOverlap := mk(5, 5)  // [5,10): removal of [8,12) eats tail -> [5,8)
	split := mk(20, 10)      // [20,30): removal of [22,26) splits it
	tailOverlap := mk(40, 5) // removal of [38,42) eats head -> [42,45)
	untouched := mk(100, 3)

	removed := r.RemoveRange(8, 4)
	if len(removed) != 1 || removed[0] != contained {
		t.Fatalf("expected exactly the contained area detached, got %v", removed)
	}
	if headOverlap.Start != 5 || headOverlap.Npages != 3 {
		t.Fatalf("head-overlap area = {%d,%d}, want {5,3}", headOverlap.Start, headOverlap.Npages)
	}

	split2 := r.RemoveRange(22, 4)
	if len(split2) != 0 {
		t.Fatalf("interior split must not detach anything, got %v", split2)
	}
	remaining := r.All()
	var foundHead, foundTail bool
	for _, a := range remaining {
		if a.Start == 20 && a.Npages == 2 {
			foundHead = true
		}
		if a.Start == 26 && a.Npages == 4 {
			foundTail = true
			if a.Off != split.Off+6 {
				t.Fatalf("split tail offset = %d, want %d", a.Off, split.Off+6)
			}
		}
	}
	if !foundHead || !foundTail {
		t.Fatalf("interior split did not produce both halves: %+v", remaining)
	}

	r.RemoveRange(38, 4)
	if tailOverlap.Start != 42 || tailOverlap.Npages != 3 {
		t.Fatalf("tail-overlap area = {%d,%d}, want {42,3}", tailOverlap.Start, tailOverlap.Npages)
	}

	found := false
	for _, a := range r.All() {
		if a == untouched {
			found = true
		}
	}
	if !found {
		t.Fatalf("untouched area outside any removed range disappeared")
	}
}

func TestMmapHiLoPlacesHighestFitWithoutOverlap(t *testing.T) {
	vm := newTestVm(t)
	// Reserve a 10-page gap between two fixed areas: [10,20) free,
	// bounded by areas at 6..10 and 20..24.
	if _, err := vm.Mmap(6, 4, ProtRead|ProtWrite, MapAnon|MapFixed, nil, 0, LoHi); err != 0 {
		t.Fatalf("Mmap low fixed: %d", err)
	}
	if _, err := vm.Mmap(20, 4, ProtRead|ProtWrite, MapAnon|MapFixed, nil, 0, LoHi); err != 0 {
		t.Fatalf("Mmap high fixed: %d", err)
	}

	v, err := vm.Mmap(0, 4, ProtRead|ProtWrite, MapAnon, nil, 0, HiLo)
	if err != 0 {
		t.Fatalf("Mmap HiLo: %d", err)
	}
	if v.Start != 16 {
		t.Fatalf("HiLo placement = %d, want 16 (highest fit within [10,20))", v.Start)
	}
	if v.end() > 20 {
		t.Fatalf("HiLo placement {%d,%d} overlaps the area starting at 20", v.Start, v.Npages)
	}
}

func TestBrkGrowAndShrink(t *testing.T) {
	vm := newTestVm(t)
	const start = 0x1000
	if err := vm.InitBrk(start, vm.Pager); err != 0 {
		t.Fatalf("InitBrk: %d", err)
	}

	grown, err := vm.Brk(start + mem.PGSIZE + 10)
	if err != 0 {
		t.Fatalf("Brk grow: %d", err)
	}
	if grown != start+mem.PGSIZE+10 {
		t.Fatalf("Brk grow returned %d, want %d", grown, start+mem.PGSIZE+10)
	}

	buf := make([]byte, mem.PGSIZE)
	heapPage := pgtable.PageOf(start)
	if err := vm.Write(heapPage, 1, buf); err != 0 {
		t.Fatalf("write into grown heap: %d", err)
	}
	if err := vm.Write(heapPage+1, 1, buf); err != 0 {
		t.Fatalf("write into second grown heap page: %d", err)
	}

	shrunk, err := vm.Brk(start)
	if err != 0 {
		t.Fatalf("Brk shrink: %d", err)
	}
	if shrunk != start {
		t.Fatalf("Brk shrink returned %d, want %d", shrunk, start)
	}

	if err := vm.Write(heapPage+1, 1, buf); err != -defs.EFAULT {
		t.Fatalf("write after shrink = %d, want EFAULT", err)
	}
}
