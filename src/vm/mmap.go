// Mmap/Munmap implement VMMap's `map`/`remove` entry points
// (spec.md §4.2) at the Vm level: constructing the backing MObj
// (anonymous or file-backed), placing the VMArea, and — for Munmap —
// walking every overlapping area via Vmregion.RemoveRange, unmapping
// PTEs and releasing MObj references.
package vm

import (
	"weenix/src/defs"
	"weenix/src/fdops"
	"weenix/src/mobj"
)

// Direction controls where Map/FindRange places a new area when no
// fixed hint is given: LoHi returns the lowest free gap, HiLo the
// highest (spec.md §4.2's find_range).
type Direction int

const (
	LoHi Direction = iota
	HiLo
)

// Mmap flags: independent bits passed to Mmap, distinct from the
// Private/Shared kind stored on the resulting Vminfo (MapShared
// selects which kind to record; MapAnon/MapFixed have no Vminfo-level
// counterpart).
const (
	MapAnon   = 1 << 0
	MapFixed  = 1 << 1
	MapShared = 1 << 2
)

// Mmap places a new mapping of npages pages with the given protection
// and flags. If file is non-nil and MapAnon is not set, the mapping is
// file-backed starting at object page fileOff; otherwise it is backed
// by a fresh AnonObject. hint is a placement hint (a page number);
// if MapFixed is set, hint is mandatory and any existing mapping
// occupying that exact range is first unmapped (spec.md §4.2/test
// scenario 6: a FIXED mmap evicts whatever was there).
func (vm *Vm) Mmap(hint, npages int, prot, flags int, file fdops.File, fileOff int, dir Direction) (*Vminfo, defs.Err_t) {
	if npages <= 0 {
		return nil, -defs.EINVAL
	}

	var obj mobj.MObj
	if flags&MapAnon != 0 || file == nil {
		obj = mobj.NewAnon(vm.Pager)
	} else {
		obj = mobj.NewFile(vm.Pager, file, flags&MapShared != 0)
	}

	sharing := Private
	if flags&MapShared != 0 {
		sharing = Shared
	}

	if flags&MapFixed != 0 {
		if !vm.Region.IsRangeEmpty(hint, npages) {
			vm.munmapLocked(hint, npages)
		}
		v := &Vminfo{Start: hint, Npages: npages, Prot: prot, Flags: sharing, Obj: obj, Off: fileOff}
		if err := vm.Region.Insert(v); err != 0 {
			obj.Put()
			return nil, err
		}
		return v, 0
	}

	start := vm.Region.findFree(hint, npages, dir)
	v := &Vminfo{Start: start, Npages: npages, Prot: prot, Flags: sharing, Obj: obj, Off: fileOff}
	if err := vm.Region.Insert(v); err != 0 {
		obj.Put()
		return nil, err
	}
	return v, 0
}

// findFree is Vmregion's find_range (spec.md §4.2): first-fit search
// for a gap of npages pages, honoring hint as a lower bound for LoHi
// or ignored for HiLo (which returns the highest fitting gap between
// existing areas, sized from its end).
func (r *Vmregion) findFree(hint, npages int, dir Direction) int {
	if dir == LoHi {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.findFreeLocked(hint, npages)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// HiLo: scan the gaps below each area and keep the highest one big
	// enough.
	prev := 0
	best := -1
	for _, a := range r.areas {
		if a.Start-prev >= npages {
			best = a.Start - npages
		}
		prev = a.end()
	}
	// Only when no such gap fits is the open space after the last area
	// used, starting right at its end; it is unbounded in this
	// reference address space (no clipping to USER_HIGH here).
	if best < 0 {
		best = prev
	}
	return best
}

// Munmap unmaps [start, start+npages), applying RemoveRange's
// four-way overlap transform to every affected area, releasing the
// MObj reference of every area fully detached, and unmapping+flushing
// the corresponding PTEs. Unmapping an already-unmapped range is a
// no-op success (spec.md §8's idempotence property).
func (vm *Vm) Munmap(start, npages int) defs.Err_t {
	vm.munmapLocked(start, npages)
	return 0
}

func (vm *Vm) munmapLocked(start, npages int) {
	released := vm.Region.RemoveRange(start, npages)
	vm.LockPmap()
	vm.Pmap.UnmapRange(start, npages)
	vm.Pmap.FlushRange(start, npages)
	vm.UnlockPmap()
	for _, v := range released {
		v.Obj.Put()
	}
}
