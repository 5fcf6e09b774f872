// Brk restores the heap-growth operation original_source/kernel/vm/brk.c
// implements but spec.md's distillation only names via the
// start_brk/brk process attributes, never giving its algorithm.
package vm

import (
	"weenix/src/defs"
	"weenix/src/mem"
	"weenix/src/mobj"
	"weenix/src/pgtable"
)

// InitBrk establishes the heap VMArea: an anonymous, private mapping
// of zero pages starting at startBrk, grown in place by Brk.
func (vm *Vm) InitBrk(startBrk int, pager mem.Pager) defs.Err_t {
	vm.startBrk = startBrk
	vm.brk = startBrk
	heap := mobj.NewAnon(pager)
	startPage := pgtable.PageOf(startBrk)
	v := &Vminfo{Start: startPage, Npages: 0, Prot: ProtRead | ProtWrite, Flags: Private, Obj: heap}
	return vm.Region.Insert(v)
}

// Brk grows or shrinks the heap to end at newbrk (a byte address),
// matching Weenix's original do_brk: on growth, the heap VMArea is
// extended by however many whole pages newbrk now spans; on shrink,
// pages beyond the new break are unmapped and their TLB entries
// flushed. Returns the resulting break address.
func (vm *Vm) Brk(newbrk int) (int, defs.Err_t) {
	if newbrk < vm.startBrk {
		return vm.brk, -defs.EINVAL
	}
	heapPage := pgtable.PageOf(vm.startBrk)
	v, ok := vm.Region.FindByStart(heapPage)
	if !ok {
		return vm.brk, -defs.EINVAL
	}

	oldNpages := v.Npages
	var newNpages int
	if newbrk != vm.startBrk {
		newNpages = (newbrk - pgtable.PageDown(vm.startBrk) + mem.PGSIZE - 1) / mem.PGSIZE
	}

	if newNpages < oldNpages {
		vm.LockPmap()
		vm.Pmap.UnmapRange(heapPage+newNpages, oldNpages-newNpages)
		vm.Pmap.FlushRange(heapPage+newNpages, oldNpages-newNpages)
		vm.UnlockPmap()
	}
	v.Npages = newNpages
	vm.brk = newbrk
	return vm.brk, 0
}

// StartBrk reports the heap's fixed starting address.
func (vm *Vm) StartBrk() int { return vm.startBrk }

// CurBrk reports the heap's current end address.
func (vm *Vm) CurBrk() int { return vm.brk }
