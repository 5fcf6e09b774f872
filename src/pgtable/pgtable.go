// Package pgtable is the PageTable/TLB external collaborator named in
// spec.md §1/§6. Reconstructed from the call-site contract visible in
// the teacher's vm/as.go (pmap_walk, Pmap_lookup, Tlbshoot) — those
// functions are referenced there but defined in an unretrieved
// vm/pmap.go, so this package reconstructs their behavior rather than
// adapting a body.
package pgtable

import (
	"sync"

	"weenix/src/defs"
	"weenix/src/mem"
)

// PDE/PTE flag bits, independent of each other (spec.md §6).
const (
	PRESENT = mem.PTE_P
	WRITE   = mem.PTE_W
	USER    = mem.PTE_U
)

// Table is the PageTable/TLB contract consumed by src/vm. A real
// kernel backs it with hardware page tables and IPI-based shootdown;
// SoftTable below is the hosted reference implementation used by
// every test in this module.
type Table interface {
	// Map installs a mapping for virt (a page number) to phys with
	// the given PTE flags, allocating any needed page-table levels
	// from pager. pdFlags are OR'd into every intermediate level.
	Map(virt int, phys mem.Pa_t, pdFlags, pteFlags mem.Pa_t) defs.Err_t
	// Lookup returns the PTE for virt, or ok=false if no mapping
	// (at any level) exists.
	Lookup(virt int) (pte mem.Pa_t, ok bool)
	// Unmap clears the mapping at virt, returning whether one was
	// present.
	Unmap(virt int) bool
	// UnmapRange clears every mapping in [virt, virt+npages).
	UnmapRange(virt, npages int)
	// FlushRange invalidates the TLB for [virt, virt+npages) on
	// every core that has this table installed.
	FlushRange(virt, npages int)
	// FlushAll invalidates the entire TLB for this table.
	FlushAll()
	// InstallRoot marks this table as active on the calling core.
	// The reference implementation is single-address-space-per-Table
	// so this is a no-op validity check.
	InstallRoot()
}

// SoftTable is a software page table: a plain map keyed by virtual
// page number to a PTE value (mem.Pa_t = phys | flags), guarded by a
// mutex exactly as the teacher's Vm_t guards its Pmap_t via
// Lock_pmap/Unlock_pmap (that locking lives one level up, in
// src/vm.Vm — SoftTable itself only needs to be safe for concurrent
// TLB-shootdown bookkeeping).
type SoftTable struct {
	mu      sync.Mutex
	entries map[int]mem.Pa_t
}

func NewSoftTable() *SoftTable {
	return &SoftTable{entries: make(map[int]mem.Pa_t)}
}

func (t *SoftTable) Map(virt int, phys mem.Pa_t, pdFlags, pteFlags mem.Pa_t) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = pdFlags // modeled as always {PRESENT,WRITE,USER} per spec.md §4.3 step 5
	t.entries[virt] = (phys &^ (PRESENT | WRITE | USER)) | pteFlags | PRESENT
	return 0
}

func (t *SoftTable) Lookup(virt int) (mem.Pa_t, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pte, ok := t.entries[virt]
	return pte, ok
}

func (t *SoftTable) Unmap(virt int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[virt]
	delete(t.entries, virt)
	return ok
}

func (t *SoftTable) UnmapRange(virt, npages int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 0; i < npages; i++ {
		delete(t.entries, virt+i)
	}
}

// FlushRange/FlushAll are no-ops: SoftTable has no separate cache to
// invalidate, but callers must still call them at every point spec.md
// requires a flush, since a hardware Table implementation depends on
// it for correctness.
func (t *SoftTable) FlushRange(virt, npages int) {}
func (t *SoftTable) FlushAll()                   {}
func (t *SoftTable) InstallRoot()                {}

// PageOf shifts a byte address down to its page number.
func PageOf(addr int) int { return addr >> int(mem.PGSHIFT) }

// PageDown rounds a byte address down to a page boundary.
func PageDown(addr int) int { return PageOf(addr) << int(mem.PGSHIFT) }
