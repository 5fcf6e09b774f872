// Package mem is the physical page allocator: page supply, refcounting,
// and the direct map, backed by a refcounted free list over a host
// memory arena.
package mem

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

/// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

/// PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

/// PGOFFSET masks offsets within a page.
const PGOFFSET Pa_t = 0xfff

/// PGMASK masks the page number of an address.
const PGMASK Pa_t = ^(PGOFFSET)

// PTE flag bits, independent and ORed together.
const (
	PTE_P   Pa_t = 1 << 0 /// present
	PTE_W   Pa_t = 1 << 1 /// writable
	PTE_U   Pa_t = 1 << 2 /// user-accessible
	PTE_COW Pa_t = 1 << 9 /// software-defined: page is copy-on-write
	PTE_ADDR Pa_t = PGMASK
)

/// Pa_t represents a physical address (or, ORed with flag bits, a PTE value).
type Pa_t uintptr

/// Pg_t is a page-sized byte buffer.
type Pg_t [PGSIZE]byte

// Pager is the PageAllocator contract every other module consumes.
// A real kernel backs it with hardware frames; this module's
// reference implementation (Physmem) backs it with host memory.
type Pager interface {
	// Alloc returns a fresh zero-filled page and its physical
	// address, bumping its refcount to 1.
	Alloc() (*Pg_t, Pa_t, bool)
	// AllocNoZero is like Alloc but leaves the page's contents
	// unspecified (the caller is about to overwrite it).
	AllocNoZero() (*Pg_t, Pa_t, bool)
	// Refup increments p's refcount.
	Refup(p Pa_t)
	// Refdown decrements p's refcount, freeing it at zero. Reports
	// whether the page was freed.
	Refdown(p Pa_t) bool
	// Refcnt reports p's current refcount.
	Refcnt(p Pa_t) int
	// Dmap returns the direct-mapped page for physical address p.
	Dmap(p Pa_t) *Pg_t
	// Zero is the shared, refcounted, read-only zero page.
	Zero() Pa_t
}

type physpg struct {
	refcnt int32
	nexti  uint32
}

// Physmem is the reference Pager implementation: a host-memory arena
// with a refcounted free list, a single shared free list rather than
// per-core ones since there's no real cross-core contention to avoid
// here.
type Physmem struct {
	mu      sync.Mutex
	pgs     []physpg
	backing []Pg_t
	freei   uint32
	freelen int32
	zero    Pa_t
}

const freeListEnd = ^uint32(0)

// NewPager allocates an arena of npages pages and returns a ready
// Pager, with the shared zero page already carved out. npages (at
// least 2) is used as given; the host's real page size, read via
// golang.org/x/sys/unix, is only reported in the log line.
func NewPager(npages int) *Physmem {
	if npages < 2 {
		npages = 2
	}
	hostpg := unix.Getpagesize()
	if hostpg <= 0 {
		hostpg = PGSIZE
	}
	_ = hostpg // host page size only informs the log line below

	phys := &Physmem{
		pgs:     make([]physpg, npages),
		backing: make([]Pg_t, npages),
	}
	for i := 0; i < npages-1; i++ {
		phys.pgs[i].nexti = uint32(i + 1)
	}
	phys.pgs[npages-1].nexti = freeListEnd
	phys.freei = 0
	phys.freelen = int32(npages)

	pg, p, ok := phys._new()
	if !ok {
		panic("NewPager: could not carve zero page")
	}
	for i := range pg {
		pg[i] = 0
	}
	phys.zero = p
	fmt.Printf("mem: reserved %d pages (host pagesize %d)\n", npages, hostpg)
	return phys
}

func (phys *Physmem) idx(p Pa_t) uint32 {
	return uint32(uintptr(p))
}

func (phys *Physmem) _new() (*Pg_t, Pa_t, bool) {
	phys.mu.Lock()
	defer phys.mu.Unlock()
	if phys.freei == freeListEnd {
		return nil, 0, false
	}
	idx := phys.freei
	phys.freei = phys.pgs[idx].nexti
	phys.freelen--
	phys.pgs[idx].refcnt = 1
	return &phys.backing[idx], Pa_t(idx), true
}

func (phys *Physmem) Alloc() (*Pg_t, Pa_t, bool) {
	pg, p, ok := phys._new()
	if !ok {
		return nil, 0, false
	}
	for i := range pg {
		pg[i] = 0
	}
	return pg, p, true
}

func (phys *Physmem) AllocNoZero() (*Pg_t, Pa_t, bool) {
	return phys._new()
}

func (phys *Physmem) Refup(p Pa_t) {
	idx := phys.idx(p)
	c := atomic.AddInt32(&phys.pgs[idx].refcnt, 1)
	if c <= 0 {
		panic("mem: refup on freed page")
	}
}

func (phys *Physmem) Refdown(p Pa_t) bool {
	idx := phys.idx(p)
	c := atomic.AddInt32(&phys.pgs[idx].refcnt, -1)
	if c < 0 {
		panic("mem: refdown underflow")
	}
	if c != 0 {
		return false
	}
	phys.mu.Lock()
	phys.pgs[idx].nexti = phys.freei
	phys.freei = idx
	phys.freelen++
	phys.mu.Unlock()
	return true
}

func (phys *Physmem) Refcnt(p Pa_t) int {
	return int(atomic.LoadInt32(&phys.pgs[phys.idx(p)].refcnt))
}

func (phys *Physmem) Dmap(p Pa_t) *Pg_t {
	return &phys.backing[phys.idx(p)]
}

func (phys *Physmem) Zero() Pa_t {
	return phys.zero
}

// Free reports the number of currently unallocated pages, for tests
// and diagnostics.
func (phys *Physmem) Free() int {
	phys.mu.Lock()
	defer phys.mu.Unlock()
	return int(phys.freelen)
}
