// Package mobj implements the memory-object hierarchy: AnonObject,
// ShadowObject, FileObject, BlockDevObject, all sharing a
// resident-pframe cache built on src/hashtable instead of a plain map
// plus mutex, since concurrent page lookups are exactly the shape that
// table was built for.
package mobj

import (
	"sync"

	"weenix/src/bounds"
	"weenix/src/defs"
	"weenix/src/fdops"
	"weenix/src/hashtable"
	"weenix/src/mem"
	"weenix/src/res"
)

// Kind distinguishes the four MObj kinds.
type Kind int

const (
	Anon Kind = iota
	Shadow
	File
	BlockDev
)

// PFrame is a single resident physical frame backing one page of a
// memory object, guarded by its own mutex so faulting threads don't
// serialize on the whole object while I/O is in flight.
type PFrame struct {
	mu      sync.Mutex
	Pagenum int
	Pa      mem.Pa_t
	dirty   bool
}

func (pf *PFrame) Lock()   { pf.mu.Lock() }
func (pf *PFrame) Unlock() { pf.mu.Unlock() }

// MObj is the common memory-object contract every VMArea's MObj chain
// link satisfies.
type MObj interface {
	// GetPframe returns the resident frame for pagenum, faulting it
	// in via FillPframe if not yet resident. forwrite indicates the
	// fault was a write, needed by ShadowObject to decide whether to
	// copy-on-write at this level or delegate further down the chain.
	GetPframe(pagenum int, forwrite bool) (*PFrame, defs.Err_t)
	// FillPframe populates pf's physical page with this object's
	// data for pf.Pagenum.
	FillPframe(pf *PFrame) defs.Err_t
	// FlushPframe writes pf back to backing storage, if applicable.
	FlushPframe(pf *PFrame) defs.Err_t
	// Ref bumps the object's refcount.
	Ref()
	// Put drops the object's refcount, running its destructor at zero.
	Put()
	Kind() Kind
}

// base is embedded by every concrete MObj kind and supplies the
// resident-pframe table, refcount and pager all four kinds need.
type base struct {
	mu     sync.Mutex
	pager  mem.Pager
	refcnt int32
	frames *hashtable.Table[int, *PFrame]
}

func newBase(pager mem.Pager) base {
	return base{
		pager:  pager,
		refcnt: 1,
		frames: hashtable.New[int, *PFrame](32, hashtable.IntHasher),
	}
}

func (b *base) Ref() {
	b.mu.Lock()
	b.refcnt++
	b.mu.Unlock()
}

// put decrements the refcount and reports whether it hit zero, the
// signal for the caller's destructor to run.
func (b *base) put() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refcnt--
	if b.refcnt < 0 {
		panic("mobj: refcount underflow")
	}
	return b.refcnt == 0
}

func (b *base) frame(pagenum int) (*PFrame, bool) {
	return b.frames.Get(pagenum)
}

func (b *base) insert(pf *PFrame) {
	b.frames.Set(pf.Pagenum, pf)
}

// getOrFill is the shared "look up resident, else allocate and fill"
// sequence AnonObject/FileObject/BlockDevObject all perform identically;
// only ShadowObject's GetPframe differs (it may walk the chain).
func getOrFill(b *base, self MObj, pagenum int) (*PFrame, defs.Err_t) {
	if pf, ok := b.frame(pagenum); ok {
		return pf, 0
	}
	_, pa, ok := b.pager.Alloc()
	if !ok {
		return nil, -defs.ENOMEM
	}
	pf := &PFrame{Pagenum: pagenum, Pa: pa}
	if err := self.FillPframe(pf); err != 0 {
		b.pager.Refdown(pa)
		return nil, err
	}
	b.insert(pf)
	return pf, 0
}

// --- AnonObject ---------------------------------------------------

// AnonObject is anonymous, zero-fill-on-demand memory: FillPframe
// zeroes the page, FlushPframe is a no-op since it has no backing
// store.
type AnonObject struct {
	base
}

func NewAnon(pager mem.Pager) *AnonObject {
	return &AnonObject{base: newBase(pager)}
}

func (a *AnonObject) Kind() Kind { return Anon }

func (a *AnonObject) GetPframe(pagenum int, forwrite bool) (*PFrame, defs.Err_t) {
	return getOrFill(&a.base, a, pagenum)
}

func (a *AnonObject) FillPframe(pf *PFrame) defs.Err_t {
	pg := a.pager.Dmap(pf.Pa)
	for i := range pg {
		pg[i] = 0
	}
	return 0
}

func (a *AnonObject) FlushPframe(pf *PFrame) defs.Err_t { return 0 }

func (a *AnonObject) Put() {
	if a.put() {
		a.frames.Iter(func(_ int, pf *PFrame) bool {
			a.pager.Refdown(pf.Pa)
			return false
		})
	}
}

// --- ShadowObject ---------------------------------------------------

// ShadowObject interposes copy-on-write sharing between a VMArea and
// the bottom-most object it was cloned from. A
// read walks the chain iteratively (never recursively, guarded by
// res.Resadd_noblock/bounds.B_SHADOW_CHAIN_WALK) until it finds a
// resident frame or reaches bottom; a write always fills locally,
// copying the data found down-chain.
type ShadowObject struct {
	base
	shadowed MObj // next link down the chain (may itself be a ShadowObject)
	bottom   MObj // strong ref to the terminal non-shadow object
}

func NewShadow(pager mem.Pager, shadowed, bottom MObj) *ShadowObject {
	shadowed.Ref()
	bottom.Ref()
	return &ShadowObject{base: newBase(pager), shadowed: shadowed, bottom: bottom}
}

func (s *ShadowObject) Kind() Kind { return Shadow }

// Bottom returns the terminal non-shadow object this chain link
// ultimately rests on, used by proc.Fork to give a fresh ShadowObject
// wrapped around this one the same bottom.
func (s *ShadowObject) Bottom() MObj { return s.bottom }

func (s *ShadowObject) GetPframe(pagenum int, forwrite bool) (*PFrame, defs.Err_t) {
	if pf, ok := s.frame(pagenum); ok {
		return pf, 0
	}
	if !forwrite {
		// A read may be satisfiable by walking down to whichever
		// ancestor already has the page resident, without copying. If
		// nothing is resident anywhere in the chain, delegate the read
		// straight to bottom rather than materializing a local copy:
		// only a write may force a private copy into this shadow.
		pf, ok, err := s.findResidentDown(pagenum)
		if err != 0 {
			return nil, err
		}
		if ok {
			return pf, 0
		}
		return s.bottom.GetPframe(pagenum, false)
	}
	return getOrFill(&s.base, s, pagenum)
}

// findResidentDown iteratively walks the shadow chain looking for an
// already-resident copy of pagenum, charging the resource budget per
// hop so a pathological fork-bomb chain cannot spin forever. The
// budget running out is distinct from genuinely reaching bottom
// without finding the page: the former must propagate ENOHEAP rather
// than be mistaken for "nothing resident, fall back to bottom", which
// would silently substitute bottom's freshly-derived data for
// whatever this walk didn't have budget left to find.
func (s *ShadowObject) findResidentDown(pagenum int) (*PFrame, bool, defs.Err_t) {
	var cur MObj = s.shadowed
	for {
		if !res.Resadd_noblock(bounds.B_SHADOW_CHAIN_WALK) {
			return nil, false, -defs.ENOHEAP
		}
		so, ok := cur.(*ShadowObject)
		if !ok {
			break
		}
		if pf, ok := so.frame(pagenum); ok {
			return pf, true, 0
		}
		cur = so.shadowed
	}
	if fr, ok := cur.(framer); ok {
		if pf, ok := fr.frame(pagenum); ok {
			return pf, true, 0
		}
	}
	return nil, false, 0
}

// framer is satisfied by any terminal (non-shadow) MObj kind via its
// embedded base, letting findResidentDown check residency generically
// instead of type-switching over every concrete bottom kind.
type framer interface {
	frame(pagenum int) (*PFrame, bool)
}

// FillPframe copies pagenum's data from the nearest resident ancestor,
// or from bottom's own fill if nothing down-chain is resident yet.
func (s *ShadowObject) FillPframe(pf *PFrame) defs.Err_t {
	src, ok, err := s.findResidentDown(pf.Pagenum)
	if err != 0 {
		return err
	}
	if ok {
		src.Lock()
		copy(s.pager.Dmap(pf.Pa)[:], s.pager.Dmap(src.Pa)[:])
		src.Unlock()
		return 0
	}
	tmp := &PFrame{Pagenum: pf.Pagenum, Pa: pf.Pa}
	return s.bottom.FillPframe(tmp)
}

func (s *ShadowObject) FlushPframe(pf *PFrame) defs.Err_t { return 0 }

func (s *ShadowObject) Put() {
	if s.put() {
		s.frames.Iter(func(_ int, pf *PFrame) bool {
			s.pager.Refdown(pf.Pa)
			return false
		})
		s.shadowed.Put()
		s.bottom.Put()
	}
}

// Collapse merges s's single shadowed link into s directly when s is
// the only remaining reference to it, shortening the chain. Safe to
// call opportunistically; it is not required for correctness, only to
// bound chain length after repeated forks.
func (s *ShadowObject) Collapse() {
	child, ok := s.shadowed.(*ShadowObject)
	if !ok {
		return
	}
	child.mu.Lock()
	solelyOwned := child.refcnt == 1
	child.mu.Unlock()
	if !solelyOwned {
		return
	}
	child.frames.Iter(func(pn int, pf *PFrame) bool {
		if _, ok := s.frame(pn); !ok {
			s.insert(pf)
		} else {
			s.pager.Refdown(pf.Pa)
		}
		return false
	})

	// Repoint s directly at child's shadowed link: child's own
	// reference to it transfers to s (no net refcount change on
	// `next`), then child's single remaining reference — the one s
	// itself held via s.shadowed == child — is retired. child.put
	// (not the full Put) is correct here: the frame migration and the
	// shadowed transfer above have already done everything child's
	// destructor would otherwise do except release its bottom
	// reference, which is released explicitly below.
	next := child.shadowed
	childBottom := child.bottom
	s.mu.Lock()
	s.shadowed = next
	s.mu.Unlock()
	child.put()
	childBottom.Put()
}

// --- FileObject ---------------------------------------------------

// FileObject backs a file-mapped VMArea: FillPframe reads through the
// vnode, FlushPframe writes back only for SHARED mappings (callers
// never invoke it for PRIVATE ones, which rely on copy-on-write via a
// ShadowObject above this link instead).
type FileObject struct {
	base
	f      fdops.File
	Shared bool
}

func NewFile(pager mem.Pager, f fdops.File, shared bool) *FileObject {
	return &FileObject{base: newBase(pager), f: f, Shared: shared}
}

func (fo *FileObject) Kind() Kind { return File }

func (fo *FileObject) GetPframe(pagenum int, forwrite bool) (*PFrame, defs.Err_t) {
	return getOrFill(&fo.base, fo, pagenum)
}

func (fo *FileObject) FillPframe(pf *PFrame) defs.Err_t {
	return fo.f.ReadPage(pf.Pagenum, fo.pager.Dmap(pf.Pa)[:])
}

func (fo *FileObject) FlushPframe(pf *PFrame) defs.Err_t {
	if !fo.Shared {
		return 0
	}
	return fo.f.WritePage(pf.Pagenum, fo.pager.Dmap(pf.Pa)[:])
}

func (fo *FileObject) Put() {
	if fo.put() {
		fo.frames.Iter(func(_ int, pf *PFrame) bool {
			if fo.Shared {
				fo.FlushPframe(pf)
			}
			fo.pager.Refdown(pf.Pa)
			return false
		})
		fo.f.Close()
	}
}

// --- BlockDevObject ---------------------------------------------------

// BlockDevObject backs a raw block-device mapping, analogous to
// FileObject but keyed by block number over a fdops.BlockDevice
// handle.
type BlockDevObject struct {
	base
	dev fdops.BlockDevice
}

func NewBlockDev(pager mem.Pager, dev fdops.BlockDevice) *BlockDevObject {
	return &BlockDevObject{base: newBase(pager), dev: dev}
}

func (bo *BlockDevObject) Kind() Kind { return BlockDev }

func (bo *BlockDevObject) GetPframe(pagenum int, forwrite bool) (*PFrame, defs.Err_t) {
	return getOrFill(&bo.base, bo, pagenum)
}

func (bo *BlockDevObject) FillPframe(pf *PFrame) defs.Err_t {
	return bo.dev.ReadBlock(pf.Pagenum, bo.pager.Dmap(pf.Pa)[:])
}

func (bo *BlockDevObject) FlushPframe(pf *PFrame) defs.Err_t {
	return bo.dev.WriteBlock(pf.Pagenum, bo.pager.Dmap(pf.Pa)[:])
}

func (bo *BlockDevObject) Put() {
	if bo.put() {
		bo.frames.Iter(func(_ int, pf *PFrame) bool {
			bo.FlushPframe(pf)
			bo.pager.Refdown(pf.Pa)
			return false
		})
		bo.dev.Close()
	}
}
