// Package klog implements a page-backed ring buffer for early kernel
// logging, adapted from the teacher's circbuf/circbuf.go (same
// head/tail/full bookkeeping), but backed by mem.Pager pages instead
// of a raw byte slice so it shares the physical-memory allocator with
// the rest of the kernel.
package klog

import (
	"fmt"
	"sync"

	"weenix/src/defs"
	"weenix/src/mem"
)

// Ring is a fixed-capacity circular log buffer backed by physical
// pages obtained from a mem.Pager.
type Ring struct {
	mu     sync.Mutex
	pager  mem.Pager
	pages  []mem.Pa_t
	cap    int
	head   int
	tail   int
	length int
}

// New allocates npages pages from pager to back the ring.
func New(pager mem.Pager, npages int) (*Ring, defs.Err_t) {
	if npages <= 0 {
		return nil, -defs.EINVAL
	}
	r := &Ring{pager: pager, cap: npages * mem.PGSIZE}
	for i := 0; i < npages; i++ {
		_, pa, ok := pager.Alloc()
		if !ok {
			for _, p := range r.pages {
				pager.Refdown(p)
			}
			return nil, -defs.ENOMEM
		}
		r.pages = append(r.pages, pa)
	}
	return r, 0
}

func (r *Ring) byteAt(off int) *byte {
	pg := r.pager.Dmap(r.pages[off/mem.PGSIZE])
	return &pg[off%mem.PGSIZE]
}

// Write appends b to the ring, overwriting the oldest bytes once full.
func (r *Ring) Write(b []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range b {
		*r.byteAt(r.tail) = c
		r.tail = (r.tail + 1) % r.cap
		if r.length == r.cap {
			r.head = (r.head + 1) % r.cap
		} else {
			r.length++
		}
	}
}

// Writef is a convenience wrapper matching the teacher's habit of
// logging with a format string directly.
func (r *Ring) Writef(format string, args ...interface{}) {
	r.Write([]byte(fmt.Sprintf(format, args...)))
}

// Bytes returns a copy of the currently buffered contents, oldest
// byte first.
func (r *Ring) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, r.length)
	for i := 0; i < r.length; i++ {
		out[i] = *r.byteAt((r.head + i) % r.cap)
	}
	return out
}

// Len reports the number of buffered bytes.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.length
}
