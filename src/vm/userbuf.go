// Userbuf/Useriovec/Fakeubuf and the K2user/User2k/Userdmap8-style
// copy helpers, adapted from the teacher's vm/userbuf.go. These exist
// because the page-fault handler and VMMap.read/write need somewhere
// to land copied bytes; spec.md's Non-goals exclude a general VFS
// syscall-copy subsystem built on top of them (see SPEC_FULL.md §1).
package vm

import (
	"weenix/src/bounds"
	"weenix/src/defs"
	"weenix/src/mem"
	"weenix/src/res"
)

// Userdmap8 returns the direct-mapped byte slice for the page
// currently backing the user-space page number pgn in vm, faulting
// it in (for writing if forwrite is set) as necessary.
func (vm *Vm) Userdmap8(pgn int, forwrite bool) ([]byte, defs.Err_t) {
	pf, err := vm.fault(pgn, forwrite)
	if err != 0 {
		return nil, err
	}
	return vm.Pager.Dmap(pf.Pa)[:], 0
}

// Userreadn copies n bytes from user address uva into a freshly
// allocated slice (K2user/User2k's "read into kernel" half).
func (vm *Vm) Userreadn(uva, n int) ([]byte, defs.Err_t) {
	out := make([]byte, n)
	if err := vm.readBytes(uva, out); err != 0 {
		return nil, err
	}
	return out, 0
}

// Userwriten copies src into user address uva.
func (vm *Vm) Userwriten(uva int, src []byte) defs.Err_t {
	return vm.writeBytes(uva, src)
}

func (vm *Vm) readBytes(uva int, dst []byte) defs.Err_t {
	off := uva % mem.PGSIZE
	pgn := uva / mem.PGSIZE
	n := len(dst)
	done := 0
	for done < n {
		if !res.Resadd_noblock(bounds.B_USERBUF_T__TX) {
			return -defs.ENOHEAP
		}
		pg, err := vm.Userdmap8(pgn, false)
		if err != 0 {
			return err
		}
		k := copy(dst[done:], pg[off:])
		done += k
		off = 0
		pgn++
	}
	return 0
}

func (vm *Vm) writeBytes(uva int, src []byte) defs.Err_t {
	off := uva % mem.PGSIZE
	pgn := uva / mem.PGSIZE
	n := len(src)
	done := 0
	for done < n {
		if !res.Resadd_noblock(bounds.B_USERBUF_T__TX) {
			return -defs.ENOHEAP
		}
		pg, err := vm.Userdmap8(pgn, true)
		if err != 0 {
			return err
		}
		k := copy(pg[off:], src[done:])
		done += k
		off = 0
		pgn++
	}
	return 0
}

// Userstr reads a NUL-terminated string from user address uva, up to
// maxlen bytes.
func (vm *Vm) Userstr(uva, maxlen int) (string, defs.Err_t) {
	buf := make([]byte, 0, 64)
	pgn := uva / mem.PGSIZE
	off := uva % mem.PGSIZE
	for len(buf) < maxlen {
		if !res.Resadd_noblock(bounds.B_USERBUF_T__TX) {
			return "", -defs.ENOHEAP
		}
		pg, err := vm.Userdmap8(pgn, false)
		if err != 0 {
			return "", err
		}
		for ; off < len(pg) && len(buf) < maxlen; off++ {
			if pg[off] == 0 {
				return string(buf), 0
			}
			buf = append(buf, pg[off])
		}
		off = 0
		pgn++
	}
	return "", -defs.ENAMETOOLONG
}

// Userbuf is a cursor over a user-space byte range, used the way the
// teacher's userspace read/write syscalls stream data page at a time
// without copying the whole range up front.
type Userbuf struct {
	vm      *Vm
	uva     int
	remain  int
	forwrite bool
}

func NewUserbuf(vm *Vm, uva, len int, forwrite bool) *Userbuf {
	return &Userbuf{vm: vm, uva: uva, remain: len, forwrite: forwrite}
}

// Tx transfers up to len(p) bytes between p and the cursor's current
// user-space position: if forwrite, p is written into user space;
// otherwise p is filled from user space. Advances the cursor by the
// number of bytes transferred.
func (u *Userbuf) Tx(p []byte) (int, defs.Err_t) {
	n := len(p)
	if n > u.remain {
		n = u.remain
	}
	if n == 0 {
		return 0, 0
	}
	var err defs.Err_t
	if u.forwrite {
		err = u.vm.writeBytes(u.uva, p[:n])
	} else {
		err = u.vm.readBytes(u.uva, p[:n])
	}
	if err != 0 {
		return 0, err
	}
	u.uva += n
	u.remain -= n
	return n, 0
}

func (u *Userbuf) Remain() int { return u.remain }

// Useriovec adapts a set of discontiguous Userbufs (a user-space
// iovec array) into one logical stream, matching the teacher's
// Useriovec_t.
type Useriovec struct {
	bufs []*Userbuf
	idx  int
}

func NewUseriovec(vm *Vm, addrs []int, lens []int, forwrite bool) (*Useriovec, defs.Err_t) {
	if len(addrs) != len(lens) {
		return nil, -defs.EINVAL
	}
	iov := &Useriovec{}
	for i := range addrs {
		if !res.Resadd_noblock(bounds.B_USERIOVEC_T_IOV_INIT) {
			return nil, -defs.ENOHEAP
		}
		iov.bufs = append(iov.bufs, NewUserbuf(vm, addrs[i], lens[i], forwrite))
	}
	return iov, 0
}

func (iov *Useriovec) Tx(p []byte) (int, defs.Err_t) {
	total := 0
	for len(p) > 0 && iov.idx < len(iov.bufs) {
		if !res.Resadd_noblock(bounds.B_USERIOVEC_T__TX) {
			return total, -defs.ENOHEAP
		}
		b := iov.bufs[iov.idx]
		n, err := b.Tx(p)
		if err != 0 {
			return total, err
		}
		total += n
		p = p[n:]
		if b.Remain() == 0 {
			iov.idx++
		}
		if n == 0 {
			break
		}
	}
	return total, 0
}

// Fakeubuf is an in-kernel stand-in for a Userbuf, backed directly by
// a byte slice rather than user-space pages — used by kernel-internal
// callers (tests, boot-time initialization) that need the Userbuf
// interface without a real address space behind it.
type Fakeubuf struct {
	buf      []byte
	forwrite bool
}

func NewFakeubuf(buf []byte, forwrite bool) *Fakeubuf {
	return &Fakeubuf{buf: buf, forwrite: forwrite}
}

func (f *Fakeubuf) Tx(p []byte) (int, defs.Err_t) {
	var n int
	if f.forwrite {
		n = copy(f.buf, p)
	} else {
		n = copy(p, f.buf)
	}
	f.buf = f.buf[n:]
	return n, 0
}

func (f *Fakeubuf) Remain() int { return len(f.buf) }
