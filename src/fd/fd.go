// Package fd implements the per-process file-descriptor table and
// current-working-directory handle that spec.md §3 lists as Process
// attributes ("current working directory and file-descriptor table
// (owned, released at cleanup)"), adapted from the teacher's
// fd/fd.go.
package fd

import (
	"sync"

	"weenix/src/bpath"
	"weenix/src/defs"
	"weenix/src/fdops"
	"weenix/src/ustr"
)

/// File descriptor permission bits.
const (
	FD_READ    = 0x1 /// read permission
	FD_WRITE   = 0x2 /// write permission
	FD_CLOEXEC = 0x4 /// close-on-exec flag
)

/// Fd represents an open file descriptor.
type Fd struct {
	// Fops is an interface implemented via a pointer receiver,
	// thus a reference, not a value.
	Fops  fdops.Fdops_i
	Perms int
}

/// Copyfd duplicates an open file descriptor by reopening it.
func Copyfd(f *Fd) (*Fd, defs.Err_t) {
	nfd := &Fd{}
	*nfd = *f
	if err := nfd.Fops.Reopen(); err != 0 {
		return nil, err
	}
	return nfd, 0
}

/// ClosePanic closes the descriptor and panics on failure; used for
/// descriptors the kernel itself owns and whose Close cannot
/// legitimately fail.
func ClosePanic(f *Fd) {
	if f.Fops.Close() != 0 {
		panic("fd: close must succeed")
	}
}

/// Cwd tracks the current working directory for a process.
type Cwd struct {
	sync.Mutex // serializes concurrent chdirs
	Fd   *Fd
	Path ustr.Ustr
}

/// Fullpath joins cwd with p if p is not already absolute.
func (cwd *Cwd) Fullpath(p ustr.Ustr) ustr.Ustr {
	if p.IsAbsolute() {
		return p
	}
	return cwd.Path.Extend(p)
}

/// Canonicalpath resolves path components relative to cwd.
func (cwd *Cwd) Canonicalpath(p ustr.Ustr) ustr.Ustr {
	return bpath.Canonicalize(cwd.Fullpath(p))
}

/// MkRootCwd constructs a Cwd rooted at "/".
func MkRootCwd(f *Fd) *Cwd {
	return &Cwd{Fd: f, Path: ustr.MkUstrRoot()}
}

// Table is a process's file-descriptor table: a dense slot array plus
// a free list, released wholesale at process cleanup (spec.md §3,
// §4.6 "release VFS resources").
type Table struct {
	mu   sync.Mutex
	fds  []*Fd
	free []int
}

// NewTable returns an empty file-descriptor table.
func NewTable() *Table {
	return &Table{}
}

// Install adds f to the table and returns its descriptor number.
func (t *Table) Install(f *Fd) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.free); n > 0 {
		idx := t.free[n-1]
		t.free = t.free[:n-1]
		t.fds[idx] = f
		return idx
	}
	t.fds = append(t.fds, f)
	return len(t.fds) - 1
}

// Get returns the descriptor at idx, or BAD_FD if absent.
func (t *Table) Get(idx int) (*Fd, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < 0 || idx >= len(t.fds) || t.fds[idx] == nil {
		return nil, -defs.EBADF
	}
	return t.fds[idx], 0
}

// Close removes and closes the descriptor at idx.
func (t *Table) Close(idx int) defs.Err_t {
	t.mu.Lock()
	f := (*Fd)(nil)
	if idx >= 0 && idx < len(t.fds) {
		f = t.fds[idx]
		t.fds[idx] = nil
		t.free = append(t.free, idx)
	}
	t.mu.Unlock()
	if f == nil {
		return -defs.EBADF
	}
	return f.Fops.Close()
}

// CloseAll releases every open descriptor, used at process cleanup.
func (t *Table) CloseAll() {
	t.mu.Lock()
	fds := t.fds
	t.fds = nil
	t.free = nil
	t.mu.Unlock()
	for _, f := range fds {
		if f != nil {
			f.Fops.Close()
		}
	}
}
