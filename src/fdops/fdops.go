// Package fdops defines the external VFS-collaborator contracts named
// in spec.md §1 ("file/vnode handles, block I/O"): the interfaces that
// src/fd, src/mobj and src/vm consume without implementing a
// filesystem themselves. Reconstructed from the usage contract in the
// teacher's fd/fd.go (Fops.Reopen/Fops.Close) and circbuf/circbuf.go
// (Disk_i-shaped block reads).
package fdops

import "weenix/src/defs"

// Fdops_i is the operation set every open file descriptor exposes.
// Named to match the teacher's Fdops_i exactly.
type Fdops_i interface {
	Close() defs.Err_t
	Reopen() defs.Err_t
}

// File is the vnode-level contract a file-backed memory object needs:
// enough to fault pages in and, for shared mappings, write them back.
// Page numbers are relative to the start of the file.
type File interface {
	Fdops_i
	// ReadPage fills buf (one mem.PGSIZE page) from file page pgn.
	ReadPage(pgn int, buf []byte) defs.Err_t
	// WritePage writes buf back to file page pgn. Only called for
	// SHARED mappings; PRIVATE mappings never call WritePage.
	WritePage(pgn int, buf []byte) defs.Err_t
	// Size reports the file's length in pages.
	Size() int
}

// BlockDevice is the analogous contract for a block-device-backed
// memory object, keyed by device id (defs.Mkdev) rather than a file.
type BlockDevice interface {
	Fdops_i
	ReadBlock(blockno int, buf []byte) defs.Err_t
	WriteBlock(blockno int, buf []byte) defs.Err_t
	Dev() uint
}
