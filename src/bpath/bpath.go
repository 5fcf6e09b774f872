// Package bpath canonicalizes Ustr paths, reconstructed from its sole
// call site in the teacher's fd/fd.go (Cwd_t.Canonicalpath calls
// bpath.Canonicalize); the package body itself was not part of the
// retrieval.
package bpath

import "weenix/src/ustr"

// Canonicalize resolves "." and ".." components and collapses
// repeated slashes in an absolute path, returning a new Ustr. p must
// be absolute (the caller, fd.Cwd.Fullpath, guarantees this by
// prefixing a relative path with the cwd before calling in).
func Canonicalize(p ustr.Ustr) ustr.Ustr {
	if !p.IsAbsolute() {
		panic("bpath: Canonicalize requires an absolute path")
	}
	parts := splitNonEmpty(p)
	stack := make([]ustr.Ustr, 0, len(parts))
	for _, part := range parts {
		switch {
		case part.Isdot():
			// no-op
		case part.Isdotdot():
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, part)
		}
	}
	if len(stack) == 0 {
		return ustr.MkUstrRoot()
	}
	ret := ustr.MkUstr()
	for _, part := range stack {
		ret = append(ret, '/')
		ret = append(ret, part...)
	}
	return ret
}

func splitNonEmpty(p ustr.Ustr) []ustr.Ustr {
	var parts []ustr.Ustr
	start := -1
	for i := 0; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			if start >= 0 {
				parts = append(parts, p[start:i])
			}
			start = -1
		} else if start < 0 {
			start = i
		}
	}
	return parts
}
