// Package ustr implements the immutable byte-string type used for
// process names and filesystem paths, adapted from the teacher's
// ustr/ustr.go. Extended with New/Printable so process names accepted
// from outside the kernel (proc.Proc.SetName) are validated and
// terminal-safe before they're stored or logged.
package ustr

import "golang.org/x/text/width"

/// Ustr represents an immutable path or string used by the kernel.
type Ustr []uint8

const MaxLen = 255

/// Isdot reports whether the string equals '.'.
func (us Ustr) Isdot() bool {
	return len(us) == 1 && us[0] == '.'
}

/// Isdotdot reports whether the string equals '..'.
func (us Ustr) Isdotdot() bool {
	return len(us) == 2 && us[0] == '.' && us[1] == '.'
}

/// Eq compares two Ustr values for equality.
func (us Ustr) Eq(s Ustr) bool {
	if len(us) != len(s) {
		return false
	}
	for i, v := range us {
		if v != s[i] {
			return false
		}
	}
	return true
}

/// MkUstr creates an empty Ustr value.
func MkUstr() Ustr {
	return Ustr{}
}

/// MkUstrDot returns a Ustr representing '.'.
func MkUstrDot() Ustr {
	return Ustr(".")
}

/// MkUstrRoot returns a Ustr for the root directory '/'.
func MkUstrRoot() Ustr {
	return Ustr("/")
}

/// DotDot is a reusable Ustr containing "..".
var DotDot = Ustr{'.', '.'}

/// MkUstrSlice converts a NUL-terminated byte slice to a Ustr.
func MkUstrSlice(buf []uint8) Ustr {
	for i := 0; i < len(buf); i++ {
		if buf[i] == 0 {
			return buf[:i]
		}
	}
	return buf
}

/// Extend appends '/' and p to the current Ustr and returns the result.
func (us Ustr) Extend(p Ustr) Ustr {
	tmp := make(Ustr, len(us))
	copy(tmp, us)
	r := append(tmp, '/')
	return append(r, p...)
}

/// ExtendStr appends '/' and the string p to the current Ustr.
func (us Ustr) ExtendStr(p string) Ustr {
	return us.Extend(Ustr(p))
}

/// IsAbsolute reports whether the path begins with '/'.
func (us Ustr) IsAbsolute() bool {
	if len(us) == 0 {
		return false
	}
	return us[0] == '/'
}

/// IndexByte returns the index of b in the string or -1 if not present.
func (us Ustr) IndexByte(b uint8) int {
	for i, v := range us {
		if v == b {
			return i
		}
	}
	return -1
}

/// String converts the Ustr to a Go string.
func (us Ustr) String() string {
	return string(us)
}

// New wraps a Go string as a Ustr without copying semantics beyond
// what []byte(string) already requires.
func New(s string) Ustr {
	return Ustr(s)
}

// Printable runs us through golang.org/x/text/width's fullwidth/
// halfwidth folding, the same normalization a terminal-safe kernel log
// line needs, and reports whether the result is unchanged byte-for-
// byte (a name containing exotic width variants is rejected rather
// than silently rewritten, since process names are compared for
// equality elsewhere, e.g. in "ps"-style diagnostics).
func (us Ustr) Printable() bool {
	folded := width.Fold.String(us.String())
	return folded == us.String()
}
