// Package accnt accumulates per-thread and per-process CPU-time
// accounting, adapted from the teacher's accnt/accnt.go.
package accnt

import (
	"sync"
	"sync/atomic"
	"time"
)

// Accnt accumulates user/system nanoseconds consumed. The embedded
// mutex lets callers take a consistent snapshot when exporting usage.
type Accnt struct {
	/// Userns is nanoseconds of user time consumed.
	Userns int64
	/// Sysns is nanoseconds of system time consumed.
	Sysns int64
	sync.Mutex
}

/// Utadd adds delta nanoseconds to the user-time counter.
func (a *Accnt) Utadd(delta int64) {
	atomic.AddInt64(&a.Userns, delta)
}

/// Systadd adds delta nanoseconds to the system-time counter.
func (a *Accnt) Systadd(delta int64) {
	atomic.AddInt64(&a.Sysns, delta)
}

/// Now returns the current time in nanoseconds since the Unix epoch.
func (a *Accnt) Now() int64 {
	return time.Now().UnixNano()
}

/// IoTime removes time spent waiting for I/O from system time.
func (a *Accnt) IoTime(since int64) {
	a.Systadd(since - a.Now())
}

/// SleepTime removes time spent sleeping from system time. Nothing in
/// sched calls it; Core.Switch does no time accounting.
func (a *Accnt) SleepTime(since int64) {
	a.Systadd(since - a.Now())
}

/// Finish finalizes accounting by adding time since start to system time.
func (a *Accnt) Finish(start int64) {
	a.Systadd(a.Now() - start)
}

/// Add merges another accounting record into this one, used when a
/// reaped child's usage is folded into its parent.
func (a *Accnt) Add(n *Accnt) {
	n.Lock()
	un, sn := n.Userns, n.Sysns
	n.Unlock()
	a.Lock()
	a.Userns += un
	a.Sysns += sn
	a.Unlock()
}

// Rusage is a snapshot of accounted time, in the style of a POSIX
// rusage's ru_utime/ru_stime pair.
type Rusage struct {
	UserSecs, UserUsecs int64
	SysSecs, SysUsecs   int64
}

/// Fetch returns a consistent snapshot of the accounting information.
func (a *Accnt) Fetch() Rusage {
	a.Lock()
	defer a.Unlock()
	return a.toRusage()
}

func (a *Accnt) toRusage() Rusage {
	totv := func(nano int64) (int64, int64) {
		return nano / 1e9, (nano % 1e9) / 1000
	}
	us, uu := totv(a.Userns)
	ss, su := totv(a.Sysns)
	return Rusage{UserSecs: us, UserUsecs: uu, SysSecs: ss, SysUsecs: su}
}

// Bytes encodes the snapshot the way the teacher's To_rusage encodes
// four 8-byte words (user secs, user usecs, sys secs, sys usecs) —
// kept for parity even though nothing in this module copies it to a
// userspace buffer (no VFS syscall ABI in scope).
func (r Rusage) Bytes() []byte {
	ret := make([]byte, 4*8)
	put := func(off int, v int64) {
		for i := 0; i < 8; i++ {
			ret[off+i] = byte(v >> (8 * i))
		}
	}
	put(0, r.UserSecs)
	put(8, r.UserUsecs)
	put(16, r.SysSecs)
	put(24, r.SysUsecs)
	return ret
}
