// allocPid collapses concurrent pid-allocation attempts from multiple
// cores onto a single winner via golang.org/x/sync/singleflight,
// mirroring the pattern the rest of the retrieval pack's consumption
// tooling uses to coordinate concurrent callers (biscuit itself
// open-codes this with per-CPU lock-free counters; singleflight is
// the idiomatic Go-ecosystem equivalent for this simulated harness).
package proc

import (
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"weenix/src/defs"
	"weenix/src/limits"
)

var (
	pidGroup singleflight.Group
	nextPid  int64 = int64(defs.PidInit) + 1
)

// allocPid reserves the next free pid and charges it against
// limits.Syslimit.Sysprocs, returning -defs.ENOMEM if the system-wide
// process cap is already exhausted.
func allocPid() (defs.Pid_t, defs.Err_t) {
	if !limits.Syslimit.Sysprocs.Take() {
		return 0, -defs.ENOMEM
	}
	// The singleflight key is constant: every caller is contending
	// for "the next pid", not a keyed resource, so collapsing on a
	// fixed key serializes concurrent allocators onto one winner per
	// in-flight call while still letting independent calls proceed
	// back-to-back.
	v, err, _ := pidGroup.Do("next", func() (interface{}, error) {
		return atomic.AddInt64(&nextPid, 1) - 1, nil
	})
	if err != nil {
		limits.Syslimit.Sysprocs.Give()
		return 0, -defs.ENOMEM
	}
	return defs.Pid_t(v.(int64)), 0
}

// freePid returns a pid's slot in the system process cap once its
// process has been fully reaped.
func freePid(pid defs.Pid_t) {
	_ = pid
	limits.Syslimit.Sysprocs.Give()
}
