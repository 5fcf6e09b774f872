// Package kthread implements the kernel-thread control block described
// in spec.md §4.4, adapted from the teacher's tinfo/tinfo.go (thread
// state enum, stack ownership, cancellation flag) with the register
// context replaced by a cooperative run-token (see sched.Core.Switch
// and DESIGN.md's adaptation note) since hosted Go cannot perform a
// hardware context switch.
package kthread

import (
	"sync"
	"sync/atomic"

	"weenix/src/accnt"
	"weenix/src/bounds"
	"weenix/src/defs"
	"weenix/src/res"
	"weenix/src/util"
)

// State enumerates a thread's scheduling state, named to match the
// teacher's tinfo states.
type State int

const (
	NoState State = iota
	Runnable
	OnCPU
	Sleep
	SleepCancellable
	Exited
)

func (s State) String() string {
	switch s {
	case NoState:
		return "NO_STATE"
	case Runnable:
		return "RUNNABLE"
	case OnCPU:
		return "ON_CPU"
	case Sleep:
		return "SLEEP"
	case SleepCancellable:
		return "SLEEP_CANCELLABLE"
	case Exited:
		return "EXITED"
	default:
		return "UNKNOWN"
	}
}

// MinStackSize is the smallest permitted kernel stack size; stacks
// must additionally be a power of two, matching the teacher's
// KSTACK_SIZE invariant.
const MinStackSize = 4096

// Proc is the minimal process-backref contract kthread needs, kept
// narrow so src/proc can satisfy it without an import cycle.
type Proc interface {
	Pid() defs.Pid_t
}

// Thread is a kernel thread's control block: everything the scheduler
// needs to suspend, resume, and eventually destroy it.
type Thread struct {
	accnt.Accnt

	// Process is the owning process. Non-owning: Thread does not
	// keep Process alive by itself (spec.md's per-core ownership
	// note: store backrefs as raw, non-owning references).
	Process Proc

	Tid defs.Tid_t

	// Stack is the thread's kernel stack, sized as a power of two
	// no smaller than MinStackSize.
	Stack []byte

	// Retval is the value Destroy's caller (typically a joiner)
	// observes once the thread has exited.
	Retval int

	state      int32 // atomic State
	cancelled  int32 // atomic bool
	preemptDis int32 // preempt-disable nesting count

	cancelOnce sync.Once
	cancelCh   chan struct{} // closed by Cancel

	// run is the token the scheduler hands this thread to let it
	// proceed; the thread waits for it in sched.Core.Switch.
	// Buffered with room for one token: the idle loop deposits it and
	// moves on, so a thread that never reaches Switch (such as a
	// forked child with no goroutine behind it) cannot block the core.
	run chan struct{}

	// waitCh is the wait-queue channel this thread is parked on
	// while asleep, nil when runnable or running. Set by
	// sched.SleepOn/CancellableSleepOn, cleared on wakeup.
	mu     sync.Mutex
	waitCh interface{}

	// woken guards against a thread being made runnable twice for the
	// same sleep, e.g. a racing wakeup_on and cancellation.
	woken int32
}

// ArmSleep resets the wake guard before a new sleep begins.
func (t *Thread) ArmSleep() {
	atomic.StoreInt32(&t.woken, 0)
}

// TryWake claims the right to wake this thread, returning false if
// something else already claimed it for the current sleep.
func (t *Thread) TryWake() bool {
	return atomic.CompareAndSwapInt32(&t.woken, 0, 1)
}

// Create allocates a new thread for proc with a stack of stackSize
// bytes (rounded up to the next power of two, minimum MinStackSize).
func Create(proc Proc, tid defs.Tid_t, stackSize int) (*Thread, defs.Err_t) {
	if stackSize < MinStackSize {
		stackSize = MinStackSize
	}
	if !util.IsPow2(stackSize) {
		stackSize = nextPow2(stackSize)
	}
	if !res.Resadd_noblock(bounds.B_ASPACE_T_K2USER_INNER) {
		return nil, -defs.ENOHEAP
	}
	t := &Thread{
		Process:  proc,
		Tid:      tid,
		Stack:    make([]byte, stackSize),
		run:      make(chan struct{}, 1),
		cancelCh: make(chan struct{}),
	}
	atomic.StoreInt32(&t.state, int32(NoState))
	return t, 0
}

// nextPow2 returns the smallest power of two no less than v.
func nextPow2(v int) int {
	p := MinStackSize
	for p < v {
		p <<= 1
	}
	return p
}

// Clone creates a new thread sharing proc but with its own stack,
// used by proc.Fork to give the child its initial thread.
func Clone(proc Proc, tid defs.Tid_t, parent *Thread) (*Thread, defs.Err_t) {
	return Create(proc, tid, len(parent.Stack))
}

// State returns the thread's current scheduling state.
func (t *Thread) State() State {
	return State(atomic.LoadInt32(&t.state))
}

// SetState transitions the thread to s.
func (t *Thread) SetState(s State) {
	atomic.StoreInt32(&t.state, int32(s))
}

// Cancel marks the thread for cancellation. A thread parked in a
// cancellable sleep wakes immediately; one in an uninterruptible
// sleep notices only once it next checks Cancelled.
func (t *Thread) Cancel() {
	atomic.StoreInt32(&t.cancelled, 1)
	t.cancelOnce.Do(func() { close(t.cancelCh) })
}

// Cancelled reports whether Cancel has been called on this thread.
func (t *Thread) Cancelled() bool {
	return atomic.LoadInt32(&t.cancelled) != 0
}

// CancelNotify returns a channel that is closed once Cancel is called,
// letting a cancellable sleep wake without polling.
func (t *Thread) CancelNotify() <-chan struct{} {
	return t.cancelCh
}

// DisablePreemption increments the preempt-disable nesting count. A
// thread with a nonzero count must not be switched away from.
func (t *Thread) DisablePreemption() {
	atomic.AddInt32(&t.preemptDis, 1)
}

// EnablePreemption decrements the preempt-disable nesting count.
func (t *Thread) EnablePreemption() {
	if atomic.AddInt32(&t.preemptDis, -1) < 0 {
		panic("kthread: preemption enable without matching disable")
	}
}

// PreemptDisabled reports whether preemption is currently disabled.
func (t *Thread) PreemptDisabled() bool {
	return atomic.LoadInt32(&t.preemptDis) != 0
}

// RunToken returns the channel the scheduler uses to hand this thread
// its turn to run.
func (t *Thread) RunToken() chan struct{} {
	return t.run
}

// ParkOn records which wait channel this thread is blocked on, for
// diagnostics and for sched's wakeup bookkeeping.
func (t *Thread) ParkOn(ch interface{}) {
	t.mu.Lock()
	t.waitCh = ch
	t.mu.Unlock()
}

// ParkedOn returns the wait channel this thread is currently blocked
// on, or nil if none.
func (t *Thread) ParkedOn() interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waitCh
}

// Exit marks the thread exited and records its return value. The
// thread's goroutine must return immediately after calling Exit.
func (t *Thread) Exit(retval int) {
	t.Retval = retval
	t.SetState(Exited)
}

// Destroy releases the thread's stack. Must only be called after the
// thread has exited and been reaped by its joiner.
func (t *Thread) Destroy() {
	if t.State() != Exited {
		panic("kthread: destroy of live thread")
	}
	t.Stack = nil
}
