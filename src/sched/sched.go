// Package sched implements a cooperative, per-core scheduler with
// slice-backed FIFO run/wait queues and a channel-based run-token
// handoff standing in for a register-level context switch — see
// DESIGN.md for why the latter cannot be ported to hosted Go. The idle
// loop does not wait for a thread to switch away before handing out
// the next token, so more than one thread's goroutine may be running
// on a core at once.
package sched

import (
	"context"
	"sync"

	"weenix/src/kstats"
	"weenix/src/kthread"

	"golang.org/x/sync/errgroup"
)

// Core is a per-core record. Current is a raw, non-owning reference to
// the thread presently running on this core: the core observes it but
// does not keep it alive.
type Core struct {
	ID int

	mu      sync.Mutex // models IPL-HIGH: held only around queue mutation
	runq    []*kthread.Thread
	Current *kthread.Thread

	idleTok chan struct{}
	stats   *kstats.Sched
}

// NewCore constructs an idle core with id, using the given counter set
// (kstats.Global if nil).
func NewCore(id int, stats *kstats.Sched) *Core {
	if stats == nil {
		stats = kstats.Global
	}
	return &Core{ID: id, idleTok: make(chan struct{}, 1), stats: stats}
}

// MakeRunnable appends t to this core's run queue (tail-insert, for
// FIFO ordering) and marks it Runnable.
func (c *Core) MakeRunnable(t *kthread.Thread) {
	t.SetState(kthread.Runnable)
	c.mu.Lock()
	c.runq = append(c.runq, t)
	c.mu.Unlock()
	c.nudge()
}

func (c *Core) nudge() {
	select {
	case c.idleTok <- struct{}{}:
	default:
	}
}

// popRunnable removes and returns the head of the run queue
// (head-remove, tail-insert: FIFO), or nil if empty.
func (c *Core) popRunnable() *kthread.Thread {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.runq) == 0 {
		return nil
	}
	t := c.runq[0]
	c.runq = c.runq[1:]
	return t
}

// Switch performs a cooperative context switch away from the calling
// thread `from`: from gives up its run token and blocks until some
// future MakeRunnable/WakeupOn hands it back. Meanwhile the core picks
// the next runnable thread (or idles) and hands it the CPU.
//
// Instead of saving/restoring registers, the outgoing goroutine parks
// on its own run-token channel and the core unblocks whichever
// goroutine is next by sending on that thread's channel.
func (c *Core) Switch(ctx context.Context, from *kthread.Thread) {
	from.DisablePreemption()
	c.stats.ContextSwitches.Inc()
	c.mu.Lock()
	c.Current = nil
	c.mu.Unlock()
	from.EnablePreemption()

	select {
	case <-from.RunToken():
		// handed the CPU back by MakeRunnable/WakeupOn.
	case <-ctx.Done():
	}
}

// Yield voluntarily gives up the CPU: from is re-enqueued as runnable
// and the calling goroutine blocks until its next turn.
func (c *Core) Yield(ctx context.Context, from *kthread.Thread) {
	c.MakeRunnable(from)
	c.Switch(ctx, from)
}

// WaitQueue is a FIFO of threads parked waiting for some
// condition, woken via WakeupOn/BroadcastOn.
type WaitQueue struct {
	mu      sync.Mutex
	waiters []*kthread.Thread
}

func NewWaitQueue() *WaitQueue { return &WaitQueue{} }

// SleepOn parks `t` on q in an uninterruptible sleep: t will not wake
// until WakeupOn/BroadcastOn delivers its run token, regardless of
// Cancel.
func (c *Core) SleepOn(ctx context.Context, q *WaitQueue, t *kthread.Thread) {
	t.SetState(kthread.Sleep)
	t.ArmSleep()
	t.ParkOn(q)
	q.mu.Lock()
	q.waiters = append(q.waiters, t)
	q.mu.Unlock()
	c.Switch(ctx, t)
}

// CancellableSleepOn parks t on q in state SleepCancellable, but wakes
// it early if Cancel is called on t first. Returns whether t is
// cancelled once it resumes: false after a normal WakeupOn/BroadcastOn
// with no Cancel, true after a Cancel.
func (c *Core) CancellableSleepOn(ctx context.Context, q *WaitQueue, t *kthread.Thread) bool {
	t.SetState(kthread.SleepCancellable)
	t.ArmSleep()
	t.ParkOn(q)
	q.mu.Lock()
	q.waiters = append(q.waiters, t)
	q.mu.Unlock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-t.CancelNotify():
			if !t.TryWake() {
				return
			}
			c.stats.CancelledSleeps.Inc()
			c.removeWaiter(q, t)
			t.ParkOn(nil)
			c.MakeRunnable(t)
		case <-done:
		}
	}()
	c.Switch(ctx, t)
	return t.Cancelled()
}

func (c *Core) removeWaiter(q *WaitQueue, t *kthread.Thread) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, w := range q.waiters {
		if w == t {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}

// WakeupOn wakes the single oldest thread parked on q, if any.
func (c *Core) WakeupOn(q *WaitQueue) {
	q.mu.Lock()
	if len(q.waiters) == 0 {
		q.mu.Unlock()
		return
	}
	t := q.waiters[0]
	q.waiters = q.waiters[1:]
	q.mu.Unlock()
	if !t.TryWake() {
		return
	}
	c.stats.Wakeups.Inc()
	t.ParkOn(nil)
	c.MakeRunnable(t)
}

// BroadcastOn wakes every thread parked on q.
func (c *Core) BroadcastOn(q *WaitQueue) {
	q.mu.Lock()
	all := q.waiters
	q.waiters = nil
	q.mu.Unlock()
	for _, t := range all {
		if !t.TryWake() {
			continue
		}
		c.stats.Wakeups.Inc()
		t.ParkOn(nil)
		c.MakeRunnable(t)
	}
}

// run delivers the CPU to t by depositing a token on its run channel,
// simulating resuming its saved context; t picks the token up in
// Switch. run does not wait for t to switch away again.
func (c *Core) run(t *kthread.Thread) {
	c.mu.Lock()
	c.Current = t
	c.mu.Unlock()
	t.SetState(kthread.OnCPU)
	t.RunToken() <- struct{}{}
}

// IdleLoop is this core's idle thread: repeatedly pop the next
// runnable thread and hand it the CPU, parking on idleTok when the
// queue is empty. Returns when ctx is cancelled.
func (c *Core) IdleLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		t := c.popRunnable()
		if t == nil {
			select {
			case <-c.idleTok:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		c.run(t)
	}
}

// System owns a fixed set of cores and runs their idle loops
// concurrently via golang.org/x/sync/errgroup.
type System struct {
	Cores []*Core
}

// NewSystem constructs ncores idle cores sharing one counter set.
func NewSystem(ncores int, stats *kstats.Sched) *System {
	s := &System{}
	for i := 0; i < ncores; i++ {
		s.Cores = append(s.Cores, NewCore(i, stats))
	}
	return s
}

// RunCores starts every core's idle loop and blocks until ctx is
// cancelled or one core's loop returns a non-context error.
func (s *System) RunCores(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range s.Cores {
		c := c
		g.Go(func() error {
			err := c.IdleLoop(gctx)
			if err == context.Canceled || err == context.DeadlineExceeded {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}
