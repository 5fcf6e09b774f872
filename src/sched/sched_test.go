package sched

import (
	"context"
	"testing"
	"time"

	"weenix/src/defs"
	"weenix/src/kthread"
)

type dummyProc struct{ pid defs.Pid_t }

func (d dummyProc) Pid() defs.Pid_t { return d.pid }

func newTestThread(t *testing.T, pid int) *kthread.Thread {
	t.Helper()
	th, err := kthread.Create(dummyProc{pid: defs.Pid_t(pid)}, defs.Tid_t(pid), kthread.MinStackSize)
	if err != 0 {
		t.Fatalf("kthread.Create: %d", err)
	}
	return th
}

// waitUntilQueued polls q until it holds exactly n waiters or the
// deadline passes, since enqueue happens inside SleepOn/
// CancellableSleepOn asynchronously relative to the test goroutine
// that triggers wakeup/cancel.
func waitUntilQueued(t *testing.T, q *WaitQueue, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		q.mu.Lock()
		l := len(q.waiters)
		q.mu.Unlock()
		if l == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d waiters on queue", n)
}

func TestBroadcastWakeupScenario(t *testing.T) {
	// spec.md §8 scenario 2: three threads sleep_on(Q); broadcast_on(Q)
	// runs all three exactly once and empties Q.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	core := NewCore(0, nil)
	go core.IdleLoop(ctx)

	q := NewWaitQueue()
	const n = 3
	ran := make(chan int, n)
	for i := 0; i < n; i++ {
		th := newTestThread(t, i+2)
		go func(idx int, th *kthread.Thread) {
			core.SleepOn(ctx, q, th)
			ran <- idx
		}(i, th)
	}

	waitUntilQueued(t, q, n)
	core.BroadcastOn(q)

	seen := map[int]bool{}
	for i := 0; i < n; i++ {
		select {
		case idx := <-ran:
			if seen[idx] {
				t.Fatalf("thread %d ran more than once", idx)
			}
			seen[idx] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for thread %d/%d to run", i+1, n)
		}
	}

	q.mu.Lock()
	remaining := len(q.waiters)
	q.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("queue has %d waiters after broadcast, want 0", remaining)
	}
}

func TestCancellableSleepInterrupted(t *testing.T) {
	// spec.md §8 scenario 3: T calls cancellable_sleep_on(Q); cancel(T)
	// returns it INTERRUPTED and off the queue.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	core := NewCore(0, nil)
	go core.IdleLoop(ctx)

	q := NewWaitQueue()
	th := newTestThread(t, 5)
	result := make(chan bool, 1)
	go func() {
		result <- core.CancellableSleepOn(ctx, q, th)
	}()

	waitUntilQueued(t, q, 1)
	th.Cancel()

	select {
	case interrupted := <-result:
		if !interrupted {
			t.Fatalf("CancellableSleepOn returned false (not interrupted) after Cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for cancelled sleep to return")
	}

	q.mu.Lock()
	remaining := len(q.waiters)
	q.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("cancelled thread still on queue: %d waiters", remaining)
	}
}

func TestSleepOnIsUninterruptible(t *testing.T) {
	// An uninterruptible sleeper must not wake on Cancel; only a
	// subsequent WakeupOn/BroadcastOn releases it.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	core := NewCore(0, nil)
	go core.IdleLoop(ctx)

	q := NewWaitQueue()
	th := newTestThread(t, 6)
	done := make(chan struct{})
	go func() {
		core.SleepOn(ctx, q, th)
		close(done)
	}()

	waitUntilQueued(t, q, 1)
	th.Cancel()

	select {
	case <-done:
		t.Fatalf("uninterruptible sleeper woke on Cancel")
	case <-time.After(100 * time.Millisecond):
	}

	core.WakeupOn(q)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for WakeupOn to release the sleeper")
	}
}

func TestWakeupOnIsFIFO(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	core := NewCore(0, nil)
	go core.IdleLoop(ctx)

	q := NewWaitQueue()
	const n = 4
	order := make(chan int, n)
	for i := 0; i < n; i++ {
		th := newTestThread(t, i+10)
		go func(idx int, th *kthread.Thread) {
			core.SleepOn(ctx, q, th)
			order <- idx
		}(i, th)
		// Enqueue sequentially so FIFO order is deterministic: wait
		// for each thread to park before starting the next.
		waitUntilQueued(t, q, i+1)
	}

	for i := 0; i < n; i++ {
		core.WakeupOn(q)
		select {
		case idx := <-order:
			if idx != i {
				t.Fatalf("wakeup order[%d] = %d, want %d (FIFO)", i, idx, i)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for FIFO wakeup %d", i)
		}
	}
}
