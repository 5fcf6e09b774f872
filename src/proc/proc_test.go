package proc

import (
	"context"
	"testing"
	"time"

	"weenix/src/defs"
	"weenix/src/kthread"
	"weenix/src/mem"
	"weenix/src/vm"
)

func newTestSystem(t *testing.T) (*System, *Proc) {
	t.Helper()
	s, _ := newTestSystemWithPager(t)
	return s, mustInit(t, s)
}

func newTestSystemWithPager(t *testing.T) (*System, *mem.Physmem) {
	t.Helper()
	pager := mem.NewPager(512)
	return NewSystem(1, pager), pager
}

func mustInit(t *testing.T, s *System) *Proc {
	t.Helper()
	init, err := s.BootInit()
	if err != 0 {
		t.Fatalf("BootInit: %d", err)
	}
	return init
}

func TestForkWriteDivergence(t *testing.T) {
	// spec.md §8 scenario 1 at the process level: parent mmaps a
	// private page, forks, and each side's subsequent write is
	// invisible to the other.
	s, parent := newTestSystem(t)

	v, err := parent.Vm.Mmap(0, 1, vm.ProtRead|vm.ProtWrite, vm.MapAnon, nil, 0, vm.LoHi)
	if err != 0 {
		t.Fatalf("Mmap: %d", err)
	}
	zero := make([]byte, mem.PGSIZE)
	if err := parent.Vm.Write(v.Start, 1, zero); err != 0 {
		t.Fatalf("initial write: %d", err)
	}

	child, err := s.Fork(parent, nil)
	if err != 0 {
		t.Fatalf("Fork: %d", err)
	}

	parentBuf := make([]byte, mem.PGSIZE)
	for i := range parentBuf {
		parentBuf[i] = 0xAA
	}
	if err := parent.Vm.Write(v.Start, 1, parentBuf); err != 0 {
		t.Fatalf("parent write: %d", err)
	}

	childBuf := make([]byte, mem.PGSIZE)
	for i := range childBuf {
		childBuf[i] = 0xBB
	}
	if err := child.Vm.Write(v.Start, 1, childBuf); err != 0 {
		t.Fatalf("child write: %d", err)
	}

	parentOut := make([]byte, mem.PGSIZE)
	if err := parent.Vm.Read(v.Start, 1, parentOut); err != 0 {
		t.Fatalf("parent read: %d", err)
	}
	childOut := make([]byte, mem.PGSIZE)
	if err := child.Vm.Read(v.Start, 1, childOut); err != 0 {
		t.Fatalf("child read: %d", err)
	}

	if parentOut[0] != 0xAA {
		t.Fatalf("parent page[0] = %#x, want 0xAA", parentOut[0])
	}
	if childOut[0] != 0xBB {
		t.Fatalf("child page[0] = %#x, want 0xBB", childOut[0])
	}
}

func TestWaitpidAnyReapsBothChildrenThenECHILD(t *testing.T) {
	// spec.md §8 scenario 4: waitpid(-1) reaps whichever child is
	// already a zombie, in either order, and the call after both are
	// reaped returns NO_CHILD.
	s, parent := newTestSystem(t)
	core := s.Sched.Cores[0]
	self := parent.MainThread()

	c1, err := s.Fork(parent, nil)
	if err != 0 {
		t.Fatalf("fork c1: %d", err)
	}
	c2, err := s.Fork(parent, nil)
	if err != 0 {
		t.Fatalf("fork c2: %d", err)
	}

	s.Exit(c1, 7)
	s.Exit(c2, 9)

	seen := map[defs.Pid_t]int{}
	for i := 0; i < 2; i++ {
		pid, status, werr := s.Waitpid(core, self, parent, -1, 0)
		if werr != 0 {
			t.Fatalf("Waitpid #%d: %d", i, werr)
		}
		seen[pid] = status
	}
	if seen[c1.Pid()] != 7 {
		t.Fatalf("child1 status = %d, want 7", seen[c1.Pid()])
	}
	if seen[c2.Pid()] != 9 {
		t.Fatalf("child2 status = %d, want 9", seen[c2.Pid()])
	}

	if _, _, werr := s.Waitpid(core, self, parent, -1, 0); werr != -defs.ECHILD {
		t.Fatalf("third Waitpid(-1) = %d, want ECHILD", werr)
	}
}

func TestWaitpidBlocksUntilChildExits(t *testing.T) {
	s, parent := newTestSystem(t)
	core := s.Sched.Cores[0]
	self := parent.MainThread()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go core.IdleLoop(ctx)

	child, err := s.Fork(parent, nil)
	if err != 0 {
		t.Fatalf("fork: %d", err)
	}

	result := make(chan defs.Pid_t, 1)
	go func() {
		pid, _, werr := s.Waitpid(core, self, parent, child.Pid(), 0)
		if werr != 0 {
			t.Errorf("Waitpid: %d", werr)
			return
		}
		result <- pid
	}()

	// Give the waiter a moment to actually park before exiting the
	// child, so this exercises the blocking path rather than racing a
	// pre-existing zombie.
	time.Sleep(20 * time.Millisecond)
	s.Exit(child, 3)

	select {
	case pid := <-result:
		if pid != child.Pid() {
			t.Fatalf("reaped pid = %d, want %d", pid, child.Pid())
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for blocked Waitpid to return")
	}
}

func TestWaitpidSpecificPidNotAChildIsECHILD(t *testing.T) {
	s, parent := newTestSystem(t)
	core := s.Sched.Cores[0]
	self := parent.MainThread()

	if _, _, werr := s.Waitpid(core, self, parent, 9999, 0); werr != -defs.ECHILD {
		t.Fatalf("Waitpid on non-child pid = %d, want ECHILD", werr)
	}
}

func TestWaitpidRejectsBadOptionsAndPid(t *testing.T) {
	s, parent := newTestSystem(t)
	core := s.Sched.Cores[0]
	self := parent.MainThread()

	if _, _, werr := s.Waitpid(core, self, parent, -1, 1); werr != -defs.ENOSYS {
		t.Fatalf("Waitpid with nonzero options = %d, want ENOSYS", werr)
	}
	if _, _, werr := s.Waitpid(core, self, parent, 0, 0); werr != -defs.ENOSYS {
		t.Fatalf("Waitpid(pid=0) = %d, want ENOSYS", werr)
	}
	if _, _, werr := s.Waitpid(core, self, parent, -2, 0); werr != -defs.ENOSYS {
		t.Fatalf("Waitpid(pid<-1) = %d, want ENOSYS", werr)
	}
}

func TestExitTransitionsThreadsToExited(t *testing.T) {
	// spec.md §4.6/§8: a dying process's threads move to EXITED as
	// part of Exit, before the parent ever reaps it.
	s, parent := newTestSystem(t)
	child, err := s.Fork(parent, nil)
	if err != 0 {
		t.Fatalf("Fork: %d", err)
	}
	thread := child.MainThread()
	if thread.State() == kthread.Exited {
		t.Fatalf("thread already exited before Exit was called")
	}

	s.Exit(child, 5)

	if got := thread.State(); got != kthread.Exited {
		t.Fatalf("thread state after Exit = %v, want EXITED", got)
	}
}

func TestReapDestroysThreadsAndFreesAddressSpace(t *testing.T) {
	// spec.md §4.6: reap destroys the dead process's threads and
	// releases its address space; a private anonymous mapping's frames
	// must come back to the pager once the last reference (the reaped
	// child's own shadow) is released.
	s, pager := newTestSystemWithPager(t)
	parent := mustInit(t, s)
	core := s.Sched.Cores[0]
	self := parent.MainThread()

	v, err := parent.Vm.Mmap(0, 1, vm.ProtRead|vm.ProtWrite, vm.MapAnon, nil, 0, vm.LoHi)
	if err != 0 {
		t.Fatalf("Mmap: %d", err)
	}

	child, err := s.Fork(parent, nil)
	if err != 0 {
		t.Fatalf("Fork: %d", err)
	}
	childThread := child.MainThread()

	before := pager.Free()
	buf := make([]byte, mem.PGSIZE)
	if err := child.Vm.Write(v.Start, 1, buf); err != 0 {
		t.Fatalf("child write: %d", err)
	}
	if pager.Free() == before {
		t.Fatalf("expected the child's write to consume a private frame")
	}

	s.Exit(child, 0)
	if _, _, werr := s.Waitpid(core, self, parent, child.Pid(), 0); werr != 0 {
		t.Fatalf("Waitpid: %d", werr)
	}

	if got := childThread.State(); got != kthread.Exited {
		t.Fatalf("reaped thread state = %v, want EXITED", got)
	}
	if pager.Free() != before {
		t.Fatalf("reap did not release the child's address-space frames: free=%d, want %d", pager.Free(), before)
	}
}
