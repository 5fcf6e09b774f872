// Package proc implements Process lifecycle: creation, fork, waitpid,
// exit and reparenting, from spec.md §3/§4.6, adapted from the
// teacher's (unretrieved beyond its go.mod) proc package conventions
// and original_source/kernel/proc/{proc,fork,sched}.c for the
// algorithms spec.md's distillation names but doesn't fully spell out.
package proc

import (
	"context"
	"sync"

	"weenix/src/accnt"
	"weenix/src/defs"
	"weenix/src/fd"
	"weenix/src/kstats"
	"weenix/src/kthread"
	"weenix/src/mem"
	"weenix/src/mobj"
	"weenix/src/pgtable"
	"weenix/src/sched"
	"weenix/src/ustr"
	"weenix/src/vm"
)

// State enumerates a process's lifecycle state.
type State int

const (
	Running State = iota
	Zombie
)

// Proc is a process: spec.md §3's pid, name, parent, children,
// threads, address space, current-working-directory, file-descriptor
// table, brk bounds, exit status and state, plus the wait queue its
// parent blocks on in Waitpid.
type Proc struct {
	accnt.Accnt

	pid    defs.Pid_t
	Name   ustr.Ustr
	Parent *Proc // weak: does not keep the parent alive by itself

	mu       sync.Mutex
	children map[defs.Pid_t]*Proc
	threads  []*kthread.Thread

	Vm  *vm.Vm
	Cwd *fd.Cwd
	Fds *fd.Table

	state  State
	status int

	waitq *sched.WaitQueue
}

func (p *Proc) Pid() defs.Pid_t { return p.pid }

// MainThread returns p's first thread, the one a single-threaded
// caller (such as a Waitpid caller) blocks as.
func (p *Proc) MainThread() *kthread.Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.threads) == 0 {
		return nil
	}
	return p.threads[0]
}

// System owns every live process and the core set that runs them,
// the root object a cmd/weenixctl-style harness boots.
type System struct {
	Sched *sched.System
	Pager mem.Pager

	mu    sync.Mutex
	procs map[defs.Pid_t]*Proc
}

// NewSystem constructs a System with ncores simulated cores sharing
// pager for physical memory.
func NewSystem(ncores int, pager mem.Pager) *System {
	return &System{
		Sched: sched.NewSystem(ncores, kstats.Global),
		Pager: pager,
		procs: make(map[defs.Pid_t]*Proc),
	}
}

// BootInit creates pid 1 (init), the ancestor every orphan is
// reparented to (spec.md §3).
func (s *System) BootInit() (*Proc, defs.Err_t) {
	p := &Proc{
		pid:      defs.PidInit,
		Name:     ustr.New("init"),
		children: make(map[defs.Pid_t]*Proc),
		Fds:      fd.NewTable(),
		waitq:    sched.NewWaitQueue(),
	}
	pmap := pgtable.NewSoftTable()
	p.Vm = vm.NewVm(pmap, s.Pager)
	p.Cwd = fd.MkRootCwd(nil)
	if err := p.Vm.InitBrk(0, s.Pager); err != 0 {
		return nil, err
	}
	t, err := kthread.Create(p, defs.Tid_t(p.pid), kthread.MinStackSize)
	if err != 0 {
		return nil, err
	}
	p.AddThread(t)
	s.mu.Lock()
	s.procs[p.pid] = p
	s.mu.Unlock()
	return p, 0
}

func (s *System) lookup(pid defs.Pid_t) (*Proc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[pid]
	return p, ok
}

func (s *System) initProc() *Proc {
	p, _ := s.lookup(defs.PidInit)
	return p
}

// SetName validates and sets p's process name, running it through
// ustr.Ustr.Printable (folded via golang.org/x/text/width) before
// storing it, matching the teacher's habit of sanitizing any
// user-controlled byte string that ends up in a kernel log line.
func (p *Proc) SetName(n ustr.Ustr) defs.Err_t {
	if !n.Printable() {
		return -defs.EINVAL
	}
	p.mu.Lock()
	p.Name = n
	p.mu.Unlock()
	return 0
}

// Fork implements spec.md §4.6's eight-step fork algorithm:
//  1. allocate a pid for the child
//  2. clone the parent's VMMap (VMArea list; MObj chains not yet
//     reshadowed)
//  3. reshadow every PRIVATE VMArea on *both* sides with a fresh
//     ShadowObject over the area's pre-fork object (the Open Question
//     resolution recorded in DESIGN.md/SPEC_FULL.md §10 — this keeps
//     spec.md §8's chain-termination invariant true at every instant)
//  4. install the reshadowed chains' MObjs into the child's VMAreas
//  5. duplicate the calling thread for the child (kthread.Clone)
//  6. duplicate the file-descriptor table and cwd
//  7. register the child under the parent and in the system's pid
//     table
//  8. make the child's thread runnable and return the child Proc to
//     the caller
func (s *System) Fork(parent *Proc, onChild func(*Proc)) (*Proc, defs.Err_t) {
	pid, err := allocPid()
	if err != 0 {
		return nil, err
	}

	child := &Proc{
		pid:      pid,
		Parent:   parent,
		children: make(map[defs.Pid_t]*Proc),
		waitq:    sched.NewWaitQueue(),
	}

	parent.mu.Lock()
	child.Name = parent.Name
	parentRegion := parent.Vm.Region.Clone()
	parent.mu.Unlock()

	childPmap := pgtable.NewSoftTable()
	child.Vm = vm.NewVm(childPmap, s.Pager)
	child.Vm.Region = parentRegion

	// Reshadow every private area on both sides: child and parent each
	// get their own fresh ShadowObject over the same pre-fork object, so
	// writes in either process diverge through its own COW link rather
	// than sharing one (the Open Question resolution recorded in
	// DESIGN.md/SPEC_FULL.md §10). parentAreas/childAreas are
	// positionally aligned because Clone() preserves area order, and
	// at this point both still reference the identical pre-fork MObj
	// for each matching area (Clone doesn't touch MObj refcounts; this
	// loop is solely responsible for it). Each pre-fork object starts
	// this loop with exactly one live reference (the original area's);
	// after both new shadows take their own references to it via
	// NewShadow, that original reference is retired with one Put so
	// the object's refcount reflects exactly its two new holders, not
	// a phantom third.
	parentAreas := parent.Vm.Region.All()
	childAreas := child.Vm.Region.All()
	for i, cv := range childAreas {
		if cv.Flags != vm.Private {
			// Shared areas keep the same MObj on both sides; the
			// child's copy takes its own reference, which reap releases.
			cv.Obj.Ref()
			continue
		}
		pv := parentAreas[i]
		orig := cv.Obj
		bottom := bottomOf(orig)
		childShadow := mobj.NewShadow(s.Pager, orig, bottom)
		parentShadow := mobj.NewShadow(s.Pager, orig, bottom)
		cv.Obj = childShadow
		pv.Obj = parentShadow
		orig.Put()
	}

	parentThread := parent.threads[0]
	childThread, err := kthread.Clone(child, defs.Tid_t(pid), parentThread)
	if err != 0 {
		freePid(pid)
		return nil, err
	}
	child.threads = append(child.threads, childThread)

	child.Fds = fd.NewTable()
	for i := 0; ; i++ {
		f, ferr := parent.Fds.Get(i)
		if ferr != 0 {
			break
		}
		nf, cerr := fd.Copyfd(f)
		if cerr != 0 {
			continue
		}
		child.Fds.Install(nf)
	}
	child.Cwd = &fd.Cwd{Fd: parent.Cwd.Fd, Path: parent.Cwd.Path}

	parent.mu.Lock()
	parent.children[pid] = child
	parent.mu.Unlock()

	s.mu.Lock()
	s.procs[pid] = child
	s.mu.Unlock()

	kstats.Global.Forks.Inc()

	if onChild != nil {
		onChild(child)
	}
	core := s.Sched.Cores[0]
	core.MakeRunnable(childThread)
	return child, 0
}

// bottomOf returns the terminal non-shadow MObj of a chain, the
// object a new ShadowObject wraps around.
func bottomOf(m mobj.MObj) mobj.MObj {
	if s, ok := m.(*mobj.ShadowObject); ok {
		return s.Bottom()
	}
	return m
}

// AddThread registers t as one of p's threads (used by BootInit-style
// single-threaded construction and by Clone above).
func (p *Proc) AddThread(t *kthread.Thread) {
	p.mu.Lock()
	p.threads = append(p.threads, t)
	p.mu.Unlock()
}

// Exit implements spec.md §4.6's exit path: records status, closes
// the fd table, reparents any remaining children to init, wakes the
// parent's Waitpid, and marks the process a zombie until its parent
// reaps it. The cwd handle is not released.
func (s *System) Exit(p *Proc, status int) {
	p.mu.Lock()
	p.status = status
	p.state = Zombie
	kids := make([]*Proc, 0, len(p.children))
	for _, c := range p.children {
		kids = append(kids, c)
	}
	p.children = nil
	threads := make([]*kthread.Thread, len(p.threads))
	copy(threads, p.threads)
	p.mu.Unlock()

	// Every thread belonging to the exiting process transitions to
	// EXITED here; reap later destroys them once the parent collects
	// the status (spec.md §4.6).
	for _, t := range threads {
		t.Exit(status)
	}

	p.Fds.CloseAll()

	init := s.initProc()
	for _, c := range kids {
		c.mu.Lock()
		c.Parent = init
		c.mu.Unlock()
		if init != nil {
			init.mu.Lock()
			init.children[c.pid] = c
			init.mu.Unlock()
		}
	}

	if p.Parent != nil {
		p.Parent.mu.Lock()
		parentWaitq := p.Parent.waitq
		p.Parent.mu.Unlock()
		core := s.Sched.Cores[0]
		core.BroadcastOn(parentWaitq)
	}
}

// Waitpid implements spec.md §4.6's both target-pid branches:
// pid > 0 waits for that specific child; pid == -1 waits for any
// child. Blocks (cancellably) until a matching child is a zombie,
// then reaps it: merges its accounting into the parent, frees its
// pid, and removes it from the children map.
func (s *System) Waitpid(core *sched.Core, self *kthread.Thread, parent *Proc, pid defs.Pid_t, options int) (defs.Pid_t, int, defs.Err_t) {
	if options != 0 {
		return 0, 0, -defs.ENOSYS
	}
	if pid == 0 || pid < -1 {
		return 0, 0, -defs.ENOSYS
	}
	for {
		parent.mu.Lock()
		var found *Proc
		for _, c := range parent.children {
			if (pid == -1 || c.pid == pid) && c.zombie() {
				found = c
				break
			}
		}
		haveMatching := pid == -1 && len(parent.children) > 0
		if !haveMatching && pid != -1 {
			if _, ok := parent.children[pid]; ok {
				haveMatching = true
			}
		}
		waitq := parent.waitq
		parent.mu.Unlock()

		if found != nil {
			return s.reap(parent, found)
		}
		if !haveMatching {
			return 0, 0, -defs.ECHILD
		}
		if core.CancellableSleepOn(context.Background(), waitq, self) {
			return 0, 0, -defs.EINTR
		}
	}
}

func (p *Proc) zombie() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == Zombie
}

func (s *System) reap(parent, child *Proc) (defs.Pid_t, int, defs.Err_t) {
	parent.mu.Lock()
	delete(parent.children, child.pid)
	parent.mu.Unlock()

	parent.Accnt.Add(&child.Accnt)

	// The child's threads were already transitioned to EXITED by Exit;
	// destroying them here frees their stacks. Releasing every VMArea's
	// MObj reference drops the child's address space chain to zero
	// refcount once no sibling/parent shadow still holds it, returning
	// its physical frames to the pager (spec.md §4.6's "destroy frees
	// threads, address space, page table, and descriptor").
	child.mu.Lock()
	threads := make([]*kthread.Thread, len(child.threads))
	copy(threads, child.threads)
	child.threads = nil
	child.mu.Unlock()
	for _, t := range threads {
		t.Destroy()
	}
	for _, a := range child.Vm.Region.All() {
		a.Obj.Put()
	}

	s.mu.Lock()
	delete(s.procs, child.pid)
	s.mu.Unlock()

	freePid(child.pid)
	kstats.Global.Reaps.Inc()
	return child.pid, child.status, 0
}

// Brk grows or shrinks p's heap, delegating to its address space.
func (p *Proc) Brk(newbrk int) (int, defs.Err_t) {
	return p.Vm.Brk(newbrk)
}
