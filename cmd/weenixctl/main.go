// Command weenixctl is a small demonstration harness: it boots a
// proc.System, forks a handful of children that immediately exit with
// distinct statuses, reaps them via waitpid(-1), and prints the
// results — useful as an executable demonstration of fork/wait/VM
// without real hardware. Follows the teacher's own convention for a
// package-main command under src/<tool> (see e.g. biscuit/src/mkfs):
// plain os.Args/fmt, no flag package.
package main

import (
	"context"
	"fmt"
	"os"

	"weenix/src/defs"
	"weenix/src/mem"
	"weenix/src/proc"
)

func main() {
	nchildren := 3
	if len(os.Args) > 1 {
		fmt.Sscanf(os.Args[1], "%d", &nchildren)
	}

	pager := mem.NewPager(4096)
	sys := proc.NewSystem(1, pager)

	init, err := sys.BootInit()
	if err != 0 {
		fmt.Fprintf(os.Stderr, "weenixctl: boot init failed: %d\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sys.Sched.RunCores(ctx)
	}()
	defer cancel()

	core := sys.Sched.Cores[0]

	for i := 0; i < nchildren; i++ {
		status := i
		child, ferr := sys.Fork(init, nil)
		if ferr != 0 {
			fmt.Fprintf(os.Stderr, "weenixctl: fork %d failed: %d\n", i, ferr)
			continue
		}
		go func(c *proc.Proc, st int) {
			sys.Exit(c, st)
		}(child, status)
	}

	self := init.MainThread()
	for i := 0; i < nchildren; i++ {
		pid, status, werr := sys.Waitpid(core, self, init, defs.Pid_t(-1), 0)
		if werr != 0 {
			fmt.Fprintf(os.Stderr, "weenixctl: waitpid failed: %d\n", werr)
			break
		}
		fmt.Printf("reaped pid=%d status=%d\n", pid, status)
	}
}
