// Package oom implements an out-of-memory notification channel: a
// single request/response rendezvous a frame-starved allocator can use
// to ask a reclaimer to free pages and report back how many it managed
// to free. Nothing in this module (mem.Physmem included) uses it.
package oom

// Msg is a request to free approximately Need pages, with Resume
// receiving the count actually freed once the reclaimer replies.
type Msg struct {
	Need   int
	Resume chan int
}

// Ch is the rendezvous channel between a starved allocator and
// whatever reclaim loop is listening.
type Ch chan Msg

// Make returns a fresh, unbuffered OOM channel.
func Make() Ch {
	return make(Ch)
}

// Request blocks until something on the other end of ch services a
// request to reclaim need pages, and returns how many it freed.
func Request(ch Ch, need int) int {
	resume := make(chan int, 1)
	ch <- Msg{Need: need, Resume: resume}
	return <-resume
}

// Serve drains one OOM request from ch, calls reclaim(msg.Need), and
// reports the freed count back to the waiter. Intended to run in a
// loop from the thread that owns the Pager being drained.
func Serve(ch Ch, reclaim func(need int) int) {
	msg := <-ch
	freed := reclaim(msg.Need)
	msg.Resume <- freed
}
