package route

import (
	"sync"
	"sync/atomic"
)

// Recorder collects the destinations a traversal would contact, in place
// of contacting them. One Recorder belongs to exactly one traversal: the
// admin driver creates it, attaches it to a synthetic request, runs Route,
// then calls Wait. It must not be reused afterwards.
//
// The pending counter is the completion barrier for asynchronous
// sub-resolutions. It starts at one for the driver's own participation.
// A node that defers part of its resolution to a detached task calls Pend
// before starting that task and Done once the task has had its chance to
// register. Wait releases the driver's unit first and then blocks; because
// every Pend happens while the count is still above zero, the counter can
// never transiently hit zero before a nested registration lands.
type Recorder struct {
	pending atomic.Int64
	done    chan struct{}

	mu    sync.Mutex
	dests []string
}

// NewRecorder returns a Recorder whose pending count already includes the
// driver's own unit.
func NewRecorder() *Recorder {
	r := &Recorder{done: make(chan struct{})}
	r.pending.Store(1)
	return r
}

// Record appends a destination identifier. Duplicates are preserved: a
// destination reached through several branches appears once per branch.
func (r *Recorder) Record(dest string) {
	r.mu.Lock()
	r.dests = append(r.dests, dest)
	r.mu.Unlock()
}

// Pend adds one unit of pending asynchronous work. Call it strictly before
// handing work to another task, never from within that task.
func (r *Recorder) Pend() {
	r.pending.Add(1)
}

// Done retires one unit of pending work. The unit's registrations must
// already have happened.
func (r *Recorder) Done() {
	switch n := r.pending.Add(-1); {
	case n == 0:
		close(r.done)
	case n < 0:
		panic("route: Recorder.Done without matching Pend")
	}
}

// Wait retires the driver's own unit, blocks until all pending work has
// resolved, and returns the destinations in registration order. The
// returned slice is owned by the caller; the Recorder is spent.
func (r *Recorder) Wait() []string {
	// Own unit goes first. Doing it after the barrier would deadlock;
	// doing it without holding a unit during the traversal would let the
	// counter touch zero before nested work registers.
	r.Done()
	<-r.done

	r.mu.Lock()
	dests := r.dests
	r.dests = nil
	r.mu.Unlock()
	return dests
}
