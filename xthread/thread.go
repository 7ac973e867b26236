package xthread

import (
	"runtime"
	"sync/atomic"
)

var nextThreadID atomic.Int64

// Thread wraps a goroutine pinned to its own OS thread via
// runtime.LockOSThread. The constructor blocks on a semaphore until the
// new goroutine has stored its id and adopted its name, so ID is always
// valid the instant New returns.
type Thread struct {
	id   int64
	name string
	done chan struct{}
}

// New starts fn on a new, OS-thread-pinned goroutine named name, and
// blocks until that goroutine is ready to run fn. fn receives the thread's
// own id, the same value ID() will return, so a worker can use it (e.g. as
// a scheduler affinity token) without needing a handle back to its Thread.
func New(name string, fn func(id int64)) *Thread {
	if name == "" {
		name = "UNKNOWN"
	}
	t := &Thread{name: name, done: make(chan struct{})}
	ready := NewSemaphore(0)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		t.id = nextThreadID.Add(1)
		ready.Notify()
		fn(t.id)
		close(t.done)
	}()
	ready.Wait()
	return t
}

// CallerID reserves a thread id for the calling goroutine itself, pinning
// it to its current OS thread via LockOSThread without spawning a new
// goroutine. Used for a scheduler's use_caller thread, which participates
// as a worker on the goroutine that constructed it rather than one New
// spawns.
func CallerID() int64 {
	runtime.LockOSThread()
	return nextThreadID.Add(1)
}

// ID returns the thread's identifier, valid as soon as New returns.
func (t *Thread) ID() int64 { return t.id }

// Name returns the thread's name.
func (t *Thread) Name() string { return t.name }

// Join blocks until fn has returned.
func (t *Thread) Join() { <-t.done }
