// Package fiber implements a stackful-coroutine primitive: a cooperatively
// scheduled task with an explicit state machine and explicit yield/resume
// points.
//
// Go offers no ucontext-style stack-swap primitive without cgo or
// architecture-specific assembly, so a Fiber here is realized as its own
// goroutine, parked on a pair of unbuffered handoff channels whenever it
// is not EXEC. Swapping into a fiber means: send on its resume channel,
// then block receiving from its yield channel. Exactly one of {caller
// goroutine, fiber goroutine} is runnable between that send and its
// matching receive, which is what keeps a fiber EXEC on at most one thread
// at a time.
package fiber

import (
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/svher-go/svher/internal/assert"
	"github.com/svher-go/svher/svherlog"
	"github.com/svher-go/svher/xthread"
)

// DefaultStackSize is the fiber stack size used when the caller passes 0:
// 1 MiB, matching config.KeyFiberStackSize's default. Go fibers run on a
// goroutine's dynamically-grown stack rather than a malloc'd one, so the
// field is retained and honored only as a hint recorded on the Fiber for
// introspection/tests.
const DefaultStackSize = 1024 * 1024

// State is a Fiber's lifecycle state.
type State int32

const (
	StateInit State = iota
	StateHold
	StateExec
	StateReady
	StateTerm
	StateExcept
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateHold:
		return "HOLD"
	case StateExec:
		return "EXEC"
	case StateReady:
		return "READY"
	case StateTerm:
		return "TERM"
	case StateExcept:
		return "EXCEPT"
	default:
		return "UNKNOWN"
	}
}

var nextID atomic.Uint64

// fiberTLS is the thread-local "current fiber" slot, keyed per goroutine:
// see xthread.Registry and the package doc above.
var fiberTLS = xthread.NewRegistry[*Fiber]()

// Fiber is a cooperatively scheduled task with its own (goroutine) stack.
type Fiber struct {
	id        uint64
	stackSize uint32
	useCaller bool
	isRoot    bool

	state atomic.Int32

	mu    sync.Mutex // guards entry/reset against concurrent Reset while not running
	entry func()

	gid atomic.Int64 // goroutine id of this fiber's dedicated goroutine, once started

	resume  chan struct{}
	yield   chan struct{}
	closeCh chan struct{}
	once    sync.Once
}

// New creates a fiber in state INIT with the given entry point. stackSize
// of 0 uses DefaultStackSize. useCaller marks a fiber that suspends back to
// the calling OS thread's root fiber (via Call/CallOut) rather than to a
// scheduler worker's main fiber (via SwapIn/SwapOut) — "use-caller mode".
func New(entry func(), stackSize uint32, useCaller bool) *Fiber {
	assert.True(entry != nil, "fiber: New called with nil entry")
	if stackSize == 0 {
		stackSize = DefaultStackSize
	}
	f := &Fiber{
		id:        nextID.Add(1),
		stackSize: stackSize,
		useCaller: useCaller,
		entry:     entry,
		resume:    make(chan struct{}),
		yield:     make(chan struct{}),
		closeCh:   make(chan struct{}),
	}
	f.state.Store(int32(StateInit))
	started := make(chan struct{})
	go func() {
		f.gid.Store(xthread.CurrentGoroutineID())
		close(started)
		f.loop()
	}()
	<-started
	runtime.SetFinalizer(f, (*Fiber).destroy)
	return f
}

// NewRoot wraps the calling goroutine's own stack as a "thread root" or
// "scheduler main" fiber — the two distinguished per-thread fibers every
// worker thread carries alongside the fibers it runs. It must be called
// directly from the goroutine it represents: it
// does not spawn one, it registers the current goroutine as already
// executing this fiber (state EXEC).
func NewRoot() *Fiber {
	f := &Fiber{
		id:     nextID.Add(1),
		isRoot: true,
	}
	f.state.Store(int32(StateExec))
	fiberTLS.Set(f)
	return f
}

// ID returns the fiber's monotonically increasing identifier.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the fiber's current lifecycle state.
func (f *Fiber) State() State { return State(f.state.Load()) }

// UseCaller reports whether this fiber suspends back to its thread's root
// fiber (true) or to the scheduler's main fiber (false).
func (f *Fiber) UseCaller() bool { return f.useCaller }

// GoroutineID returns the id of the goroutine backing this fiber, valid
// once New has returned. Schedulers use it to propagate the "current
// scheduler" thread-local tag onto a fiber's goroutine before swapping
// into it, via xthread.Registry.CopyTo — see scheduler.Scheduler.dispatchFiber.
func (f *Fiber) GoroutineID() int64 { return f.gid.Load() }

// Reset rearms a fiber's entry point for reuse, legal only from states
// INIT, TERM, or EXCEPT. It must be called by a goroutine
// other than the fiber's own (the fiber is, by definition, not running).
func (f *Fiber) Reset(entry func()) {
	assert.True(!f.isRoot, "fiber: Reset called on a root fiber id=%d", f.id)
	s := f.State()
	assert.True(s == StateInit || s == StateTerm || s == StateExcept,
		"fiber: Reset called on fiber id=%d in illegal state %s", f.id, s)
	f.mu.Lock()
	f.entry = entry
	f.mu.Unlock()
	f.state.Store(int32(StateInit))
}

// Current returns the fiber currently executing on the calling goroutine,
// or nil if none has been registered (e.g. a goroutine that never called
// NewRoot nor is running inside a Fiber's entry).
func Current() *Fiber {
	f, _ := fiberTLS.Get()
	return f
}

// loop is the body of every non-root fiber's dedicated goroutine. It parks
// on resume/closeCh, runs entry to completion (recovering panics into
// EXCEPT), signals yield, and loops — so the same goroutine (and thus the
// same "stack") is reused across Reset calls, even though Go owns the
// actual stack memory.
func (f *Fiber) loop() {
	f.gid.Store(xthread.CurrentGoroutineID())
	for {
		select {
		case <-f.resume:
		case <-f.closeCh:
			return
		}

		fiberTLS.Set(f)
		func() {
			defer func() {
				if r := recover(); r != nil {
					f.state.Store(int32(StateExcept))
					svherlog.L().Err().
						Uint64("fiber_id", f.id).
						Interface("panic", r).
						Str("backtrace", string(debug.Stack())).
						Log("fiber entry panicked")
				} else if f.State() == StateExec {
					f.state.Store(int32(StateTerm))
				}
				f.mu.Lock()
				f.entry = nil // break any ownership cycle back to the scheduler
				f.mu.Unlock()
			}()
			f.mu.Lock()
			entry := f.entry
			f.mu.Unlock()
			entry()
		}()

		select {
		case f.yield <- struct{}{}:
		case <-f.closeCh:
			return
		}
	}
}

func (f *Fiber) destroy() {
	f.once.Do(func() { close(f.closeCh) })
}

// SwapIn resumes a fiber from a scheduler worker's main fiber.
func (f *Fiber) SwapIn() { f.swap() }

// SwapOut is called by the currently-EXEC fiber to suspend back to its
// worker's scheduler-main fiber. It must be called from within the
// fiber's own goroutine.
func (f *Fiber) SwapOut() { f.suspend(StateHold) }

// Call resumes a use_caller fiber from the calling thread's root fiber.
func (f *Fiber) Call() { f.swap() }

// CallOut suspends a use_caller fiber back to the calling thread's root
// fiber.
func (f *Fiber) CallOut() { f.suspend(StateHold) }

func (f *Fiber) swap() {
	assert.True(f.State() != StateExec, "fiber: swap into already-EXEC fiber id=%d", f.id)
	f.state.Store(int32(StateExec))
	select {
	case f.resume <- struct{}{}:
	case <-f.closeCh:
		return
	}
	<-f.yield
}

// suspend hands control back to whichever goroutine swapped this fiber in
// (a scheduler worker's main fiber for SwapOut, a thread's root fiber for
// CallOut), blocking until it is swapped in again. It must be called from
// within the fiber's own goroutine.
func (f *Fiber) suspend(next State) {
	assert.True(f == Current(), "fiber: suspend called by a goroutine that is not the fiber's own")
	f.state.Store(int32(next))
	select {
	case f.yield <- struct{}{}:
	case <-f.closeCh:
		return
	}
	<-f.resume
}

// YieldToHold suspends the calling fiber to HOLD, choosing SwapOut or
// CallOut per its use_caller flag. It is a no-op when called outside any
// fiber (e.g. directly on a worker's root fiber).
func YieldToHold() {
	if cur := Current(); cur != nil && !cur.isRoot {
		cur.suspend(StateHold)
	}
}

// YieldToReady suspends the calling fiber to READY, so its scheduler
// re-enqueues it immediately instead of waiting for an external wake.
func YieldToReady() {
	if cur := Current(); cur != nil && !cur.isRoot {
		cur.suspend(StateReady)
	}
}
