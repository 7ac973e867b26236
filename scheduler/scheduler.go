// Package scheduler implements an M:N fiber scheduler: a fixed pool of OS threads draining a shared FIFO of runnable
// (fiber-or-callback, affinity) entries, with an optional "caller" thread
// and a per-worker idle fiber that the I/O manager (ioruntime) overrides to
// drive its epoll reactor.
package scheduler

import (
	"sync"
	"sync/atomic"

	"github.com/svher-go/svher/fiber"
	"github.com/svher-go/svher/internal/assert"
	"github.com/svher-go/svher/svherlog"
	"github.com/svher-go/svher/xthread"
)

// AffinityAny marks an entry that may run on any worker.
const AffinityAny int64 = -1

// Entry is a scheduler runnable entry: exactly one of Fiber or
// Callback is set.
type Entry struct {
	Fiber    *fiber.Fiber
	Callback func()
	Affinity int64
}

// schedulerTLS is the thread-local "current scheduler" slot,
// kept private to this package for the same reason fiber keeps its own
// fiberTLS private: xthread.Registry is the generic, package-agnostic
// primitive, and propagation across the fiber/worker-goroutine boundary
// happens via Registry.CopyTo, driven from here (see dispatchFiber) since
// this package already imports fiber and can call Fiber.GoroutineID.
var schedulerTLS = xthread.NewRegistry[*Scheduler]()

// Current returns the Scheduler owning the calling goroutine's worker loop
// (or whose CopyTo propagated it onto a fiber goroutine at swap-in time),
// or nil outside any scheduler.
func Current() *Scheduler {
	s, _ := schedulerTLS.Get()
	return s
}

// Option configures optional hooks a Scheduler subtype (ioruntime.Manager)
// uses to extend worker idle behavior and the stopping condition without
// Go-style inheritance.
type Option func(*Scheduler)

// WithIdle overrides the per-worker idle routine, invoked once per
// workerLoop iteration when no runnable entry is found. The default simply
// parks the idle fiber in a yield-to-hold loop until Stopping() is true.
func WithIdle(idle func(s *Scheduler)) Option {
	return func(s *Scheduler) { s.idleFunc = idle }
}

// WithExtraStopping adds an additional predicate ANDed into Stopping(), so
// ioruntime.Manager can require "no pending I/O events and no pending
// timers" on top of the base queue/active-worker condition.
func WithExtraStopping(extra func() bool) Option {
	return func(s *Scheduler) { s.extraStopping = extra }
}

// WithTickle overrides how idle workers are woken. The default broadcasts a
// sync.Cond; ioruntime.Manager overrides it to write a byte to its
// self-pipe instead, so an epoll_wait blocked in the idle loop wakes too.
func WithTickle(tickle func()) Option {
	return func(s *Scheduler) { s.tickleFunc = tickle }
}

// Scheduler is a fixed-size worker pool draining a shared FIFO of Entry
// values.
type Scheduler struct {
	name      string
	useCaller bool

	mu    xthread.Mutex
	cond  *sync.Cond
	queue []Entry

	activeWorkers atomic.Int64
	idleWorkers   atomic.Int64

	autoStop     atomic.Bool
	stoppingFlag atomic.Bool
	stopped      atomic.Bool

	workers        []*xthread.Thread
	workerWG       sync.WaitGroup
	callerDone     chan struct{}
	callerAffinity int64

	idleFunc      func(s *Scheduler)
	extraStopping func() bool
	tickleFunc    func()
}

// New constructs a Scheduler with threadCount worker threads. If useCaller
// is true, one of those threads is the constructing goroutine itself: the
// worker pool spawns threadCount-1 goroutines, and the caller must
// eventually call Stop, which runs the worker loop on the caller until
// drained.
func New(threadCount int, useCaller bool, name string, opts ...Option) *Scheduler {
	assert.True(threadCount > 0, "scheduler %q: threadCount must be positive, got %d", name, threadCount)
	s := &Scheduler{
		name:      name,
		useCaller: useCaller,
	}
	s.cond = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}
	if s.idleFunc == nil {
		s.idleFunc = defaultIdle
	}
	if s.tickleFunc == nil {
		s.tickleFunc = s.defaultTickle
	}

	spawn := threadCount
	if useCaller {
		spawn--
		s.callerDone = make(chan struct{})
		s.callerAffinity = xthread.CallerID()
	}
	s.workers = make([]*xthread.Thread, 0, spawn)
	s.workerWG.Add(spawn)
	for i := 0; i < spawn; i++ {
		t := xthread.New(name+"-worker", func(id int64) {
			defer s.workerWG.Done()
			s.workerLoop(id)
		})
		s.workers = append(s.workers, t)
	}
	return s
}

// Name returns the scheduler's configured name, used in log lines and
// worker thread names.
func (s *Scheduler) Name() string { return s.name }

// WorkerAffinities returns the affinity token of every spawned worker
// thread (not including the use_caller thread, whose token is only valid
// for the duration of Stop), for callers that need to pin an entry to a
// specific worker.
func (s *Scheduler) WorkerAffinities() []int64 {
	ids := make([]int64, len(s.workers))
	for i, t := range s.workers {
		ids[i] = t.ID()
	}
	return ids
}

// Submit pushes an entry onto the shared FIFO and tickles a worker if the
// queue was empty. Submitting onto a fully stopped scheduler (one whose
// Stop has returned) is a programming error.
func (s *Scheduler) Submit(e Entry) {
	assert.True(e.Fiber != nil || e.Callback != nil, "scheduler %q: Submit called with neither Fiber nor Callback set", s.name)
	s.mu.Lock()
	assert.True(!s.stopped.Load(), "scheduler %q: Submit called after scheduler fully stopped", s.name)
	wasEmpty := len(s.queue) == 0
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	if wasEmpty {
		s.tickleFunc()
	}
}

func (s *Scheduler) queueDrainedLocked() bool {
	return len(s.queue) == 0 && s.activeWorkers.Load() == 0
}

// defaultTickle broadcasts s.cond. No worker waits on it: the base idle
// routine yields straight back to the worker loop, which rescans the queue
// on every pass.
func (s *Scheduler) defaultTickle() {
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// IdleWorkers returns the number of workers currently inside their idle
// fiber, whether that runs the base yield-to-hold loop or an overriding
// idle (e.g. ioruntime.Manager's epoll-driven one, whose tickle uses this
// to decide whether a pipe write is even worth doing).
func (s *Scheduler) IdleWorkers() int64 { return s.idleWorkers.Load() }

// Tickle invokes the configured wake mechanism (cond broadcast, or
// ioruntime's self-pipe write), for callers outside the package (e.g. a
// worker scanning past an affinity-mismatched entry, which triggers a
// tickle after the scan completes to wake other workers).
func (s *Scheduler) Tickle() { s.tickleFunc() }

// Stopping reports whether the scheduler's stop condition holds: auto_stop
// and stopping are both set, the queue is empty, no worker is active, and
// any extra predicate (ioruntime's pending I/O/timers check) also holds.
func (s *Scheduler) Stopping() bool {
	if !s.autoStop.Load() || !s.stoppingFlag.Load() {
		return false
	}
	s.mu.Lock()
	drained := s.queueDrainedLocked()
	s.mu.Unlock()
	if !drained {
		return false
	}
	if s.extraStopping != nil && !s.extraStopping() {
		return false
	}
	return true
}

// Stop sets the stopping protocol in motion: marks
// auto_stop/stopping, tickles every worker, runs the worker loop on the
// caller thread if useCaller, then joins every spawned worker thread.
func (s *Scheduler) Stop() {
	s.autoStop.Store(true)
	s.stoppingFlag.Store(true)
	s.tickleFunc()
	for range s.workers {
		s.tickleFunc()
	}
	if s.useCaller {
		s.workerLoop(s.callerAffinity)
		close(s.callerDone)
	}
	s.workerWG.Wait()
	s.stopped.Store(true)
}

// popRunnable removes and returns the first entry whose affinity matches
// selfAffinity, under the scheduler lock. needsTickle
// reports whether an affinity-mismatched entry was skipped, so the caller
// can wake other workers after releasing the lock.
func (s *Scheduler) popRunnable(selfAffinity int64) (e Entry, found bool, needsTickle bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.queue {
		if s.queue[i].Affinity == AffinityAny || s.queue[i].Affinity == selfAffinity {
			e = s.queue[i]
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return e, true, false
		}
	}
	return Entry{}, false, len(s.queue) > 0
}

// workerLoop is the body of one worker thread (and, during Stop, of the
// caller thread too). self is
// the worker's thread identifier, used as the affinity match key.
func (s *Scheduler) workerLoop(self int64) {
	schedulerTLS.Set(s)
	fiber.NewRoot() // registers this goroutine's scheduler-main (or thread-root, on the caller) fiber

	var currentCallback func()
	callbackEntry := func() { currentCallback() }
	cbFiber := fiber.New(callbackEntry, 0, false)

	idleFiber := fiber.New(func() { s.idleFunc(s) }, 0, false)

	for {
		e, found, needsTickle := s.popRunnable(self)
		if needsTickle {
			s.tickleFunc()
		}
		if !found {
			if s.Stopping() {
				return
			}
			s.idleWorkers.Add(1)
			idleFiber.SwapIn()
			s.idleWorkers.Add(-1)
			continue
		}

		switch {
		case e.Fiber != nil:
			s.dispatchFiber(e)
		case e.Callback != nil:
			currentCallback = e.Callback
			if cbFiber.State() != fiber.StateInit {
				cbFiber.Reset(callbackEntry)
			}
			cbFiber.SwapIn()
			currentCallback = nil
		}
	}
}

// dispatchFiber swaps into e.Fiber's goroutine, propagating this worker's
// "current scheduler" tag first so hook code running inside the fiber can
// still reach Current() (see the schedulerTLS doc comment above), then acts
// on the fiber's resulting state.
func (s *Scheduler) dispatchFiber(e Entry) {
	f := e.Fiber
	assert.True(f.State() != fiber.StateExec, "scheduler %q: dispatched fiber id=%d already EXEC", s.name, f.ID())

	schedulerTLS.CopyTo(f.GoroutineID())
	s.activeWorkers.Add(1)
	if f.UseCaller() {
		f.Call()
	} else {
		f.SwapIn()
	}
	s.activeWorkers.Add(-1)

	switch f.State() {
	case fiber.StateReady:
		s.Submit(Entry{Fiber: f, Affinity: e.Affinity})
	case fiber.StateTerm, fiber.StateExcept:
		svherlog.L().Debug().
			Uint64("fiber_id", f.ID()).
			Str("state", f.State().String()).
			Log("fiber finished")
	default:
		// HOLD: ownership is now external (an I/O event slot or a timer
		// callback holds the strong reference that will resubmit it).
	}
}

// defaultIdle is the base Scheduler's idle routine: yield-to-hold in a loop until Stopping() becomes true. ioruntime.Manager
// overrides this via WithIdle to drive its epoll reactor instead.
func defaultIdle(s *Scheduler) {
	for !s.Stopping() {
		fiber.YieldToHold()
	}
}
