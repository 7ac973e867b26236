//go:build linux

// Package ioruntime implements an epoll-backed I/O manager: a
// Scheduler+TimerManager pairing (realized here via Go struct embedding)
// extended with an epoll reactor, a self-pipe tickle, and a per-fd event
// table that binds readiness to fibers or callbacks.
package ioruntime

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-catrate"

	"github.com/svher-go/svher/fiber"
	"github.com/svher-go/svher/internal/assert"
	"github.com/svher-go/svher/scheduler"
	"github.com/svher-go/svher/svherlog"
	"github.com/svher-go/svher/timer"
	"github.com/svher-go/svher/xthread"
)

// Event is a readiness direction: READ or WRITE, using the
// same numeric values as the matching EPOLLIN/EPOLLOUT bits so they can be
// OR'd directly into an epoll_event mask.
type Event uint32

const (
	EventNone  Event = 0
	EventRead  Event = unix.EPOLLIN
	EventWrite Event = unix.EPOLLOUT
)

// ErrCancelled is the error a fiber or callback observes when the event it
// was waiting on is cancelled out from under it via CancelEvent/CancelAll
// (see DESIGN.md's Open Question decisions).
var ErrCancelled = fmt.Errorf("ioruntime: event cancelled: %w", syscall.ECANCELED)

const (
	initialFdContexts = 64
	maxEpollEvents    = 64
	idlePollCap       = 500 * time.Millisecond
)

// eventContext is one direction's registration on an fd: exactly one of
// fiber/cb is set once armed.
type eventContext struct {
	scheduler *scheduler.Scheduler
	fiber     *fiber.Fiber
	cb        func()
	err       error
}

func (ec *eventContext) armed() bool { return ec.fiber != nil || ec.cb != nil }

// clear releases the armed fiber/callback/owning-scheduler, but
// deliberately leaves err untouched: Err() must still be able to observe
// the outcome (nil, or ErrCancelled) of the slot's last firing after
// disarm, so a resumed fiber can distinguish a clean wake from a
// cancellation.
func (ec *eventContext) clear() {
	ec.scheduler = nil
	ec.fiber = nil
	ec.cb = nil
}

// FdContext is the per-fd event registration table entry.
type FdContext struct {
	fd     int
	mu     xthread.Mutex
	events Event
	read   eventContext
	write  eventContext
}

func (c *FdContext) contextFor(dir Event) *eventContext {
	if dir == EventRead {
		return &c.read
	}
	return &c.write
}

// Manager is an I/O manager: a Scheduler and a TimerManager (promoted via
// embedding) plus an epoll reactor.
type Manager struct {
	*scheduler.Scheduler
	*timer.Manager

	epfd            int
	tickleR, tickleW int

	mu         xthread.RWMutex
	fdContexts []*FdContext

	pendingEventCount atomic.Int64

	logLimiter *catrate.Limiter
}

// New constructs and starts an I/O manager with threadCount worker
// threads: create the epoll fd, create and arm the tickle pipe, size the
// fd-context vector to 64, then start the scheduler.
func New(threadCount int, useCaller bool, name string) (*Manager, error) {
	m := &Manager{
		logLimiter: catrate.NewLimiter(map[time.Duration]int{time.Second: 5}),
	}
	m.Manager = timer.NewManager(m.tickle)

	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("ioruntime: epoll_create1: %w", err)
	}
	m.epfd = epfd

	var fds [2]int
	if err := unix.Pipe2(fds[:], 0); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("ioruntime: pipe2: %w", err)
	}
	m.tickleR, m.tickleW = fds[0], fds[1]
	if err := unix.SetNonblock(m.tickleR, true); err != nil {
		unix.Close(epfd)
		unix.Close(m.tickleR)
		unix.Close(m.tickleW)
		return nil, fmt.Errorf("ioruntime: set tickle pipe nonblocking: %w", err)
	}
	tickleEvent := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(m.tickleR)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, m.tickleR, &tickleEvent); err != nil {
		unix.Close(epfd)
		unix.Close(m.tickleR)
		unix.Close(m.tickleW)
		return nil, fmt.Errorf("ioruntime: register tickle pipe: %w", err)
	}

	m.growFdContexts(initialFdContexts)

	m.Scheduler = scheduler.New(threadCount, useCaller, name,
		scheduler.WithIdle(m.idle),
		scheduler.WithTickle(m.tickle),
		scheduler.WithExtraStopping(m.extraStopping),
	)
	managersBySched.Store(m.Scheduler, m)

	return m, nil
}

// managersBySched maps an embedded *scheduler.Scheduler back to its owning
// *Manager, so hook code running inside a fiber — which can only reach
// scheduler.Current() via schedulerTLS — can recover the I/O manager that
// owns the fiber's fd events and timers, the same way it needs the
// current fiber.
var managersBySched sync.Map // map[*scheduler.Scheduler]*Manager

// Current returns the Manager owning the calling goroutine's worker loop
// (or the fiber that loop dispatched onto this goroutine), or nil outside
// any Manager's scheduler. Callbacks run on a worker's callback fiber,
// which does not carry the scheduler tag, so Current returns nil there.
func Current() *Manager {
	s := scheduler.Current()
	if s == nil {
		return nil
	}
	v, ok := managersBySched.Load(s)
	if !ok {
		return nil
	}
	return v.(*Manager)
}

// Close stops the scheduler (draining all workers, and the caller's thread
// if use_caller) then releases the epoll fd and tickle pipe. Unlike the
// embedded Scheduler's own Stop, Close also performs this I/O-specific
// teardown, so callers should prefer it over calling Stop directly.
func (m *Manager) Close() {
	m.Scheduler.Stop()
	managersBySched.Delete(m.Scheduler)
	unix.Close(m.epfd)
	unix.Close(m.tickleR)
	unix.Close(m.tickleW)
}

// tickle wakes a worker blocked in the epoll-driven idle loop by writing
// one byte to the pipe's write end, unless no worker is currently idle.
func (m *Manager) tickle() {
	if m.Scheduler != nil && m.Scheduler.IdleWorkers() == 0 {
		return
	}
	var b [1]byte
	if _, err := unix.Write(m.tickleW, b[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		if _, allow := m.logLimiter.Allow("tickle-write"); allow {
			svherlog.L().Err().Err(err).Log("tickle pipe write failed")
		}
	}
}

// extraStopping is the Scheduler's WithExtraStopping predicate: stopping
// additionally requires no pending I/O events and no pending timers.
func (m *Manager) extraStopping() bool {
	return m.pendingEventCount.Load() == 0 && !m.Manager.HasTimer()
}

// growFdContexts grows the fd-context vector to at least need entries,
// geometrically (1.5x): max(need, ceil(1.5*len), initialFdContexts)
// (see DESIGN.md's Open Question decisions).
func (m *Manager) growFdContexts(need int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.growFdContextsLocked(need)
}

func (m *Manager) growFdContextsLocked(need int) {
	if need <= len(m.fdContexts) {
		return
	}
	grown := int(float64(len(m.fdContexts)) * 1.5)
	size := need
	if grown > size {
		size = grown
	}
	if size < initialFdContexts {
		size = initialFdContexts
	}
	next := make([]*FdContext, size)
	copy(next, m.fdContexts)
	for i := len(m.fdContexts); i < size; i++ {
		next[i] = &FdContext{fd: i}
	}
	m.fdContexts = next
}

func (m *Manager) contextFor(fd int) *FdContext {
	m.mu.RLock()
	if fd < len(m.fdContexts) {
		defer m.mu.RUnlock()
		return m.fdContexts[fd]
	}
	m.mu.RUnlock()

	m.mu.Lock()
	m.growFdContextsLocked(fd + 1)
	fdc := m.fdContexts[fd]
	m.mu.Unlock()
	return fdc
}

// AddEvent arms event on fd. If cb is nil, the currently
// EXEC fiber is captured as the wake target; otherwise cb runs (on some
// worker) when the event fires. Arming a direction that is already armed
// is a programming error.
func (m *Manager) AddEvent(fd int, event Event, cb func()) {
	fdc := m.contextFor(fd)
	fdc.mu.Lock()
	defer fdc.mu.Unlock()

	assert.True(fdc.events&event == 0, "ioruntime: duplicate event fd=%d event=%d armed=%d", fd, event, fdc.events)

	op := unix.EPOLL_CTL_ADD
	if fdc.events != EventNone {
		op = unix.EPOLL_CTL_MOD
	}
	ev := unix.EpollEvent{Events: uint32(unix.EPOLLET) | uint32(fdc.events|event), Fd: int32(fd)}
	if err := unix.EpollCtl(m.epfd, op, fd, &ev); err != nil {
		svherlog.L().Err().Err(err).Int("fd", fd).Log("epoll_ctl add/mod failed")
	}

	m.pendingEventCount.Add(1)
	fdc.events |= event

	ec := fdc.contextFor(event)
	assert.True(!ec.armed(), "ioruntime: event slot already bound fd=%d event=%d", fd, event)
	ec.err = nil
	ec.scheduler = scheduler.Current()
	if cb != nil {
		ec.cb = cb
	} else {
		f := fiber.Current()
		assert.True(f != nil && f.State() == fiber.StateExec, "ioruntime: AddEvent with nil cb called outside an EXEC fiber")
		ec.fiber = f
	}
}

// DelEvent disarms event on fd without firing its bound callback/fiber.
func (m *Manager) DelEvent(fd int, event Event) bool {
	fdc := m.contextFor(fd)
	fdc.mu.Lock()
	defer fdc.mu.Unlock()
	if fdc.events&event == 0 {
		return false
	}
	m.updateMaskLocked(fdc, fdc.events&^event)
	fdc.contextFor(event).clear()
	m.pendingEventCount.Add(-1)
	return true
}

// CancelEvent disarms event on fd and synchronously submits its bound
// fiber/callback back to its owning scheduler with ErrCancelled recorded
// on the slot.
func (m *Manager) CancelEvent(fd int, event Event) bool {
	fdc := m.contextFor(fd)
	fdc.mu.Lock()
	if fdc.events&event == 0 {
		fdc.mu.Unlock()
		return false
	}
	m.updateMaskLocked(fdc, fdc.events&^event)
	sch, entry, ok := m.triggerLocked(fdc, event, ErrCancelled)
	fdc.mu.Unlock()
	if ok && sch != nil {
		sch.Submit(entry)
	}
	return ok
}

// CancelAll cancels every armed direction on fd, as CancelEvent would for
// each.
func (m *Manager) CancelAll(fd int) bool {
	fdc := m.contextFor(fd)
	fdc.mu.Lock()
	if fdc.events == EventNone {
		fdc.mu.Unlock()
		return false
	}

	type submission struct {
		sch   *scheduler.Scheduler
		entry scheduler.Entry
	}
	var submissions []submission
	for _, dir := range [...]Event{EventRead, EventWrite} {
		if fdc.events&dir != 0 {
			if sch, entry, ok := m.triggerLocked(fdc, dir, ErrCancelled); ok {
				submissions = append(submissions, submission{sch, entry})
			}
		}
	}
	unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	fdc.events = EventNone
	fdc.mu.Unlock()

	for _, s := range submissions {
		if s.sch != nil {
			s.sch.Submit(s.entry)
		}
	}
	return true
}

// updateMaskLocked issues the EPOLL_CTL_MOD/DEL call to reflect fdc's new
// armed mask. Caller holds fdc.mu.
func (m *Manager) updateMaskLocked(fdc *FdContext, remaining Event) {
	if remaining == EventNone {
		if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fdc.fd, nil); err != nil && !errors.Is(err, unix.ENOENT) {
			svherlog.L().Err().Err(err).Int("fd", fdc.fd).Log("epoll_ctl del failed")
		}
	} else {
		ev := unix.EpollEvent{Events: uint32(unix.EPOLLET) | uint32(remaining), Fd: int32(fdc.fd)}
		if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_MOD, fdc.fd, &ev); err != nil {
			svherlog.L().Err().Err(err).Int("fd", fdc.fd).Log("epoll_ctl mod failed")
		}
	}
	fdc.events = remaining
}

// triggerLocked clears dir's event slot on fdc and returns the owning
// scheduler plus the entry to submit it as. Caller holds fdc.mu; returns
// ok=false if dir was not
// actually bound to anything.
func (m *Manager) triggerLocked(fdc *FdContext, dir Event, err error) (*scheduler.Scheduler, scheduler.Entry, bool) {
	ec := fdc.contextFor(dir)
	if !ec.armed() {
		return nil, scheduler.Entry{}, false
	}
	ec.err = err
	sch := ec.scheduler
	var entry scheduler.Entry
	if ec.cb != nil {
		entry = scheduler.Entry{Callback: ec.cb, Affinity: scheduler.AffinityAny}
	} else {
		entry = scheduler.Entry{Fiber: ec.fiber, Affinity: scheduler.AffinityAny}
	}
	ec.clear()
	m.pendingEventCount.Add(-1)
	return sch, entry, true
}

// Err returns the error (nil, or ErrCancelled) recorded the last time
// dir's slot on fd fired, for hook code to inspect immediately after its
// fiber is resumed. Valid only once, immediately after the fiber wakes;
// the slot may already be reused for a subsequent AddEvent by the time a
// second caller looks.
func (m *Manager) Err(fd int, dir Event) error {
	fdc := m.contextFor(fd)
	fdc.mu.Lock()
	defer fdc.mu.Unlock()
	return fdc.contextFor(dir).err
}

// idle is the Scheduler idle hook this Manager installs in place of the
// base round-robin yield-to-hold loop: each pass computes a timeout from
// the timer manager, blocks in
// epoll_wait, drains expired timers and ready fds, then yields back to the
// scheduler's worker loop.
func (m *Manager) idle(s *scheduler.Scheduler) {
	events := make([]unix.EpollEvent, maxEpollEvents)
	for !s.Stopping() {
		m.idleOnce(s, events)
		fiber.YieldToHold()
	}
}

func (m *Manager) idleOnce(s *scheduler.Scheduler, events []unix.EpollEvent) {
	timeout := idlePollCap
	if d, ok := m.Manager.NextTimer(); ok && d < timeout {
		timeout = d
	}

	n, err := unix.EpollWait(m.epfd, events, int(timeout.Milliseconds()))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return
		}
		if _, allow := m.logLimiter.Allow("epoll-wait"); allow {
			svherlog.L().Err().Err(err).Log("epoll_wait failed")
		}
		return
	}

	for _, cb := range m.Manager.ListExpired(time.Now()) {
		s.Submit(scheduler.Entry{Callback: cb, Affinity: scheduler.AffinityAny})
	}

	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		if fd == m.tickleR {
			m.drainTickle()
			continue
		}
		m.handleReady(s, fd, events[i].Events)
	}
}

// drainTickle reads the self-pipe empty, since it is registered
// edge-triggered.
func (m *Manager) drainTickle() {
	var buf [64]byte
	for {
		n, err := unix.Read(m.tickleR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (m *Manager) handleReady(s *scheduler.Scheduler, fd int, epollEvents uint32) {
	m.mu.RLock()
	var fdc *FdContext
	if fd < len(m.fdContexts) {
		fdc = m.fdContexts[fd]
	}
	m.mu.RUnlock()
	if fdc == nil {
		return
	}

	fdc.mu.Lock()
	ready := Event(epollEvents)
	if epollEvents&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		ready |= EventRead | EventWrite
	}
	triggered := fdc.events & ready
	if triggered == EventNone {
		fdc.mu.Unlock()
		return
	}
	m.updateMaskLocked(fdc, fdc.events&^triggered)

	type submission struct {
		sch   *scheduler.Scheduler
		entry scheduler.Entry
	}
	var submissions []submission
	for _, dir := range [...]Event{EventRead, EventWrite} {
		if triggered&dir != 0 {
			if sch, entry, ok := m.triggerLocked(fdc, dir, nil); ok {
				submissions = append(submissions, submission{sch, entry})
			}
		}
	}
	fdc.mu.Unlock()

	for _, sub := range submissions {
		owner := sub.sch
		if owner == nil {
			owner = s
		}
		owner.Submit(sub.entry)
	}
}
