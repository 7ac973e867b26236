//go:build linux

// Package hook implements a transparent-blocking I/O facade: a set of
// POSIX-like I/O entry points that, while hooking is enabled on the
// calling goroutine, transparently suspend the current fiber on EAGAIN
// instead of returning it to the caller, resuming once the I/O manager
// observes readiness (or a timeout/cancellation).
//
// Go gives no dynamic-linker symbol interposition the way an
// LD_PRELOAD-based shim would get for free, so callers opt in explicitly
// by calling through this package instead of net/syscall directly.
package hook

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"github.com/svher-go/svher/fdtable"
	"github.com/svher-go/svher/fiber"
	"github.com/svher-go/svher/ioruntime"
	"github.com/svher-go/svher/timer"
	"github.com/svher-go/svher/xthread"
)

// enabledTLS gates the facade per goroutine. Every fiber runs on its own
// goroutine (see fiber.Fiber's doc comment), so this also gates per-fiber.
var enabledTLS = xthread.NewRegistry[bool]()

// Enable turns the facade on for the calling goroutine.
func Enable() { enabledTLS.Set(true) }

// Disable turns the facade off for the calling goroutine; every hooked
// entry point then delegates straight to the underlying syscall.
func Disable() { enabledTLS.Clear() }

// Enabled reports whether hooking is currently active for the calling
// goroutine.
func Enabled() bool {
	v, _ := enabledTLS.Get()
	return v
}

// cancelState is doIO's shared "cancelled" flag: set by the conditional
// timeout timer if it fires before readiness does.
type cancelState struct {
	errno unix.Errno
	set   bool
}

// doIO is the common template behind Read/Write/Recv/Send/etc: fd
// identifies the socket, event is the readiness
// direction to wait on, kind selects which per-fd timeout applies, and op
// performs one attempt at the real (non-blocking) syscall. op's error
// result is expected to be a raw unix.Errno (or wrap one), as returned by
// golang.org/x/sys/unix's syscall wrappers.
func doIO(fd int, event ioruntime.Event, kind fdtable.TimeoutKind, op func() (int, error)) (int, error) {
	entry := fdtable.Global().Get(fd, false)
	if !Enabled() || entry == nil {
		return op()
	}
	if entry.IsClosed() {
		return -1, unix.EBADF
	}
	if !entry.IsSocket() || entry.UserNonblock() {
		return op()
	}

	mgr := ioruntime.Current()
	if mgr == nil {
		return op()
	}

	for {
		n, err := op()
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if !errors.Is(err, unix.EAGAIN) {
			return n, err
		}

		var cancelled cancelState
		var timerHandle *timer.Timer
		if timeoutMS := entry.Timeout(kind); timeoutMS != fdtable.NoTimeout {
			timerHandle = mgr.AddConditionalTimer(time.Duration(timeoutMS)*time.Millisecond, func() {
				cancelled.errno = unix.ETIMEDOUT
				cancelled.set = true
				mgr.CancelEvent(fd, event)
			}, func() bool { return true }, false)
		}

		mgr.AddEvent(fd, event, nil)
		fiber.YieldToHold()

		if timerHandle != nil {
			mgr.Cancel(timerHandle)
		}

		if cancelled.set {
			return -1, cancelled.errno
		}
		if werr := mgr.Err(fd, event); werr != nil {
			return -1, unix.ECANCELED
		}
		// readiness observed with no cancellation: loop back and retry op.
	}
}
