//go:build linux

package hook

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"github.com/svher-go/svher/config"
	"github.com/svher-go/svher/fdtable"
	"github.com/svher-go/svher/fiber"
	"github.com/svher-go/svher/ioruntime"
	"github.com/svher-go/svher/scheduler"
)

// Socket creates a new socket and registers it in the process-wide FD
// table: a record is created on first reference, and socket creation is
// the earliest point one could exist.
func Socket(domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return -1, err
	}
	fdtable.Global().Get(fd, true)
	return fd, nil
}

// Read hooks read(2).
func Read(fd int, p []byte) (int, error) {
	return doIO(fd, ioruntime.EventRead, fdtable.TimeoutRecv, func() (int, error) {
		return unix.Read(fd, p)
	})
}

// Write hooks write(2).
func Write(fd int, p []byte) (int, error) {
	return doIO(fd, ioruntime.EventWrite, fdtable.TimeoutSend, func() (int, error) {
		return unix.Write(fd, p)
	})
}

// Recv hooks recv(2).
func Recv(fd int, p []byte, flags int) (int, error) {
	return doIO(fd, ioruntime.EventRead, fdtable.TimeoutRecv, func() (int, error) {
		n, _, err := unix.Recvfrom(fd, p, flags)
		return n, err
	})
}

// Send hooks send(2).
func Send(fd int, p []byte, flags int) (int, error) {
	return doIO(fd, ioruntime.EventWrite, fdtable.TimeoutSend, func() (int, error) {
		if err := unix.Sendto(fd, p, flags, nil); err != nil {
			return -1, err
		}
		return len(p), nil
	})
}

// RecvFrom hooks recvfrom(2), additionally reporting the peer address.
func RecvFrom(fd int, p []byte, flags int) (n int, from unix.Sockaddr, err error) {
	_, rerr := doIO(fd, ioruntime.EventRead, fdtable.TimeoutRecv, func() (int, error) {
		var innerErr error
		n, from, innerErr = unix.Recvfrom(fd, p, flags)
		return n, innerErr
	})
	return n, from, rerr
}

// SendTo hooks sendto(2).
func SendTo(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	return doIO(fd, ioruntime.EventWrite, fdtable.TimeoutSend, func() (int, error) {
		if err := unix.Sendto(fd, p, flags, to); err != nil {
			return -1, err
		}
		return len(p), nil
	})
}

// Readv hooks readv(2).
func Readv(fd int, iovs [][]byte) (int, error) {
	return doIO(fd, ioruntime.EventRead, fdtable.TimeoutRecv, func() (int, error) {
		return unix.Readv(fd, iovs)
	})
}

// Writev hooks writev(2).
func Writev(fd int, iovs [][]byte) (int, error) {
	return doIO(fd, ioruntime.EventWrite, fdtable.TimeoutSend, func() (int, error) {
		return unix.Writev(fd, iovs)
	})
}

// Sleep hooks sleep(3): schedules a one-shot timer on the current I/O
// manager that re-submits the current fiber, then yields to hold.
func Sleep(seconds int) { sleep(time.Duration(seconds) * time.Second) }

// Usleep hooks usleep(3).
func Usleep(usec int) { sleep(time.Duration(usec) * time.Microsecond) }

// Nanosleep hooks nanosleep(2).
func Nanosleep(d time.Duration) { sleep(d) }

func sleep(d time.Duration) {
	mgr := ioruntime.Current()
	if mgr == nil || !Enabled() {
		time.Sleep(d)
		return
	}
	f := fiber.Current()
	mgr.AddTimer(d, func() {
		if f.State() == fiber.StateHold {
			mgr.Submit(scheduler.Entry{Fiber: f, Affinity: scheduler.AffinityAny})
		}
	}, false)
	fiber.YieldToHold()
}

// Connect hooks connect(2) with a timeout: attempts connect immediately;
// if it would block
// (EINPROGRESS), arms WRITE readiness with a conditional deadline (the
// fd's recorded send timeout if one is set, otherwise
// config.Global.TCPConnectTimeout), then inspects SO_ERROR on resume.
func Connect(fd int, sa unix.Sockaddr) error {
	err := unix.Connect(fd, sa)
	if err == nil || !errors.Is(err, unix.EINPROGRESS) {
		return err
	}
	if !Enabled() {
		return err
	}
	mgr := ioruntime.Current()
	if mgr == nil {
		return err
	}

	var cancelled cancelState
	timeoutMS := int(config.Global.TCPConnectTimeout().Get())
	entry := fdtable.Global().Get(fd, true)
	if recorded := entry.Timeout(fdtable.TimeoutSend); recorded != fdtable.NoTimeout {
		timeoutMS = recorded
	}
	th := mgr.AddConditionalTimer(time.Duration(timeoutMS)*time.Millisecond, func() {
		cancelled.errno = unix.ETIMEDOUT
		cancelled.set = true
		mgr.CancelEvent(fd, ioruntime.EventWrite)
	}, func() bool { return true }, false)

	mgr.AddEvent(fd, ioruntime.EventWrite, nil)
	fiber.YieldToHold()
	mgr.Cancel(th)

	if cancelled.set {
		return cancelled.errno
	}

	soErr, serr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if serr != nil {
		return serr
	}
	if soErr != 0 {
		return unix.Errno(soErr)
	}
	return nil
}

// Accept hooks accept(2): delegates through doIO(READ); on success,
// auto-creates an FD-manager record for the new connection.
func Accept(fd int) (int, unix.Sockaddr, error) {
	var connFD int
	var peer unix.Sockaddr
	_, err := doIO(fd, ioruntime.EventRead, fdtable.TimeoutRecv, func() (int, error) {
		var innerErr error
		connFD, peer, innerErr = unix.Accept(fd)
		return connFD, innerErr
	})
	if err != nil {
		return -1, nil, err
	}
	fdtable.Global().Get(connFD, true)
	return connFD, peer, nil
}

// Close hooks close(2): cancels all events on the fd, deletes its
// FD-manager record, then closes.
func Close(fd int) error {
	if mgr := ioruntime.Current(); mgr != nil {
		mgr.CancelAll(fd)
	}
	if e := fdtable.Global().Get(fd, false); e != nil {
		e.Close()
	}
	fdtable.Global().Del(fd)
	return unix.Close(fd)
}

// Fcntl hooks fcntl(2): intercepts F_SETFL/F_GETFL to
// maintain the illusion that the user's non-blocking bit is honored while
// the real fd is always non-blocking once it is a registered socket.
func Fcntl(fd, cmd, arg int) (int, error) {
	entry := fdtable.Global().Get(fd, false)
	if entry == nil || !entry.IsSocket() {
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	}
	switch cmd {
	case unix.F_GETFL:
		flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
		if err != nil {
			return 0, err
		}
		if entry.UserNonblock() {
			return flags | unix.O_NONBLOCK, nil
		}
		return flags &^ unix.O_NONBLOCK, nil
	case unix.F_SETFL:
		entry.SetUserNonblock(arg&unix.O_NONBLOCK != 0)
		return unix.FcntlInt(uintptr(fd), unix.F_SETFL, arg|unix.O_NONBLOCK)
	default:
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	}
}

// FIONBIO re-exports unix.FIONBIO, the ioctl request Ioctl intercepts.
const FIONBIO = unix.FIONBIO

// Ioctl hooks ioctl(2)'s FIONBIO the same way Fcntl hooks F_SETFL/F_GETFL.
func Ioctl(fd int, req uint, nonblocking bool) error {
	entry := fdtable.Global().Get(fd, false)
	if entry != nil && entry.IsSocket() && req == FIONBIO {
		entry.SetUserNonblock(nonblocking)
		return nil // real fd stays forced non-blocking; nothing to do at the kernel
	}
	var v int
	if nonblocking {
		v = 1
	}
	return unix.IoctlSetInt(fd, req, v)
}

// SetsockoptTimeout hooks setsockopt(2)'s SO_RCVTIMEO/SO_SNDTIMEO: records
// the timeout in the FD table in addition to delegating to the real
// setsockopt, so doIO can read it back on the next EAGAIN.
func SetsockoptTimeout(fd int, which fdtable.TimeoutKind, timeout time.Duration) error {
	opt := unix.SO_RCVTIMEO
	if which == fdtable.TimeoutSend {
		opt = unix.SO_SNDTIMEO
	}
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, opt, &tv); err != nil {
		return err
	}
	if entry := fdtable.Global().Get(fd, true); entry != nil {
		entry.SetTimeout(which, int(timeout.Milliseconds()))
	}
	return nil
}
