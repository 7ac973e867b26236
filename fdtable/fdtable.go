// Package fdtable implements a process-wide FD manager: a grow-on-demand table of per-fd metadata that the hook facade
// consults to decide whether a given fd is eligible for hooking, and where
// it records the socket/non-blocking/timeout bits the kernel itself no
// longer exposes once the real fd is forced non-blocking.
package fdtable

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/svher-go/svher/xthread"
)

// TimeoutKind selects which of a socket's two direction timeouts an
// Entry's Timeout/SetTimeout call addresses, mirroring setsockopt's
// SO_RCVTIMEO/SO_SNDTIMEO.
type TimeoutKind int

const (
	TimeoutRecv TimeoutKind = iota
	TimeoutSend
)

// NoTimeout is the "infinite" sentinel a fresh Entry starts with.
const NoTimeout = -1

// Entry is one fd's metadata record. init() leaves the real fd of a socket
// non-blocking the moment the record is created; SysNonblock reports true
// only if init() had to set that bit itself. UserNonblock tracks what the
// hook facade presents back to the application.
type Entry struct {
	fd int

	mu            xthread.Mutex
	isInit        bool
	isSocket      bool
	sysNonblock   bool
	userNonblock  bool
	closed        bool
	recvTimeoutMS int
	sendTimeoutMS int
}

func newEntry(fd int) *Entry {
	e := &Entry{fd: fd, recvTimeoutMS: NoTimeout, sendTimeoutMS: NoTimeout}
	e.init()
	return e
}

// init fstats the fd to classify it, and for a socket not already
// non-blocking, forces O_NONBLOCK via the raw (unhooked) fcntl and
// remembers that the table — not the kernel — now owns the "is this
// actually blocking" answer.
func (e *Entry) init() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isInit {
		return
	}

	var st unix.Stat_t
	if err := unix.Fstat(e.fd, &st); err != nil {
		e.isInit = false
		e.isSocket = false
		return
	}
	e.isInit = true
	e.isSocket = st.Mode&unix.S_IFMT == unix.S_IFSOCK

	if e.isSocket {
		flags, err := unix.FcntlInt(uintptr(e.fd), unix.F_GETFL, 0)
		if err == nil {
			if flags&unix.O_NONBLOCK == 0 {
				e.sysNonblock = true
			}
			unix.FcntlInt(uintptr(e.fd), unix.F_SETFL, flags|unix.O_NONBLOCK)
		}
	}
	e.userNonblock = false
	e.closed = false
}

// IsInit reports whether the fstat in init succeeded.
func (e *Entry) IsInit() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isInit
}

// IsSocket reports whether the fd is a socket, and therefore eligible for
// hooking at all.
func (e *Entry) IsSocket() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isSocket
}

// IsClosed reports whether Close has already been called on this record.
func (e *Entry) IsClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close marks the record closed. The caller is still responsible for
// closing the underlying fd; this just stops the table from answering
// further queries about it.
func (e *Entry) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// UserNonblock reports the non-blocking bit as the hook facade's fcntl/
// ioctl interception last told the caller it was set to — which may differ
// from the real (always-forced-nonblocking) kernel state.
func (e *Entry) UserNonblock() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userNonblock
}

// SetUserNonblock records the application's requested non-blocking bit,
// without touching the real fd.
func (e *Entry) SetUserNonblock(v bool) {
	e.mu.Lock()
	e.userNonblock = v
	e.mu.Unlock()
}

// SysNonblock reports whether init() itself had to force O_NONBLOCK (i.e.
// the fd arrived blocking).
func (e *Entry) SysNonblock() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sysNonblock
}

// Timeout returns the recorded direction timeout in milliseconds, or
// NoTimeout.
func (e *Entry) Timeout(kind TimeoutKind) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if kind == TimeoutRecv {
		return e.recvTimeoutMS
	}
	return e.sendTimeoutMS
}

// SetTimeout records a direction timeout observed via the hook facade's
// setsockopt interception.
func (e *Entry) SetTimeout(kind TimeoutKind, ms int) {
	e.mu.Lock()
	if kind == TimeoutRecv {
		e.recvTimeoutMS = ms
	} else {
		e.sendTimeoutMS = ms
	}
	e.mu.Unlock()
}

// Table is the process-wide FD manager singleton: a read/write-locked,
// grow-on-demand slice of *Entry indexed directly by fd number.
type Table struct {
	mu    xthread.RWMutex
	slots []*Entry
}

// defaultInitialSize is the table's starting capacity.
const defaultInitialSize = 64

// New constructs an empty Table sized for defaultInitialSize fds.
func New() *Table {
	return &Table{slots: make([]*Entry, defaultInitialSize)}
}

// global is the process-wide singleton the hook facade consults, lazily
// initialized on first use via sync.Once.
var (
	globalOnce  sync.Once
	globalTable *Table
)

// Global returns the process-wide FD table, constructing it on first call.
func Global() *Table {
	globalOnce.Do(func() { globalTable = New() })
	return globalTable
}

// Get returns fd's record, creating one on first reference if autoCreate
// is true. Returns nil if fd is out of range and autoCreate is false.
func (t *Table) Get(fd int, autoCreate bool) *Entry {
	t.mu.RLock()
	if fd < len(t.slots) {
		if e := t.slots[fd]; e != nil || !autoCreate {
			t.mu.RUnlock()
			return e
		}
	} else if !autoCreate {
		t.mu.RUnlock()
		return nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.growLocked(fd + 1)
	if t.slots[fd] == nil {
		t.slots[fd] = newEntry(fd)
	}
	return t.slots[fd]
}

// Del removes fd's record, if any.
func (t *Table) Del(fd int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < len(t.slots) {
		t.slots[fd] = nil
	}
}

// growLocked grows slots to at least need entries, geometrically, the same
// formula ioruntime's fd-context table uses:
// max(need, ceil(1.5*len), initialSize).
func (t *Table) growLocked(need int) {
	if need <= len(t.slots) {
		return
	}
	grown := int(float64(len(t.slots)) * 1.5)
	size := need
	if grown > size {
		size = grown
	}
	if size < defaultInitialSize {
		size = defaultInitialSize
	}
	next := make([]*Entry, size)
	copy(next, t.slots)
	t.slots = next
}
