// Package timer implements a timer manager: an ordered set (a single
// binary heap) of deadlines, conditional timers, clock-rollover
// detection, and a "this timer became the new earliest" hook the I/O
// manager uses to wake its reactor early.
package timer

import (
	"container/heap"
	"sync/atomic"
	"time"

	"github.com/svher-go/svher/xthread"
)

// rolloverThreshold guards against monotonic-clock anomalies in
// containerized/virtualized environments: if "now" ever
// arrives more than an hour before the previously observed "now", every
// current timer is treated as expired in one ListExpired pass.
const rolloverThreshold = time.Hour

var nextSeq atomic.Uint64

// Timer is a handle returned by AddTimer/AddConditionalTimer, usable with
// Manager's Cancel and Reset. The zero value is not usable; obtain one
// through a Manager.
type Timer struct {
	seq        uint64 // tie-breaks equal deadlines by assignment order
	insertedAt time.Time
	deadline   time.Time
	period     time.Duration
	recurring  bool
	cb         func()
	cond       func() bool // conditional-timer liveness predicate; nil for unconditional timers

	index int // position in the manager's heap; -1 when not in the heap
}

// Manager is a timer manager: a mutex-guarded binary heap of Timer
// handles ordered by deadline, realized with container/heap the way
// gaio's watcher orders its own read/write deadlines.
type Manager struct {
	mu xthread.Mutex
	h  timerHeap

	previousNow time.Time

	// onInsertedAtFront is invoked whenever a newly added or reset timer
	// becomes the earliest deadline, so the
	// I/O manager can wake a reactor that may be blocked in epoll_wait
	// with a now-stale timeout.
	onInsertedAtFront func()
}

// NewManager constructs a Manager. onInsertedAtFront may be nil.
func NewManager(onInsertedAtFront func()) *Manager {
	return &Manager{onInsertedAtFront: onInsertedAtFront}
}

// AddTimer schedules cb to run after d, once or (if recurring) every d.
func (m *Manager) AddTimer(d time.Duration, cb func(), recurring bool) *Timer {
	now := time.Now()
	t := &Timer{
		seq:        nextSeq.Add(1),
		insertedAt: now,
		deadline:   now.Add(d),
		period:     d,
		recurring:  recurring,
		cb:         cb,
		index:      -1,
	}
	m.insert(t)
	return t
}

// AddConditionalTimer schedules cb like AddTimer, but only actually runs
// it if cond() reports true at fire time — useful for a timer bound to an
// object that may already be gone by the time it fires. A cond that
// returns false means the timer is silently dropped at fire time rather
// than invoking cb.
func (m *Manager) AddConditionalTimer(d time.Duration, cb func(), cond func() bool, recurring bool) *Timer {
	now := time.Now()
	t := &Timer{
		seq:        nextSeq.Add(1),
		insertedAt: now,
		deadline:   now.Add(d),
		period:     d,
		recurring:  recurring,
		cb:         cb,
		cond:       cond,
		index:      -1,
	}
	m.insert(t)
	return t
}

func (m *Manager) insert(t *Timer) {
	m.mu.Lock()
	heap.Push(&m.h, t)
	front := m.h[0] == t
	m.mu.Unlock()
	if front && m.onInsertedAtFront != nil {
		m.onInsertedAtFront()
	}
}

// Cancel removes t from the ordered set and clears its callback. Returns
// false if t was not (or no longer) scheduled: a one-shot timer that
// ListExpired has already removed is left as is, and a callback that
// ListExpired has already returned still runs.
func (m *Manager) Cancel(t *Timer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.index < 0 {
		return false
	}
	heap.Remove(&m.h, t.index)
	t.cb = nil
	t.cond = nil
	return true
}

// Reset removes t, recomputes its deadline from the new period d (either
// relative to now, or to t's original insertion time), and reinserts it.
// Returns false if t was not (or no longer) scheduled.
func (m *Manager) Reset(t *Timer, d time.Duration, fromNow bool) bool {
	m.mu.Lock()
	if t.index < 0 {
		m.mu.Unlock()
		return false
	}
	heap.Remove(&m.h, t.index)
	if fromNow {
		t.deadline = time.Now().Add(d)
	} else {
		t.deadline = t.insertedAt.Add(d)
	}
	t.period = d
	heap.Push(&m.h, t)
	front := m.h[0] == t
	m.mu.Unlock()
	if front && m.onInsertedAtFront != nil {
		m.onInsertedAtFront()
	}
	return true
}

// NextTimer returns the duration until the earliest deadline, and false if
// no timer is scheduled.
func (m *Manager) NextTimer() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.h) == 0 {
		return 0, false
	}
	d := time.Until(m.h[0].deadline)
	if d < 0 {
		d = 0
	}
	return d, true
}

// HasTimer reports whether any timer is currently scheduled.
func (m *Manager) HasTimer() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.h) > 0
}

// ListExpired drains every timer whose deadline is at or before now,
// reinserting recurring ones at now+period, and returns the callbacks to
// run. Conditional timers whose cond() now reports false
// are dropped without contributing a callback. Clock rollover (now more
// than an hour before the previously observed now) expires everything
// currently scheduled in one pass.
func (m *Manager) ListExpired(now time.Time) []func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	rollover := !m.previousNow.IsZero() && now.Before(m.previousNow.Add(-rolloverThreshold))
	m.previousNow = now

	var cbs []func()
	for len(m.h) > 0 {
		t := m.h[0]
		if !rollover && t.deadline.After(now) {
			break
		}
		heap.Pop(&m.h)

		if t.cond != nil && !t.cond() {
			continue
		}
		if t.cb != nil {
			cbs = append(cbs, t.cb)
		}
		if t.recurring && t.cb != nil {
			t.deadline = now.Add(t.period)
			heap.Push(&m.h, t)
		}
	}
	return cbs
}

// timerHeap implements heap.Interface over *Timer, ordered by deadline
// with seq (assignment order) breaking ties, since it needs only a total
// order, not a meaningful one.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
