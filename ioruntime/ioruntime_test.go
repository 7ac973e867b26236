//go:build linux

package ioruntime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/svher-go/svher/fiber"
	"github.com/svher-go/svher/scheduler"
)

// TestAddEventWakesWaitingFiber checks that a fiber that arms READ on a
// socket with no data pending is resumed once the manager's idle loop
// observes readiness.
func TestAddEventWakesWaitingFiber(t *testing.T) {
	m, err := New(2, false, "wake-test")
	require.NoError(t, err)
	defer m.Close()

	r, w, err := socketpairNonblock()
	require.NoError(t, err)
	defer unix.Close(w)

	woke := make(chan struct{})
	f := fiber.New(func() {
		m.AddEvent(r, EventRead, nil)
		fiber.YieldToHold()
		close(woke)
	}, 0, false)

	m.Submit(scheduler.Entry{Fiber: f, Affinity: scheduler.AffinityAny})

	time.Sleep(20 * time.Millisecond)
	_, werr := unix.Write(w, []byte("x"))
	require.NoError(t, werr)

	select {
	case <-woke:
	case <-time.After(2 * time.Second):
		t.Fatal("fiber never woke on readiness")
	}
}

func TestCancelEventWakesWithErrCancelled(t *testing.T) {
	m, err := New(1, false, "cancel-test")
	require.NoError(t, err)
	defer m.Close()

	r, w, err := socketpairNonblock()
	require.NoError(t, err)
	defer unix.Close(w)
	defer unix.Close(r)

	woke := make(chan error, 1)
	f := fiber.New(func() {
		m.AddEvent(r, EventRead, nil)
		fiber.YieldToHold()
		woke <- m.Err(r, EventRead)
	}, 0, false)
	m.Submit(scheduler.Entry{Fiber: f, Affinity: scheduler.AffinityAny})

	time.Sleep(20 * time.Millisecond)
	assert.True(t, m.CancelEvent(r, EventRead))

	select {
	case got := <-woke:
		assert.ErrorIs(t, got, ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled fiber never woke")
	}
}

func TestDelEventDoesNotFire(t *testing.T) {
	m, err := New(1, false, "del-test")
	require.NoError(t, err)
	defer m.Close()

	r, w, err := socketpairNonblock()
	require.NoError(t, err)
	defer unix.Close(w)
	defer unix.Close(r)

	ran := make(chan struct{}, 1)
	m.AddEvent(r, EventRead, func() { ran <- struct{}{} })
	assert.True(t, m.DelEvent(r, EventRead))

	_, werr := unix.Write(w, []byte("x"))
	require.NoError(t, werr)

	select {
	case <-ran:
		t.Fatal("del_event must not fire the callback")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRecurringTimerFiresMultipleTimes(t *testing.T) {
	m, err := New(1, false, "timer-test")
	require.NoError(t, err)
	defer m.Close()

	count := make(chan struct{}, 16)
	h := m.AddTimer(5*time.Millisecond, func() { count <- struct{}{} }, true)

	n := 0
	deadline := time.After(2 * time.Second)
	for n < 3 {
		select {
		case <-count:
			n++
		case <-deadline:
			t.Fatalf("only observed %d recurring fires", n)
		}
	}
	m.Cancel(h) // a pending timer keeps Close from finishing
}

func TestFdContextTableGrowsOnDemand(t *testing.T) {
	m, err := New(1, false, "grow-test")
	require.NoError(t, err)
	defer m.Close()

	r, w, err := socketpairNonblock()
	require.NoError(t, err)
	defer unix.Close(w)
	defer unix.Close(r)

	big := r + 200
	assert.False(t, m.DelEvent(big, EventRead))
}

// TestFdContextsGrowWithManyRealSockets opens enough real socketpairs to
// force the manager's own fd-context vector (distinct from fdtable.Table,
// covered separately) through several geometric growth steps, arms READ on
// every read end, then writes to every write end and confirms every single
// callback fires exactly once — i.e. growth never corrupts or aliases an
// existing fd's context.
func TestFdContextsGrowWithManyRealSockets(t *testing.T) {
	const count = 200

	m, err := New(4, false, "grow-many-test")
	require.NoError(t, err)
	defer m.Close()

	type pair struct{ r, w int }
	pairs := make([]pair, 0, count)
	defer func() {
		for _, p := range pairs {
			unix.Close(p.r)
			unix.Close(p.w)
		}
	}()
	for i := 0; i < count; i++ {
		r, w, err := socketpairNonblock()
		require.NoError(t, err)
		pairs = append(pairs, pair{r: r, w: w})
	}

	fired := make(chan int, count)
	for i, p := range pairs {
		i := i
		m.AddEvent(p.r, EventRead, func() { fired <- i })
	}

	for _, p := range pairs {
		_, werr := unix.Write(p.w, []byte("x"))
		require.NoError(t, werr)
	}

	seen := make(map[int]bool, count)
	deadline := time.After(5 * time.Second)
	for len(seen) < count {
		select {
		case i := <-fired:
			assert.False(t, seen[i], "fd index %d fired more than once", i)
			seen[i] = true
		case <-deadline:
			t.Fatalf("only %d/%d events fired", len(seen), count)
		}
	}
}

func socketpairNonblock() (r, w int, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, 0, err
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		return 0, 0, err
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}
