//go:build linux

package hook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/svher-go/svher/fdtable"
	"github.com/svher-go/svher/fiber"
	"github.com/svher-go/svher/ioruntime"
	"github.com/svher-go/svher/scheduler"
)

func TestEnabledIsPerGoroutine(t *testing.T) {
	assert.False(t, Enabled())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.False(t, Enabled())
		Enable()
		assert.True(t, Enabled())
	}()
	<-done
	assert.False(t, Enabled())
}

func TestReadBlocksThenWakesOnReadiness(t *testing.T) {
	mgr, err := ioruntime.New(2, false, "hook-read-test")
	require.NoError(t, err)
	defer mgr.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])
	require.NoError(t, unix.SetNonblock(fds[0], true))
	fdtable.Global().Get(fds[0], true)

	result := make(chan []byte, 1)
	f := fiber.New(func() {
		Enable()
		defer Disable()
		buf := make([]byte, 8)
		n, rerr := Read(fds[0], buf)
		require.NoError(t, rerr)
		result <- buf[:n]
	}, 0, false)
	mgr.Submit(scheduler.Entry{Fiber: f, Affinity: scheduler.AffinityAny})

	time.Sleep(20 * time.Millisecond)
	_, werr := unix.Write(fds[1], []byte("hi"))
	require.NoError(t, werr)

	select {
	case got := <-result:
		assert.Equal(t, "hi", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("hooked read never completed")
	}
}

func TestReadTimesOutWithETIMEDOUT(t *testing.T) {
	mgr, err := ioruntime.New(1, false, "hook-timeout-test")
	require.NoError(t, err)
	defer mgr.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	require.NoError(t, unix.SetNonblock(fds[0], true))

	entry := fdtable.Global().Get(fds[0], true)
	entry.SetTimeout(fdtable.TimeoutRecv, 50)

	result := make(chan error, 1)
	f := fiber.New(func() {
		Enable()
		defer Disable()
		buf := make([]byte, 8)
		_, rerr := Read(fds[0], buf)
		result <- rerr
	}, 0, false)
	mgr.Submit(scheduler.Entry{Fiber: f, Affinity: scheduler.AffinityAny})

	select {
	case got := <-result:
		assert.ErrorIs(t, got, unix.ETIMEDOUT)
	case <-time.After(2 * time.Second):
		t.Fatal("hooked read never timed out")
	}
}

func TestDisabledDelegatesImmediately(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	require.NoError(t, unix.SetNonblock(fds[0], true))

	buf := make([]byte, 8)
	_, err = Read(fds[0], buf)
	assert.ErrorIs(t, err, unix.EAGAIN)
}

// TestConnectTimesOutAgainstUnreachablePeer checks Connect's timeout path:
// a TCP connect to an address that never completes its handshake (a
// reserved, non-routable documentation address) should time out rather
// than hang the fiber forever.
func TestConnectTimesOutAgainstUnreachablePeer(t *testing.T) {
	mgr, err := ioruntime.New(1, false, "hook-connect-timeout-test")
	require.NoError(t, err)
	defer mgr.Close()

	fd, err := Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer Close(fd)

	entry := fdtable.Global().Get(fd, true)
	entry.SetTimeout(fdtable.TimeoutSend, 100)

	sa := &unix.SockaddrInet4{Port: 54321}
	copy(sa.Addr[:], []byte{192, 0, 2, 1}) // TEST-NET-1, reserved non-routable

	result := make(chan error, 1)
	f := fiber.New(func() {
		Enable()
		defer Disable()
		result <- Connect(fd, sa)
	}, 0, false)
	mgr.Submit(scheduler.Entry{Fiber: f, Affinity: scheduler.AffinityAny})

	select {
	case got := <-result:
		assert.ErrorIs(t, got, unix.ETIMEDOUT)
	case <-time.After(2 * time.Second):
		t.Fatal("connect never timed out")
	}
}
