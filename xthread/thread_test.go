package xthread

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryGetSetClear(t *testing.T) {
	r := NewRegistry[string]()

	_, ok := r.Get()
	assert.False(t, ok)

	r.Set("hello")
	v, ok := r.Get()
	require.True(t, ok)
	assert.Equal(t, "hello", v)

	r.Clear()
	_, ok = r.Get()
	assert.False(t, ok)
}

func TestRegistryIsPerGoroutine(t *testing.T) {
	r := NewRegistry[int]()
	r.Set(1)

	done := make(chan struct{})
	var otherOK bool
	go func() {
		defer close(done)
		_, otherOK = r.Get()
	}()
	<-done

	assert.False(t, otherOK, "a value set on one goroutine must not be visible from another")

	v, ok := r.Get()
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestRegistryCopyTo(t *testing.T) {
	r := NewRegistry[string]()
	r.Set("from-caller")

	var targetGID int64
	var gotBeforeCopy, gotAfterCopy bool
	var valAfterCopy string

	ready := make(chan struct{})
	proceed := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		targetGID = CurrentGoroutineID()
		close(ready)
		<-proceed
		valAfterCopy, gotAfterCopy = r.Get()
	}()

	<-ready
	_, gotBeforeCopy = r.Get()
	r.CopyTo(targetGID)
	close(proceed)
	<-done

	assert.False(t, gotBeforeCopy, "CopyTo target should not see the value before it is copied")
	require.True(t, gotAfterCopy)
	assert.Equal(t, "from-caller", valAfterCopy)
}

func TestCurrentGoroutineIDDiffersAcrossGoroutines(t *testing.T) {
	a := CurrentGoroutineID()

	var b int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		b = CurrentGoroutineID()
	}()
	<-done

	assert.NotZero(t, a)
	assert.NotZero(t, b)
	assert.NotEqual(t, a, b)
}

func TestSemaphoreWaitNotify(t *testing.T) {
	s := NewSemaphore(1)

	s.Wait() // consumes the initial permit

	waited := make(chan struct{})
	go func() {
		s.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		t.Fatal("Wait returned before Notify released a permit")
	case <-time.After(20 * time.Millisecond):
	}

	s.Notify()

	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after Notify")
	}
}

func TestSemaphoreNewWithZeroCountBlocksUntilNotified(t *testing.T) {
	s := NewSemaphore(0)

	var mu sync.Mutex
	acquired := false

	go func() {
		s.Wait()
		mu.Lock()
		acquired = true
		mu.Unlock()
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.False(t, acquired)
	mu.Unlock()

	s.Notify()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return acquired
	}, time.Second, time.Millisecond)
}

func TestMutexExcludesConcurrentAccess(t *testing.T) {
	var mu Mutex
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mu.Lock()
			counter++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, counter)
}

func TestRWMutexAllowsConcurrentReaders(t *testing.T) {
	var mu RWMutex
	value := 0

	mu.Lock()
	value = 42
	mu.Unlock()

	var wg sync.WaitGroup
	results := make([]int, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mu.RLock()
			results[i] = value
			mu.RUnlock()
		}(i)
	}
	wg.Wait()

	for _, v := range results {
		assert.Equal(t, 42, v)
	}
}

func TestThreadNewBlocksUntilIDIsValid(t *testing.T) {
	var sawID int64

	th := New("test-thread", func(id int64) {
		sawID = id
	})

	require.NotZero(t, th.ID())
	assert.Equal(t, "test-thread", th.Name())

	th.Join()
	assert.Equal(t, th.ID(), sawID)
}

func TestThreadNameDefaultsWhenEmpty(t *testing.T) {
	th := New("", func(int64) {})
	th.Join()
	assert.Equal(t, "UNKNOWN", th.Name())
}

func TestThreadIDsAreUnique(t *testing.T) {
	a := New("a", func(int64) {})
	b := New("b", func(int64) {})
	a.Join()
	b.Join()
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestCallerIDIsDistinctFromThreadIDs(t *testing.T) {
	th := New("worker", func(int64) {})
	th.Join()

	done := make(chan int64)
	go func() {
		done <- CallerID()
	}()
	callerID := <-done

	assert.NotZero(t, callerID)
	assert.NotEqual(t, th.ID(), callerID)
}
