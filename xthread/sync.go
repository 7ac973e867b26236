package xthread

import "sync"

// Mutex is a thin, named wrapper over sync.Mutex, deliberately not
// enriched beyond what sync already provides. Used by the scheduler to
// guard its run queue, by the timer manager to guard its heap, and by the
// I/O manager and fd table to guard their per-fd records.
type Mutex struct {
	mu sync.Mutex
}

func (m *Mutex) Lock()   { m.mu.Lock() }
func (m *Mutex) Unlock() { m.mu.Unlock() }

// RWMutex is a read/write lock primitive, used by the I/O manager to
// guard its fd-context vector (read lock to look up, write lock to grow)
// and by the fd table to guard its slot slice the same way.
type RWMutex struct {
	mu sync.RWMutex
}

func (m *RWMutex) Lock()    { m.mu.Lock() }
func (m *RWMutex) Unlock()  { m.mu.Unlock() }
func (m *RWMutex) RLock()   { m.mu.RLock() }
func (m *RWMutex) RUnlock() { m.mu.RUnlock() }

// Semaphore is a counting semaphore, used by Thread to block its
// constructor until the new goroutine has recorded its id and adopted its
// name.
type Semaphore struct {
	c chan struct{}
}

// NewSemaphore constructs a semaphore with the given initial count.
func NewSemaphore(count int) *Semaphore {
	s := &Semaphore{c: make(chan struct{}, count+1)}
	for i := 0; i < count; i++ {
		s.c <- struct{}{}
	}
	return s
}

// Wait blocks until a permit is available, then consumes it.
func (s *Semaphore) Wait() { <-s.c }

// Notify releases a permit.
func (s *Semaphore) Notify() { s.c <- struct{}{} }
