package xthread

import "sync"

// Registry is a goroutine-keyed thread-local slot. Fiber and
// Scheduler each keep one (fiberTLS, schedulerTLS) to implement their
// respective GetThis()/SetThis() statics without an explicit parameter
// threaded through every call.
type Registry[T any] struct {
	mu sync.RWMutex
	m  map[int64]T
}

// NewRegistry constructs an empty thread-local registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{m: make(map[int64]T)}
}

// Get returns the value registered for the calling goroutine, or the zero
// value and false if none is set.
func (r *Registry[T]) Get() (T, bool) {
	gid := goroutineID()
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.m[gid]
	return v, ok
}

// Set registers v for the calling goroutine.
func (r *Registry[T]) Set(v T) {
	gid := goroutineID()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[gid] = v
}

// Clear removes any value registered for the calling goroutine.
func (r *Registry[T]) Clear() {
	gid := goroutineID()
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, gid)
}

// CopyTo propagates the calling goroutine's registered value onto another
// goroutine's slot, identified by its id. Used at fiber swap-in/out points,
// where "current scheduler" logically follows the fiber across the
// worker-goroutine/fiber-goroutine boundary our Go emulation introduces
// (see fiber.Fiber doc comment) even though no value is literally shared
// memory between the two goroutines' stacks the way it would be for a real
// ucontext-style stack swap on a single OS thread.
func (r *Registry[T]) CopyTo(targetGoroutineID int64) {
	gid := goroutineID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.m[gid]; ok {
		r.m[targetGoroutineID] = v
	}
}

// CurrentGoroutineID exposes the calling goroutine's id, e.g. so a fiber
// can learn its own id to pass to a worker for later CopyTo calls.
func CurrentGoroutineID() int64 {
	return goroutineID()
}
