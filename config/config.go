// Package config implements the two config keys the core actually reads:
// fiber.stack_size and tcp.connect.timeout. Everything else about
// configuration — YAML schema design, nested sections, full validation —
// is left to the host application; this package is only the boundary the
// rest of the module calls through, plus a thin loader so a host
// application can populate it from a YAML file.
package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Var is a typed config value with change notification.
type Var[T any] struct {
	name string

	mu        sync.RWMutex
	value     T
	listeners []func(old, next T)
}

func newVar[T any](name string, def T) *Var[T] {
	return &Var[T]{name: name, value: def}
}

// Name returns the var's dotted key.
func (v *Var[T]) Name() string { return v.name }

// Get returns the current value.
func (v *Var[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.value
}

// Set updates the value and fires every registered listener with the old
// and new values, in registration order.
func (v *Var[T]) Set(next T) {
	v.mu.Lock()
	old := v.value
	v.value = next
	listeners := append([]func(old, next T){}, v.listeners...)
	v.mu.Unlock()
	for _, l := range listeners {
		l(old, next)
	}
}

// AddListener registers a callback invoked whenever Set changes the
// value, so runtime changes can propagate to whatever depends on them.
func (v *Var[T]) AddListener(fn func(old, next T)) {
	v.mu.Lock()
	v.listeners = append(v.listeners, fn)
	v.mu.Unlock()
}

// Registry is a process-wide set of named Vars; Global below is the
// singleton for this package's two recognized keys.
type Registry struct {
	mu   sync.Mutex
	vars map[string]any
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{vars: make(map[string]any)}
}

// KeyFiberStackSize and KeyTCPConnectTimeout are the two recognized keys.
// Defaults: 1 MiB stack, 5000ms connect timeout.
const (
	KeyFiberStackSize     = "fiber.stack_size"
	KeyTCPConnectTimeout  = "tcp.connect.timeout"
	defaultFiberStackSize = 1 << 20
	defaultConnectTimeout = 5000
)

// Global is the process-wide registry holding fiber.stack_size and
// tcp.connect.timeout. The hook facade reads tcp.connect.timeout from it;
// the fiber package does not read it (fiber.New takes its stack size as an
// argument).
var Global = newGlobal()

func newGlobal() *Registry {
	r := NewRegistry()
	r.vars[KeyFiberStackSize] = newVar(KeyFiberStackSize, uint32(defaultFiberStackSize))
	r.vars[KeyTCPConnectTimeout] = newVar(KeyTCPConnectTimeout, int32(defaultConnectTimeout))
	return r
}

// FiberStackSize returns the registered fiber.stack_size Var.
func (r *Registry) FiberStackSize() *Var[uint32] {
	return r.vars[KeyFiberStackSize].(*Var[uint32])
}

// TCPConnectTimeout returns the registered tcp.connect.timeout Var, in
// milliseconds.
func (r *Registry) TCPConnectTimeout() *Var[int32] {
	return r.vars[KeyTCPConnectTimeout].(*Var[int32])
}

// yamlDoc is the subset of a YAML config file LoadYAML understands: the
// two recognized keys, nested the way their dotted names imply.
type yamlDoc struct {
	Fiber struct {
		StackSize uint32 `yaml:"stack_size"`
	} `yaml:"fiber"`
	TCP struct {
		Connect struct {
			Timeout int32 `yaml:"timeout"`
		} `yaml:"connect"`
	} `yaml:"tcp"`
}

// LoadYAML reads path and applies any of the two recognized keys it
// contains to r, via Set (so listeners fire). A key the file omits is left
// at its current value.
func (r *Registry) LoadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var doc yamlDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	if doc.Fiber.StackSize != 0 {
		r.FiberStackSize().Set(doc.Fiber.StackSize)
	}
	if doc.TCP.Connect.Timeout != 0 {
		r.TCPConnectTimeout().Set(doc.TCP.Connect.Timeout)
	}
	return nil
}
