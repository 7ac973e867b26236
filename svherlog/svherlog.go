// Package svherlog is the logging facade every other package in this
// module logs through: a *logiface.Logger[*stumpy.Event], with a disabled
// (no-op) logger as the package default so the core runs with zero
// logging overhead until a caller opts in — mirroring go-eventloop's
// package-level NewNoOpLogger() default.
package svherlog

import (
	"sync"
	"sync/atomic"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

var current atomic.Pointer[logiface.Logger[*stumpy.Event]]

var mu sync.Mutex

func init() {
	l := stumpy.L.New(
		logiface.WithLevel[*stumpy.Event](logiface.LevelDisabled),
		stumpy.L.WithStumpy(),
	)
	current.Store(l)
}

// L returns the currently configured logger. Safe for concurrent use.
func L() *logiface.Logger[*stumpy.Event] {
	return current.Load()
}

// SetLevel reconfigures the default stumpy-backed logger to emit at level,
// writing JSON lines to stderr (or wherever stumpyOptions direct it via
// stumpy.WithWriter/stumpy.WithTimeField/etc). Most callers should instead
// call SetLogger with a logger built via stumpy.L.New, which gives full
// control over the writer, field names, etc.
func SetLevel(level logiface.Level, stumpyOptions ...stumpy.Option) {
	mu.Lock()
	defer mu.Unlock()
	current.Store(stumpy.L.New(
		logiface.WithLevel[*stumpy.Event](level),
		stumpy.L.WithStumpy(stumpyOptions...),
	))
}

// SetLogger installs an arbitrary pre-built logger. Its event type is
// fixed to *stumpy.Event, so it must be a stumpy-backed logiface logger.
func SetLogger(l *logiface.Logger[*stumpy.Event]) {
	mu.Lock()
	defer mu.Unlock()
	current.Store(l)
}
