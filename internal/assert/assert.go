// Package assert implements programming-error checks: submitting to a
// stopped scheduler, double-arming an fd event direction, swapping into a
// fiber that's already EXEC, and similar invariant violations are bugs,
// not recoverable errors, so they abort with a captured backtrace rather
// than returning an error value.
package assert

import (
	"fmt"
	"runtime/debug"
)

// Failure is the panic value raised by True/Fail. It carries the formatted
// message plus a backtrace captured at the point of failure.
type Failure struct {
	Message   string
	Backtrace string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("svher: assertion failed: %s\n%s", f.Message, f.Backtrace)
}

// True panics with a captured backtrace if cond is false.
func True(cond bool, format string, args ...any) {
	if !cond {
		Fail(format, args...)
	}
}

// Fail unconditionally panics with a captured backtrace.
func Fail(format string, args ...any) {
	panic(&Failure{
		Message:   fmt.Sprintf(format, args...),
		Backtrace: string(debug.Stack()),
	})
}
