package xthread

import (
	"bytes"
	"runtime"
	"strconv"
)

// goroutineID extracts the runtime's internal goroutine id by parsing the
// header line of runtime.Stack's output ("goroutine 123 [running]: ...").
// This is the standard stdlib-only trick used across the Go ecosystem for
// goroutine-local storage; no library in the retrieval pack implements
// goroutine-id extraction (the pack's goroutineid package, under
// go-utilpkg, is an empty placeholder), and Go intentionally exposes no
// supported API for it, so there is nothing third-party to wire in here —
// see DESIGN.md.
//
// Every Fiber runs as exactly one goroutine for its entire lifetime (see
// fiber.Fiber), and every scheduler worker likewise runs its loop on one
// goroutine for the worker's lifetime, so keying thread-local state on this
// id is stable for as long as a Registry entry is meaningful.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	const prefix = "goroutine "
	if !bytes.HasPrefix(b, []byte(prefix)) {
		return -1
	}
	b = b[len(prefix):]
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return -1
	}
	return id
}
