// Package goid exposes the runtime id of the calling goroutine. It exists for
// one purpose: letting a Stop method detect that it is being called from the
// goroutine it would otherwise join, so it can degrade to a deferred exit
// instead of deadlocking.
package goid

import (
	"bytes"
	"runtime"
	"strconv"
)

// ID returns the calling goroutine's id by parsing the header line of its
// stack trace ("goroutine N [running]:").
func ID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
