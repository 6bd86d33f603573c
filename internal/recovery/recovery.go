// Package recovery guards the relay's long-running goroutines (the TCP
// accept loop and connection handlers, the UDP server loop and workers)
// against a panic in one
// connection or datagram taking down the whole process.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers from a panic and logs it with the given
// logger. Defer it at the top of any goroutine that handles a single
// connection or datagram so a bug there stays contained.
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "tcprelay.acceptLoop")
//	    ...
//	}()
func RecoverWithLog(logger *slog.Logger, goroutine string) {
	if r := recover(); r != nil {
		logger.Error("panic recovered",
			"goroutine", goroutine,
			"panic", fmt.Sprintf("%v", r),
			"stack", string(debug.Stack()))
	}
}

// RecoverNoop silently recovers from a panic without logging. Only used
// in tests that intentionally panic a helper and don't want the test
// binary's own crash handler to fire.
func RecoverNoop() {
	recover()
}
