// Package asyncutil provides panic-safe goroutine launching shared by every
// component that runs background work outside the caller's call stack:
// the scheduler's drain loop, its per-task watchdog and chat-async
// goroutines, the progress heartbeat ticker, and the injection processor.
package asyncutil

import (
	"runtime/debug"

	"forge/internal/corelog"
)

// Go runs fn in a goroutine guarded by panic recovery so a bug in one
// sub-task, watchdog, or injection never takes the whole process down.
// name identifies the goroutine in the panic log (e.g. "watchdog:<taskId>").
func Go(logger corelog.Logger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover logs panic details without crashing the process. Call it directly
// via defer when the caller already owns the goroutine (e.g. tests).
func Recover(logger corelog.Logger, name string) {
	r := recover()
	if r == nil {
		return
	}
	if logger == nil {
		logger = corelog.Nop()
	}
	if name == "" {
		logger.Error("goroutine panic: %v, stack: %s", r, debug.Stack())
		return
	}
	logger.Error("goroutine panic [%s]: %v, stack: %s", name, r, debug.Stack())
}
