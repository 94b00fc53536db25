// Package recovery keeps a panicking goroutine from taking the process down.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// RecoverWithLog recovers from a panic and logs it with its stack. Defer it
// first thing in a goroutine:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "readLoop")
//	    ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// RecoverWithCallback is RecoverWithLog followed by callback, which may be nil.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(recovered interface{})) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if callback != nil {
			callback(r)
		}
	}
}

// Go runs fn in a new goroutine tracked by wg, recovering any panic.
func Go(wg *sync.WaitGroup, logger *slog.Logger, name string, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer RecoverWithLog(logger, name)
		fn()
	}()
}

// Call runs fn on the current goroutine and reports whether it returned
// without panicking. A panic is logged and swallowed.
func Call(logger *slog.Logger, name string, fn func()) (ok bool) {
	defer RecoverWithCallback(logger, name, func(interface{}) { ok = false })
	fn()
	return true
}

func logPanic(logger *slog.Logger, name string, r interface{}) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
