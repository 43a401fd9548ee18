// Package async wraps goroutine spawning with panic containment. A panic in
// a background worker is logged with its stack and swallowed; the daemon
// keeps running.
package async

import (
	"runtime/debug"
	"time"
)

// PanicLogger is the slice of a logger that panic reports need.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go starts fn on its own goroutine. name tags any panic report.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover is the deferred half of Go, usable directly in goroutines spawned
// elsewhere. A nil logger drops the report but still absorbs the panic.
func Recover(logger PanicLogger, name string) {
	r := recover()
	if r == nil || logger == nil {
		return
	}
	tag := ""
	if name != "" {
		tag = " [" + name + "]"
	}
	logger.Error("goroutine panic%s: %v, stack: %s", tag, r, debug.Stack())
}

// Loop runs fn every interval until stop closes. Each tick is individually
// guarded so one panicking tick does not end the loop.
func Loop(logger PanicLogger, name string, interval time.Duration, stop <-chan struct{}, fn func()) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				func() {
					defer Recover(logger, name)
					fn()
				}()
			}
		}
	}()
}
