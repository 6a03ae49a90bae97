package errors

import (
	"fmt"
	"runtime/debug"
)

// PanicError represents an error recovered from a panic inside a job
// processor or background loop
type PanicError struct {
	Value      interface{} // The panic value
	Stacktrace string      // Full stack trace
}

// Error implements the error interface
func (p *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", p.Value)
}

// RecoverPanic recovers from a panic and returns it as an error with stack trace.
// Returns nil if no panic occurred. Must be called directly from a deferred
// function.
func RecoverPanic() error {
	if r := recover(); r != nil {
		return &PanicError{
			Value:      r,
			Stacktrace: string(debug.Stack()),
		}
	}
	return nil
}

// FormatPanicForLog returns a formatted string suitable for logging
func FormatPanicForLog(panicErr *PanicError) string {
	return fmt.Sprintf("PANIC: %v\n\nStack Trace:\n%s", panicErr.Value, panicErr.Stacktrace)
}

// Go runs fn in a new goroutine, routing any panic to onPanic instead of
// crashing the process. Background loops in the pool, scheduler and bridge
// use this so one bad handler cannot take the whole worker down.
func Go(fn func(), onPanic func(*PanicError)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				perr := &PanicError{Value: r, Stacktrace: string(debug.Stack())}
				if onPanic != nil {
					onPanic(perr)
				}
			}
		}()
		fn()
	}()
}
