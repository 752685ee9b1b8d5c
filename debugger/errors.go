// Copyright © 2018 The ELPS authors

package debugger

import (
	"errors"
	"fmt"
	"time"

	"github.com/luthersystems/shdbg/breakpoint"
)

var (
	// ErrProcessEnded rejects every rendezvous still pending when its
	// process is destroyed.
	ErrProcessEnded = errors.New("debugged process ended")
	// ErrSessionDestroyed is returned by operations on a session that has
	// already ended.
	ErrSessionDestroyed = errors.New("break session destroyed")
	// ErrNoActiveSession is returned by process-level step commands when
	// no thread is stopped.
	ErrNoActiveSession = errors.New("no active break session")
	// ErrNoMatchingFrame is returned when a location spec matches no frame
	// of the current stack.
	ErrNoMatchingFrame = errors.New("no stack frame matches the location")
	// ErrUnsupported is returned by backends lacking an operation.
	ErrUnsupported = errors.New("operation not supported by this debugger")
	// ErrDuplicateBreakpoint is returned when a breakpoint with the same
	// identity is already set.
	ErrDuplicateBreakpoint = errors.New("breakpoint already set")
	// ErrNoBreakpoint is returned when removing a breakpoint that is not set.
	ErrNoBreakpoint = errors.New("no such breakpoint")
	// ErrNoGdb is returned by operations needing a debugger subprocess
	// before one is started.
	ErrNoGdb = errors.New("gdb is not running")
	// ErrEngineClosed is returned once the engine has shut down.
	ErrEngineClosed = errors.New("debugger engine closed")
)

// LookupTimeoutError rejects a bounded process lookup whose deadline
// elapsed before the process appeared.
type LookupTimeoutError struct {
	ID      string
	Timeout time.Duration
}

func (e *LookupTimeoutError) Error() string {
	if e.Timeout <= 0 {
		return fmt.Sprintf("no debugged process %q", e.ID)
	}
	return fmt.Sprintf("no debugged process %q after %v", e.ID, e.Timeout)
}

// BreakpointRenderError records why a backend could not install a
// breakpoint. The breakpoint stays set and may be retried.
type BreakpointRenderError struct {
	Location breakpoint.Location
	Err      error
}

func (e *BreakpointRenderError) Error() string {
	return fmt.Sprintf("breakpoint at %v: %v", e.Location, e.Err)
}

func (e *BreakpointRenderError) Unwrap() error {
	return e.Err
}

// UnknownSignalError is returned when an outsideTrap location names a
// signal missing from the trap signal table.
type UnknownSignalError struct {
	Signal string
}

func (e *UnknownSignalError) Error() string {
	return fmt.Sprintf("unknown trap signal %q", e.Signal)
}
