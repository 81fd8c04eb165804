package router

import "fmt"

// BoundsError reports an index outside the configured range of levels,
// destinations or sources (spec.md §7 "bounds errors").
type BoundsError struct {
	Field string
	Value int
	Max   int
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("router: %s %d out of range [0,%d)", e.Field, e.Value, e.Max)
}

// LockError reports a destination whose lock is held by a different
// connection (spec.md §7 "authorization errors").
type LockError struct {
	Dest int
}

func (e *LockError) Error() string {
	return fmt.Sprintf("router: destination %d locked by another connection", e.Dest)
}

// ConnError wraps a transport-level failure (connect timeout, socket
// error). Following the teacher's SystemError pattern
// (panasonic/awproto.go), it is a thin wrapper so callers can
// errors.Unwrap through to the underlying net error while still being
// able to errors.As for "this was a connectivity problem, not a
// protocol one" (spec.md §7 "connectivity errors").
type ConnError struct{ Err error }

func (e *ConnError) Error() string { return "router: connection error: " + e.Err.Error() }
func (e *ConnError) Unwrap() error { return e.Err }

// ShutdownError reports an operation rejected because the engine is
// stopping (spec.md §7 "shutdown errors").
type ShutdownError struct{}

func (e *ShutdownError) Error() string { return "router: engine is shutting down" }
