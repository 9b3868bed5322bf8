package polyphony

import (
	"fmt"
	"syscall"

	"github.com/ygrebnov/errorc"
)

// SystemError wraps a negative kernel result (an errno) the way spec §7
// requires: "raise a system-error exception carrying the errno and
// strerror message."
type SystemError struct {
	Op    string
	Errno syscall.Errno
	cause error
}

// NewSystemError builds a SystemError from a raw (negative or positive)
// kernel result for the named operation.
func NewSystemError(op string, res int32) *SystemError {
	if res < 0 {
		res = -res
	}
	errno := syscall.Errno(res)
	return &SystemError{
		Op:    op,
		Errno: errno,
		cause: errorc.New(fmt.Sprintf("%s: %s", op, errno.Error())),
	}
}

func (e *SystemError) Error() string { return e.cause.Error() }
func (e *SystemError) Unwrap() error { return e.Errno }

// ArgumentError signals a caller-supplied value the runtime rejects
// outright (an invalid interest tag, a negative length, the wrong chain
// arity).
type ArgumentError struct {
	Msg string
}

func (e *ArgumentError) Error() string { return "argument error: " + e.Msg }

func newArgumentError(format string, args ...any) *ArgumentError {
	return &ArgumentError{Msg: fmt.Sprintf(format, args...)}
}

// NewArgumentError is newArgumentError's exported form, for backend
// packages outside this module that need to raise the same error type.
func NewArgumentError(format string, args ...any) *ArgumentError {
	return newArgumentError(format, args...)
}

// errTimeoutSentinel unwinds a Timeout block from the inside. Timeout
// consumes it and returns move_on_value when one is given; otherwise
// Timeout returns the sentinel itself as its error. There is no conversion
// to a caller-supplied error type.
type timeoutSentinel struct{}

func (timeoutSentinel) Error() string { return "timeout" }

var errTimeoutSentinel error = timeoutSentinel{}

// IsTimeoutSentinel reports whether err is the internal timeout-unwind
// sentinel, for Timeout's own recovery path.
func IsTimeoutSentinel(err error) bool {
	_, ok := err.(timeoutSentinel)
	return ok
}

// TimeoutSentinelError returns the internal timeout-unwind sentinel, for
// backends to raise into a fiber whose timeout op has fired.
func TimeoutSentinelError() error { return errTimeoutSentinel }

// DeadlockError is returned (not panicked) by Scheduler.Run when the run
// queue is empty and no op-contexts remain outstanding.
type DeadlockError struct{}

func (DeadlockError) Error() string {
	return "deadlock: no runnable fibers and no outstanding operations"
}

// CancelledError wraps an arbitrary value delivered as the Err of a
// ResumeValue used to unwind a fiber — e.g. from Fiber.Schedule(Raise(err),
// true) called by another fiber wanting to cancel this one.
type CancelledError struct {
	cause error
}

// NewCancelledError wraps cause as a cancellation delivered to an
// awaiting fiber.
func NewCancelledError(cause error) *CancelledError {
	return &CancelledError{cause: cause}
}

func (e *CancelledError) Error() string { return "cancelled: " + e.cause.Error() }
func (e *CancelledError) Unwrap() error { return e.cause }
