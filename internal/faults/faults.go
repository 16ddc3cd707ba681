// Package faults defines the error kinds shared across component boundaries.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies an error for boundary handling (HTTP mapping, retry policy).
type Kind string

const (
	KindValidation   Kind = "validation"    // bad input, no state change
	KindUnauthorized Kind = "unauthorized"  // share guard rejection
	KindNotFound     Kind = "not_found"     // missing entity
	KindExhausted    Kind = "exhausted"     // governor or queue saturation
	KindTransient    Kind = "transient"     // retryable: AI timeout, deadlock, flap
	KindFatal        Kind = "fatal"         // unrecoverable: parse failure, schema violation
	KindShutdown     Kind = "shutdown"      // process termination interrupted the work
)

// Fault is an error carrying a kind, a stable machine-readable code,
// and a human message. Components wrap internal errors into a Fault
// before crossing a boundary.
type Fault struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f *Fault) Unwrap() error { return f.Err }

// New builds a Fault with no wrapped cause.
func New(kind Kind, code, message string) *Fault {
	return &Fault{Kind: kind, Code: code, Message: message}
}

// Wrap builds a Fault around an underlying error.
func Wrap(kind Kind, code, message string, err error) *Fault {
	return &Fault{Kind: kind, Code: code, Message: message, Err: err}
}

func Validation(code, message string) *Fault { return New(KindValidation, code, message) }

func Unauthorized(code, message string) *Fault { return New(KindUnauthorized, code, message) }

func NotFound(code, message string) *Fault { return New(KindNotFound, code, message) }

func Exhausted(code, message string) *Fault { return New(KindExhausted, code, message) }

func Transient(code, message string, err error) *Fault {
	return Wrap(KindTransient, code, message, err)
}

func Fatal(code, message string, err error) *Fault {
	return Wrap(KindFatal, code, message, err)
}

func Shutdown(code, message string) *Fault { return New(KindShutdown, code, message) }

// KindOf extracts the Kind from an error chain. Unclassified errors are
// treated as fatal so nothing silently retries forever.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindFatal
}

// CodeOf extracts the stable code from an error chain, or "internal".
func CodeOf(err error) string {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return "internal"
}

// IsRetryable reports whether the queue should schedule another attempt.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// Common sentinels used for flow control rather than reporting.
var (
	// ErrNoWork signals an empty queue to the worker loop.
	ErrNoWork = errors.New("no queued work")
	// ErrQueueFull rejects an enqueue past the configured queue length.
	ErrQueueFull = New(KindExhausted, "queue_full", "queue length limit reached")
	// ErrTimeout is the cancel cause for a task exceeding its deadline.
	ErrTimeout = New(KindTransient, "timeout", "task exceeded its deadline")
	// ErrShutdown is the cancel cause when the process is stopping.
	ErrShutdown = Shutdown("shutdown", "worker pool is shutting down")
	// ErrCancelled is the cancel cause for a user-initiated cancellation.
	ErrCancelled = New(KindFatal, "cancelled", "task cancelled by user")
)
