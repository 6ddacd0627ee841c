// Package errors defines the sentinel error codes returned by the fat32
// module's public API, plus a fatal corruption error for conditions that
// are programming errors rather than recoverable failures.
package errors

import (
	stderrors "errors"
	"fmt"
)

// DriverError is a sentinel error enriched with contextual detail. It still
// satisfies errors.Is against the FsError it was built from, via Unwrap.
type DriverError interface {
	error
	WithMessage(message string) DriverError
	WrapError(err error) DriverError
}

type customDriverError struct {
	message       string
	originalError error
}

// Error implements the `error` object interface. When called, it returns a
// string describing the error.
func (e customDriverError) Error() string {
	return e.message
}

func (e customDriverError) WithMessage(message string) DriverError {
	return customDriverError{
		message:       fmt.Sprintf("%s: %s", e.message, message),
		originalError: e,
	}
}

// WrapError attaches err as the cause of e. Wrapping a *FsCorruptionError
// would let a corruption condition masquerade as an ordinary returned
// DriverError, so it re-panics instead: corruption never travels as a
// regular error value, wrapped or not.
func (e customDriverError) WrapError(err error) DriverError {
	var corrupt *FsCorruptionError
	if stderrors.As(err, &corrupt) {
		panic(corrupt)
	}
	return customDriverError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: err,
	}
}

func (e customDriverError) Unwrap() error {
	return e.originalError
}

// FsCorruptionError marks a programming-error condition: a cluster chain
// hitting Free/Bad mid-traversal, an unevictable cache, or any other state
// that can only arise from a bug or a corrupted image. These are never
// returned as an `error` value; they panic, failing fast on in-flight
// corruption rather than propagating a possibly-inconsistent result.
type FsCorruptionError struct {
	Message string
}

func (e *FsCorruptionError) Error() string {
	return "fat32: filesystem corruption detected: " + e.Message
}

// Corrupt panics with an FsCorruptionError built from a formatted message.
func Corrupt(format string, args ...interface{}) {
	panic(&FsCorruptionError{Message: fmt.Sprintf(format, args...)})
}
