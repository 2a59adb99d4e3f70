// Package errclass defines the error taxonomy shared by the retry manager,
// the executor and the admission path.
package errclass

import (
	"errors"
	"fmt"
)

// Class is the classification of a failure. The retry manager consults it
// to decide whether a failed unit of work may be retried.
type Class string

const (
	// Transient covers network errors, timeouts and unavailable external
	// systems. Retryable.
	Transient Class = "transient"

	// Permanent covers malformed configs, invalid schemas and anything
	// that cannot succeed on retry. Never retried.
	Permanent Class = "permanent"

	// Quota marks admission-time rejections. Retryable by the caller
	// after the stated retry-after, never by the executor.
	Quota Class = "quota"

	// Validation marks inputs rejected before execution starts.
	Validation Class = "validation"

	// LockContention marks duplicate submissions. Informational, not a
	// failure.
	LockContention Class = "lock_contention"
)

// Error attaches a Class to an underlying error.
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Class)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with the given class.
func New(class Class, err error) *Error {
	return &Error{Class: class, Err: err}
}

// Newf wraps a formatted error with the given class.
func Newf(class Class, format string, args ...interface{}) *Error {
	return &Error{Class: class, Err: fmt.Errorf(format, args...)}
}

// NewTransient marks err as retryable.
func NewTransient(err error) *Error {
	return New(Transient, err)
}

// NewPermanent marks err as never retryable.
func NewPermanent(err error) *Error {
	return New(Permanent, err)
}

// Classify returns the class of err. Unclassified errors default to
// Permanent: correctness favors not retrying an unknown failure over
// retrying something that must not run twice.
func Classify(err error) Class {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}
	return Permanent
}
